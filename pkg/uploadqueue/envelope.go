// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploadqueue

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps a snapshot on the broker, carrying retry state without
// mutating the payload. The payload stays an opaque raw message: the
// envelope encoding must remain readable by older and newer aggregator
// versions, since in-flight envelopes survive upgrades on the broker.
type Envelope struct {
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	FirstQueuedAt float64         `json:"first_queued_at"`
	LastError     string          `json:"last_error,omitempty"`
}

func (e Envelope) marshal() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("cannot marshal envelope: %w", err)
	}
	return string(raw), nil
}

func unmarshalEnvelope(raw string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Envelope{}, fmt.Errorf("cannot parse envelope: %w", err)
	}
	if len(e.Payload) == 0 {
		return Envelope{}, fmt.Errorf("envelope has no payload")
	}
	return e, nil
}

// snapshotID digs the idempotency key out of the payload for log lines.
func (e Envelope) snapshotID() string {
	var partial struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.Unmarshal(e.Payload, &partial); err != nil || partial.SnapshotID == "" {
		return "unknown"
	}
	return partial.SnapshotID
}
