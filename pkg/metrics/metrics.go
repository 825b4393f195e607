// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics defines the value objects shared by collectors, the
// upload queue and the ingestion server: a MetricEntry is one named
// reading, a Snapshot is one collection cycle from one device.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxNameLen bounds metric names at the wire and in the store.
	MaxNameLen = 255
	// MaxUnitLen bounds unit strings.
	MaxUnitLen = 50
)

// MetricEntry is a single named reading. Values are always carried as
// float64; construct entries through NewEntry so validation cannot be
// bypassed.
type MetricEntry struct {
	Name  string  `json:"metric_name"`
	Value float64 `json:"metric_value"`
	Unit  string  `json:"unit"`
}

// NewEntry validates and builds a MetricEntry. NaN and infinities are
// rejected: they are not representable in the wire JSON and would poison
// downstream aggregation.
func NewEntry(name string, value float64, unit string) (MetricEntry, error) {
	if name == "" {
		return MetricEntry{}, fmt.Errorf("metric name cannot be empty")
	}
	if len(name) > MaxNameLen {
		return MetricEntry{}, fmt.Errorf("metric name exceeds %d characters: %q", MaxNameLen, name[:32])
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return MetricEntry{}, fmt.Errorf("metric %q value must be finite, got %v", name, value)
	}
	if len(unit) > MaxUnitLen {
		return MetricEntry{}, fmt.Errorf("metric %q unit exceeds %d characters", name, MaxUnitLen)
	}
	return MetricEntry{Name: name, Value: value, Unit: unit}, nil
}

// Validate re-checks an entry that arrived over the wire.
func (m MetricEntry) Validate() error {
	_, err := NewEntry(m.Name, m.Value, m.Unit)
	return err
}

// Snapshot is one sampling result from one device, the atomic unit of
// delivery. SnapshotID doubles as the server-side idempotency key.
type Snapshot struct {
	SnapshotID  string        `json:"snapshot_id"`
	DeviceID    string        `json:"device_id"`
	CollectedAt float64       `json:"timestamp"`
	Metrics     []MetricEntry `json:"metrics"`
}

// NewSnapshot stamps a fresh snapshot ID and the current time. An empty
// metrics slice is legal: a collector that sampled nothing still reports
// that it ticked.
func NewSnapshot(deviceID string, entries []MetricEntry) Snapshot {
	if entries == nil {
		entries = []MetricEntry{}
	}
	return Snapshot{
		SnapshotID:  uuid.NewString(),
		DeviceID:    deviceID,
		CollectedAt: float64(time.Now().UnixNano()) / float64(time.Second),
		Metrics:     entries,
	}
}

// idMaxLen matches the VARCHAR(36) ID columns in the store.
const idMaxLen = 36

// Validate checks a snapshot that arrived over the wire. IDs are opaque
// strings bounded by the store's column width; the aggregator always
// sends UUIDs but the server does not insist on the format.
func (s Snapshot) Validate() error {
	if s.SnapshotID == "" || len(s.SnapshotID) > idMaxLen {
		return fmt.Errorf("invalid snapshot_id %q", s.SnapshotID)
	}
	if s.DeviceID == "" || len(s.DeviceID) > idMaxLen {
		return fmt.Errorf("invalid device_id %q", s.DeviceID)
	}
	if s.CollectedAt <= 0 || math.IsNaN(s.CollectedAt) || math.IsInf(s.CollectedAt, 0) {
		return fmt.Errorf("invalid timestamp %v", s.CollectedAt)
	}
	for _, m := range s.Metrics {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Marshal serializes the snapshot to its wire JSON.
func (s Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot parses and validates a wire JSON snapshot.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("cannot parse snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Round truncates v to the given number of decimals, the precision applied
// to every collector reading before it enters a snapshot.
func Round(v float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
