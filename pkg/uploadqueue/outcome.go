// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploadqueue

import "net/http"

// Outcome is the typed result of one upload attempt; routing an envelope
// after an attempt is a pure function of its outcome.
type Outcome int

const (
	// OutcomeOK means the server accepted the snapshot; discard it.
	OutcomeOK Outcome = iota
	// OutcomeTransient means the attempt may succeed later; schedule a
	// retry with backoff.
	OutcomeTransient
	// OutcomePermanent means retrying cannot help; dead-letter it.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps an attempt's HTTP status (or transport error) to an
// outcome. Timeouts and connection errors are transient. 408 and 429 are
// the only retryable 4xx codes: everything else in that class means the
// server judged the request itself bad, and replaying it verbatim cannot
// succeed.
func Classify(statusCode int, err error) Outcome {
	if err != nil {
		return OutcomeTransient
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeOK
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return OutcomeTransient
	case statusCode >= 400 && statusCode < 500:
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}
