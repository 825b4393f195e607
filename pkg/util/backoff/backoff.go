// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package backoff computes retry delays for the upload queue. The delay for
// the n-th retry is base*multiplier^(n-1) seconds. The schedule is
// deterministic on purpose: retry eligibility times are persisted as sorted
// set scores in the broker and must be reproducible across restarts.
package backoff

import (
	"math"
	"time"
)

// Policy holds the exponential backoff parameters.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	MaxRetries int
}

// NewPolicy returns a Policy with sanitized parameters. A multiplier below
// 1 or a non-positive base would collapse the schedule, so they are raised
// to sane minimums.
func NewPolicy(base time.Duration, multiplier float64, maxRetries int) Policy {
	if base <= 0 {
		base = time.Second
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Policy{Base: base, Multiplier: multiplier, MaxRetries: maxRetries}
}

// Delay returns the wait before the given retry attempt. retryCount is
// 1-based: the first retry waits the base delay.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(retryCount-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether retryCount has reached the retry budget.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
