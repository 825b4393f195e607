// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package collector defines the capability every concrete collector
// implements. The orchestrator consumes any value exposing Collect plus
// its identity; scheduling and lifecycle live in the runner, not here, so
// collectors stay synchronous single-sample logic.
package collector

import (
	"github.com/DataDog/edgewatch/pkg/metrics"
)

// Collector samples one source. Implementations must be safe to call from
// a single goroutine; Collect is never invoked concurrently.
type Collector interface {
	// Collect performs one synchronous sample.
	Collect() ([]metrics.MetricEntry, error)
	// Source names the kind of data this collector produces, e.g. "local".
	Source() string
	// DeviceName is the registration name for this collector's device.
	DeviceName() string
}

// State is the lifecycle of a collector runner.
type State int32

const (
	// StateNew is the initial state; Start is only legal from here.
	StateNew State = iota
	// StateRunning means the sampling loop is active.
	StateRunning
	// StateStopping means Stop was called and the loop is draining.
	StateStopping
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
