// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package runner schedules one collector on its own goroutine. Each tick
// runs Collect, wraps the result in a Snapshot bound to the server-issued
// device ID and hands it to the upload sink. A failing collector never
// takes down its peers: errors are logged and the loop keeps ticking.
package runner

import (
	"time"

	"go.uber.org/atomic"

	"github.com/DataDog/edgewatch/pkg/collector"
	"github.com/DataDog/edgewatch/pkg/metrics"
	"github.com/DataDog/edgewatch/pkg/util/log"
)

// tickGranularity is how often the interval sleep re-checks the stop flag,
// which bounds how long Stop can be ignored.
const tickGranularity = 1 * time.Second

// stopGraceSlack is added to the collection interval to form the Stop
// deadline for the in-flight Collect.
const stopGraceSlack = 5 * time.Second

// Sink accepts snapshots for delivery. Put must not block; the runner
// drops the snapshot when it returns false.
type Sink interface {
	Put(s metrics.Snapshot) bool
}

// Runner drives one collector at a fixed interval.
type Runner struct {
	coll     collector.Collector
	deviceID string
	interval time.Duration
	sink     Sink

	state  *atomic.Int32
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a runner for the given collector, bound to the server-issued
// device ID.
func New(coll collector.Collector, deviceID string, interval time.Duration, sink Sink) *Runner {
	return &Runner{
		coll:     coll,
		deviceID: deviceID,
		interval: interval,
		sink:     sink,
		state:    atomic.NewInt32(int32(collector.StateNew)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling and returns immediately. Calling Start on
// a runner that already left the NEW state is a no-op with a warning.
func (r *Runner) Start() {
	if !r.state.CompareAndSwap(int32(collector.StateNew), int32(collector.StateRunning)) {
		log.Warnf("collector %s: Start called in state %s, ignoring",
			r.coll.DeviceName(), collector.State(r.state.Load())) //nolint:errcheck
		return
	}

	log.Infof("collector %s (source=%s): starting, interval=%s",
		r.coll.DeviceName(), r.coll.Source(), r.interval)
	go r.loop()
}

// Stop signals shutdown and blocks until the in-flight Collect returns or
// the grace period (interval + 5s) expires. It is idempotent.
func (r *Runner) Stop() {
	if r.state.CompareAndSwap(int32(collector.StateRunning), int32(collector.StateStopping)) {
		close(r.stopCh)
	} else if collector.State(r.state.Load()) != collector.StateStopping {
		// Never started, or already stopped.
		r.state.Store(int32(collector.StateStopped))
		return
	}

	select {
	case <-r.doneCh:
	case <-time.After(r.interval + stopGraceSlack):
		log.Warnf("collector %s: did not stop within grace period, abandoning", r.coll.DeviceName()) //nolint:errcheck
	}
	r.state.Store(int32(collector.StateStopped))
}

// IsRunning reports whether the sampling loop is active.
func (r *Runner) IsRunning() bool {
	return collector.State(r.state.Load()) == collector.StateRunning
}

// DeviceID returns the bound device ID.
func (r *Runner) DeviceID() string {
	return r.deviceID
}

func (r *Runner) loop() {
	defer close(r.doneCh)

	for {
		r.tick()

		if !r.sleep(r.interval) {
			log.Debugf("collector %s: stop requested, exiting loop", r.coll.DeviceName())
			return
		}
	}
}

// tick runs one sample and enqueues the resulting snapshot. A collector
// that has never produced a successful sample still ticks at its interval.
func (r *Runner) tick() {
	entries, err := r.coll.Collect()
	if err != nil {
		log.Errorf("collector %s: collect failed: %v", r.coll.DeviceName(), err) //nolint:errcheck
		return
	}

	snap := metrics.NewSnapshot(r.deviceID, entries)
	if !r.sink.Put(snap) {
		log.Warnf("collector %s: upload queue rejected snapshot %s, dropping",
			r.coll.DeviceName(), snap.SnapshotID) //nolint:errcheck
		return
	}
	log.Debugf("collector %s: queued snapshot %s with %d metrics",
		r.coll.DeviceName(), snap.SnapshotID, len(snap.Metrics))
}

// sleep waits for the interval in ~1s slices so Stop stays responsive.
// Returns false when stop was requested.
func (r *Runner) sleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > tickGranularity {
			remaining = tickGranularity
		}
		select {
		case <-r.stopCh:
			return false
		case <-time.After(remaining):
		}
	}
}
