// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package runner

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/DataDog/edgewatch/pkg/metrics"
)

type testCollector struct {
	name     string
	doErr    bool
	slow     time.Duration
	runCount *atomic.Uint64
}

func newTestCollector(name string) *testCollector {
	return &testCollector{name: name, runCount: atomic.NewUint64(0)}
}

func (c *testCollector) Collect() ([]metrics.MetricEntry, error) {
	c.runCount.Inc()
	if c.slow > 0 {
		time.Sleep(c.slow)
	}
	if c.doErr {
		return nil, fmt.Errorf("sampling failed")
	}
	e, _ := metrics.NewEntry("test_metric", float64(c.runCount.Load()), "")
	return []metrics.MetricEntry{e}, nil
}

func (c *testCollector) Source() string     { return "test" }
func (c *testCollector) DeviceName() string { return c.name }

type captureSink struct {
	mu        sync.Mutex
	snapshots []metrics.Snapshot
	reject    bool
}

func (s *captureSink) Put(snap metrics.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.snapshots = append(s.snapshots, snap)
	return true
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *captureSink) all() []metrics.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metrics.Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestRunnerProducesSnapshots(t *testing.T) {
	sink := &captureSink{}
	deviceID := uuid.NewString()
	r := New(newTestCollector("local-pc"), deviceID, 20*time.Millisecond, sink)

	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return sink.count() >= 3 }, 5*time.Second)

	snaps := sink.all()
	seen := map[string]bool{}
	last := float64(0)
	for _, s := range snaps {
		assert.Equal(t, deviceID, s.DeviceID)
		assert.False(t, seen[s.SnapshotID], "snapshot IDs must be unique")
		seen[s.SnapshotID] = true
		assert.GreaterOrEqual(t, s.CollectedAt, last, "collected_at must be monotonic within one collector")
		last = s.CollectedAt
		require.Len(t, s.Metrics, 1)
		assert.Equal(t, "test_metric", s.Metrics[0].Name)
	}
}

func TestRunnerSurvivesCollectErrors(t *testing.T) {
	coll := newTestCollector("broken")
	coll.doErr = true
	sink := &captureSink{}
	r := New(coll, uuid.NewString(), 10*time.Millisecond, sink)

	r.Start()
	defer r.Stop()

	// The loop keeps ticking even though every sample fails.
	waitFor(t, func() bool { return coll.runCount.Load() >= 3 }, 5*time.Second)
	assert.Zero(t, sink.count())
}

func TestCrashIsolationBetweenRunners(t *testing.T) {
	broken := newTestCollector("broken")
	broken.doErr = true
	healthy := newTestCollector("healthy")
	sink := &captureSink{}

	rBroken := New(broken, uuid.NewString(), 10*time.Millisecond, sink)
	rHealthy := New(healthy, uuid.NewString(), 10*time.Millisecond, sink)

	rBroken.Start()
	rHealthy.Start()
	defer rBroken.Stop()
	defer rHealthy.Stop()

	waitFor(t, func() bool { return sink.count() >= 5 }, 5*time.Second)
	assert.True(t, rHealthy.IsRunning())
	assert.True(t, rBroken.IsRunning())
}

func TestRunnerDropsWhenSinkRejects(t *testing.T) {
	coll := newTestCollector("local-pc")
	sink := &captureSink{reject: true}
	r := New(coll, uuid.NewString(), 10*time.Millisecond, sink)

	r.Start()
	defer r.Stop()

	waitFor(t, func() bool { return coll.runCount.Load() >= 2 }, 5*time.Second)
	assert.Zero(t, sink.count())
}

func TestStartIsOnlyLegalFromNew(t *testing.T) {
	coll := newTestCollector("local-pc")
	sink := &captureSink{}
	r := New(coll, uuid.NewString(), 20*time.Millisecond, sink)

	r.Start()
	r.Start() // second Start is a warning no-op, not a second loop
	assert.True(t, r.IsRunning())

	r.Stop()
	assert.False(t, r.IsRunning())

	r.Start() // restart after stop is not supported
	assert.False(t, r.IsRunning())
}

func TestStopIsIdempotentAndResponsive(t *testing.T) {
	coll := newTestCollector("local-pc")
	sink := &captureSink{}
	r := New(coll, uuid.NewString(), 10*time.Second, sink)

	r.Start()
	waitFor(t, func() bool { return coll.runCount.Load() >= 1 }, 5*time.Second)

	// Despite the 10s interval, stop returns within the ~1s tick granularity.
	start := time.Now()
	r.Stop()
	assert.Less(t, time.Since(start), 3*time.Second)

	r.Stop()
	assert.False(t, r.IsRunning())
}

func TestStopBeforeStart(t *testing.T) {
	r := New(newTestCollector("local-pc"), uuid.NewString(), time.Second, &captureSink{})
	r.Stop()
	assert.False(t, r.IsRunning())
	r.Start()
	assert.False(t, r.IsRunning())
}
