// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploadqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/edgewatch/pkg/metrics"
	"github.com/DataDog/edgewatch/pkg/util/backoff"
)

func testPolicy() backoff.Policy {
	return backoff.NewPolicy(time.Millisecond, 2, 3)
}

func testOptions(mr *miniredis.Miniredis, endpoint string) Options {
	return Options{
		RedisAddr:   mr.Addr(),
		Endpoint:    endpoint,
		APIKey:      "agg-key",
		Timeout:     2 * time.Second,
		Policy:      testPolicy(),
		WorkerSleep: 10 * time.Millisecond,
	}
}

// newIdleQueue builds a queue with a live broker connection but no
// running worker, for exercising single methods.
func newIdleQueue(t *testing.T, mr *miniredis.Miniredis, endpoint string) *Queue {
	t.Helper()
	q := New(testOptions(mr, endpoint))
	q.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q.httpClient = &http.Client{Timeout: 2 * time.Second}
	t.Cleanup(func() { q.rdb.Close() })
	return q
}

func testSnapshot(t *testing.T) metrics.Snapshot {
	t.Helper()
	e, err := metrics.NewEntry("cpu_usage_percent", 42.5, "%")
	require.NoError(t, err)
	return metrics.NewSnapshot("device-1", []metrics.MetricEntry{e})
}

// recordingServer counts snapshot POSTs and remembers the last body.
type recordingServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests int
	lastBody []byte
	status   int
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	t.Helper()
	rs := &recordingServer{status: status}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "agg-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)

		rs.mu.Lock()
		rs.requests++
		rs.lastBody = body
		rs.mu.Unlock()
		w.WriteHeader(rs.status)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.requests
}

func (rs *recordingServer) body() []byte {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastBody
}

func TestPutPersistsEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newIdleQueue(t, mr, "http://unused.invalid")

	snap := testSnapshot(t)
	require.True(t, q.Put(snap))

	raws, err := mr.List(pendingKey)
	require.NoError(t, err)
	require.Len(t, raws, 1)

	env, err := unmarshalEnvelope(raws[0])
	require.NoError(t, err)
	assert.Equal(t, 0, env.RetryCount)
	assert.Empty(t, env.LastError)
	assert.InDelta(t, float64(time.Now().UnixNano())/float64(time.Second), env.FirstQueuedAt, 5)

	var got metrics.Snapshot
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, snap.SnapshotID, got.SnapshotID)
	assert.Equal(t, "device-1", got.DeviceID)
}

func TestPutWithoutStart(t *testing.T) {
	q := New(Options{})
	assert.False(t, q.Put(testSnapshot(t)))
}

func TestPutFIFOOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newIdleQueue(t, mr, "http://unused.invalid")

	first := testSnapshot(t)
	second := testSnapshot(t)
	require.True(t, q.Put(first))
	require.True(t, q.Put(second))

	// BRPOP consumes from the tail, so the first Put must come out first.
	ctx := context.Background()
	raw, err := q.rdb.RPop(ctx, pendingKey).Result()
	require.NoError(t, err)
	env, err := unmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotID, env.snapshotID())
}

func TestCheckWatermarkHysteresis(t *testing.T) {
	q := New(Options{PendingHighWatermark: 4})

	q.checkWatermark(3)
	assert.False(t, q.aboveWatermark.Load())

	q.checkWatermark(4)
	assert.True(t, q.aboveWatermark.Load())

	// Stays latched while the backlog hovers between half and full, so the
	// warning fires once per episode.
	q.checkWatermark(3)
	assert.True(t, q.aboveWatermark.Load())
	q.checkWatermark(6)
	assert.True(t, q.aboveWatermark.Load())

	// Re-arms once the backlog drains below half the watermark.
	q.checkWatermark(1)
	assert.False(t, q.aboveWatermark.Load())
	q.checkWatermark(4)
	assert.True(t, q.aboveWatermark.Load())
}

func TestPutCrossesWatermark(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := testOptions(mr, "http://unused.invalid")
	opts.PendingHighWatermark = 4
	q := New(opts)
	q.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { q.rdb.Close() })

	for i := 0; i < 3; i++ {
		require.True(t, q.Put(testSnapshot(t)))
	}
	assert.False(t, q.aboveWatermark.Load())

	require.True(t, q.Put(testSnapshot(t)))
	assert.True(t, q.aboveWatermark.Load())

	// Drain the backlog; the next Put lands below half the watermark.
	mr.Del(pendingKey)
	require.True(t, q.Put(testSnapshot(t)))
	assert.False(t, q.aboveWatermark.Load())
}

func TestWorkerDeliversSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := newRecordingServer(t, http.StatusCreated)

	q := New(testOptions(mr, rs.URL))
	require.NoError(t, q.Start())
	defer q.Stop()

	snap := testSnapshot(t)
	require.True(t, q.Put(snap))

	require.Eventually(t, func() bool { return rs.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	var got metrics.Snapshot
	require.NoError(t, json.Unmarshal(rs.body(), &got))
	assert.Equal(t, snap.SnapshotID, got.SnapshotID)

	// Delivered envelopes leave the broker entirely.
	require.Eventually(t, func() bool {
		stats, err := q.GetStats()
		return err == nil && stats == Stats{}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkerResumesExistingBacklog(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := newRecordingServer(t, http.StatusOK)

	// Simulate a previous process that crashed with an envelope queued.
	env := Envelope{Payload: mustMarshal(t, testSnapshot(t)), FirstQueuedAt: 1}
	raw, err := env.marshal()
	require.NoError(t, err)
	mr.Lpush(pendingKey, raw) //nolint:errcheck

	q := New(testOptions(mr, rs.URL))
	require.NoError(t, q.Start())
	defer q.Stop()

	require.Eventually(t, func() bool { return rs.count() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := newRecordingServer(t, http.StatusInternalServerError)

	q := New(testOptions(mr, rs.URL))
	require.NoError(t, q.Start())
	defer q.Stop()

	require.True(t, q.Put(testSnapshot(t)))

	// Policy allows 3 retries at millisecond delays, so the envelope must
	// land on the failed list after 3 failed attempts.
	require.Eventually(t, func() bool {
		raws, err := mr.List(failedKey)
		return err == nil && len(raws) == 1
	}, 10*time.Second, 20*time.Millisecond)

	raws, err := mr.List(failedKey)
	require.NoError(t, err)
	env, err := unmarshalEnvelope(raws[0])
	require.NoError(t, err)
	assert.Equal(t, 3, env.RetryCount)
	assert.Equal(t, "HTTP 500", env.LastError)
	assert.GreaterOrEqual(t, rs.count(), 3)

	// Nothing left in pending or retry.
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(0), stats.Retry)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestWorkerPermanentFailureSkipsRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := newRecordingServer(t, http.StatusUnprocessableEntity)

	q := New(testOptions(mr, rs.URL))
	require.NoError(t, q.Start())
	defer q.Stop()

	require.True(t, q.Put(testSnapshot(t)))

	require.Eventually(t, func() bool {
		raws, err := mr.List(failedKey)
		return err == nil && len(raws) == 1
	}, 5*time.Second, 20*time.Millisecond)

	raws, err := mr.List(failedKey)
	require.NoError(t, err)
	env, err := unmarshalEnvelope(raws[0])
	require.NoError(t, err)
	assert.Equal(t, 0, env.RetryCount, "permanent failures must not burn retries")
	assert.Equal(t, "HTTP 422", env.LastError)
	assert.Equal(t, 1, rs.count())
}

func TestWorkerDropsPoisonEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := newRecordingServer(t, http.StatusOK)

	mr.Lpush(pendingKey, "{not json")              //nolint:errcheck
	mr.Lpush(pendingKey, `{"retry_count": 1}`)     //nolint:errcheck
	env := Envelope{Payload: mustMarshal(t, testSnapshot(t))}
	raw, err := env.marshal()
	require.NoError(t, err)
	mr.Lpush(pendingKey, raw) //nolint:errcheck

	q := New(testOptions(mr, rs.URL))
	require.NoError(t, q.Start())
	defer q.Stop()

	// The two poison entries are consumed and dropped; the valid one is
	// still delivered.
	require.Eventually(t, func() bool { return rs.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		stats, err := q.GetStats()
		return err == nil && stats == Stats{}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRouteTransientSchedulesRetryWithBackoff(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newIdleQueue(t, mr, "http://unused.invalid")

	base := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return base }

	env := Envelope{Payload: mustMarshal(t, testSnapshot(t)), RetryCount: 1}
	q.route(env, 0, errors.New("connection refused"))

	members, err := q.rdb.ZRangeByScoreWithScores(context.Background(), retryKey, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)

	got, err := unmarshalEnvelope(members[0].Member.(string))
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "connection refused", got.LastError)

	wantDelay := q.opts.Policy.Delay(2)
	wantScore := float64(base.Add(wantDelay).UnixNano()) / float64(time.Second)
	assert.InDelta(t, wantScore, members[0].Score, 0.001)
}

func TestDrainDueRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newIdleQueue(t, mr, "http://unused.invalid")

	base := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return base }

	ctx := context.Background()
	due := Envelope{Payload: mustMarshal(t, testSnapshot(t))}
	dueRaw, err := due.marshal()
	require.NoError(t, err)
	future := Envelope{Payload: mustMarshal(t, testSnapshot(t))}
	futureRaw, err := future.marshal()
	require.NoError(t, err)

	nowScore := float64(base.UnixNano()) / float64(time.Second)
	require.NoError(t, q.rdb.ZAdd(ctx, retryKey, redis.Z{Score: nowScore - 1, Member: dueRaw}).Err())
	require.NoError(t, q.rdb.ZAdd(ctx, retryKey, redis.Z{Score: nowScore + 3600, Member: futureRaw}).Err())

	q.drainDueRetries()

	pending, err := mr.List(pendingKey)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, dueRaw, pending[0])

	remaining, err := q.rdb.ZCard(ctx, retryKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining, "not-yet-due envelopes stay on the retry set")
}

func TestGetStats(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newIdleQueue(t, mr, "http://unused.invalid")

	mr.Lpush(pendingKey, "a") //nolint:errcheck
	mr.Lpush(pendingKey, "b") //nolint:errcheck
	require.NoError(t, q.rdb.ZAdd(context.Background(), retryKey, redis.Z{Score: 1, Member: "c"}).Err())
	mr.Lpush(failedKey, "d") //nolint:errcheck

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2, Retry: 1, Failed: 1}, stats)
}

func TestStartFailsWhenBrokerUnreachable(t *testing.T) {
	q := New(Options{RedisAddr: "127.0.0.1:1", Timeout: time.Second})
	require.Error(t, q.Start())
}

func TestStopIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := newRecordingServer(t, http.StatusOK)

	q := New(testOptions(mr, rs.URL))
	require.NoError(t, q.Start())

	q.Stop()
	q.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	q := New(Options{})
	q.Stop()
}

func mustMarshal(t *testing.T, s metrics.Snapshot) json.RawMessage {
	t.Helper()
	raw, err := s.Marshal()
	require.NoError(t, err)
	return raw
}
