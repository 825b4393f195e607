// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package uploadqueue implements the durable at-least-once delivery path
// between collectors and the ingestion server. Snapshots are persisted on
// a redis broker across three structures: a pending FIFO list, a retry
// sorted set scored by the time each envelope becomes eligible again, and
// a dead-letter list for envelopes that exhausted their retries. A single
// worker drains pending, makes one upload attempt per pop and routes the
// envelope by the attempt's outcome. Producers never block and never see
// transport errors.
package uploadqueue

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"

	"github.com/DataDog/edgewatch/pkg/metrics"
	"github.com/DataDog/edgewatch/pkg/util/backoff"
	"github.com/DataDog/edgewatch/pkg/util/log"
)

// Broker key names. Fixed: envelopes already on a broker must stay
// reachable across aggregator versions.
const (
	pendingKey = "metrics:pending"
	retryKey   = "metrics:retry"
	failedKey  = "metrics:failed"
)

const (
	// brokerOpTimeout bounds every individual broker command.
	brokerOpTimeout = 5 * time.Second
	// popWait is the blocking-pop timeout; it bounds worker shutdown
	// latency and responsiveness to fresh arrivals.
	popWait = 1 * time.Second
	// retryDrainBatch caps how many due retries move back to pending per
	// iteration.
	retryDrainBatch = 10
	// stopGrace is how long Stop waits for the worker to finish its
	// current iteration.
	stopGrace = 5 * time.Second
	// defaultHighWatermark is the pending depth past which Put starts
	// warning about backlog growth.
	defaultHighWatermark = 10000
)

// Options configures a Queue.
type Options struct {
	RedisAddr     string
	RedisDB       int
	RedisPassword string

	// Endpoint receives snapshot POSTs; APIKey goes in the X-API-Key
	// header when set.
	Endpoint string
	APIKey   string
	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	Policy      backoff.Policy
	WorkerSleep time.Duration

	// PendingHighWatermark is the pending depth that triggers backlog
	// warnings; zero picks the default.
	PendingHighWatermark int64
}

// Stats reports the sizes of the three broker structures.
type Stats struct {
	Pending int64 `json:"pending"`
	Retry   int64 `json:"retry"`
	Failed  int64 `json:"failed"`
}

// Queue is the durable upload queue. Construct with New, then Start
// before the first Put.
type Queue struct {
	opts       Options
	rdb        *redis.Client
	httpClient *http.Client

	running        *atomic.Bool
	aboveWatermark *atomic.Bool
	stopCh         chan struct{}
	doneCh         chan struct{}

	// now is swappable so tests can control retry scores.
	now func() time.Time
}

// New builds a queue; no connection is made until Start.
func New(opts Options) *Queue {
	if opts.PendingHighWatermark <= 0 {
		opts.PendingHighWatermark = defaultHighWatermark
	}
	if opts.WorkerSleep <= 0 {
		opts.WorkerSleep = time.Second
	}
	return &Queue{
		opts:           opts,
		running:        atomic.NewBool(false),
		aboveWatermark: atomic.NewBool(false),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		now:            time.Now,
	}
}

// Ping verifies broker connectivity without starting the worker, so
// startup can fail fast before any registration work happens.
func (q *Queue) Ping() error {
	if q.rdb == nil {
		q.rdb = redis.NewClient(&redis.Options{
			Addr:        q.opts.RedisAddr,
			DB:          q.opts.RedisDB,
			Password:    q.opts.RedisPassword,
			DialTimeout: brokerOpTimeout,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return log.Errorf("cannot connect to broker at %s: %v", q.opts.RedisAddr, err)
	}
	return nil
}

// Start connects to the broker and spawns the drain worker.
func (q *Queue) Start() error {
	if err := q.Ping(); err != nil {
		return err
	}
	log.Infof("upload queue connected to broker at %s", q.opts.RedisAddr)

	q.httpClient = &http.Client{Timeout: q.opts.Timeout}
	q.running.Store(true)
	go q.worker()
	return nil
}

// Stop signals the worker, waits for it with a bounded grace period and
// closes the broker connection. Un-popped envelopes stay on the broker
// and survive restart; no flush is attempted.
func (q *Queue) Stop() {
	if !q.running.CompareAndSwap(true, false) {
		return
	}
	close(q.stopCh)

	select {
	case <-q.doneCh:
	case <-time.After(stopGrace):
		log.Warnf("upload queue worker did not stop within %s, abandoning", stopGrace) //nolint:errcheck
	}

	if q.rdb != nil {
		if err := q.rdb.Close(); err != nil {
			log.Warnf("error closing broker connection: %v", err) //nolint:errcheck
		}
	}
	log.Info("upload queue stopped")
}

// Put persists one snapshot on the pending list. It never blocks on the
// worker or the server; false means the broker rejected the write (or the
// queue was never started) and the caller should drop the snapshot.
func (q *Queue) Put(s metrics.Snapshot) bool {
	if q.rdb == nil {
		log.Errorf("upload queue not started, dropping snapshot %s", s.SnapshotID) //nolint:errcheck
		return false
	}

	payload, err := s.Marshal()
	if err != nil {
		log.Errorf("cannot serialize snapshot %s: %v", s.SnapshotID, err) //nolint:errcheck
		return false
	}

	env := Envelope{
		Payload:       payload,
		FirstQueuedAt: float64(q.now().UnixNano()) / float64(time.Second),
	}
	raw, err := env.marshal()
	if err != nil {
		log.Errorf("cannot serialize envelope for snapshot %s: %v", s.SnapshotID, err) //nolint:errcheck
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()
	depth, err := q.rdb.LPush(ctx, pendingKey, raw).Result()
	if err != nil {
		log.Errorf("cannot enqueue snapshot %s: %v", s.SnapshotID, err) //nolint:errcheck
		return false
	}

	q.checkWatermark(depth)
	log.Debugf("queued snapshot %s (pending depth %d)", s.SnapshotID, depth)
	return true
}

// checkWatermark warns when the pending backlog crosses the high
// watermark and again only after it has drained below half of it.
func (q *Queue) checkWatermark(depth int64) {
	hw := q.opts.PendingHighWatermark
	switch {
	case depth >= hw && q.aboveWatermark.CompareAndSwap(false, true):
		log.Warnf("upload queue backlog: %d pending snapshots (watermark %d); is the server reachable?", depth, hw) //nolint:errcheck
	case depth < hw/2:
		q.aboveWatermark.Store(false)
	}
}

// GetStats returns the current sizes of the three broker structures.
func (q *Queue) GetStats() (Stats, error) {
	if q.rdb == nil {
		return Stats{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()

	pending, err := q.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return Stats{}, err
	}
	retry, err := q.rdb.ZCard(ctx, retryKey).Result()
	if err != nil {
		return Stats{}, err
	}
	failed, err := q.rdb.LLen(ctx, failedKey).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pending: pending, Retry: retry, Failed: failed}, nil
}
