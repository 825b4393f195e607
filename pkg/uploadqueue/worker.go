// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploadqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DataDog/edgewatch/pkg/util/log"
)

// worker is the single queue consumer. Each iteration moves due retries
// back to pending, pops at most one envelope and makes exactly one upload
// attempt for it. The envelope never survives an iteration in memory: a
// crash mid-attempt costs at most one duplicate POST, which the server
// deduplicates by snapshot ID.
func (q *Queue) worker() {
	defer close(q.doneCh)
	log.Info("upload queue worker started")

	for {
		select {
		case <-q.stopCh:
			log.Info("upload queue worker stopping")
			return
		default:
		}

		q.drainDueRetries()
		processed := q.processPending()
		q.publishStats()

		if !processed {
			q.sleep(q.opts.WorkerSleep)
		}
	}
}

// drainDueRetries moves envelopes whose retry time has arrived from the
// retry set back to the pending list. This is the only path from RETRY to
// PENDING. Each move is two individually-atomic broker ops; the ZREM
// result guards against moving the same member twice.
func (q *Queue) drainDueRetries() {
	ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()

	now := float64(q.now().UnixNano()) / float64(time.Second)
	due, err := q.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: retryDrainBatch,
	}).Result()
	if err != nil {
		log.Errorf("cannot read retry set: %v", err) //nolint:errcheck
		return
	}

	for _, raw := range due {
		removed, err := q.rdb.ZRem(ctx, retryKey, raw).Result()
		if err != nil {
			log.Errorf("cannot remove envelope from retry set: %v", err) //nolint:errcheck
			continue
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, pendingKey, raw).Err(); err != nil {
			// The envelope is in neither structure now; put it back on
			// the retry set as immediately due rather than lose it.
			log.Errorf("cannot requeue due envelope, restoring to retry set: %v", err) //nolint:errcheck
			q.rdb.ZAdd(ctx, retryKey, redis.Z{Score: 0, Member: raw}) //nolint:errcheck
			continue
		}
		log.Debug("moved envelope from retry set back to pending")
	}
}

// processPending pops one envelope and runs one delivery attempt. Returns
// false when the pending list was empty.
func (q *Queue) processPending() bool {
	ctx, cancel := context.WithTimeout(context.Background(), popWait+brokerOpTimeout)
	defer cancel()

	res, err := q.rdb.BRPop(ctx, popWait, pendingKey).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		log.Errorf("cannot pop from pending list: %v", err) //nolint:errcheck
		return false
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return false
	}
	raw := res[1]

	env, err := unmarshalEnvelope(raw)
	if err != nil {
		// Poison entry: consuming it is the only way to keep the queue
		// moving. It is logged and dropped, not retried.
		log.Errorf("dropping malformed envelope: %v", err) //nolint:errcheck
		tlmPoison.Add(1)
		return true
	}

	statusCode, attemptErr := q.attempt(env)
	q.route(env, statusCode, attemptErr)
	return true
}

// attempt POSTs the envelope payload once.
func (q *Queue) attempt(env Envelope) (int, error) {
	req, err := http.NewRequest(http.MethodPost, q.opts.Endpoint, bytes.NewReader(env.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.opts.APIKey != "" {
		req.Header.Set("X-API-Key", q.opts.APIKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return resp.StatusCode, nil
}

// route applies the outcome table: discard on success, dead-letter on
// permanent failures and on retry exhaustion, otherwise schedule the next
// attempt on the retry set.
func (q *Queue) route(env Envelope, statusCode int, attemptErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()

	id := env.snapshotID()

	switch Classify(statusCode, attemptErr) {
	case OutcomeOK:
		log.Debugf("delivered snapshot %s (HTTP %d)", id, statusCode)
		tlmDelivered.Add(1)

	case OutcomePermanent:
		env.LastError = fmt.Sprintf("HTTP %d", statusCode)
		q.deadLetter(ctx, env, id)

	case OutcomeTransient:
		env.RetryCount++
		if attemptErr != nil {
			env.LastError = attemptErr.Error()
		} else {
			env.LastError = fmt.Sprintf("HTTP %d", statusCode)
		}

		if q.opts.Policy.Exhausted(env.RetryCount) {
			q.deadLetter(ctx, env, id)
			return
		}

		delay := q.opts.Policy.Delay(env.RetryCount)
		score := float64(q.now().Add(delay).UnixNano()) / float64(time.Second)
		updated, err := env.marshal()
		if err != nil {
			log.Errorf("cannot re-serialize envelope for snapshot %s: %v", id, err) //nolint:errcheck
			return
		}
		if err := q.rdb.ZAdd(ctx, retryKey, redis.Z{Score: score, Member: updated}).Err(); err != nil {
			log.Errorf("cannot schedule retry for snapshot %s: %v", id, err) //nolint:errcheck
			return
		}
		log.Warnf("snapshot %s attempt failed (%s), retry %d/%d in %s",
			id, env.LastError, env.RetryCount, q.opts.Policy.MaxRetries, delay) //nolint:errcheck
	}
}

// deadLetter moves an envelope to the failed list, where it stays until
// an operator intervenes.
func (q *Queue) deadLetter(ctx context.Context, env Envelope, id string) {
	raw, err := env.marshal()
	if err != nil {
		log.Errorf("cannot serialize dead-letter envelope for snapshot %s: %v", id, err) //nolint:errcheck
		return
	}
	if err := q.rdb.LPush(ctx, failedKey, raw).Err(); err != nil {
		log.Errorf("cannot dead-letter snapshot %s: %v", id, err) //nolint:errcheck
		return
	}
	tlmFailed.Add(1)
	log.Errorf("snapshot %s moved to failed list after %d retries (%s)", id, env.RetryCount, env.LastError) //nolint:errcheck
}

// sleep waits for d or until stop is requested.
func (q *Queue) sleep(d time.Duration) {
	select {
	case <-q.stopCh:
	case <-time.After(d):
	}
}
