// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package uploadqueue

import "expvar"

var (
	queueExpvars = expvar.NewMap("uploadqueue")

	tlmDelivered = &expvar.Int{}
	tlmFailed    = &expvar.Int{}
	tlmPoison    = &expvar.Int{}

	tlmPending = &expvar.Int{}
	tlmRetry   = &expvar.Int{}
)

func init() {
	queueExpvars.Set("SnapshotsDelivered", tlmDelivered)
	queueExpvars.Set("SnapshotsFailed", tlmFailed)
	queueExpvars.Set("PoisonEnvelopesDropped", tlmPoison)
	queueExpvars.Set("PendingDepth", tlmPending)
	queueExpvars.Set("RetryDepth", tlmRetry)
}

// publishStats refreshes the depth gauges. Called once per worker
// iteration; failures are ignored since the next iteration republishes.
func (q *Queue) publishStats() {
	stats, err := q.GetStats()
	if err != nil {
		return
	}
	tlmPending.Set(stats.Pending)
	tlmRetry.Set(stats.Retry)
}
