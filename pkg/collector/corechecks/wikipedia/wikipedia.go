// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package wikipedia counts recent article edits via the MediaWiki
// recent-changes API. A failed query still emits a sample with
// query_success=0 so dashboards can tell an outage apart from genuinely
// quiet traffic.
package wikipedia

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/DataDog/edgewatch/pkg/metrics"
	"github.com/DataDog/edgewatch/pkg/util/log"
)

const sourceType = "wikipedia"

const (
	apiTimeout = 10 * time.Second
	// Namespace 0 restricts the count to article pages.
	articleNamespace = "0"
	// MediaWiki API timestamp layout.
	timestampLayout = "2006-01-02T15:04:05Z"
)

// Check polls one language edition's recent-changes feed.
type Check struct {
	deviceName string
	window     time.Duration
	userAgent  string
	apiURL     string
	client     *http.Client

	now func() time.Time
}

// New builds a recent-changes check for the given language edition.
func New(deviceName, language string, window time.Duration, userAgent string) *Check {
	return &Check{
		deviceName: deviceName,
		window:     window,
		userAgent:  userAgent,
		apiURL:     fmt.Sprintf("https://%s.wikipedia.org/w/api.php", language),
		client:     &http.Client{Timeout: apiTimeout},
		now:        time.Now,
	}
}

// Source implements collector.Collector.
func (c *Check) Source() string { return sourceType }

// DeviceName implements collector.Collector.
func (c *Check) DeviceName() string { return c.deviceName }

// Collect implements collector.Collector. It never returns an error for a
// failed API query; the failure is encoded in the metrics themselves.
func (c *Check) Collect() ([]metrics.MetricEntry, error) {
	end := c.now().UTC()
	start := end.Add(-c.window)

	count, err := c.queryRecentChanges(start, end)
	success := 1.0
	if err != nil {
		log.Warnf("wikipedia query failed: %v", err) //nolint:errcheck
		count = 0
		success = 0.0
	}

	editCount, err := metrics.NewEntry("edit_count", float64(count), "")
	if err != nil {
		return nil, err
	}
	querySuccess, err := metrics.NewEntry("query_success", success, "")
	if err != nil {
		return nil, err
	}
	return []metrics.MetricEntry{editCount, querySuccess}, nil
}

type recentChangesResponse struct {
	Query struct {
		RecentChanges []json.RawMessage `json:"recentchanges"`
	} `json:"query"`
}

func (c *Check) queryRecentChanges(start, end time.Time) (int, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "recentchanges")
	params.Set("rcstart", start.Format(timestampLayout))
	params.Set("rcend", end.Format(timestampLayout))
	params.Set("rcnamespace", articleNamespace)
	params.Set("rclimit", "max")
	params.Set("rctype", "edit|new")
	params.Set("format", "json")

	req, err := http.NewRequest(http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("recent-changes request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return 0, fmt.Errorf("recent-changes request returned %d", resp.StatusCode)
	}

	var parsed recentChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("cannot parse recent-changes response: %w", err)
	}
	return len(parsed.Query.RecentChanges), nil
}
