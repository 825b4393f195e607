// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package wikipedia

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/edgewatch/pkg/metrics"
)

func byName(entries []metrics.MetricEntry) map[string]float64 {
	m := make(map[string]float64, len(entries))
	for _, e := range entries {
		m[e.Name] = e.Value
	}
	return m
}

func newTestCheck(ts *httptest.Server) *Check {
	c := New("wiki-en", "en", time.Minute, "edgewatch-tests/1.0")
	c.apiURL = ts.URL
	c.client = ts.Client()
	return c
}

func TestCollectCountsChanges(t *testing.T) {
	var gotQuery map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"list":        r.URL.Query().Get("list"),
			"rcnamespace": r.URL.Query().Get("rcnamespace"),
			"rctype":      r.URL.Query().Get("rctype"),
			"rclimit":     r.URL.Query().Get("rclimit"),
		}
		assert.Equal(t, "edgewatch-tests/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte(`{"query":{"recentchanges":[{},{},{}]}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	entries, err := newTestCheck(ts).Collect()
	require.NoError(t, err)

	got := byName(entries)
	assert.Equal(t, 3.0, got["edit_count"])
	assert.Equal(t, 1.0, got["query_success"])

	assert.Equal(t, "recentchanges", gotQuery["list"])
	assert.Equal(t, "0", gotQuery["rcnamespace"])
	assert.Equal(t, "edit|new", gotQuery["rctype"])
	assert.Equal(t, "max", gotQuery["rclimit"])
}

func TestCollectAPIFailureEmitsZeros(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	entries, err := newTestCheck(ts).Collect()
	require.NoError(t, err, "API failures must not fail the sample")

	got := byName(entries)
	assert.Equal(t, 0.0, got["edit_count"])
	assert.Equal(t, 0.0, got["query_success"])
}

func TestCollectMalformedBodyEmitsZeros(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>error</html>`)) //nolint:errcheck
	}))
	defer ts.Close()

	entries, err := newTestCheck(ts).Collect()
	require.NoError(t, err)

	got := byName(entries)
	assert.Equal(t, 0.0, got["query_success"])
}

func TestCollectMissingQuerySectionCountsZero(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"batchcomplete":""}`)) //nolint:errcheck
	}))
	defer ts.Close()

	entries, err := newTestCheck(ts).Collect()
	require.NoError(t, err)

	got := byName(entries)
	assert.Equal(t, 0.0, got["edit_count"])
	assert.Equal(t, 1.0, got["query_success"])
}

func TestIdentity(t *testing.T) {
	c := New("wiki-en", "en", time.Minute, "ua")
	assert.Equal(t, "wikipedia", c.Source())
	assert.Equal(t, "wiki-en", c.DeviceName())
	assert.Contains(t, c.apiURL, "en.wikipedia.org")
}
