// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package registration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAggregator(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/aggregators", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "edge-1", body["name"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"aggregator_id": "agg-uuid-1"}) //nolint:errcheck
	}))
	defer ts.Close()

	id, err := NewClient(ts.URL, "secret").RegisterAggregator("edge-1")
	require.NoError(t, err)
	assert.Equal(t, "agg-uuid-1", id)
}

func TestRegisterAggregatorExisting(t *testing.T) {
	// 200 means the name was already registered; the existing ID comes back.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"aggregator_id": "agg-uuid-1"}) //nolint:errcheck
	}))
	defer ts.Close()

	id, err := NewClient(ts.URL, "secret").RegisterAggregator("edge-1")
	require.NoError(t, err)
	assert.Equal(t, "agg-uuid-1", id)
}

func TestRegisterAggregatorServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "secret").RegisterAggregator("edge-1")
	assert.Error(t, err)
}

func TestRegisterAggregatorMissingID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "secret").RegisterAggregator("edge-1")
	assert.Error(t, err)
}

func TestRegisterDevice(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/devices", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agg-uuid-1", body["aggregator_id"])
		assert.Equal(t, "laptop", body["name"])
		assert.Equal(t, "local", body["source"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"device_id": "dev-uuid-1"}) //nolint:errcheck
	}))
	defer ts.Close()

	id, err := NewClient(ts.URL, "secret").RegisterDevice("agg-uuid-1", "laptop", "local")
	require.NoError(t, err)
	assert.Equal(t, "dev-uuid-1", id)
}

func TestRegisterDeviceUnknownAggregator(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown aggregator"}`, http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "secret").RegisterDevice("nope", "laptop", "local")
	assert.Error(t, err)
}

func TestWaitForServerHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	require.NoError(t, NewClient(ts.URL, "").WaitForServer())
}

func TestWaitForServerRecovers(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	start := time.Now()
	require.NoError(t, NewClient(ts.URL, "").WaitForServer())
	assert.GreaterOrEqual(t, calls, 3)
	assert.Less(t, time.Since(start), 10*time.Second)
}
