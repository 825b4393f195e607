// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package transport samples two GTFS-realtime JSON feeds, vehicle
// positions and trip updates, and joins them by (trip_id, vehicle_id) to
// report per-vehicle position and last arrival delay.
package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/DataDog/edgewatch/pkg/metrics"
	"github.com/DataDog/edgewatch/pkg/util/log"
)

const sourceType = "transport"

const apiTimeout = 10 * time.Second

// Check polls the two feeds of one GTFS-realtime provider.
type Check struct {
	deviceName     string
	vehiclesURL    string
	tripUpdatesURL string
	apiKey         string
	client         *http.Client
}

// New builds the transport check. apiKey may be empty for open feeds.
func New(deviceName, vehiclesURL, tripUpdatesURL, apiKey string) *Check {
	return &Check{
		deviceName:     deviceName,
		vehiclesURL:    vehiclesURL,
		tripUpdatesURL: tripUpdatesURL,
		apiKey:         apiKey,
		client:         &http.Client{Timeout: apiTimeout},
	}
}

// Source implements collector.Collector.
func (c *Check) Source() string { return sourceType }

// DeviceName implements collector.Collector.
func (c *Check) DeviceName() string { return c.deviceName }

// feed is the subset of the GTFS-realtime JSON encoding the join needs.
type feed struct {
	Entity []struct {
		ID      string `json:"id"`
		Vehicle *struct {
			Trip struct {
				TripID string `json:"trip_id"`
			} `json:"trip"`
			Vehicle struct {
				ID string `json:"id"`
			} `json:"vehicle"`
			Position *struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"position"`
		} `json:"vehicle"`
		TripUpdate *struct {
			Trip struct {
				TripID string `json:"trip_id"`
			} `json:"trip"`
			Vehicle struct {
				ID string `json:"id"`
			} `json:"vehicle"`
			StopTimeUpdate []struct {
				Arrival *struct {
					Delay float64 `json:"delay"`
				} `json:"arrival"`
			} `json:"stop_time_update"`
		} `json:"trip_update"`
	} `json:"entity"`
}

type joinKey struct {
	tripID    string
	vehicleID string
}

type vehicleSample struct {
	vehicleID string
	latitude  float64
	longitude float64
	delay     float64
	hasDelay  bool
}

// Collect implements collector.Collector. Feed failures emit
// {vehicle_count=0, query_success=0} instead of suppressing the sample.
func (c *Check) Collect() ([]metrics.MetricEntry, error) {
	samples, err := c.joinFeeds()
	success := 1.0
	if err != nil {
		log.Warnf("transport feed query failed: %v", err) //nolint:errcheck
		samples = nil
		success = 0.0
	}

	entries := make([]metrics.MetricEntry, 0, len(samples)*3+2)

	count, err := metrics.NewEntry("vehicle_count", float64(len(samples)), "")
	if err != nil {
		return nil, err
	}
	entries = append(entries, count)

	querySuccess, err := metrics.NewEntry("query_success", success, "")
	if err != nil {
		return nil, err
	}
	entries = append(entries, querySuccess)

	for _, s := range samples {
		lat, err := metrics.NewEntry(fmt.Sprintf("vehicle_%s_latitude", s.vehicleID), s.latitude, "deg")
		if err != nil {
			// A feed-supplied vehicle ID can overflow the name bound;
			// skip the vehicle rather than fail the sample.
			log.Warnf("skipping vehicle %q: %v", s.vehicleID, err) //nolint:errcheck
			continue
		}
		lon, err := metrics.NewEntry(fmt.Sprintf("vehicle_%s_longitude", s.vehicleID), s.longitude, "deg")
		if err != nil {
			continue
		}
		entries = append(entries, lat, lon)

		if s.hasDelay {
			delay, err := metrics.NewEntry(fmt.Sprintf("vehicle_%s_delay_seconds", s.vehicleID), s.delay, "s")
			if err == nil {
				entries = append(entries, delay)
			}
		}
	}

	return entries, nil
}

func (c *Check) joinFeeds() ([]vehicleSample, error) {
	vehicles, err := c.fetchFeed(c.vehiclesURL)
	if err != nil {
		return nil, fmt.Errorf("vehicle positions: %w", err)
	}
	tripUpdates, err := c.fetchFeed(c.tripUpdatesURL)
	if err != nil {
		return nil, fmt.Errorf("trip updates: %w", err)
	}

	// Last arrival delay per (trip_id, vehicle_id).
	delays := make(map[joinKey]float64)
	for _, e := range tripUpdates.Entity {
		tu := e.TripUpdate
		if tu == nil || len(tu.StopTimeUpdate) == 0 {
			continue
		}
		key := joinKey{tripID: tu.Trip.TripID, vehicleID: tu.Vehicle.ID}
		for i := len(tu.StopTimeUpdate) - 1; i >= 0; i-- {
			if arr := tu.StopTimeUpdate[i].Arrival; arr != nil {
				delays[key] = arr.Delay
				break
			}
		}
	}

	var samples []vehicleSample
	for _, e := range vehicles.Entity {
		v := e.Vehicle
		if v == nil || v.Position == nil {
			continue
		}
		vehicleID := v.Vehicle.ID
		if vehicleID == "" {
			vehicleID = e.ID
		}
		s := vehicleSample{
			vehicleID: vehicleID,
			latitude:  v.Position.Latitude,
			longitude: v.Position.Longitude,
		}
		if delay, ok := delays[joinKey{tripID: v.Trip.TripID, vehicleID: v.Vehicle.ID}]; ok {
			s.delay = delay
			s.hasDelay = true
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func (c *Check) fetchFeed(feedURL string) (*feed, error) {
	req, err := http.NewRequest(http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("format", "json")
	req.URL.RawQuery = q.Encode()
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("feed returned %d", resp.StatusCode)
	}

	var f feed
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("cannot parse feed: %w", err)
	}
	return &f, nil
}
