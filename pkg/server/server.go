// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package server implements the ingestion HTTP API: aggregator and
// device registration, idempotent snapshot writes and the ordered read
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/DataDog/edgewatch/pkg/metrics"
	"github.com/DataDog/edgewatch/pkg/server/store"
	"github.com/DataDog/edgewatch/pkg/util/log"
)

const shutdownGrace = 10 * time.Second

// Options configures a Server.
type Options struct {
	ListenAddr string
	// APIKey guards write endpoints. RequireReadKey additionally guards
	// the read endpoint; health stays public either way.
	APIKey         string
	RequireReadKey bool
}

// Server owns the router and the underlying listener.
type Server struct {
	opts  Options
	store *store.Store
	srv   *http.Server
}

// NewServer wires handlers onto a router backed by st.
func NewServer(st *store.Store, opts Options) *Server {
	s := &Server{opts: opts, store: st}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/aggregators", s.auth(s.handleRegisterAggregator)).Methods(http.MethodPost)
	r.HandleFunc("/devices", s.auth(s.handleRegisterDevice)).Methods(http.MethodPost)
	r.HandleFunc("/api/metrics", s.auth(s.handlePostMetrics)).Methods(http.MethodPost)

	getMetrics := s.handleGetMetrics
	if opts.RequireReadKey {
		getMetrics = s.auth(getMetrics)
	}
	r.HandleFunc("/api/metrics", getMetrics).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         opts.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the listener fails or Stop is called.
func (s *Server) Run() error {
	log.Infof("ingestion server listening on %s", s.opts.ListenAddr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests with a bounded grace period.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// auth rejects requests whose X-API-Key header does not match the
// configured secret.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			log.Warnf("rejected %s %s: missing API key", r.Method, r.URL.Path) //nolint:errcheck
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if key != s.opts.APIKey {
			log.Warnf("rejected %s %s: invalid API key", r.Method, r.URL.Path) //nolint:errcheck
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		log.Errorf("health check failed: %v", err) //nolint:errcheck
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleRegisterAggregator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"name\": ...}")
		return
	}

	id, created, err := s.store.EnsureAggregator(body.Name)
	if err != nil {
		log.Errorf("cannot register aggregator %q: %v", body.Name, err) //nolint:errcheck
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	log.Infof("aggregator %q -> %s (created=%v)", body.Name, id, created)
	writeJSON(w, status, map[string]string{"aggregator_id": id})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AggregatorID string `json:"aggregator_id"`
		Name         string `json:"name"`
		Source       string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil ||
		body.AggregatorID == "" || body.Name == "" || body.Source == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"aggregator_id\", \"name\", \"source\"}")
		return
	}

	id, err := s.store.CreateDevice(body.AggregatorID, body.Name, body.Source)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown aggregator")
		return
	}
	if err != nil {
		log.Errorf("cannot register device %q: %v", body.Name, err) //nolint:errcheck
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	log.Infof("device %q (source %s) -> %s under aggregator %s", body.Name, body.Source, id, body.AggregatorID)
	writeJSON(w, http.StatusCreated, map[string]string{"device_id": id})
}

func (s *Server) handlePostMetrics(w http.ResponseWriter, r *http.Request) {
	var snap metrics.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid snapshot body")
		return
	}
	if err := snap.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.InsertSnapshot(snap)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	if err != nil {
		log.Errorf("cannot store snapshot %s: %v", snap.SnapshotID, err) //nolint:errcheck
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	log.Debugf("stored snapshot %s from device %s (%d metrics, created=%v)",
		snap.SnapshotID, snap.DeviceID, len(snap.Metrics), created)
	writeJSON(w, status, map[string]interface{}{
		"status":           "success",
		"snapshot_id":      snap.SnapshotID,
		"metrics_received": len(snap.Metrics),
	})
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.QueryFilter{
		DeviceID: q.Get("device_id"),
		Source:   q.Get("source"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a unix timestamp")
			return
		}
		filter.Since = &since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	records, err := s.store.QuerySnapshots(filter)
	if err != nil {
		log.Errorf("cannot query snapshots: %v", err) //nolint:errcheck
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"count":   len(records),
		"metrics": records,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("cannot write response: %v", err) //nolint:errcheck
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
