// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store persists registration and snapshot data in MySQL. All
// identity (aggregator, device) is issued here, and the snapshot ID is
// enforced as the ingestion idempotency key by the primary key.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/DataDog/edgewatch/pkg/metrics"
	"github.com/DataDog/edgewatch/pkg/util/log"
)

// ErrNotFound marks a missing foreign row (unknown aggregator or device).
var ErrNotFound = errors.New("not found")

const mysqlDupEntry = 1062

// Store wraps the database handle. Construct with New.
type Store struct {
	db *sqlx.DB
}

// New opens the database and verifies connectivity. Connections are
// recycled before the provider's idle timeout can kill them server-side.
func New(dsn string, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle, for tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database liveness.
func (s *Store) Ping() error {
	return s.db.Ping()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS aggregators (
		aggregator_id VARCHAR(36) NOT NULL,
		name VARCHAR(255) NOT NULL,
		PRIMARY KEY (aggregator_id),
		UNIQUE KEY uniq_name (name)
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id VARCHAR(36) NOT NULL,
		aggregator_id VARCHAR(36) NOT NULL,
		name VARCHAR(255) NOT NULL,
		source VARCHAR(50) NOT NULL,
		PRIMARY KEY (device_id),
		KEY idx_aggregator (aggregator_id),
		CONSTRAINT fk_device_aggregator FOREIGN KEY (aggregator_id) REFERENCES aggregators (aggregator_id)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id VARCHAR(36) NOT NULL,
		device_id VARCHAR(36) NOT NULL,
		collected_at DOUBLE NOT NULL,
		received_at DOUBLE NOT NULL,
		PRIMARY KEY (snapshot_id),
		KEY idx_device_collected (device_id, collected_at),
		KEY idx_collected_at (collected_at),
		CONSTRAINT fk_snapshot_device FOREIGN KEY (device_id) REFERENCES devices (device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		metric_id BIGINT NOT NULL AUTO_INCREMENT,
		snapshot_id VARCHAR(36) NOT NULL,
		metric_name VARCHAR(255) NOT NULL,
		metric_value DOUBLE NOT NULL,
		unit VARCHAR(50) NOT NULL DEFAULT '',
		PRIMARY KEY (metric_id),
		KEY idx_metric_name (metric_name),
		KEY idx_snapshot (snapshot_id),
		CONSTRAINT fk_metric_snapshot FOREIGN KEY (snapshot_id) REFERENCES snapshots (snapshot_id)
	)`,
}

// InitSchema creates the tables when they do not exist yet.
func (s *Store) InitSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("cannot initialize schema: %w", err)
		}
	}
	log.Info("database schema ready")
	return nil
}

// EnsureAggregator returns the ID for name, creating the row when it does
// not exist. created reports whether a new row was inserted. A losing
// racer hits the unique key on name and re-selects the winner's row, so
// concurrent registrations of one name converge on a single ID.
func (s *Store) EnsureAggregator(name string) (id string, created bool, err error) {
	err = s.db.Get(&id, "SELECT aggregator_id FROM aggregators WHERE name = ?", name)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("cannot look up aggregator %q: %w", name, err)
	}

	id = uuid.NewString()
	_, err = s.db.Exec("INSERT INTO aggregators (aggregator_id, name) VALUES (?, ?)", id, name)
	if err == nil {
		return id, true, nil
	}
	if isDupEntry(err) {
		err = s.db.Get(&id, "SELECT aggregator_id FROM aggregators WHERE name = ?", name)
		if err != nil {
			return "", false, fmt.Errorf("cannot re-select aggregator %q after duplicate insert: %w", name, err)
		}
		return id, false, nil
	}
	return "", false, fmt.Errorf("cannot insert aggregator %q: %w", name, err)
}

// CreateDevice registers a data source under an aggregator and returns
// the new device ID. ErrNotFound when the aggregator does not exist.
func (s *Store) CreateDevice(aggregatorID, name, source string) (string, error) {
	var exists int
	err := s.db.Get(&exists, "SELECT 1 FROM aggregators WHERE aggregator_id = ?", aggregatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("aggregator %s: %w", aggregatorID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("cannot look up aggregator %s: %w", aggregatorID, err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(
		"INSERT INTO devices (device_id, aggregator_id, name, source) VALUES (?, ?, ?, ?)",
		id, aggregatorID, name, source,
	)
	if err != nil {
		return "", fmt.Errorf("cannot insert device %q: %w", name, err)
	}
	return id, nil
}

// InsertSnapshot stores one snapshot and its metric rows in a single
// transaction. created is false when the snapshot ID was already stored;
// that is a success for the caller since the data is durable either way.
// ErrNotFound when the device does not exist.
func (s *Store) InsertSnapshot(snap metrics.Snapshot) (created bool, err error) {
	var exists int
	err = s.db.Get(&exists, "SELECT 1 FROM devices WHERE device_id = ?", snap.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("device %s: %w", snap.DeviceID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("cannot look up device %s: %w", snap.DeviceID, err)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return false, fmt.Errorf("cannot begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	receivedAt := float64(time.Now().UnixNano()) / float64(time.Second)
	_, err = tx.Exec(
		"INSERT INTO snapshots (snapshot_id, device_id, collected_at, received_at) VALUES (?, ?, ?, ?)",
		snap.SnapshotID, snap.DeviceID, snap.CollectedAt, receivedAt,
	)
	if isDupEntry(err) {
		log.Debugf("snapshot %s already stored, skipping re-insert", snap.SnapshotID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cannot insert snapshot %s: %w", snap.SnapshotID, err)
	}

	for _, m := range snap.Metrics {
		_, err = tx.Exec(
			"INSERT INTO metrics (snapshot_id, metric_name, metric_value, unit) VALUES (?, ?, ?, ?)",
			snap.SnapshotID, m.Name, m.Value, m.Unit,
		)
		if err != nil {
			return false, fmt.Errorf("cannot insert metric %q for snapshot %s: %w", m.Name, snap.SnapshotID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("cannot commit snapshot %s: %w", snap.SnapshotID, err)
	}
	return true, nil
}

// QueryFilter narrows a read query. Zero values mean no filter.
type QueryFilter struct {
	DeviceID string
	Source   string
	// Since is an exclusive lower bound on collected_at.
	Since *float64
	Limit int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// SnapshotRecord is one read-path result row with its metrics attached.
type SnapshotRecord struct {
	SnapshotID  string                `db:"snapshot_id" json:"snapshot_id"`
	DeviceID    string                `db:"device_id" json:"device_id"`
	Source      string                `db:"source" json:"source"`
	CollectedAt float64               `db:"collected_at" json:"timestamp"`
	ReceivedAt  float64               `db:"received_at" json:"received_at"`
	Metrics     []metrics.MetricEntry `json:"metrics"`
}

// QuerySnapshots returns snapshots matching the filter, ordered by
// collected_at ascending so out-of-order delivery through the retry path
// does not leak into read results.
func (s *Store) QuerySnapshots(f QueryFilter) ([]SnapshotRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	query := `SELECT s.snapshot_id, s.device_id, d.source, s.collected_at, s.received_at
		FROM snapshots s JOIN devices d ON d.device_id = s.device_id`
	var conds []string
	var args []interface{}
	if f.DeviceID != "" {
		conds = append(conds, "s.device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Source != "" {
		conds = append(conds, "d.source = ?")
		args = append(args, f.Source)
	}
	if f.Since != nil {
		conds = append(conds, "s.collected_at > ?")
		args = append(args, *f.Since)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY s.collected_at ASC LIMIT ?"
	args = append(args, limit)

	var records []SnapshotRecord
	if err := s.db.Select(&records, query, args...); err != nil {
		return nil, fmt.Errorf("cannot query snapshots: %w", err)
	}
	if len(records) == 0 {
		return []SnapshotRecord{}, nil
	}

	ids := make([]string, len(records))
	index := make(map[string]*SnapshotRecord, len(records))
	for i := range records {
		records[i].Metrics = []metrics.MetricEntry{}
		ids[i] = records[i].SnapshotID
		index[records[i].SnapshotID] = &records[i]
	}

	mq, margs, err := sqlx.In(
		"SELECT snapshot_id, metric_name, metric_value, unit FROM metrics WHERE snapshot_id IN (?) ORDER BY metric_id ASC",
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot build metrics query: %w", err)
	}
	rows, err := s.db.Query(s.db.Rebind(mq), margs...)
	if err != nil {
		return nil, fmt.Errorf("cannot query metrics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var snapshotID string
		var entry metrics.MetricEntry
		if err := rows.Scan(&snapshotID, &entry.Name, &entry.Value, &entry.Unit); err != nil {
			return nil, fmt.Errorf("cannot scan metric row: %w", err)
		}
		if rec, ok := index[snapshotID]; ok {
			rec.Metrics = append(rec.Metrics, entry)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cannot read metric rows: %w", err)
	}
	return records, nil
}

func isDupEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDupEntry
}
