// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads and validates the TOML configuration for the
// aggregator and the ingestion server. The file is decoded once into a
// typed Config and handed to components by value; no package keeps a
// cached copy.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config is the root of the TOML file. The aggregator reads every section;
// the server binary only reads Logging and Server.
type Config struct {
	Aggregator         AggregatorConfig         `toml:"aggregator"`
	Collectors         CollectorsConfig         `toml:"collectors"`
	LocalCollector     LocalCollectorConfig     `toml:"local_collector"`
	WikipediaCollector WikipediaCollectorConfig `toml:"wikipedia_collector"`
	TransportCollector TransportCollectorConfig `toml:"transport_collector"`
	UploadQueue        UploadQueueConfig        `toml:"upload_queue"`
	Logging            LoggingConfig            `toml:"logging"`
	Server             ServerConfig             `toml:"server"`
}

// AggregatorConfig identifies this aggregator process to the server.
type AggregatorConfig struct {
	Name string `toml:"name"`
	// ExpvarPort is the localhost port for the debug stats server; zero
	// disables it.
	ExpvarPort int `toml:"expvar_port" validate:"gte=0,lte=65535"`
}

// CollectorsConfig holds settings shared by all collectors.
type CollectorsConfig struct {
	MetricPrecision   int     `toml:"metric_precision" validate:"gte=0"`
	CPUSampleInterval float64 `toml:"cpu_sample_interval" validate:"gt=0"`
}

// LocalCollectorConfig configures host sampling.
type LocalCollectorConfig struct {
	Enabled            bool `toml:"enabled"`
	CollectionInterval int  `toml:"collection_interval" validate:"gte=1"`
}

// WikipediaCollectorConfig configures the recent-changes collector.
type WikipediaCollectorConfig struct {
	Enabled            bool   `toml:"enabled"`
	CollectionInterval int    `toml:"collection_interval" validate:"gte=1"`
	CollectionWindow   int    `toml:"collection_window" validate:"gte=1"`
	UserAgent          string `toml:"user_agent"`
	Language           string `toml:"language"`
}

// TransportCollectorConfig configures the GTFS-realtime collector. The
// collector joins the vehicle position feed with the trip update feed, so
// both URLs are required when it is enabled.
type TransportCollectorConfig struct {
	Enabled            bool   `toml:"enabled"`
	CollectionInterval int    `toml:"collection_interval" validate:"gte=1"`
	VehiclesURL        string `toml:"vehicles_url" validate:"omitempty,url"`
	TripUpdatesURL     string `toml:"trip_updates_url" validate:"omitempty,url"`
	APIKey             string `toml:"api_key"`
}

// UploadQueueConfig configures the broker connection, the upload sink and
// the retry policy.
type UploadQueueConfig struct {
	RedisHost           string `toml:"redis_host" validate:"required"`
	RedisPort           int    `toml:"redis_port" validate:"gte=1,lte=65535"`
	RedisDB             int    `toml:"redis_db" validate:"gte=0"`
	RedisPassword       string `toml:"redis_password"`
	APIEndpoint         string `toml:"api_endpoint" validate:"omitempty,url"`
	APIKey              string `toml:"api_key"`
	Timeout             int    `toml:"timeout" validate:"gte=1"`
	MaxRetryAttempts    int    `toml:"max_retry_attempts" validate:"gte=0"`
	BackoffBase         int    `toml:"backoff_base" validate:"gte=1"`
	BackoffMultiplier   int    `toml:"backoff_multiplier" validate:"gte=1"`
	WorkerSleep         int    `toml:"worker_sleep" validate:"gte=1"`
	RegistrationBaseURL string `toml:"registration_base_url" validate:"omitempty,url"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	File   string `toml:"file"`
	Format string `toml:"format"`
}

// ServerConfig configures the ingestion server binary.
type ServerConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	DSN             string `toml:"dsn"`
	APIKey          string `toml:"api_key"`
	RequireReadKey  bool   `toml:"require_read_key"`
	ConnMaxLifetime int    `toml:"conn_max_lifetime" validate:"gte=0"`
}

// Defaults mirror the values the original deployment shipped with.
func defaultConfig() Config {
	return Config{
		Aggregator: AggregatorConfig{
			ExpvarPort: 5070,
		},
		Collectors: CollectorsConfig{
			MetricPrecision:   1,
			CPUSampleInterval: 1.0,
		},
		LocalCollector: LocalCollectorConfig{
			CollectionInterval: 10,
		},
		WikipediaCollector: WikipediaCollectorConfig{
			CollectionInterval: 60,
			CollectionWindow:   60,
			UserAgent:          "edgewatch-wikipedia-collector/1.0",
			Language:           "en",
		},
		TransportCollector: TransportCollectorConfig{
			CollectionInterval: 60,
		},
		UploadQueue: UploadQueueConfig{
			RedisHost:         "localhost",
			RedisPort:         6379,
			Timeout:           10,
			MaxRetryAttempts:  5,
			BackoffBase:       1,
			BackoffMultiplier: 2,
			WorkerSleep:       1,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Server: ServerConfig{
			ListenAddr:      "0.0.0.0:5000",
			ConnMaxLifetime: 240,
		},
	}
}

// Load reads, decodes and validates the TOML file at path.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	meta, err := toml.Decode(string(raw), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		// Typos in key names should not fail silently.
		return Config{}, fmt.Errorf("unknown config key %q in %s", key, path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate runs the struct validation tags. Role-specific presence rules
// live in ValidateAggregator and ValidateServer; the two binaries share
// one file format but not one set of required keys.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ValidateAggregator checks the keys the aggregator binary cannot run
// without.
func (c Config) ValidateAggregator() error {
	if c.Aggregator.Name == "" {
		return fmt.Errorf("aggregator.name is required")
	}
	if c.UploadQueue.APIEndpoint == "" {
		return fmt.Errorf("upload_queue.api_endpoint is required")
	}
	if c.UploadQueue.RegistrationBaseURL == "" {
		return fmt.Errorf("upload_queue.registration_base_url is required")
	}
	if c.TransportCollector.Enabled {
		if c.TransportCollector.VehiclesURL == "" || c.TransportCollector.TripUpdatesURL == "" {
			return fmt.Errorf("transport_collector requires vehicles_url and trip_updates_url when enabled")
		}
	}
	return nil
}

// ValidateServer checks the keys the server binary cannot run without.
func (c Config) ValidateServer() error {
	if c.Server.DSN == "" {
		return fmt.Errorf("server.dsn is required")
	}
	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required")
	}
	return nil
}
