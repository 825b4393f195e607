// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package orchestrator wires the aggregator process together: it checks
// the broker and the ingestion server, runs the registration handshake,
// builds the enabled collectors with their server-issued device IDs and
// supervises the runner and upload queue lifecycles.
package orchestrator

import (
	_ "expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataDog/edgewatch/pkg/collector"
	"github.com/DataDog/edgewatch/pkg/collector/corechecks/local"
	"github.com/DataDog/edgewatch/pkg/collector/corechecks/transport"
	"github.com/DataDog/edgewatch/pkg/collector/corechecks/wikipedia"
	"github.com/DataDog/edgewatch/pkg/collector/runner"
	"github.com/DataDog/edgewatch/pkg/config"
	"github.com/DataDog/edgewatch/pkg/registration"
	"github.com/DataDog/edgewatch/pkg/uploadqueue"
	"github.com/DataDog/edgewatch/pkg/util/backoff"
	"github.com/DataDog/edgewatch/pkg/util/log"
)

// Orchestrator owns the aggregator's component lifecycles.
type Orchestrator struct {
	cfg      config.Config
	queue    *uploadqueue.Queue
	runners  []*runner.Runner
	expvarLn net.Listener
}

// New builds an orchestrator for the given configuration. Nothing is
// started until Start.
func New(cfg config.Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Start brings the aggregator up: broker check, server handshake, device
// registration, then collectors. Any failure before the collectors start
// leaves nothing running.
func (o *Orchestrator) Start() error {
	if err := o.cfg.ValidateAggregator(); err != nil {
		return err
	}

	o.queue = uploadqueue.New(queueOptions(o.cfg))
	if err := o.queue.Ping(); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}

	reg := registration.NewClient(o.cfg.UploadQueue.RegistrationBaseURL, o.cfg.UploadQueue.APIKey)
	if err := reg.WaitForServer(); err != nil {
		return err
	}
	aggregatorID, err := reg.RegisterAggregator(o.cfg.Aggregator.Name)
	if err != nil {
		return err
	}

	specs := o.collectorSpecs()
	if len(specs) == 0 {
		return fmt.Errorf("no collectors enabled in configuration")
	}

	if err := o.queue.Start(); err != nil {
		return err
	}

	for _, spec := range specs {
		deviceID, err := reg.RegisterDevice(aggregatorID, spec.check.DeviceName(), spec.check.Source())
		if err != nil {
			o.stopRunners()
			o.queue.Stop()
			return err
		}
		r := runner.New(spec.check, deviceID, spec.interval, o.queue)
		r.Start()
		o.runners = append(o.runners, r)
	}

	o.startExpvarServer()

	log.Infof("aggregator %q started with %d collectors", o.cfg.Aggregator.Name, len(o.runners))
	return nil
}

// startExpvarServer serves the process expvars on localhost so queue depth
// and delivery counters are reachable at /debug/vars while the aggregator
// runs. A bind failure is logged, not fatal.
func (o *Orchestrator) startExpvarServer() {
	port := o.cfg.Aggregator.ExpvarPort
	if port == 0 {
		return
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		log.Errorf("cannot bind expvar server on port %d: %v", port, err) //nolint:errcheck
		return
	}
	o.expvarLn = ln
	go http.Serve(ln, http.DefaultServeMux) //nolint:errcheck
	log.Infof("expvar server listening on %s", ln.Addr())
}

// Wait blocks until SIGINT or SIGTERM.
func (o *Orchestrator) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	log.Infof("received %s, shutting down", sig)
}

// Stop shuts components down in reverse order: collectors first so no new
// snapshots arrive, then the upload queue. Envelopes still on the broker
// survive for the next run.
func (o *Orchestrator) Stop() {
	o.stopRunners()
	if o.queue != nil {
		o.queue.Stop()
	}
	if o.expvarLn != nil {
		o.expvarLn.Close() //nolint:errcheck
		o.expvarLn = nil
	}
	log.Info("aggregator stopped")
	log.Flush()
}

// stopRunners stops every started runner and waits for their in-flight
// collects. Shared by Stop and the Start error path so a registration
// failure mid-loop never leaks sampling goroutines.
func (o *Orchestrator) stopRunners() {
	for _, r := range o.runners {
		r.Stop()
	}
	o.runners = nil
}

type collectorSpec struct {
	check    collector.Collector
	interval time.Duration
}

// collectorSpecs builds one spec per enabled collector.
func (o *Orchestrator) collectorSpecs() []collectorSpec {
	var specs []collectorSpec
	cfg := o.cfg

	if cfg.LocalCollector.Enabled {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "local-host"
		}
		check := local.New(hostname, cfg.Collectors.MetricPrecision,
			time.Duration(cfg.Collectors.CPUSampleInterval*float64(time.Second)))
		specs = append(specs, collectorSpec{
			check:    check,
			interval: time.Duration(cfg.LocalCollector.CollectionInterval) * time.Second,
		})
	}

	if cfg.WikipediaCollector.Enabled {
		check := wikipedia.New(
			"wikipedia-"+cfg.WikipediaCollector.Language,
			cfg.WikipediaCollector.Language,
			time.Duration(cfg.WikipediaCollector.CollectionWindow)*time.Second,
			cfg.WikipediaCollector.UserAgent,
		)
		specs = append(specs, collectorSpec{
			check:    check,
			interval: time.Duration(cfg.WikipediaCollector.CollectionInterval) * time.Second,
		})
	}

	if cfg.TransportCollector.Enabled {
		check := transport.New(
			"transport-feed",
			cfg.TransportCollector.VehiclesURL,
			cfg.TransportCollector.TripUpdatesURL,
			cfg.TransportCollector.APIKey,
		)
		specs = append(specs, collectorSpec{
			check:    check,
			interval: time.Duration(cfg.TransportCollector.CollectionInterval) * time.Second,
		})
	}

	return specs
}

func queueOptions(cfg config.Config) uploadqueue.Options {
	uq := cfg.UploadQueue
	return uploadqueue.Options{
		RedisAddr:     fmt.Sprintf("%s:%d", uq.RedisHost, uq.RedisPort),
		RedisDB:       uq.RedisDB,
		RedisPassword: uq.RedisPassword,
		Endpoint:      uq.APIEndpoint,
		APIKey:        uq.APIKey,
		Timeout:       time.Duration(uq.Timeout) * time.Second,
		Policy: backoff.NewPolicy(
			time.Duration(uq.BackoffBase)*time.Second,
			float64(uq.BackoffMultiplier),
			uq.MaxRetryAttempts,
		),
		WorkerSleep: time.Duration(uq.WorkerSleep) * time.Second,
	}
}
