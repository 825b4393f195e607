// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/edgewatch/pkg/config"
	"github.com/DataDog/edgewatch/pkg/server"
	"github.com/DataDog/edgewatch/pkg/server/store"
	"github.com/DataDog/edgewatch/pkg/util/log"
	"github.com/DataDog/edgewatch/pkg/version"
)

var (
	// serverCmd is the root command
	serverCmd = &cobra.Command{
		Use:   "server [command]",
		Short: "Edgewatch ingestion server.",
		Long: `
The ingestion server registers aggregators and devices, persists metric
snapshots idempotently in MySQL and serves the ordered read API.`,
	}

	startCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion server",
		Long:  `Runs the ingestion server in the foreground`,
		RunE:  run,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Edgewatch server %s - Commit: %s\n", version.AgentVersion, version.Commit)
		},
	}

	confPath string
)

func init() {
	serverCmd.AddCommand(startCmd)
	serverCmd.AddCommand(versionCmd)

	startCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "config.toml", "path to the TOML config file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	if err := log.SetupFromConfig(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Format); err != nil {
		return err
	}

	st, err := store.New(cfg.Server.DSN, time.Duration(cfg.Server.ConnMaxLifetime)*time.Second)
	if err != nil {
		log.Criticalf("cannot open store: %v", err) //nolint:errcheck
		log.Flush()
		return err
	}
	defer st.Close()

	if err := st.InitSchema(); err != nil {
		log.Criticalf("cannot initialize schema: %v", err) //nolint:errcheck
		log.Flush()
		return err
	}

	srv := server.NewServer(st, server.Options{
		ListenAddr:     cfg.Server.ListenAddr,
		APIKey:         cfg.Server.APIKey,
		RequireReadKey: cfg.Server.RequireReadKey,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Criticalf("server stopped: %v", err) //nolint:errcheck
		log.Flush()
		return err
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	}

	if err := srv.Stop(); err != nil {
		log.Warnf("error during shutdown: %v", err) //nolint:errcheck
	}
	log.Info("ingestion server stopped")
	log.Flush()
	return nil
}

func main() {
	if err := serverCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
