// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DataDog/edgewatch/pkg/config"
	"github.com/DataDog/edgewatch/pkg/orchestrator"
	"github.com/DataDog/edgewatch/pkg/util/log"
	"github.com/DataDog/edgewatch/pkg/version"
)

var (
	// aggregatorCmd is the root command
	aggregatorCmd = &cobra.Command{
		Use:   "aggregator [command]",
		Short: "Edgewatch metrics aggregator.",
		Long: `
The aggregator samples metrics from the enabled collectors, persists them
on a redis-backed upload queue and drains that queue to the ingestion
server with retries.`,
	}

	startCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the aggregator",
		Long:  `Runs the aggregator in the foreground`,
		RunE:  run,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Long:  ``,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Edgewatch aggregator %s - Commit: %s\n", version.AgentVersion, version.Commit)
		},
	}

	confPath string
)

func init() {
	aggregatorCmd.AddCommand(startCmd)
	aggregatorCmd.AddCommand(versionCmd)

	startCmd.Flags().StringVarP(&confPath, "cfgpath", "c", "config.toml", "path to the TOML config file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return err
	}

	if err := log.SetupFromConfig(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Format); err != nil {
		return err
	}

	o := orchestrator.New(cfg)
	if err := o.Start(); err != nil {
		log.Criticalf("cannot start aggregator: %v", err) //nolint:errcheck
		log.Flush()
		return err
	}

	o.Wait()
	o.Stop()
	return nil
}

func main() {
	if err := aggregatorCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
