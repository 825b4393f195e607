// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package local samples host metrics: CPU utilization, RAM usage and,
// where the platform exposes a sensor, CPU temperature.
package local

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/DataDog/edgewatch/pkg/metrics"
	"github.com/DataDog/edgewatch/pkg/util/log"
)

const sourceType = "local"

const bytesPerMB = 1024 * 1024

// Vendor-specific sensor names probed in order before falling back to the
// first sensor the platform reports. coretemp is Intel, k10temp and
// zenpower are AMD.
var sensorNames = []string{"coretemp", "k10temp", "zenpower"}

// Check samples the local host.
type Check struct {
	deviceName        string
	precision         int
	cpuSampleInterval time.Duration

	// swappable for tests
	cpuPercent   func(time.Duration, bool) ([]float64, error)
	virtualMem   func() (*mem.VirtualMemoryStat, error)
	temperatures func() ([]host.TemperatureStat, error)
}

// New builds the local check. cpuSampleInterval is how long the CPU
// utilization sample blocks; it is part of the collect call, not the
// scheduling interval.
func New(deviceName string, precision int, cpuSampleInterval time.Duration) *Check {
	return &Check{
		deviceName:        deviceName,
		precision:         precision,
		cpuSampleInterval: cpuSampleInterval,
		cpuPercent:        cpu.Percent,
		virtualMem:        mem.VirtualMemory,
		temperatures:      host.SensorsTemperatures,
	}
}

// Source implements collector.Collector.
func (c *Check) Source() string { return sourceType }

// DeviceName implements collector.Collector.
func (c *Check) DeviceName() string { return c.deviceName }

// Collect implements collector.Collector.
func (c *Check) Collect() ([]metrics.MetricEntry, error) {
	vm, err := c.virtualMem()
	if err != nil {
		return nil, fmt.Errorf("cannot read virtual memory: %w", err)
	}

	// Blocks for the sample interval to measure utilization over a window
	// rather than an instant.
	cpuPercents, err := c.cpuPercent(c.cpuSampleInterval, false)
	if err != nil {
		return nil, fmt.Errorf("cannot sample cpu: %w", err)
	}
	if len(cpuPercents) == 0 {
		return nil, fmt.Errorf("cpu sample returned no values")
	}

	entries := make([]metrics.MetricEntry, 0, 4)

	e, err := metrics.NewEntry("cpu_usage_percent", metrics.Round(cpuPercents[0], c.precision), "%")
	if err != nil {
		return nil, err
	}
	entries = append(entries, e)

	e, err = metrics.NewEntry("ram_usage_percent", metrics.Round(vm.UsedPercent, c.precision), "%")
	if err != nil {
		return nil, err
	}
	entries = append(entries, e)

	e, err = metrics.NewEntry("ram_used_mb", metrics.Round(float64(vm.Used)/bytesPerMB, c.precision), "MB")
	if err != nil {
		return nil, err
	}
	entries = append(entries, e)

	if temp, ok := c.cpuTemperature(); ok {
		e, err = metrics.NewEntry("cpu_temp_celsius", metrics.Round(temp, c.precision), "C")
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// cpuTemperature probes the known vendor sensors in a fixed order, then
// falls back to the first sensor reported. Returns false when the host
// exposes no temperature sensor at all; the metric is simply omitted.
func (c *Check) cpuTemperature() (float64, bool) {
	stats, err := c.temperatures()
	if err != nil || len(stats) == 0 {
		log.Debugf("no temperature sensors available: %v", err)
		return 0, false
	}

	for _, name := range sensorNames {
		for _, s := range stats {
			if strings.HasPrefix(s.SensorKey, name) {
				return s.Temperature, true
			}
		}
	}
	return stats[0].Temperature, true
}
