// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package log

import (
	"fmt"

	"github.com/cihub/seelog"
)

const defaultFormat = "%Date(2006-01-02 15:04:05 MST) | %LEVEL | (%File:%Line) | %Msg%n"

// BuildLogger constructs a seelog logger from the [logging] config section.
// An empty file path logs to the console only; an empty format falls back
// to the default layout.
func BuildLogger(level, file, format string) (seelog.LoggerInterface, error) {
	if format == "" {
		format = defaultFormat
	}

	fileOutput := ""
	if file != "" {
		fileOutput = fmt.Sprintf(`<rollingfile type="size" filename="%s" maxsize="10000000" maxrolls="5" formatid="common"/>`, file)
	}

	config := fmt.Sprintf(`
<seelog minlevel="%s">
  <outputs formatid="common">
    <console/>
    %s
  </outputs>
  <formats>
    <format id="common" format="%s"/>
  </formats>
</seelog>`, seelogLevel(level), fileOutput, format)

	return seelog.LoggerFromConfigAsString(config)
}

// SetupFromConfig builds the seelog logger and installs it as the global
// logger in one step.
func SetupFromConfig(level, file, format string) error {
	l, err := BuildLogger(level, file, format)
	if err != nil {
		return fmt.Errorf("cannot build logger: %w", err)
	}
	SetupLogger(l, level)
	return nil
}

// seelogLevel maps the config level names (DEBUG, INFO, WARNING, ERROR,
// CRITICAL) onto seelog's.
func seelogLevel(level string) string {
	switch level {
	case "DEBUG", "debug":
		return "debug"
	case "WARNING", "warning", "warn":
		return "warn"
	case "ERROR", "error":
		return "error"
	case "CRITICAL", "critical":
		return "critical"
	default:
		return "info"
	}
}
