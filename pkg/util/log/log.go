// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log implements the global logger used across the aggregator and
// the ingestion server. It wraps seelog behind package-level functions so
// components never carry a logger handle around; the logger is the single
// global this codebase keeps, everything else is constructor-injected.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

// Logger pairs the seelog inner logger with the configured level.
type Logger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	mu    sync.RWMutex
}

var (
	logger  *Logger
	setupMu sync.Mutex
)

const defaultStackDepth = 2

// SetupLogger configures the global logger singleton. Safe to call more
// than once; the last call wins.
func SetupLogger(inner seelog.LoggerInterface, level string) {
	setupMu.Lock()
	defer setupMu.Unlock()

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}

	inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck
	logger = &Logger{inner: inner, level: lvl}
}

// ChangeLogLevel updates the level of the global logger at runtime.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("logger not initialized")
	}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}

	logger.mu.Lock()
	logger.level = lvl
	logger.mu.Unlock()
	return nil
}

// Flush flushes any buffered log entries. Call before process exit.
func Flush() {
	if logger != nil {
		logger.inner.Flush()
	}
	seelog.Flush()
}

func (l *Logger) shouldLog(level seelog.LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

// Tracef logs at the trace level with a format.
func Tracef(format string, params ...interface{}) {
	if logger != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.inner.Tracef(format, params...)
	}
}

// Debugf logs at the debug level with a format.
func Debugf(format string, params ...interface{}) {
	if logger != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.inner.Debugf(format, params...)
	}
}

// Infof logs at the info level with a format.
func Infof(format string, params ...interface{}) {
	if logger == nil {
		seelog.Infof(format, params...)
		return
	}
	if logger.shouldLog(seelog.InfoLvl) {
		logger.inner.Infof(format, params...)
	}
}

// Warnf logs at the warn level with a format and returns the message as an
// error so callers can log and propagate in one statement.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		seelog.Warnf(format, params...) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.WarnLvl) {
		logger.inner.Warnf(format, params...) //nolint:errcheck
	}
	return err
}

// Errorf logs at the error level with a format and returns the message as
// an error.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		seelog.Errorf(format, params...) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.ErrorLvl) {
		logger.inner.Errorf(format, params...) //nolint:errcheck
	}
	return err
}

// Criticalf logs at the critical level with a format and returns the
// message as an error.
func Criticalf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger == nil {
		seelog.Criticalf(format, params...) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.CriticalLvl) {
		logger.inner.Criticalf(format, params...) //nolint:errcheck
	}
	return err
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if logger != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.inner.Debug(v...)
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if logger == nil {
		seelog.Info(v...)
		return
	}
	if logger.shouldLog(seelog.InfoLvl) {
		logger.inner.Info(v...)
	}
}

// Warn logs at the warn level and returns the message as an error.
func Warn(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if logger == nil {
		seelog.Warn(v...) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.WarnLvl) {
		logger.inner.Warn(v...) //nolint:errcheck
	}
	return err
}

// Error logs at the error level and returns the message as an error.
func Error(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if logger == nil {
		seelog.Error(v...) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.ErrorLvl) {
		logger.inner.Error(v...) //nolint:errcheck
	}
	return err
}

// Critical logs at the critical level and returns the message as an error.
func Critical(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	if logger == nil {
		seelog.Critical(v...) //nolint:errcheck
		return err
	}
	if logger.shouldLog(seelog.CriticalLvl) {
		logger.inner.Critical(v...) //nolint:errcheck
	}
	return err
}
