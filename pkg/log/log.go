// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *loomLogger

	// This buffer holds log lines emitted before the logger is initialized.
	// Configuration loading happens first and may want to log; the buffer
	// is flushed by SetupLogger and should be very short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

// loomLogger is a guarded wrapper around a seelog logger.
type loomLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger configures the package-level logger singleton.
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger = &loomLogger{
		inner: l,
		level: lvl,
	}
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	defer bufferMutex.Unlock()
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// SetupDefaultLogger builds a console seelog logger at the given level and
// installs it. Meant for main() and tests.
func SetupDefaultLogger(level string) error {
	l, err := seelog.LoggerFromConfigAsString(fmt.Sprintf(
		`<seelog minlevel=%q><outputs formatid="common"><console/></outputs><formats><format id="common" format="%%Date %%Time %%LEVEL | %%Msg%%n"/></formats></seelog>`,
		strings.ToLower(level)))
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

// ChangeLogLevel changes the current log level, invalid levels are rejected.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("cannot change loglevel: logger not initialized")
	}
	logger.l.Lock()
	defer logger.l.Unlock()
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	logger.level = lvl
	return nil
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *loomLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	ok := level >= sw.level
	sw.l.RUnlock()
	return ok
}

func log(level seelog.LogLevel, fn func()) {
	bufferMutex.Lock()
	buffering := bufferLogsBeforeInit
	bufferMutex.Unlock()
	if buffering {
		addLogToBuffer(fn)
		return
	}
	if logger == nil || !logger.shouldLog(level) {
		return
	}
	logger.l.Lock()
	fn()
	logger.l.Unlock()
}

// Debugf formats and logs at the debug level.
func Debugf(format string, params ...interface{}) {
	log(seelog.DebugLvl, func() { logger.inner.Debugf(format, params...) })
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	log(seelog.DebugLvl, func() { logger.inner.Debug(v...) })
}

// Infof formats and logs at the info level.
func Infof(format string, params ...interface{}) {
	log(seelog.InfoLvl, func() { logger.inner.Infof(format, params...) })
}

// Info logs at the info level.
func Info(v ...interface{}) {
	log(seelog.InfoLvl, func() { logger.inner.Info(v...) })
}

// Warnf formats and logs at the warn level and returns the message as an error.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	log(seelog.WarnLvl, func() { logger.inner.Warn(err.Error()) }) //nolint:errcheck
	return err
}

// Errorf formats and logs at the error level and returns the message as an
// error, so call sites can `return log.Errorf(...)`.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	log(seelog.ErrorLvl, func() { logger.inner.Error(err.Error()) }) //nolint:errcheck
	return err
}

// Error logs at the error level.
func Error(v ...interface{}) error {
	err := errors.New(fmt.Sprint(v...))
	log(seelog.ErrorLvl, func() { logger.inner.Error(err.Error()) }) //nolint:errcheck
	return err
}

// Criticalf formats and logs at the critical level and returns the message as
// an error.
func Criticalf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	log(seelog.CriticalLvl, func() { logger.inner.Critical(err.Error()) }) //nolint:errcheck
	return err
}

// Flush flushes the underlying logger.
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
