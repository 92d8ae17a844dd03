// Copyright The Nachos VM Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Level is a logging severity level.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message, if debugging is enabled for the source.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// EnableDebug enables or disables debug messages for this Logger, returning the old state.
	EnableDebug(bool) bool
	// Source returns the source name of this Logger.
	Source() string
	// SlogHandler returns an slog.Handler emitting through this Logger.
	SlogHandler() slog.Handler
}

type logger struct {
	source string
}

// logging tracks the runtime state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	forced  map[string]bool
	prefix  atomic.Bool
	loggers map[string]logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		forced:  make(map[string]bool),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Get returns the named Logger.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// SetLevel sets the logging severity threshold.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debugging for the given sources.
func EnableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		log.forced[src] = true
	}
}

func (l *logging) get(source string) logger {
	source = strings.TrimSpace(source)

	l.RLock()
	lg, ok := l.loggers[source]
	l.RUnlock()
	if ok {
		return lg
	}

	l.Lock()
	defer l.Unlock()
	if lg, ok = l.loggers[source]; !ok {
		lg = logger{source: source}
		l.loggers[source] = lg
	}
	return lg
}

// setDbgMap replaces the debug source map. Must be called with the lock held.
func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

// setPrefix sets source prefixing.
func (l *logging) setPrefix(prefix bool) {
	l.prefix.Store(prefix)
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if state, ok := l.forced[source]; ok {
		return state
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l *logging) enabled(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level
}

func (lg logger) emit(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if log.prefix.Load() {
		msg = "[" + lg.source + "] " + msg
	}

	switch level {
	case LevelDebug:
		klog.InfoDepth(2, "D: "+msg)
	case LevelInfo:
		klog.InfoDepth(2, msg)
	case LevelWarn:
		klog.WarningDepth(2, msg)
	default:
		klog.ErrorDepth(2, msg)
	}
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	lg.emit(LevelDebug, format, args...)
}

func (lg logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	lg.emit(LevelInfo, format, args...)
}

func (lg logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	lg.emit(LevelWarn, format, args...)
}

func (lg logger) Error(format string, args ...interface{}) {
	lg.emit(LevelError, format, args...)
}

func (lg logger) Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	klog.FatalDepth(1, "["+lg.source+"] "+msg)
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	lg.emit(LevelError, "%s", msg)
	panic(msg)
}

func (lg logger) Debugf(format string, args ...interface{}) { lg.Debug(format, args...) }
func (lg logger) Infof(format string, args ...interface{})  { lg.Info(format, args...) }
func (lg logger) Warnf(format string, args ...interface{})  { lg.Warn(format, args...) }
func (lg logger) Errorf(format string, args ...interface{}) { lg.Error(format, args...) }

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()

	old, ok := log.forced[lg.source]
	if !ok {
		old = log.dbgmap[lg.source]
	}
	log.forced[lg.source] = state
	return old
}

func (lg logger) Source() string {
	return lg.source
}

// loggerError returns a formatted package-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
