// Copyright The Enclave Host Allocator Authors. All Rights Reserved.
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
	"os"
	"strings"
	"sync"
)

// Level describes the severity of a log message.
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

	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo

	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "ALLOCATOR_DEBUG"
)

// Logger is the interface for producing log messages for/about a source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits.
	Fatal(format string, args ...interface{})
	// DebugEnabled checks if debug messages are enabled for the source.
	DebugEnabled() bool
	// Source returns the source name of this logger.
	Source() string
}

// logging encapsulates the state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]logger
	debug   map[string]bool
}

// logger implements Logger for a single source.
type logger struct {
	source string
}

var log = &logging{
	level:   DefaultLevel,
	loggers: make(map[string]logger),
	debug:   make(map[string]bool),
}

var levelTags = map[Level]string{
	LevelDebug: "D:",
	LevelInfo:  "I:",
	LevelWarn:  "W:",
	LevelError: "E:",
}

// NewLogger creates a logger for the given source.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default logger.
func Default() Logger {
	return log.get("default")
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debug logging for the given sources. The pseudo-source
// "all" (or "*") toggles every source.
func EnableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		if src == "all" {
			src = "*"
		}
		log.debug[src] = true
	}
}

// DisableDebug disables debug logging for the given sources.
func DisableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		if src == "all" {
			src = "*"
		}
		delete(log.debug, src)
	}
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()
	if lgr, ok := l.loggers[source]; ok {
		return lgr
	}
	lgr := logger{source: source}
	l.loggers[source] = lgr
	return lgr
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()
	if enabled, ok := l.debug[source]; ok {
		return enabled
	}
	return l.debug["*"]
}

func (l *logging) emit(level Level, source, format string, args ...interface{}) {
	l.RLock()
	minLevel := l.level
	l.RUnlock()

	if level < minLevel && !(level == LevelDebug && l.debugEnabled(source)) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintf(os.Stderr, "%s [%s] %s\n", levelTags[level], source, line)
	}
}

func (l logger) Debug(format string, args ...interface{}) {
	log.emit(LevelDebug, l.source, format, args...)
}

func (l logger) Info(format string, args ...interface{}) {
	log.emit(LevelInfo, l.source, format, args...)
}

func (l logger) Warn(format string, args ...interface{}) {
	log.emit(LevelWarn, l.source, format, args...)
}

func (l logger) Error(format string, args ...interface{}) {
	log.emit(LevelError, l.source, format, args...)
}

func (l logger) Fatal(format string, args ...interface{}) {
	log.emit(LevelError, l.source, format, args...)
	os.Exit(1)
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

// Seed debugging flags from the environment.
func init() {
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		sources := []string{}
		for _, src := range strings.Split(value, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources = append(sources, src)
			}
		}
		EnableDebug(sources...)
	}
}
