// Copyright 2026 The TiKVFS Authors
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

// Package logger provides the engine's leveled logger, in the shape the
// teacher calls it from cmd/mount.go: logger.Infof, logger.Warnf,
// logger.Errorf, and a *log.Logger adapter for libraries (like jacobsa/fuse)
// that only know how to log through the standard library. It's backed by
// github.com/pingcap/log over go.uber.org/zap, the same structured-logging
// stack tikv/client-go itself uses, rather than a hand-rolled formatter, so
// a mount's logs and its KV client's logs share one format and one sink.
package logger

import (
	stdlog "log"
	"sync"

	pclog "github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "OFF"
	}
}

// zapLevel maps Level to zap's levels; Trace has no zap equivalent so it
// collapses onto Debug, the same way pingcap/log's own "debug" config value
// covers both.
func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelTrace, LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel + 1 // above Fatal: nothing logs
	}
}

// Logger is a minimal leveled logger wrapping a pingcap/log-built zap
// logger. The zero value is unusable; use New.
type Logger struct {
	mu    sync.Mutex
	level Level
	atom  zap.AtomicLevel
	sugar *zap.SugaredLogger
}

// New builds a Logger at level, naming the underlying zap logger prefix so
// log lines can be attributed to the subsystem that emitted them, the way
// pingcap/log callers scope a child logger per component.
func New(prefix string, level Level) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	zl, props, err := pclog.InitLogger(&pclog.Config{
		Level:  level.zapLevel().String(),
		Format: "text",
	})
	if err != nil {
		// InitLogger fails on a level string it cannot parse, which is the
		// case for LevelOff (above zap's Fatal, it has no name); the logger
		// is then a no-op.
		zl = zap.NewNop()
	} else {
		atom = props.Level
	}
	return &Logger{
		level: level,
		atom:  atom,
		sugar: zl.Sugar().Named(prefix),
	}
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.atom.SetLevel(level.zapLevel())
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	l.mu.Lock()
	sugar := l.sugar
	l.mu.Unlock()

	switch {
	case level <= LevelDebug:
		sugar.Debugf(format, v...)
	case level == LevelInfo:
		sugar.Infof(format, v...)
	case level == LevelWarn:
		sugar.Warnf(format, v...)
	default:
		sugar.Errorf(format, v...)
	}
}

func (l *Logger) Tracef(format string, v ...interface{}) { l.logf(LevelTrace, format, v...) }
func (l *Logger) Debugf(format string, v ...interface{}) { l.logf(LevelDebug, format, v...) }
func (l *Logger) Infof(format string, v ...interface{})  { l.logf(LevelInfo, format, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.logf(LevelWarn, format, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.logf(LevelError, format, v...) }

// NewLegacyLogger returns a *log.Logger that forwards every line to this
// Logger at the given level, for handing to libraries (jacobsa/fuse's
// MountConfig.ErrorLogger/DebugLogger) that only accept the standard
// library's *log.Logger.
func (l *Logger) NewLegacyLogger(level Level, prefix string) *stdlog.Logger {
	return stdlog.New(legacyWriter{l: l, level: level}, prefix, 0)
}

type legacyWriter struct {
	l     *Logger
	level Level
}

func (w legacyWriter) Write(p []byte) (int, error) {
	w.l.logf(w.level, "%s", string(p))
	return len(p), nil
}

// Default is the package-level logger used by the free functions below, the
// way the teacher's logger package exposes logger.Infof directly.
var Default = New("tikvfs", LevelInfo)

func SetLevel(level Level)                  { Default.SetLevel(level) }
func Tracef(format string, v ...interface{}) { Default.Tracef(format, v...) }
func Debugf(format string, v ...interface{}) { Default.Debugf(format, v...) }
func Infof(format string, v ...interface{})  { Default.Infof(format, v...) }
func Warnf(format string, v ...interface{})  { Default.Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { Default.Errorf(format, v...) }
func NewLegacyLogger(level Level, prefix string) *stdlog.Logger {
	return Default.NewLegacyLogger(level, prefix)
}
