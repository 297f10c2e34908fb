/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging provides the leveled loggers shared by every tssx package.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Levels, lowest first. LevelNoPrint silences every logger.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// EnvLogLevel overrides the default level (Warn). It accepts a number or
// a level name.
const EnvLogLevel = "TSSX_LOG_LEVEL"

var (
	level atomic.Int32

	base = logrus.New()

	levelName = []string{"trace", "debug", "info", "warn", "error", "none"}

	toLogrus = []logrus.Level{
		logrus.TraceLevel,
		logrus.DebugLevel,
		logrus.InfoLevel,
		logrus.WarnLevel,
		logrus.ErrorLevel,
	}
)

func init() {
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.999999",
	})
	base.SetLevel(logrus.TraceLevel)

	level.Store(LevelWarn)
	if v := os.Getenv(EnvLogLevel); v != "" {
		if l, err := ParseLevel(v); err == nil {
			level.Store(int32(l))
		}
	}
}

// ParseLevel converts a number (0-5) or a name ("trace" ... "none") to a level.
func ParseLevel(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < LevelTrace || n > LevelNoPrint {
			return 0, fmt.Errorf("log level %d out of range", n)
		}
		return n, nil
	}
	if s == "warning" {
		return LevelWarn, nil
	}
	for i, name := range levelName {
		if s == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// SetLogLevel changes the level of every logger. The default is Warn.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// Level returns the current level.
func Level() int {
	return int(level.Load())
}

// SetOutput redirects every logger.
func SetOutput(out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	base.SetOutput(out)
}

// Logger is a named leveled logger.
type Logger struct {
	name      string
	entry     *logrus.Entry
	callDepth int
}

// New returns a logger tagged with name.
func New(name string) *Logger {
	return &Logger{
		name:      name,
		entry:     base.WithField("logger", name),
		callDepth: 3,
	}
}

// Name returns the component name the logger was created with.
func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) logf(lv int, format string, a ...interface{}) {
	if int(level.Load()) > lv {
		return
	}
	l.entry.WithField("at", l.location()).Logf(toLogrus[lv], format, a...)
}

// Errorf logs at Error level.
func (l *Logger) Errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }

// Warnf logs at Warn level.
func (l *Logger) Warnf(format string, a ...interface{}) { l.logf(LevelWarn, format, a...) }

// Infof logs at Info level.
func (l *Logger) Infof(format string, a ...interface{}) { l.logf(LevelInfo, format, a...) }

// Debugf logs at Debug level.
func (l *Logger) Debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }

// Tracef logs at Trace level.
func (l *Logger) Tracef(format string, a ...interface{}) { l.logf(LevelTrace, format, a...) }

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
