/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package logging defines the small logging interface every harness component takes at
// construction time, together with adapters for concrete sinks.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Logger is the logging interface passed into every component. The key/value pairs
// in args always alternate: string key, arbitrary value.
type Logger interface {
	Log(level LogLevel, text string, args ...interface{})
}

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name as found in run configuration files.
// Unknown names map to LevelInfo.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// writerLogger prints every message at or above its level on a single line.
type writerLogger struct {
	level LogLevel
	out   io.Writer
}

func (wl *writerLogger) Log(level LogLevel, text string, args ...interface{}) {
	if level < wl.level {
		return
	}

	var sb strings.Builder
	sb.WriteString(strings.ToUpper(level.String()))
	sb.WriteString(" ")
	sb.WriteString(text)
	writeKeyValues(&sb, args)
	sb.WriteString("\n")
	io.WriteString(wl.out, sb.String())
}

func writeKeyValues(sb *strings.Builder, args []interface{}) {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fmt.Fprintf(sb, " %v=%%MISSING%%", args[i])
			break
		}
		fmt.Fprintf(sb, " %v=%v", args[i], args[i+1])
	}
}

// NewWriterLogger returns a Logger writing plain lines to out.
func NewWriterLogger(level LogLevel, out io.Writer) Logger {
	return &writerLogger{level: level, out: out}
}

type nilLogger struct{}

func (nilLogger) Log(level LogLevel, text string, args ...interface{}) {}

var (
	// ConsoleDebugLogger writes all messages to stdout.
	ConsoleDebugLogger = NewWriterLogger(LevelDebug, os.Stdout)

	// ConsoleInfoLogger writes LevelInfo and above to stdout.
	ConsoleInfoLogger = NewWriterLogger(LevelInfo, os.Stdout)

	// ConsoleErrorLogger writes LevelError messages to stdout.
	ConsoleErrorLogger = NewWriterLogger(LevelError, os.Stdout)

	// NilLogger drops everything.
	NilLogger Logger = nilLogger{}
)

// OrNil returns l, or NilLogger when l is nil.
func OrNil(l Logger) Logger {
	if l == nil {
		return NilLogger
	}
	return l
}
