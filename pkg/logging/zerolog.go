/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package logging

import (
	"fmt"

	"github.com/rs/zerolog"
)

type zerologLogger struct {
	level  LogLevel
	logger zerolog.Logger
}

// NewZerolog adapts a zerolog.Logger. Messages below level are dropped before
// they reach zerolog.
func NewZerolog(logger zerolog.Logger, level LogLevel) Logger {
	return &zerologLogger{level: level, logger: logger}
}

func (zl *zerologLogger) Log(level LogLevel, text string, args ...interface{}) {
	if level < zl.level {
		return
	}

	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = zl.logger.Debug()
	case LevelInfo:
		ev = zl.logger.Info()
	case LevelWarn:
		ev = zl.logger.Warn()
	default:
		ev = zl.logger.Error()
	}

	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			ev = ev.Str(key, "%MISSING%")
			break
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case bool:
			ev = ev.Bool(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(text)
}

// ZerologLevel maps a LogLevel to the zerolog global level of the same name.
func ZerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
