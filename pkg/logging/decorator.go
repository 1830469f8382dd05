package logging

import "fmt"

// scopedLogger prepends a fixed prefix and fixed key/value pairs to every message.
type scopedLogger struct {
	logger Logger
	prefix string
	args   []interface{}
}

func (sl *scopedLogger) Log(level LogLevel, text string, args ...interface{}) {
	passed := make([]interface{}, 0, len(sl.args)+len(args))
	passed = append(passed, sl.args...)
	passed = append(passed, args...)
	sl.logger.Log(level, fmt.Sprintf("%s%s", sl.prefix, text), passed...)
}

// Decorate scopes logger to one component, e.g. a controller or a namespace device.
func Decorate(logger Logger, prefix string, args ...interface{}) Logger {
	return &scopedLogger{
		logger: OrNil(logger),
		prefix: prefix,
		args:   args,
	}
}
