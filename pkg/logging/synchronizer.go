package logging

import "sync"

type lockedLogger struct {
	mutex  sync.Mutex
	logger Logger
}

func (ll *lockedLogger) Log(level LogLevel, text string, args ...interface{}) {
	ll.mutex.Lock()
	defer ll.mutex.Unlock()
	ll.logger.Log(level, text, args...)
}

// Synchronize makes a non thread-safe sink usable from all namespace worker goroutines.
func Synchronize(logger Logger) Logger {
	return &lockedLogger{logger: OrNil(logger)}
}
