package events

import (
	"go.uber.org/zap"
	"sync"
)

var (
	sinkMutex sync.RWMutex
	sink      func(error)
)

// SetUnhandledErrorSink replaces the process-wide destination for errors raised
// by listeners during asynchronous delivery. Passing nil restores the default,
// which logs through zap.L(). It returns the previous sink.
func SetUnhandledErrorSink(fn func(error)) func(error) {
	sinkMutex.Lock()
	defer sinkMutex.Unlock()

	prev := sink
	sink = fn
	if prev == nil {
		prev = logUnhandled
	}

	return prev
}

func reportUnhandled(err error) {
	sinkMutex.RLock()
	fn := sink
	sinkMutex.RUnlock()

	if fn == nil {
		fn = logUnhandled
	}

	fn(err)
}

func logUnhandled(err error) {
	zap.L().Error("unhandled listener error", zap.Error(err))
}
