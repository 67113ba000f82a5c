package engine

import (
	"time"

	"tally/internal/aggregate"
	"tally/internal/log"
)

const defaultQueueSize = 256

type Option func(*Engine)

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source used to default expense dates and for
// the convenience summaries.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithQueueSize bounds the event queue between producers and the apply loop.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

func WithAggregateOptions(o aggregate.Options) Option {
	return func(e *Engine) { e.agg = o }
}
