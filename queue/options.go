//go:generate options-setters -input ./options.go -output ./options_setters.go
package queue

import (
	"time"

	lifecycle "github.com/goliatone/go-lifecycle"
)

type Option func(*MemoryQueue)

func WithLogger(l lifecycle.Logger) Option {
	return func(q *MemoryQueue) {
		q.logger = lifecycle.NormalizeLogger(l)
	}
}

// WithRetryStrategy lets you define a custom redelivery backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(q *MemoryQueue) {
		if s != nil {
			q.retry = s
		}
	}
}

// WithMaxAttempts caps delivery attempts before a job is dead-lettered.
func WithMaxAttempts(max int) Option {
	return func(q *MemoryQueue) {
		if max > 0 {
			q.maxAttempts = max
		}
	}
}

// WithLeaseDuration bounds how long a delivery may run before the sweeper
// treats it as lost and redelivers.
func WithLeaseDuration(d time.Duration) Option {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.leaseDuration = d
		}
	}
}

// WithSweepSchedule sets the cron expression driving the stuck-lease sweeper.
func WithSweepSchedule(expr string) Option {
	return func(q *MemoryQueue) {
		if expr != "" {
			q.sweepSchedule = expr
		}
	}
}
