package executor

import "time"

type (
	Clock interface {
		Now() time.Time
	}

	DefaultClock struct{}

	// SleepFunc waits out a backoff delay. Tests inject a recorder so
	// retry timing is checked without real sleeps.
	SleepFunc func(time.Duration)
)

func (c *DefaultClock) Now() time.Time { return time.Now() }

// retrySchedule computes the linear backoff delay for an attempt number,
// counted from 1.
type retrySchedule struct {
	base time.Duration
}

func (r retrySchedule) delay(attempt int) time.Duration {
	return r.base * time.Duration(attempt)
}
