package domain

import (
	"fmt"
	"strings"
	"time"
)

// RetryPolicy bounds how often and how quickly a call attempt is retried.
type RetryPolicy struct {
	MaxAttempts     int
	BackoffSchedule []time.Duration
	AckTimeout      time.Duration
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: maxAttempts must be >= 1", ErrValidation)
	}
	if p.AckTimeout <= 0 {
		return fmt.Errorf("%w: ackTimeout must be > 0", ErrValidation)
	}
	for i, d := range p.BackoffSchedule {
		if d < 0 {
			return fmt.Errorf("%w: backoff entry %d is negative", ErrValidation, i)
		}
		if i > 0 && d < p.BackoffSchedule[i-1] {
			return fmt.Errorf("%w: backoff schedule must be non-decreasing (entry %d)", ErrValidation, i)
		}
	}
	return nil
}

// Backoff returns the wait applied after the attemptCount-th delivery, i.e.
// schedule entry attemptCount-1. Counts past the end of the schedule reuse
// its final entry.
func (p RetryPolicy) Backoff(attemptCount int) time.Duration {
	if len(p.BackoffSchedule) == 0 {
		return 0
	}
	idx := min(max(attemptCount-1, 0), len(p.BackoffSchedule)-1)
	return p.BackoffSchedule[idx]
}

// RetryDelay is how long after its last delivery an unacknowledged SENT
// attempt waits before being redelivered. An exhausted attempt is expired as
// soon as AckTimeout passes and never waits on it.
func (p RetryPolicy) RetryDelay(attemptCount int) time.Duration {
	return max(p.AckTimeout, p.Backoff(attemptCount))
}

func (p RetryPolicy) Exhausted(attemptCount int) bool {
	return attemptCount >= p.MaxAttempts
}

// ParseBackoffSchedule parses a comma-separated list of durations, e.g. "30s,1m,2m".
func ParseBackoffSchedule(raw string) ([]time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.Split(trimmed, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid backoff duration %q", ErrValidation, part)
		}
		schedule = append(schedule, d)
	}
	return schedule, nil
}
