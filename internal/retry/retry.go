// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy controls how often and how patiently an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, the first included.
	// Values below 1 mean a single try.
	Attempts int
	// Initial is the pause before the second try; it doubles up to Max.
	Initial time.Duration
	Max     time.Duration
	// Retryable classifies errors. Nil retries everything except
	// errors marked Permanent.
	Retryable func(err error) bool
}

// Default suits short calls to a local service.
var Default = Policy{
	Attempts: 3,
	Initial:  200 * time.Millisecond,
	Max:      2 * time.Second,
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err so Do gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, the policy is exhausted, or ctx ends.
// The last error from fn is returned, joined with ctx.Err() on cancellation.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = Default.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}

	delay := p.Initial
	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(last, err)
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		var perm permanent
		if errors.As(last, &perm) {
			return perm.err
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
		if attempt == p.Attempts {
			break
		}

		slog.Debug("retrying", "attempt", attempt, "of", p.Attempts, "delay", delay, "err", last)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(last, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, p.Max)
	}
	return last
}
