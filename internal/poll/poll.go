// Package poll provides the fixed-interval wait loop shared by every
// suspension point: instance power-state waits, service readiness waits
// and job-completion polling.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Until when the predicate never held within
// the timeout.
var ErrTimeout = errors.New("timed out")

// Clock abstracts time so wait loops can run on virtual time in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Check reports whether the awaited condition holds.  A non-nil error
// aborts the wait immediately.
type Check func(ctx context.Context) (done bool, err error)

// Until evaluates check, then sleeps interval, until check reports done,
// check fails, ctx is cancelled or timeout has elapsed since the first
// evaluation.  The check always runs at least once.
func Until(ctx context.Context, clock Clock, interval, timeout time.Duration, check Check) error {
	start := clock.Now()
	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if clock.Now().Sub(start)+interval > timeout {
			return ErrTimeout
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}
