// Package clock provides the time source used by the anchoring pipeline.
// Production code takes a Clock so batch-timing behaviour can be driven
// deterministically from tests.
package clock

import (
	"context"
	"time"
)

// Clock supplies the current instant and a cancellable sleep.
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// New returns a Clock backed by the system clock.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
