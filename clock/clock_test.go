package clock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/go-cas/clock"
	clocktest "github.com/ceramicnetwork/go-cas/clock/testing"
)

func TestRealClock_NowIsUTC(t *testing.T) {
	c := clock.New()
	require.Equal(t, time.UTC, c.Now().Location())
}

func TestRealClock_SleepCancelled(t *testing.T) {
	c := clock.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFakeClock_SleepReleasedByAdvance(t *testing.T) {
	f := clocktest.NewFakeClock(time.Unix(1000, 0))
	done := make(chan error, 1)
	go func() {
		done <- f.Sleep(context.Background(), time.Minute)
	}()

	// Not enough time has passed; the sleep must still be pending.
	f.Advance(30 * time.Second)
	select {
	case <-done:
		t.Fatal("sleep returned before deadline")
	case <-time.After(50 * time.Millisecond):
	}

	f.Advance(30 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not return after deadline")
	}
}

func TestFakeClock_SleepCancelled(t *testing.T) {
	f := clocktest.NewFakeClock(time.Unix(1000, 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.Sleep(ctx, time.Minute)
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sleep did not observe cancellation")
	}
}
