package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// Window is the rolling interval the call budget applies to
	Window = time.Minute

	// settleDelay is added to computed waits so the oldest call has
	// definitely left the window when the caller wakes up
	settleDelay = time.Second
)

// Clock provides the current time and a cancellable wait
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemClock returns a Clock backed by the wall clock
func SystemClock() Clock {
	return systemClock{}
}

// SlidingWindow admits at most max calls in any trailing Window.
// It is shared by every job in the process.
type SlidingWindow struct {
	max   int
	clock Clock

	// turn serializes the purge-check-wait-append sequence. It is a
	// semaphore rather than a mutex so a queued caller can give up when
	// its context ends.
	turn  *semaphore.Weighted
	calls []time.Time
}

// NewSlidingWindow creates a limiter allowing callsPerMinute calls per
// rolling minute. A non-positive budget disables limiting.
func NewSlidingWindow(callsPerMinute int) *SlidingWindow {
	return NewSlidingWindowWithClock(callsPerMinute, SystemClock())
}

// NewSlidingWindowWithClock creates a limiter with a custom clock for testing
func NewSlidingWindowWithClock(callsPerMinute int, clock Clock) *SlidingWindow {
	return &SlidingWindow{
		max:   callsPerMinute,
		clock: clock,
		turn:  semaphore.NewWeighted(1),
	}
}

// Acquire blocks until one more call fits in the window, then records it.
// The only error it returns is the context's.
func (l *SlidingWindow) Acquire(ctx context.Context) error {
	if l.max <= 0 {
		return nil
	}

	if err := l.turn.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.turn.Release(1)

	now := l.clock.Now()
	l.purge(now)

	if len(l.calls) >= l.max {
		wait := Window - now.Sub(l.calls[0]) + settleDelay
		if wait > 0 {
			slog.Info("Rate limit reached, waiting", "wait", wait, "budget", l.max)
			if err := l.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
		now = l.clock.Now()
		l.purge(now)
	}

	l.calls = append(l.calls, now)
	return nil
}

// purge drops timestamps that have left the window
func (l *SlidingWindow) purge(now time.Time) {
	i := 0
	for i < len(l.calls) && now.Sub(l.calls[i]) > Window {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
