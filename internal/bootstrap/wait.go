package bootstrap

import (
	"context"
	"time"
)

// ConditionFunc returns true when the condition is satisfied, false if
// it has not been satisfied yet.
type ConditionFunc func(ctx context.Context) (done bool, err error)

// WaitOptions configures a wait loop.
type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultWaitOptions is a reasonable default for discovery-style polls.
var DefaultWaitOptions = WaitOptions{
	Interval: 250 * time.Millisecond,
	Timeout:  10 * time.Second,
}

// UntilWithContext repeatedly runs condition until it returns true, the
// context is canceled, or the timeout elapses.
func UntilWithContext(ctx context.Context, condition ConditionFunc, options WaitOptions) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, options.Timeout)
	defer cancel()

	ticker := time.NewTicker(options.Interval)
	defer ticker.Stop()

	for {
		done, err := condition(timeoutCtx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-timeoutCtx.Done():
			return timeoutCtx.Err()
		case <-ticker.C:
		}
	}
}

// ForDuration waits out a fixed duration in a context-aware way,
// rather than a bare time.Sleep.
func ForDuration(ctx context.Context, duration time.Duration) error {
	deadline := time.Now().Add(duration)
	condition := func(ctx context.Context) (bool, error) {
		return time.Now().After(deadline), nil
	}
	options := WaitOptions{
		Interval: 250 * time.Millisecond,
		Timeout:  duration + time.Second,
	}
	return UntilWithContext(ctx, condition, options)
}

// PollUntil runs condition on every tick until it returns true, errors,
// or ctx is done.
func PollUntil(ctx context.Context, interval time.Duration, condition ConditionFunc) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := condition(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
