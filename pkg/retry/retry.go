// Package retry wraps an async producer with fixed-interval retries.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Do runs op up to count attempts in total, waiting interval between
// attempts. notify, if non-nil, is called with the error of every failed
// attempt, including the last. On exhaustion the last error is returned.
// The delay is driven by the given clock so tests can control it.
func Do(ctx context.Context, clock clockwork.Clock, interval time.Duration, count int, op func() error, notify func(error)) error {
	if count < 1 {
		count = 1
	}
	attempt := func() error {
		err := op()
		if err != nil && notify != nil {
			notify(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(count-1)),
		ctx,
	)
	return backoff.RetryNotifyWithTimer(attempt, policy, nil, &clockTimer{clock: clock})
}

// clockTimer adapts a clockwork clock to the backoff timer interface.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
