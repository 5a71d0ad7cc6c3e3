// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	waitInitialInterval = 5 * time.Microsecond
	waitMaxInterval     = time.Millisecond
)

// NewWaitBackOff returns the schedule used between checks of a cooperative wait.
// It never gives up on its own; callers stop through their context.
func NewWaitBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = waitInitialInterval
	b.MaxInterval = waitMaxInterval
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SpinWait blocks until cond returns true or ctx is done. Between checks it
// calls refresh, so the waiter keeps draining epoch actions and stepping the
// state machine, and then sleeps for the next backoff interval.
func SpinWait(ctx context.Context, cond func() bool, refresh func()) error {
	if cond() {
		return nil
	}
	b := NewWaitBackOff()
	for {
		if refresh != nil {
			refresh()
		}
		if cond() {
			return nil
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
