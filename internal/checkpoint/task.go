// Licensed under the MIT License. See LICENSE file in the project root for details.

package checkpoint

import (
	"context"
)

// Linked is the outcome of one completed checkpoint. NextTask resolves when
// the checkpoint after it completes, so a waiter can follow the chain.
type Linked struct {
	Token    string
	Version  uint64
	NextTask *Task
}

// Task is a future resolved when a checkpoint completes.
type Task struct {
	doneCh chan struct{} // Closed to signal the checkpoint has completed.
	result Linked
	err    error
}

// NewTask returns an unresolved Task.
func NewTask() *Task { return &Task{doneCh: make(chan struct{})} }

// Done selects when Resolve is called.
func (t *Task) Done() <-chan struct{} { return t.doneCh }

// Wait blocks until the task resolves or ctx is done.
func (t *Task) Wait(ctx context.Context) (Linked, error) {
	select {
	case <-t.doneCh:
		return t.result, t.err
	case <-ctx.Done():
		return Linked{}, ctx.Err()
	}
}

// Resolve completes the task. It must be called exactly once.
func (t *Task) Resolve(result Linked, err error) {
	t.result, t.err = result, err
	close(t.doneCh)
}
