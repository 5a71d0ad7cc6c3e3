// Licensed under the MIT License. See LICENSE file in the project root for details.

package synchronization

import (
	"runtime"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/monitoring/metrics"
)

// Driver sequences the global state through one StateMachine at a time. It
// is the only writer of the global state.
type Driver struct {
	state   *StateCell
	epoch   *epoch.LightEpoch
	host    Host
	relaxed bool

	active atomic.Bool
	cycle  atomic.Pointer[Cycle]

	checkpointTask   atomic.Pointer[checkpoint.Task]
	persistedVersion atomic.Uint64
}

// NewDriver returns a driver at (Rest, 1). With relaxed set, sessions skip
// shared latching in Prepare and do not wait for their previous context to
// drain in WaitPending.
func NewDriver(e *epoch.LightEpoch, host Host, relaxed bool) *Driver {
	d := &Driver{
		state:   NewStateCell(SystemState{Phase: Rest, Version: 1}),
		epoch:   e,
		host:    host,
		relaxed: relaxed,
	}
	d.checkpointTask.Store(checkpoint.NewTask())
	metrics.SystemVersion.Set(1)
	return d
}

// State returns the global state, intermediate flag included.
func (d *Driver) State() SystemState { return d.state.Load() }

// Cell exposes the state cell for the continuation handshake.
func (d *Driver) Cell() *StateCell { return d.state }

func (d *Driver) Epoch() *epoch.LightEpoch { return d.epoch }
func (d *Driver) Host() Host               { return d.host }
func (d *Driver) Relaxed() bool            { return d.relaxed }

// Cycle returns the current or most recent machine run, nil before the first.
func (d *Driver) Cycle() *Cycle { return d.cycle.Load() }

// Active reports whether a machine is running.
func (d *Driver) Active() bool { return d.active.Load() }

// CheckpointTask returns the future resolved by the next checkpoint to complete.
func (d *Driver) CheckpointTask() *checkpoint.Task { return d.checkpointTask.Load() }

// PersistedVersion is the newest version captured by a committed log checkpoint.
func (d *Driver) PersistedVersion() uint64 { return d.persistedVersion.Load() }

// Recover moves a driver that has not run any machine to (Rest, version) and
// records persisted as already checkpointed.
func (d *Driver) Recover(version, persisted uint64) bool {
	cur := d.state.Load()
	if d.active.Load() || cur.Phase != Rest {
		return false
	}
	if !d.state.MakeTransition(cur, SystemState{Phase: Rest, Version: version}) {
		return false
	}
	d.markPersisted(persisted)
	metrics.SystemVersion.Set(float64(version))
	return true
}

// StartStateMachine begins m, or returns false when another machine is running.
func (d *Driver) StartStateMachine(m StateMachine) bool {
	if !d.active.CompareAndSwap(false, true) {
		return false
	}
	d.cycle.Store(&Cycle{Machine: m, Tokens: NewTokens()})

	// Only a continuation handshake can hold the cell while no machine runs.
	for {
		s := d.state.Load()
		if !s.IsIntermediate() && d.GlobalStateMachineStep(s) {
			return true
		}
		runtime.Gosched()
	}
}

// GlobalStateMachineStep moves the global state from expected to its
// successor, running the machine's global hooks. It returns false when
// expected is not the current state or another caller got there first.
func (d *Driver) GlobalStateMachineStep(expected SystemState) bool {
	if expected.IsIntermediate() {
		return false
	}
	intermediate := MakeIntermediate(expected)
	if !d.state.MakeTransition(expected, intermediate) {
		return false
	}
	c := d.cycle.Load()
	next := c.Machine.NextState(expected)

	for _, t := range c.Machine.Tasks() {
		t.GlobalBeforeEnteringState(next, d)
	}
	if !d.state.MakeTransition(intermediate, next) {
		// Nothing else writes the cell while it is intermediate.
		panic("state cell changed during a transition")
	}
	log.WithFields(log.Fields{"from": expected, "to": next}).Debug("global state transition")
	metrics.StateTransitionsTotal.WithLabelValues(next.Phase.String()).Inc()
	metrics.SystemVersion.Set(float64(next.Version))

	for _, t := range c.Machine.Tasks() {
		t.GlobalAfterEnteringState(next, d)
	}
	if next.Phase == Rest {
		d.active.Store(false)
	}
	return true
}

// SameCycle reports whether s belongs to the cycle the global state is in.
// For a session that means it has joined the running machine.
func (d *Driver) SameCycle(t Thread, s SystemState) bool {
	if t == nil {
		cur := RemoveIntermediate(d.state.Load())
		return StartOfCurrentCycle(s).Version == StartOfCurrentCycle(cur).Version
	}
	return t.Current().Cycle == d.cycle.Load()
}

// ThreadStateMachineStep walks t from the state it last observed to the
// global state, one phase at a time. A nil t walks on behalf of a waiter that
// is not a session.
func (d *Driver) ThreadStateMachineStep(t Thread) {
	cycle := d.cycle.Load()
	target := RemoveIntermediate(d.state.Load())
	for c := d.cycle.Load(); c != cycle; c = d.cycle.Load() {
		cycle = c
		target = RemoveIntermediate(d.state.Load())
	}
	targetStart := StartOfCurrentCycle(target)

	if t != nil {
		ctx := t.Current()
		if ctx.Version < targetStart.Version && ctx.SerialNum != -1 && d.persistedVersion.Load() >= ctx.Version {
			// The session slept through a whole checkpoint.
			t.CheckpointCompletion(ctx.Guid, checkpoint.CommitPoint{
				UntilSerialNo:     ctx.SerialNum,
				ExcludedSerialNos: t.PendingSerialNos(),
			})
		}
		if ctx.Version == targetStart.Version && ctx.Phase < Rest {
			d.issueCompletionCallback(t)
		}
	}

	if cycle == nil || target.Phase == Rest {
		if t != nil {
			ctx := t.Current()
			ctx.Phase, ctx.Version, ctx.Cycle = target.Phase, target.Version, cycle
		}
		return
	}

	threadState := target
	if t != nil {
		ctx := t.Current()
		if ctx.Cycle == cycle {
			threadState = SystemState{Phase: ctx.Phase, Version: ctx.Version}
		} else {
			threadState = targetStart
			ctx.Cycle = cycle
		}
	}

	prev := threadState
	for {
		for _, task := range cycle.Machine.Tasks() {
			task.OnThreadState(threadState, prev, d, t)
		}
		if t != nil {
			// Re-read: the slots may have rotated.
			ctx := t.Current()
			ctx.Phase, ctx.Version = threadState.Phase, threadState.Version
		}
		prev = threadState
		if prev.Word() == target.Word() {
			s := d.state.Load()
			if s.Word() == target.Word() || s.IsIntermediate() || d.cycle.Load() != cycle {
				return
			}
			target = s
		}
		threadState = cycle.Machine.NextState(threadState)
	}
}

// rotate swaps t's slots at the version bump and records the commit point of
// the slot being retired.
func (d *Driver) rotate(t Thread) {
	cur := t.Current()
	cur.ExcludedSerialNos = t.PendingSerialNos()
	if cur.SerialNum != -1 {
		d.cycle.Load().Tokens.Add(cur.Guid, checkpoint.CommitPoint{
			UntilSerialNo:     cur.SerialNum,
			ExcludedSerialNos: cur.ExcludedSerialNos,
		})
	}
	t.SwapContexts()
	prev, fresh := t.Previous(), t.Current()
	fresh.Init(prev.Guid, prev.SerialNum)
	fresh.Cycle = prev.Cycle
}

// issueCompletionCallback tells the session, once per slot, that the
// operations of its previous slot are durable.
func (d *Driver) issueCompletionCallback(t Thread) {
	p := t.Previous()
	if p.Markers[MarkerCheckpointCompletionCallback] {
		return
	}
	if p.SerialNum != -1 && d.persistedVersion.Load() >= p.Version {
		t.CheckpointCompletion(p.Guid, checkpoint.CommitPoint{
			UntilSerialNo:     p.SerialNum,
			ExcludedSerialNos: p.ExcludedSerialNos,
		})
	}
	p.Markers[MarkerCheckpointCompletionCallback] = true
}

func (d *Driver) markPersisted(version uint64) {
	for {
		cur := d.persistedVersion.Load()
		if version <= cur || d.persistedVersion.CompareAndSwap(cur, version) {
			return
		}
	}
}

// resolveCheckpoint completes the pending checkpoint future and installs the
// next one.
func (d *Driver) resolveCheckpoint(c *Cycle, kind, token string, version uint64) {
	next := checkpoint.NewTask()
	d.checkpointTask.Swap(next).Resolve(checkpoint.Linked{
		Token:    token,
		Version:  version,
		NextTask: next,
	}, c.Err())

	status := metrics.Ok
	if err := c.Err(); err != nil {
		status = metrics.Fail
		log.WithFields(log.Fields{"kind": kind, "token": token, "err": err}).Warn("checkpoint failed")
	}
	metrics.CheckpointsTotal.WithLabelValues(kind, status).Inc()
}
