// Licensed under the MIT License. See LICENSE file in the project root for details.

package synchronization

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/storage/record"
)

// ErrInvariantViolation marks protocol errors that must abort the operation.
var ErrInvariantViolation = errors.New("invariant violation")

// ContextState is the part of a session's execution context the state
// machine reads and rewrites.
type ContextState struct {
	Phase   Phase
	Version uint64
	Markers [MarkerCount]bool
	// Cycle identifies the machine run this context last walked.
	Cycle             *Cycle
	SerialNum         int64
	Guid              string
	ExcludedSerialNos []int64
}

// Init resets c the way a fresh session context starts: at Rest, version 1,
// behind any version the store could be at.
func (c *ContextState) Init(guid string, serialNum int64) {
	*c = ContextState{Phase: Rest, Version: 1, SerialNum: serialNum, Guid: guid, Cycle: c.Cycle}
}

// Thread is a session as seen by the state machine.
type Thread interface {
	Handle() *epoch.Handle
	Current() *ContextState
	Previous() *ContextState
	// AcquireSharedLatches latches the bucket of every pending and retry
	// operation queued on the current slot.
	AcquireSharedLatches()
	// SwapContexts exchanges the two slots. Operations queued on the current
	// slot move to the previous one with it; the new current slot starts empty.
	SwapContexts()
	// PendingSerialNos lists the serial numbers queued on the current slot.
	PendingSerialNos() []int64
	PreviousHasNoPendingRequests() bool
	CheckpointCompletion(guid string, cp checkpoint.CommitPoint)
}

// Host is the store the tasks act on.
type Host interface {
	ShiftReadOnlyToTail() uint64
	TailAddress() uint64
	HeadAddress() uint64
	BeginAddress() uint64
	FlushedUntilAddress() uint64
	// FlushError returns the error of the last failed log flush, nil when
	// flushing works.
	FlushError() error
	// SnapshotLog captures the in-memory records in [from, to) for a delta log.
	SnapshotLog(from, to uint64) (delta []byte, err error)
	// SnapshotIndex captures a fuzzy index snapshot and returns it encoded
	// with its bucket count.
	SnapshotIndex() (snapshot []byte, buckets uint64, err error)
	// DormantCommitPoints returns commit points of sessions that did not take
	// part in the cycle ending at nextVersion: idle sessions and recovered
	// sessions nobody has continued.
	DormantCommitPoints(nextVersion uint64) map[string]checkpoint.CommitPoint
	Checkpoints() checkpoint.Manager
	CommitCookie() []byte
}

// Task is a unit of work attached to phase transitions.
type Task interface {
	// GlobalBeforeEnteringState runs once, on the transition winner, before
	// the state becomes visible.
	GlobalBeforeEnteringState(next SystemState, d *Driver)
	// GlobalAfterEnteringState runs once, on the transition winner, after
	// the state became visible.
	GlobalAfterEnteringState(next SystemState, d *Driver)
	// OnThreadState runs on every session walking through current. t is nil
	// for waiters that are not sessions.
	OnThreadState(current, prev SystemState, d *Driver, t Thread)
}

// StateMachine is a composition of tasks over a phase sequence.
type StateMachine interface {
	Tasks() []Task
	// NextState returns the successor of start. It is pure: every session
	// computing it for the same start agrees.
	NextState(start SystemState) SystemState
}

// Tokens collects the commit points of sessions taking part in a cycle.
type Tokens struct {
	mu sync.Mutex
	m  map[string]checkpoint.CommitPoint
}

// NewTokens returns an empty collection.
func NewTokens() *Tokens {
	return &Tokens{m: make(map[string]checkpoint.CommitPoint)}
}

// Add records cp for guid unless guid already has one.
func (t *Tokens) Add(guid string, cp checkpoint.CommitPoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[guid]; ok {
		return false
	}
	t.m[guid] = cp
	return true
}

// Get returns the commit point of guid.
func (t *Tokens) Get(guid string) (checkpoint.CommitPoint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.m[guid]
	return cp, ok
}

// Snapshot returns a copy of the collection.
func (t *Tokens) Snapshot() map[string]checkpoint.CommitPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]checkpoint.CommitPoint, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// Cycle is the state of one machine run. Log, Index and Delta are written
// only by transition winners.
type Cycle struct {
	Machine StateMachine
	Tokens  *Tokens

	Log   *checkpoint.HybridLogCheckpointInfo
	Index *checkpoint.IndexCheckpointInfo
	Delta []byte

	mu  sync.Mutex
	err error
}

// fail records the first error of the cycle. Sessions may call it concurrently.
func (c *Cycle) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the first error the cycle ran into.
func (c *Cycle) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// nextVersion returns the version a cycle starting at start moves to. A
// target of zero means start+1. The result never shares its low
// record.VersionBits bits with start.
func nextVersion(start, target uint64) uint64 {
	next := start + 1
	if target > start {
		next = target
	}
	if (next-start)&record.VersionMask == 0 {
		next++
	}
	return next
}

func invalidPhase(s SystemState) {
	panic(errors.Wrapf(ErrInvariantViolation, "no successor for state %s", s))
}

// versionChangeNext is the phase sequence shared by every machine that bumps
// the version.
func versionChangeNext(start SystemState, target uint64) SystemState {
	next := start
	switch start.Phase {
	case Rest:
		next.Phase = Prepare
	case Prepare:
		next.Phase = InProgress
		next.Version = nextVersion(start.Version, target)
	case InProgress:
		next.Phase = WaitPending
	case WaitPending:
		next.Phase = Rest
	default:
		invalidPhase(start)
	}
	return next
}

// VersionChangeStateMachine captures a version without persisting it.
type VersionChangeStateMachine struct {
	tasks         []Task
	targetVersion uint64
}

// NewVersionChangeStateMachine moves the store to targetVersion, or to the
// next version when targetVersion is zero, and folds the log over at the end.
func NewVersionChangeStateMachine(targetVersion uint64) *VersionChangeStateMachine {
	return &VersionChangeStateMachine{
		tasks:         []Task{VersionChangeTask{}, FoldOverTask{}},
		targetVersion: targetVersion,
	}
}

func (m *VersionChangeStateMachine) Tasks() []Task { return m.tasks }

func (m *VersionChangeStateMachine) NextState(start SystemState) SystemState {
	return versionChangeNext(start, m.targetVersion)
}

// VersionChangeTask drives sessions across a version bump.
type VersionChangeTask struct{}

func (VersionChangeTask) GlobalBeforeEnteringState(SystemState, *Driver) {}
func (VersionChangeTask) GlobalAfterEnteringState(SystemState, *Driver)  {}

func (VersionChangeTask) OnThreadState(current, prev SystemState, d *Driver, t Thread) {
	switch current.Phase {
	case Prepare:
		if t != nil {
			ctx := t.Current()
			if !ctx.Markers[MarkerPrepare] {
				if !d.relaxed {
					t.AcquireSharedLatches()
				}
				ctx.Markers[MarkerPrepare] = true
			}
			t.Handle().Mark(MarkerPrepare, current.Version)
		}
		if d.epoch.CheckIsComplete(MarkerPrepare, current.Version) {
			d.GlobalStateMachineStep(current)
		}

	case InProgress:
		if t != nil {
			// The slots rotate here, so a session coming back to this phase
			// finds its marker on the previous slot.
			ctx := t.Current()
			if prev.Phase == InProgress {
				ctx = t.Previous()
			}
			if !d.SameCycle(t, current) {
				return
			}
			if !ctx.Markers[MarkerInProgress] {
				d.rotate(t)
				t.Previous().Markers[MarkerInProgress] = true
			}
			t.Handle().Mark(MarkerInProgress, current.Version)
		}
		if d.epoch.CheckIsComplete(MarkerInProgress, current.Version) {
			d.GlobalStateMachineStep(current)
		}

	case WaitPending:
		if t != nil {
			p := t.Previous()
			if !d.relaxed && !p.Markers[MarkerWaitPending] {
				if !t.PreviousHasNoPendingRequests() {
					return
				}
				p.Markers[MarkerWaitPending] = true
			}
			t.Handle().Mark(MarkerWaitPending, current.Version)
		}
		if d.epoch.CheckIsComplete(MarkerWaitPending, current.Version) {
			d.GlobalStateMachineStep(current)
		}
	}
}

// FoldOverTask makes the captured version read-only before the cycle ends.
type FoldOverTask struct{}

func (FoldOverTask) GlobalBeforeEnteringState(next SystemState, d *Driver) {
	if next.Phase == Rest {
		d.host.ShiftReadOnlyToTail()
	}
}

func (FoldOverTask) GlobalAfterEnteringState(SystemState, *Driver)             {}
func (FoldOverTask) OnThreadState(SystemState, SystemState, *Driver, Thread) {}
