// Licensed under the MIT License. See LICENSE file in the project root for details.

package synchronization

import (
	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/monitoring/metrics"
)

// Checkpoint kinds, used in logs and metrics.
const (
	KindFoldOver = "fold-over"
	KindSnapshot = "snapshot"
	KindIndex    = "index"
)

// HybridLogCheckpointStateMachine persists one version of the log.
type HybridLogCheckpointStateMachine struct {
	tasks         []Task
	targetVersion uint64
}

// NewHybridLogCheckpointStateMachine checkpoints the log. With snapshot the
// unflushed tail is captured into a delta log; otherwise the log is folded
// over and the checkpoint waits for the flush.
func NewHybridLogCheckpointStateMachine(snapshot bool, targetVersion uint64) *HybridLogCheckpointStateMachine {
	return &HybridLogCheckpointStateMachine{
		tasks:         []Task{VersionChangeTask{}, HybridLogCheckpointTask{Snapshot: snapshot}},
		targetVersion: targetVersion,
	}
}

func (m *HybridLogCheckpointStateMachine) Tasks() []Task { return m.tasks }

func (m *HybridLogCheckpointStateMachine) NextState(start SystemState) SystemState {
	return hybridLogNext(start, m.targetVersion)
}

func hybridLogNext(start SystemState, target uint64) SystemState {
	next := start
	switch start.Phase {
	case WaitPending:
		next.Phase = WaitFlush
	case WaitFlush:
		next.Phase = PersistenceCallback
	case PersistenceCallback:
		next.Phase = Rest
	default:
		return versionChangeNext(start, target)
	}
	return next
}

// IndexSnapshotStateMachine takes a fuzzy index checkpoint without touching
// the version.
type IndexSnapshotStateMachine struct {
	tasks []Task
}

func NewIndexSnapshotStateMachine() *IndexSnapshotStateMachine {
	return &IndexSnapshotStateMachine{tasks: []Task{IndexSnapshotTask{IndexOnly: true}}}
}

func (m *IndexSnapshotStateMachine) Tasks() []Task { return m.tasks }

func (m *IndexSnapshotStateMachine) NextState(start SystemState) SystemState {
	next := start
	switch start.Phase {
	case Rest:
		next.Phase = PrepIndexCheckpoint
	case PrepIndexCheckpoint:
		next.Phase = WaitIndexOnlyCheckpoint
	case WaitIndexOnlyCheckpoint:
		next.Phase = Rest
	default:
		invalidPhase(start)
	}
	return next
}

// FullCheckpointStateMachine checkpoints the index and the log under one token.
type FullCheckpointStateMachine struct {
	tasks         []Task
	targetVersion uint64
}

func NewFullCheckpointStateMachine(snapshot bool, targetVersion uint64) *FullCheckpointStateMachine {
	return &FullCheckpointStateMachine{
		tasks: []Task{
			VersionChangeTask{},
			FullCheckpointTask{},
			HybridLogCheckpointTask{Snapshot: snapshot},
			IndexSnapshotTask{},
		},
		targetVersion: targetVersion,
	}
}

func (m *FullCheckpointStateMachine) Tasks() []Task { return m.tasks }

func (m *FullCheckpointStateMachine) NextState(start SystemState) SystemState {
	next := start
	switch start.Phase {
	case Rest:
		next.Phase = PrepIndexCheckpoint
	case PrepIndexCheckpoint:
		next.Phase = Prepare
	case WaitPending:
		next.Phase = WaitIndexCheckpoint
	case WaitIndexCheckpoint:
		next.Phase = WaitFlush
	default:
		return hybridLogNext(start, m.targetVersion)
	}
	return next
}

// HybridLogCheckpointTask captures the log range of a version and writes its
// metadata.
type HybridLogCheckpointTask struct {
	Snapshot bool
}

func (t HybridLogCheckpointTask) kind() string {
	if t.Snapshot {
		return KindSnapshot
	}
	return KindFoldOver
}

func (t HybridLogCheckpointTask) GlobalBeforeEnteringState(next SystemState, d *Driver) {
	c, h := d.cycle.Load(), d.host

	switch next.Phase {
	case Prepare:
		if c.Log == nil {
			c.Log = &checkpoint.HybridLogCheckpointInfo{Token: uuid.NewString()}
		}
		c.Log.Version = next.Version
		c.Log.UseSnapshotFile = t.Snapshot
		c.Log.StartLogicalAddress = h.TailAddress()

	case WaitFlush:
		c.Log.HeadAddress = h.HeadAddress()
		c.Log.BeginAddress = h.BeginAddress()
		c.Log.NextVersion = next.Version

		if !t.Snapshot {
			c.Log.FinalLogicalAddress = h.ShiftReadOnlyToTail()
			c.Log.FlushedLogicalAddress = c.Log.FinalLogicalAddress
			return
		}
		final := h.TailAddress()
		from := h.FlushedUntilAddress()
		if from > final {
			from = final
		}
		delta, err := h.SnapshotLog(from, final)
		if err != nil {
			c.fail(errors.WithMessage(err, "capturing delta log"))
		}
		// Records evicted while capturing are below the new flushed address.
		flushed := h.FlushedUntilAddress()
		if flushed > final {
			flushed = final
		}
		c.Log.FinalLogicalAddress = final
		c.Log.FlushedLogicalAddress = flushed
		c.Delta = delta

	case PersistenceCallback:
		t.commit(next, d, c)

	case Rest:
		d.resolveCheckpoint(c, t.kind(), c.Log.Token, c.Log.Version)
	}
}

// commit collects the commit points of every session and writes metadata.
func (t HybridLogCheckpointTask) commit(next SystemState, d *Driver, c *Cycle) {
	h := d.host
	for guid, cp := range h.DormantCommitPoints(next.Version) {
		c.Tokens.Add(guid, cp)
	}
	c.Log.CheckpointTokens = c.Tokens.Snapshot()
	if c.Err() != nil {
		return
	}

	meta, err := checkpoint.EncodeLogMetadata(c.Log, h.CommitCookie())
	if err == nil {
		if t.Snapshot {
			err = h.Checkpoints().CommitLogIncrementalCheckpoint(c.Log.Token, c.Log.Version, meta, c.Delta)
		} else {
			err = h.Checkpoints().CommitLogCheckpoint(c.Log.Token, meta)
		}
	}
	if err != nil {
		c.fail(errors.WithMessage(err, "committing log checkpoint"))
		return
	}
	d.markPersisted(c.Log.Version)

	size := uint64(len(meta) + len(c.Delta))
	metrics.CheckpointBytesTotal.Add(float64(size))
	log.WithFields(log.Fields{
		"token":    c.Log.Token,
		"kind":     t.kind(),
		"version":  c.Log.Version,
		"start":    c.Log.StartLogicalAddress,
		"final":    c.Log.FinalLogicalAddress,
		"sessions": len(c.Log.CheckpointTokens),
		"size":     humanize.Bytes(size),
	}).Debug("committed log checkpoint")
}

func (t HybridLogCheckpointTask) GlobalAfterEnteringState(SystemState, *Driver) {}

func (t HybridLogCheckpointTask) OnThreadState(current, _ SystemState, d *Driver, th Thread) {
	switch current.Phase {
	case WaitFlush:
		if th == nil || !th.Previous().Markers[MarkerWaitFlush] {
			if !t.Snapshot && d.SameCycle(th, current) {
				c := d.cycle.Load()
				if d.host.FlushedUntilAddress() < c.Log.FinalLogicalAddress {
					err := d.host.FlushError()
					if err == nil {
						return
					}
					// The flush will not catch up; fail the cycle and let
					// the machine run to rest.
					c.fail(errors.WithMessage(err, "flushing checkpoint"))
				}
			}
			if th != nil {
				th.Previous().Markers[MarkerWaitFlush] = true
			}
		}
		if th != nil {
			th.Handle().Mark(MarkerWaitFlush, current.Version)
		}
		if d.epoch.CheckIsComplete(MarkerWaitFlush, current.Version) {
			d.GlobalStateMachineStep(current)
		}

	case PersistenceCallback:
		if th != nil {
			d.issueCompletionCallback(th)
			th.Handle().Mark(MarkerCheckpointCompletionCallback, current.Version)
		}
		if d.epoch.CheckIsComplete(MarkerCheckpointCompletionCallback, current.Version) {
			d.GlobalStateMachineStep(current)
		}
	}
}

// IndexSnapshotTask takes a fuzzy snapshot of the index. With IndexOnly it
// also writes the index metadata and resolves the checkpoint future.
type IndexSnapshotTask struct {
	IndexOnly bool
}

func (t IndexSnapshotTask) GlobalBeforeEnteringState(next SystemState, d *Driver) {
	c, h := d.cycle.Load(), d.host

	switch next.Phase {
	case PrepIndexCheckpoint:
		if c.Index == nil {
			c.Index = &checkpoint.IndexCheckpointInfo{Token: uuid.NewString()}
		}
		c.Index.StartLogicalAddress = h.TailAddress()
		snap, buckets, err := h.SnapshotIndex()
		if err != nil {
			c.fail(errors.WithMessage(err, "taking index snapshot"))
		}
		c.Index.Snapshot, c.Index.Buckets = snap, buckets

	case Rest:
		if !t.IndexOnly {
			return
		}
		if c.Index.FinalLogicalAddress == 0 {
			c.Index.FinalLogicalAddress = h.TailAddress()
		}
		commitIndex(d, c)
		d.resolveCheckpoint(c, KindIndex, c.Index.Token, next.Version)
	}
}

func (IndexSnapshotTask) GlobalAfterEnteringState(SystemState, *Driver) {}

// The snapshot is taken synchronously on entry, so the wait phases have
// nothing to wait for.
func (IndexSnapshotTask) OnThreadState(current, _ SystemState, d *Driver, _ Thread) {
	switch current.Phase {
	case PrepIndexCheckpoint, WaitIndexCheckpoint, WaitIndexOnlyCheckpoint:
		d.GlobalStateMachineStep(current)
	}
}

// FullCheckpointTask ties the index and log checkpoints to one token.
type FullCheckpointTask struct{}

func (FullCheckpointTask) GlobalBeforeEnteringState(next SystemState, d *Driver) {
	c := d.cycle.Load()

	switch next.Phase {
	case PrepIndexCheckpoint:
		token := uuid.NewString()
		c.Index = &checkpoint.IndexCheckpointInfo{Token: token}
		c.Log = &checkpoint.HybridLogCheckpointInfo{Token: token}
	case PersistenceCallback:
		c.Index.FinalLogicalAddress = c.Log.FinalLogicalAddress
		commitIndex(d, c)
	}
}

func (FullCheckpointTask) GlobalAfterEnteringState(SystemState, *Driver)             {}
func (FullCheckpointTask) OnThreadState(SystemState, SystemState, *Driver, Thread) {}

func commitIndex(d *Driver, c *Cycle) {
	if c.Err() != nil {
		return
	}
	meta, err := checkpoint.EncodeIndexMetadata(c.Index)
	if err == nil {
		err = d.host.Checkpoints().CommitIndexCheckpoint(c.Index.Token, meta)
	}
	if err != nil {
		c.fail(errors.WithMessage(err, "committing index checkpoint"))
		return
	}
	metrics.CheckpointBytesTotal.Add(float64(len(meta)))
	log.WithFields(log.Fields{
		"token":   c.Index.Token,
		"buckets": c.Index.Buckets,
		"start":   c.Index.StartLogicalAddress,
		"final":   c.Index.FinalLogicalAddress,
		"size":    humanize.Bytes(uint64(len(meta))),
	}).Debug("committed index checkpoint")
}
