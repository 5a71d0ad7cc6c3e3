// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/storage/hlog"
	"github.com/kianostad/lfkv/internal/storage/index"
	"github.com/kianostad/lfkv/internal/storage/record"
	"github.com/kianostad/lfkv/internal/synchronization"
)

// TakeHybridLogCheckpoint starts a checkpoint of the log. With snapshot the
// in-memory part of the captured version is written to a delta log instead
// of being flushed in place. It returns false when another state machine is
// running.
func (s *Store[V]) TakeHybridLogCheckpoint(snapshot bool) (string, bool) {
	if !s.driver.StartStateMachine(synchronization.NewHybridLogCheckpointStateMachine(snapshot, 0)) {
		return "", false
	}
	return s.driver.Cycle().Log.Token, true
}

// TakeIndexCheckpoint starts a fuzzy checkpoint of the hash index.
func (s *Store[V]) TakeIndexCheckpoint() (string, bool) {
	if !s.driver.StartStateMachine(synchronization.NewIndexSnapshotStateMachine()) {
		return "", false
	}
	return s.driver.Cycle().Index.Token, true
}

// TakeFullCheckpoint starts an index and log checkpoint sharing one token.
func (s *Store[V]) TakeFullCheckpoint(snapshot bool) (string, bool) {
	if !s.driver.StartStateMachine(synchronization.NewFullCheckpointStateMachine(snapshot, 0)) {
		return "", false
	}
	return s.driver.Cycle().Log.Token, true
}

// TakeVersionChange moves the store to the next version, or to
// targetVersion when it is larger, without checkpointing.
func (s *Store[V]) TakeVersionChange(targetVersion uint64) bool {
	return s.driver.StartStateMachine(synchronization.NewVersionChangeStateMachine(targetVersion))
}

// CompleteCheckpoint waits until the running state machine, if any, is
// back at rest and returns its error. It helps the machine along, so it
// completes even when no session is active.
func (s *Store[V]) CompleteCheckpoint(ctx context.Context) error {
	start := time.Now()
	c := s.driver.Cycle()
	err := epoch.SpinWait(ctx, func() bool { return !s.driver.Active() }, func() {
		s.epoch.Drain()
		s.driver.ThreadStateMachineStep(nil)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordCheckpoint(time.Since(start))
	if c != nil {
		return c.Err()
	}
	return nil
}

// CheckpointTask returns the future resolved by the next checkpoint to complete.
func (s *Store[V]) CheckpointTask() *checkpoint.Task { return s.driver.CheckpointTask() }

// Recover restores the newest log checkpoint together with the newest index
// checkpoint it covers.
func (s *Store[V]) Recover(ctx context.Context) error {
	logTokens, err := s.checkpoints.GetLogCheckpointTokens()
	if err != nil {
		return errors.WithMessage(err, "listing log checkpoints")
	}
	if len(logTokens) == 0 {
		return ErrNoCheckpoint
	}
	meta, err := s.checkpoints.GetLogCheckpointMetadata(logTokens[0])
	if err != nil {
		return err
	}
	info, _, err := checkpoint.DecodeLogMetadata(meta)
	if err != nil {
		return err
	}

	indexTokens, err := s.checkpoints.GetIndexCheckpointTokens()
	if err != nil {
		return errors.WithMessage(err, "listing index checkpoints")
	}
	indexToken := ""
	for _, t := range indexTokens {
		b, err := s.checkpoints.GetIndexCheckpointMetadata(t)
		if err != nil {
			return err
		}
		ii, err := checkpoint.DecodeIndexMetadata(b)
		if err != nil {
			return err
		}
		if ii.FinalLogicalAddress <= info.FinalLogicalAddress {
			indexToken = t
			break
		}
	}
	return s.RecoverFrom(ctx, indexToken, logTokens[0])
}

// RecoverFrom restores the log checkpoint logToken and, when indexToken is
// not empty, the index checkpoint indexToken. Operations of the version
// after the checkpoint are discarded. The sessions the checkpoint lists can
// then be continued with ContinueSession.
func (s *Store[V]) RecoverFrom(ctx context.Context, indexToken, logToken string) error {
	if s.driver.Active() || s.driver.Cycle() != nil {
		return errors.New("recover needs a store that has not run a state machine")
	}
	open := false
	s.sessions.Range(func(interface{}, interface{}) bool {
		open = true
		return false
	})
	if open {
		return errors.New("recover needs a store without open sessions")
	}

	meta, err := s.checkpoints.GetLogCheckpointMetadata(logToken)
	if err != nil {
		return err
	}
	info, cookie, err := checkpoint.DecodeLogMetadata(meta)
	if err != nil {
		return err
	}

	hl := s.hlog
	if info.UseSnapshotFile {
		b, err := s.checkpoints.GetDeltaLog(logToken)
		if err != nil {
			return err
		}
		delta, err := checkpoint.DecodeDeltaLog(b)
		if err != nil {
			return err
		}
		if err := hl.WriteRecords(delta); err != nil {
			return errors.WithMessage(err, "applying delta log")
		}
	}
	if err := hl.RecoverAt(info.BeginAddress, info.FinalLogicalAddress); err != nil {
		return errors.WithMessage(err, "positioning log")
	}

	start := info.BeginAddress
	if indexToken != "" {
		if start, err = s.restoreIndex(indexToken, info); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.replay(start, info); err != nil {
		return err
	}

	if !s.driver.Recover(info.NextVersion, info.Version) {
		return errors.New("store state changed during recovery")
	}
	for guid, cp := range info.CheckpointTokens {
		s.recoveredSessions.Store(guid, cp)
	}
	s.recoveredCookie = cookie

	log.WithFields(log.Fields{
		"log":      logToken,
		"index":    indexToken,
		"version":  info.Version,
		"begin":    info.BeginAddress,
		"final":    info.FinalLogicalAddress,
		"sessions": len(info.CheckpointTokens),
	}).Info("store recovered")
	return nil
}

// restoreIndex loads an index checkpoint and rolls every entry back below
// the address the snapshot started at, since later addresses were captured
// fuzzily. It returns the address replay must start from.
func (s *Store[V]) restoreIndex(token string, info *checkpoint.HybridLogCheckpointInfo) (uint64, error) {
	b, err := s.checkpoints.GetIndexCheckpointMetadata(token)
	if err != nil {
		return 0, err
	}
	ii, err := checkpoint.DecodeIndexMetadata(b)
	if err != nil {
		return 0, err
	}
	if ii.FinalLogicalAddress > info.FinalLogicalAddress {
		return 0, errors.Errorf("index checkpoint %s ends at %d, past log checkpoint %s at %d",
			token, ii.FinalLogicalAddress, info.Token, info.FinalLogicalAddress)
	}
	snap, err := index.DecodeSnapshot(ii.Snapshot)
	if err != nil {
		return 0, err
	}
	s.index.Restore(snap)

	start := ii.StartLogicalAddress
	if start < info.BeginAddress {
		start = info.BeginAddress
	}
	for it := s.index.NewIterator(); it.Next(); {
		e := it.Entry()
		addr := e.Address()
		for addr >= start {
			r, err := s.hlog.ReadFromDevice(addr)
			if err != nil {
				return 0, err
			}
			if r == nil {
				addr = record.InvalidAddress
				break
			}
			addr = r.Info.PreviousAddress()
		}
		if addr < info.BeginAddress {
			addr = record.InvalidAddress
		}
		e.Store(addr)
	}
	return start, nil
}

// replay points the index at the newest valid record of every key in
// [start, final). Records of the version after the checkpoint are marked
// invalid on the device.
func (s *Store[V]) replay(start uint64, info *checkpoint.HybridLogCheckpointInfo) error {
	it := s.hlog.Scan(start, info.FinalLogicalAddress, hlog.DoublePageBuffering)
	defer it.Close()

	var discard []uint64
	for r, ok := it.GetNext(); ok; r, ok = it.GetNext() {
		addr := it.CurrentAddress()
		if r.Info.InVersion(info.NextVersion) {
			discard = append(discard, addr)
			continue
		}
		s.index.FindOrCreate(r.Key).Store(addr)
	}
	if err := it.Err(); err != nil {
		return errors.WithMessage(err, "replaying log")
	}
	if len(discard) == 0 {
		return nil
	}
	sort.Slice(discard, func(i, j int) bool { return discard[i] < discard[j] })
	log.WithField("records", len(discard)).Debug("discarding records of the uncommitted version")
	return errors.WithMessage(s.hlog.Invalidate(discard), "invalidating uncommitted records")
}
