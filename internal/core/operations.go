// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"github.com/kianostad/lfkv/internal/storage/index"
	"github.com/kianostad/lfkv/internal/storage/record"
	"github.com/kianostad/lfkv/internal/synchronization"
)

// cprState is the outcome of the phase checks a write makes before it
// touches the latest record of its key.
type cprState struct {
	latch    latch
	forceNew bool
}

// latest returns the in-memory record at addr, or nil when it lives on the
// device or nowhere.
func (s *ClientSession[V, I, O, C]) latest(addr uint64) *record.Record[V] {
	if addr == record.InvalidAddress || addr < s.store.hlog.HeadAddress() {
		return nil
	}
	r, _ := s.store.hlog.Get(addr)
	return r
}

// checkCPR decides how a write issued under ctx may treat latest. A record
// on the device counts as older than any version in flight. When the
// returned status is not Success the write stops and holds no latch.
func (s *ClientSession[V, I, O, C]) checkCPR(ctx *ExecutionContext[V, I, O, C], bucket uint64, latest *record.Record[V]) (cprState, OperationStatus) {
	var out cprState
	if ctx.Phase == synchronization.Rest {
		return out, Success
	}
	newer := latest != nil && latest.Info.NewerThan(ctx.Version)
	older := latest == nil || (!newer && !latest.Info.InVersion(ctx.Version))

	if s.store.cfg.RelaxedCPR {
		out.forceNew = ctx.Phase < synchronization.Rest && older && ctx.Phase != synchronization.Prepare
		return out, Success
	}

	idx := s.store.index
	switch ctx.Phase {
	case synchronization.Prepare:
		if !idx.TryAcquireSharedLatch(bucket) {
			return out, CPRShiftDetected
		}
		if newer {
			idx.ReleaseSharedLatch(bucket)
			return out, CPRShiftDetected
		}
		out.latch = sharedLatch
	case synchronization.InProgress:
		if older {
			if !idx.TryAcquireExclusiveLatch(bucket) {
				return out, RetryLater
			}
			out.latch = exclusiveLatch
			out.forceNew = true
		}
	case synchronization.WaitPending:
		if older {
			if !idx.NoSharedLatches(bucket) {
				return out, RetryLater
			}
			out.forceNew = true
		}
	default:
		if ctx.Phase < synchronization.Rest && older {
			out.forceNew = true
		}
	}
	return out, Success
}

// finish releases the latch a write took, unless it handed a shared latch
// over to the queued operation.
func (s *ClientSession[V, I, O, C]) finish(pc *PendingContext[V, I, O, C], bucket uint64, cs cprState, st OperationStatus) OperationStatus {
	idx := s.store.index
	switch cs.latch {
	case sharedLatch:
		if st == RetryLater || st == RecordOnDisk {
			pc.heldLatch, pc.bucket = sharedLatch, bucket
		} else {
			idx.ReleaseSharedLatch(bucket)
		}
	case exclusiveLatch:
		idx.ReleaseExclusiveLatch(bucket)
	}
	return st
}

func (s *ClientSession[V, I, O, C]) releaseLatch(pc *PendingContext[V, I, O, C]) {
	if pc.heldLatch == sharedLatch {
		s.store.index.ReleaseSharedLatch(pc.bucket)
	}
	pc.heldLatch = noLatch
}

// inPlace reports whether latest at addr may be updated where it is.
func (s *ClientSession[V, I, O, C]) inPlace(ctx *ExecutionContext[V, I, O, C], addr uint64, latest *record.Record[V], cs cprState) bool {
	if cs.forceNew || latest == nil || latest.Info.Tombstone() || addr < s.store.hlog.ReadOnlyAddress() {
		return false
	}
	return ctx.Phase >= synchronization.Rest || latest.Info.InVersion(ctx.Version)
}

// appendRecord writes a new record for the key of entry at the tail and
// links it in place of expected.
func (s *ClientSession[V, I, O, C]) appendRecord(ctx *ExecutionContext[V, I, O, C], pc *PendingContext[V, I, O, C], entry *index.Entry, expected uint64, value V, tombstone bool) OperationStatus {
	hl := s.store.hlog
	addr, ok := hl.Allocate()
	if !ok {
		return AllocateFailed
	}
	r := record.New(record.NewInfo(ctx.Version, expected, tombstone), pc.key, value)
	hl.Publish(addr, r)
	if !entry.CompareAndSwap(expected, addr) {
		hl.Publish(addr, r.WithInfo(r.Info.WithInvalid()))
		return RetryNow
	}
	pc.address, pc.info = addr, r.Info
	return Success
}

func (s *ClientSession[V, I, O, C]) internalRead(ctx *ExecutionContext[V, I, O, C], pc *PendingContext[V, I, O, C]) OperationStatus {
	entry := s.store.index.Find(pc.key)
	if entry == nil {
		return OpNotFound
	}
	addr := entry.Address()
	if addr == record.InvalidAddress {
		return OpNotFound
	}

	hl := s.store.hlog
	if addr >= hl.HeadAddress() {
		r, ok := hl.Get(addr)
		if !ok {
			// Evicted underneath us, or not visible yet.
			return RetryNow
		}
		if ctx.Phase == synchronization.Prepare && !s.store.cfg.RelaxedCPR && r.Info.NewerThan(ctx.Version) {
			return CPRShiftDetected
		}
		pc.address, pc.info = addr, r.Info
		if r.Info.Tombstone() {
			return OpNotFound
		}
		if addr >= hl.SafeReadOnlyAddress() {
			s.fns.ConcurrentReader(pc.key, pc.input, r.Value, &pc.output)
		} else {
			s.fns.SingleReader(pc.key, pc.input, r.Value, &pc.output)
		}
		return Success
	}

	if addr >= hl.BeginAddress() {
		pc.address, pc.entryAddress = addr, addr
		pc.bucket = s.store.index.Bucket(pc.key)
		return RecordOnDisk
	}
	return OpNotFound
}

func (s *ClientSession[V, I, O, C]) internalUpsert(ctx *ExecutionContext[V, I, O, C], pc *PendingContext[V, I, O, C]) OperationStatus {
	idx := s.store.index
	entry := idx.FindOrCreate(pc.key)
	bucket := idx.Bucket(pc.key)
	addr := entry.Address()
	latest := s.latest(addr)

	cs, st := s.checkCPR(ctx, bucket, latest)
	if st != Success {
		return st
	}

	if s.inPlace(ctx, addr, latest, cs) {
		v := record.CloneValue(latest.Value)
		if s.fns.ConcurrentWriter(pc.key, pc.value, &v) {
			if !s.store.hlog.CompareAndSwap(addr, latest, latest.WithValue(v)) {
				return s.finish(pc, bucket, cs, RetryNow)
			}
			pc.address, pc.info = addr, latest.Info
			return s.finish(pc, bucket, cs, Success)
		}
	}

	var v V
	s.fns.SingleWriter(pc.key, pc.value, &v)
	return s.finish(pc, bucket, cs, s.appendRecord(ctx, pc, entry, addr, v, false))
}

func (s *ClientSession[V, I, O, C]) internalRMW(ctx *ExecutionContext[V, I, O, C], pc *PendingContext[V, I, O, C]) OperationStatus {
	idx := s.store.index
	hl := s.store.hlog
	entry := idx.FindOrCreate(pc.key)
	bucket := idx.Bucket(pc.key)
	addr := entry.Address()
	latest := s.latest(addr)
	if latest == nil && addr >= hl.HeadAddress() && addr != record.InvalidAddress {
		return RetryNow
	}

	cs, st := s.checkCPR(ctx, bucket, latest)
	if st != Success {
		return st
	}

	if s.inPlace(ctx, addr, latest, cs) {
		v := record.CloneValue(latest.Value)
		out := pc.output
		if s.fns.InPlaceUpdater(pc.key, pc.input, &v, &out) {
			if !hl.CompareAndSwap(addr, latest, latest.WithValue(v)) {
				return s.finish(pc, bucket, cs, RetryNow)
			}
			pc.output = out
			pc.address, pc.info = addr, latest.Info
			return s.finish(pc, bucket, cs, Success)
		}
	} else if !cs.forceNew && latest != nil && addr >= hl.SafeReadOnlyAddress() && addr < hl.ReadOnlyAddress() {
		// Another session may still update this record in place.
		return s.finish(pc, bucket, cs, RetryLater)
	}

	if latest == nil && addr != record.InvalidAddress && addr >= hl.BeginAddress() {
		pc.address, pc.entryAddress = addr, addr
		pc.bucket = bucket
		return s.finish(pc, bucket, cs, RecordOnDisk)
	}

	var v V
	if latest == nil || latest.Info.Tombstone() {
		s.fns.InitialUpdater(pc.key, pc.input, &v, &pc.output)
	} else {
		s.fns.CopyUpdater(pc.key, pc.input, latest.Value, &v, &pc.output)
	}
	return s.finish(pc, bucket, cs, s.appendRecord(ctx, pc, entry, addr, v, false))
}

func (s *ClientSession[V, I, O, C]) internalDelete(ctx *ExecutionContext[V, I, O, C], pc *PendingContext[V, I, O, C]) OperationStatus {
	idx := s.store.index
	entry := idx.Find(pc.key)
	if entry == nil || entry.Address() == record.InvalidAddress {
		return OpNotFound
	}
	bucket := idx.Bucket(pc.key)
	addr := entry.Address()
	latest := s.latest(addr)

	cs, st := s.checkCPR(ctx, bucket, latest)
	if st != Success {
		return st
	}

	if latest != nil && latest.Info.Tombstone() && !cs.forceNew {
		pc.address, pc.info = addr, latest.Info
		return s.finish(pc, bucket, cs, Success)
	}
	if s.inPlace(ctx, addr, latest, cs) {
		dead := latest.WithInfo(latest.Info.WithTombstone())
		if !s.store.hlog.CompareAndSwap(addr, latest, dead) {
			return s.finish(pc, bucket, cs, RetryNow)
		}
		pc.address, pc.info = addr, dead.Info
		return s.finish(pc, bucket, cs, Success)
	}

	var zero V
	return s.finish(pc, bucket, cs, s.appendRecord(ctx, pc, entry, addr, zero, true))
}
