// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"io"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/monitoring/metrics"
	"github.com/kianostad/lfkv/internal/storage/hlog"
	"github.com/kianostad/lfkv/internal/storage/index"
	"github.com/kianostad/lfkv/internal/storage/record"
	"github.com/kianostad/lfkv/internal/synchronization"
)

// LogAccessor exposes the region boundaries of the store's hybrid log and
// the operations that move them.
type LogAccessor[V any] struct {
	store *Store[V]
}

func (a *LogAccessor[V]) TailAddress() uint64         { return a.store.hlog.TailAddress() }
func (a *LogAccessor[V]) ReadOnlyAddress() uint64     { return a.store.hlog.ReadOnlyAddress() }
func (a *LogAccessor[V]) SafeReadOnlyAddress() uint64 { return a.store.hlog.SafeReadOnlyAddress() }
func (a *LogAccessor[V]) HeadAddress() uint64         { return a.store.hlog.HeadAddress() }
func (a *LogAccessor[V]) SafeHeadAddress() uint64     { return a.store.hlog.SafeHeadAddress() }
func (a *LogAccessor[V]) BeginAddress() uint64        { return a.store.hlog.BeginAddress() }
func (a *LogAccessor[V]) FlushedUntilAddress() uint64 { return a.store.hlog.FlushedUntilAddress() }

// PageSize is the number of addresses per log page.
func (a *LogAccessor[V]) PageSize() uint64 { return a.store.hlog.PageSize() }

// ShiftBeginAddress drops every record below address.
func (a *LogAccessor[V]) ShiftBeginAddress(address uint64, snapToPageStart bool) {
	a.store.hlog.ShiftBeginAddress(address, snapToPageStart)
}

// ShiftReadOnlyAddress makes records below address immutable. With wait it
// returns once they are flushed.
func (a *LogAccessor[V]) ShiftReadOnlyAddress(ctx context.Context, address uint64, wait bool) error {
	return a.store.hlog.ShiftReadOnlyAddress(ctx, address, wait)
}

// ShiftHeadAddress evicts records below address from memory. With wait it
// returns once they are gone.
func (a *LogAccessor[V]) ShiftHeadAddress(ctx context.Context, address uint64, wait bool) error {
	return a.store.hlog.ShiftHeadAddress(ctx, address, wait)
}

// Subscribe attaches an observer for records becoming read-only.
func (a *LogAccessor[V]) Subscribe(o hlog.Observer[V]) io.Closer {
	return a.store.hlog.SubscribeReadOnly(o)
}

// SubscribeEvictions attaches an observer for records leaving memory.
func (a *LogAccessor[V]) SubscribeEvictions(o hlog.Observer[V]) io.Closer {
	return a.store.hlog.SubscribeEvictions(o)
}

// Scan iterates the valid records in [begin, end).
func (a *LogAccessor[V]) Scan(begin, end uint64, mode hlog.BufferingMode) *hlog.Iterator[V] {
	return a.store.hlog.Scan(begin, end, mode)
}

func (a *LogAccessor[V]) Flush(ctx context.Context, wait bool) error {
	return a.store.hlog.Flush(ctx, wait)
}

func (a *LogAccessor[V]) FlushAndEvict(ctx context.Context, wait bool) error {
	return a.store.hlog.FlushAndEvict(ctx, wait)
}

func (a *LogAccessor[V]) DisposeFromMemory(ctx context.Context) error {
	return a.store.hlog.DisposeFromMemory(ctx)
}

// Compact copies every live record below until to the tail, so the log
// can be truncated at until. A record is live when the index still points
// at it, it is not a tombstone and fns does not report it deleted. With
// shiftBegin the begin address moves to until afterwards. It returns the
// address compaction reached.
func (a *LogAccessor[V]) Compact(ctx context.Context, fns CompactionFunctions[V], until uint64, shiftBegin bool) (uint64, error) {
	s := a.store
	if fns == nil {
		fns = DefaultCompactionFunctions[V]{}
	}
	if ro := s.hlog.SafeReadOnlyAddress(); until > ro {
		until = ro
	}
	begin := s.hlog.BeginAddress()
	if until <= begin {
		return begin, nil
	}

	h, err := s.epoch.Acquire()
	if errors.Is(err, epoch.ErrTableFull) {
		return begin, ErrSessionTableFull
	} else if err != nil {
		return begin, err
	}
	defer h.Release()
	h.ProtectAndDrain()

	it := s.hlog.Scan(begin, until, hlog.SinglePageBuffering)
	defer it.Close()

	var copied, seen int
	for r, ok := it.GetNext(); ok; r, ok = it.GetNext() {
		if seen++; seen%256 == 0 {
			h.ProtectAndDrain()
		}
		if err := ctx.Err(); err != nil {
			return it.CurrentAddress(), err
		}
		addr := it.CurrentAddress()
		entry := s.index.Find(r.Key)
		if entry == nil || entry.Address() != addr || r.Info.Tombstone() || fns.IsDeleted(r.Key, r.Value) {
			continue
		}
		moved, err := a.copyToTail(h, entry, addr, r)
		if err != nil {
			return addr, err
		}
		if moved {
			copied++
		}
	}
	if err := it.Err(); err != nil {
		return begin, errors.WithMessage(err, "scanning log for compaction")
	}

	metrics.CompactedRecordsTotal.Add(float64(copied))
	log.WithFields(log.Fields{"begin": begin, "until": until, "copied": copied}).Debug("compacted log")
	if shiftBegin {
		s.hlog.ShiftBeginAddress(until, false)
	}
	return until, nil
}

// copyToTail appends r at the tail and moves the index from addr to the
// copy, unless a session wrote the key in the meantime.
func (a *LogAccessor[V]) copyToTail(h *epoch.Handle, entry *index.Entry, addr uint64, r *record.Record[V]) (bool, error) {
	s := a.store
	var to uint64
	b := epoch.NewWaitBackOff().(*backoff.ExponentialBackOff)
	b.MaxElapsedTime = s.cfg.AllocationTimeout
	b.Reset()
	err := backoff.Retry(func() error {
		var ok bool
		if to, ok = s.hlog.Allocate(); ok {
			return nil
		}
		if s.closed.Load() {
			return backoff.Permanent(ErrStoreClosed)
		}
		h.ProtectAndDrain()
		return errAllocate
	}, b)
	if err != nil {
		return false, errors.WithMessage(err, "allocating compaction copy")
	}

	version := synchronization.RemoveIntermediate(s.driver.State()).Version
	c := record.New(record.NewInfo(version, addr, false), r.Key, r.Value)
	s.hlog.Publish(to, c)
	if !entry.CompareAndSwap(addr, to) {
		s.hlog.Publish(to, c.WithInfo(c.Info.WithInvalid()))
		return false, nil
	}
	return true, nil
}
