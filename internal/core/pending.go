// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/monitoring/metrics"
	"github.com/kianostad/lfkv/internal/storage/record"
)

// handleOperationStatus queues pc on opCtx according to st, or re-issues it
// after a refresh when the session fell behind a version change.
func (s *ClientSession[V, I, O, C]) handleOperationStatus(opCtx *ExecutionContext[V, I, O, C], pc *PendingContext[V, I, O, C], st OperationStatus) (Status, error) {
	switch st {
	case CPRShiftDetected:
		metrics.RetriedOperationsTotal.WithLabelValues(strings.ToLower(st.String())).Inc()
		s.refresh()
		return s.issue(opCtx, pc)
	case RetryLater, AllocateFailed:
		metrics.RetriedOperationsTotal.WithLabelValues(strings.ToLower(st.String())).Inc()
		opCtx.enqueueRetry(pc)
		return Pending, nil
	case RecordOnDisk:
		s.nextID++
		pc.id = s.nextID
		opCtx.ioPendingRequests[pc.id] = pc
		metrics.PendingOperations.Inc()

		id, ready := pc.id, s.ready
		s.store.hlog.ReadAsync(pc.address, func(r *record.Record[V], err error) {
			ready.Enqueue(ioResponse[V]{id: id, record: r, err: err})
		})
		return Pending, nil
	default:
		return Error, errors.Wrapf(ErrInvariantViolation, "unexpected operation status %s", st)
	}
}

// CompletePending completes queued operations, invoking their completion
// callbacks. With wait it returns only once nothing is queued; otherwise it
// makes one pass and reports whether the queues are empty.
func (s *ClientSession[V, I, O, C]) CompletePending(wait bool) (bool, error) {
	return s.completePending(context.Background(), wait, nil)
}

// CompletePendingWithOutputs is CompletePending that also collects the
// outputs of completed reads and RMWs.
func (s *ClientSession[V, I, O, C]) CompletePendingWithOutputs(wait bool) (*CompletedOutputIterator[I, O, C], bool, error) {
	it := &CompletedOutputIterator[I, O, C]{}
	done, err := s.completePending(context.Background(), wait, it)
	return it, done, err
}

// CompletePendingAsync waits for every queued operation without holding
// epoch protection while it blocks, unless the previous slot still has
// work the state machine is waiting for.
func (s *ClientSession[V, I, O, C]) CompletePendingAsync(ctx context.Context) error {
	start := time.Now()
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()

	var result *multierror.Error
	b := epoch.NewWaitBackOff()
	for {
		if err := s.drain(nil); err != nil {
			result = multierror.Append(result, err)
		}
		if s.ctx.HasNoPendingRequests() && s.prevCtx.HasNoPendingRequests() {
			s.store.metrics.RecordCompletePending(time.Since(start))
			return result.ErrorOrNil()
		}

		if len(s.ctx.retryRequests) == 0 && len(s.prevCtx.retryRequests) == 0 && s.prevCtx.HasNoPendingRequests() {
			// Only device reads are outstanding: block on them unprotected.
			s.handle.Suspend()
			r, err := s.ready.Dequeue(ctx)
			s.handle.Resume()
			s.refresh()
			if err != nil {
				return multierror.Append(result, err).ErrorOrNil()
			}
			if err := s.completeIO(r, nil); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}

		s.refresh()
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return multierror.Append(result, ctx.Err()).ErrorOrNil()
		case <-timer.C:
		case <-s.ready.signal:
			timer.Stop()
			b.Reset()
		}
	}
}

func (s *ClientSession[V, I, O, C]) completePending(ctx context.Context, wait bool, outputs *CompletedOutputIterator[I, O, C]) (bool, error) {
	start := time.Now()
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.exit()
	defer func() { s.store.metrics.RecordCompletePending(time.Since(start)) }()

	var result *multierror.Error
	b := epoch.NewWaitBackOff()
	for {
		if err := s.drain(outputs); err != nil {
			result = multierror.Append(result, err)
		}
		if s.ctx.HasNoPendingRequests() && s.prevCtx.HasNoPendingRequests() {
			return true, result.ErrorOrNil()
		}
		s.refresh()
		if !wait {
			return false, result.ErrorOrNil()
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, multierror.Append(result, ctx.Err()).ErrorOrNil()
		case <-timer.C:
		case <-s.ready.signal:
			timer.Stop()
			b.Reset()
		}
	}
}

// drain makes one pass: finished device reads first, then the retry queue
// of the previous slot and then of the current one.
func (s *ClientSession[V, I, O, C]) drain(outputs *CompletedOutputIterator[I, O, C]) error {
	var result *multierror.Error
	for {
		r, ok := s.ready.TryDequeue()
		if !ok {
			break
		}
		if err := s.completeIO(r, outputs); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, c := range []*ExecutionContext[V, I, O, C]{s.prevCtx, s.ctx} {
		if err := s.completeRetries(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// completeRetries re-issues the operations queued on opCtx when the pass
// started. Operations that must wait again go back on the queue.
func (s *ClientSession[V, I, O, C]) completeRetries(opCtx *ExecutionContext[V, I, O, C]) error {
	var result *multierror.Error
	for n := len(opCtx.retryRequests); n > 0 && len(opCtx.retryRequests) > 0; n-- {
		pc := opCtx.retryRequests[0]
		opCtx.retryRequests[0] = nil
		opCtx.retryRequests = opCtx.retryRequests[1:]
		if err := s.completeRetry(opCtx, pc); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *ClientSession[V, I, O, C]) completeRetry(opCtx *ExecutionContext[V, I, O, C], pc *PendingContext[V, I, O, C]) error {
	s.releaseLatch(pc)
	if pc.op == ReadOp {
		s.pool.Put(pc)
		return errors.Wrap(ErrInvariantViolation, "reads are never retried")
	}

	st, err := s.allocate(func() OperationStatus { return s.dispatch(pc) })
	if err != nil {
		s.pool.Put(pc)
		return err
	}

	var status Status
	if st.done() {
		status = st.public()
	} else if status, err = s.handleOperationStatus(opCtx, pc, st); err != nil {
		s.pool.Put(pc)
		return err
	}
	if status == Pending {
		return nil
	}

	switch pc.op {
	case UpsertOp:
		s.fns.UpsertCompletionCallback(pc.key, pc.value, pc.userCtx)
	case RMWOp:
		s.fns.RMWCompletionCallback(pc.key, pc.input, pc.output, pc.userCtx, status, pc.metadata())
	case DeleteOp:
		s.fns.DeleteCompletionCallback(pc.key, pc.userCtx)
	}
	s.pool.Put(pc)
	return nil
}

// completeIO finishes the operation a device read was issued for. The
// response is matched against the previous slot first.
func (s *ClientSession[V, I, O, C]) completeIO(r ioResponse[V], outputs *CompletedOutputIterator[I, O, C]) error {
	opCtx := s.prevCtx
	pc, ok := opCtx.ioPendingRequests[r.id]
	if !ok {
		opCtx = s.ctx
		if pc, ok = opCtx.ioPendingRequests[r.id]; !ok {
			return nil
		}
	}
	delete(opCtx.ioPendingRequests, r.id)
	metrics.PendingOperations.Dec()
	s.releaseLatch(pc)

	var (
		status Status
		err    error
	)
	if r.err != nil {
		status, err = Error, errors.WithMessagef(r.err, "reading record at %d", pc.address)
	} else {
		var st OperationStatus
		if pc.op == ReadOp {
			st = s.continueRead(pc, r.record)
		} else {
			st, err = s.allocate(func() OperationStatus { return s.continueRMW(pc, r.record) })
		}
		switch {
		case err != nil:
			status = Error
		case st.done():
			status = st.public()
		default:
			status, err = s.handleOperationStatus(opCtx, pc, st)
		}
	}
	switch status {
	case Pending:
		return nil
	case Error:
		// No callback: failures surface through the draining call only.
		s.pool.Put(pc)
		return err
	}

	switch pc.op {
	case ReadOp:
		s.fns.ReadCompletionCallback(pc.key, pc.input, pc.output, pc.userCtx, status, pc.metadata())
	case RMWOp:
		s.fns.RMWCompletionCallback(pc.key, pc.input, pc.output, pc.userCtx, status, pc.metadata())
	}
	if outputs != nil {
		outputs.add(CompletedOutput[I, O, C]{
			Key:      pc.key,
			Input:    pc.input,
			Output:   pc.output,
			Context:  pc.userCtx,
			Status:   status,
			Metadata: pc.metadata(),
		})
	}
	s.pool.Put(pc)
	return err
}

func (s *ClientSession[V, I, O, C]) continueRead(pc *PendingContext[V, I, O, C], r *record.Record[V]) OperationStatus {
	if r == nil || r.Info.Invalid() {
		return OpNotFound
	}
	pc.info = r.Info
	if r.Info.Tombstone() {
		return OpNotFound
	}
	s.fns.SingleReader(pc.key, pc.input, r.Value, &pc.output)
	return Success
}

// continueRMW applies the update to the value read from the device, unless
// the key moved on while the read was in flight, in which case the RMW
// starts over.
func (s *ClientSession[V, I, O, C]) continueRMW(pc *PendingContext[V, I, O, C], r *record.Record[V]) OperationStatus {
	entry := s.store.index.FindOrCreate(pc.key)
	if entry.Address() != pc.entryAddress {
		return s.dispatch(pc)
	}

	var v V
	if r == nil || r.Info.Tombstone() || r.Info.Invalid() {
		s.fns.InitialUpdater(pc.key, pc.input, &v, &pc.output)
	} else {
		s.fns.CopyUpdater(pc.key, pc.input, r.Value, &v, &pc.output)
	}
	if st := s.appendRecord(s.ctx, pc, entry, pc.entryAddress, v, false); st != RetryNow {
		return st
	}
	return s.dispatch(pc)
}
