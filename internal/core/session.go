// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/monitoring/metrics"
	"github.com/kianostad/lfkv/internal/synchronization"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// idlePoint is the commit point a suspended session publishes for
// checkpoints it sits out.
type idlePoint struct {
	cp      checkpoint.CommitPoint
	version uint64
}

// ClientSession issues operations against a store. A session is owned by
// one goroutine at a time; only the state machine touches it from outside,
// and only through the hooks below while the owner is inside a call.
type ClientSession[V, I, O, C any] struct {
	store  *Store[V]
	fns    Functions[V, I, O, C]
	handle *epoch.Handle
	guid   string

	ctx     *ExecutionContext[V, I, O, C]
	prevCtx *ExecutionContext[V, I, O, C]
	ready   *readyQueue[V]
	pool    *pendingPool[V, I, O, C]
	nextID  uint64

	idle         atomic.Pointer[idlePoint]
	latestCommit atomic.Pointer[checkpoint.CommitPoint]
	closed       bool
}

var _ synchronization.Thread = &ClientSession[int, int, int, struct{}]{} // ClientSession is-a Thread.

// NewSession opens a session with a fresh guid.
func NewSession[V, I, O, C any](store *Store[V], fns Functions[V, I, O, C]) (*ClientSession[V, I, O, C], error) {
	s, err := openSession(store, fns, uuid.NewString(), -1)
	if err != nil {
		return nil, err
	}
	if err := s.Refresh(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func openSession[V, I, O, C any](store *Store[V], fns Functions[V, I, O, C], guid string, serialNum int64) (*ClientSession[V, I, O, C], error) {
	if store.closed.Load() {
		return nil, ErrStoreClosed
	}
	h, err := store.epoch.Acquire()
	if errors.Is(err, epoch.ErrTableFull) {
		return nil, ErrSessionTableFull
	} else if err != nil {
		return nil, errors.WithMessage(err, "acquiring epoch entry")
	}

	s := &ClientSession[V, I, O, C]{
		store:   store,
		fns:     fns,
		handle:  h,
		guid:    guid,
		ctx:     newExecutionContext[V, I, O, C](),
		prevCtx: newExecutionContext[V, I, O, C](),
		ready:   newReadyQueue[V](),
		pool:    newPendingPool[V, I, O, C](),
	}
	s.ctx.Init(guid, serialNum)
	s.prevCtx.Init(guid, serialNum)
	s.prevCtx.Version--

	store.sessions.Store(guid, s)
	metrics.ActiveSessions.Inc()
	log.WithField("guid", guid).Debug("session opened")
	return s, nil
}

// Guid identifies the session across recoveries.
func (s *ClientSession[V, I, O, C]) Guid() string { return s.guid }

// SerialNo returns the serial number of the last operation issued, -1
// before the first one.
func (s *ClientSession[V, I, O, C]) SerialNo() int64 { return s.ctx.SerialNum }

// Version returns the version the session is operating in.
func (s *ClientSession[V, I, O, C]) Version() uint64 { return s.ctx.Version }

// LatestCommitPoint returns the commit point of the newest checkpoint that
// reported this session, and false when none has.
func (s *ClientSession[V, I, O, C]) LatestCommitPoint() (checkpoint.CommitPoint, bool) {
	if p := s.latestCommit.Load(); p != nil {
		return *p, true
	}
	return checkpoint.CommitPoint{}, false
}

// Refresh publishes the session's epoch and moves it to the global state.
func (s *ClientSession[V, I, O, C]) Refresh() error {
	if err := s.enter(); err != nil {
		return err
	}
	s.exit()
	return nil
}

// Close releases the session. Pending operations that were not completed
// are dropped.
func (s *ClientSession[V, I, O, C]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range []*ExecutionContext[V, I, O, C]{s.prevCtx, s.ctx} {
		if n := len(c.ioPendingRequests); n > 0 {
			metrics.PendingOperations.Sub(float64(n))
		}
		for _, pc := range c.retryRequests {
			s.releaseLatch(pc)
		}
		for _, pc := range c.ioPendingRequests {
			s.releaseLatch(pc)
		}
	}
	s.idle.Store(nil)
	s.store.sessions.Delete(s.guid)
	s.handle.Release()
	metrics.ActiveSessions.Dec()
	log.WithField("guid", s.guid).Debug("session closed")
	return nil
}

// enter protects the session and walks it to the global state.
func (s *ClientSession[V, I, O, C]) enter() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.store.closed.Load() {
		return ErrStoreClosed
	}
	s.idle.Store(nil)
	if !s.handle.IsProtected() {
		s.handle.Resume()
	}
	s.refresh()
	return nil
}

// exit unprotects the session when it has nothing queued. A session with
// queued operations stays protected so the state machine waits for it.
func (s *ClientSession[V, I, O, C]) exit() {
	if !s.ctx.HasNoPendingRequests() || !s.prevCtx.HasNoPendingRequests() {
		return
	}
	if s.ctx.SerialNum != -1 {
		s.idle.Store(&idlePoint{
			cp:      checkpoint.CommitPoint{UntilSerialNo: s.ctx.SerialNum},
			version: s.ctx.Version,
		})
	}
	s.handle.Suspend()
}

func (s *ClientSession[V, I, O, C]) idleCommitPoint() (checkpoint.CommitPoint, uint64, bool) {
	p := s.idle.Load()
	if p == nil {
		return checkpoint.CommitPoint{}, 0, false
	}
	return p.cp, p.version, true
}

// refresh drains epoch actions and catches up with the global state.
func (s *ClientSession[V, I, O, C]) refresh() {
	s.handle.ProtectAndDrain()
	d := s.store.driver
	g := synchronization.RemoveIntermediate(d.State())
	if s.ctx.Phase == synchronization.Rest && g.Phase == synchronization.Rest && s.ctx.Version == g.Version {
		return
	}
	d.ThreadStateMachineStep(s)
}

// allocate runs op until it gets log space, refreshing between attempts so
// the log can flush and evict.
func (s *ClientSession[V, I, O, C]) allocate(op func() OperationStatus) (OperationStatus, error) {
	var st OperationStatus
	b := epoch.NewWaitBackOff().(*backoff.ExponentialBackOff)
	b.MaxElapsedTime = s.store.cfg.AllocationTimeout
	b.Reset()
	err := backoff.Retry(func() error {
		st = op()
		if st != AllocateFailed {
			return nil
		}
		if s.store.closed.Load() {
			return backoff.Permanent(ErrStoreClosed)
		}
		s.refresh()
		return errAllocate
	}, b)
	if errors.Is(err, errAllocate) {
		return st, errors.Wrapf(err, "no log space after %s", s.store.cfg.AllocationTimeout)
	}
	return st, err
}

var errAllocate = errors.New("log allocation failed")

// Read looks key up. A synchronous result is written to output; a PENDING
// result is delivered to ReadCompletionCallback by CompletePending.
func (s *ClientSession[V, I, O, C]) Read(key []byte, input I, output *O, userCtx C, serialNo int64) (Status, error) {
	return s.run(ReadOp, key, input, *new(V), output, userCtx, serialNo)
}

// Upsert writes value under key.
func (s *ClientSession[V, I, O, C]) Upsert(key []byte, value V, userCtx C, serialNo int64) (Status, error) {
	return s.run(UpsertOp, key, *new(I), value, nil, userCtx, serialNo)
}

// RMW updates the value of key from input. The value the update produced is
// written to output when the operation completes synchronously.
func (s *ClientSession[V, I, O, C]) RMW(key []byte, input I, output *O, userCtx C, serialNo int64) (Status, error) {
	return s.run(RMWOp, key, input, *new(V), output, userCtx, serialNo)
}

// Delete removes key.
func (s *ClientSession[V, I, O, C]) Delete(key []byte, userCtx C, serialNo int64) (Status, error) {
	return s.run(DeleteOp, key, *new(I), *new(V), nil, userCtx, serialNo)
}

func (s *ClientSession[V, I, O, C]) run(op OperationType, key []byte, input I, value V, output *O, userCtx C, serialNo int64) (Status, error) {
	start := time.Now()
	if err := s.enter(); err != nil {
		s.store.metrics.RecordError(op.String())
		return Error, err
	}
	defer s.exit()

	pc := s.pool.Get()
	pc.op, pc.key, pc.input, pc.value, pc.userCtx, pc.serialNum = op, key, input, value, userCtx, serialNo
	if output != nil {
		pc.output = *output
	}

	status, err := s.issue(s.ctx, pc)
	s.ctx.SerialNum = serialNo
	if err != nil {
		s.store.metrics.RecordError(op.String())
		return Error, err
	}
	if status != Pending {
		if output != nil {
			*output = pc.output
		}
		s.pool.Put(pc)
	}
	s.record(op, time.Since(start))
	return status, nil
}

func (s *ClientSession[V, I, O, C]) record(op OperationType, d time.Duration) {
	m := s.store.metrics
	switch op {
	case ReadOp:
		m.RecordRead(d)
	case UpsertOp:
		m.RecordUpsert(d)
	case RMWOp:
		m.RecordRMW(d)
	case DeleteOp:
		m.RecordDelete(d)
	}
}

// issue runs pc against the current slot and queues it on opCtx when it
// cannot finish. The caller keeps pc unless the result is Pending.
func (s *ClientSession[V, I, O, C]) issue(opCtx *ExecutionContext[V, I, O, C], pc *PendingContext[V, I, O, C]) (Status, error) {
	st, err := s.allocate(func() OperationStatus { return s.dispatch(pc) })
	if err != nil {
		return Error, err
	}
	if st.done() {
		return st.public(), nil
	}
	return s.handleOperationStatus(opCtx, pc, st)
}

// dispatch runs one operation on the current slot until it stops asking for
// an immediate retry.
func (s *ClientSession[V, I, O, C]) dispatch(pc *PendingContext[V, I, O, C]) OperationStatus {
	for {
		var st OperationStatus
		switch pc.op {
		case ReadOp:
			st = s.internalRead(s.ctx, pc)
		case UpsertOp:
			st = s.internalUpsert(s.ctx, pc)
		case RMWOp:
			st = s.internalRMW(s.ctx, pc)
		case DeleteOp:
			st = s.internalDelete(s.ctx, pc)
		}
		if st != RetryNow {
			return st
		}
	}
}

// The methods below make the session a synchronization.Thread.

func (s *ClientSession[V, I, O, C]) Handle() *epoch.Handle { return s.handle }

func (s *ClientSession[V, I, O, C]) Current() *synchronization.ContextState {
	return &s.ctx.ContextState
}

func (s *ClientSession[V, I, O, C]) Previous() *synchronization.ContextState {
	return &s.prevCtx.ContextState
}

func (s *ClientSession[V, I, O, C]) AcquireSharedLatches() {
	idx := s.store.index
	take := func(pc *PendingContext[V, I, O, C]) {
		if pc.heldLatch == noLatch && idx.TryAcquireSharedLatch(pc.bucket) {
			pc.heldLatch = sharedLatch
		}
	}
	for _, pc := range s.ctx.ioPendingRequests {
		take(pc)
	}
	for _, pc := range s.ctx.retryRequests {
		take(pc)
	}
}

func (s *ClientSession[V, I, O, C]) SwapContexts() {
	old := s.prevCtx
	s.prevCtx, s.ctx = s.ctx, old

	// Anything still queued on the retired slot completes with the newer
	// previous slot, after what that slot already holds.
	for id, pc := range old.ioPendingRequests {
		s.prevCtx.ioPendingRequests[id] = pc
	}
	s.prevCtx.retryRequests = append(old.retryRequests, s.prevCtx.retryRequests...)
	s.ctx.ioPendingRequests = make(map[uint64]*PendingContext[V, I, O, C])
	s.ctx.retryRequests = nil
}

func (s *ClientSession[V, I, O, C]) PendingSerialNos() []int64 { return s.ctx.pendingSerialNos() }

func (s *ClientSession[V, I, O, C]) PreviousHasNoPendingRequests() bool {
	return s.prevCtx.HasNoPendingRequests()
}

func (s *ClientSession[V, I, O, C]) CheckpointCompletion(guid string, cp checkpoint.CommitPoint) {
	s.latestCommit.Store(&cp)
	s.fns.CheckpointCompletionCallback(guid, cp)
}
