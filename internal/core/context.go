// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"sync"

	"github.com/kianostad/lfkv/internal/storage/record"
	"github.com/kianostad/lfkv/internal/synchronization"
)

// ExecutionContext is one of the two slots of a session. The embedded
// ContextState is what the state machine reads and rewrites; the queues hold
// the operations issued while the slot was current.
type ExecutionContext[V, I, O, C any] struct {
	synchronization.ContextState

	ioPendingRequests map[uint64]*PendingContext[V, I, O, C]
	retryRequests     []*PendingContext[V, I, O, C]
}

func newExecutionContext[V, I, O, C any]() *ExecutionContext[V, I, O, C] {
	return &ExecutionContext[V, I, O, C]{
		ioPendingRequests: make(map[uint64]*PendingContext[V, I, O, C]),
	}
}

// HasNoPendingRequests reports whether both queues are empty.
func (c *ExecutionContext[V, I, O, C]) HasNoPendingRequests() bool {
	return len(c.ioPendingRequests) == 0 && len(c.retryRequests) == 0
}

// pendingSerialNos lists the serial numbers of every queued operation.
func (c *ExecutionContext[V, I, O, C]) pendingSerialNos() []int64 {
	var out []int64
	for _, pc := range c.ioPendingRequests {
		out = append(out, pc.serialNum)
	}
	for _, pc := range c.retryRequests {
		out = append(out, pc.serialNum)
	}
	return out
}

func (c *ExecutionContext[V, I, O, C]) enqueueRetry(pc *PendingContext[V, I, O, C]) {
	c.retryRequests = append(c.retryRequests, pc)
}

// PendingContext is an operation that could not complete synchronously.
type PendingContext[V, I, O, C any] struct {
	op        OperationType
	key       []byte
	input     I
	value     V
	output    O
	userCtx   C
	serialNum int64
	version   uint64

	// address is the record the operation was waiting on, and entryAddress
	// the index address seen when it was queued.
	address      uint64
	entryAddress uint64
	info         record.Info

	id         uint64
	heldLatch  latch
	bucket     uint64
	cprRetried bool
}

func (pc *PendingContext[V, I, O, C]) metadata() record.Metadata {
	return record.Metadata{Info: pc.info, Address: pc.address}
}

// pendingPool recycles PendingContexts between operations.
type pendingPool[V, I, O, C any] struct {
	pool sync.Pool
}

func newPendingPool[V, I, O, C any]() *pendingPool[V, I, O, C] {
	return &pendingPool[V, I, O, C]{
		pool: sync.Pool{
			New: func() interface{} { return new(PendingContext[V, I, O, C]) },
		},
	}
}

func (p *pendingPool[V, I, O, C]) Get() *PendingContext[V, I, O, C] {
	return p.pool.Get().(*PendingContext[V, I, O, C])
}

// Put resets pc and returns it to the pool.
func (p *pendingPool[V, I, O, C]) Put(pc *PendingContext[V, I, O, C]) {
	*pc = PendingContext[V, I, O, C]{}
	p.pool.Put(pc)
}

// ioResponse is a finished device read for a pending operation.
type ioResponse[V any] struct {
	id     uint64
	record *record.Record[V]
	err    error
}

// readyQueue is the FIFO of finished device reads shared by both slots of a
// session. Read workers push, the owning session pops.
type readyQueue[V any] struct {
	mu     sync.Mutex
	items  []ioResponse[V]
	signal chan struct{}
}

func newReadyQueue[V any]() *readyQueue[V] {
	return &readyQueue[V]{signal: make(chan struct{}, 1)}
}

func (q *readyQueue[V]) Enqueue(r ioResponse[V]) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *readyQueue[V]) TryDequeue() (ioResponse[V], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return ioResponse[V]{}, false
	}
	r := q.items[0]
	q.items[0] = ioResponse[V]{}
	q.items = q.items[1:]
	return r, true
}

// Dequeue blocks until a response is available or ctx is done.
func (q *readyQueue[V]) Dequeue(ctx context.Context) (ioResponse[V], error) {
	for {
		if r, ok := q.TryDequeue(); ok {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return ioResponse[V]{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *readyQueue[V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// CompletedOutput is the result of a pending Read or RMW collected by
// CompletePendingWithOutputs.
type CompletedOutput[I, O, C any] struct {
	Key      []byte
	Input    I
	Output   O
	Context  C
	Status   Status
	Metadata record.Metadata
}

// CompletedOutputIterator walks the outputs collected by one drain.
type CompletedOutputIterator[I, O, C any] struct {
	outputs []CompletedOutput[I, O, C]
	pos     int
}

func (it *CompletedOutputIterator[I, O, C]) add(o CompletedOutput[I, O, C]) {
	it.outputs = append(it.outputs, o)
}

// Next advances to the next output.
func (it *CompletedOutputIterator[I, O, C]) Next() bool {
	if it.pos >= len(it.outputs) {
		return false
	}
	it.pos++
	return true
}

// Current returns the output Next moved to.
func (it *CompletedOutputIterator[I, O, C]) Current() *CompletedOutput[I, O, C] {
	return &it.outputs[it.pos-1]
}

// Len returns the number of collected outputs.
func (it *CompletedOutputIterator[I, O, C]) Len() int { return len(it.outputs) }

// Close drops the collected outputs.
func (it *CompletedOutputIterator[I, O, C]) Close() {
	it.outputs, it.pos = nil, 0
}
