// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"

	"github.com/pkg/errors"
)

var ErrBatchAlreadyCommitted = errors.New("batch already committed")

// BatchOpType names the kind of a queued batch operation.
type BatchOpType int

const (
	BatchOpUpsert BatchOpType = iota
	BatchOpRMW
	BatchOpDelete
)

// BatchOperation is one queued operation.
type BatchOperation[V, I any] struct {
	Op    BatchOpType
	Key   []byte
	Value V
	Input I
}

// BatchResult reports how one batch operation finished. Output is only set
// for RMW operations that completed synchronously; pending ones report
// through the session's callbacks.
type BatchResult[O any] struct {
	Key      []byte
	SerialNo int64
	Status   Status
	Output   O
}

// Batch queues operations for a session to issue back to back with
// consecutive serial numbers. It is not safe for concurrent use and cannot
// be executed twice without Clear.
type Batch[V, I, O any] struct {
	operations []BatchOperation[V, I]
	results    []BatchResult[O]
	committed  bool
}

func NewBatch[V, I, O any]() *Batch[V, I, O] {
	return &Batch[V, I, O]{
		operations: make([]BatchOperation[V, I], 0, 64),
	}
}

func (b *Batch[V, I, O]) Upsert(key []byte, value V) {
	b.operations = append(b.operations, BatchOperation[V, I]{Op: BatchOpUpsert, Key: key, Value: value})
}

func (b *Batch[V, I, O]) RMW(key []byte, input I) {
	b.operations = append(b.operations, BatchOperation[V, I]{Op: BatchOpRMW, Key: key, Input: input})
}

func (b *Batch[V, I, O]) Delete(key []byte) {
	b.operations = append(b.operations, BatchOperation[V, I]{Op: BatchOpDelete, Key: key})
}

// Size returns the number of queued operations.
func (b *Batch[V, I, O]) Size() int { return len(b.operations) }

// Clear drops queued operations and results so the batch can be reused.
func (b *Batch[V, I, O]) Clear() {
	clear(b.operations)
	clear(b.results)
	b.operations = b.operations[:0]
	b.results = b.results[:0]
	b.committed = false
}

// Results returns one result per executed operation, in order.
func (b *Batch[V, I, O]) Results() []BatchResult[O] { return b.results }

func (b *Batch[V, I, O]) IsCommitted() bool { return b.committed }

// ExecuteBatch issues every operation of b in order, numbering them after
// the session's current serial number. It stops at the first error or when
// ctx is done, leaving the results of the operations already issued. With
// wait it also completes the operations that went pending.
func (s *ClientSession[V, I, O, C]) ExecuteBatch(ctx context.Context, b *Batch[V, I, O], userCtx C, wait bool) error {
	if b.committed {
		return ErrBatchAlreadyCommitted
	}
	b.committed = true
	b.results = b.results[:0]

	for _, op := range b.operations {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := BatchResult[O]{Key: op.Key, SerialNo: s.SerialNo() + 1}
		var err error
		switch op.Op {
		case BatchOpUpsert:
			res.Status, err = s.Upsert(op.Key, op.Value, userCtx, res.SerialNo)
		case BatchOpRMW:
			res.Status, err = s.RMW(op.Key, op.Input, &res.Output, userCtx, res.SerialNo)
		case BatchOpDelete:
			res.Status, err = s.Delete(op.Key, userCtx, res.SerialNo)
		default:
			err = errors.Errorf("unknown batch operation %d", op.Op)
		}
		b.results = append(b.results, res)
		if err != nil {
			return errors.WithMessagef(err, "batch operation %d", len(b.results)-1)
		}
	}
	if wait {
		_, err := s.CompletePending(true)
		return err
	}
	return nil
}
