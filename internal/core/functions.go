// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/storage/record"
)

// Functions is the set of user hooks a session runs against records. V is
// the stored value, I the operation input, O the read output and C an
// opaque per-operation context handed back to completion callbacks.
//
// Readers and updaters work on copies: the store publishes the value they
// produce, so they never see a record change underneath them.
type Functions[V, I, O, C any] interface {
	// SingleReader reads a record that can no longer change.
	SingleReader(key []byte, input I, value V, output *O)
	// ConcurrentReader reads a record in the mutable region.
	ConcurrentReader(key []byte, input I, value V, output *O)

	// SingleWriter produces the value of a new record.
	SingleWriter(key []byte, src V, dst *V)
	// ConcurrentWriter updates a mutable record in place. Returning false
	// makes the store append a new record instead.
	ConcurrentWriter(key []byte, src V, dst *V) bool

	InitialUpdater(key []byte, input I, value *V, output *O)
	// InPlaceUpdater returns false to fall back to a copy update.
	InPlaceUpdater(key []byte, input I, value *V, output *O) bool
	CopyUpdater(key []byte, input I, oldValue V, newValue *V, output *O)

	// Completion callbacks fire for operations that went pending, with OK
	// or NotFound. An operation that fails is reported only through the
	// error of the call that drained it.
	ReadCompletionCallback(key []byte, input I, output O, ctx C, status Status, meta record.Metadata)
	UpsertCompletionCallback(key []byte, value V, ctx C)
	RMWCompletionCallback(key []byte, input I, output O, ctx C, status Status, meta record.Metadata)
	DeleteCompletionCallback(key []byte, ctx C)
	// CheckpointCompletionCallback reports the operations of a session that
	// a committed checkpoint covers.
	CheckpointCompletionCallback(guid string, cp checkpoint.CommitPoint)
}

// FunctionsBase has no-op completion callbacks. Embed it to implement only
// the hooks that matter.
type FunctionsBase[V, I, O, C any] struct{}

func (FunctionsBase[V, I, O, C]) ReadCompletionCallback([]byte, I, O, C, Status, record.Metadata) {}
func (FunctionsBase[V, I, O, C]) UpsertCompletionCallback([]byte, V, C)                             {}
func (FunctionsBase[V, I, O, C]) RMWCompletionCallback([]byte, I, O, C, Status, record.Metadata)  {}
func (FunctionsBase[V, I, O, C]) DeleteCompletionCallback([]byte, C)                                {}
func (FunctionsBase[V, I, O, C]) CheckpointCompletionCallback(string, checkpoint.CommitPoint)       {}

// SimpleFunctions uses the value type as input and output. Reads copy the
// value out, and updates combine the stored value with the input through
// Merge, or store the input when Merge is nil.
type SimpleFunctions[V, C any] struct {
	FunctionsBase[V, V, V, C]
	Merge func(old, input V) V
}

// NewSimpleFunctions returns SimpleFunctions using merge for RMW.
func NewSimpleFunctions[V, C any](merge func(old, input V) V) *SimpleFunctions[V, C] {
	return &SimpleFunctions[V, C]{Merge: merge}
}

func (f *SimpleFunctions[V, C]) SingleReader(_ []byte, _ V, value V, output *V) { *output = value }
func (f *SimpleFunctions[V, C]) ConcurrentReader(_ []byte, _ V, value V, output *V) {
	*output = value
}
func (f *SimpleFunctions[V, C]) SingleWriter(_ []byte, src V, dst *V) { *dst = src }
func (f *SimpleFunctions[V, C]) ConcurrentWriter(_ []byte, src V, dst *V) bool {
	*dst = src
	return true
}

func (f *SimpleFunctions[V, C]) InitialUpdater(_ []byte, input V, value *V, output *V) {
	*value = input
	*output = input
}

func (f *SimpleFunctions[V, C]) InPlaceUpdater(key []byte, input V, value *V, output *V) bool {
	f.CopyUpdater(key, input, *value, value, output)
	return true
}

func (f *SimpleFunctions[V, C]) CopyUpdater(_ []byte, input V, oldValue V, newValue *V, output *V) {
	if f.Merge == nil {
		*newValue = input
	} else {
		*newValue = f.Merge(oldValue, input)
	}
	*output = *newValue
}

// CompactionFunctions decides which live records compaction may drop.
type CompactionFunctions[V any] interface {
	IsDeleted(key []byte, value V) bool
}

// DefaultCompactionFunctions keeps every live record.
type DefaultCompactionFunctions[V any] struct{}

func (DefaultCompactionFunctions[V]) IsDeleted([]byte, V) bool { return false }
