// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package lfkv provides an embeddable key-value store built on a hybrid log,
// epoch protection and concurrent prefix recovery (CPR) checkpoints.
//
// This is the main public API for the LFKV library. Callers open a Store,
// start sessions on it and issue Read, Upsert, RMW and Delete through them.
// Checkpoints run while sessions keep working, and recovery hands each
// interrupted session back at its commit point.
//
// # Quick Start
//
//	import "github.com/kianostad/lfkv"
//
//	// String-keyed API (recommended for most use cases)
//	kv, err := lfkv.OpenKV[int64](lfkv.DefaultConfig(), func(old, in int64) int64 { return old + in })
//	defer kv.Close()
//
//	kv.Put("hits", 1)
//	kv.Add("hits", 2)
//	value, found, err := kv.Get("hits")
//
//	// Or drive sessions directly for full control over callbacks and serial numbers
//	store, err := lfkv.Open[int64](lfkv.DefaultConfig())
//	defer store.Close()
//
//	fns := lfkv.NewSimpleFunctions[int64, struct{}](func(old, in int64) int64 { return old + in })
//	session, err := lfkv.NewSession[int64, int64, int64, struct{}](store, fns)
//	defer session.Close()
//
//	session.Upsert([]byte("key"), 5, struct{}{}, 1)
//	var out int64
//	status, err := session.Read([]byte("key"), 0, &out, struct{}{}, 2)
//	if status == lfkv.Pending {
//	    session.CompletePending(true)
//	}
//
// # Key Features
//
//   - Sessions that never take a global lock
//   - Version changes and checkpoints without stopping in-flight operations
//   - Asynchronous completion of operations that need device reads
//   - Exactly-once continuation of recovered sessions at their commit point
//   - Fold-over and snapshot log checkpoints, fuzzy index checkpoints
//   - Background checkpoints and log compaction
//   - Binary and JSON dumps of the live keys
//
// # Checkpoints and Recovery
//
//	kv.SetCommitCookie([]byte("offset=42"))
//	token, err := kv.Checkpoint(ctx, false)
//
//	// After a restart, on a store configured with the same device and
//	// checkpoint manager:
//	kv, err := lfkv.RecoverKV[int64](ctx, cfg, merge, guid)
//
// # API Design Philosophy
//
// The library provides two APIs:
//
// 1. **KV** (recommended): string keys, one internal session guarded by a
// mutex, serial numbers assigned automatically and pending operations
// completed before each call returns.
//
// 2. **Store and ClientSession**: one session per goroutine, caller-chosen
// serial numbers and user callbacks. This is the API to use for throughput.
//
// # Best Practices
//
//   - Use one ClientSession per goroutine; sessions are not safe for concurrent use
//   - Call CompletePending regularly when using sessions directly
//   - Always call Close when done with a session, a KV or a Store
//   - Record the session guid to continue it after recovery
//   - Monitor metrics for performance insights
//
// # See Also
//
// For the session and checkpoint internals, see the core package.
package lfkv

import (
	"github.com/kianostad/lfkv/internal/checkpoint"
	core "github.com/kianostad/lfkv/internal/core"
)

// Re-export core types
type (
	// Store is the key-value store with values of type V.
	Store[V any] = core.Store[V]

	// Config configures a Store.
	Config = core.Config

	// ClientSession issues operations against a Store. V is the value
	// type, I the RMW and read input, O the output and C the user context
	// handed back in completion callbacks.
	ClientSession[V, I, O, C any] = core.ClientSession[V, I, O, C]

	// Functions are the callbacks a session uses to read, write and merge
	// values and to report completions.
	Functions[V, I, O, C any] = core.Functions[V, I, O, C]

	// FunctionsBase provides no-op completion callbacks for embedding.
	FunctionsBase[V, I, O, C any] = core.FunctionsBase[V, I, O, C]

	// SimpleFunctions reads and writes whole values and merges with a function.
	SimpleFunctions[V, C any] = core.SimpleFunctions[V, C]

	// CompactionFunctions lets compaction drop records that are still live.
	CompactionFunctions[V any] = core.CompactionFunctions[V]

	// Status is the outcome of a session operation.
	Status = core.Status

	// CommitPoint is the prefix of a session's operations a checkpoint holds.
	CommitPoint = checkpoint.CommitPoint

	// Batch queues operations for ClientSession.ExecuteBatch.
	Batch[V, I, O any] = core.Batch[V, I, O]
)

const (
	OK       = core.OK
	NotFound = core.NotFound
	Pending  = core.Pending
	Error    = core.Error
)

var (
	ErrStoreClosed      = core.ErrStoreClosed
	ErrSessionClosed    = core.ErrSessionClosed
	ErrSessionTableFull = core.ErrSessionTableFull
	ErrNoCheckpoint     = core.ErrNoCheckpoint
	ErrBadDump          = core.ErrBadDump

	// CannotResume is the commit point reported for a session that cannot
	// be continued right now.
	CannotResume = checkpoint.CannotResume
)

// Open creates a store.
func Open[V any](cfg Config) (*Store[V], error) {
	return core.New[V](cfg)
}

// DefaultConfig returns a small in-memory configuration.
func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewSession starts a session on store.
func NewSession[V, I, O, C any](store *Store[V], fns Functions[V, I, O, C]) (*ClientSession[V, I, O, C], error) {
	return core.NewSession(store, fns)
}

// ContinueSession resumes a recovered session. Only one caller gets the
// session; later callers get a nil session and no error.
func ContinueSession[V, I, O, C any](store *Store[V], guid string, fns Functions[V, I, O, C]) (*ClientSession[V, I, O, C], CommitPoint, error) {
	return core.ContinueSession(store, guid, fns)
}

// NewSimpleFunctions returns Functions whose RMW applies merge.
func NewSimpleFunctions[V, C any](merge func(old, input V) V) *SimpleFunctions[V, C] {
	return core.NewSimpleFunctions[V, C](merge)
}

// NewBatch returns an empty batch.
func NewBatch[V, I, O any]() *Batch[V, I, O] {
	return core.NewBatch[V, I, O]()
}
