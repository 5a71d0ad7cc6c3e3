// Licensed under the MIT License. See LICENSE file in the project root for details.

package lfkv

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	core "github.com/kianostad/lfkv/internal/core"
)

// KV is a string-keyed view of a Store driven by a single session. Calls
// are serialized by a mutex, serial numbers are assigned in call order and
// every call completes its pending work before returning.
type KV[V any] struct {
	mu      sync.Mutex
	store   *Store[V]
	session *ClientSession[V, V, V, struct{}]
	fns     *SimpleFunctions[V, struct{}]
}

// OpenKV opens a store with cfg and starts a session on it. merge combines
// the stored value with the input of Add.
func OpenKV[V any](cfg Config, merge func(old, input V) V) (*KV[V], error) {
	store, err := Open[V](cfg)
	if err != nil {
		return nil, err
	}
	kv := &KV[V]{store: store, fns: NewSimpleFunctions[V, struct{}](merge)}
	if kv.session, err = NewSession[V, V, V, struct{}](store, kv.fns); err != nil {
		store.Close()
		return nil, err
	}
	return kv, nil
}

// RecoverKV opens a store with cfg, recovers its newest checkpoint and
// continues session guid. When guid is empty or cannot be continued a new
// session is started and the returned commit point is CannotResume.
func RecoverKV[V any](ctx context.Context, cfg Config, merge func(old, input V) V, guid string) (*KV[V], CommitPoint, error) {
	store, err := Open[V](cfg)
	if err != nil {
		return nil, CannotResume, err
	}
	if err := store.Recover(ctx); err != nil {
		store.Close()
		return nil, CannotResume, err
	}

	kv := &KV[V]{store: store, fns: NewSimpleFunctions[V, struct{}](merge)}
	cp := CannotResume
	if guid != "" {
		if kv.session, cp, err = ContinueSession[V, V, V, struct{}](store, guid, kv.fns); err != nil {
			store.Close()
			return nil, CannotResume, err
		}
	}
	if kv.session == nil {
		if kv.session, err = NewSession[V, V, V, struct{}](store, kv.fns); err != nil {
			store.Close()
			return nil, CannotResume, err
		}
	}
	return kv, cp, nil
}

// Store returns the underlying store.
func (kv *KV[V]) Store() *Store[V] { return kv.store }

// Guid identifies the session for ContinueSession after recovery.
func (kv *KV[V]) Guid() string { return kv.session.Guid() }

// SerialNo returns the serial number of the last operation. The first
// operation of a new session gets serial 0.
func (kv *KV[V]) SerialNo() int64 { return kv.session.SerialNo() }

func (kv *KV[V]) next() int64 { return kv.session.SerialNo() + 1 }

// Get returns the value of key and whether it exists.
func (kv *KV[V]) Get(key string) (V, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var zero, out V
	st, err := kv.session.Read([]byte(key), zero, &out, struct{}{}, kv.session.SerialNo())
	if err != nil {
		return zero, false, err
	}
	if st == Pending {
		it, _, err := kv.session.CompletePendingWithOutputs(true)
		if err != nil {
			return zero, false, err
		}
		defer it.Close()
		if !it.Next() {
			return zero, false, errors.Errorf("read of %q completed without output", key)
		}
		out, st = it.Current().Output, it.Current().Status
	}
	if st != OK {
		return zero, false, nil
	}
	return out, true, nil
}

// Put sets key to value.
func (kv *KV[V]) Put(key string, value V) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.settle(kv.session.Upsert([]byte(key), value, struct{}{}, kv.next()))
}

// Add merges input into the value of key and returns the result. A missing
// key starts from input.
func (kv *KV[V]) Add(key string, input V) (V, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var out V
	st, err := kv.session.RMW([]byte(key), input, &out, struct{}{}, kv.next())
	if err != nil || st != Pending {
		return out, err
	}
	it, _, err := kv.session.CompletePendingWithOutputs(true)
	if err != nil {
		return out, err
	}
	defer it.Close()
	for it.Next() {
		out = it.Current().Output
	}
	return out, nil
}

// Delete removes key.
func (kv *KV[V]) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.settle(kv.session.Delete([]byte(key), struct{}{}, kv.next()))
}

func (kv *KV[V]) settle(st Status, err error) error {
	if err != nil || st != Pending {
		return err
	}
	_, err = kv.session.CompletePending(true)
	return err
}

// SetCommitCookie stores cookie with the next checkpoint.
func (kv *KV[V]) SetCommitCookie(cookie []byte) { kv.store.SetCommitCookie(cookie) }

// Checkpoint takes a log checkpoint and waits for it. Every call made
// before Checkpoint is part of it.
func (kv *KV[V]) Checkpoint(ctx context.Context, snapshot bool) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	token, ok := kv.store.TakeHybridLogCheckpoint(snapshot)
	if !ok {
		if err := kv.store.CompleteCheckpoint(ctx); err != nil {
			return "", err
		}
		if token, ok = kv.store.TakeHybridLogCheckpoint(snapshot); !ok {
			return "", errors.New("another checkpoint is running")
		}
	}
	if err := kv.store.CompleteCheckpoint(ctx); err != nil {
		return "", err
	}
	return token, kv.session.Refresh()
}

// Range calls fn for every live key until fn returns false.
func (kv *KV[V]) Range(ctx context.Context, fn func(key string, value V) bool) error {
	stop := errors.New("stop")
	err := kv.store.Iterate(ctx, func(key []byte, value V) error {
		if !fn(string(key), value) {
			return stop
		}
		return nil
	})
	if err == stop {
		return nil
	}
	return err
}

// Export writes every live key to w in the binary dump format.
func (kv *KV[V]) Export(ctx context.Context, w io.Writer) (int, error) {
	return core.ExportBinary(ctx, kv.store, w)
}

// Import upserts every key of a binary dump.
func (kv *KV[V]) Import(r io.Reader) (int, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return core.ImportBinary(kv.session, r)
}

// Close ends the session and closes the store.
func (kv *KV[V]) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if err := kv.session.Close(); err != nil && !errors.Is(err, ErrSessionClosed) {
		kv.store.Close()
		return err
	}
	return kv.store.Close()
}
