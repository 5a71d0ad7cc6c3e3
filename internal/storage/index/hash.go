// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package index provides the lock-free hash index that maps keys to the
// logical address of their latest record in the hybrid log.
//
// HashIndex is a fixed-size table of buckets. Each bucket holds a lock-free
// linked list of entries, one per key, and an entry holds nothing but the
// key and an atomically updated address. Writers publish a new record by
// compare-and-swapping the entry's address from the value they started from,
// so two writers racing on one key always order themselves.
//
// # Key Features
//
//   - Lock-free entry insertion using CAS on the bucket head
//   - Exact key matching (no tag collisions to walk through)
//   - Per-bucket shared and exclusive latches used by the checkpoint protocol
//   - Fuzzy snapshots and restore for index checkpoints
//
// # Usage Examples
//
//	idx := index.NewHashIndex(1024)
//
//	entry := idx.FindOrCreate([]byte("my_key"))
//	old := entry.Address()
//	if entry.CompareAndSwap(old, newAddress) {
//	    // newAddress is now the latest record for my_key
//	}
//
//	bucket := idx.Bucket([]byte("my_key"))
//	if idx.TryAcquireSharedLatch(bucket) {
//	    defer idx.ReleaseSharedLatch(bucket)
//	}
//
// # Dangers and Warnings
//
//   - **Bucket Size**: The number of buckets must be a power of 2. Invalid sizes will panic.
//   - **No Resizing**: The bucket count is fixed for the lifetime of the index.
//   - **Latch Pairing**: Every successful TryAcquire must be matched by exactly one Release.
//   - **Entry Lifetime**: Entries are never removed; a deleted key keeps an entry pointing at its tombstone.
//
// # Best Practices
//
//   - Choose bucket count based on expected key count (typically 2-4x the expected number of keys)
//   - Use Find for reads and FindOrCreate only when a record is about to be written
//   - Hold latches only for the duration of a single operation
//
// # Hash Function Details
//
// Keys are hashed with 64-bit murmur3, which spreads short and long keys
// evenly across buckets.
package index

import (
	"bytes"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

const exclusiveLatchBit = 1 << 62

// Entry is the index slot for one key.
type Entry struct {
	key     []byte
	address atomic.Uint64
	next    atomic.Pointer[Entry]
}

// Key returns the entry's key.
func (e *Entry) Key() []byte { return e.key }

// Address returns the address of the key's latest record.
func (e *Entry) Address() uint64 { return e.address.Load() }

// CompareAndSwap publishes new as the key's latest record if the entry still
// points at old.
func (e *Entry) CompareAndSwap(old, new uint64) bool {
	return e.address.CompareAndSwap(old, new)
}

// Store overwrites the address. Only used while rebuilding the index.
func (e *Entry) Store(address uint64) { e.address.Store(address) }

// HashIndex is a lock-free hash table with fixed-size buckets.
type HashIndex struct {
	buckets []atomic.Pointer[Entry]
	latches []atomic.Int64
	size    uint64
	mask    uint64
	count   atomic.Int64
}

// NewHashIndex creates a new hash index with the given size (must be power of 2).
func NewHashIndex(size uint64) *HashIndex {
	if size == 0 || (size&(size-1)) != 0 {
		panic("size must be a power of 2")
	}

	return &HashIndex{
		buckets: make([]atomic.Pointer[Entry], size),
		latches: make([]atomic.Int64, size),
		size:    size,
		mask:    size - 1,
	}
}

// Bucket returns the bucket number for key.
func (h *HashIndex) Bucket(key []byte) uint64 {
	return murmur3.Sum64(key) & h.mask
}

// Find returns the entry for key, or nil if the key was never written.
func (h *HashIndex) Find(key []byte) *Entry {
	for n := h.buckets[h.Bucket(key)].Load(); n != nil; n = n.next.Load() {
		if bytes.Equal(n.key, key) {
			return n
		}
	}
	return nil
}

// FindOrCreate finds the entry for key, or inserts an empty one.
// This operation is lock-free using CAS.
func (h *HashIndex) FindOrCreate(key []byte) *Entry {
	e, _ := h.FindOrCreateWithFlag(key)
	return e
}

// FindOrCreateWithFlag is like FindOrCreate but reports whether this call
// inserted the entry.
func (h *HashIndex) FindOrCreateWithFlag(key []byte) (*Entry, bool) {
	bucket := &h.buckets[h.Bucket(key)]

	// First, try to find existing entry
	for n := bucket.Load(); n != nil; n = n.next.Load() {
		if bytes.Equal(n.key, key) {
			return n, false
		}
	}

	entry := &Entry{key: append([]byte(nil), key...)}

	// Try to insert at head of bucket
	for {
		oldHead := bucket.Load()
		entry.next.Store(oldHead)
		if bucket.CompareAndSwap(oldHead, entry) {
			h.count.Add(1)
			return entry, true
		}

		// CAS failed, check if someone else inserted our key
		for n := bucket.Load(); n != oldHead && n != nil; n = n.next.Load() {
			if bytes.Equal(n.key, key) {
				return n, false
			}
		}
	}
}

// TryAcquireSharedLatch takes a shared latch on bucket unless it is
// exclusively latched.
func (h *HashIndex) TryAcquireSharedLatch(bucket uint64) bool {
	l := &h.latches[bucket]
	for {
		v := l.Load()
		if v&exclusiveLatchBit != 0 {
			return false
		}
		if l.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// ReleaseSharedLatch drops one shared latch.
func (h *HashIndex) ReleaseSharedLatch(bucket uint64) {
	h.latches[bucket].Add(-1)
}

// TryAcquireExclusiveLatch sets the exclusive latch. Shared holders are not
// waited for; new shared requests fail until the exclusive latch is released.
func (h *HashIndex) TryAcquireExclusiveLatch(bucket uint64) bool {
	l := &h.latches[bucket]
	for {
		v := l.Load()
		if v&exclusiveLatchBit != 0 {
			return false
		}
		if l.CompareAndSwap(v, v|exclusiveLatchBit) {
			return true
		}
	}
}

// ReleaseExclusiveLatch clears the exclusive latch.
func (h *HashIndex) ReleaseExclusiveLatch(bucket uint64) {
	l := &h.latches[bucket]
	for {
		v := l.Load()
		if l.CompareAndSwap(v, v&^exclusiveLatchBit) {
			return
		}
	}
}

// NoSharedLatches reports whether bucket has no shared latch holders.
func (h *HashIndex) NoSharedLatches(bucket uint64) bool {
	return h.latches[bucket].Load()&^exclusiveLatchBit == 0
}

// Size returns the number of buckets in the index.
func (h *HashIndex) Size() uint64 {
	return h.size
}

// Count returns the number of keys with an entry.
func (h *HashIndex) Count() int64 {
	return h.count.Load()
}

// BucketCount returns the number of entries in a specific bucket (for debugging).
func (h *HashIndex) BucketCount(bucketIdx uint64) int {
	if bucketIdx >= h.size {
		return 0
	}

	count := 0
	for n := h.buckets[bucketIdx].Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
