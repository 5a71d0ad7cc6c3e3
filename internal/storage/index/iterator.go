// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Iterator walks every entry of the index bucket by bucket. It observes
// entries inserted concurrently on a best-effort basis.
type Iterator struct {
	index   *HashIndex
	bucket  uint64
	current *Entry
}

// NewIterator returns an iterator positioned before the first entry.
func (h *HashIndex) NewIterator() *Iterator {
	return &Iterator{index: h}
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.current != nil {
		if it.current = it.current.next.Load(); it.current == nil {
			it.bucket++
		}
	}
	for it.current == nil {
		if it.bucket >= it.index.size {
			return false
		}
		if it.current = it.index.buckets[it.bucket].Load(); it.current == nil {
			it.bucket++
		}
	}
	return true
}

// Entry returns the current entry.
func (it *Iterator) Entry() *Entry { return it.current }

// Reset rewinds the iterator.
func (it *Iterator) Reset() {
	it.bucket = 0
	it.current = nil
}

// SnapshotEntry is one key of an index snapshot.
type SnapshotEntry struct {
	Key     []byte `msgpack:"k"`
	Address uint64 `msgpack:"a"`
}

// Snapshot is the persisted form of the index.
type Snapshot struct {
	Buckets uint64          `msgpack:"b"`
	Entries []SnapshotEntry `msgpack:"e"`
}

// TakeSnapshot captures every entry with an address. The result is fuzzy:
// entries written during the walk may appear with either their old or new address.
func (h *HashIndex) TakeSnapshot() Snapshot {
	s := Snapshot{Buckets: h.size}
	for it := h.NewIterator(); it.Next(); {
		e := it.Entry()
		if a := e.Address(); a != 0 {
			s.Entries = append(s.Entries, SnapshotEntry{Key: e.key, Address: a})
		}
	}
	return s
}

// Encode serializes the snapshot.
func (s Snapshot) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(s)
	return b, errors.Wrap(err, "encoding index snapshot")
}

// DecodeSnapshot parses a snapshot produced by Encode.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	var s Snapshot
	err := msgpack.Unmarshal(b, &s)
	return s, errors.Wrap(err, "decoding index snapshot")
}

// Restore loads the snapshot into the index, overwriting existing addresses.
func (h *HashIndex) Restore(s Snapshot) {
	for _, se := range s.Entries {
		h.FindOrCreate(se.Key).Store(se.Address)
	}
}
