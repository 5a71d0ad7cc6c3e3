// Licensed under the MIT License. See LICENSE file in the project root for details.

package hlog

import (
	"github.com/kianostad/lfkv/internal/storage/record"
)

// BufferingMode controls how many device pages a scan keeps decoded.
type BufferingMode int

const (
	// NoBuffering reads through the log's shared page cache.
	NoBuffering BufferingMode = iota
	// SinglePageBuffering keeps the current device page private to the iterator.
	SinglePageBuffering
	// DoublePageBuffering also decodes the following page ahead of time.
	DoublePageBuffering
)

func (m BufferingMode) String() string {
	switch m {
	case NoBuffering:
		return "none"
	case SinglePageBuffering:
		return "single"
	case DoublePageBuffering:
		return "double"
	}
	return "unknown"
}

// Iterator walks records in address order. It skips invalid records and
// unpublished slots. An iterator is not safe for concurrent use.
type Iterator[V any] struct {
	log        *Log[V]
	end        uint64
	current    uint64
	next       uint64
	mode       BufferingMode
	memoryOnly bool

	buffered map[uint64][]DiskRecord
	err      error
	closed   bool
}

// Scan returns an iterator over [begin, end).
func (l *Log[V]) Scan(begin, end uint64, mode BufferingMode) *Iterator[V] {
	return &Iterator[V]{
		log:      l,
		end:      end,
		next:     begin,
		current:  begin,
		mode:     mode,
		buffered: make(map[uint64][]DiskRecord, 2),
	}
}

func (l *Log[V]) scanMemory(begin, end uint64) *Iterator[V] {
	it := l.Scan(begin, end, NoBuffering)
	it.memoryOnly = true
	return it
}

// CurrentAddress is the address of the record last returned by GetNext.
func (it *Iterator[V]) CurrentAddress() uint64 { return it.current }

// NextAddress is where the following GetNext starts looking.
func (it *Iterator[V]) NextAddress() uint64 { return it.next }

// EndAddress is the exclusive upper bound of the scan.
func (it *Iterator[V]) EndAddress() uint64 { return it.end }

// Err returns the device error that stopped the scan, if any.
func (it *Iterator[V]) Err() error { return it.err }

// Reset restarts the scan at address.
func (it *Iterator[V]) Reset(address uint64) {
	it.next = address
	it.current = address
	it.err = nil
	it.closed = false
	if it.buffered == nil {
		it.buffered = make(map[uint64][]DiskRecord, 2)
	}
}

// GetNext returns the next valid record, or false at the end of the range.
func (it *Iterator[V]) GetNext() (*record.Record[V], bool) {
	for !it.closed && it.err == nil {
		a := it.next
		if begin := it.log.BeginAddress(); a < begin && !it.memoryOnly {
			a = begin
		}
		if tail := it.log.TailAddress(); a >= it.end || a >= tail {
			it.next = a
			return nil, false
		}

		if it.memoryOnly {
			r, ok := it.log.getResident(a)
			it.next = a + 1
			if ok && !r.Info.Invalid() {
				it.current = a
				return r, true
			}
			continue
		}

		if a >= it.log.HeadAddress() {
			r, ok := it.log.Get(a)
			if ok {
				it.next = a + 1
				if r.Info.Invalid() {
					continue
				}
				it.current = a
				return r, true
			}
			if a >= it.log.HeadAddress() {
				it.next = a + 1
				continue
			}
		}

		r, at, err := it.fromDevice(a)
		if err != nil {
			it.err = err
			return nil, false
		}
		if r == nil {
			it.next = at
			continue
		}
		it.next = at + 1
		if r.Info.Invalid() {
			continue
		}
		it.current = at
		return r, true
	}
	return nil, false
}

// fromDevice returns the first persisted record at or after a within a's
// page, or the start of the following page when there is none.
func (it *Iterator[V]) fromDevice(a uint64) (*record.Record[V], uint64, error) {
	pg := it.log.Page(a)
	records, err := it.page(pg)
	if err != nil {
		return nil, a, err
	}
	i := searchAddress(records, a)
	if i == len(records) {
		return nil, (pg + 1) << it.log.pageBits, nil
	}
	if records[i].Address >= it.end {
		return nil, it.end, nil
	}
	r, err := it.log.decode(records[i])
	return r, records[i].Address, err
}

func (it *Iterator[V]) page(pg uint64) ([]DiskRecord, error) {
	if it.mode == NoBuffering {
		return it.log.devicePage(pg)
	}
	if records, ok := it.buffered[pg]; ok {
		return records, nil
	}
	for k := range it.buffered {
		if k < pg {
			delete(it.buffered, k)
		}
	}
	records, err := it.log.device.ReadPage(pg)
	if err != nil {
		return nil, err
	}
	it.buffered[pg] = records
	if it.mode == DoublePageBuffering && (pg+1)<<it.log.pageBits < it.end {
		ahead, err := it.log.device.ReadPage(pg + 1)
		if err != nil {
			return nil, err
		}
		it.buffered[pg+1] = ahead
	}
	return records, nil
}

// Close releases buffered pages.
func (it *Iterator[V]) Close() {
	it.closed = true
	it.buffered = nil
}
