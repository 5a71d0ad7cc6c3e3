// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hlog provides the hybrid log used as the engine's record store.
//
// The log is an append-only sequence of records addressed by logical
// address. Addresses are split into regions by a set of monotonically
// increasing boundaries:
//
//	BeginAddress <= HeadAddress <= ReadOnlyAddress <= TailAddress
//
// Records at or above ReadOnlyAddress are mutable and may be updated in
// place. Records between HeadAddress and ReadOnlyAddress are immutable but
// still in memory. Records below HeadAddress live only on the Device, and
// records below BeginAddress are gone. Every boundary move is published in
// two steps: the boundary itself moves first, and its "safe" shadow moves in
// an epoch action once no protected session can still act on the old value.
//
// # Key Features
//
//   - Lock-free slot allocation with page-granular memory buffers
//   - Epoch-driven read-only and head shifts
//   - Background flushing of read-only pages to a pluggable Device
//   - Asynchronous device reads delivered through callbacks
//   - Forward scans across memory and device, with read-only and eviction observers
//
// # Dangers and Warnings
//
//   - **Allocation Failure**: Allocate fails when the memory buffer is full. Callers must refresh their epoch and retry.
//   - **Protection**: Records must be published into an allocated slot while the writer is epoch protected.
//   - **Single Observer**: Only one read-only observer and one eviction observer can be attached at a time.
//
// # Best Practices
//
//   - Keep MutablePages below MemoryPages so eviction has room to work
//   - Use a FileDevice for stores that need to survive restarts
//   - Close the log to stop its background goroutines
package hlog

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/storage/record"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("log is closed")

// Settings configure a Log.
type Settings struct {
	// PageSizeBits is log2 of the number of record slots per page.
	PageSizeBits uint
	// MemoryPages is the number of pages resident in memory.
	MemoryPages int
	// MutablePages is the number of pages behind the tail kept mutable.
	MutablePages int
	// PageCacheSize is the number of decoded device pages cached for reads.
	PageCacheSize int
	// ReadWorkers is the number of goroutines serving asynchronous reads.
	ReadWorkers int
	Device      Device
}

// DefaultSettings returns settings for a small in-memory log.
func DefaultSettings() Settings {
	return Settings{
		PageSizeBits:  12,
		MemoryPages:   16,
		MutablePages:  14,
		PageCacheSize: 64,
		ReadWorkers:   4,
	}
}

func (s *Settings) normalize() {
	d := DefaultSettings()
	if s.PageSizeBits < 7 {
		s.PageSizeBits = 7
	}
	if s.MemoryPages < 2 {
		s.MemoryPages = 2
	}
	if s.MutablePages > s.MemoryPages-2 {
		s.MutablePages = s.MemoryPages - 2
	}
	if s.MutablePages < 0 {
		s.MutablePages = 0
	}
	if s.PageCacheSize <= 0 {
		s.PageCacheSize = d.PageCacheSize
	}
	if s.ReadWorkers <= 0 {
		s.ReadWorkers = d.ReadWorkers
	}
	if s.Device == nil {
		s.Device = NewMemoryDevice()
	}
}

type page[V any] struct {
	number uint64
	slots  []atomic.Pointer[record.Record[V]]
}

// addresses groups the hot boundary words away from the rest of the struct.
type addresses struct {
	_            cpu.CacheLinePad
	tail         atomic.Uint64
	_            cpu.CacheLinePad
	readOnly     atomic.Uint64
	safeReadOnly atomic.Uint64
	head         atomic.Uint64
	safeHead     atomic.Uint64
	begin        atomic.Uint64
	flushedUntil atomic.Uint64
	desiredHead  atomic.Uint64
	_            cpu.CacheLinePad
}

// Observer receives records crossing a region boundary.
type Observer[V any] interface {
	OnNext(it *Iterator[V])
}

type observerBox[V any] struct {
	observer Observer[V]
}

type subscription[V any] struct {
	slot *atomic.Pointer[observerBox[V]]
	box  *observerBox[V]
}

func (s *subscription[V]) Close() error {
	s.slot.CompareAndSwap(s.box, nil)
	return nil
}

type readRequest[V any] struct {
	address uint64
	done    func(*record.Record[V], error)
}

// Log is the hybrid log.
type Log[V any] struct {
	settings Settings
	epoch    *epoch.LightEpoch
	device   Device
	cache    *lru.Cache

	pageBits uint
	pageSize uint64
	pageMask uint64

	buffers []atomic.Pointer[page[V]]
	addr    addresses

	readOnlyObserver atomic.Pointer[observerBox[V]]
	evictionObserver atomic.Pointer[observerBox[V]]

	flushSignal chan struct{}
	flushMu     sync.Mutex
	flushErr    atomic.Pointer[error]
	reads       chan readRequest[V]
	stop        chan struct{}
	wg          sync.WaitGroup
	closed      atomic.Bool
}

// New creates a log using e for boundary shifts and starts its background goroutines.
func New[V any](e *epoch.LightEpoch, s Settings) (*Log[V], error) {
	s.normalize()
	cache, err := lru.New(s.PageCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating page cache")
	}
	l := &Log[V]{
		settings:    s,
		epoch:       e,
		device:      s.Device,
		cache:       cache,
		pageBits:    s.PageSizeBits,
		pageSize:    1 << s.PageSizeBits,
		pageMask:    (1 << s.PageSizeBits) - 1,
		buffers:     make([]atomic.Pointer[page[V]], s.MemoryPages),
		flushSignal: make(chan struct{}, 1),
		reads:       make(chan readRequest[V], 1024),
		stop:        make(chan struct{}),
	}
	l.resetAddresses(record.FirstValidAddress, record.FirstValidAddress)

	l.wg.Add(1 + s.ReadWorkers)
	go l.flushLoop()
	for i := 0; i < s.ReadWorkers; i++ {
		go l.readLoop()
	}
	return l, nil
}

func (l *Log[V]) resetAddresses(begin, tail uint64) {
	l.addr.begin.Store(begin)
	l.addr.tail.Store(tail)
	for _, a := range []*atomic.Uint64{
		&l.addr.readOnly, &l.addr.safeReadOnly, &l.addr.head,
		&l.addr.safeHead, &l.addr.flushedUntil, &l.addr.desiredHead,
	} {
		a.Store(tail)
	}
}

// PageSize returns the number of slots per page.
func (l *Log[V]) PageSize() uint64 { return l.pageSize }

// Page returns the page holding address.
func (l *Log[V]) Page(address uint64) uint64 { return address >> l.pageBits }

// PageStart returns the first address of the page holding address.
func (l *Log[V]) PageStart(address uint64) uint64 { return address &^ l.pageMask }

func (l *Log[V]) TailAddress() uint64         { return l.addr.tail.Load() }
func (l *Log[V]) ReadOnlyAddress() uint64     { return l.addr.readOnly.Load() }
func (l *Log[V]) SafeReadOnlyAddress() uint64 { return l.addr.safeReadOnly.Load() }
func (l *Log[V]) HeadAddress() uint64         { return l.addr.head.Load() }
func (l *Log[V]) SafeHeadAddress() uint64     { return l.addr.safeHead.Load() }
func (l *Log[V]) BeginAddress() uint64        { return l.addr.begin.Load() }
func (l *Log[V]) FlushedUntilAddress() uint64 { return l.addr.flushedUntil.Load() }

// FlushError returns the error of the last flush attempt. It is cleared
// when the read-only address moves, since that triggers another attempt.
func (l *Log[V]) FlushError() error {
	if p := l.flushErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Allocate reserves the next slot. It returns false when the memory buffer
// has no room; the caller should refresh its epoch and retry.
func (l *Log[V]) Allocate() (uint64, bool) {
	for {
		if l.closed.Load() {
			return record.InvalidAddress, false
		}
		tail := l.addr.tail.Load()
		pg := tail >> l.pageBits
		if pg >= l.Page(l.addr.safeHead.Load())+uint64(l.settings.MemoryPages) {
			if pg > 0 {
				l.shiftForTailPage(pg - 1)
			}
			return record.InvalidAddress, false
		}
		if !l.addr.tail.CompareAndSwap(tail, tail+1) {
			continue
		}
		l.pageFor(pg)
		if tail&l.pageMask == 0 {
			l.shiftForTailPage(pg)
		}
		return tail, true
	}
}

// pageFor returns the buffer for page pg, installing a fresh one if the slot
// still holds an older page.
func (l *Log[V]) pageFor(pg uint64) *page[V] {
	slot := &l.buffers[pg%uint64(len(l.buffers))]
	for {
		cur := slot.Load()
		if cur != nil && cur.number == pg {
			return cur
		}
		if cur != nil && cur.number > pg {
			return nil
		}
		fresh := &page[V]{number: pg, slots: make([]atomic.Pointer[record.Record[V]], l.pageSize)}
		if slot.CompareAndSwap(cur, fresh) {
			return fresh
		}
	}
}

func (l *Log[V]) residentPage(pg uint64) *page[V] {
	cur := l.buffers[pg%uint64(len(l.buffers))].Load()
	if cur == nil || cur.number != pg {
		return nil
	}
	return cur
}

// Publish stores r at an allocated address.
func (l *Log[V]) Publish(address uint64, r *record.Record[V]) {
	if p := l.pageFor(l.Page(address)); p != nil {
		p.slots[address&l.pageMask].Store(r)
	}
}

// Get returns the in-memory record at address. It returns false for
// addresses below HeadAddress or slots that are not published yet.
func (l *Log[V]) Get(address uint64) (*record.Record[V], bool) {
	if address < l.addr.head.Load() || address >= l.addr.tail.Load() {
		return nil, false
	}
	return l.getResident(address)
}

// getResident ignores the head boundary; observers use it while the pages
// they are told about are still in the buffer.
func (l *Log[V]) getResident(address uint64) (*record.Record[V], bool) {
	p := l.residentPage(l.Page(address))
	if p == nil {
		return nil, false
	}
	r := p.slots[address&l.pageMask].Load()
	return r, r != nil
}

// CompareAndSwap replaces the record at an in-memory address. It is how
// in-place updates in the mutable region are published.
func (l *Log[V]) CompareAndSwap(address uint64, old, new *record.Record[V]) bool {
	p := l.residentPage(l.Page(address))
	if p == nil {
		return false
	}
	return p.slots[address&l.pageMask].CompareAndSwap(old, new)
}

// shiftForTailPage moves the read-only and head boundaries after the tail
// entered page pg, keeping one buffer free for the following page.
func (l *Log[V]) shiftForTailPage(pg uint64) {
	if ro := int64(pg) - int64(l.settings.MutablePages); ro > 0 {
		l.shiftReadOnly(uint64(ro) << l.pageBits)
	}
	if head := int64(pg) - int64(l.settings.MemoryPages) + 2; head > 0 {
		l.requestHead(uint64(head) << l.pageBits)
	}
}

// ShiftReadOnlyToTail moves the read-only boundary to the current tail
// without waiting and returns that tail.
func (l *Log[V]) ShiftReadOnlyToTail() uint64 {
	tail := l.addr.tail.Load()
	l.shiftReadOnly(tail)
	return tail
}

// ShiftReadOnlyAddress moves the read-only boundary to address (clamped to
// the tail). With wait it blocks until everything below has been flushed.
func (l *Log[V]) ShiftReadOnlyAddress(ctx context.Context, address uint64, wait bool) error {
	if tail := l.addr.tail.Load(); address > tail {
		address = tail
	}
	l.shiftReadOnly(address)
	if !wait {
		return nil
	}
	return l.waitFor(ctx, func() bool { return l.addr.flushedUntil.Load() >= address })
}

func (l *Log[V]) shiftReadOnly(address uint64) {
	if !monotonicUpdate(&l.addr.readOnly, address) {
		return
	}
	// A new flush is on its way; only its outcome counts.
	l.flushErr.Store(nil)
	l.epoch.BumpCurrentEpochWithAction(func() { l.onPagesMarkedReadOnly(address) })
}

func (l *Log[V]) onPagesMarkedReadOnly(address uint64) {
	old := l.addr.safeReadOnly.Load()
	if !monotonicUpdate(&l.addr.safeReadOnly, address) {
		return
	}
	if box := l.readOnlyObserver.Load(); box != nil {
		it := l.scanMemory(old, address)
		box.observer.OnNext(it)
		it.Close()
	}
	select {
	case l.flushSignal <- struct{}{}:
	default:
	}
}

// ShiftHeadAddress evicts records below address from memory, first making
// them read-only. With wait it blocks until the eviction is complete.
func (l *Log[V]) ShiftHeadAddress(ctx context.Context, address uint64, wait bool) error {
	if tail := l.addr.tail.Load(); address > tail {
		address = tail
	}
	l.shiftReadOnly(address)
	l.requestHead(address)
	if !wait {
		return nil
	}
	return l.waitFor(ctx, func() bool {
		l.tryShiftHead()
		return l.addr.safeHead.Load() >= address
	})
}

func (l *Log[V]) requestHead(address uint64) {
	monotonicUpdate(&l.addr.desiredHead, address)
	l.tryShiftHead()
}

// tryShiftHead moves the head as far toward the desired head as flushing allows.
func (l *Log[V]) tryShiftHead() {
	target := l.addr.desiredHead.Load()
	if flushed := l.addr.flushedUntil.Load(); target > flushed {
		target = flushed
	}
	if !monotonicUpdate(&l.addr.head, target) {
		return
	}
	l.epoch.BumpCurrentEpochWithAction(func() { l.onPagesClosed(target) })
}

func (l *Log[V]) onPagesClosed(address uint64) {
	old := l.addr.safeHead.Load()
	if address <= old {
		return
	}
	if box := l.evictionObserver.Load(); box != nil {
		it := l.scanMemory(old, address)
		box.observer.OnNext(it)
		it.Close()
	}
	if !monotonicUpdate(&l.addr.safeHead, address) {
		return
	}
	for pg := l.Page(old); pg < l.Page(address); pg++ {
		slot := &l.buffers[pg%uint64(len(l.buffers))]
		if cur := slot.Load(); cur != nil && cur.number == pg {
			slot.CompareAndSwap(cur, nil)
		}
	}
}

// ShiftBeginAddress drops records below address. With snapToPageStart the
// address is rounded down to its page start first.
func (l *Log[V]) ShiftBeginAddress(address uint64, snapToPageStart bool) {
	if snapToPageStart {
		address = l.PageStart(address)
	}
	if tail := l.addr.tail.Load(); address > tail {
		address = tail
	}
	if !monotonicUpdate(&l.addr.begin, address) {
		return
	}
	if l.addr.head.Load() < address {
		l.shiftReadOnly(address)
		l.requestHead(address)
	}
	l.epoch.BumpCurrentEpochWithAction(func() {
		if err := l.device.TruncateBefore(l.Page(address)); err != nil {
			log.WithFields(log.Fields{"begin": address, "err": err}).Warn("failed to truncate log device")
		}
		for _, k := range l.cache.Keys() {
			if pg, ok := k.(uint64); ok && pg < l.Page(address) {
				l.cache.Remove(k)
			}
		}
	})
}

// Flush makes everything below the current tail read-only and flushes it.
func (l *Log[V]) Flush(ctx context.Context, wait bool) error {
	return l.ShiftReadOnlyAddress(ctx, l.addr.tail.Load(), wait)
}

// FlushAndEvict flushes everything and evicts it from memory.
func (l *Log[V]) FlushAndEvict(ctx context.Context, wait bool) error {
	return l.ShiftHeadAddress(ctx, l.addr.tail.Load(), wait)
}

// DisposeFromMemory evicts every in-memory record and drops cached pages.
func (l *Log[V]) DisposeFromMemory(ctx context.Context) error {
	if err := l.FlushAndEvict(ctx, true); err != nil {
		return err
	}
	l.cache.Purge()
	return nil
}

// waitFor blocks until cond holds. It gives up with ErrClosed once the log
// is closed and with the flusher's error once a device write has failed.
func (l *Log[V]) waitFor(ctx context.Context, cond func() bool) error {
	var err error
	if werr := epoch.SpinWait(ctx, func() bool {
		switch {
		case cond():
			return true
		case l.closed.Load():
			err = ErrClosed
			return true
		}
		if ferr := l.FlushError(); ferr != nil {
			err = errors.WithMessage(ferr, "flushing log")
			return true
		}
		return false
	}, l.epoch.Drain); werr != nil {
		return werr
	}
	return err
}

// SubscribeReadOnly attaches the observer that sees records as they become
// read-only. A later subscription replaces an earlier one.
func (l *Log[V]) SubscribeReadOnly(o Observer[V]) io.Closer {
	box := &observerBox[V]{observer: o}
	l.readOnlyObserver.Store(box)
	return &subscription[V]{slot: &l.readOnlyObserver, box: box}
}

// SubscribeEvictions attaches the observer that sees records as they leave memory.
func (l *Log[V]) SubscribeEvictions(o Observer[V]) io.Closer {
	box := &observerBox[V]{observer: o}
	l.evictionObserver.Store(box)
	return &subscription[V]{slot: &l.evictionObserver, box: box}
}

func (l *Log[V]) flushLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case <-l.flushSignal:
		}
		if err := l.flushOnce(); err != nil {
			l.flushErr.Store(&err)
			log.WithField("err", err).Warn("log flush failed")
		} else {
			l.flushErr.Store(nil)
		}
	}
}

func (l *Log[V]) flushOnce() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	target := l.addr.safeReadOnly.Load()
	from := l.addr.flushedUntil.Load()
	if target <= from {
		return nil
	}
	for pg := l.Page(from); pg <= l.Page(target-1); pg++ {
		start, end := pg<<l.pageBits, (pg+1)<<l.pageBits
		if start < from {
			start = from
		}
		if end > target {
			end = target
		}
		if err := l.flushPage(pg, start, end); err != nil {
			return err
		}
	}
	l.addr.flushedUntil.Store(target)
	l.tryShiftHead()
	return nil
}

// flushPage rewrites page pg with its persisted records below start plus the
// in-memory records in [start, end).
func (l *Log[V]) flushPage(pg, start, end uint64) error {
	existing, err := l.device.ReadPage(pg)
	if err != nil {
		return err
	}
	out := existing[:0]
	for _, dr := range existing {
		if dr.Address < start {
			out = append(out, dr)
		}
	}
	p := l.residentPage(pg)
	if p == nil {
		return errors.Errorf("page %d left memory before it was flushed", pg)
	}
	for a := start; a < end; a++ {
		r := p.slots[a&l.pageMask].Load()
		if r == nil {
			continue
		}
		dr, err := l.encode(a, r)
		if err != nil {
			return err
		}
		out = append(out, dr)
	}
	l.cache.Remove(pg)
	return l.device.WritePage(pg, out)
}

func (l *Log[V]) encode(address uint64, r *record.Record[V]) (DiskRecord, error) {
	b, err := msgpack.Marshal(r.Value)
	if err != nil {
		return DiskRecord{}, errors.Wrapf(err, "encoding record at %d", address)
	}
	return DiskRecord{Address: address, Info: uint64(r.Info), Key: r.Key, Value: b}, nil
}

func (l *Log[V]) decode(dr DiskRecord) (*record.Record[V], error) {
	r := &record.Record[V]{Info: record.Info(dr.Info), Key: dr.Key}
	if err := msgpack.Unmarshal(dr.Value, &r.Value); err != nil {
		return nil, errors.Wrapf(err, "decoding record at %d", dr.Address)
	}
	return r, nil
}

func (l *Log[V]) devicePage(pg uint64) ([]DiskRecord, error) {
	if v, ok := l.cache.Get(pg); ok {
		return v.([]DiskRecord), nil
	}
	records, err := l.device.ReadPage(pg)
	if err != nil {
		return nil, err
	}
	l.cache.Add(pg, records)
	return records, nil
}

// ReadFromDevice loads the persisted record at address. It returns nil
// without error when nothing was persisted there.
func (l *Log[V]) ReadFromDevice(address uint64) (*record.Record[V], error) {
	records, err := l.devicePage(l.Page(address))
	if err != nil {
		return nil, err
	}
	i := searchAddress(records, address)
	if i == len(records) || records[i].Address != address {
		return nil, nil
	}
	return l.decode(records[i])
}

// ReadAsync loads the record at address on a read worker and hands it to done.
func (l *Log[V]) ReadAsync(address uint64, done func(*record.Record[V], error)) {
	if l.closed.Load() {
		done(nil, ErrClosed)
		return
	}
	select {
	case l.reads <- readRequest[V]{address: address, done: done}:
	case <-l.stop:
		done(nil, ErrClosed)
	}
}

func (l *Log[V]) readLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case req := <-l.reads:
			r, err := l.ReadFromDevice(req.address)
			req.done(r, err)
		}
	}
}

// WriteRecords merges persisted records into the device, overwriting
// records at the same addresses. Records must be sorted by address.
func (l *Log[V]) WriteRecords(records []DiskRecord) error {
	for len(records) > 0 {
		pg := l.Page(records[0].Address)
		n := 0
		for n < len(records) && l.Page(records[n].Address) == pg {
			n++
		}
		batch := records[:n]
		records = records[n:]

		existing, err := l.device.ReadPage(pg)
		if err != nil {
			return err
		}
		merged := make([]DiskRecord, 0, len(existing)+len(batch))
		i, j := 0, 0
		for i < len(existing) || j < len(batch) {
			switch {
			case j == len(batch) || (i < len(existing) && existing[i].Address < batch[j].Address):
				merged = append(merged, existing[i])
				i++
			case i == len(existing) || batch[j].Address < existing[i].Address:
				merged = append(merged, batch[j])
				j++
			default:
				merged = append(merged, batch[j])
				i++
				j++
			}
		}
		l.cache.Remove(pg)
		if err := l.device.WritePage(pg, merged); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate sets the invalid flag on persisted records so later scans and
// recoveries skip them. Addresses must be sorted.
func (l *Log[V]) Invalidate(addresses []uint64) error {
	for len(addresses) > 0 {
		pg := l.Page(addresses[0])
		records, err := l.device.ReadPage(pg)
		if err != nil {
			return err
		}
		for len(addresses) > 0 && l.Page(addresses[0]) == pg {
			if i := searchAddress(records, addresses[0]); i < len(records) && records[i].Address == addresses[0] {
				records[i].Info = uint64(record.Info(records[i].Info).WithInvalid())
			}
			addresses = addresses[1:]
		}
		l.cache.Remove(pg)
		if err := l.device.WritePage(pg, records); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotRange encodes the in-memory records in [from, to).
func (l *Log[V]) SnapshotRange(from, to uint64) ([]DiskRecord, error) {
	var out []DiskRecord
	for a := from; a < to; a++ {
		r, ok := l.Get(a)
		if !ok {
			continue
		}
		dr, err := l.encode(a, r)
		if err != nil {
			return nil, err
		}
		out = append(out, dr)
	}
	return out, nil
}

// Decode turns a persisted record into a typed one.
func (l *Log[V]) Decode(dr DiskRecord) (*record.Record[V], error) {
	return l.decode(dr)
}

// RecoverAt positions a fresh log over persisted records: everything in
// [begin, tail) is on the device and nothing is in memory.
func (l *Log[V]) RecoverAt(begin, tail uint64) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	pg := l.Page(tail)
	existing, err := l.device.ReadPage(pg)
	if err != nil {
		return err
	}
	kept := existing[:0]
	for _, dr := range existing {
		if dr.Address < tail {
			kept = append(kept, dr)
		}
	}
	if err := l.device.WritePage(pg, kept); err != nil {
		return err
	}
	l.cache.Purge()
	for i := range l.buffers {
		l.buffers[i].Store(nil)
	}
	l.resetAddresses(begin, tail)
	return nil
}

// Close stops background goroutines and closes the device.
func (l *Log[V]) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stop)
	l.wg.Wait()
	return l.device.Close()
}

func monotonicUpdate(a *atomic.Uint64, value uint64) bool {
	for {
		cur := a.Load()
		if value <= cur {
			return false
		}
		if a.CompareAndSwap(cur, value) {
			return true
		}
	}
}

func searchAddress(records []DiskRecord, address uint64) int {
	return sort.Search(len(records), func(i int) bool { return records[i].Address >= address })
}
