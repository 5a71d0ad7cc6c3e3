// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides epoch protection for the key-value engine.
//
// This package implements a light-weight epoch framework. Every client
// session owns a Handle into a fixed-size table. A protected handle publishes
// the global epoch it observed, and an action registered with
// BumpCurrentEpochWithAction runs once every protected handle has moved past
// the epoch at which the action was registered. The same table carries
// per-phase markers that the state machine uses to learn when every active
// session has finished its obligations for a phase.
//
// # Key Features
//
//   - Fixed-size, cache-line padded protection table
//   - Deferred actions drained cooperatively by whoever refreshes next
//   - Phase markers with CheckIsComplete over protected handles only
//   - The last handle to suspend drains any remaining actions
//
// # Usage Examples
//
//	e := epoch.New(128)
//	h, err := e.Acquire()
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
//
//	h.Resume()
//	e.BumpCurrentEpochWithAction(func() {
//	    // runs once no protected handle can still observe the old epoch
//	})
//	h.Suspend()
//
// # Dangers and Warnings
//
//   - **Handle Ownership**: A Handle must be used by one goroutine at a time.
//   - **Long Protection**: A handle that stays protected without refreshing blocks every pending action.
//   - **Table Size**: Acquire fails with ErrTableFull once every entry is taken.
//
// # Best Practices
//
//   - Suspend a handle whenever its owner is about to block
//   - Refresh (ProtectAndDrain) regularly in long loops
//   - Release handles when the owning session closes
package epoch

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

// MarkerCount is the number of phase markers carried by each table entry.
const MarkerCount = 8

const (
	drainListSize = 16

	// Drain slot states.
	slotFree   = math.MaxUint64
	slotLocked = math.MaxUint64 - 1
)

// ErrTableFull is returned by Acquire when every table entry is in use.
var ErrTableFull = errors.New("epoch table is full")

// entry is one slot of the protection table.
type entry struct {
	_ cpu.CacheLinePad
	// localCurrentEpoch is zero while the owner is not protected.
	localCurrentEpoch atomic.Uint64
	inUse             atomic.Bool
	markers           [MarkerCount]atomic.Uint64
	_                 cpu.CacheLinePad
}

type drainSlot struct {
	epoch  atomic.Uint64
	action func()
}

// LightEpoch is the shared epoch table.
type LightEpoch struct {
	table []entry

	currentEpoch       atomic.Uint64
	safeToReclaimEpoch atomic.Uint64

	drainCount atomic.Int64
	drainList  [drainListSize]drainSlot
}

// New creates an epoch table with room for size concurrent handles.
func New(size int) *LightEpoch {
	if size <= 0 {
		size = 128
	}
	e := &LightEpoch{table: make([]entry, size)}
	e.currentEpoch.Store(1)
	for i := range e.drainList {
		e.drainList[i].epoch.Store(slotFree)
	}
	return e
}

// Acquire reserves a table entry. The returned handle starts unprotected.
func (e *LightEpoch) Acquire() (*Handle, error) {
	for i := range e.table {
		if e.table[i].inUse.CompareAndSwap(false, true) {
			return &Handle{epoch: e, entry: &e.table[i]}, nil
		}
	}
	return nil, ErrTableFull
}

// CurrentEpoch returns the global epoch.
func (e *LightEpoch) CurrentEpoch() uint64 {
	return e.currentEpoch.Load()
}

// SafeToReclaimEpoch returns the newest epoch no protected handle can observe.
func (e *LightEpoch) SafeToReclaimEpoch() uint64 {
	return e.safeToReclaimEpoch.Load()
}

// PendingActions returns the number of registered actions not yet drained.
func (e *LightEpoch) PendingActions() int {
	return int(e.drainCount.Load())
}

// BumpCurrentEpoch increments the global epoch and drains what became safe.
func (e *LightEpoch) BumpCurrentEpoch() uint64 {
	next := e.currentEpoch.Add(1)
	if e.drainCount.Load() > 0 {
		e.drain(next)
	}
	return next
}

// BumpCurrentEpochWithAction increments the global epoch and registers action
// to run once every handle protected at the prior epoch has moved on. When
// nothing is protected the action runs before this call returns.
func (e *LightEpoch) BumpCurrentEpochWithAction(action func()) {
	prior := e.BumpCurrentEpoch() - 1

	for i := 0; ; i++ {
		if i == drainListSize {
			// List full: help drain and try again.
			i = 0
			e.drain(e.currentEpoch.Load())
		}
		slot := &e.drainList[i]
		trigger := slot.epoch.Load()
		if trigger == slotFree {
			if slot.epoch.CompareAndSwap(slotFree, slotLocked) {
				slot.action = action
				slot.epoch.Store(prior)
				e.drainCount.Add(1)
				break
			}
			continue
		}
		if trigger <= e.safeToReclaimEpoch.Load() && trigger != slotLocked {
			if slot.epoch.CompareAndSwap(trigger, slotLocked) {
				old := slot.action
				slot.action = action
				slot.epoch.Store(prior)
				old()
				break
			}
		}
	}

	e.drain(e.currentEpoch.Load())
}

// Drain runs every registered action that has become safe.
func (e *LightEpoch) Drain() {
	if e.drainCount.Load() > 0 {
		e.drain(e.currentEpoch.Load())
	}
}

// CheckIsComplete reports whether every protected handle has marked the
// given phase index with version.
func (e *LightEpoch) CheckIsComplete(markerIdx int, version uint64) bool {
	for i := range e.table {
		t := &e.table[i]
		if t.localCurrentEpoch.Load() != 0 && t.markers[markerIdx].Load() != version {
			return false
		}
	}
	return true
}

// ProtectedCount returns the number of currently protected handles.
func (e *LightEpoch) ProtectedCount() int {
	n := 0
	for i := range e.table {
		if e.table[i].localCurrentEpoch.Load() != 0 {
			n++
		}
	}
	return n
}

func (e *LightEpoch) computeNewSafeToReclaimEpoch(current uint64) uint64 {
	oldest := current
	for i := range e.table {
		local := e.table[i].localCurrentEpoch.Load()
		if local != 0 && local < oldest {
			oldest = local
		}
	}
	safe := oldest - 1
	for {
		prev := e.safeToReclaimEpoch.Load()
		if safe <= prev || e.safeToReclaimEpoch.CompareAndSwap(prev, safe) {
			break
		}
	}
	return e.safeToReclaimEpoch.Load()
}

func (e *LightEpoch) drain(next uint64) {
	safe := e.computeNewSafeToReclaimEpoch(next)
	for i := range e.drainList {
		slot := &e.drainList[i]
		trigger := slot.epoch.Load()
		if trigger == slotFree || trigger == slotLocked || trigger > safe {
			continue
		}
		if slot.epoch.CompareAndSwap(trigger, slotLocked) {
			action := slot.action
			slot.action = nil
			slot.epoch.Store(slotFree)
			e.drainCount.Add(-1)
			action()
		}
		if e.drainCount.Load() == 0 {
			break
		}
	}
}

// suspendDrain lets the last handle to leave run the remaining actions.
func (e *LightEpoch) suspendDrain(h *Handle) {
	for e.drainCount.Load() > 0 {
		if e.ProtectedCount() > 0 {
			return
		}
		h.ProtectAndDrain()
		h.entry.localCurrentEpoch.Store(0)
	}
}

// Handle is a session's entry in the epoch table.
type Handle struct {
	epoch *LightEpoch
	entry *entry
}

// Protect publishes the current epoch for this handle and returns it.
func (h *Handle) Protect() uint64 {
	current := h.epoch.currentEpoch.Load()
	h.entry.localCurrentEpoch.Store(current)
	return current
}

// ProtectAndDrain protects the handle and runs any actions that became safe.
func (h *Handle) ProtectAndDrain() uint64 {
	current := h.Protect()
	if h.epoch.drainCount.Load() > 0 {
		h.epoch.drain(current)
	}
	return current
}

// Resume is ProtectAndDrain for a handle coming back from Suspend.
func (h *Handle) Resume() {
	h.ProtectAndDrain()
}

// Suspend unprotects the handle.
func (h *Handle) Suspend() {
	h.entry.localCurrentEpoch.Store(0)
	if h.epoch.drainCount.Load() > 0 {
		h.epoch.suspendDrain(h)
	}
}

// IsProtected reports whether the handle currently holds protection.
func (h *Handle) IsProtected() bool {
	return h.entry.localCurrentEpoch.Load() != 0
}

// LocalEpoch returns the epoch published by this handle, zero if unprotected.
func (h *Handle) LocalEpoch() uint64 {
	return h.entry.localCurrentEpoch.Load()
}

// Mark records that this handle completed the phase obligation markerIdx for version.
func (h *Handle) Mark(markerIdx int, version uint64) {
	h.entry.markers[markerIdx].Store(version)
}

// Release suspends the handle and returns its entry to the table.
func (h *Handle) Release() {
	h.Suspend()
	for i := range h.entry.markers {
		h.entry.markers[i].Store(0)
	}
	h.entry.inUse.Store(false)
}
