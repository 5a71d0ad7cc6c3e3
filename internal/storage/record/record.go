// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package record defines the unit stored in the hybrid log.
//
// A record is an immutable key/value pair plus a packed RecordInfo word. The
// log never mutates a published record; an in-place update swaps the slot to
// a new record at the same logical address. RecordInfo carries the previous
// address of the same key, the low 13 bits of the version that wrote the
// record, and the tombstone and invalid flags.
//
// # Version Bits
//
// Only VersionBits bits of a version are stored per record. Two versions that
// agree in those bits cannot be told apart once persisted, which is why the
// state machine never advances a version to a value whose low bits collide
// with the version it leaves.
package record

import (
	"fmt"
)

const (
	// VersionBits is the number of version bits stored on each record.
	VersionBits = 13
	// VersionMask selects the stored version bits.
	VersionMask = (1 << VersionBits) - 1

	// AddressBits is the width of the previous address field.
	AddressBits = 48
	// AddressMask selects an address stored in RecordInfo.
	AddressMask = (1 << AddressBits) - 1

	// InvalidAddress is never assigned to a record.
	InvalidAddress uint64 = 0
	// FirstValidAddress is the first address handed out by a fresh log.
	FirstValidAddress uint64 = 64
)

const (
	versionShift   = AddressBits
	tombstoneBit   = 1 << 61
	invalidBit     = 1 << 62
	versionInfoMax = VersionMask << versionShift
)

// Info is the packed metadata word of a record.
type Info uint64

// NewInfo builds an Info for a record written at version with the given
// previous address.
func NewInfo(version uint64, previous uint64, tombstone bool) Info {
	i := Info(previous&AddressMask) | Info((version&VersionMask)<<versionShift)
	if tombstone {
		i |= tombstoneBit
	}
	return i
}

// PreviousAddress is the address of the prior record for the same key.
func (i Info) PreviousAddress() uint64 { return uint64(i) & AddressMask }

// Version returns the stored low bits of the writing version.
func (i Info) Version() uint64 { return (uint64(i) & versionInfoMax) >> versionShift }

// Tombstone reports whether the record marks a delete.
func (i Info) Tombstone() bool { return i&tombstoneBit != 0 }

// Invalid reports whether the record must be skipped.
func (i Info) Invalid() bool { return i&invalidBit != 0 }

// WithTombstone returns a copy with the tombstone flag set.
func (i Info) WithTombstone() Info { return i | tombstoneBit }

// WithInvalid returns a copy with the invalid flag set.
func (i Info) WithInvalid() Info { return i | invalidBit }

// InVersion reports whether the record was written by version (low bits).
func (i Info) InVersion(version uint64) bool {
	return i.Version() == version&VersionMask
}

// NewerThan reports whether the record was written by a version after
// version. Stored versions wrap, so the comparison is modular over half the
// version space.
func (i Info) NewerThan(version uint64) bool {
	d := (i.Version() - version) & VersionMask
	return d != 0 && d < 1<<(VersionBits-1)
}

func (i Info) String() string {
	return fmt.Sprintf("prev=%d v=%d tomb=%t invalid=%t", i.PreviousAddress(), i.Version(), i.Tombstone(), i.Invalid())
}

// Record is one immutable entry of the log.
type Record[V any] struct {
	Info  Info
	Key   []byte
	Value V
}

// New builds a record, cloning byte-slice keys and values so callers may
// reuse their buffers.
func New[V any](info Info, key []byte, value V) *Record[V] {
	return &Record[V]{Info: info, Key: CloneBytes(key), Value: CloneValue(value)}
}

// WithInfo returns a shallow copy of r carrying info.
func (r *Record[V]) WithInfo(info Info) *Record[V] {
	return &Record[V]{Info: info, Key: r.Key, Value: r.Value}
}

// WithValue returns a shallow copy of r carrying value.
func (r *Record[V]) WithValue(value V) *Record[V] {
	return &Record[V]{Info: r.Info, Key: r.Key, Value: CloneValue(value)}
}

// Metadata describes where a record lives, handed to completion callbacks.
type Metadata struct {
	Info    Info
	Address uint64
}

// CloneBytes returns a copy of b to prevent external mutation from affecting
// internal state. A nil slice returns nil.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	dup := make([]byte, len(b))
	copy(dup, b)
	return dup
}

// CloneValue returns a deep copy of v when v is a byte slice. Other value
// types are returned unmodified to avoid unnecessary allocations.
func CloneValue[V any](v V) V {
	if b, ok := any(v).([]byte); ok {
		return any(CloneBytes(b)).(V)
	}
	return v
}
