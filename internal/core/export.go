// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/storage/record"
)

// Binary dump layout, all integers little-endian:
//
//	header: [4 bytes magic] [4 bytes version] [8 bytes count]
//	entry:  [4 bytes key_len] [key] [4 bytes value_len] [msgpack value]
const (
	DumpMagic   = 0x564B464C // "LFKV" in little-endian
	DumpVersion = 1
)

var ErrBadDump = errors.New("malformed dump")

// DumpHeader starts every binary dump.
type DumpHeader struct {
	Magic   uint32
	Version uint32
	Count   uint64
}

// DumpEntry is one live key in a JSON dump.
type DumpEntry[V any] struct {
	Key   []byte `json:"key"`
	Value V      `json:"value"`
}

// Iterate calls fn with the latest value of every live key. The walk is
// fuzzy: keys written concurrently may show either value. Records on the
// device are read synchronously.
func (s *Store[V]) Iterate(ctx context.Context, fn func(key []byte, value V) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	h, err := s.epoch.Acquire()
	if errors.Is(err, epoch.ErrTableFull) {
		return ErrSessionTableFull
	} else if err != nil {
		return err
	}
	defer h.Release()
	h.ProtectAndDrain()

	var seen int
	for it := s.index.NewIterator(); it.Next(); {
		if seen++; seen%256 == 0 {
			h.ProtectAndDrain()
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		entry := it.Entry()
		r, err := s.recordAt(entry.Address())
		if err != nil {
			return err
		}
		if r == nil || r.Info.Tombstone() || r.Info.Invalid() {
			continue
		}
		if err := fn(entry.Key(), record.CloneValue(r.Value)); err != nil {
			return err
		}
	}
	return nil
}

// recordAt loads the record at addr from memory or the device. It returns
// nil for addresses below the begin address.
func (s *Store[V]) recordAt(addr uint64) (*record.Record[V], error) {
	if addr == record.InvalidAddress || addr < s.hlog.BeginAddress() {
		return nil, nil
	}
	if addr >= s.hlog.HeadAddress() {
		if r, ok := s.hlog.Get(addr); ok {
			return r, nil
		}
	}
	r, err := s.hlog.ReadFromDevice(addr)
	return r, errors.WithMessagef(err, "reading record at %d", addr)
}

// ExportBinary writes every live key of store to w in the binary dump format.
func ExportBinary[V any](ctx context.Context, store *Store[V], w io.Writer) (int, error) {
	var entries []DumpEntry[[]byte]
	err := store.Iterate(ctx, func(key []byte, value V) error {
		b, err := msgpack.Marshal(value)
		if err != nil {
			return errors.Wrapf(err, "encoding value of %q", key)
		}
		entries = append(entries, DumpEntry[[]byte]{Key: record.CloneBytes(key), Value: b})
		return nil
	})
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	header := DumpHeader{Magic: DumpMagic, Version: DumpVersion, Count: uint64(len(entries))}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return 0, errors.Wrap(err, "writing dump header")
	}
	for _, e := range entries {
		if err := writeChunk(bw, e.Key); err != nil {
			return 0, errors.Wrap(err, "writing key")
		}
		if err := writeChunk(bw, e.Value); err != nil {
			return 0, errors.Wrap(err, "writing value")
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, errors.Wrap(err, "flushing dump")
	}
	log.WithField("keys", len(entries)).Debug("exported store")
	return len(entries), nil
}

func writeChunk(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil { // #nosec G115
		return err
	}
	_, err := w.Write(b)
	return err
}

func readChunk(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	_, err := io.ReadFull(r, b)
	return b, err
}

// ImportBinary upserts every key of a binary dump through s, numbering the
// operations after the session's current serial number. It waits for any
// pending operation before returning the number of keys imported.
func ImportBinary[V, I, O, C any](s *ClientSession[V, I, O, C], r io.Reader) (int, error) {
	br := bufio.NewReader(r)
	var header DumpHeader
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return 0, errors.Wrap(err, "reading dump header")
	}
	if header.Magic != DumpMagic {
		return 0, errors.Wrapf(ErrBadDump, "magic %#x", header.Magic)
	}
	if header.Version != DumpVersion {
		return 0, errors.Wrapf(ErrBadDump, "unsupported version %d", header.Version)
	}

	var zero C
	for i := uint64(0); i < header.Count; i++ {
		key, err := readChunk(br)
		if err != nil {
			return int(i), errors.Wrapf(ErrBadDump, "entry %d key: %v", i, err)
		}
		raw, err := readChunk(br)
		if err != nil {
			return int(i), errors.Wrapf(ErrBadDump, "entry %d value: %v", i, err)
		}
		var value V
		if err := msgpack.Unmarshal(raw, &value); err != nil {
			return int(i), errors.Wrapf(err, "decoding value of %q", key)
		}
		if _, err := s.Upsert(key, value, zero, s.SerialNo()+1); err != nil {
			return int(i), err
		}
	}
	if _, err := s.CompletePending(true); err != nil {
		return int(header.Count), err
	}
	return int(header.Count), nil
}

// ExportJSON writes every live key of store to w as one JSON object per line.
func ExportJSON[V any](ctx context.Context, store *Store[V], w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	var n int
	err := store.Iterate(ctx, func(key []byte, value V) error {
		n++
		return errors.Wrapf(enc.Encode(DumpEntry[V]{Key: key, Value: value}), "encoding %q", key)
	})
	if err != nil {
		return n, err
	}
	return n, errors.Wrap(bw.Flush(), "flushing dump")
}

// ImportJSON upserts every line written by ExportJSON through s.
func ImportJSON[V, I, O, C any](s *ClientSession[V, I, O, C], r io.Reader) (int, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	var zero C
	var n int
	for {
		var e DumpEntry[V]
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return n, errors.Wrapf(ErrBadDump, "line %d: %v", n+1, err)
		}
		if _, err := s.Upsert(e.Key, e.Value, zero, s.SerialNo()+1); err != nil {
			return n, err
		}
		n++
	}
	_, err := s.CompletePending(true)
	return n, err
}
