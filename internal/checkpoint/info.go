// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package checkpoint defines checkpoint metadata and the backends that
// persist it.
//
// A hybrid log checkpoint captures one version of the log: the address
// range the version occupies, where the log was flushed to, and the commit
// point of every session that took part. An index checkpoint captures a
// fuzzy snapshot of the hash index together with the log range that must be
// replayed over it. Both are opaque byte blobs to a Manager, which only has
// to store them durably under their token and list tokens newest first.
//
// # Metadata Layout
//
// Log checkpoint metadata is the msgpack encoding of HybridLogCheckpointInfo,
// optionally followed by a caller supplied commit cookie in base64. The
// cookie lets applications tie their own state to a checkpoint.
//
// # Backends
//
//   - DirManager stores checkpoints as files on any afero filesystem
//   - BoltManager stores checkpoints in a single bbolt database file
package checkpoint

import (
	"bytes"
	"encoding/base64"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kianostad/lfkv/internal/storage/hlog"
)

// CommitPoint is the serial number up to which a session's operations are
// durable. ExcludedSerialNos lists earlier operations still in flight when
// the point was taken. UntilSerialNo of -1 means the session cannot resume.
type CommitPoint struct {
	UntilSerialNo     int64   `msgpack:"until"`
	ExcludedSerialNos []int64 `msgpack:"excluded,omitempty"`
}

// CannotResume is returned when a session cannot be continued.
var CannotResume = CommitPoint{UntilSerialNo: -1}

// HybridLogCheckpointInfo describes one hybrid log checkpoint.
type HybridLogCheckpointInfo struct {
	Token                 string                 `msgpack:"token"`
	Version               uint64                 `msgpack:"version"`
	NextVersion           uint64                 `msgpack:"next_version"`
	FlushedLogicalAddress uint64                 `msgpack:"flushed"`
	StartLogicalAddress   uint64                 `msgpack:"start"`
	FinalLogicalAddress   uint64                 `msgpack:"final"`
	HeadAddress           uint64                 `msgpack:"head"`
	BeginAddress          uint64                 `msgpack:"begin"`
	UseSnapshotFile       bool                   `msgpack:"snapshot"`
	CheckpointTokens      map[string]CommitPoint `msgpack:"sessions"`
}

// IndexCheckpointInfo describes one index checkpoint. Snapshot holds the
// encoded index snapshot.
type IndexCheckpointInfo struct {
	Token               string `msgpack:"token"`
	Buckets             uint64 `msgpack:"buckets"`
	StartLogicalAddress uint64 `msgpack:"start"`
	FinalLogicalAddress uint64 `msgpack:"final"`
	Snapshot            []byte `msgpack:"snapshot"`
}

// EncodeLogMetadata serializes info and appends cookie, if any, in base64.
func EncodeLogMetadata(info *HybridLogCheckpointInfo, cookie []byte) ([]byte, error) {
	b, err := msgpack.Marshal(info)
	if err != nil {
		return nil, errors.Wrap(err, "encoding log checkpoint metadata")
	}
	if len(cookie) == 0 {
		return b, nil
	}
	out := make([]byte, len(b), len(b)+base64.StdEncoding.EncodedLen(len(cookie)))
	copy(out, b)
	return base64.StdEncoding.AppendEncode(out, cookie), nil
}

// DecodeLogMetadata parses metadata produced by EncodeLogMetadata and
// returns the commit cookie, nil when none was attached.
func DecodeLogMetadata(b []byte) (*HybridLogCheckpointInfo, []byte, error) {
	r := bytes.NewReader(b)
	var info HybridLogCheckpointInfo
	if err := msgpack.NewDecoder(r).Decode(&info); err != nil {
		return nil, nil, errors.Wrap(err, "decoding log checkpoint metadata")
	}
	if r.Len() == 0 {
		return &info, nil, nil
	}
	cookie, err := base64.StdEncoding.DecodeString(string(b[len(b)-r.Len():]))
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding commit cookie")
	}
	return &info, cookie, nil
}

// EncodeIndexMetadata serializes info.
func EncodeIndexMetadata(info *IndexCheckpointInfo) ([]byte, error) {
	b, err := msgpack.Marshal(info)
	return b, errors.Wrap(err, "encoding index checkpoint metadata")
}

// DecodeIndexMetadata parses metadata produced by EncodeIndexMetadata.
func DecodeIndexMetadata(b []byte) (*IndexCheckpointInfo, error) {
	var info IndexCheckpointInfo
	if err := msgpack.Unmarshal(b, &info); err != nil {
		return nil, errors.Wrap(err, "decoding index checkpoint metadata")
	}
	return &info, nil
}

// EncodeDeltaLog compresses the records captured by a snapshot checkpoint.
func EncodeDeltaLog(records []hlog.DiskRecord) ([]byte, error) {
	b, err := msgpack.Marshal(records)
	if err != nil {
		return nil, errors.Wrap(err, "encoding delta log")
	}
	return snappy.Encode(nil, b), nil
}

// DecodeDeltaLog reverses EncodeDeltaLog.
func DecodeDeltaLog(b []byte) ([]hlog.DiskRecord, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing delta log")
	}
	var records []hlog.DiskRecord
	if err := msgpack.Unmarshal(raw, &records); err != nil {
		return nil, errors.Wrap(err, "decoding delta log")
	}
	return records, nil
}
