// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core implements the store: sessions issuing Read, Upsert, RMW and
// Delete against the hybrid log and hash index, while the synchronization
// package moves them through version changes and checkpoints.
//
// Every session owns two execution contexts. The current one collects new
// operations; at a version change the session swaps them so operations that
// were queued under the old version finish in the previous slot while new
// ones start under the new version. Operations that cannot finish at once
// are queued as PendingContexts, either behind a device read or on the retry
// queue, and are completed by CompletePending.
//
// # Key Features
//
//   - Concurrent prefix recovery (CPR): checkpoints capture, per session, a
//     serial number boundary rather than a global point in time
//   - Fold-over and snapshot hybrid log checkpoints, index and full checkpoints
//   - Synchronous and context-aware asynchronous completion of pending operations
//   - Exactly-once continuation of recovered sessions
//   - Log accessor with scans, region shifts, observers and compaction
//
// # Usage Examples
//
//	store, err := core.New[int64](core.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	fns := core.NewSimpleFunctions[int64, struct{}](func(old, in int64) int64 { return old + in })
//	s, err := core.NewSession[int64, int64, int64, struct{}](store, fns)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	s.Upsert([]byte("a"), 1, struct{}{}, 1)
//	s.RMW([]byte("a"), 2, new(int64), struct{}{}, 2)
//	if _, err := s.CompletePending(true); err != nil {
//	    return err
//	}
//
//	token, _ := store.TakeHybridLogCheckpoint(false)
//	err = store.CompleteCheckpoint(ctx)
//
// # Dangers and Warnings
//
//   - **Session Ownership**: A ClientSession must be used by one goroutine at a time.
//   - **Pending Work**: A session holding pending operations stays epoch protected and blocks version changes until it drains them.
//   - **Relaxed CPR**: With RelaxedCPR a checkpoint can contain operations of the next version. See Config.RelaxedCPR.
//   - **Recovery**: Recover only works on a store with no sessions and no completed state machine.
//
// # Best Practices
//
//   - Call CompletePending regularly, and always before closing a session
//   - Prefer fold-over checkpoints for write-heavy stores; snapshots avoid flushing the tail
//   - Use serial numbers that increase per session so commit points are meaningful
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/monitoring/metrics"
	"github.com/kianostad/lfkv/internal/storage/hlog"
	"github.com/kianostad/lfkv/internal/storage/index"
	"github.com/kianostad/lfkv/internal/synchronization"
)

var (
	// ErrSessionTableFull is returned when every epoch slot is taken.
	ErrSessionTableFull = errors.New("session table is full")
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
	// ErrNoCheckpoint is returned by Recover when nothing was committed.
	ErrNoCheckpoint = errors.New("no checkpoint to recover from")
	// ErrInvariantViolation is returned for protocol errors, such as retrying a read.
	ErrInvariantViolation = synchronization.ErrInvariantViolation
)

// Config configures a Store.
type Config struct {
	// PageSizeBits is log2 of the number of records per log page.
	PageSizeBits uint
	// MemoryPages is the number of log pages kept in memory.
	MemoryPages int
	// MutablePages is the number of in-memory pages that accept in-place updates.
	MutablePages int
	// IndexBuckets is the number of hash index buckets, a power of two.
	IndexBuckets uint64
	// MaxSessions bounds the number of concurrently open sessions.
	MaxSessions int
	// RelaxedCPR skips shared latching in PREPARE and the drain of previous
	// contexts in WAIT_PENDING. Checkpoints then only guarantee that every
	// operation up to a session's commit point is included; operations the
	// session issued after it may be included too.
	RelaxedCPR bool
	// Device persists log pages. Defaults to an in-memory device.
	Device hlog.Device
	// Checkpoints persists checkpoint metadata. Defaults to a DirManager on
	// an in-memory filesystem.
	Checkpoints checkpoint.Manager
	// AllocationTimeout bounds how long an operation waits for log space.
	AllocationTimeout time.Duration

	// MaintenanceInterval enables the background maintainer when positive.
	MaintenanceInterval time.Duration
	// SnapshotCheckpoints makes the maintainer take snapshot checkpoints
	// instead of fold-over ones.
	SnapshotCheckpoints bool
	// CompactionLag makes the maintainer compact the log once the read-only
	// region grows past this many addresses. Zero disables compaction.
	CompactionLag uint64
}

// DefaultConfig returns a small in-memory configuration.
func DefaultConfig() Config {
	return Config{
		PageSizeBits:      12,
		MemoryPages:       16,
		MutablePages:      12,
		IndexBuckets:      1 << 16,
		MaxSessions:       128,
		AllocationTimeout: 10 * time.Second,
	}
}

// Store is the key-value store. Keys are byte strings; values are V.
type Store[V any] struct {
	cfg         Config
	epoch       *epoch.LightEpoch
	hlog        *hlog.Log[V]
	index       *index.HashIndex
	driver      *synchronization.Driver
	checkpoints checkpoint.Manager
	metrics     *metrics.Metrics

	// recoveredSessions holds the commit points of sessions that can be
	// continued, keyed by guid.
	recoveredSessions sync.Map
	// sessions holds the open sessions, keyed by guid.
	sessions sync.Map

	cookie          atomic.Pointer[[]byte]
	recoveredCookie []byte

	maintainer *Maintainer
	closed     atomic.Bool
}

// sessionRef is how the store sees a session regardless of its type parameters.
type sessionRef interface {
	idleCommitPoint() (checkpoint.CommitPoint, uint64, bool)
}

// New creates a store.
func New[V any](cfg Config) (*Store[V], error) {
	d := DefaultConfig()
	if cfg.PageSizeBits == 0 {
		cfg.PageSizeBits = d.PageSizeBits
	}
	if cfg.MemoryPages <= 0 {
		cfg.MemoryPages, cfg.MutablePages = d.MemoryPages, d.MutablePages
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = d.MaxSessions
	}
	if cfg.IndexBuckets == 0 {
		cfg.IndexBuckets = d.IndexBuckets
	}
	if cfg.IndexBuckets&(cfg.IndexBuckets-1) != 0 {
		return nil, errors.Errorf("index buckets must be a power of 2, got %d", cfg.IndexBuckets)
	}
	if cfg.AllocationTimeout <= 0 {
		cfg.AllocationTimeout = d.AllocationTimeout
	}
	if cfg.Checkpoints == nil {
		m, err := checkpoint.NewDirManager(afero.NewMemMapFs(), "/checkpoints")
		if err != nil {
			return nil, errors.WithMessage(err, "creating checkpoint manager")
		}
		cfg.Checkpoints = m
	}

	e := epoch.New(cfg.MaxSessions + 1)
	l, err := hlog.New[V](e, hlog.Settings{
		PageSizeBits: cfg.PageSizeBits,
		MemoryPages:  cfg.MemoryPages,
		MutablePages: cfg.MutablePages,
		Device:       cfg.Device,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating log")
	}

	s := &Store[V]{
		cfg:         cfg,
		epoch:       e,
		hlog:        l,
		index:       index.NewHashIndex(cfg.IndexBuckets),
		checkpoints: cfg.Checkpoints,
		metrics:     metrics.NewMetrics(),
	}
	s.driver = synchronization.NewDriver(e, s, cfg.RelaxedCPR)

	if cfg.MaintenanceInterval > 0 {
		s.maintainer = newMaintainer(s, cfg.MaintenanceInterval)
		s.maintainer.Start()
	}
	log.WithFields(log.Fields{
		"buckets":    cfg.IndexBuckets,
		"pageSize":   l.PageSize(),
		"relaxedCPR": cfg.RelaxedCPR,
	}).Debug("store opened")
	return s, nil
}

// Log returns the accessor for the store's hybrid log.
func (s *Store[V]) Log() *LogAccessor[V] { return &LogAccessor[V]{store: s} }

// Metrics returns the store's operation metrics.
func (s *Store[V]) Metrics() *metrics.Metrics { return s.metrics }

// Maintainer returns the background maintainer, nil when disabled.
func (s *Store[V]) Maintainer() *Maintainer { return s.maintainer }

// SystemState returns the global phase and version.
func (s *Store[V]) SystemState() synchronization.SystemState {
	return synchronization.RemoveIntermediate(s.driver.State())
}

// EntryCount returns the number of keys the index has seen.
func (s *Store[V]) EntryCount() int64 { return s.index.Count() }

// SetCommitCookie sets the opaque bytes stored with the next log checkpoints.
func (s *Store[V]) SetCommitCookie(cookie []byte) {
	b := append([]byte(nil), cookie...)
	s.cookie.Store(&b)
}

// RecoveredCommitCookie returns the cookie of the checkpoint last recovered.
func (s *Store[V]) RecoveredCommitCookie() []byte { return s.recoveredCookie }

// Close stops the maintainer and releases the log and checkpoint manager.
// Open sessions must be closed first.
func (s *Store[V]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.maintainer != nil {
		s.maintainer.Stop()
	}

	var result *multierror.Error
	if err := s.hlog.Close(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "closing log"))
	}
	if err := s.checkpoints.Close(); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "closing checkpoint manager"))
	}
	s.metrics.Close()
	return result.ErrorOrNil()
}

// The methods below make the store the host of its state machine driver.

func (s *Store[V]) ShiftReadOnlyToTail() uint64 { return s.hlog.ShiftReadOnlyToTail() }
func (s *Store[V]) TailAddress() uint64         { return s.hlog.TailAddress() }
func (s *Store[V]) HeadAddress() uint64         { return s.hlog.HeadAddress() }
func (s *Store[V]) BeginAddress() uint64        { return s.hlog.BeginAddress() }
func (s *Store[V]) FlushedUntilAddress() uint64 { return s.hlog.FlushedUntilAddress() }
func (s *Store[V]) FlushError() error          { return s.hlog.FlushError() }

func (s *Store[V]) SnapshotLog(from, to uint64) ([]byte, error) {
	records, err := s.hlog.SnapshotRange(from, to)
	if err != nil {
		return nil, err
	}
	return checkpoint.EncodeDeltaLog(records)
}

func (s *Store[V]) SnapshotIndex() ([]byte, uint64, error) {
	b, err := s.index.TakeSnapshot().Encode()
	return b, s.index.Size(), err
}

// DormantCommitPoints returns the commit points of sessions that sat out
// the cycle: idle sessions whose last operation precedes nextVersion, and
// recovered sessions nobody has continued.
func (s *Store[V]) DormantCommitPoints(nextVersion uint64) map[string]checkpoint.CommitPoint {
	out := make(map[string]checkpoint.CommitPoint)
	s.sessions.Range(func(k, v interface{}) bool {
		if cp, version, ok := v.(sessionRef).idleCommitPoint(); ok && version < nextVersion {
			out[k.(string)] = cp
		}
		return true
	})
	s.recoveredSessions.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(checkpoint.CommitPoint)
		return true
	})
	return out
}

func (s *Store[V]) Checkpoints() checkpoint.Manager { return s.checkpoints }

func (s *Store[V]) CommitCookie() []byte {
	if p := s.cookie.Load(); p != nil {
		return *p
	}
	return nil
}
