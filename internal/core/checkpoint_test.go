// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/storage/hlog"
	"github.com/kianostad/lfkv/internal/synchronization"
)

// durable is storage that outlives the stores opened on it.
type durable struct {
	device      *hlog.MemoryDevice
	checkpoints checkpoint.Manager
}

func newDurable(t require.TestingT) *durable {
	m, err := checkpoint.NewDirManager(afero.NewMemMapFs(), "/checkpoints")
	require.NoError(t, err)
	return &durable{device: hlog.NewMemoryDevice(), checkpoints: m}
}

func (d *durable) open(t require.TestingT) *Store[int64] {
	cfg := smallConfig()
	cfg.Device = d.device
	cfg.Checkpoints = d.checkpoints
	return newTestStore(t, cfg)
}

func checkpointNow(t require.TestingT, store *Store[int64], take func() (string, bool)) string {
	token, ok := take()
	require.True(t, ok)
	require.NotEmpty(t, token)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, store.CompleteCheckpoint(ctx))
	return token
}

func TestCheckpointRecovery(t *testing.T) {
	for _, tc := range []struct {
		name string
		take func(*Store[int64]) func() (string, bool)
	}{
		{"fold-over", func(s *Store[int64]) func() (string, bool) {
			return func() (string, bool) { return s.TakeHybridLogCheckpoint(false) }
		}},
		{"snapshot", func(s *Store[int64]) func() (string, bool) {
			return func() (string, bool) { return s.TakeHybridLogCheckpoint(true) }
		}},
		{"full", func(s *Store[int64]) func() (string, bool) {
			return func() (string, bool) { return s.TakeFullCheckpoint(false) }
		}},
		{"full snapshot", func(s *Store[int64]) func() (string, bool) {
			return func() (string, bool) { return s.TakeFullCheckpoint(true) }
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := newDurable(t)

			first := d.open(t)
			s := newTestSession(t, first, newRecordingFunctions())
			guid := s.Guid()
			for i := 0; i < 200; i++ {
				_, err := s.Upsert(key(i), int64(i), 0, int64(i+1))
				require.NoError(t, err)
			}
			first.SetCommitCookie([]byte("cookie"))
			checkpointNow(t, first, tc.take(first))

			// Neither of these is covered by the checkpoint.
			for i := 0; i < 10; i++ {
				_, err := s.Upsert(key(i), -1, 0, int64(201+i))
				require.NoError(t, err)
				_, err = s.Upsert(key(1000+i), 1, 0, int64(211+i))
				require.NoError(t, err)
			}
			require.NoError(t, s.Close())
			require.NoError(t, first.Close())

			second := d.open(t)
			defer second.Close()
			require.NoError(t, second.Recover(context.Background()))
			require.Equal(t, []byte("cookie"), second.RecoveredCommitCookie())
			require.Equal(t, uint64(2), second.SystemState().Version)

			r, cp, err := ContinueSession[int64, int64, int64, int](second, guid, newRecordingFunctions())
			require.NoError(t, err)
			require.NotNil(t, r)
			defer r.Close()
			require.Equal(t, int64(200), cp.UntilSerialNo)
			require.Equal(t, int64(200), r.SerialNo())
			require.Equal(t, uint64(2), r.Version())

			for i := 0; i < 200; i++ {
				v, st := readValue(t, r, key(i))
				require.Equal(t, OK, st, "key %d", i)
				require.Equal(t, int64(i), v, "key %d", i)
			}
			for i := 0; i < 10; i++ {
				_, st := readValue(t, r, key(1000+i))
				require.Equal(t, NotFound, st)
			}

			// The recovered store keeps working.
			_, err = r.Upsert(key(5), 55, 0, 201)
			require.NoError(t, err)
			v, _ := readValue(t, r, key(5))
			require.Equal(t, int64(55), v)
		})
	}
}

func TestRecoverTwice(t *testing.T) {
	d := newDurable(t)

	first := d.open(t)
	s := newTestSession(t, first, newRecordingFunctions())
	for i := 0; i < 50; i++ {
		s.Upsert(key(i), int64(i), 0, int64(i+1))
	}
	checkpointNow(t, first, func() (string, bool) { return first.TakeHybridLogCheckpoint(false) })
	require.NoError(t, first.Log().Flush(context.Background(), true))
	s.Close()
	first.Close()

	// Recovering the same checkpoint twice gives the same state.
	for round := 0; round < 2; round++ {
		store := d.open(t)
		require.NoError(t, store.Recover(context.Background()))
		r := newTestSession(t, store, newRecordingFunctions())
		v, st := readValue(t, r, key(49))
		require.Equal(t, OK, st)
		require.Equal(t, int64(49), v)
		r.Close()
		store.Close()
	}
}

func TestCheckpointSkipsSilentSessions(t *testing.T) {
	d := newDurable(t)

	first := d.open(t)
	active := newTestSession(t, first, newRecordingFunctions())
	silent := newTestSession(t, first, newRecordingFunctions())
	require.Equal(t, int64(-1), silent.SerialNo())

	_, err := active.Upsert(key(1), 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, active.Refresh())
	token := checkpointNow(t, first, func() (string, bool) { return first.TakeHybridLogCheckpoint(false) })

	meta, err := d.checkpoints.GetLogCheckpointMetadata(token)
	require.NoError(t, err)
	info, _, err := checkpoint.DecodeLogMetadata(meta)
	require.NoError(t, err)
	require.Contains(t, info.CheckpointTokens, active.Guid())
	require.Equal(t, int64(0), info.CheckpointTokens[active.Guid()].UntilSerialNo)
	require.NotContains(t, info.CheckpointTokens, silent.Guid())

	silentGuid := silent.Guid()
	require.NoError(t, silent.Close())
	require.NoError(t, active.Close())
	require.NoError(t, first.Close())

	second := d.open(t)
	defer second.Close()
	require.NoError(t, second.Recover(context.Background()))
	r, cp, err := ContinueSession[int64, int64, int64, int](second, silentGuid, newRecordingFunctions())
	require.NoError(t, err)
	require.Nil(t, r)
	require.Equal(t, checkpoint.CannotResume, cp)
}

var errDiskOnFire = errors.New("disk on fire")

// brokenDevice rejects page writes while broken is set and page reads while
// unreadable is set.
type brokenDevice struct {
	*hlog.MemoryDevice
	broken     atomic.Bool
	unreadable atomic.Bool
}

func (d *brokenDevice) ReadPage(page uint64) ([]hlog.DiskRecord, error) {
	if d.unreadable.Load() {
		return nil, errDiskOnFire
	}
	return d.MemoryDevice.ReadPage(page)
}

func (d *brokenDevice) WritePage(page uint64, records []hlog.DiskRecord) error {
	if d.broken.Load() {
		return errDiskOnFire
	}
	return d.MemoryDevice.WritePage(page, records)
}

func TestCheckpointDeviceFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dev := &brokenDevice{MemoryDevice: hlog.NewMemoryDevice()}
	cfg := smallConfig()
	cfg.Device = dev
	store := newTestStore(t, cfg)
	defer store.Close()
	s := newTestSession(t, store, newRecordingFunctions())
	defer s.Close()

	for i := 0; i < 20; i++ {
		_, err := s.Upsert(key(i), int64(i), 0, int64(i))
		require.NoError(t, err)
	}

	dev.broken.Store(true)
	_, ok := store.TakeHybridLogCheckpoint(false)
	require.True(t, ok)
	err := store.CompleteCheckpoint(ctx)
	require.ErrorIs(t, err, errDiskOnFire)
	require.Equal(t, synchronization.SystemState{Phase: synchronization.Rest, Version: 2}, store.SystemState())
	tokens, err := store.Checkpoints().GetLogCheckpointTokens()
	require.NoError(t, err)
	require.Empty(t, tokens)

	// Waiting for a flush reports the failure too.
	_, err = s.Upsert(key(20), 20, 0, 20)
	require.NoError(t, err)
	l := store.Log()
	require.ErrorIs(t, l.ShiftReadOnlyAddress(ctx, l.TailAddress(), true), errDiskOnFire)

	// Once the device works again so do checkpoints.
	dev.broken.Store(false)
	_, err = s.Upsert(key(21), 21, 0, 21)
	require.NoError(t, err)
	checkpointNow(t, store, func() (string, bool) { return store.TakeHybridLogCheckpoint(false) })
	require.GreaterOrEqual(t, l.FlushedUntilAddress(), l.ReadOnlyAddress())
	v, st := readValue(t, s, key(21))
	require.Equal(t, OK, st)
	require.Equal(t, int64(21), v)
}

func TestPendingDeviceReadFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dev := &brokenDevice{MemoryDevice: hlog.NewMemoryDevice()}
	cfg := smallConfig()
	cfg.Device = dev
	store := newTestStore(t, cfg)
	defer store.Close()
	fns := newRecordingFunctions()
	s := newTestSession(t, store, fns)
	defer s.Close()

	for i := 0; i < 20; i++ {
		_, err := s.Upsert(key(i), int64(i), 0, int64(i))
		require.NoError(t, err)
	}
	require.NoError(t, store.Log().FlushAndEvict(ctx, true))

	dev.unreadable.Store(true)
	var out int64
	st, err := s.Read(key(3), 0, &out, 7, 20)
	require.NoError(t, err)
	require.Equal(t, Pending, st)
	st, err = s.RMW(key(4), 1, &out, 8, 21)
	require.NoError(t, err)
	require.Equal(t, Pending, st)

	// Failed operations fire no callbacks and show up only as the error.
	done, err := s.CompletePending(true)
	require.True(t, done)
	require.ErrorIs(t, err, errDiskOnFire)
	require.Empty(t, fns.reads)
	require.Empty(t, fns.rmws)

	dev.unreadable.Store(false)
	v, st := readValue(t, s, key(4))
	require.Equal(t, OK, st)
	require.Equal(t, int64(4), v)
}

func TestRecoverPreconditions(t *testing.T) {
	Convey("Given an empty durable store", t, func() {
		d := newDurable(t)
		store := d.open(t)
		defer store.Close()

		Convey("Recover finds nothing to recover", func() {
			So(store.Recover(context.Background()), ShouldEqual, ErrNoCheckpoint)
		})

		Convey("Recover refuses a store with open sessions", func() {
			s := newTestSession(t, store, newRecordingFunctions())
			defer s.Close()
			checkpointNow(t, store, func() (string, bool) { return store.TakeHybridLogCheckpoint(false) })

			other := d.open(t)
			defer other.Close()
			o := newTestSession(t, other, newRecordingFunctions())
			defer o.Close()
			So(other.Recover(context.Background()), ShouldNotBeNil)
		})

		Convey("Recover refuses a store that ran a state machine", func() {
			checkpointNow(t, store, func() (string, bool) { return store.TakeHybridLogCheckpoint(false) })
			So(store.Recover(context.Background()), ShouldNotBeNil)
		})
	})
}

func TestCheckpointCompletion(t *testing.T) {
	Convey("Given a session that issued five operations", t, func() {
		store := newTestStore(t, DefaultConfig())
		defer store.Close()
		fns := newRecordingFunctions()
		s := newTestSession(t, store, fns)
		defer s.Close()

		for i := 1; i <= 5; i++ {
			s.Upsert(key(i), int64(i), 0, int64(i))
		}
		_, ok := s.LatestCommitPoint()
		So(ok, ShouldBeFalse)

		task := store.CheckpointTask()
		token := checkpointNow(t, store, func() (string, bool) { return store.TakeHybridLogCheckpoint(false) })

		Convey("The checkpoint future resolves with the token", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			linked, err := task.Wait(ctx)
			So(err, ShouldBeNil)
			So(linked.Token, ShouldEqual, token)
			So(linked.NextTask, ShouldEqual, store.CheckpointTask())
		})

		Convey("The session learns its commit point on its next refresh", func() {
			So(s.Refresh(), ShouldBeNil)
			So(fns.Commits(), ShouldResemble, []checkpoint.CommitPoint{{UntilSerialNo: 5}})

			cp, ok := s.LatestCommitPoint()
			So(ok, ShouldBeTrue)
			So(cp.UntilSerialNo, ShouldEqual, 5)
			So(s.Version(), ShouldEqual, 2)

			Convey("And only once", func() {
				So(s.Refresh(), ShouldBeNil)
				So(fns.Commits(), ShouldHaveLength, 1)
			})
		})

		Convey("A second machine cannot start while one runs", func() {
			So(store.TakeVersionChange(0), ShouldBeTrue)
			_, ok := store.TakeIndexCheckpoint()
			So(ok, ShouldBeFalse)
			So(store.CompleteCheckpoint(context.Background()), ShouldBeNil)
			So(store.SystemState(), ShouldResemble, synchronization.SystemState{Phase: synchronization.Rest, Version: 3})
		})
	})
}

func TestVersionChange(t *testing.T) {
	store := newTestStore(t, DefaultConfig())
	defer store.Close()
	s := newTestSession(t, store, newRecordingFunctions())
	defer s.Close()

	require.True(t, store.TakeVersionChange(10))
	require.NoError(t, store.CompleteCheckpoint(context.Background()))
	require.Equal(t, uint64(10), store.SystemState().Version)

	require.NoError(t, s.Refresh())
	require.Equal(t, uint64(10), s.Version())

	s.Upsert([]byte("v"), 1, 0, 1)
	require.True(t, store.TakeVersionChange(0))
	require.NoError(t, store.CompleteCheckpoint(context.Background()))
	require.Equal(t, uint64(11), store.SystemState().Version)
}

func TestIndexCheckpoint(t *testing.T) {
	d := newDurable(t)

	first := d.open(t)
	s := newTestSession(t, first, newRecordingFunctions())
	guid := s.Guid()
	for i := 0; i < 300; i++ {
		s.Upsert(key(i), int64(i), 0, int64(i+1))
	}
	checkpointNow(t, first, first.TakeIndexCheckpoint)
	for i := 300; i < 400; i++ {
		s.Upsert(key(i), int64(i), 0, int64(i+1))
	}
	checkpointNow(t, first, func() (string, bool) { return first.TakeHybridLogCheckpoint(false) })
	s.Close()
	first.Close()

	indexTokens, err := d.checkpoints.GetIndexCheckpointTokens()
	require.NoError(t, err)
	require.Len(t, indexTokens, 1)

	second := d.open(t)
	defer second.Close()
	require.NoError(t, second.Recover(context.Background()))
	r, cp, err := ContinueSession[int64, int64, int64, int](second, guid, newRecordingFunctions())
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, int64(400), cp.UntilSerialNo)

	for i := 0; i < 400; i += 7 {
		v, st := readValue(t, r, key(i))
		require.Equal(t, OK, st, "key %d", i)
		require.Equal(t, int64(i), v)
	}
}

func TestContinueSession(t *testing.T) {
	d := newDurable(t)
	first := d.open(t)
	s := newTestSession(t, first, newRecordingFunctions())
	guid := s.Guid()
	s.Upsert([]byte("a"), 1, 0, 17)
	checkpointNow(t, first, func() (string, bool) { return first.TakeHybridLogCheckpoint(false) })
	s.Close()
	first.Close()

	second := d.open(t)
	defer second.Close()
	require.NoError(t, second.Recover(context.Background()))

	t.Run("unknown guid", func(t *testing.T) {
		r, cp, err := ContinueSession[int64, int64, int64, int](second, "nobody", newRecordingFunctions())
		require.NoError(t, err)
		require.Nil(t, r)
		require.Equal(t, checkpoint.CannotResume, cp)
	})

	t.Run("exactly once", func(t *testing.T) {
		const callers = 16
		var (
			won      atomic.Int32
			mu       sync.Mutex
			sessions []*testSession
		)
		var g errgroup.Group
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			g.Go(func() error {
				<-start
				r, cp, err := ContinueSession[int64, int64, int64, int](second, guid, newRecordingFunctions())
				if err != nil {
					return err
				}
				if r == nil {
					if cp.UntilSerialNo != -1 {
						return errors.Errorf("lost continuation returned %v", cp)
					}
					return nil
				}
				if cp.UntilSerialNo != 17 {
					return errors.Errorf("continued at %v", cp)
				}
				won.Add(1)
				mu.Lock()
				sessions = append(sessions, r)
				mu.Unlock()
				return nil
			})
		}
		close(start)
		require.NoError(t, g.Wait())
		require.Equal(t, int32(1), won.Load())
		for _, r := range sessions {
			r.Close()
		}
	})

	t.Run("a continued session is not recovered again", func(t *testing.T) {
		r, _, err := ContinueSession[int64, int64, int64, int](second, guid, newRecordingFunctions())
		require.NoError(t, err)
		require.Nil(t, r)
	})
}

func TestContinueWhileCheckpointing(t *testing.T) {
	d := newDurable(t)
	first := d.open(t)
	s := newTestSession(t, first, newRecordingFunctions())
	guid := s.Guid()
	s.Upsert([]byte("a"), 1, 0, 1)
	checkpointNow(t, first, func() (string, bool) { return first.TakeHybridLogCheckpoint(false) })
	s.Close()
	first.Close()

	second := d.open(t)
	defer second.Close()
	require.NoError(t, second.Recover(context.Background()))

	// A protected session holds the machine in its first phase.
	blocker := newTestSession(t, second, newRecordingFunctions())
	defer blocker.Close()
	require.NoError(t, blocker.enter())
	require.True(t, second.TakeVersionChange(0))

	r, cp, err := ContinueSession[int64, int64, int64, int](second, guid, newRecordingFunctions())
	require.NoError(t, err)
	require.Nil(t, r)
	require.Equal(t, checkpoint.CannotResume, cp)

	blocker.exit()
	require.NoError(t, second.CompleteCheckpoint(context.Background()))

	// Once the machine rests the session can be continued.
	r, cp, err = ContinueSession[int64, int64, int64, int](second, guid, newRecordingFunctions())
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, int64(1), cp.UntilSerialNo)
	r.Close()
}

// TestConcurrentPrefixRecovery checks the recovered state of every session
// against the commit point the checkpoint reported for it: operations up to
// the point are present, later ones are not.
func TestConcurrentPrefixRecovery(t *testing.T) {
	d := newDurable(t)
	cfg := smallConfig()
	cfg.Device, cfg.Checkpoints = d.device, d.checkpoints
	cfg.PageSizeBits, cfg.MemoryPages, cfg.MutablePages = 10, 8, 4
	first := newTestStore(t, cfg)

	const sessions, ops = 4, 3000
	guids := make([]string, sessions)
	clients := make([]*testSession, sessions)
	ready := make(chan struct{}, sessions)
	var g errgroup.Group
	for i := 0; i < sessions; i++ {
		s := newTestSession(t, first, newRecordingFunctions())
		guids[i], clients[i] = s.Guid(), s
		base := i * ops
		g.Go(func() error {
			for n := 1; n <= ops; n++ {
				if _, err := s.Upsert(key(base+n), int64(n), 0, int64(n)); err != nil {
					return err
				}
				if n == ops/3 {
					ready <- struct{}{}
				}
				if n%128 == 0 {
					if _, err := s.CompletePending(false); err != nil {
						return err
					}
				}
			}
			_, err := s.CompletePending(true)
			return err
		})
	}
	for i := 0; i < sessions; i++ {
		<-ready
	}
	checkpointNow(t, first, func() (string, bool) { return first.TakeHybridLogCheckpoint(false) })
	require.NoError(t, g.Wait())
	// Sessions that finished early sit the checkpoint out and are reported
	// at their last serial number.
	for _, s := range clients {
		require.NoError(t, s.Close())
	}
	require.NoError(t, first.Close())

	second := newTestStore(t, cfg)
	defer second.Close()
	require.NoError(t, second.Recover(context.Background()))

	for i, guid := range guids {
		r, cp, err := ContinueSession[int64, int64, int64, int](second, guid, newRecordingFunctions())
		require.NoError(t, err)
		require.NotNil(t, r)
		require.GreaterOrEqual(t, cp.UntilSerialNo, int64(ops/3))

		excluded := map[int64]bool{}
		for _, n := range cp.ExcludedSerialNos {
			excluded[n] = true
		}
		base := i * ops
		for n := int64(1); n <= ops; n += 11 {
			if excluded[n] {
				continue
			}
			v, st := readValue(t, r, key(base+int(n)))
			if n <= cp.UntilSerialNo {
				require.Equal(t, OK, st, "session %d serial %d until %d", i, n, cp.UntilSerialNo)
				require.Equal(t, n, v)
			} else {
				require.Equal(t, NotFound, st, "session %d serial %d until %d", i, n, cp.UntilSerialNo)
			}
		}
		r.Close()
	}
}
