// Licensed under the MIT License. See LICENSE file in the project root for details.

package synchronization

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/afero"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/kianostad/lfkv/internal/checkpoint"
	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/storage/record"
)

type fakeHost struct {
	tail      atomic.Uint64
	flushed   atomic.Uint64
	foldOvers atomic.Int64
	flushErr  atomic.Pointer[error]
	manager   checkpoint.Manager
	dormant   map[string]checkpoint.CommitPoint
	cookie    []byte
}

func newFakeHost(t *testing.T) *fakeHost {
	m, err := checkpoint.NewDirManager(afero.NewMemMapFs(), "/cp")
	if err != nil {
		t.Fatal(err)
	}
	h := &fakeHost{manager: m}
	h.tail.Store(record.FirstValidAddress)
	h.flushed.Store(record.FirstValidAddress)
	return h
}

func (h *fakeHost) ShiftReadOnlyToTail() uint64 {
	h.foldOvers.Add(1)
	return h.tail.Load()
}
func (h *fakeHost) TailAddress() uint64         { return h.tail.Load() }
func (h *fakeHost) HeadAddress() uint64         { return record.FirstValidAddress }
func (h *fakeHost) BeginAddress() uint64        { return record.FirstValidAddress }
func (h *fakeHost) FlushedUntilAddress() uint64 { return h.flushed.Load() }
func (h *fakeHost) FlushError() error {
	if p := h.flushErr.Load(); p != nil {
		return *p
	}
	return nil
}
func (h *fakeHost) SnapshotLog(from, to uint64) ([]byte, error) {
	return []byte("delta"), nil
}
func (h *fakeHost) SnapshotIndex() ([]byte, uint64, error) { return []byte("index"), 16, nil }
func (h *fakeHost) DormantCommitPoints(uint64) map[string]checkpoint.CommitPoint {
	return h.dormant
}
func (h *fakeHost) Checkpoints() checkpoint.Manager { return h.manager }
func (h *fakeHost) CommitCookie() []byte            { return h.cookie }

// fakeThread is a session with two slots whose queued operations are just
// serial numbers.
type fakeThread struct {
	handle  *epoch.Handle
	slots   [2]ContextState
	pending [2][]int64
	cur     int

	latches     int
	swaps       int
	seen        []SystemState
	completions []checkpoint.CommitPoint
}

func newFakeThread(e *epoch.LightEpoch, guid string) *fakeThread {
	h, err := e.Acquire()
	if err != nil {
		panic(err)
	}
	t := &fakeThread{handle: h}
	t.slots[0].Init(guid, -1)
	t.slots[1].Init(guid, -1)
	return t
}

func (t *fakeThread) Handle() *epoch.Handle    { return t.handle }
func (t *fakeThread) Current() *ContextState   { return &t.slots[t.cur] }
func (t *fakeThread) Previous() *ContextState  { return &t.slots[1-t.cur] }
func (t *fakeThread) AcquireSharedLatches()    { t.latches++ }
func (t *fakeThread) PendingSerialNos() []int64 { return append([]int64(nil), t.pending[t.cur]...) }
func (t *fakeThread) PreviousHasNoPendingRequests() bool {
	return len(t.pending[1-t.cur]) == 0
}
func (t *fakeThread) SwapContexts() {
	a, b := t.cur, 1-t.cur
	t.pending[a] = append(t.pending[b], t.pending[a]...)
	t.pending[b] = nil
	t.cur = b
	t.swaps++
}
func (t *fakeThread) CheckpointCompletion(_ string, cp checkpoint.CommitPoint) {
	t.completions = append(t.completions, cp)
}

func (t *fakeThread) refresh(d *Driver) {
	t.handle.ProtectAndDrain()
	d.ThreadStateMachineStep(t)
}

func (t *fakeThread) state() SystemState {
	return SystemState{Phase: t.Current().Phase, Version: t.Current().Version}
}

// recordingTask notes every state a fakeThread is walked through.
type recordingTask struct{}

func (recordingTask) GlobalBeforeEnteringState(SystemState, *Driver) {}
func (recordingTask) GlobalAfterEnteringState(SystemState, *Driver)  {}
func (recordingTask) OnThreadState(current, _ SystemState, _ *Driver, t Thread) {
	if ft, ok := t.(*fakeThread); ok {
		if n := len(ft.seen); n == 0 || ft.seen[n-1] != current {
			ft.seen = append(ft.seen, current)
		}
	}
}

type recordingMachine struct {
	*VersionChangeStateMachine
}

func (m recordingMachine) Tasks() []Task {
	return append([]Task{recordingTask{}}, m.VersionChangeStateMachine.Tasks()...)
}

// driveWithoutSessions advances the machine the way a non-session waiter does.
func driveWithoutSessions(d *Driver, until func() bool) {
	_ = epoch.SpinWait(context.Background(), until, func() {
		d.epoch.Drain()
		d.ThreadStateMachineStep(nil)
	})
}

func TestNextVersionNeverCollides(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.Uint64Range(1, 1<<40).Draw(t, "start")
		target := rapid.Uint64Range(0, 1<<41).Draw(t, "target")
		next := nextVersion(start, target)

		if next <= start {
			t.Fatalf("version went from %d to %d", start, next)
		}
		if next&record.VersionMask == start&record.VersionMask {
			t.Fatalf("versions %d and %d collide in stored bits", start, next)
		}
		if target > start && (target-start)&record.VersionMask != 0 && next != target {
			t.Fatalf("target %d ignored, got %d", target, next)
		}
	})
}

func TestSystemStateWordRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := SystemState{
			Phase:   Phase(rapid.IntRange(int(InProgress), int(Prepare)).Draw(t, "phase")),
			Version: rapid.Uint64Range(0, versionMask).Draw(t, "version"),
		}
		if got := StateFromWord(s.Word()); got != s {
			t.Fatalf("round trip of %v gave %v", s, got)
		}
		i := MakeIntermediate(s)
		if !i.IsIntermediate() || RemoveIntermediate(i) != s {
			t.Fatalf("intermediate of %v is %v", s, i)
		}
	})
}

func TestStateMachinePrimitives(t *testing.T) {
	Convey("Given a state cell at rest", t, func() {
		rest := SystemState{Phase: Rest, Version: 3}
		cell := NewStateCell(rest)

		Convey("Exactly one of many concurrent transitions wins", func() {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if cell.MakeTransition(rest, MakeIntermediate(rest)) {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			So(wins.Load(), ShouldEqual, 1)
			So(cell.Load().IsIntermediate(), ShouldBeTrue)
		})

		Convey("The start of a cycle is the rest state before the bump", func() {
			So(StartOfCurrentCycle(SystemState{Phase: WaitPending, Version: 6}), ShouldResemble, SystemState{Phase: Rest, Version: 5})
			So(StartOfCurrentCycle(SystemState{Phase: Prepare, Version: 5}), ShouldResemble, SystemState{Phase: Rest, Version: 5})
			So(StartOfCurrentCycle(SystemState{Phase: WaitIndexOnlyCheckpoint, Version: 5}), ShouldResemble, SystemState{Phase: Rest, Version: 5})
		})

		Convey("Phases print their names", func() {
			So(Prepare.String(), ShouldEqual, "PREPARE")
			So(MakeIntermediate(rest).Phase.String(), ShouldEqual, "REST*")
		})

		Convey("A phase without a successor is an invariant violation", func() {
			m := NewVersionChangeStateMachine(0)
			var got interface{}
			func() {
				defer func() { got = recover() }()
				m.NextState(SystemState{Phase: WaitFlush, Version: 2})
			}()
			err, ok := got.(error)
			So(ok, ShouldBeTrue)
			So(errors.Is(err, ErrInvariantViolation), ShouldBeTrue)
		})
	})
}

func TestVersionChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a driver at version 5 with two idle sessions and one busy session", t, func() {
		e := epoch.New(8)
		host := newFakeHost(t)
		d := NewDriver(e, host, false)
		So(d.Recover(5, 0), ShouldBeTrue)

		a, b, c := newFakeThread(e, "a"), newFakeThread(e, "b"), newFakeThread(e, "c")
		for _, th := range []*fakeThread{a, b, c} {
			th.refresh(d)
			So(th.state(), ShouldResemble, SystemState{Phase: Rest, Version: 5})
		}
		a.handle.Suspend()
		b.handle.Suspend()

		Convey("Idle sessions walk every phase once after the busy one advanced the machine", func() {
			c.pending[c.cur] = []int64{7}
			c.Current().SerialNum = 9

			So(d.StartStateMachine(recordingMachine{NewVersionChangeStateMachine(0)}), ShouldBeTrue)
			So(d.StartStateMachine(NewVersionChangeStateMachine(0)), ShouldBeFalse)

			c.refresh(d)
			So(d.State(), ShouldResemble, SystemState{Phase: WaitPending, Version: 6})
			So(c.Previous().ExcludedSerialNos, ShouldResemble, []int64{7})
			cp, ok := d.Cycle().Tokens.Get("c")
			So(ok, ShouldBeTrue)
			So(cp.UntilSerialNo, ShouldEqual, int64(9))
			So(cp.ExcludedSerialNos, ShouldResemble, []int64{7})

			a.refresh(d)
			b.refresh(d)
			c.refresh(d)
			So(d.State(), ShouldResemble, SystemState{Phase: WaitPending, Version: 6})

			want := []SystemState{
				{Phase: Rest, Version: 5},
				{Phase: Prepare, Version: 5},
				{Phase: InProgress, Version: 6},
				{Phase: WaitPending, Version: 6},
			}
			So(a.seen, ShouldResemble, want)
			So(b.seen, ShouldResemble, want)
			So(a.swaps, ShouldEqual, 1)
			So(b.swaps, ShouldEqual, 1)
			So(a.latches, ShouldEqual, 1)

			c.pending[1-c.cur] = nil
			c.refresh(d)
			So(d.State(), ShouldResemble, SystemState{Phase: Rest, Version: 6})
			So(c.Current().SerialNum, ShouldEqual, int64(9))
			So(host.foldOvers.Load(), ShouldEqual, int64(1))
			So(d.Active(), ShouldBeFalse)

			a.refresh(d)
			b.refresh(d)
			So(a.state(), ShouldResemble, SystemState{Phase: Rest, Version: 6})
			So(b.state(), ShouldResemble, SystemState{Phase: Rest, Version: 6})
			So(a.seen, ShouldHaveLength, len(want))
			So(c.completions, ShouldBeEmpty)
		})

		Convey("A target version is honored", func() {
			So(d.StartStateMachine(NewVersionChangeStateMachine(40)), ShouldBeTrue)
			for i := 0; i < 8 && d.Active(); i++ {
				c.refresh(d)
			}
			So(d.State(), ShouldResemble, SystemState{Phase: Rest, Version: 40})
			So(c.state(), ShouldResemble, SystemState{Phase: Rest, Version: 40})
		})

		a.handle.Release()
		b.handle.Release()
		c.handle.Release()
	})
}

func TestRelaxedDoesNotWaitForPending(t *testing.T) {
	e := epoch.New(4)
	d := NewDriver(e, newFakeHost(t), true)
	th := newFakeThread(e, "s")
	defer th.handle.Release()

	th.pending[th.cur] = []int64{1}
	th.refresh(d)
	if !d.StartStateMachine(NewVersionChangeStateMachine(0)) {
		t.Fatal("expected the machine to start")
	}
	for i := 0; i < 5 && d.Active(); i++ {
		th.refresh(d)
	}
	if d.Active() {
		t.Fatalf("relaxed machine stuck at %v", d.State())
	}
	if th.latches != 0 {
		t.Fatalf("relaxed sessions must not latch, got %d", th.latches)
	}
}

func TestHybridLogCheckpoint(t *testing.T) {
	Convey("Given a driver with one active session", t, func() {
		e := epoch.New(4)
		host := newFakeHost(t)
		host.cookie = []byte("cookie")
		host.dormant = map[string]checkpoint.CommitPoint{"sleeper": {UntilSerialNo: 3}}
		d := NewDriver(e, host, false)
		th := newFakeThread(e, "s")
		defer th.handle.Release()
		th.Current().SerialNum = 41
		th.refresh(d)

		Convey("A fold-over checkpoint waits for the flush and reports the commit point once", func() {
			host.tail.Store(500)
			task := d.CheckpointTask()
			So(d.StartStateMachine(NewHybridLogCheckpointStateMachine(false, 0)), ShouldBeTrue)

			for i := 0; i < 8; i++ {
				th.refresh(d)
			}
			So(d.State(), ShouldResemble, SystemState{Phase: WaitFlush, Version: 2})

			host.flushed.Store(500)
			for i := 0; i < 4; i++ {
				th.refresh(d)
			}
			So(d.State(), ShouldResemble, SystemState{Phase: Rest, Version: 2})
			So(th.completions, ShouldResemble, []checkpoint.CommitPoint{{UntilSerialNo: 41}})
			So(d.PersistedVersion(), ShouldEqual, uint64(1))

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			linked, err := task.Wait(ctx)
			So(err, ShouldBeNil)
			So(linked.Version, ShouldEqual, uint64(1))
			So(linked.NextTask, ShouldEqual, d.CheckpointTask())

			tokens, err := host.manager.GetLogCheckpointTokens()
			So(err, ShouldBeNil)
			So(tokens, ShouldResemble, []string{linked.Token})
			b, err := host.manager.GetLogCheckpointMetadata(linked.Token)
			So(err, ShouldBeNil)
			info, cookie, err := checkpoint.DecodeLogMetadata(b)
			So(err, ShouldBeNil)
			So(cookie, ShouldResemble, []byte("cookie"))
			So(info.FinalLogicalAddress, ShouldEqual, uint64(500))
			So(info.NextVersion, ShouldEqual, uint64(2))
			So(info.CheckpointTokens["s"].UntilSerialNo, ShouldEqual, int64(41))
			So(info.CheckpointTokens["sleeper"].UntilSerialNo, ShouldEqual, int64(3))
		})

		Convey("A failed flush fails the checkpoint and returns the machine to rest", func() {
			host.tail.Store(500)
			task := d.CheckpointTask()
			So(d.StartStateMachine(NewHybridLogCheckpointStateMachine(false, 0)), ShouldBeTrue)
			for i := 0; i < 8; i++ {
				th.refresh(d)
			}
			So(d.State(), ShouldResemble, SystemState{Phase: WaitFlush, Version: 2})

			diskErr := errors.New("disk on fire")
			host.flushErr.Store(&diskErr)
			for i := 0; i < 4 && d.Active(); i++ {
				th.refresh(d)
			}
			So(d.Active(), ShouldBeFalse)
			So(d.State(), ShouldResemble, SystemState{Phase: Rest, Version: 2})
			So(th.completions, ShouldBeEmpty)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := task.Wait(ctx)
			So(errors.Is(err, diskErr), ShouldBeTrue)
			tokens, err := host.manager.GetLogCheckpointTokens()
			So(err, ShouldBeNil)
			So(tokens, ShouldBeEmpty)

			// The next cycle can start once the device recovers.
			host.flushErr.Store(nil)
			So(d.StartStateMachine(NewHybridLogCheckpointStateMachine(true, 0)), ShouldBeTrue)
		})

		Convey("A snapshot checkpoint commits a delta log without waiting", func() {
			So(d.StartStateMachine(NewHybridLogCheckpointStateMachine(true, 0)), ShouldBeTrue)
			for i := 0; i < 8 && d.Active(); i++ {
				th.refresh(d)
			}
			So(d.Active(), ShouldBeFalse)
			tokens, _ := host.manager.GetLogCheckpointTokens()
			So(tokens, ShouldHaveLength, 1)
			delta, err := host.manager.GetDeltaLog(tokens[0])
			So(err, ShouldBeNil)
			So(delta, ShouldResemble, []byte("delta"))
		})
	})
}

func TestIndexAndFullCheckpoints(t *testing.T) {
	Convey("Given a driver with no sessions", t, func() {
		e := epoch.New(4)
		host := newFakeHost(t)
		d := NewDriver(e, host, false)

		Convey("An index checkpoint keeps the version and commits index metadata", func() {
			So(d.StartStateMachine(NewIndexSnapshotStateMachine()), ShouldBeTrue)
			driveWithoutSessions(d, func() bool { return !d.Active() })
			So(d.State(), ShouldResemble, SystemState{Phase: Rest, Version: 1})

			tokens, _ := host.manager.GetIndexCheckpointTokens()
			So(tokens, ShouldHaveLength, 1)
			b, _ := host.manager.GetIndexCheckpointMetadata(tokens[0])
			info, err := checkpoint.DecodeIndexMetadata(b)
			So(err, ShouldBeNil)
			So(info.Buckets, ShouldEqual, uint64(16))
			So(info.Snapshot, ShouldResemble, []byte("index"))
		})

		Convey("A full checkpoint shares one token between index and log", func() {
			So(d.StartStateMachine(NewFullCheckpointStateMachine(false, 0)), ShouldBeTrue)
			driveWithoutSessions(d, func() bool { return !d.Active() })
			So(d.State(), ShouldResemble, SystemState{Phase: Rest, Version: 2})

			index, _ := host.manager.GetIndexCheckpointTokens()
			logs, _ := host.manager.GetLogCheckpointTokens()
			So(index, ShouldHaveLength, 1)
			So(logs, ShouldResemble, index)
		})
	})
}

func TestConcurrentRefreshSeesMonotonicVersions(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := epoch.New(16)
	d := NewDriver(e, newFakeHost(t), false)

	var done atomic.Bool
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			th := newFakeThread(e, string(rune('a'+id)))
			defer th.handle.Release()

			var last uint64
			for !done.Load() {
				th.refresh(d)
				v := th.Current().Version
				if v < last {
					errs <- errors.Errorf("session %d saw version %d after %d", id, v, last)
					return
				}
				last = v
			}
			th.handle.Suspend()
		}(i)
	}

	for i := 0; i < 20; i++ {
		for !d.StartStateMachine(NewVersionChangeStateMachine(0)) {
			time.Sleep(time.Microsecond)
		}
		driveWithoutSessions(d, func() bool { return !d.Active() })
	}
	done.Store(true)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if got := d.State(); got != (SystemState{Phase: Rest, Version: 21}) {
		t.Errorf("expected (REST, 21), got %v", got)
	}
}
