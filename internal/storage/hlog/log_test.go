// Licensed under the MIT License. See LICENSE file in the project root for details.

package hlog

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/afero"
	"go.uber.org/goleak"

	"github.com/kianostad/lfkv/internal/concurrency/epoch"
	"github.com/kianostad/lfkv/internal/storage/record"
)

func newTestLog(t *testing.T, s Settings) (*Log[string], *epoch.LightEpoch) {
	e := epoch.New(16)
	l, err := New[string](e, s)
	if err != nil {
		t.Fatal(err)
	}
	return l, e
}

func appendN(l *Log[string], n int) []uint64 {
	var out []uint64
	for i := 0; i < n; i++ {
		a, ok := l.Allocate()
		for !ok {
			time.Sleep(time.Millisecond)
			a, ok = l.Allocate()
		}
		l.Publish(a, record.New(record.NewInfo(1, 0, false), []byte(fmt.Sprintf("k%d", i)), fmt.Sprintf("v%d", i)))
		out = append(out, a)
	}
	return out
}

var errDiskOnFire = errors.New("disk on fire")

// failingDevice rejects page writes while fail is set.
type failingDevice struct {
	*MemoryDevice
	fail atomic.Bool
}

func (d *failingDevice) WritePage(page uint64, records []DiskRecord) error {
	if d.fail.Load() {
		return errDiskOnFire
	}
	return d.MemoryDevice.WritePage(page, records)
}

type countingObserver struct {
	seen atomic.Int64
}

func (o *countingObserver) OnNext(it *Iterator[string]) {
	for _, ok := it.GetNext(); ok; _, ok = it.GetNext() {
		o.seen.Add(1)
	}
}

func TestLogAllocation(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a fresh log", t, func() {
		l, _ := newTestLog(t, Settings{PageSizeBits: 7, MemoryPages: 4, MutablePages: 2})
		defer l.Close()

		Convey("All boundaries start at the first valid address", func() {
			So(l.TailAddress(), ShouldEqual, record.FirstValidAddress)
			So(l.BeginAddress(), ShouldEqual, record.FirstValidAddress)
			So(l.HeadAddress(), ShouldEqual, record.FirstValidAddress)
			So(l.ReadOnlyAddress(), ShouldEqual, record.FirstValidAddress)
		})

		Convey("Appended records are readable from memory", func() {
			addrs := appendN(l, 10)
			So(addrs[0], ShouldEqual, record.FirstValidAddress)
			r, ok := l.Get(addrs[3])
			So(ok, ShouldBeTrue)
			So(r.Value, ShouldEqual, "v3")
			So(l.TailAddress(), ShouldEqual, addrs[9]+1)
		})

		Convey("In-place replacement swaps the slot", func() {
			addrs := appendN(l, 1)
			old, _ := l.Get(addrs[0])
			So(l.CompareAndSwap(addrs[0], old, old.WithValue("new")), ShouldBeTrue)
			r, _ := l.Get(addrs[0])
			So(r.Value, ShouldEqual, "new")
			So(l.CompareAndSwap(addrs[0], old, old), ShouldBeFalse)
		})
	})
}

func TestLogShiftReadOnlyWaitsForFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a log with unflushed records", t, func() {
		l, _ := newTestLog(t, Settings{PageSizeBits: 7, MemoryPages: 8, MutablePages: 6})
		defer l.Close()
		appendN(l, 300)
		tail := l.TailAddress()
		So(l.FlushedUntilAddress(), ShouldBeLessThan, tail)

		Convey("ShiftReadOnlyAddress with wait returns only after the flush", func() {
			err := l.ShiftReadOnlyAddress(context.Background(), tail, true)
			So(err, ShouldBeNil)
			So(l.FlushedUntilAddress(), ShouldBeGreaterThanOrEqualTo, tail)
			So(l.SafeReadOnlyAddress(), ShouldEqual, tail)
		})
	})

	Convey("Given a protected handle that never refreshes", t, func() {
		l, e := newTestLog(t, Settings{PageSizeBits: 7, MemoryPages: 8, MutablePages: 6})
		defer l.Close()
		appendN(l, 50)
		h, _ := e.Acquire()
		h.Protect()
		tail := l.TailAddress()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := l.ShiftReadOnlyAddress(ctx, tail, true)

		Convey("The wait cannot complete early", func() {
			So(err, ShouldEqual, context.DeadlineExceeded)
			So(l.FlushedUntilAddress(), ShouldBeLessThan, tail)
		})

		Convey("Refreshing the handle lets the flush finish", func() {
			h.ProtectAndDrain()
			h.Suspend()
			So(l.ShiftReadOnlyAddress(context.Background(), tail, true), ShouldBeNil)
			So(l.FlushedUntilAddress(), ShouldBeGreaterThanOrEqualTo, tail)
		})
	})
}

func TestLogEvictionAndDeviceReads(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a log backed by a file device", t, func() {
		dev, err := NewFileDevice(afero.NewMemMapFs(), "/log")
		So(err, ShouldBeNil)
		l, _ := newTestLog(t, Settings{PageSizeBits: 7, MemoryPages: 4, MutablePages: 2, Device: dev})
		defer l.Close()

		evicted := &countingObserver{}
		sub := l.SubscribeEvictions(evicted)
		defer sub.Close()

		addrs := appendN(l, 200)
		So(l.FlushAndEvict(context.Background(), true), ShouldBeNil)

		Convey("Everything left memory and was seen by the observer", func() {
			So(l.SafeHeadAddress(), ShouldEqual, l.TailAddress())
			_, ok := l.Get(addrs[10])
			So(ok, ShouldBeFalse)
			So(evicted.seen.Load(), ShouldEqual, 200)
		})

		Convey("Records can be read back synchronously", func() {
			r, err := l.ReadFromDevice(addrs[150])
			So(err, ShouldBeNil)
			So(r.Value, ShouldEqual, "v150")
			So(string(r.Key), ShouldEqual, "k150")
		})

		Convey("Records can be read back asynchronously", func() {
			type result struct {
				r   *record.Record[string]
				err error
			}
			done := make(chan result, 1)
			l.ReadAsync(addrs[5], func(r *record.Record[string], err error) {
				done <- result{r, err}
			})
			res := <-done
			So(res.err, ShouldBeNil)
			So(res.r.Value, ShouldEqual, "v5")
		})

		Convey("A scan crosses from device to memory", func() {
			more := appendN(l, 5)
			it := l.Scan(l.BeginAddress(), l.TailAddress(), DoublePageBuffering)
			defer it.Close()
			n := 0
			for r, ok := it.GetNext(); ok; r, ok = it.GetNext() {
				So(r.Value, ShouldEqual, fmt.Sprintf("v%d", n%200))
				n++
			}
			So(it.Err(), ShouldBeNil)
			So(n, ShouldEqual, 205)
			So(it.CurrentAddress(), ShouldEqual, more[4])
		})

		Convey("Shifting the begin address hides older records", func() {
			l.ShiftBeginAddress(addrs[130], true)
			So(l.BeginAddress(), ShouldEqual, l.PageStart(addrs[130]))
			it := l.Scan(0, l.TailAddress(), NoBuffering)
			r, ok := it.GetNext()
			So(ok, ShouldBeTrue)
			So(it.CurrentAddress(), ShouldBeGreaterThanOrEqualTo, l.BeginAddress())
			So(r, ShouldNotBeNil)
		})
	})
}

func TestLogReadOnlyObserver(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a read-only observer", t, func() {
		l, _ := newTestLog(t, Settings{PageSizeBits: 7, MemoryPages: 8, MutablePages: 6})
		defer l.Close()
		obs := &countingObserver{}
		sub := l.SubscribeReadOnly(obs)

		appendN(l, 20)
		So(l.Flush(context.Background(), true), ShouldBeNil)

		Convey("It sees every record that became read-only", func() {
			So(obs.seen.Load(), ShouldEqual, 20)
		})

		Convey("Closing the subscription detaches it", func() {
			So(sub.Close(), ShouldBeNil)
			appendN(l, 5)
			So(l.Flush(context.Background(), true), ShouldBeNil)
			So(obs.seen.Load(), ShouldEqual, 20)
		})
	})
}

func TestLogRecoverAt(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a flushed log and a second log over the same device", t, func() {
		dev := NewMemoryDevice()
		l, _ := newTestLog(t, Settings{PageSizeBits: 7, Device: dev})
		addrs := appendN(l, 40)
		So(l.Flush(context.Background(), true), ShouldBeNil)
		So(l.Close(), ShouldBeNil)

		l2, _ := newTestLog(t, Settings{PageSizeBits: 7, Device: dev})
		defer l2.Close()
		So(l2.RecoverAt(record.FirstValidAddress, addrs[30]), ShouldBeNil)

		Convey("Records below the recovered tail are on the device", func() {
			r, err := l2.ReadFromDevice(addrs[29])
			So(err, ShouldBeNil)
			So(r.Value, ShouldEqual, "v29")
		})

		Convey("Records at or above the recovered tail are gone", func() {
			r, err := l2.ReadFromDevice(addrs[35])
			So(err, ShouldBeNil)
			So(r, ShouldBeNil)
			So(l2.TailAddress(), ShouldEqual, addrs[30])
		})
	})
}

func TestLogInvalidate(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given flushed records", t, func() {
		l, _ := newTestLog(t, Settings{PageSizeBits: 4})
		defer l.Close()
		addrs := appendN(l, 20)
		So(l.Flush(context.Background(), true), ShouldBeNil)

		Convey("Invalidated records are flagged on the device and skipped by scans", func() {
			So(l.Invalidate([]uint64{addrs[2], addrs[17]}), ShouldBeNil)

			r, err := l.ReadFromDevice(addrs[17])
			So(err, ShouldBeNil)
			So(r.Info.Invalid(), ShouldBeTrue)
			So(r.Value, ShouldEqual, "v17")

			So(l.FlushAndEvict(context.Background(), true), ShouldBeNil)
			it := l.Scan(addrs[0], addrs[19]+1, SinglePageBuffering)
			defer it.Close()
			n := 0
			for r, ok := it.GetNext(); ok; r, ok = it.GetNext() {
				So(r.Value, ShouldNotBeIn, "v2", "v17")
				n++
			}
			So(n, ShouldEqual, 18)
		})
	})
}

func TestLogFlushFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a log with unflushed records on a failing device", t, func() {
		dev := &failingDevice{MemoryDevice: NewMemoryDevice()}
		l, _ := newTestLog(t, Settings{PageSizeBits: 7, MemoryPages: 8, MutablePages: 6, Device: dev})
		defer l.Close()
		appendN(l, 300)
		tail := l.TailAddress()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		Convey("Waiting for the flush returns the device error", func() {
			dev.fail.Store(true)
			err := l.ShiftReadOnlyAddress(ctx, tail, true)
			So(errors.Is(err, errDiskOnFire), ShouldBeTrue)
			So(errors.Is(l.FlushError(), errDiskOnFire), ShouldBeTrue)
			So(l.FlushedUntilAddress(), ShouldBeLessThan, tail)

			Convey("And the next flush succeeds once the device recovers", func() {
				dev.fail.Store(false)
				appendN(l, 1)
				So(l.Flush(ctx, true), ShouldBeNil)
				So(l.FlushError(), ShouldBeNil)
				So(l.FlushedUntilAddress(), ShouldEqual, tail+1)
			})
		})

		Convey("Waiting on a closed log fails instead of returning early", func() {
			So(l.Close(), ShouldBeNil)
			err := l.ShiftReadOnlyAddress(ctx, tail, true)
			So(err, ShouldEqual, ErrClosed)
			So(l.FlushedUntilAddress(), ShouldBeLessThan, tail)
		})
	})
}
