// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

func TestLightEpochProtection(t *testing.T) {
	Convey("Given a new epoch table", t, func() {
		e := New(4)

		Convey("Initially", func() {
			So(e.CurrentEpoch(), ShouldEqual, 1)
			So(e.ProtectedCount(), ShouldEqual, 0)
			So(e.PendingActions(), ShouldEqual, 0)
		})

		Convey("When acquiring a handle", func() {
			h, err := e.Acquire()
			So(err, ShouldBeNil)

			Convey("It starts unprotected", func() {
				So(h.IsProtected(), ShouldBeFalse)
			})

			Convey("Protect publishes the current epoch", func() {
				So(h.Protect(), ShouldEqual, 1)
				So(h.IsProtected(), ShouldBeTrue)
				So(e.ProtectedCount(), ShouldEqual, 1)

				h.Suspend()
				So(h.IsProtected(), ShouldBeFalse)
			})
		})

		Convey("When every entry is taken", func() {
			for i := 0; i < 4; i++ {
				_, err := e.Acquire()
				So(err, ShouldBeNil)
			}
			_, err := e.Acquire()

			Convey("Then Acquire fails with ErrTableFull", func() {
				So(err, ShouldEqual, ErrTableFull)
			})
		})

		Convey("When a handle is released", func() {
			h, _ := e.Acquire()
			h.Protect()
			h.Release()

			Convey("Its entry can be acquired again", func() {
				for i := 0; i < 4; i++ {
					_, err := e.Acquire()
					So(err, ShouldBeNil)
				}
			})
		})
	})
}

func TestLightEpochDrainActions(t *testing.T) {
	Convey("Given an epoch table with one protected handle", t, func() {
		e := New(8)
		h, _ := e.Acquire()
		h.Protect()

		var ran atomic.Int32
		e.BumpCurrentEpochWithAction(func() { ran.Add(1) })

		Convey("The action does not run while the handle holds the old epoch", func() {
			So(ran.Load(), ShouldEqual, 0)
			So(e.PendingActions(), ShouldEqual, 1)
		})

		Convey("Refreshing the handle drains the action exactly once", func() {
			h.ProtectAndDrain()
			So(ran.Load(), ShouldEqual, 1)

			h.ProtectAndDrain()
			e.Drain()
			So(ran.Load(), ShouldEqual, 1)
			So(e.PendingActions(), ShouldEqual, 0)
		})

		Convey("The last handle to suspend drains the action", func() {
			h.Suspend()
			So(ran.Load(), ShouldEqual, 1)
		})
	})

	Convey("Given an epoch table with nothing protected", t, func() {
		e := New(8)

		Convey("An action runs before registration returns", func() {
			ran := false
			e.BumpCurrentEpochWithAction(func() { ran = true })
			So(ran, ShouldBeTrue)
		})
	})

	Convey("Given more actions than drain slots", t, func() {
		e := New(8)
		h, _ := e.Acquire()
		h.Protect()

		var ran atomic.Int32
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < drainListSize*3; i++ {
				e.BumpCurrentEpochWithAction(func() { ran.Add(1) })
			}
		}()

		// Registration blocks on a full list until the handle moves on.
		deadline := time.After(5 * time.Second)
	loop:
		for {
			select {
			case <-done:
				break loop
			case <-deadline:
				break loop
			default:
				h.ProtectAndDrain()
				time.Sleep(time.Millisecond)
			}
		}
		h.Suspend()

		Convey("Every action runs exactly once", func() {
			So(ran.Load(), ShouldEqual, drainListSize*3)
		})
	})
}

func TestLightEpochMarkers(t *testing.T) {
	Convey("Given two protected handles", t, func() {
		e := New(8)
		a, _ := e.Acquire()
		b, _ := e.Acquire()
		a.Protect()
		b.Protect()

		Convey("A phase is incomplete until both have marked it", func() {
			a.Mark(0, 7)
			So(e.CheckIsComplete(0, 7), ShouldBeFalse)
			b.Mark(0, 7)
			So(e.CheckIsComplete(0, 7), ShouldBeTrue)
		})

		Convey("Unprotected handles are ignored", func() {
			a.Mark(1, 3)
			b.Suspend()
			So(e.CheckIsComplete(1, 3), ShouldBeTrue)
		})

		Convey("A mark for another version does not count", func() {
			a.Mark(2, 4)
			b.Mark(2, 5)
			So(e.CheckIsComplete(2, 5), ShouldBeFalse)
		})
	})
}

func TestLightEpochConcurrentRefresh(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given many goroutines refreshing while actions are registered", t, func() {
		e := New(32)
		var ran atomic.Int64
		var wg sync.WaitGroup
		stop := make(chan struct{})

		for i := 0; i < 8; i++ {
			h, err := e.Acquire()
			So(err, ShouldBeNil)
			wg.Add(1)
			go func(h *Handle) {
				defer wg.Done()
				defer h.Release()
				for {
					select {
					case <-stop:
						return
					default:
						h.ProtectAndDrain()
						h.Suspend()
					}
				}
			}(h)
		}

		for i := 0; i < 200; i++ {
			e.BumpCurrentEpochWithAction(func() { ran.Add(1) })
		}
		close(stop)
		wg.Wait()
		e.Drain()

		Convey("Every registered action ran once", func() {
			So(ran.Load(), ShouldEqual, 200)
			So(e.PendingActions(), ShouldEqual, 0)
		})
	})
}

func TestSpinWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a condition that becomes true later", t, func() {
		var flag atomic.Bool
		var refreshes atomic.Int32
		go func() {
			time.Sleep(10 * time.Millisecond)
			flag.Store(true)
		}()

		err := SpinWait(context.Background(), flag.Load, func() { refreshes.Add(1) })

		Convey("SpinWait returns once it holds and refreshed meanwhile", func() {
			So(err, ShouldBeNil)
			So(flag.Load(), ShouldBeTrue)
			So(refreshes.Load(), ShouldBeGreaterThan, 0)
		})
	})

	Convey("Given a condition that never holds", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()

		err := SpinWait(ctx, func() bool { return false }, nil)

		Convey("SpinWait stops with the context error", func() {
			So(err, ShouldEqual, context.DeadlineExceeded)
		})
	})
}
