package lifecycle

import (
	"errors"
	"testing"
)

func TestAtExitRunsInOrder(t *testing.T) {
	atExit.Lock()
	atExit.fns = nil
	atExit.closed = 0
	atExit.Unlock()

	var order []int
	RegisterAtExit(func() error { order = append(order, 1); return nil })
	RegisterAtExit(func() error { order = append(order, 2); return nil })

	if err := RunAtExit(); err != nil {
		t.Fatalf("RunAtExit: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("got order %v, want [1 2]", order)
	}
}

func TestAtExitStopsAtFirstError(t *testing.T) {
	atExit.Lock()
	atExit.fns = nil
	atExit.closed = 0
	atExit.Unlock()

	boom := errors.New("boom")
	var ran2 bool
	RegisterAtExit(func() error { return boom })
	RegisterAtExit(func() error { ran2 = true; return nil })

	if err := RunAtExit(); !errors.Is(err, boom) {
		t.Fatalf("RunAtExit() = %v, want %v", err, boom)
	}
	if ran2 {
		t.Fatal("second at-exit func ran after the first returned an error")
	}
}

type fakeCleanup struct {
	closed bool
	err    error
}

func (f *fakeCleanup) Close() error {
	f.closed = true
	return f.err
}

func TestTrackUntrackRemovesRegistration(t *testing.T) {
	tracked.Lock()
	tracked.m = make(map[int]ActiveCleanup)
	tracked.Unlock()

	c := &fakeCleanup{}
	untrack := Track(c)
	untrack()

	closeTracked()
	if c.closed {
		t.Fatal("untracked cleanup was still force-closed")
	}
}

func TestCloseTrackedClosesEveryRegisteredCleanup(t *testing.T) {
	tracked.Lock()
	tracked.m = make(map[int]ActiveCleanup)
	tracked.Unlock()

	a := &fakeCleanup{}
	b := &fakeCleanup{err: errors.New("rollback failed")}
	Track(a)
	Track(b)

	closeTracked()

	if !a.closed || !b.closed {
		t.Fatalf("expected both cleanups closed, got a=%v b=%v", a.closed, b.closed)
	}
}

func TestRegisterAtExitPanicsAfterClose(t *testing.T) {
	atExit.Lock()
	atExit.fns = nil
	atExit.closed = 1
	atExit.Unlock()

	defer func() {
		atExit.Lock()
		atExit.closed = 0
		atExit.Unlock()
		if recover() == nil {
			t.Fatal("expected panic registering after close")
		}
	}()
	RegisterAtExit(func() error { return nil })
}
