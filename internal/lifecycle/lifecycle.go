// Package lifecycle provides signal-driven cancellation and shutdown hooks
// shared by toolchainctl's long-running commands (update, install, component
// add/remove). Unlike a plain "cancel on Ctrl-C" helper, it also tracks the
// transaction.Transaction and temp.Context instances actively unwinding a
// toolchain prefix, so a second interrupt during that unwind still forces
// their rollback instead of abandoning a half-written install under the
// prefix.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/toolchainctl/toolchainctl/internal/xlog"
)

// ActiveCleanup is anything holding partial filesystem state that must be
// undone if the process is killed before its owner's own deferred Close
// runs. transaction.Transaction (and, transitively, the temp.Context it
// owns) is the concrete case: an install or component removal in progress
// when the process is interrupted.
type ActiveCleanup interface {
	Close() error
}

var tracked struct {
	sync.Mutex
	next int
	m    map[int]ActiveCleanup
}

func init() {
	tracked.m = make(map[int]ActiveCleanup)
}

// Track registers c as in-flight cleanup state. The returned untrack func
// must be called once c's own Close has already run through the caller's
// normal control flow (typically via defer); a registration left untracked
// only costs one redundant Close call if a hard interrupt follows, since
// Transaction.Close (like temp.Context.Close) is idempotent.
func Track(c ActiveCleanup) (untrack func()) {
	tracked.Lock()
	id := tracked.next
	tracked.next++
	tracked.m[id] = c
	tracked.Unlock()
	return func() {
		tracked.Lock()
		delete(tracked.m, id)
		tracked.Unlock()
	}
}

func closeTracked() {
	tracked.Lock()
	cs := make([]ActiveCleanup, 0, len(tracked.m))
	for _, c := range tracked.m {
		cs = append(cs, c)
	}
	tracked.Unlock()
	for _, c := range cs {
		if err := c.Close(); err != nil {
			xlog.L().Warn("forced cleanup on second interrupt failed", "err", err)
		}
	}
}

// InterruptibleContext returns a context canceled on the first SIGINT or
// SIGTERM, giving an in-flight download or prefix mutation a chance to
// unwind through its own deferred transaction.Transaction.Close. A second
// signal means that unwind hasn't finished in time: every Transaction still
// registered via Track is force-closed (rolling back its partial writes and
// removing its temp directory) and the process exits immediately, rather
// than leaving a half-installed toolchain prefix behind.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		canc()
		<-sig
		closeTracked()
		signal.Stop(sig)
		os.Exit(130)
	}()
	return ctx, canc
}

var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit queues fn to run during RunAtExit. It must not be called
// from within an already-running at-exit function.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs all registered at-exit functions in registration order,
// stopping at the first error.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	for _, fn := range atExit.fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
