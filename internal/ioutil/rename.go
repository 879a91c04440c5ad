// Package ioutil collects cross-platform filesystem primitives that never
// leave the filesystem half-committed when they return success: atomic
// rename with retry, hardlink-or-symlink fallback, and line-filtered copies.
package ioutil

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/toolchainctl/toolchainctl/internal/xlog"
)

// fibonacciBackOff produces Fibonacci-growing delays (1, 2, 3, 5, ... units,
// with no jitter), capped via
// backoff.WithMaxRetries by the caller. cenkalti/backoff's built-in
// exponential policy doesn't express Fibonacci growth directly, so we
// implement the small stateful BackOff interface ourselves and let the
// library's retry harness (WithContext, WithMaxRetries) drive it.
type fibonacciBackOff struct {
	a, b time.Time
	cur  time.Duration
	unit time.Duration
}

func newFibonacciBackOff(unit time.Duration) *fibonacciBackOff {
	return &fibonacciBackOff{unit: unit, cur: 0}
}

func (f *fibonacciBackOff) Reset() { f.cur = 0 }

func (f *fibonacciBackOff) NextBackOff() time.Duration {
	if f.cur == 0 {
		f.cur = f.unit
		return f.cur
	}
	next := f.cur + f.unit
	f.cur, f.unit = next, f.cur
	return next
}

// maxRenameRetries bounds RenameWithRetry to roughly 26 steps (~28s total of
// unjittered Fibonacci backoff), matching the historical retry budget for
// transient rename failures on Windows-like filesystems and slow network
// mounts.
const maxRenameRetries = 26

// RenameWithRetry behaves like os.Rename but retries on permission-denied or
// other transient errors using unjittered Fibonacci backoff, up to
// maxRenameRetries attempts. On Linux, if the rename crosses a filesystem
// boundary (EXDEV) and TOOLCHAINCTL_PERMIT_COPY_RENAME is set, it falls back
// to a copy-then-delete.
func RenameWithRetry(oldpath, newpath string) error {
	return renameWithRetry(oldpath, newpath, maxRenameRetries)
}

// renameWithRetry is the retry-bound-configurable core, exposed to tests so
// they don't have to wait out the full ~28s budget.
func renameWithRetry(oldpath, newpath string, maxRetries int) error {
	op := func() error {
		err := os.Rename(oldpath, newpath)
		if err == nil {
			return nil
		}
		if runtime.GOOS == "linux" && isCrossDevice(err) {
			if os.Getenv("TOOLCHAINCTL_PERMIT_COPY_RENAME") != "" {
				return copyThenDelete(oldpath, newpath)
			}
			return backoff.Permanent(err)
		}
		if isTransient(err) {
			xlog.L().Debug("rename failed, retrying", "old", oldpath, "new", newpath, "err", err)
			return err
		}
		return backoff.Permanent(err)
	}

	// With a 54µs unit, the 26 delays sum to 514227 units, about 28s.
	b := backoff.WithMaxRetries(newFibonacciBackOff(54*time.Microsecond), uint64(maxRetries))
	return backoff.Retry(op, backoff.WithContext(b, context.Background()))
}

func isTransient(err error) bool {
	return os.IsPermission(err) || errors.Is(err, os.ErrExist)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// copyThenDelete implements the EXDEV fallback: copy oldpath's contents to
// newpath, then remove oldpath. It is not atomic, hence gated behind an
// explicit opt-in environment variable.
func copyThenDelete(oldpath, newpath string) error {
	in, err := os.Open(oldpath)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(newpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(oldpath)
}

// envInt reads an environment variable as an int, falling back to def on
// absence or parse failure.
func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
