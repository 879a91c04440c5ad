// Package ioexec implements a work-stealing-style dispatcher for file and
// directory creations during archive extraction: a bounded worker pool
// drains a single submission queue under a cooperative memory budget, and
// reports completions on a second channel.
package ioexec

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ChunkSize is the size of each write for an IncrementalFile item.
const ChunkSize = 16 << 20 // 16 MiB

// defaultBudget is the default memory budget for in-flight unpack work.
const defaultBudget = 500 << 20 // 500 MiB

// ItemKind distinguishes the three shapes of work the executor accepts.
type ItemKind int

const (
	KindDirectory ItemKind = iota
	KindFile
	KindIncrementalFile
)

// Item is one unit of filesystem work submitted to the executor.
type Item struct {
	Kind ItemKind
	Path string
	Mode os.FileMode

	// File
	Data []byte

	// IncrementalFile: Chunks yields successive byte slices; the executor
	// writes each and reports its size on the completion channel as a Chunk
	// event, then a final Item event once Chunks is exhausted.
	Chunks <-chan []byte

	// id ties a submitted Item back to its CompletedIo record.
	id int64
}

// size estimates how much of the memory budget this item claims.
func (it Item) size() int64 {
	switch it.Kind {
	case KindFile:
		return int64(len(it.Data))
	case KindIncrementalFile:
		return ChunkSize
	default:
		return 0
	}
}

// CompletedIo reports that either an entire Item finished, or one chunk of
// an IncrementalFile was flushed.
type CompletedIo struct {
	ItemDone  bool
	ItemID    int64
	Err       error
	ChunkSize int64
}

// Executor pairs a submission queue with a background worker pool and a
// mutex-guarded memory budget counter (not a semaphore, since both claims
// and releases vary in size per item). Budget waiters block on a condition
// variable signaled by workers as they reclaim, independent of whether the
// caller is draining Completions() — the two concerns don't interfere with
// each other.
type Executor struct {
	submit   chan Item
	complete chan CompletedIo

	budgetMu  sync.Mutex
	budgetCv  *sync.Cond
	budget    int64
	available int64

	nextID int64
	idMu   sync.Mutex
}

// NewExecutor starts a worker pool sized from TOOLCHAINCTL_IO_THREADS (or a
// NumCPU-derived heuristic) and a memory budget from
// TOOLCHAINCTL_UNPACK_RAM (or defaultBudget).
func NewExecutor() *Executor {
	threads := envInt("TOOLCHAINCTL_IO_THREADS", defaultThreads())
	budget := envInt64("TOOLCHAINCTL_UNPACK_RAM", defaultBudget)

	e := &Executor{
		submit:    make(chan Item, threads*4),
		complete:  make(chan CompletedIo, threads*4),
		budget:    budget,
		available: budget,
	}
	e.budgetCv = sync.NewCond(&e.budgetMu)

	var eg errgroup.Group
	for i := 0; i < threads; i++ {
		eg.Go(func() error {
			for item := range e.submit {
				e.run(item)
			}
			return nil
		})
	}
	go func() {
		eg.Wait()
		close(e.complete)
	}()

	return e
}

func defaultThreads() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

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

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (e *Executor) run(item Item) {
	switch item.Kind {
	case KindDirectory:
		err := os.MkdirAll(item.Path, item.Mode)
		e.reclaim(item.size())
		e.complete <- CompletedIo{ItemDone: true, ItemID: item.id, Err: err}
	case KindFile:
		err := os.WriteFile(item.Path, item.Data, item.Mode)
		e.reclaim(item.size())
		e.complete <- CompletedIo{ItemDone: true, ItemID: item.id, Err: err}
	case KindIncrementalFile:
		e.runIncremental(item)
	}
}

func (e *Executor) runIncremental(item Item) {
	f, err := os.OpenFile(item.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, item.Mode)
	if err != nil {
		e.reclaim(item.size())
		e.complete <- CompletedIo{ItemDone: true, ItemID: item.id, Err: err}
		return
	}
	var writeErr error
	for chunk := range item.Chunks {
		if writeErr == nil {
			if _, err := f.Write(chunk); err != nil {
				writeErr = err
			}
		}
		e.complete <- CompletedIo{ChunkSize: int64(len(chunk))}
	}
	if writeErr == nil {
		writeErr = f.Close()
	} else {
		f.Close()
	}
	e.reclaim(item.size())
	e.complete <- CompletedIo{ItemDone: true, ItemID: item.id, Err: writeErr}
}

// Claim reserves n bytes of the memory budget, blocking until room is
// available. An item larger than the entire budget is still admitted once
// the budget is fully free (available == budget), so a single oversized
// item can't deadlock the executor. Claim is independent of whether the
// caller also drains Completions(): reclaim happens inside the worker as
// soon as an item finishes, not when its completion record is read.
func (e *Executor) Claim(n int64) {
	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()
	for !(e.available >= n || e.available == e.budget) {
		e.budgetCv.Wait()
	}
	e.available -= n
}

func (e *Executor) reclaim(n int64) {
	e.budgetMu.Lock()
	e.available += n
	if e.available > e.budget {
		e.available = e.budget
	}
	e.budgetMu.Unlock()
	e.budgetCv.Broadcast()
}

// Submit enqueues item, claiming its share of the memory budget first. It
// returns the item's ID so the caller can correlate CompletedIo records.
func (e *Executor) Submit(item Item) int64 {
	e.idMu.Lock()
	e.nextID++
	id := e.nextID
	e.idMu.Unlock()
	item.id = id

	e.Claim(item.size())
	e.submit <- item
	return id
}

// Completions returns the channel of completion notifications.
func (e *Executor) Completions() <-chan CompletedIo { return e.complete }

// CloseSubmit closes the submission queue without draining Completions().
// Use this instead of Join when a caller already has its own goroutine
// reading Completions() — e.g. to react to individual CompletedIo events,
// such as releasing directory-dependent submissions only once their parent's
// completion has been observed — and needs to decide for itself when no more
// Items will ever be submitted, rather than have Join's drain loop race it
// for messages on the same channel.
func (e *Executor) CloseSubmit() {
	close(e.submit)
}

// Join closes the submission queue and drains all outstanding items to
// completion. There is no partial-cancellation API; callers cancel by
// dropping the entire transaction (and its temp context) after Join.
func (e *Executor) Join() {
	e.CloseSubmit()
	for range e.complete {
		// drain
	}
}

// String aids debugging; not part of the public contract.
func (e *Executor) String() string {
	return fmt.Sprintf("Executor{budget=%d}", e.budget)
}
