// Package unpack extracts a toolchain component archive (tar, wrapped in
// gzip, xz or zstd) into a destination directory, fanning the individual
// entries out across an ioexec.Executor so large components unpack with
// bounded memory and concurrent disk writes.
//
// distr1-distri's own unpack path shells out to `tar` (see its own
// "TODO(later): extract in pure Go to avoid tar dependency" comment); this
// package is that pure-Go extraction, generalized to run under a shared
// memory budget instead of a single external process.
package unpack

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"

	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/ioexec"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
)

// singleShotThreshold matches ioexec.ChunkSize: files at or under this size
// are read fully into memory and submitted as one Item; larger files stream
// through a Chunks channel as IncrementalFile items.
const singleShotThreshold = ioexec.ChunkSize

// dirState tracks whether a destination directory has actually been created
// on disk yet (its ioexec.KindDirectory Item has been observed as
// CompletedIo), or has merely been requested (the Item has been submitted,
// or is itself still waiting on its own parent, but the mkdir hasn't been
// confirmed done).
type dirState int

const (
	dirPending dirState = iota
	dirExists
)

// Result reports the files and directories that landed under dest, relative
// to dest, each list sorted lexically. The caller (typically
// internal/state) folds this list into a transaction.
type Result struct {
	Dirs  []string
	Files []string
}

// Extract reads a compressed tar archive from r and writes its contents
// under dest, stripping the first path component of every entry (archives
// are expected to contain a single top-level directory, as rustup's own
// distribution tarballs do). It rejects any entry type other than regular
// file and directory.
func Extract(r io.Reader, compression manifest.Compression, dest string, componentName string) (*Result, error) {
	dr, err := decompressor(r, compression)
	if err != nil {
		return nil, err
	}
	if closer, ok := dr.(io.Closer); ok {
		defer closer.Close()
	}

	tr := tar.NewReader(dr)
	ex := ioexec.NewExecutor()

	u := &unpacker{
		dest:    dest,
		exec:    ex,
		dirs:    map[string]dirState{".": dirExists},
		idToDir: make(map[int64]string),
		waiters: make(map[string][]func()),
		name:    componentName,
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- u.drainCompletions() }()

	walkErr := u.walk(tr)

	// Every item walk submitted or queued is now either already given to the
	// executor or registered as a waiter on some still-pending directory;
	// wait for the latter to drain before closing the submission queue, or a
	// directory's eventual completion would try to submit a waiter onto a
	// closed channel.
	u.wg.Wait()
	ex.CloseSubmit()

	if err := <-drainDone; err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Strings(u.result.Dirs)
	sort.Strings(u.result.Files)
	return &u.result, nil
}

func decompressor(r io.Reader, c manifest.Compression) (io.Reader, error) {
	switch c {
	case manifest.CompressionGzip:
		return pgzip.NewReader(r)
	case manifest.CompressionXz:
		return xz.NewReader(r)
	case manifest.CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return gzip.NewReader(r)
	}
}

type unpacker struct {
	dest string
	exec *ioexec.Executor
	name string

	// mu guards dirs, idToDir, and waiters, which are read and written from
	// both walk() (the single goroutine traversing the tar stream) and
	// drainCompletions (reacting to the executor's CompletedIo events).
	mu      sync.Mutex
	dirs    map[string]dirState
	idToDir map[int64]string    // in-flight directory ioexec.Item ID -> its rel path
	waiters map[string][]func() // rel dir path -> callbacks queued on its completion

	// wg counts every Item walk has decided will eventually reach
	// exec.Submit, whether that happens immediately or once a waiter fires.
	// Extract waits on it before closing the submission queue.
	wg sync.WaitGroup

	result Result
}

// walk drains the tar stream, submitting one ioexec.Item per regular file
// and synthesizing directory-creation items as needed so every file's
// parent exists. A file (or nested directory) is only handed to the
// executor once its parent directory's own CompletedIo has actually been
// observed — see whenReady and drainCompletions — so no write can race
// ahead of the mkdir that makes its destination directory exist.
func (u *unpacker) walk(tr *tar.Reader) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		rel := stripFirstComponent(hdr.Name)
		if rel == "" {
			continue // the top-level directory entry itself
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			u.ensureDir(rel, normalizeMode(hdr.Mode, true))
		case tar.TypeReg, tar.TypeRegA:
			parent := filepath.Dir(rel)
			if parent == "." {
				parent = ""
			}
			if parent != "" {
				// Synthesize the parent if it hasn't been seen yet,
				// matching rustup's own tolerance for archives that omit
				// intermediate directory entries.
				u.ensureDir(parent, 0755)
			}
			if err := u.submitFile(tr, rel, hdr); err != nil {
				return err
			}
		default:
			return &errs.CorruptComponent{Name: u.name}
		}
	}
	return nil
}

// whenReady runs fn once parent is confirmed to exist on disk — immediately
// if it already does, otherwise once drainCompletions observes its
// CompletedIo. parent == "" (the destination root) always runs fn
// immediately.
func (u *unpacker) whenReady(parent string, fn func()) {
	if parent == "" {
		fn()
		return
	}
	u.mu.Lock()
	if u.dirs[parent] == dirExists {
		u.mu.Unlock()
		fn()
		return
	}
	u.waiters[parent] = append(u.waiters[parent], fn)
	u.mu.Unlock()
}

// ensureDir registers rel (and, recursively, every ancestor of rel) as a
// directory to create, submitting its ioexec.Item once its own parent is
// ready. It is idempotent: a rel already known (requested or completed) is
// left alone.
func (u *unpacker) ensureDir(rel string, mode os.FileMode) {
	u.mu.Lock()
	if _, known := u.dirs[rel]; known {
		u.mu.Unlock()
		return
	}
	u.dirs[rel] = dirPending
	u.mu.Unlock()

	u.result.Dirs = append(u.result.Dirs, rel)

	parent := filepath.Dir(rel)
	if parent == "." || parent == rel {
		parent = ""
	} else {
		u.ensureDir(parent, 0755)
	}

	path := filepath.Join(u.dest, rel)
	u.wg.Add(1)
	u.whenReady(parent, func() {
		id := u.exec.Submit(ioexec.Item{Kind: ioexec.KindDirectory, Path: path, Mode: mode})
		u.mu.Lock()
		u.idToDir[id] = rel
		u.mu.Unlock()
		u.wg.Done()
	})
}

func (u *unpacker) submitFile(tr *tar.Reader, rel string, hdr *tar.Header) error {
	mode := normalizeMode(hdr.Mode, false)
	path := filepath.Join(u.dest, rel)
	parent := filepath.Dir(rel)
	if parent == "." {
		parent = ""
	}

	if hdr.Size <= singleShotThreshold {
		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, data); err != nil {
			return err
		}
		u.result.Files = append(u.result.Files, rel)
		u.wg.Add(1)
		u.whenReady(parent, func() {
			u.exec.Submit(ioexec.Item{Kind: ioexec.KindFile, Path: path, Mode: mode, Data: data})
			u.wg.Done()
		})
		return nil
	}

	// Incremental files stream straight off the tar reader as it's consumed,
	// so the Submit itself (which hands the chunk channel to a worker) is
	// what's deferred; the first chunk send simply blocks until the parent
	// directory is ready and a worker picks the item up.
	chunks := make(chan []byte)
	u.result.Files = append(u.result.Files, rel)
	u.wg.Add(1)
	u.whenReady(parent, func() {
		u.exec.Submit(ioexec.Item{Kind: ioexec.KindIncrementalFile, Path: path, Mode: mode, Chunks: chunks})
		u.wg.Done()
	})

	remaining := hdr.Size
	for remaining > 0 {
		n := int64(ioexec.ChunkSize)
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(tr, buf); err != nil {
			close(chunks)
			return err
		}
		chunks <- buf
		remaining -= n
	}
	close(chunks)
	return nil
}

// drainCompletions is the sole reader of exec.Completions(). For each
// directory Item's completion, it marks the directory existing and fires any
// waiters queued on it (which may themselves submit further items, including
// nested directories). It returns the first error observed, of any kind.
func (u *unpacker) drainCompletions() error {
	var firstErr error
	for c := range u.exec.Completions() {
		if !c.ItemDone {
			continue // chunk-progress event for an IncrementalFile
		}
		if c.Err != nil && firstErr == nil {
			firstErr = c.Err
		}

		u.mu.Lock()
		rel, isDir := u.idToDir[c.ItemID]
		if !isDir {
			u.mu.Unlock()
			continue
		}
		delete(u.idToDir, c.ItemID)
		u.dirs[rel] = dirExists
		fns := u.waiters[rel]
		delete(u.waiters, rel)
		u.mu.Unlock()

		for _, fn := range fns {
			fn()
		}
	}
	return firstErr
}

// normalizeMode mirrors rustup's own permission handling: group and other
// bits are derived from the owner bits (mode = u | u>>3 | u>>6), since a
// tarball built under one system's umask shouldn't dictate an unreadable
// install on another. Directories additionally always get the owner
// execute bit so they remain traversable.
func normalizeMode(m int64, dir bool) os.FileMode {
	owner := (os.FileMode(m) & 0700)
	perm := owner | (owner >> 3) | (owner >> 6)
	if dir {
		perm |= 0100
	}
	return perm
}

func stripFirstComponent(name string) string {
	name = strings.TrimPrefix(name, "./")
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
