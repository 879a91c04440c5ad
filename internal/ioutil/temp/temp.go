// Package temp hands out scoped temporary files and directories whose
// Close removes them, unless they are first converted into an owned
// persistent path via Persist.
package temp

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/toolchainctl/toolchainctl/internal/xlog"
)

// Context is a scope for temporary resources. All files and directories it
// hands out live under one base directory, which Close removes recursively.
type Context struct {
	base    string
	closed  bool
}

// NewContext creates a new temp context rooted under dir (the system default
// if empty).
func NewContext(dir string) (*Context, error) {
	base, err := os.MkdirTemp(dir, "toolchainctl-tx-")
	if err != nil {
		return nil, err
	}
	cx := &Context{base: base}
	runtime.SetFinalizer(cx, func(c *Context) {
		if !c.closed {
			xlog.L().Warn("temp context garbage-collected without Close", "base", c.base)
			os.RemoveAll(c.base)
		}
	})
	return cx, nil
}

// Dir is a scoped temporary directory.
type Dir struct {
	Path string
	cx   *Context
}

// NewDir allocates a new temporary directory within cx.
func (cx *Context) NewDir() (*Dir, error) {
	path, err := os.MkdirTemp(cx.base, "dir-")
	if err != nil {
		return nil, err
	}
	return &Dir{Path: path, cx: cx}, nil
}

// Persist renames d out of the temp context to dest, converting it into an
// owned persistent path no longer subject to Context.Close.
func (d *Dir) Persist(dest string) error {
	if err := os.Rename(d.Path, dest); err != nil {
		return err
	}
	d.Path = dest
	d.cx = nil
	return nil
}

// File is a scoped temporary file.
type File struct {
	*os.File
	cx *Context
}

// NewFile allocates a new temporary file within cx.
func (cx *Context) NewFile() (*File, error) {
	f, err := os.CreateTemp(cx.base, "file-")
	if err != nil {
		return nil, err
	}
	return &File{File: f, cx: cx}, nil
}

// Persist closes f and renames it out of the temp context to dest.
func (f *File) Persist(dest string) error {
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(f.Name(), dest); err != nil {
		return err
	}
	f.cx = nil
	return nil
}

// Close removes every resource allocated from cx that was not Persisted.
func (cx *Context) Close() error {
	if cx.closed {
		return nil
	}
	cx.closed = true
	runtime.SetFinalizer(cx, nil)
	return os.RemoveAll(cx.base)
}

// Base returns the context's backing directory, for diagnostics.
func (cx *Context) Base() string { return cx.base }

// Join is a convenience for building a path under cx's base without
// allocating a tracked resource (used for scratch files the caller manages
// manually).
func (cx *Context) Join(name string) string { return filepath.Join(cx.base, name) }
