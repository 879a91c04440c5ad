// Package transaction records reversible filesystem mutations under an
// install prefix and guarantees rollback on any failure: every mutation a
// caller makes under the prefix must go through a Transaction, using
// relative paths only.
package transaction

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/toolchainctl/toolchainctl/internal/ioutil/temp"
	"github.com/toolchainctl/toolchainctl/internal/lifecycle"
	"github.com/toolchainctl/toolchainctl/internal/xlog"
)

// Notification reports a non-fatal event during a Transaction's lifetime,
// most importantly a rollback step that itself failed.
type Notification struct {
	Message string
	Err     error
}

// changedItem is a tagged sum of the five reversible operations a
// Transaction can record. It is a closed set: only this package's types
// implement it, via the unexported marker method.
type changedItem interface {
	rollback(tx *Transaction) error
	isChangedItem()
}

type addedFile struct{ relpath string }
type addedDir struct{ relpath string }
type removedFile struct {
	relpath string
	backup  string // empty if the path did not exist
}
type removedDir struct {
	relpath string
	backup  string
}
type modifiedFile struct {
	relpath string
	backup  string // empty if there was nothing to back up
}

func (addedFile) isChangedItem()    {}
func (addedDir) isChangedItem()     {}
func (removedFile) isChangedItem()  {}
func (removedDir) isChangedItem()   {}
func (modifiedFile) isChangedItem() {}

func (c addedFile) rollback(tx *Transaction) error {
	return os.Remove(tx.abs(c.relpath))
}

func (c addedDir) rollback(tx *Transaction) error {
	return os.RemoveAll(tx.abs(c.relpath))
}

func (c removedFile) rollback(tx *Transaction) error {
	if c.backup == "" {
		return nil
	}
	return os.Rename(c.backup, tx.abs(c.relpath))
}

func (c removedDir) rollback(tx *Transaction) error {
	if c.backup == "" {
		return nil
	}
	return os.Rename(c.backup, tx.abs(c.relpath))
}

func (c modifiedFile) rollback(tx *Transaction) error {
	dest := tx.abs(c.relpath)
	if c.backup == "" {
		return os.Remove(dest)
	}
	return os.Rename(c.backup, dest)
}

// Transaction is a linear, append-only sequence of filesystem mutations
// under prefix. Close rolls back any recorded mutation unless Commit was
// called first.
type Transaction struct {
	prefix    string
	tmp       *temp.Context
	notify    func(Notification)
	log       []changedItem
	committed bool
	closed    bool
	untrack   func()
}

// New creates a Transaction rooted at prefix. tmp is exclusively owned by
// the Transaction until it is committed (the temp dir is then removed) or
// rolled back (backups are consumed by rollback). notify may be nil.
//
// New also registers the Transaction with lifecycle.Track, so a second
// interrupt signal arriving while the transaction's owner is still unwinding
// (blocked on a rollback step, or simply not back to its own defer yet)
// still forces this transaction closed instead of leaving its mutations
// half-applied under prefix.
func New(prefix string, tmp *temp.Context, notify func(Notification)) *Transaction {
	if notify == nil {
		notify = func(n Notification) {
			xlog.L().Warn(n.Message, "err", n.Err)
		}
	}
	tx := &Transaction{prefix: prefix, tmp: tmp, notify: notify}
	tx.untrack = lifecycle.Track(tx)
	return tx
}

func (tx *Transaction) abs(relpath string) string { return filepath.Join(tx.prefix, relpath) }

// AddFile creates relpath under the prefix and returns a writer for its
// contents. relpath must not already exist.
func (tx *Transaction) AddFile(relpath string) (io.WriteCloser, error) {
	dest := tx.abs(relpath)
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("add_file: %s already exists", relpath)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(dest)
	if err != nil {
		return nil, err
	}
	tx.log = append(tx.log, addedFile{relpath: relpath})
	return f, nil
}

// WriteFile atomically writes content to relpath, which must not already
// exist.
func (tx *Transaction) WriteFile(relpath string, content []byte) error {
	dest := tx.abs(relpath)
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("write_file: %s already exists", relpath)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := renameio.WriteFile(dest, content, 0644); err != nil {
		return err
	}
	tx.log = append(tx.log, addedFile{relpath: relpath})
	return nil
}

// CopyFile copies src to relpath under the prefix; relpath must not exist.
func (tx *Transaction) CopyFile(src, relpath string) error {
	dest := tx.abs(relpath)
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("copy_file: %s already exists", relpath)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
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
	tx.log = append(tx.log, addedFile{relpath: relpath})
	return nil
}

// MoveFile renames src into relpath under the prefix; relpath must not
// exist.
func (tx *Transaction) MoveFile(src, relpath string) error {
	dest := tx.abs(relpath)
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("move_file: %s already exists", relpath)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dest); err != nil {
		return err
	}
	tx.log = append(tx.log, addedFile{relpath: relpath})
	return nil
}

// AddDir creates an empty directory at relpath; relpath must not exist.
func (tx *Transaction) AddDir(relpath string) error {
	dest := tx.abs(relpath)
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("add_dir: %s already exists", relpath)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	tx.log = append(tx.log, addedDir{relpath: relpath})
	return nil
}

// RemoveFile removes relpath, which must exist, by renaming it to a backup
// in the transaction's temp context.
func (tx *Transaction) RemoveFile(relpath string) error {
	src := tx.abs(relpath)
	if _, err := os.Stat(src); err != nil {
		return err
	}
	backup := tx.tmp.Join("backup-" + sanitize(relpath))
	if err := os.Rename(src, backup); err != nil {
		return err
	}
	tx.log = append(tx.log, removedFile{relpath: relpath, backup: backup})
	return nil
}

// RemoveDir removes relpath recursively, which must exist, by renaming it
// to a backup in the transaction's temp context.
func (tx *Transaction) RemoveDir(relpath string) error {
	src := tx.abs(relpath)
	if _, err := os.Stat(src); err != nil {
		return err
	}
	backup := tx.tmp.Join("backup-" + sanitize(relpath))
	if err := os.Rename(src, backup); err != nil {
		return err
	}
	tx.log = append(tx.log, removedDir{relpath: relpath, backup: backup})
	return nil
}

// ModifyFile prepares relpath for being overwritten in place: if it exists,
// it is backed up; otherwise its parent directory is ensured to exist. The
// caller performs the actual modification after this returns.
func (tx *Transaction) ModifyFile(relpath string) error {
	dest := tx.abs(relpath)
	if _, err := os.Stat(dest); err == nil {
		backup := tx.tmp.Join("backup-" + sanitize(relpath))
		if err := copyFile(dest, backup); err != nil {
			return err
		}
		tx.log = append(tx.log, modifiedFile{relpath: relpath, backup: backup})
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tx.log = append(tx.log, modifiedFile{relpath: relpath})
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sanitize(relpath string) string {
	return filepath.Base(relpath) + "-" + fmt.Sprintf("%x", []byte(relpath))[:8]
}

// Commit marks the transaction successful. It is infallible: the prior
// operations already succeeded, and committing only flips a flag so that
// Close no longer rolls them back.
func (tx *Transaction) Commit() {
	tx.committed = true
}

// Close rolls back every recorded mutation, in reverse order, unless Commit
// was called. Rollback is best-effort: if an individual step fails, it is
// reported via notify and the remaining steps still run. Close also releases
// the transaction's temp context.
func (tx *Transaction) Close() error {
	if tx.closed {
		return nil
	}
	tx.closed = true
	tx.untrack()
	defer tx.tmp.Close()

	if tx.committed {
		return nil
	}

	for i := len(tx.log) - 1; i >= 0; i-- {
		item := tx.log[i]
		if err := item.rollback(tx); err != nil {
			tx.notify(Notification{
				Message: "rollback step failed, continuing",
				Err:     err,
			})
		}
	}
	return nil
}
