// Package registry maintains the on-disk index of installed components and
// their file lists under an install prefix, at
// <prefix>/lib/rustlib/{rust-installer-version,components,manifest-<name>}.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
	"github.com/toolchainctl/toolchainctl/internal/transaction"
)

// InstallerVersion is the on-disk layout version this implementation
// understands.
const InstallerVersion = 3

const rustlibDir = "lib/rustlib"

// Registry reads and writes the installed-component index under prefix.
type Registry struct {
	prefix string
}

// Open verifies the installer version (if the registry already exists) and
// returns a handle. A missing rust-installer-version file is treated as "no
// registry yet" rather than an error.
func Open(prefix string) (*Registry, error) {
	vfile := filepath.Join(prefix, rustlibDir, "rust-installer-version")
	b, err := os.ReadFile(vfile)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{prefix: prefix}, nil
		}
		return nil, err
	}
	v := strings.TrimSpace(string(b))
	if v != strconv.Itoa(InstallerVersion) {
		return nil, &errs.UnsupportedVersion{Version: v}
	}
	return &Registry{prefix: prefix}, nil
}

func (r *Registry) componentsFile() string { return filepath.Join(r.prefix, rustlibDir, "components") }
func (r *Registry) manifestFile(name string) string {
	return filepath.Join(r.prefix, rustlibDir, "manifest-"+name)
}

// List returns the components currently recorded in the registry.
func (r *Registry) List() ([]manifest.Component, error) {
	b, err := os.ReadFile(r.componentsFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []manifest.Component
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		out = append(out, manifest.ParseComponentName(line))
	}
	return out, nil
}

// Find returns whether name is present in the registry's component list.
func (r *Registry) Find(name string) (bool, error) {
	comps, err := r.List()
	if err != nil {
		return false, err
	}
	for _, c := range comps {
		if c.Name() == name {
			return true, nil
		}
	}
	return false, nil
}

// entryKind distinguishes a manifest-<name> line's target.
type entryKind int

const (
	entryFile entryKind = iota
	entryDir
)

type entry struct {
	kind entryKind
	path string
}

// ComponentBuilder accumulates the file/dir entries of a component being
// installed, and finalizes them into the registry when Commit is called.
type ComponentBuilder struct {
	reg     *Registry
	tx      *transaction.Transaction
	name    string
	entries []entry
}

// Add starts building a new component's manifest within tx. The caller
// records each file/dir it creates via AddFile/AddDir and then calls
// Commit.
func (r *Registry) Add(name string, tx *transaction.Transaction) *ComponentBuilder {
	return &ComponentBuilder{reg: r, tx: tx, name: name}
}

// AddFile records relpath as a file belonging to this component. The caller
// is responsible for having already created it through tx.
func (b *ComponentBuilder) AddFile(relpath string) {
	b.entries = append(b.entries, entry{kind: entryFile, path: relpath})
}

// AddDir records relpath as a directory belonging to this component.
func (b *ComponentBuilder) AddDir(relpath string) {
	b.entries = append(b.entries, entry{kind: entryDir, path: relpath})
}

// Commit writes manifest-<name> and appends name to the components file,
// ensuring rust-installer-version exists, all through the transaction.
func (b *ComponentBuilder) Commit() error {
	var sb strings.Builder
	for _, e := range b.entries {
		switch e.kind {
		case entryFile:
			fmt.Fprintf(&sb, "file:%s\n", e.path)
		case entryDir:
			fmt.Fprintf(&sb, "dir:%s\n", e.path)
		}
	}

	manifestRel := filepath.Join(rustlibDir, "manifest-"+b.name)
	if err := ensureWritten(b.tx, manifestRel, []byte(sb.String())); err != nil {
		return err
	}

	versionRel := filepath.Join(rustlibDir, "rust-installer-version")
	if _, err := os.Stat(filepath.Join(b.reg.prefix, versionRel)); os.IsNotExist(err) {
		if err := b.tx.WriteFile(versionRel, []byte(strconv.Itoa(InstallerVersion)+"\n")); err != nil {
			return err
		}
	}

	return appendComponent(b.tx, b.reg, b.name)
}

func ensureWritten(tx *transaction.Transaction, relpath string, content []byte) error {
	return tx.WriteFile(relpath, content)
}

// appendComponent rewrites the components file with name appended. It goes
// through ModifyFile so the prior contents are backed up for rollback.
func appendComponent(tx *transaction.Transaction, r *Registry, name string) error {
	componentsRel := filepath.Join(rustlibDir, "components")
	existing, err := r.List()
	if err != nil {
		return err
	}
	if err := tx.ModifyFile(componentsRel); err != nil {
		return err
	}
	names := make([]string, 0, len(existing)+1)
	for _, c := range existing {
		names = append(names, c.Name())
	}
	names = append(names, name)
	return os.WriteFile(filepath.Join(r.prefix, componentsRel), []byte(strings.Join(names, "\n")+"\n"), 0644)
}

// InstalledComponent is a handle for uninstalling a specific registered
// component.
type InstalledComponent struct {
	reg  *Registry
	Name string
}

// FindComponent returns a handle to name if it is registered.
func (r *Registry) FindComponent(name string) (*InstalledComponent, error) {
	ok, err := r.Find(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &InstalledComponent{reg: r, Name: name}, nil
}

// Uninstall removes every file/dir this component owns, in reverse manifest
// order, through tx, then prunes any now-empty ancestor directories, and
// finally removes the component from the components list and deletes its
// manifest-<name> file.
func (c *InstalledComponent) Uninstall(tx *transaction.Transaction) error {
	entries, err := c.readManifest()
	if err != nil {
		return err
	}

	prune := NewPruneSet()
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.kind {
		case entryFile:
			if err := tx.RemoveFile(e.path); err != nil {
				return err
			}
			prune.Add(filepath.Dir(e.path))
		case entryDir:
			if err := tx.RemoveDir(e.path); err != nil {
				return err
			}
			prune.Add(filepath.Dir(e.path))
		}
	}

	for _, dir := range prune.EmptyDirs(c.reg.prefix) {
		if err := tx.RemoveDir(dir); err != nil {
			return err
		}
	}

	if err := tx.RemoveFile(filepath.Join(rustlibDir, "manifest-"+c.Name)); err != nil {
		return err
	}

	return removeComponent(tx, c.reg, c.Name)
}

func (c *InstalledComponent) readManifest() ([]entry, error) {
	f, err := os.Open(c.reg.manifestFile(c.Name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "file:"):
			entries = append(entries, entry{kind: entryFile, path: strings.TrimPrefix(line, "file:")})
		case strings.HasPrefix(line, "dir:"):
			entries = append(entries, entry{kind: entryDir, path: strings.TrimPrefix(line, "dir:")})
		}
	}
	return entries, sc.Err()
}

func removeComponent(tx *transaction.Transaction, r *Registry, name string) error {
	componentsRel := filepath.Join(rustlibDir, "components")
	existing, err := r.List()
	if err != nil {
		return err
	}
	if err := tx.ModifyFile(componentsRel); err != nil {
		return err
	}
	var names []string
	for _, c := range existing {
		if c.Name() == name {
			continue
		}
		names = append(names, c.Name())
	}
	content := ""
	if len(names) > 0 {
		content = strings.Join(names, "\n") + "\n"
	}
	return os.WriteFile(filepath.Join(r.prefix, componentsRel), []byte(content), 0644)
}
