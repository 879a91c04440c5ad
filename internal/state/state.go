// Package state implements the Manifestation: the installed-state update
// engine that diffs a desired component set against what is already
// installed and drives the unpacker, parallel executor, transaction log and
// components registry to bring a toolchain prefix up to date.
package state

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/xerrors"

	"github.com/toolchainctl/toolchainctl/internal/download"
	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/ioutil/temp"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
	"github.com/toolchainctl/toolchainctl/internal/registry"
	"github.com/toolchainctl/toolchainctl/internal/transaction"
	"github.com/toolchainctl/toolchainctl/internal/unpack"
	"github.com/toolchainctl/toolchainctl/internal/xlog"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

const (
	distManifestFile = "multirust-channel-manifest.toml"
	configFile       = "multirust-config.toml"
)

// Config is the name/target pairs that identify installed components,
// tracked separately from the registry's file-list-only records because
// the registry (for historical rust-installer reasons) only tracks names,
// not name/target pairs.
type Config struct {
	Components []manifest.Component
}

type wireConfig struct {
	Components []wireConfigComponent `toml:"components"`
}

type wireConfigComponent struct {
	Pkg    string `toml:"pkg"`
	Target string `toml:"target,omitempty"`
}

// Notification reports a non-fatal event during Update, mirroring the
// distinct notification kinds the original update loop emits (component
// unavailable, already installed, missing at uninstall time, etc).
type Notification struct {
	Message string
}

// Changes is the caller's explicit request layered on top of whatever a
// manifest diff would otherwise produce.
type Changes struct {
	ExplicitAddComponents []manifest.Component
	RemoveComponents      []manifest.Component
}

// UpdateOptions bundles the collaborators Update needs beyond the manifest
// itself.
type UpdateOptions struct {
	Force    bool
	Cache    *download.Cache
	Notify   func(Notification)
	ToolName string
}

// Status reports whether Update actually changed anything on disk.
type Status int

const (
	StatusUnchanged Status = iota
	StatusChanged
)

// Manifestation is a handle on a toolchain's install prefix, opened against
// a specific target triple.
type Manifestation struct {
	prefix string
	target triple.Triple
	reg    *registry.Registry
}

// Open verifies the installer version of any existing registry under
// prefix and returns a handle; prefix need not exist yet.
func Open(prefix string, target triple.Triple) (*Manifestation, error) {
	reg, err := registry.Open(prefix)
	if err != nil {
		return nil, err
	}
	return &Manifestation{prefix: prefix, target: target, reg: reg}, nil
}

func (m *Manifestation) configPath() string       { return filepath.Join(m.prefix, "lib/rustlib", configFile) }
func (m *Manifestation) distManifestPath() string {
	return filepath.Join(m.prefix, "lib/rustlib", distManifestFile)
}

// ReadConfig loads the name/target component list, or nil if this prefix
// has never had a v2 install (fresh, or still a legacy v1 install).
func (m *Manifestation) ReadConfig() (*Config, error) {
	b, err := os.ReadFile(m.configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var w wireConfig
	if err := toml.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	cfg := &Config{}
	for _, c := range w.Components {
		comp := manifest.Component{Pkg: c.Pkg}
		if c.Target != "" {
			t := triple.Parse(c.Target)
			comp.Target = &t
		}
		cfg.Components = append(cfg.Components, comp)
	}
	return cfg, nil
}

// LoadManifest loads the previously-installed release manifest, or nil if
// none is recorded yet.
func (m *Manifestation) LoadManifest() (*manifest.Manifest, error) {
	b, err := os.ReadFile(m.distManifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return manifest.Parse(b)
}

// plan is the outcome of diffing the desired state against what's
// installed, mirroring the original implementation's Update struct.
type plan struct {
	toUninstall     []manifest.Component
	toInstall       []manifest.Component
	finalComponents []manifest.Component
}

func contains(cs []manifest.Component, c manifest.Component) bool {
	for _, o := range cs {
		if o.Pkg == c.Pkg && triplePtrEqual(o.Target, c.Target) {
			return true
		}
	}
	return false
}

func triplePtrEqual(a, b *triple.Triple) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// buildPlan implements §4.G step 2-3: the final component list, then the
// to-install/to-uninstall split depending on whether the new manifest is
// identical to the one already installed (modification mode) or not
// (full-replace mode).
func (m *Manifestation) buildPlan(newManifest *manifest.Manifest, changes Changes, notify func(Notification)) (*plan, error) {
	cfg, err := m.ReadConfig()
	if err != nil {
		return nil, err
	}
	var starting []manifest.Component
	if cfg != nil {
		starting = cfg.Components
	}

	rustPkg, ok := newManifest.Packages["rust"]
	if !ok {
		return nil, fmt.Errorf(`manifest has no "rust" package`)
	}
	rustTarget, ok := rustPkg.ForTarget(m.target)
	if !ok {
		return nil, fmt.Errorf("no rust package for target %s", m.target)
	}

	p := &plan{}

	// required components
	p.finalComponents = append(p.finalComponents, rustTarget.Components...)

	// explicitly requested additions
	for _, c := range changes.ExplicitAddComponents {
		if !contains(p.finalComponents, c) {
			p.finalComponents = append(p.finalComponents, c)
		}
	}

	// carry forward existing extensions, honoring removals and renames
	for _, existing := range starting {
		if contains(changes.RemoveComponents, existing) {
			continue
		}
		if renamed, ok := newManifest.RenameComponent(existing); ok {
			if !contains(p.finalComponents, renamed) {
				p.finalComponents = append(p.finalComponents, renamed)
			}
			continue
		}
		if contains(p.finalComponents, existing) {
			continue
		}
		if existing.ContainedWithin(rustTarget.Components) {
			p.finalComponents = append(p.finalComponents, existing)
		} else {
			p.toUninstall = append(p.toUninstall, existing)
			if notify != nil {
				notify(Notification{Message: fmt.Sprintf("component %q is no longer available for this target; removing it", existing.Name())})
			}
		}
	}

	oldManifest, err := m.LoadManifest()
	if err != nil {
		return nil, err
	}
	modifying := oldManifest != nil && oldManifest.Equal(newManifest)

	if modifying {
		for _, existing := range starting {
			if !contains(p.finalComponents, existing) {
				p.toUninstall = append(p.toUninstall, existing)
			}
		}
		for _, c := range p.finalComponents {
			if !contains(starting, c) {
				p.toInstall = append(p.toInstall, c)
			}
		}
	} else {
		p.toUninstall = append([]manifest.Component(nil), starting...)
		p.toInstall = append([]manifest.Component(nil), p.finalComponents...)
	}

	return p, nil
}

// Update brings the prefix's installed component set in line with
// newManifest and changes, per §4.G.
func (m *Manifestation) Update(ctx context.Context, newManifest *manifest.Manifest, changes Changes, opts UpdateOptions) (Status, error) {
	notify := opts.Notify
	if notify == nil {
		notify = func(n Notification) { xlog.L().Info(n.Message) }
	}

	p, err := m.buildPlan(newManifest, changes, notify)
	if err != nil {
		return StatusUnchanged, err
	}
	if len(p.toInstall) == 0 && len(p.toUninstall) == 0 {
		return StatusUnchanged, nil
	}

	if err := m.checkEssentialComponents(p, opts.ToolName); err != nil {
		return StatusUnchanged, err
	}
	if err := m.checkAvailability(p, newManifest, opts.Force); err != nil {
		return StatusUnchanged, err
	}

	// Download everything before starting the transaction, so a failed
	// download never leaves a half-applied install.
	type pendingInstall struct {
		component manifest.Component
		path      string
		bin       manifest.Bin
	}
	var downloads []pendingInstall
	for _, c := range p.toInstall {
		bin, path, err := m.fetchComponent(ctx, newManifest, c, opts)
		if err != nil {
			return StatusUnchanged, err
		}
		downloads = append(downloads, pendingInstall{component: c, path: path, bin: bin})
	}

	if err := os.MkdirAll(m.prefix, 0755); err != nil {
		return StatusUnchanged, err
	}
	tmp, err := temp.NewContext(m.prefix)
	if err != nil {
		return StatusUnchanged, err
	}
	tx := transaction.New(m.prefix, tmp, func(n transaction.Notification) {
		notify(Notification{Message: n.Message})
	})
	defer tx.Close()

	if err := m.maybeHandleV1Upgrade(tx); err != nil {
		return StatusUnchanged, err
	}

	for _, c := range p.toUninstall {
		if err := m.uninstallComponent(tx, c); err != nil {
			return StatusUnchanged, err
		}
	}

	for _, d := range downloads {
		if err := m.installComponent(tx, d.component, d.path, d.bin); err != nil {
			return StatusUnchanged, err
		}
	}

	if err := m.writeManifestAndConfig(tx, newManifest, p.finalComponents); err != nil {
		return StatusUnchanged, err
	}

	tx.Commit()
	return StatusChanged, nil
}

// InstallV1Archive implements the legacy (pre-manifest) install path: a
// v2 config already present is a hard error (the server regressed), any
// currently-registered components are wiped, and archive is unpacked as a
// single "rust" component. Legacy archives predate per-component manifests
// entirely, so there is nothing to diff against.
func (m *Manifestation) InstallV1Archive(archive io.Reader, notify func(Notification)) (Status, error) {
	if notify == nil {
		notify = func(n Notification) { xlog.L().Info(n.Message) }
	}

	cfg, err := m.ReadConfig()
	if err != nil {
		return StatusUnchanged, err
	}
	if cfg != nil {
		return StatusUnchanged, fmt.Errorf("server provided a legacy manifest, but this installation already has a v2 config")
	}

	installed, err := m.reg.List()
	if err != nil {
		return StatusUnchanged, err
	}

	if err := os.MkdirAll(m.prefix, 0755); err != nil {
		return StatusUnchanged, err
	}
	tmp, err := temp.NewContext(m.prefix)
	if err != nil {
		return StatusUnchanged, err
	}
	tx := transaction.New(m.prefix, tmp, func(n transaction.Notification) {
		notify(Notification{Message: n.Message})
	})
	defer tx.Close()

	for _, c := range installed {
		if err := m.uninstallComponent(tx, c); err != nil {
			return StatusUnchanged, err
		}
	}

	res, err := unpack.Extract(archive, manifest.CompressionGzip, m.prefix, "rust")
	if err != nil {
		return StatusUnchanged, err
	}
	builder := m.reg.Add("rust", tx)
	for _, d := range res.Dirs {
		builder.AddDir(d)
	}
	for _, file := range res.Files {
		builder.AddFile(file)
	}
	if err := builder.Commit(); err != nil {
		return StatusUnchanged, err
	}

	tx.Commit()
	return StatusChanged, nil
}

func (m *Manifestation) checkEssentialComponents(p *plan, toolchainName string) error {
	have := map[string]bool{}
	for _, c := range p.finalComponents {
		have[c.Pkg] = true
	}
	var missing []string
	for _, want := range []string{"rustc", "cargo"} {
		if !have[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return &errs.ToolchainComponentsMissing{Components: missing, Toolchain: toolchainName}
	}
	return nil
}

func (m *Manifestation) checkAvailability(p *plan, newManifest *manifest.Manifest, force bool) error {
	var unavailable []string
	for _, c := range p.toInstall {
		pkg, ok := newManifest.Packages[c.Pkg]
		if !ok {
			unavailable = append(unavailable, c.Name())
			continue
		}
		target := m.target
		if c.Target != nil {
			target = *c.Target
		}
		tp, ok := pkg.ForTarget(target)
		if !ok || !tp.Available {
			unavailable = append(unavailable, c.Name())
		}
	}
	if len(unavailable) > 0 && !force {
		return &errs.RequestedComponentsUnavailable{Components: unavailable}
	}
	return nil
}

func (m *Manifestation) fetchComponent(ctx context.Context, newManifest *manifest.Manifest, c manifest.Component, opts UpdateOptions) (manifest.Bin, string, error) {
	pkg, ok := newManifest.Packages[c.Pkg]
	if !ok {
		return manifest.Bin{}, "", fmt.Errorf("component %q: package not found in manifest", c.Pkg)
	}
	target := m.target
	if c.Target != nil {
		target = *c.Target
	}
	tp, ok := pkg.ForTarget(target)
	if !ok {
		return manifest.Bin{}, "", fmt.Errorf("component %q: no package for target %s", c.Pkg, target)
	}
	bin, ok := tp.PreferredBin()
	if !ok {
		return manifest.Bin{}, "", fmt.Errorf("component %q: no downloadable archive", c.Pkg)
	}

	path, err := opts.Cache.Fetch(ctx, bin.URL, bin.SHA256, nil)
	if err != nil {
		return manifest.Bin{}, "", xerrors.Errorf("downloading component %q: %w", c.Name(), err)
	}
	return bin, path, nil
}

func (m *Manifestation) installComponent(tx *transaction.Transaction, c manifest.Component, archivePath string, bin manifest.Bin) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := unpack.Extract(f, bin.Compression, m.prefix, c.Name())
	if err != nil {
		return err
	}

	builder := m.reg.Add(c.Name(), tx)
	for _, d := range res.Dirs {
		builder.AddDir(d)
	}
	for _, file := range res.Files {
		builder.AddFile(file)
	}
	return builder.Commit()
}

func (m *Manifestation) uninstallComponent(tx *transaction.Transaction, c manifest.Component) error {
	ic, err := m.reg.FindComponent(c.Name())
	if err != nil {
		return err
	}
	if ic == nil {
		xlog.L().Warn("component not found in registry at uninstall time", "component", c.Name())
		return nil
	}
	return ic.Uninstall(tx)
}

// maybeHandleV1Upgrade mirrors the original: if there's no v2 config but
// the registry already lists components, this is a legacy v1 install and
// must be wiped before any v2 component is applied.
func (m *Manifestation) maybeHandleV1Upgrade(tx *transaction.Transaction) error {
	cfg, err := m.ReadConfig()
	if err != nil {
		return err
	}
	installed, err := m.reg.List()
	if err != nil {
		return err
	}
	if cfg != nil || len(installed) == 0 {
		return nil
	}
	for _, c := range installed {
		if err := m.uninstallComponent(tx, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manifestation) writeManifestAndConfig(tx *transaction.Transaction, newManifest *manifest.Manifest, finalComponents []manifest.Component) error {
	manifestBytes, err := newManifest.Marshal()
	if err != nil {
		return err
	}
	if err := overwriteViaTransaction(tx, m.prefix, filepath.Join("lib/rustlib", distManifestFile), manifestBytes); err != nil {
		return err
	}

	w := wireConfig{}
	for _, c := range finalComponents {
		wc := wireConfigComponent{Pkg: c.Pkg}
		if c.Target != nil {
			wc.Target = c.Target.String()
		}
		w.Components = append(w.Components, wc)
	}
	configBytes, err := toml.Marshal(w)
	if err != nil {
		return err
	}
	return overwriteViaTransaction(tx, m.prefix, filepath.Join("lib/rustlib", configFile), configBytes)
}

// overwriteViaTransaction backs up relpath (if present) through
// tx.ModifyFile, then writes content directly, matching the pattern
// internal/registry already uses for the components-list file.
func overwriteViaTransaction(tx *transaction.Transaction, prefix, relpath string, content []byte) error {
	if err := tx.ModifyFile(relpath); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(prefix, relpath), content, 0644)
}
