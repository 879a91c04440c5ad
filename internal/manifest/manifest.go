// Package manifest parses and serializes the release manifest (v2 TOML),
// and provides the profile/rename/containment queries the update engine
// needs. The manifest is a bipartite graph between packages and components,
// represented here as plain maps rather than pointer-linked nodes.
package manifest

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

// Compression identifies an archive's compression format. Order matters:
// zstd is preferred over xz over gzip.
type Compression int

const (
	CompressionGzip Compression = iota
	CompressionXz
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zst"
	case CompressionXz:
		return "xz"
	default:
		return "gz"
	}
}

// compressionPreference lists compressions from most to least preferred.
var compressionPreference = []Compression{CompressionZstd, CompressionXz, CompressionGzip}

// Bin is one downloadable archive for a TargetedPackage, in a specific
// compression.
type Bin struct {
	Compression Compression
	URL         string
	SHA256      string
}

// Component is a named, target-scoped subpackage of a release.
type Component struct {
	Pkg         string
	Target      *triple.Triple // nil means wildcard: matches any target
	IsExtension bool
}

// Name renders the component the way it appears in the registry and in
// manifests, e.g. "rust-std-x86_64-unknown-linux-gnu" or "cargo" for a
// wildcard/no-target component.
func (c Component) Name() string {
	if c.Target == nil || c.Target.Empty() {
		return c.Pkg
	}
	return c.Pkg + "-" + c.Target.String()
}

// ParseComponentName parses a registry-style component name back into a
// Component. Names with no recognizable target suffix become wildcard
// components.
func ParseComponentName(name string) Component {
	// The convention (matching the manifest's own package names) is
	// "<pkg>-<arch>-<os>[-<env>]"; pkg itself may contain dashes, so we
	// look for the first component that resolves to a known architecture
	// token, the same heuristic used to split package/version elsewhere in
	// this codebase.
	parts := strings.Split(name, "-")
	for i := 1; i < len(parts); i++ {
		if knownArch[parts[i]] {
			pkg := strings.Join(parts[:i], "-")
			t := triple.Parse(strings.Join(parts[i:], "-"))
			return Component{Pkg: pkg, Target: &t}
		}
	}
	return Component{Pkg: name}
}

var knownArch = map[string]bool{
	"x86_64": true, "aarch64": true, "i686": true, "armv7": true, "arm": true,
}

// key returns a value suitable for exact-equality map membership: equality
// (and hashing) ignores IsExtension per the spec's Component equality rule.
type key struct {
	pkg    string
	target string
	hasTgt bool
}

func (c Component) key() key {
	k := key{pkg: c.Pkg}
	if c.Target != nil {
		k.hasTgt = true
		k.target = c.Target.String()
	}
	return k
}

// ContainedWithin reports whether c is present in cs, where a wildcard
// component (c.Target == nil) matches any member sharing its package name,
// and a wildcard member of cs matches any target of the same package.
func (c Component) ContainedWithin(cs []Component) bool {
	ck := c.key()
	for _, o := range cs {
		ok := o.key()
		if ck == ok {
			return true
		}
		if !ck.hasTgt && ok.pkg == ck.pkg {
			return true
		}
		if !ok.hasTgt && ok.pkg == ck.pkg {
			return true
		}
	}
	return false
}

// TargetedPackage is the per-target realization of a Package: its available
// archives (ordered zstd > xz > gzip by PreferredBin) and its declared
// sub-components.
type TargetedPackage struct {
	Available  bool
	Bins       []Bin
	Components []Component
}

// Installable reports whether t has at least one downloadable archive.
func (t TargetedPackage) Installable() bool { return len(t.Bins) > 0 }

// PreferredBin returns the most preferred available compression's Bin, in
// zstd > xz > gzip order. The manifest lists exactly which compressions
// exist; this never negotiates with a server.
func (t TargetedPackage) PreferredBin() (Bin, bool) {
	for _, pref := range compressionPreference {
		for _, b := range t.Bins {
			if b.Compression == pref {
				return b, true
			}
		}
	}
	return Bin{}, false
}

// Package is either a single wildcard TargetedPackage valid for any target,
// or a map of per-target TargetedPackages.
type Package struct {
	Version  string
	Wildcard *TargetedPackage
	Targeted map[string]TargetedPackage // keyed by triple.String()
}

// ForTarget returns the TargetedPackage applicable to t, if any.
func (p Package) ForTarget(t triple.Triple) (TargetedPackage, bool) {
	if p.Wildcard != nil {
		return *p.Wildcard, true
	}
	tp, ok := p.Targeted[t.String()]
	return tp, ok
}

// Profile is a named subset of components to install.
type Profile string

const (
	ProfileMinimal  Profile = "minimal"
	ProfileDefault  Profile = "default"
	ProfileComplete Profile = "complete"
)

// ParseProfile accepts the full name, the m/d/c shorthand, or an empty
// string (Default).
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(s) {
	case "", "d", "default":
		return ProfileDefault, nil
	case "m", "minimal":
		return ProfileMinimal, nil
	case "c", "complete":
		return ProfileComplete, nil
	default:
		return "", fmt.Errorf("unknown profile %q", s)
	}
}

// Manifest is the parsed release description.
type Manifest struct {
	Version  string
	Date     string
	Packages map[string]Package
	Renames  map[string]string // from -> to
	Profiles map[Profile][]string
}

// wireManifest mirrors the TOML schema on disk; Manifest itself uses richer
// Go types (triple.Triple, Profile) that don't map directly onto TOML
// tables, so parsing goes through this intermediate representation.
type wireManifest struct {
	ManifestVersion string                      `toml:"manifest-version"`
	Date            string                      `toml:"date"`
	Pkg             map[string]wirePackage      `toml:"pkg"`
	Renames         map[string]wireRename       `toml:"renames"`
	Profiles        map[string][]string         `toml:"profiles"`
}

type wireRename struct {
	To string `toml:"to"`
}

type wirePackage struct {
	Version string                        `toml:"version"`
	Target  map[string]wireTargetedPkg    `toml:"target"`
}

type wireTargetedPkg struct {
	Available  bool              `toml:"available"`
	Components []wireComponent   `toml:"components"`
	XzURL      string            `toml:"xz_url"`
	XzHash     string            `toml:"xz_hash"`
	URL        string            `toml:"url"`
	Hash       string            `toml:"hash"`
	ZstURL     string            `toml:"zst_url"`
	ZstHash    string            `toml:"zst_hash"`
}

type wireComponent struct {
	Pkg    string `toml:"pkg"`
	Target string `toml:"target"`
}

// supportedVersions lists the manifest-version values this implementation
// understands.
var supportedVersions = map[string]bool{"2": true}

// Parse decodes TOML bytes into a Manifest and validates it.
func Parse(b []byte) (*Manifest, error) {
	var w wireManifest
	if err := toml.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if !supportedVersions[w.ManifestVersion] {
		return nil, fmt.Errorf("unsupported manifest-version %q", w.ManifestVersion)
	}

	m := &Manifest{
		Version:  w.ManifestVersion,
		Date:     w.Date,
		Packages: make(map[string]Package),
		Renames:  make(map[string]string),
		Profiles: make(map[Profile][]string),
	}

	for name, wp := range w.Pkg {
		pkg := Package{Version: wp.Version}
		wildcardOnly := len(wp.Target) == 1
		if wc, ok := wp.Target["*"]; ok && wildcardOnly {
			tp := toTargetedPackage(wc)
			pkg.Wildcard = &tp
		} else {
			pkg.Targeted = make(map[string]TargetedPackage, len(wp.Target))
			for tname, wt := range wp.Target {
				pkg.Targeted[tname] = toTargetedPackage(wt)
			}
		}
		m.Packages[name] = pkg
	}

	for from, to := range w.Renames {
		m.Renames[from] = to.To
	}

	for name, comps := range w.Profiles {
		p, err := ParseProfile(name)
		if err != nil {
			return nil, err
		}
		m.Profiles[p] = comps
	}

	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func toTargetedPackage(wt wireTargetedPkg) TargetedPackage {
	tp := TargetedPackage{Available: wt.Available}
	if wt.ZstURL != "" {
		tp.Bins = append(tp.Bins, Bin{Compression: CompressionZstd, URL: wt.ZstURL, SHA256: wt.ZstHash})
	}
	if wt.XzURL != "" {
		tp.Bins = append(tp.Bins, Bin{Compression: CompressionXz, URL: wt.XzURL, SHA256: wt.XzHash})
	}
	if wt.URL != "" {
		tp.Bins = append(tp.Bins, Bin{Compression: CompressionGzip, URL: wt.URL, SHA256: wt.Hash})
	}
	for _, wc := range wt.Components {
		c := Component{Pkg: wc.Pkg}
		if wc.Target != "" && wc.Target != "*" {
			t := triple.Parse(wc.Target)
			c.Target = &t
		}
		tp.Components = append(tp.Components, c)
	}
	return tp
}

// Validate checks the manifest invariants: every rename target must name an
// existing package, and every component referenced by a targeted package
// must itself be a downloadable package for that target.
func Validate(m *Manifest) error {
	for from, to := range m.Renames {
		if _, ok := m.Packages[to]; !ok {
			return fmt.Errorf("rename %q -> %q: target package does not exist", from, to)
		}
	}
	for pkgName, pkg := range m.Packages {
		check := func(tname string, tp TargetedPackage) error {
			for _, c := range tp.Components {
				target := c.Target
				cpkg, ok := m.Packages[c.Pkg]
				if !ok {
					return fmt.Errorf("package %q target %q: references unknown component package %q", pkgName, tname, c.Pkg)
				}
				var has bool
				if target == nil {
					has = cpkg.Wildcard != nil || len(cpkg.Targeted) > 0
				} else if cpkg.Wildcard != nil {
					has = true
				} else {
					_, has = cpkg.Targeted[target.String()]
				}
				if !has {
					return fmt.Errorf("package %q target %q: component %q not downloadable for its target", pkgName, tname, c.Pkg)
				}
			}
			return nil
		}
		if pkg.Wildcard != nil {
			if err := check("*", *pkg.Wildcard); err != nil {
				return err
			}
		}
		for tname, tp := range pkg.Targeted {
			if err := check(tname, tp); err != nil {
				return err
			}
		}
	}
	return nil
}

// Equal reports whether m and o describe the same content, used by the
// update engine to decide between modification mode and full-replace mode.
func (m *Manifest) Equal(o *Manifest) bool {
	if m == nil || o == nil {
		return m == o
	}
	// A nil map and an empty map hold the same content: Parse always makes
	// these maps, while a Manifest built in code may leave them nil.
	a, b := *m, *o
	for _, x := range []*Manifest{&a, &b} {
		if x.Packages == nil {
			x.Packages = map[string]Package{}
		}
		if x.Renames == nil {
			x.Renames = map[string]string{}
		}
		if x.Profiles == nil {
			x.Profiles = map[Profile][]string{}
		}
	}
	return reflect.DeepEqual(&a, &b)
}

// RenameComponent returns a copy of c with its package renamed, if c.Pkg is
// a rename source; otherwise it returns false.
func (m *Manifest) RenameComponent(c Component) (Component, bool) {
	to, ok := m.Renames[c.Pkg]
	if !ok {
		return Component{}, false
	}
	out := c
	out.Pkg = to
	return out, true
}

// GetProfileComponents returns the subset of the "rust" package's target
// components for target whose short names appear in profile's list. If the
// manifest has no profiles section at all (legacy), it falls back to
// GetLegacyComponents.
func (m *Manifest) GetProfileComponents(profile Profile, target triple.Triple) ([]Component, error) {
	if len(m.Profiles) == 0 {
		return m.GetLegacyComponents(target)
	}
	names, ok := m.Profiles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
	rust, ok := m.Packages["rust"]
	if !ok {
		return nil, fmt.Errorf(`manifest has no "rust" package`)
	}
	tp, ok := rust.ForTarget(target)
	if !ok {
		return nil, fmt.Errorf("no rust package for target %s", target)
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Component
	for _, c := range tp.Components {
		if want[c.Pkg] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Marshal serializes m back to manifest TOML, the inverse of Parse.
func (m *Manifest) Marshal() ([]byte, error) {
	w := wireManifest{
		ManifestVersion: m.Version,
		Date:            m.Date,
		Pkg:             make(map[string]wirePackage, len(m.Packages)),
		Renames:         make(map[string]wireRename, len(m.Renames)),
		Profiles:        make(map[string][]string, len(m.Profiles)),
	}
	for name, pkg := range m.Packages {
		wp := wirePackage{Version: pkg.Version, Target: make(map[string]wireTargetedPkg)}
		if pkg.Wildcard != nil {
			wp.Target["*"] = fromTargetedPackage(*pkg.Wildcard)
		}
		for tname, tp := range pkg.Targeted {
			wp.Target[tname] = fromTargetedPackage(tp)
		}
		w.Pkg[name] = wp
	}
	for from, to := range m.Renames {
		w.Renames[from] = wireRename{To: to}
	}
	for p, names := range m.Profiles {
		w.Profiles[string(p)] = names
	}
	return toml.Marshal(w)
}

func fromTargetedPackage(tp TargetedPackage) wireTargetedPkg {
	wt := wireTargetedPkg{Available: tp.Available}
	for _, b := range tp.Bins {
		switch b.Compression {
		case CompressionZstd:
			wt.ZstURL, wt.ZstHash = b.URL, b.SHA256
		case CompressionXz:
			wt.XzURL, wt.XzHash = b.URL, b.SHA256
		case CompressionGzip:
			wt.URL, wt.Hash = b.URL, b.SHA256
		}
	}
	for _, c := range tp.Components {
		wc := wireComponent{Pkg: c.Pkg, Target: "*"}
		if c.Target != nil {
			wc.Target = c.Target.String()
		}
		wt.Components = append(wt.Components, wc)
	}
	return wt
}

// GetLegacyComponents returns the "rust" package's target components whose
// IsExtension is false, for manifests with no profiles section.
func (m *Manifest) GetLegacyComponents(target triple.Triple) ([]Component, error) {
	rust, ok := m.Packages["rust"]
	if !ok {
		return nil, fmt.Errorf(`manifest has no "rust" package`)
	}
	tp, ok := rust.ForTarget(target)
	if !ok {
		return nil, fmt.Errorf("no rust package for target %s", target)
	}
	var out []Component
	for _, c := range tp.Components {
		if !c.IsExtension {
			out = append(out, c)
		}
	}
	return out, nil
}
