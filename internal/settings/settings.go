// Package settings reads and writes <config_root>/settings.toml: persisted
// defaults, the directory-override database, and the active profile. Loads
// are lazy-cached; mutations go through WithMut so every write-back happens
// in one place.
package settings

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/google/renameio"

	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
)

// SchemaVersion is the only settings.toml "version" this implementation
// recognizes; any other value is a hard error rather than a best-effort
// upgrade.
const SchemaVersion = "12"

// SelfUpdateMode controls whether the CLI itself checks for/installs
// updates to its own binary.
type SelfUpdateMode string

const (
	SelfUpdateEnable    SelfUpdateMode = "enable"
	SelfUpdateDisable   SelfUpdateMode = "disable"
	SelfUpdateCheckOnly SelfUpdateMode = "check-only"
)

// Settings is the in-memory, then-marshaled, form of settings.toml.
type Settings struct {
	Version            string
	DefaultHostTriple  string
	DefaultToolchain   string
	Profile            manifest.Profile
	AutoSelfUpdate     SelfUpdateMode
	PGPKeys            string
	Overrides          map[string]string // canonical absolute dir -> toolchain name
}

// Default returns the settings a fresh install starts with.
func Default() *Settings {
	return &Settings{
		Version:        SchemaVersion,
		Profile:        manifest.ProfileDefault,
		AutoSelfUpdate: SelfUpdateEnable,
		Overrides:      map[string]string{},
	}
}

type wireSettings struct {
	Version           string            `toml:"version"`
	DefaultHostTriple string            `toml:"default_host_triple,omitempty"`
	DefaultToolchain  string            `toml:"default_toolchain,omitempty"`
	Profile           string            `toml:"profile"`
	AutoSelfUpdate    string            `toml:"auto_self_update"`
	PGPKeys           string            `toml:"pgp_keys,omitempty"`
	Overrides         map[string]string `toml:"overrides"`
}

func (s *Settings) toWire() wireSettings {
	return wireSettings{
		Version:           s.Version,
		DefaultHostTriple: s.DefaultHostTriple,
		DefaultToolchain:  s.DefaultToolchain,
		Profile:           string(s.Profile),
		AutoSelfUpdate:    string(s.AutoSelfUpdate),
		PGPKeys:           s.PGPKeys,
		Overrides:         s.Overrides,
	}
}

func fromWire(w wireSettings) (*Settings, error) {
	if w.Version != SchemaVersion {
		return nil, &errs.UnsupportedVersion{Version: w.Version}
	}
	profile, err := manifest.ParseProfile(w.Profile)
	if err != nil {
		return nil, err
	}
	mode := SelfUpdateMode(w.AutoSelfUpdate)
	switch mode {
	case SelfUpdateEnable, SelfUpdateDisable, SelfUpdateCheckOnly, "":
	default:
		mode = SelfUpdateEnable
	}
	overrides := w.Overrides
	if overrides == nil {
		overrides = map[string]string{}
	}
	return &Settings{
		Version:           w.Version,
		DefaultHostTriple: w.DefaultHostTriple,
		DefaultToolchain:  w.DefaultToolchain,
		Profile:           profile,
		AutoSelfUpdate:    mode,
		PGPKeys:           w.PGPKeys,
		Overrides:         overrides,
	}, nil
}

// Store lazily loads settings.toml from path on first access and caches it
// in memory; every subsequent Load returns the cached value until a WithMut
// call changes it.
type Store struct {
	path string

	mu     sync.Mutex
	cached *Settings
}

// Open returns a Store bound to path. Nothing is read from disk yet.
func Open(path string) *Store {
	return &Store{path: path}
}

// Load returns the current settings, reading settings.toml on first call. A
// missing file yields Default() and schedules it to be written on the next
// WithMut (or can be written immediately via Save).
func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Settings, error) {
	if s.cached != nil {
		return s.cached, nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.cached = Default()
			return s.cached, nil
		}
		return nil, err
	}
	var w wireSettings
	if err := toml.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	cfg, err := fromWire(w)
	if err != nil {
		return nil, err
	}
	s.cached = cfg
	return s.cached, nil
}

// Save writes the current cached settings (or defaults, if nothing has been
// loaded yet) to disk atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		s.cached = Default()
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	b, err := toml.Marshal(s.cached.toWire())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(s.path, b, 0644)
}

// WithMut loads the current settings, runs fn against a mutable copy, and
// writes the result back to disk if fn returns nil. If fn returns an error,
// no write happens and the cache is left untouched.
func (s *Store) WithMut(fn func(*Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked()
	if err != nil {
		return err
	}
	next := *cur
	next.Overrides = make(map[string]string, len(cur.Overrides))
	for k, v := range cur.Overrides {
		next.Overrides[k] = v
	}

	if err := fn(&next); err != nil {
		return err
	}

	s.cached = &next
	return s.saveLocked()
}
