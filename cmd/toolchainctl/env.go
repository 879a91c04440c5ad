package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/toolchainctl/toolchainctl/internal/dist"
	"github.com/toolchainctl/toolchainctl/internal/download"
	"github.com/toolchainctl/toolchainctl/internal/settings"
	"github.com/toolchainctl/toolchainctl/internal/sig"
	"github.com/toolchainctl/toolchainctl/internal/xlog"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

// environment resolves every TOOLCHAINCTL_*/CARGO_HOME/RUSTUP_* directory and
// server setting this CLI needs, applying the defaults the management
// commands and the proxy both share.
type environment struct {
	home      string // TOOLCHAINCTL_HOME
	cargoHome string // CARGO_HOME
	server    string // TOOLCHAINCTL_DIST_SERVER
}

func newEnv() *environment {
	e := &environment{
		home:      os.Getenv("TOOLCHAINCTL_HOME"),
		cargoHome: os.Getenv("CARGO_HOME"),
		server:    os.Getenv("TOOLCHAINCTL_DIST_SERVER"),
	}
	if e.home == "" {
		if hd, err := os.UserHomeDir(); err == nil {
			e.home = filepath.Join(hd, ".toolchainctl")
		}
	}
	if e.cargoHome == "" {
		if hd, err := os.UserHomeDir(); err == nil {
			e.cargoHome = filepath.Join(hd, ".cargo")
		}
	}
	return e
}

func (e *environment) toolchainsDir() string { return filepath.Join(e.home, "toolchains") }

func (e *environment) toolchainDir(name string) string { return filepath.Join(e.toolchainsDir(), name) }

func (e *environment) settingsStore() *settings.Store {
	return settings.Open(filepath.Join(e.home, "settings.toml"))
}

func (e *environment) distServer() *dist.Server { return dist.NewServer(e.server) }

func (e *environment) downloadCache() *download.Cache {
	return download.NewCache(filepath.Join(e.home, "downloads"))
}

// verifier builds a signature verifier from settings.pgp_keys: a PGP
// keyring if one was configured, a warn-and-accept no-op otherwise.
func (e *environment) verifier(st *settings.Settings) sig.Verifier {
	if st.PGPKeys == "" {
		return &sig.NoopVerifier{}
	}
	keys, err := os.ReadFile(st.PGPKeys)
	if err != nil {
		xlog.L().Warn("reading pgp_keys, falling back to unverified manifests", "path", st.PGPKeys, "err", err)
		return &sig.NoopVerifier{}
	}
	v, err := sig.NewPGPVerifier(keys)
	if err != nil {
		xlog.L().Warn("parsing pgp_keys, falling back to unverified manifests", "path", st.PGPKeys, "err", err)
		return &sig.NoopVerifier{}
	}
	return v
}

// hostTriple resolves the default host triple: TOOLCHAINCTL_OVERRIDE_HOST_TRIPLE
// if set, else settings.default_host_triple if populated, else autodetected.
func (e *environment) hostTriple(st *settings.Settings) triple.Triple {
	if v := os.Getenv("TOOLCHAINCTL_OVERRIDE_HOST_TRIPLE"); v != "" {
		return triple.Parse(v)
	}
	if st.DefaultHostTriple != "" {
		return triple.Parse(st.DefaultHostTriple)
	}
	return triple.Host()
}

func (e *environment) updateHashPath(toolchainName string) string {
	return filepath.Join(e.home, "update-hashes", toolchainName)
}

// installedToolchains lists the names of toolchain directories that exist
// under TOOLCHAINCTL_HOME/toolchains.
func (e *environment) installedToolchains() []string {
	entries, err := os.ReadDir(e.toolchainsDir())
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	return names
}

// installedWithTriple implements override.Resolve's suggestion callback:
// installed toolchain names whose trailing components are t (names ending in
// "-<t>").
func (e *environment) installedWithTriple(t triple.Triple) []string {
	var out []string
	suffix := "-" + t.String()
	for _, name := range e.installedToolchains() {
		// A toolchain name embeds its triple as a suffix.
		if t.String() != "" && strings.HasSuffix(name, suffix) {
			out = append(out, name)
		}
	}
	return out
}
