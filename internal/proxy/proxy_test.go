package proxy

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/settings"
)

func mkToolchainBin(t *testing.T, home, name, binary string) string {
	t.Helper()
	dir := filepath.Join(home, "toolchains", name, "bin")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, binary)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))
	return path
}

func newConfig(t *testing.T, home string) *Config {
	t.Helper()
	cargoHome := filepath.Join(t.TempDir(), "cargo")
	return &Config{
		Home:      home,
		CargoHome: cargoHome,
		Store:     settings.Open(filepath.Join(home, "settings.toml")),
	}
}

func TestDispatchRunsBinaryInDefaultToolchain(t *testing.T) {
	home := t.TempDir()
	rustcPath := mkToolchainBin(t, home, "stable", "rustc")

	cfg := newConfig(t, home)
	require.NoError(t, cfg.Store.WithMut(func(s *settings.Settings) error {
		s.DefaultToolchain = "stable"
		return nil
	}))

	var gotPath string
	var gotArgv, gotEnv []string
	cfg.exec = func(path string, argv, envv []string) error {
		gotPath, gotArgv, gotEnv = path, argv, envv
		return nil
	}

	err := Dispatch(cfg, "/usr/local/bin/rustc", []string{"--version"}, []string{"PATH=/usr/bin"})
	require.NoError(t, err)
	require.Equal(t, rustcPath, gotPath)
	require.Equal(t, []string{rustcPath, "--version"}, gotArgv)

	lookup := envLookup(gotEnv)
	require.Equal(t, "stable", lookup("RUSTUP_TOOLCHAIN"))
	require.Equal(t, home, lookup("RUSTUP_HOME"))
	require.Equal(t, "1", lookup("RUST_RECURSION_COUNT"))
	require.True(t, strings.HasPrefix(lookup("PATH"), filepath.Join(cfg.CargoHome, "bin")))
}

func TestDispatchRespectsEnvironmentOverride(t *testing.T) {
	home := t.TempDir()
	mkToolchainBin(t, home, "stable", "cargo")
	nightlyCargo := mkToolchainBin(t, home, "nightly", "cargo")

	cfg := newConfig(t, home)
	require.NoError(t, cfg.Store.WithMut(func(s *settings.Settings) error {
		s.DefaultToolchain = "stable"
		return nil
	}))

	var gotPath string
	cfg.exec = func(path string, argv, envv []string) error {
		gotPath = path
		return nil
	}

	err := Dispatch(cfg, "cargo", nil, []string{"RUSTUP_TOOLCHAIN=nightly"})
	require.NoError(t, err)
	require.Equal(t, nightlyCargo, gotPath)
}

func TestDispatchFailsWhenToolchainNotInstalled(t *testing.T) {
	home := t.TempDir()
	cfg := newConfig(t, home)
	require.NoError(t, cfg.Store.WithMut(func(s *settings.Settings) error {
		s.DefaultToolchain = "stable"
		return nil
	}))
	cfg.exec = func(path string, argv, envv []string) error {
		t.Fatal("exec should not be reached")
		return nil
	}

	err := Dispatch(cfg, "rustc", nil, nil)
	require.Error(t, err)
	var notInstalled *errs.ToolchainNotInstalled
	require.ErrorAs(t, err, &notInstalled)
}

func TestDispatchTripsRecursionGuard(t *testing.T) {
	home := t.TempDir()
	mkToolchainBin(t, home, "stable", "rustc")
	cfg := newConfig(t, home)
	require.NoError(t, cfg.Store.WithMut(func(s *settings.Settings) error {
		s.DefaultToolchain = "stable"
		return nil
	}))
	cfg.exec = func(path string, argv, envv []string) error {
		t.Fatal("exec should not be reached")
		return nil
	}

	env := []string{"RUST_RECURSION_COUNT=" + strconv.Itoa(recursionLimit+1)}
	err := Dispatch(cfg, "rustc", nil, env)
	require.Error(t, err)
	var recursion *errs.InfiniteRecursion
	require.ErrorAs(t, err, &recursion)
}

func TestDispatchFallsBackToOfficialCargoForCustomToolchain(t *testing.T) {
	home := t.TempDir()
	customDir := filepath.Join(t.TempDir(), "my-build")
	require.NoError(t, os.MkdirAll(filepath.Join(customDir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(customDir, "bin", "rustc"), []byte("x"), 0755))
	stableCargo := mkToolchainBin(t, home, "stable", "cargo")

	cfg := newConfig(t, home)
	require.NoError(t, cfg.Store.WithMut(func(s *settings.Settings) error {
		s.DefaultToolchain = "stable"
		return nil
	}))

	var gotPath string
	cfg.exec = func(path string, argv, envv []string) error {
		gotPath = path
		return nil
	}

	err := Dispatch(cfg, "cargo", nil, []string{"RUSTUP_TOOLCHAIN=" + customDir})
	require.NoError(t, err)
	require.Equal(t, stableCargo, gotPath)
}

func TestPrependPathKeepsExisting(t *testing.T) {
	env := []string{"PATH=/usr/bin"}
	out := prependPath(env, "PATH", []string{"/new/bin"})
	require.Equal(t, "/new/bin"+string(os.PathListSeparator)+"/usr/bin", envLookup(out)("PATH"))
}

func TestSetEnvAddsMissingKey(t *testing.T) {
	out := setEnv(nil, "FOO", "bar")
	require.Equal(t, "bar", envLookup(out)("FOO"))
}
