package override

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolchainctl/toolchainctl/internal/settings"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

func emptyEnv(string) string { return "" }

func TestResolveCommandLineHighestPriority(t *testing.T) {
	st := settings.Default()
	st.DefaultToolchain = "stable"
	res, err := Resolve("nightly", emptyEnv, t.TempDir(), st, nil)
	require.NoError(t, err)
	require.Equal(t, "nightly", res.Toolchain)
	require.Equal(t, SourceCommandLine, res.Source)
}

func TestResolveCommandLineRejectsPath(t *testing.T) {
	st := settings.Default()
	_, err := Resolve("/opt/rust", emptyEnv, t.TempDir(), st, nil)
	require.Error(t, err)
}

func TestResolveEnvironmentAbsolutePath(t *testing.T) {
	st := settings.Default()
	getenv := func(k string) string {
		if k == "RUSTUP_TOOLCHAIN" {
			return "/opt/my-toolchain"
		}
		return ""
	}
	res, err := Resolve("", getenv, t.TempDir(), st, nil)
	require.NoError(t, err)
	require.True(t, res.IsPath)
	require.Equal(t, SourceEnvironment, res.Source)
}

func TestResolveDirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	st := settings.Default()
	st.Overrides[dir] = "1.47.0"

	res, err := Resolve("", emptyEnv, dir, st, nil)
	require.NoError(t, err)
	require.Equal(t, "1.47.0", res.Toolchain)
	require.Equal(t, SourceDirectory, res.Source)
}

func TestResolveToolchainFileLegacyBareChannel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rust-toolchain"), []byte("beta\n"), 0644))

	st := settings.Default()
	res, err := Resolve("", emptyEnv, dir, st, nil)
	require.NoError(t, err)
	require.Equal(t, "beta", res.Toolchain)
	require.Equal(t, SourceToolchainFile, res.Source)
}

func TestResolveToolchainFileTOMLChannel(t *testing.T) {
	dir := t.TempDir()
	doc := "[toolchain]\nchannel = \"nightly-2020-01-01\"\ncomponents = [\"clippy\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rust-toolchain.toml"), []byte(doc), 0644))

	st := settings.Default()
	res, err := Resolve("", emptyEnv, dir, st, nil)
	require.NoError(t, err)
	require.Equal(t, "nightly-2020-01-01", res.Toolchain)
}

func TestResolveDefaultFallback(t *testing.T) {
	st := settings.Default()
	st.DefaultToolchain = "stable"
	res, err := Resolve("", emptyEnv, t.TempDir(), st, nil)
	require.NoError(t, err)
	require.Equal(t, "stable", res.Toolchain)
	require.Equal(t, SourceDefault, res.Source)
}

func TestResolveNoDefaultFails(t *testing.T) {
	st := settings.Default()
	_, err := Resolve("", emptyEnv, t.TempDir(), st, nil)
	require.Error(t, err)
}

func TestRejectBareTriple(t *testing.T) {
	st := settings.Default()
	_, err := Resolve("x86_64-unknown-linux-gnu", emptyEnv, t.TempDir(), st, func(tr triple.Triple) []string {
		return nil
	})
	require.Error(t, err)
}
