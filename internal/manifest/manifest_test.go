package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

const sampleManifest = `
manifest-version = "2"
date = "2020-01-01"

[pkg.rust]
version = "1.40.0"

[pkg.rust.target.x86_64-unknown-linux-gnu]
available = true
url = "https://example.com/rust-1.40.0.tar.gz"
hash = "abc"
components = [
  { pkg = "rustc", target = "x86_64-unknown-linux-gnu" },
  { pkg = "cargo", target = "x86_64-unknown-linux-gnu" },
]

[pkg.rustc]
version = "1.40.0"

[pkg.rustc.target.x86_64-unknown-linux-gnu]
available = true
url = "https://example.com/rustc-1.40.0.tar.gz"
hash = "def"

[pkg.cargo]
version = "0.41.0"

[pkg.cargo.target.x86_64-unknown-linux-gnu]
available = true
url = "https://example.com/cargo-0.41.0.tar.gz"
hash = "ghi"

[profiles]
minimal = ["rustc", "cargo"]
default = ["rustc", "cargo"]
`

func mustTarget(t *testing.T) triple.Triple {
	t.Helper()
	return triple.Parse("x86_64-unknown-linux-gnu")
}

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	require.Equal(t, "2", m.Version)
	require.Contains(t, m.Packages, "rust")
}

func TestGetProfileComponents(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	comps, err := m.GetProfileComponents(ProfileMinimal, mustTarget(t))
	require.NoError(t, err)
	require.Len(t, comps, 2)
}

func TestValidateRejectsDanglingRename(t *testing.T) {
	m := &Manifest{
		Packages: map[string]Package{"rust": {}},
		Renames:  map[string]string{"rls": "does-not-exist"},
	}
	require.Error(t, Validate(m))
}

func TestContainedWithin(t *testing.T) {
	target := mustTarget(t)
	rustc := Component{Pkg: "rustc", Target: &target}
	wildcard := Component{Pkg: "rustc"}

	require.True(t, rustc.ContainedWithin([]Component{rustc}))
	require.True(t, wildcard.ContainedWithin([]Component{rustc}), "wildcard query matches any target")
	require.True(t, rustc.ContainedWithin([]Component{wildcard}), "wildcard member matches any target")
	require.False(t, rustc.ContainedWithin([]Component{{Pkg: "cargo", Target: &target}}))
}

func TestComponentNameRoundTrip(t *testing.T) {
	target := mustTarget(t)
	c := Component{Pkg: "rust-std", Target: &target}
	got := ParseComponentName(c.Name())
	require.Equal(t, "rust-std", got.Pkg)
}

func TestMarshalRoundTrip(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	b, err := m.Marshal()
	require.NoError(t, err)

	m2, err := Parse(b)
	require.NoError(t, err)
	require.True(t, m.Equal(m2))
}
