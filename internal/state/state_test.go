package state

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolchainctl/toolchainctl/internal/download"
	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

var hostTarget = triple.Parse("x86_64-unknown-linux-gnu")

func buildArchive(t *testing.T, pkgName string, entries map[string]string) (archive []byte, sha256Hex string) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     pkgName + "/",
		Typeflag: tar.TypeDir,
		Mode:     0755,
	}))
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     pkgName + "/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

// testManifest builds a minimal v2-shaped manifest in memory (bypassing TOML
// parsing, since Manifest's fields are exported) with a "rust" package
// requiring rustc+cargo, plus an optional rust-std extension, all served
// from srv at the given archive bytes/digests.
func testManifest(t *testing.T, srv *httptest.Server, archives map[string][]byte, digests map[string]string) *manifest.Manifest {
	t.Helper()
	bins := func(name string) []manifest.Bin {
		return []manifest.Bin{{
			Compression: manifest.CompressionGzip,
			URL:         srv.URL + "/" + name + ".tar.gz",
			SHA256:      digests[name],
		}}
	}
	return &manifest.Manifest{
		Version: "2",
		Date:    "2020-01-01",
		Packages: map[string]manifest.Package{
			"rust": {
				Version: "1.40.0",
				Targeted: map[string]manifest.TargetedPackage{
					hostTarget.String(): {
						Available: true,
						Bins:      bins("rust"),
						Components: []manifest.Component{
							{Pkg: "rustc", Target: &hostTarget},
							{Pkg: "cargo", Target: &hostTarget},
						},
					},
				},
			},
			"rustc": {
				Version:  "1.40.0",
				Targeted: map[string]manifest.TargetedPackage{hostTarget.String(): {Available: true, Bins: bins("rustc")}},
			},
			"cargo": {
				Version:  "1.40.0",
				Targeted: map[string]manifest.TargetedPackage{hostTarget.String(): {Available: true, Bins: bins("cargo")}},
			},
			"rust-std": {
				Version:  "1.40.0",
				Targeted: map[string]manifest.TargetedPackage{hostTarget.String(): {Available: true, Bins: bins("rust-std")}},
			},
		},
	}
}

func newServer(t *testing.T, archives map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for name, body := range archives {
		name, body := name, body
		mux.HandleFunc("/"+name+".tar.gz", func(w http.ResponseWriter, r *http.Request) {
			w.Write(body)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestUpdateFreshInstall(t *testing.T) {
	rustcArchive, rustcSHA := buildArchive(t, "rustc", map[string]string{"bin/rustc": "rustc binary"})
	cargoArchive, cargoSHA := buildArchive(t, "cargo", map[string]string{"bin/cargo": "cargo binary"})
	rustArchive, rustSHA := buildArchive(t, "rust", map[string]string{"lib/rustlib/marker": "x"})

	archives := map[string][]byte{"rustc": rustcArchive, "cargo": cargoArchive, "rust": rustArchive}
	digests := map[string]string{"rustc": rustcSHA, "cargo": cargoSHA, "rust": rustSHA}
	srv := newServer(t, archives)
	m := testManifest(t, srv, archives, digests)

	prefix := t.TempDir()
	man, err := Open(prefix, hostTarget)
	require.NoError(t, err)

	cache := download.NewCache(t.TempDir())
	status, err := man.Update(context.Background(), m, Changes{}, UpdateOptions{Cache: cache, ToolName: "nightly"})
	require.NoError(t, err)
	require.Equal(t, StatusChanged, status)

	cfg, err := man.ReadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Components, 2)

	ok, err := man.reg.Find("rustc-" + hostTarget.String())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpdateNoopWhenNothingChanges(t *testing.T) {
	rustcArchive, rustcSHA := buildArchive(t, "rustc", map[string]string{"bin/rustc": "x"})
	cargoArchive, cargoSHA := buildArchive(t, "cargo", map[string]string{"bin/cargo": "x"})
	rustArchive, rustSHA := buildArchive(t, "rust", map[string]string{"marker": "x"})

	archives := map[string][]byte{"rustc": rustcArchive, "cargo": cargoArchive, "rust": rustArchive}
	digests := map[string]string{"rustc": rustcSHA, "cargo": cargoSHA, "rust": rustSHA}
	srv := newServer(t, archives)
	m := testManifest(t, srv, archives, digests)

	prefix := t.TempDir()
	man, err := Open(prefix, hostTarget)
	require.NoError(t, err)
	cache := download.NewCache(t.TempDir())

	_, err = man.Update(context.Background(), m, Changes{}, UpdateOptions{Cache: cache, ToolName: "nightly"})
	require.NoError(t, err)

	status, err := man.Update(context.Background(), m, Changes{}, UpdateOptions{Cache: cache, ToolName: "nightly"})
	require.NoError(t, err)
	require.Equal(t, StatusUnchanged, status)
}

func TestUpdateFailsMissingEssentialComponent(t *testing.T) {
	rustArchive, rustSHA := buildArchive(t, "rust", map[string]string{"marker": "x"})
	archives := map[string][]byte{"rust": rustArchive}
	digests := map[string]string{"rust": rustSHA}
	srv := newServer(t, archives)

	m := &manifest.Manifest{
		Version: "2",
		Packages: map[string]manifest.Package{
			"rust": {
				Targeted: map[string]manifest.TargetedPackage{
					hostTarget.String(): {
						Available: true,
						Bins: []manifest.Bin{{
							Compression: manifest.CompressionGzip,
							URL:         srv.URL + "/rust.tar.gz",
							SHA256:      digests["rust"],
						}},
						Components: []manifest.Component{{Pkg: "rustc", Target: &hostTarget}},
					},
				},
			},
		},
	}

	prefix := t.TempDir()
	man, err := Open(prefix, hostTarget)
	require.NoError(t, err)
	cache := download.NewCache(t.TempDir())

	_, err = man.Update(context.Background(), m, Changes{}, UpdateOptions{Cache: cache, ToolName: "nightly"})
	require.Error(t, err)
	var missing *errs.ToolchainComponentsMissing
	require.ErrorAs(t, err, &missing)
}

func TestUpdateFailsUnavailableComponentWithoutForce(t *testing.T) {
	rustcArchive, rustcSHA := buildArchive(t, "rustc", map[string]string{"bin/rustc": "x"})
	cargoArchive, cargoSHA := buildArchive(t, "cargo", map[string]string{"bin/cargo": "x"})
	rustArchive, rustSHA := buildArchive(t, "rust", map[string]string{"marker": "x"})
	archives := map[string][]byte{"rustc": rustcArchive, "cargo": cargoArchive, "rust": rustArchive}
	digests := map[string]string{"rustc": rustcSHA, "cargo": cargoSHA, "rust": rustSHA}
	srv := newServer(t, archives)
	m := testManifest(t, srv, archives, digests)

	// Mark rust-std unavailable for this target.
	pkg := m.Packages["rust-std"]
	tp := pkg.Targeted[hostTarget.String()]
	tp.Available = false
	tp.Bins = nil
	pkg.Targeted[hostTarget.String()] = tp
	m.Packages["rust-std"] = pkg

	prefix := t.TempDir()
	man, err := Open(prefix, hostTarget)
	require.NoError(t, err)
	cache := download.NewCache(t.TempDir())

	changes := Changes{ExplicitAddComponents: []manifest.Component{{Pkg: "rust-std", Target: &hostTarget}}}
	_, err = man.Update(context.Background(), m, changes, UpdateOptions{Cache: cache, ToolName: "nightly"})
	require.Error(t, err)
	var unavailable *errs.RequestedComponentsUnavailable
	require.ErrorAs(t, err, &unavailable)
}

func TestBuildPlanModificationModeAddsExtension(t *testing.T) {
	rustcArchive, rustcSHA := buildArchive(t, "rustc", map[string]string{"bin/rustc": "x"})
	cargoArchive, cargoSHA := buildArchive(t, "cargo", map[string]string{"bin/cargo": "x"})
	rustArchive, rustSHA := buildArchive(t, "rust", map[string]string{"marker": "x"})
	stdArchive, stdSHA := buildArchive(t, "rust-std", map[string]string{"lib/libstd.rlib": "x"})
	archives := map[string][]byte{"rustc": rustcArchive, "cargo": cargoArchive, "rust": rustArchive, "rust-std": stdArchive}
	digests := map[string]string{"rustc": rustcSHA, "cargo": cargoSHA, "rust": rustSHA, "rust-std": stdSHA}
	srv := newServer(t, archives)
	m := testManifest(t, srv, archives, digests)

	prefix := t.TempDir()
	man, err := Open(prefix, hostTarget)
	require.NoError(t, err)
	cache := download.NewCache(t.TempDir())

	_, err = man.Update(context.Background(), m, Changes{}, UpdateOptions{Cache: cache, ToolName: "nightly"})
	require.NoError(t, err)

	changes := Changes{ExplicitAddComponents: []manifest.Component{{Pkg: "rust-std", Target: &hostTarget, IsExtension: true}}}
	status, err := man.Update(context.Background(), m, changes, UpdateOptions{Cache: cache, ToolName: "nightly"})
	require.NoError(t, err)
	require.Equal(t, StatusChanged, status)

	ok, err := man.reg.Find("rust-std-" + hostTarget.String())
	require.NoError(t, err)
	require.True(t, ok)
}
