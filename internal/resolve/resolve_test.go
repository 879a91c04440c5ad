package resolve

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toolchainctl/toolchainctl/internal/dist"
	"github.com/toolchainctl/toolchainctl/internal/download"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
	"github.com/toolchainctl/toolchainctl/internal/sig"
	"github.com/toolchainctl/toolchainctl/pkg/channel"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

var hostTarget = triple.Parse("x86_64-unknown-linux-gnu")

func buildArchive(t *testing.T, pkgName string, entries map[string]string) (archive []byte, sha256Hex string) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: pkgName + "/", Typeflag: tar.TypeDir, Mode: 0755}))
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: pkgName + "/" + name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// simpleManifest builds a "rust" package requiring rustc+cargo, plus
// standalone rustc/cargo packages and (if rlsAvailable) an rls package, all
// served from the given archive map keyed by package name.
func simpleManifest(date string, rlsAvailable bool, urlFor func(pkg string) string, digestFor func(pkg string) string) *manifest.Manifest {
	bins := func(pkg string) []manifest.Bin {
		return []manifest.Bin{{Compression: manifest.CompressionGzip, URL: urlFor(pkg), SHA256: digestFor(pkg)}}
	}
	pkgs := map[string]manifest.Package{
		"rust": {
			Targeted: map[string]manifest.TargetedPackage{
				hostTarget.String(): {
					Available: true,
					Components: []manifest.Component{
						{Pkg: "rustc", Target: &hostTarget},
						{Pkg: "cargo", Target: &hostTarget},
					},
				},
			},
		},
		"rustc": {Targeted: map[string]manifest.TargetedPackage{hostTarget.String(): {Available: true, Bins: bins("rustc")}}},
		"cargo": {Targeted: map[string]manifest.TargetedPackage{hostTarget.String(): {Available: true, Bins: bins("cargo")}}},
	}
	if rlsAvailable {
		pkgs["rls"] = manifest.Package{Targeted: map[string]manifest.TargetedPackage{hostTarget.String(): {Available: true, Bins: bins("rls")}}}
	}
	return &manifest.Manifest{Version: "2", Date: date, Packages: pkgs}
}

func serveManifest(t *testing.T, mux *http.ServeMux, path string, m *manifest.Manifest) {
	t.Helper()
	body, err := m.Marshal()
	require.NoError(t, err)
	sum := sha256Hex(body)
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) { w.Write(body) })
	mux.HandleFunc(path+".sha256", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintf(w, "%s  %s\n", sum, filepath.Base(path)) })
}

func TestUpdateFromDistFreshInstallStable(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rustcArchive, rustcSHA := buildArchive(t, "rustc", map[string]string{"bin/rustc": "x"})
	cargoArchive, cargoSHA := buildArchive(t, "cargo", map[string]string{"bin/cargo": "x"})
	digests := map[string]string{"rustc": rustcSHA, "cargo": cargoSHA}
	urlFor := func(pkg string) string { return srv.URL + "/dist/" + pkg + ".tar.gz" }
	mux.HandleFunc("/dist/rustc.tar.gz", func(w http.ResponseWriter, r *http.Request) { w.Write(rustcArchive) })
	mux.HandleFunc("/dist/cargo.tar.gz", func(w http.ResponseWriter, r *http.Request) { w.Write(cargoArchive) })

	m := simpleManifest("2020-06-01", false, urlFor, func(pkg string) string { return digests[pkg] })
	serveManifest(t, mux, "/channel-rust-stable.toml", m)
	mux.HandleFunc("/channel-rust-stable.toml.asc", http.NotFound)

	prefix := filepath.Join(t.TempDir(), "toolchains", "stable")
	req := Request{
		Toolchain: channel.Desc{Channel: channel.Stable, Target: hostTarget},
		Prefix:    prefix,
	}
	opts := Options{
		Server:   dist.NewServer(srv.URL),
		Cache:    download.NewCache(t.TempDir()),
		Verifier: &sig.NoopVerifier{},
	}

	res, err := UpdateFromDist(context.Background(), req, opts)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.NotEmpty(t, res.Hash)
}

func TestUpdateFromDistBacktracksOverMissingNightlyComponent(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rustcArchive, rustcSHA := buildArchive(t, "rustc", map[string]string{"bin/rustc": "x"})
	cargoArchive, cargoSHA := buildArchive(t, "cargo", map[string]string{"bin/cargo": "x"})
	rlsArchive, rlsSHA := buildArchive(t, "rls", map[string]string{"bin/rls": "x"})
	digests := map[string]string{"rustc": rustcSHA, "cargo": cargoSHA, "rls": rlsSHA}
	urlFor := func(pkg string) string { return srv.URL + "/dist/" + pkg + ".tar.gz" }
	mux.HandleFunc("/dist/rustc.tar.gz", func(w http.ResponseWriter, r *http.Request) { w.Write(rustcArchive) })
	mux.HandleFunc("/dist/cargo.tar.gz", func(w http.ResponseWriter, r *http.Request) { w.Write(cargoArchive) })
	mux.HandleFunc("/dist/rls.tar.gz", func(w http.ResponseWriter, r *http.Request) { w.Write(rlsArchive) })

	// Tracking ("today") nightly lacks rls; yesterday's has it.
	today := simpleManifest("2020-06-02", false, urlFor, func(pkg string) string { return digests[pkg] })
	yesterday := simpleManifest("2020-06-01", true, urlFor, func(pkg string) string { return digests[pkg] })
	serveManifest(t, mux, "/channel-rust-nightly.toml", today)
	mux.HandleFunc("/channel-rust-nightly.toml.asc", http.NotFound)
	serveManifest(t, mux, "/2020-06-01/channel-rust-nightly.toml", yesterday)
	mux.HandleFunc("/2020-06-01/channel-rust-nightly.toml.asc", http.NotFound)

	prefix := filepath.Join(t.TempDir(), "toolchains", "nightly")
	req := Request{
		Toolchain:  channel.Desc{Channel: channel.Nightly, Target: hostTarget},
		Prefix:     prefix,
		Components: []string{"rls"},
	}
	opts := Options{
		Server:   dist.NewServer(srv.URL),
		Cache:    download.NewCache(t.TempDir()),
		Verifier: &sig.NoopVerifier{},
	}

	res, err := UpdateFromDist(context.Background(), req, opts)
	require.NoError(t, err)
	require.True(t, res.Changed)
}

func TestUpdateFromDistFallsBackToLegacyManifest(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/channel-rust-stable.toml", http.NotFound)

	archive, _ := buildArchive(t, "rust-1.0.0", map[string]string{"bin/rustc": "x", "bin/cargo": "x"})
	legacyLine := "rust-1.0.0-" + hostTarget.String() + ".tar.gz"
	mux.HandleFunc("/channel-rust-stable", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, legacyLine) })
	mux.HandleFunc("/"+legacyLine, func(w http.ResponseWriter, r *http.Request) { w.Write(archive) })

	prefix := filepath.Join(t.TempDir(), "toolchains", "stable")
	req := Request{
		Toolchain: channel.Desc{Channel: channel.Stable, Target: hostTarget},
		Prefix:    prefix,
	}
	opts := Options{
		Server:   dist.NewServer(srv.URL),
		Cache:    download.NewCache(t.TempDir()),
		Verifier: &sig.NoopVerifier{},
	}

	res, err := UpdateFromDist(context.Background(), req, opts)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.NotEmpty(t, res.Hash)
}
