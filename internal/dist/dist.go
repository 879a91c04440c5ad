// Package dist builds release manifest URLs against a dist server and
// fetches a manifest together with its sibling .sha256 checksum and
// optional .asc detached signature.
package dist

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/xerrors"

	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/sig"
)

const defaultServer = "https://static.rust-lang.org"

// Server builds manifest and archive URLs against a dist root.
type Server struct {
	Root   string
	Client *http.Client
}

// NewServer returns a Server rooted at root, or defaultServer if root is
// empty (TOOLCHAINCTL_DIST_SERVER unset).
func NewServer(root string) *Server {
	if root == "" {
		root = defaultServer
	}
	return &Server{Root: strings.TrimSuffix(root, "/"), Client: http.DefaultClient}
}

// ManifestURL builds <dist_root>/channel-rust-<channel>.toml (tracking) or
// <dist_root>/<date>/channel-rust-<channel>.toml (pinned), per §6.
func (s *Server) ManifestURL(channel, date string) string {
	return s.LegacyManifestURL(channel, date) + ".toml"
}

// LegacyManifestURL builds the same path without the .toml suffix: the
// pre-v2 manifest is a plain-text list of archive URLs, not TOML.
func (s *Server) LegacyManifestURL(channel, date string) string {
	name := fmt.Sprintf("channel-rust-%s", channel)
	if date == "" {
		return s.Root + "/" + name
	}
	return s.Root + "/" + date + "/" + name
}

// PackageDirURL returns the directory archives live under for date (or the
// tracking root if date is empty).
func (s *Server) PackageDirURL(date string) string {
	if date == "" {
		return s.Root
	}
	return s.Root + "/" + date
}

// Get fetches url directly, with no integrity checking; used for the
// legacy v1 manifest and archives, which predate checksummed distribution.
func (s *Server) Get(ctx context.Context, url string) ([]byte, error) {
	return s.get(ctx, url)
}

// Manifest is the result of fetching a release manifest together with its
// integrity material.
type Manifest struct {
	Bytes     []byte
	SHA256Hex string
	Signature []byte // nil if no .asc sibling was present
}

// Fetch retrieves the manifest at url along with its .sha256 sibling
// (required) and .asc sibling (optional). A 404 on the manifest itself is
// reported as *errs.DownloadNotExists so callers can fall through to the
// next channel or the legacy v1 path.
func (s *Server) Fetch(ctx context.Context, url string) (*Manifest, error) {
	body, err := s.get(ctx, url)
	if err != nil {
		return nil, err
	}

	sumBody, err := s.get(ctx, url+".sha256")
	if err != nil {
		return nil, xerrors.Errorf("fetching %s.sha256: %w", url, err)
	}
	sum := strings.TrimSpace(strings.Fields(string(sumBody))[0])

	var sigBytes []byte
	if ascBody, err := s.get(ctx, url+".asc"); err == nil {
		sigBytes = ascBody
	} else if !isNotExists(err) {
		return nil, xerrors.Errorf("fetching %s.asc: %w", url, err)
	}

	return &Manifest{Bytes: body, SHA256Hex: sum, Signature: sigBytes}, nil
}

// Verify checks m's checksum, and its signature if present, returning the
// manifest bytes on success.
func Verify(m *Manifest, verifier sig.Verifier) ([]byte, error) {
	got := sha256Hex(m.Bytes)
	if got != m.SHA256Hex {
		return nil, &errs.ChecksumFailed{Expected: m.SHA256Hex, Calculated: got}
	}
	if m.Signature != nil {
		if pv, ok := verifier.(*sig.PGPVerifier); ok {
			if err := pv.Verify(newReader(m.Bytes), m.Signature); err != nil {
				return nil, xerrors.Errorf("signature verification failed: %w", err)
			}
			return m.Bytes, nil
		}
	}
	if err := verifier.Verify(newReader(m.Bytes), m.Signature); err != nil {
		return nil, err
	}
	return m.Bytes, nil
}

func (s *Server) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &errs.DownloadNotExists{URL: url}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("unexpected HTTP status fetching %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newReader(b []byte) io.Reader { return bytes.NewReader(b) }

func isNotExists(err error) bool {
	var dne *errs.DownloadNotExists
	return xerrors.As(err, &dne)
}
