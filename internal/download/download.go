// Package download implements a content-addressed, resumable download cache
// for toolchain component archives. Cache keys are the expected SHA-256 sum
// of the finished file, so two different release channels that happen to
// bundle the same component bytes share one cached copy.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/ioutil"
	"github.com/toolchainctl/toolchainctl/internal/xlog"
)

// ProgressFunc is invoked as bytes arrive; total is 0 when the server did
// not report Content-Length (or a partial resume made the total unknown).
type ProgressFunc func(downloaded, total int64)

// Cache stores fetched archives under dir, named by their SHA-256 sum.
type Cache struct {
	Dir    string
	Client *http.Client
}

// NewCache returns a Cache rooted at dir, using a client with response
// compression disabled — the same precaution distr1-distri's own downloader
// takes, since some servers re-gzip an already-compressed archive on the
// way out and silently change its bytes.
func NewCache(dir string) *Cache {
	t := *http.DefaultTransport.(*http.Transport)
	t.DisableCompression = true
	return &Cache{Dir: dir, Client: &http.Client{Transport: &t}}
}

func (c *Cache) finalPath(sha256Hex string) string {
	return filepath.Join(c.Dir, sha256Hex)
}

func (c *Cache) partialPath(sha256Hex string) string {
	return filepath.Join(c.Dir, sha256Hex+".partial")
}

// Fetch returns the path to a local file whose contents hash to
// expectedSHA256, downloading (or resuming a partial download) from url if
// necessary. A 404 response is reported as *errs.DownloadNotExists so
// callers that probe for optional manifests can treat it specially.
func (c *Cache) Fetch(ctx context.Context, url, expectedSHA256 string, progress ProgressFunc) (string, error) {
	final := c.finalPath(expectedSHA256)
	if verifyFile(final, expectedSHA256) {
		return final, nil
	}

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return "", err
	}

	partial := c.partialPath(expectedSHA256)
	if err := c.resumeOrStart(ctx, url, partial, progress); err != nil {
		return "", err
	}

	if !verifyFile(partial, expectedSHA256) {
		got, _ := fileSHA256(partial)
		os.Remove(partial)
		return "", &errs.ChecksumFailed{URL: url, Expected: expectedSHA256, Calculated: got}
	}

	if err := ioutil.RenameWithRetry(partial, final); err != nil {
		return "", xerrors.Errorf("finalizing download: %w", err)
	}
	return final, nil
}

func (c *Cache) resumeOrStart(ctx context.Context, url, partial string, progress ProgressFunc) error {
	var offset int64
	if fi, err := os.Stat(partial); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return &errs.DownloadNotExists{URL: url}
	case http.StatusOK:
		// server ignored our Range request (or there was nothing to
		// resume); start over.
		offset = 0
	case http.StatusPartialContent:
		if cr := resp.Header.Get("Content-Range"); cr != "" && !hasRangeStart(cr, offset) {
			os.Remove(partial)
			return &errs.BrokenPartialFile{Path: partial, Err: xerrors.Errorf("unexpected Content-Range %q for offset %d", cr, offset)}
		}
	default:
		return xerrors.Errorf("unexpected HTTP status fetching %s: %s", url, resp.Status)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(partial, flags, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	total := resp.ContentLength
	if total < 0 {
		total = 0 // Content-Length not reported
	}
	if total > 0 && offset > 0 {
		total += offset
	}

	xlog.L().Info("downloading", "url", url, "resume_offset", offset)

	r := io.Reader(resp.Body)
	if progress != nil {
		r = &progressReader{r: resp.Body, onRead: func(n int64) { progress(offset+n, total) }}
	}

	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	return f.Close()
}

type progressReader struct {
	r      io.Reader
	n      int64
	onRead func(total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	if p.onRead != nil {
		p.onRead(p.n)
	}
	return n, err
}

// hasRangeStart reports whether a "Content-Range: bytes X-Y/Z" header value
// starts at the offset we asked for.
func hasRangeStart(contentRange string, offset int64) bool {
	want := fmt.Sprintf("bytes %d-", offset)
	return len(contentRange) >= len(want) && contentRange[:len(want)] == want
}

func verifyFile(path, expectedSHA256 string) bool {
	got, err := fileSHA256(path)
	return err == nil && got == expectedSHA256
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
