package ioutil

import "io"

// ProgressNotify is called once with the total size (if known; 0 otherwise)
// before the first read, and then once per chunk with the cumulative bytes
// read so far.
type ProgressNotify func(total, read int64)

// ProgressReader wraps r, invoking notify(total, 0) on first Read and
// notify(total, cumulative) as bytes are produced.
type ProgressReader struct {
	r        io.Reader
	total    int64
	read     int64
	notify   ProgressNotify
	notified bool
}

// NewProgressReader wraps r. total may be 0 if the content length is
// unknown.
func NewProgressReader(r io.Reader, total int64, notify ProgressNotify) *ProgressReader {
	return &ProgressReader{r: r, total: total, notify: notify}
}

func (p *ProgressReader) Read(buf []byte) (int, error) {
	if !p.notified {
		p.notify(p.total, 0)
		p.notified = true
	}
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		p.notify(p.total, p.read)
	}
	return n, err
}
