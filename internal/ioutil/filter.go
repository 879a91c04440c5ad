package ioutil

import (
	"bufio"
	"io"
	"os"

	"github.com/google/renameio"
)

// FilterFile copies src to dst line by line, keeping only lines for which
// keep returns true, and returns the number of lines written. The write is
// atomic: dst is either fully replaced or not touched at all. The persisted
// overrides database is not rewritten through it; internal/settings'
// Store.WithMut does that.
func FilterFile(src, dst string, keep func(line string) bool) (int, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := renameio.TempFile("", dst)
	if err != nil {
		return 0, err
	}
	defer out.Cleanup()

	n := 0
	sc := bufio.NewScanner(in)
	w := bufio.NewWriter(out)
	for sc.Scan() {
		line := sc.Text()
		if !keep(line) {
			continue
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	if err := w.Flush(); err != nil {
		return n, err
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return n, err
	}
	return n, nil
}
