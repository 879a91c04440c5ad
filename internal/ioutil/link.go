package ioutil

import (
	"os"
	"runtime"
)

// LinkOrSymlink tries to hardlink newname to oldname; if that fails, it
// falls back to a symlink. On macOS, if oldname is itself a symlink, it goes
// straight to a symlink, since hardlinking a symlink is unreliable on some
// Apple filesystems.
func LinkOrSymlink(oldname, newname string) error {
	if runtime.GOOS == "darwin" {
		if fi, err := os.Lstat(oldname); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return os.Symlink(oldname, newname)
		}
	}
	if err := os.Link(oldname, newname); err != nil {
		return os.Symlink(oldname, newname)
	}
	return nil
}
