package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PruneSet accumulates directories touched by component removal and, after
// all removals are recorded, yields the subset that are actually empty on
// disk — so empty directories never persist after an uninstall, but
// directories still owned by other components are left alone.
//
// Internally it keeps the deepest recorded directory per branch (a shallower
// entry is redundant once a deeper one under it is known) and walks each
// deepest entry upward, checking each successive ancestor for emptiness and
// stopping the walk the moment one isn't — mirroring how a directory only
// ever becomes a pruning candidate once the directory directly below it has
// already been removed.
type PruneSet struct {
	seen map[string]bool
}

// NewPruneSet returns an empty PruneSet.
func NewPruneSet() *PruneSet {
	return &PruneSet{seen: make(map[string]bool)}
}

// Add records dir as a candidate for pruning.
func (p *PruneSet) Add(dir string) {
	if dir == "" || dir == "." {
		return
	}
	p.seen[dir] = true
}

// EmptyDirs returns, relative to root, the recorded directories (and their
// now-empty ancestors) that are empty on disk, ordered deepest-first so that
// callers can remove them as independent steps without needing to re-check
// ancestors.
func (p *PruneSet) EmptyDirs(root string) []string {
	// Keep only the deepest recorded directory per branch: if both
	// "lib/rustlib" and "lib" were recorded, "lib" is redundant, since it
	// only becomes a candidate once "lib/rustlib" (or whatever's below it)
	// is confirmed empty and walked up to.
	var leaves []string
	for d := range p.seen {
		ancestorOfAnother := false
		for e := range p.seen {
			if e != d && strings.HasPrefix(e, d+"/") {
				ancestorOfAnother = true
				break
			}
		}
		if !ancestorOfAnother {
			leaves = append(leaves, d)
		}
	}
	sort.Strings(leaves)

	inResult := make(map[string]bool)
	var empty []string

	for _, leaf := range leaves {
		for d := leaf; d != "" && d != "." && d != "/"; d = parentOf(d) {
			// Subdirectories already in the result are removed before d, so
			// they do not keep d from counting as empty.
			if !isEmptyDir(filepath.Join(root, d), d, inResult) {
				break
			}
			if !inResult[d] {
				inResult[d] = true
				empty = append(empty, d)
			}
		}
	}

	sort.Slice(empty, func(i, j int) bool {
		return strings.Count(empty[i], "/") > strings.Count(empty[j], "/")
	})

	return empty
}

func parentOf(dir string) string {
	parent := filepath.Dir(dir)
	if parent == dir {
		return ""
	}
	return parent
}

// isEmptyDir reports whether path holds no entries other than those whose
// root-relative paths (rel joined with the entry name) are in pruned.
func isEmptyDir(path, rel string, pruned map[string]bool) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return false
	}
	for _, name := range names {
		if !pruned[filepath.Join(rel, name)] {
			return false
		}
	}
	return true
}
