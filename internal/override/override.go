// Package override implements the toolchain-selection resolution function:
// (process_env, working_dir, settings) -> (toolchain, OverrideSource). It
// is deterministic and side-effect free — it never installs anything; the
// caller decides what to do once it knows which toolchain was selected and
// where that selection came from.
package override

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/toolchainctl/toolchainctl/internal/settings"
	"github.com/toolchainctl/toolchainctl/internal/xlog"
	"github.com/toolchainctl/toolchainctl/pkg/channel"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

// Source identifies which rule in the priority chain produced a
// Resolution, ordered highest-priority first.
type Source int

const (
	SourceCommandLine Source = iota
	SourceEnvironment
	SourceDirectory
	SourceToolchainFile
	SourceDefault
)

func (s Source) String() string {
	switch s {
	case SourceCommandLine:
		return "command line"
	case SourceEnvironment:
		return "environment variable"
	case SourceDirectory:
		return "directory override"
	case SourceToolchainFile:
		return "toolchain file"
	default:
		return "default"
	}
}

// Resolution names the selected toolchain, where the selection came from,
// and — for file-backed sources — the path that produced it, so error
// messages can say "the toolchain file at '...' specifies...".
type Resolution struct {
	Toolchain string
	Source    Source
	Origin    string // directory (SourceDirectory) or file (SourceToolchainFile)
	IsPath    bool   // true if Toolchain is an absolute custom-toolchain path, not a name

	// Warnings holds non-fatal toolchain-file problems encountered while
	// resolving: a rust-toolchain/rust-toolchain.toml pair in the same
	// directory, or profile/components/targets set alongside path. Callers
	// decide whether and how to surface them (override.Resolve itself also
	// logs each one via xlog, so a caller that ignores this field still
	// doesn't lose the warning).
	Warnings []string
}

// BareTripleError is returned when the resolved name is itself a target
// triple rather than a toolchain name — a common typo.
type BareTripleError struct {
	Name        string
	Suggestions []string
}

func (e *BareTripleError) Error() string {
	return "toolchain name \"" + e.Name + "\" looks like a target triple, not a toolchain; did you mean one of: " +
		strings.Join(e.Suggestions, ", ")
}

// Resolve walks the priority chain in §4.I order. cliToolchain is the
// leading "+toolchain" argument, or "" if absent. getenv looks up the process
// environment (a lookup function so callers can inject a fake one in
// tests). workDir is the directory dispatch is happening from.
// installedWithTriple is used only to produce suggestions for BareTripleError.
func Resolve(cliToolchain string, getenv func(string) string, workDir string, st *settings.Settings, installedWithTriple func(t triple.Triple) []string) (*Resolution, error) {
	if cliToolchain != "" {
		if filepath.IsAbs(cliToolchain) || strings.ContainsRune(cliToolchain, filepath.Separator) {
			return nil, &InvalidCommandLineOverride{Value: cliToolchain}
		}
		if err := rejectBareTriple(cliToolchain, installedWithTriple); err != nil {
			return nil, err
		}
		return &Resolution{Toolchain: cliToolchain, Source: SourceCommandLine}, nil
	}

	if envTc := getenv("RUSTUP_TOOLCHAIN"); envTc != "" {
		if filepath.IsAbs(envTc) {
			return &Resolution{Toolchain: envTc, Source: SourceEnvironment, IsPath: true}, nil
		}
		if strings.ContainsRune(envTc, filepath.Separator) {
			return nil, &InvalidEnvironmentOverride{Value: envTc}
		}
		if err := rejectBareTriple(envTc, installedWithTriple); err != nil {
			return nil, err
		}
		return &Resolution{Toolchain: envTc, Source: SourceEnvironment}, nil
	}

	if dir, name, ok := findDirectoryOverride(workDir, st.Overrides); ok {
		return &Resolution{Toolchain: name, Source: SourceDirectory, Origin: dir}, nil
	}

	if res, err := findToolchainFile(workDir); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	if st.DefaultToolchain == "" {
		return nil, &NoDefaultToolchain{}
	}
	return &Resolution{Toolchain: st.DefaultToolchain, Source: SourceDefault}, nil
}

// findDirectoryOverride walks upward from dir looking for the first
// ancestor present in overrides (keyed by canonicalized absolute path).
func findDirectoryOverride(dir string, overrides map[string]string) (string, string, bool) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", "", false
	}
	abs = filepath.Clean(abs)
	for {
		if name, ok := overrides[abs]; ok {
			return abs, name, true
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", "", false
		}
		abs = parent
	}
}

// toolchainFileDoc is the strict-TOML form of rust-toolchain.toml / a TOML
// rust-toolchain file.
type toolchainFileDoc struct {
	Toolchain struct {
		Channel    string   `toml:"channel"`
		Path       string   `toml:"path"`
		Components []string `toml:"components"`
		Targets    []string `toml:"targets"`
		Profile    string   `toml:"profile"`
	} `toml:"toolchain"`
}

// findToolchainFile walks upward from dir looking for rust-toolchain.toml
// or rust-toolchain. If both exist in the same directory, the file named
// exactly rust-toolchain (the legacy name) wins, and a duplicate-file
// warning is attached to the returned Resolution (and logged).
func findToolchainFile(dir string) (*Resolution, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		legacy := filepath.Join(abs, "rust-toolchain")
		strict := filepath.Join(abs, "rust-toolchain.toml")

		legacyExists := fileExists(legacy)
		strictExists := fileExists(strict)

		if legacyExists {
			res, err := parseToolchainFile(legacy)
			if err != nil {
				return nil, err
			}
			if strictExists {
				warn(res, fmt.Sprintf("both rust-toolchain and rust-toolchain.toml exist in %s; using rust-toolchain", abs))
			}
			return res, nil
		}
		if strictExists {
			return parseToolchainFile(strict)
		}

		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, nil
		}
		abs = parent
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// warn appends msg to res.Warnings and logs it, so a caller that only looks
// at the Resolution and one that relies solely on logs both see it.
func warn(res *Resolution, msg string) {
	res.Warnings = append(res.Warnings, msg)
	xlog.L().Warn(msg)
}

func parseToolchainFile(path string) (*Resolution, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(b))

	// Legacy bare-channel form: a single line naming a channel, no TOML
	// table at all. Only the legacy-named rust-toolchain file accepts it.
	if filepath.Base(path) == "rust-toolchain" && !strings.Contains(trimmed, "[toolchain]") && !strings.ContainsRune(trimmed, '\n') && trimmed != "" {
		if _, err := channel.Parse(trimmed); err == nil {
			return &Resolution{Toolchain: trimmed, Source: SourceToolchainFile, Origin: path}, nil
		}
	}

	var doc toolchainFileDoc
	if err := toml.Unmarshal(b, &doc); err != nil {
		return nil, &MalformedToolchainFile{Path: path, Err: err}
	}

	if doc.Toolchain.Path != "" && doc.Toolchain.Channel != "" {
		return nil, &MalformedToolchainFile{Path: path, Err: errMutuallyExclusive}
	}
	if doc.Toolchain.Path != "" {
		abs := doc.Toolchain.Path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(filepath.Dir(path), abs)
		}
		res := &Resolution{Toolchain: abs, Source: SourceToolchainFile, Origin: path, IsPath: true}
		if ignored := ignoredFieldsAlongsidePath(doc); ignored != "" {
			warn(res, fmt.Sprintf("toolchain file %s sets %s, which is ignored because \"path\" is used", path, ignored))
		}
		return res, nil
	}
	if doc.Toolchain.Channel == "" {
		return nil, &MalformedToolchainFile{Path: path, Err: errNoChannelOrPath}
	}
	return &Resolution{Toolchain: doc.Toolchain.Channel, Source: SourceToolchainFile, Origin: path}, nil
}

// ignoredFieldsAlongsidePath returns a comma-joined list of the
// profile/components/targets fields doc sets despite also setting path
// (which makes them meaningless), or "" if none are set.
func ignoredFieldsAlongsidePath(doc toolchainFileDoc) string {
	var fields []string
	if doc.Toolchain.Profile != "" {
		fields = append(fields, `"profile"`)
	}
	if len(doc.Toolchain.Components) > 0 {
		fields = append(fields, `"components"`)
	}
	if len(doc.Toolchain.Targets) > 0 {
		fields = append(fields, `"targets"`)
	}
	return strings.Join(fields, ", ")
}

// rejectBareTriple detects a name that parses cleanly as a target triple
// and nothing else — almost always a mistaken invocation like
// "+x86_64-unknown-linux-gnu" — and rejects it with installed-toolchain
// suggestions.
func rejectBareTriple(name string, installedWithTriple func(triple.Triple) []string) error {
	t := triple.Parse(name)
	if t.Arch == "" || t.OS == "" {
		return nil
	}
	if t.String() != name {
		return nil
	}
	if _, err := channel.Parse(name); err == nil {
		return nil
	}
	var suggestions []string
	if installedWithTriple != nil {
		suggestions = installedWithTriple(t)
	}
	return &BareTripleError{Name: name, Suggestions: suggestions}
}
