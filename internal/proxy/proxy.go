// Package proxy implements the argv0 dispatch that lets a single installed
// binary stand in for rustc, cargo, and the rest of a toolchain's tool
// binaries: resolve which toolchain is active, shape the child environment
// the way that toolchain's own binaries expect, and exec straight into the
// real binary.
package proxy

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/override"
	"github.com/toolchainctl/toolchainctl/internal/settings"
	"github.com/toolchainctl/toolchainctl/internal/xlog"
	"github.com/toolchainctl/toolchainctl/pkg/channel"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

// recursionLimit bounds how many times a proxy binary may re-invoke itself
// (directly or through a chain of fallbacks) before it's treated as a loop
// rather than a legitimate nested build tool invocation.
const recursionLimit = 20

// loaderPathVar is the dynamic-linker search-path variable this platform's
// binaries consult, mirroring the teacher's macOS/Linux split in its own
// command environment shaping.
func loaderPathVar() string {
	if runtime.GOOS == "darwin" {
		return "DYLD_FALLBACK_LIBRARY_PATH"
	}
	return "LD_LIBRARY_PATH"
}

// Config carries everything Dispatch needs to resolve a toolchain and shape
// a child process environment, independent of the real OS environment so
// tests can drive it with a fake one.
type Config struct {
	Home      string // TOOLCHAINCTL_HOME: holds toolchains/ and settings.toml
	CargoHome string // CARGO_HOME: holds the installed proxy binaries

	Store *settings.Store

	// InstalledWithTriple lists installed toolchain names matching t, used
	// only to populate BareTripleError suggestions.
	InstalledWithTriple func(t triple.Triple) []string

	// exec is overridden in tests; defaults to syscall.Exec.
	exec func(argv0 string, argv []string, envv []string) error
}

func (c *Config) execFunc() func(string, []string, []string) error {
	if c.exec != nil {
		return c.exec
	}
	return syscall.Exec
}

func (c *Config) toolchainDir(name string) string {
	return filepath.Join(c.Home, "toolchains", name)
}

// Dispatch resolves the active toolchain for workDir, locates binary within
// it (falling back to another installed toolchain for cargo if the active
// one is a custom toolchain lacking it), shapes env, and execs into it.
// argv0 is the path this process was invoked as; only its base name matters.
// args is argv[1:]. env is the environment to shape and pass to the child
// (typically os.Environ()).
func Dispatch(cfg *Config, argv0 string, args []string, env []string) error {
	binary := filepath.Base(argv0)

	count, err := recursionCount(env)
	if err != nil {
		return err
	}
	if count > recursionLimit {
		return &errs.InfiniteRecursion{Binary: binary, Limit: recursionLimit}
	}

	st, err := cfg.Store.Load()
	if err != nil {
		return err
	}

	res, err := override.Resolve("", envLookup(env), ".", st, cfg.InstalledWithTriple)
	if err != nil {
		return err
	}

	dir, name := res.Toolchain, res.Toolchain
	if !res.IsPath {
		dir = cfg.toolchainDir(res.Toolchain)
	}

	binPath := filepath.Join(dir, "bin", binary)
	if !isFile(binPath) {
		fallbackDir, _, ok := cargoFallback(cfg, res, binary)
		if !ok {
			return &errs.ToolchainNotInstalled{Name: name}
		}
		// name stays the custom toolchain, so RUSTUP_TOOLCHAIN keeps
		// pointing the fallback cargo's own proxied tools at it.
		dir = fallbackDir
		binPath = filepath.Join(dir, "bin", binary)
	}

	childEnv := shapeEnv(cfg, env, dir, name, count)

	xlog.L().Debug("proxy dispatch", "binary", binary, "toolchain", name, "path", binPath)

	argv := append([]string{binPath}, args...)
	return cfg.execFunc()(binPath, argv, childEnv)
}

// cargoFallback implements the "custom toolchain missing cargo" search:
// nightly, then beta, then stable, for the first one that's actually
// installed. Only applies to the cargo binary on a non-official (custom or
// path) toolchain — official channels always ship their own cargo.
func cargoFallback(cfg *Config, res *override.Resolution, binary string) (dir, name string, ok bool) {
	if binary != "cargo" {
		return "", "", false
	}
	if !res.IsPath {
		if _, err := channel.Parse(res.Toolchain); err == nil {
			return "", "", false
		}
	}
	for _, fallback := range []string{channel.Nightly, channel.Beta, channel.Stable} {
		d := cfg.toolchainDir(fallback)
		if isFile(filepath.Join(d, "bin", "cargo")) {
			return d, fallback, true
		}
	}
	return "", "", false
}

// shapeEnv builds the child process environment: the toolchain's lib
// directory prepended to the platform loader path, cargo_home/bin prepended
// to PATH, and RUSTUP_TOOLCHAIN/RUSTUP_HOME/CARGO_HOME/RUST_RECURSION_COUNT
// set the way the proxied binary's own toolchain expects.
func shapeEnv(cfg *Config, env []string, toolchainDir, toolchainName string, recursion int) []string {
	out := prependPath(env, loaderPathVar(), []string{filepath.Join(toolchainDir, "lib")})

	var pathEntries []string
	if cfg.CargoHome != "" {
		pathEntries = append(pathEntries, filepath.Join(cfg.CargoHome, "bin"))
	}
	out = prependPath(out, "PATH", pathEntries)

	out = setEnv(out, "RUST_RECURSION_COUNT", strconv.Itoa(recursion+1))
	out = setEnv(out, "RUSTUP_TOOLCHAIN", toolchainName)
	out = setEnv(out, "RUSTUP_HOME", cfg.Home)
	if cfg.CargoHome != "" {
		out = setEnv(out, "CARGO_HOME", cfg.CargoHome)
	}
	return out
}

func recursionCount(env []string) (int, error) {
	v := envLookup(env)("RUST_RECURSION_COUNT")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid RUST_RECURSION_COUNT %q: %w", v, err)
	}
	return n, nil
}

func envLookup(env []string) func(string) string {
	return func(key string) string {
		prefix := key + "="
		for _, kv := range env {
			if strings.HasPrefix(kv, prefix) {
				return kv[len(prefix):]
			}
		}
		return ""
	}
}

func setEnv(env []string, key, val string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			out = append(out, prefix+val)
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, prefix+val)
	}
	return out
}

// prependPath prepends dirs to the colon-separated PATH-like variable key,
// preserving whatever was already there (including an unset/empty value).
func prependPath(env []string, key string, dirs []string) []string {
	if len(dirs) == 0 {
		return env
	}
	existing := envLookup(env)(key)
	joined := strings.Join(dirs, string(os.PathListSeparator))
	if existing != "" {
		joined += string(os.PathListSeparator) + existing
	}
	return setEnv(env, key, joined)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
