// Package resolve implements the update loop: turning a (channel, optional
// date, target) descriptor and a desired profile/component/target set into
// a concrete manifest fetch and installed-state update, backtracking over
// nightly dates when the latest manifest is missing components the caller
// already has installed, and falling back to the legacy single-archive
// format when no v2 manifest exists at all.
package resolve

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/toolchainctl/toolchainctl/internal/dist"
	"github.com/toolchainctl/toolchainctl/internal/download"
	"github.com/toolchainctl/toolchainctl/internal/errs"
	"github.com/toolchainctl/toolchainctl/internal/manifest"
	"github.com/toolchainctl/toolchainctl/internal/sig"
	"github.com/toolchainctl/toolchainctl/internal/state"
	"github.com/toolchainctl/toolchainctl/internal/xlog"
	"github.com/toolchainctl/toolchainctl/pkg/channel"
	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

// firstManifestDate is the earliest date static.rust-lang.org ever
// published a nightly manifest under; backtracking never steps before it.
const firstManifestDate = "2014-12-20"

const defaultBacktrackLimit = 21

// Request is one update_from_dist-equivalent call.
type Request struct {
	Toolchain      channel.Desc
	Profile        manifest.Profile // "" to skip profile-driven component selection
	Prefix         string
	Force          bool
	AllowDowngrade bool
	Components     []string // explicit component package names to add
	Targets        []string // explicit extra targets; each adds rust-std-<target>

	// UpdateHashPath, if non-empty, names a file tracking the last
	// successfully-applied manifest's checksum, letting an unchanged
	// manifest short-circuit straight to StatusUnchanged.
	UpdateHashPath string
}

// Options bundles the collaborators the update loop needs.
type Options struct {
	Server   *dist.Server
	Cache    *download.Cache
	Verifier sig.Verifier
	Notify   func(string)
}

// Result reports the manifest hash applied, if anything changed.
type Result struct {
	Hash    string
	Changed bool
}

// MissingRelease indicates no release of any kind (v2 or legacy) exists for
// the requested toolchain descriptor; this does not count against
// backtracking's component-missing limit, since there is nothing to skip.
type MissingRelease struct {
	Toolchain string
}

func (e *MissingRelease) Error() string {
	return fmt.Sprintf("no release found for %q", e.Toolchain)
}

// UpdateFromDist installs or updates the toolchain named by req.Toolchain
// under req.Prefix. If this is a fresh install (prefix does not yet exist)
// and it fails, the prefix is recursively removed so a half-install is
// never left behind; an update-hash file belonging to a toolchain that
// no longer has an installation is treated as stray and deleted up front.
func UpdateFromDist(ctx context.Context, req Request, opts Options) (Result, error) {
	notify := opts.Notify
	if notify == nil {
		notify = func(msg string) { xlog.L().Info(msg) }
	}

	_, statErr := os.Stat(req.Prefix)
	freshInstall := os.IsNotExist(statErr)

	if freshInstall && req.UpdateHashPath != "" {
		if _, err := os.Stat(req.UpdateHashPath); err == nil {
			notify(fmt.Sprintf("removing stray update hash %s", req.UpdateHashPath))
			if err := os.Remove(req.UpdateHashPath); err != nil {
				return Result{}, err
			}
		}
	}

	res, err := updateFromDistLoop(ctx, req, opts, notify)
	if err != nil && freshInstall {
		if rmErr := os.RemoveAll(req.Prefix); rmErr != nil {
			xlog.L().Warn("cleanup of failed fresh install left residue", "prefix", req.Prefix, "error", rmErr)
		}
	}
	return res, err
}

func updateFromDistLoop(ctx context.Context, req Request, opts Options, notify func(string)) (Result, error) {
	toolchain := req.Toolchain
	backtrack := toolchain.Channel == channel.Nightly && toolchain.Date == ""

	backtrackLimit := 0
	if backtrack {
		backtrackLimit = backtrackLimitFromEnv()
	}

	man, err := state.Open(req.Prefix, toolchain.Target)
	if err != nil {
		return Result{}, err
	}
	oldManifest, err := man.LoadManifest()
	if err != nil {
		return Result{}, err
	}

	firstManifest, err := channel.ParseDate(firstManifestDate)
	if err != nil {
		return Result{}, err
	}
	lastManifest := firstManifest
	if !req.AllowDowngrade && oldManifest != nil && oldManifest.Date != "" {
		if t, err := channel.ParseDate(oldManifest.Date); err == nil {
			lastManifest = t
		}
	}

	var firstErr error
	fetched := ""

	for {
		hash, status, err := tryUpdateFromDist(ctx, man, toolchain, req, opts, notify, &fetched)
		if err == nil {
			if status == state.StatusUnchanged {
				return Result{}, nil
			}
			return Result{Hash: hash, Changed: true}, nil
		}

		if !backtrack {
			return Result{}, err
		}

		var missing *errs.ToolchainComponentsMissing
		switch {
		case errors.As(err, &missing):
			notify(fmt.Sprintf("nightly %s is missing components %v; skipping", toolchain.String(), missing.Components))
			if firstErr == nil {
				firstErr = err
			}
			backtrackLimit--
		case isMissingRelease(err):
			// No manifest at all for this date; doesn't count against the
			// limit, and there is nothing to report as "skipped".
		default:
			return Result{}, err
		}

		if backtrackLimit == 0 {
			return Result{}, firstErr
		}

		dateStr := toolchain.Date
		if dateStr == "" {
			dateStr = fetched
		}
		cur, err := channel.ParseDate(dateStr)
		if err != nil {
			return Result{}, fmt.Errorf("malformed manifest date %q: %w", dateStr, err)
		}
		tryNext := cur.AddDate(0, 0, -1)

		if tryNext.Before(lastManifest) {
			if firstErr != nil {
				return Result{}, firstErr
			}
			// Every newer nightly is missing; there is nothing to update to.
			return Result{}, nil
		}

		toolchain.Date = tryNext.Format("2006-01-02")
	}
}

func backtrackLimitFromEnv() int {
	v := os.Getenv("TOOLCHAINCTL_BACKTRACK_LIMIT")
	if v == "" {
		return defaultBacktrackLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultBacktrackLimit
	}
	if n < 1 {
		return 1
	}
	return n
}

func isMissingRelease(err error) bool {
	var mr *MissingRelease
	return errors.As(err, &mr)
}

// tryUpdateFromDist performs a single attempt: fetch the v2 manifest at
// toolchain's current date, verify it, compute the desired component set,
// and delegate to the Manifestation's diff-and-update. A 404 on the v2
// manifest falls back to the legacy single-archive format.
func tryUpdateFromDist(ctx context.Context, man *state.Manifestation, toolchain channel.Desc, req Request, opts Options, notify func(string), fetched *string) (string, state.Status, error) {
	// Even if the manifest is unchanged, an explicit "add this component"
	// or "add this target" request must still be applied, so the
	// update-hash short-circuit only ever applies to a bare update.
	skipHashCheck := len(req.Components) > 0 || len(req.Targets) > 0

	url := opts.Server.ManifestURL(toolchain.Channel, toolchain.Date)
	notify(fmt.Sprintf("downloading manifest for %s", toolchain.String()))

	dm, err := opts.Server.Fetch(ctx, url)
	if err != nil {
		var dne *errs.DownloadNotExists
		if errors.As(err, &dne) {
			notify("v2 manifest not found; falling back to legacy format")
			return tryUpdateFromV1(ctx, man, toolchain, opts, notify)
		}
		return "", state.StatusUnchanged, err
	}

	if !skipHashCheck && req.UpdateHashPath != "" {
		if prev, err := os.ReadFile(req.UpdateHashPath); err == nil && string(prev) == dm.SHA256Hex {
			return "", state.StatusUnchanged, nil
		}
	}

	body, err := dist.Verify(dm, opts.Verifier)
	if err != nil {
		var cf *errs.ChecksumFailed
		if errors.As(err, &cf) {
			notify("manifest checksum mismatch; treating as unavailable for now")
			return "", state.StatusUnchanged, nil
		}
		return "", state.StatusUnchanged, err
	}

	m, err := manifest.Parse(body)
	if err != nil {
		return "", state.StatusUnchanged, err
	}
	notify(fmt.Sprintf("downloaded manifest for %s", m.Date))
	*fetched = m.Date

	components, err := desiredComponents(m, toolchain.Target, req)
	if err != nil {
		return "", state.StatusUnchanged, err
	}

	status, err := man.Update(ctx, m, state.Changes{ExplicitAddComponents: components}, state.UpdateOptions{
		Force:    req.Force,
		Cache:    opts.Cache,
		Notify:   func(n state.Notification) { notify(n.Message) },
		ToolName: toolchain.String(),
	})
	if err != nil {
		var unavailable *errs.RequestedComponentsUnavailable
		if errors.As(err, &unavailable) {
			return "", state.StatusUnchanged, &errs.ToolchainComponentsMissing{
				Components: unavailable.Components,
				Toolchain:  toolchain.String(),
			}
		}
		return "", state.StatusUnchanged, err
	}

	if req.UpdateHashPath != "" && status == state.StatusChanged {
		if err := os.WriteFile(req.UpdateHashPath, []byte(dm.SHA256Hex), 0644); err != nil {
			return "", state.StatusUnchanged, err
		}
	}

	return dm.SHA256Hex, status, nil
}

// desiredComponents computes: profile components ∪ explicit components
// (rename-normalized, wildcarded if the manifest offers them with no
// target) ∪ rust-std-<target> for each explicitly requested target.
func desiredComponents(m *manifest.Manifest, target triple.Triple, req Request) ([]manifest.Component, error) {
	var all []manifest.Component
	seen := map[string]bool{}
	add := func(c manifest.Component) {
		key := c.Name()
		if seen[key] {
			return
		}
		seen[key] = true
		all = append(all, c)
	}

	if req.Profile != "" {
		profileComponents, err := m.GetProfileComponents(req.Profile, target)
		if err != nil {
			return nil, err
		}
		for _, c := range profileComponents {
			add(c)
		}
	}

	rustPkg, ok := m.Packages["rust"]
	if !ok {
		return nil, fmt.Errorf(`manifest has no "rust" package`)
	}
	rustTarget, ok := rustPkg.ForTarget(target)
	if !ok {
		return nil, fmt.Errorf("no rust package for target %s", target)
	}

	for _, name := range req.Components {
		t := target
		c := manifest.Component{Pkg: name, Target: &t}
		if renamed, ok := m.RenameComponent(c); ok {
			c = renamed
		}
		for _, declared := range rustTarget.Components {
			if declared.Pkg == c.Pkg && declared.Target == nil {
				c.Target = nil
				break
			}
		}
		add(c)
	}

	for _, name := range req.Targets {
		t := triple.Parse(name)
		add(manifest.Component{Pkg: "rust-std", Target: &t})
	}

	return all, nil
}

// tryUpdateFromV1 implements the legacy pre-manifest install: for an
// explicit pinned version channel the archive name is synthesized
// directly; for stable/beta/nightly, a plain-text manifest listing one
// archive URL per platform is fetched and searched for this target.
func tryUpdateFromV1(ctx context.Context, man *state.Manifestation, toolchain channel.Desc, opts Options, notify func(string)) (string, state.Status, error) {
	switch toolchain.Channel {
	case channel.Stable, channel.Beta, channel.Nightly:
		manifestURL := opts.Server.LegacyManifestURL(toolchain.Channel, toolchain.Date)
		body, err := opts.Server.Get(ctx, manifestURL)
		if err != nil {
			var dne *errs.DownloadNotExists
			if errors.As(err, &dne) {
				return "", state.StatusUnchanged, &MissingRelease{Toolchain: toolchain.String()}
			}
			return "", state.StatusUnchanged, err
		}

		root := opts.Server.PackageDirURL(toolchain.Date)
		suffix := toolchain.Target.String() + ".tar.gz"
		var archiveURL string
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line == "" {
				continue
			}
			u := root + "/" + line
			if strings.Contains(u, suffix) {
				archiveURL = u
				break
			}
		}
		if archiveURL == "" {
			return "", state.StatusUnchanged, fmt.Errorf("binary package was not provided for %q", toolchain.Target)
		}
		return installV1Archive(ctx, man, archiveURL, opts, notify)

	default:
		// An explicit version number: v1 had no manifest for these, the
		// filename is simply known by convention.
		archiveURL := fmt.Sprintf("%s/rust-%s-%s.tar.gz", opts.Server.PackageDirURL(toolchain.Date), toolchain.Channel, toolchain.Target.String())
		return installV1Archive(ctx, man, archiveURL, opts, notify)
	}
}

func installV1Archive(ctx context.Context, man *state.Manifestation, archiveURL string, opts Options, notify func(string)) (string, state.Status, error) {
	body, err := opts.Server.Get(ctx, archiveURL)
	if err != nil {
		var dne *errs.DownloadNotExists
		if errors.As(err, &dne) {
			return "", state.StatusUnchanged, fmt.Errorf("could not download nonexistent rust version: %w", err)
		}
		return "", state.StatusUnchanged, err
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	status, err := man.InstallV1Archive(bytes.NewReader(body), func(n state.Notification) { notify(n.Message) })
	if err != nil {
		return "", state.StatusUnchanged, err
	}
	return hash, status, nil
}
