// Package channel parses and canonicalizes toolchain channel names and
// descriptors: reserved names (stable, beta, nightly), numeric versions, and
// the optional date pin that turns a tracking channel into a fixed one.
package channel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/toolchainctl/toolchainctl/pkg/triple"
)

// Reserved channel names.
const (
	Stable  = "stable"
	Beta    = "beta"
	Nightly = "nightly"
)

func reserved(name string) bool {
	return name == Stable || name == Beta || name == Nightly
}

var numericRe = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?$`)

// Desc is a toolchain descriptor: a channel plus an optional date pin and a
// target triple.
type Desc struct {
	Channel string
	Date    string // "" if unpinned; YYYY-MM-DD otherwise
	Target  triple.Triple
}

// Tracking reports whether d refers to a moving target: its channel is a
// reserved name, or a numeric channel without a patch component, and no date
// is pinned.
func (d Desc) Tracking() bool {
	if d.Date != "" {
		return false
	}
	if reserved(d.Channel) {
		return true
	}
	m := numericRe.FindStringSubmatch(d.Channel)
	return m != nil && m[3] == ""
}

// String renders d the way it would appear in a toolchain name, e.g.
// "nightly-2020-01-01-x86_64-unknown-linux-gnu".
func (d Desc) String() string {
	s := d.Channel
	if d.Date != "" {
		s += "-" + d.Date
	}
	if t := d.Target.String(); t != "" {
		s += "-" + t
	}
	return s
}

// CanonicalizeChannel canonicalizes a two-component numeric channel below
// 1.9 to its three-component form (e.g. "1.0" -> "1.0.0"), per the historical
// exception that versions prior to 1.9 always had a zero patch release.
// Channels >= 1.9 and all non-numeric channels are returned unchanged.
func CanonicalizeChannel(ch string) string {
	m := numericRe.FindStringSubmatch(ch)
	if m == nil || m[3] != "" {
		return ch
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	if major == 1 && minor < 9 {
		return fmt.Sprintf("%d.%d.0", major, minor)
	}
	return ch
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ParseDate validates and parses a YYYY-MM-DD date string.
func ParseDate(s string) (time.Time, error) {
	if !dateRe.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
	}
	return time.Parse("2006-01-02", s)
}

// Parse splits a toolchain name such as "nightly-2020-01-01-x86_64-unknown-linux-gnu"
// or "stable-x86_64-apple-darwin" or "1.45.0" into a Desc. The channel is
// canonicalized via CanonicalizeChannel. An optional date is recognized as
// the three dash-separated components after the channel when they form
// YYYY-MM-DD; the target triple itself is returned partial (unresolved
// against any host).
func Parse(name string) (Desc, error) {
	if name == "" {
		return Desc{}, fmt.Errorf("empty toolchain name")
	}
	parts := strings.Split(name, "-")
	channel := parts[0]
	rest := parts[1:]

	// Reserved channels may be followed by "nightly-2020-01-01-..." style
	// dates; numeric channels are never date-pinned in the same breath as
	// being followed by further dashes that look like a date, but we still
	// check defensively.
	date := ""
	if len(rest) >= 3 {
		maybeDate := strings.Join(rest[:3], "-")
		if dateRe.MatchString(maybeDate) {
			date = maybeDate
			rest = rest[3:]
		}
	}

	if !reserved(channel) && numericRe.FindString(channel) == "" {
		return Desc{}, fmt.Errorf("invalid toolchain channel %q", channel)
	}

	target := triple.Parse(strings.Join(rest, "-"))

	return Desc{
		Channel: CanonicalizeChannel(channel),
		Date:    date,
		Target:  target,
	}, nil
}
