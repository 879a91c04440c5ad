package triple

import (
	"runtime"
	"testing"
)

func TestParse(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Triple
	}{
		{"x86_64-unknown-linux-gnu", Triple{Arch: "x86_64", OS: "unknown-linux", Env: "gnu"}},
		{"aarch64-apple-darwin", Triple{Arch: "aarch64", OS: "apple-darwin"}},
		{"x86_64-pc-windows-msvc", Triple{Arch: "x86_64", OS: "pc-windows", Env: "msvc"}},
		{"amd64", Triple{Arch: "amd64"}},
		{"", Triple{}},
	} {
		if got := Parse(tt.in); got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	host := Triple{Arch: "x86_64", OS: "unknown-linux", Env: "gnu"}

	// Fully partial: everything defaults from host.
	if got, want := Resolve(Triple{}, host), host; got != want {
		t.Errorf("Resolve(partial) = %+v, want %+v", got, want)
	}

	// Specifying OS suppresses default-from-host for Env.
	got := Resolve(Triple{OS: "apple-darwin"}, host)
	want := Triple{Arch: "x86_64", OS: "apple-darwin", Env: ""}
	if got != want {
		t.Errorf("Resolve(os-only) = %+v, want %+v", got, want)
	}
}

func TestString(t *testing.T) {
	tr := Triple{Arch: "x86_64", OS: "unknown-linux", Env: "gnu"}
	if got, want := tr.String(), "x86_64-unknown-linux-gnu"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestHostMatchesRunningPlatform(t *testing.T) {
	got := Host()
	if runtime.GOOS == "linux" && runtime.GOARCH == "amd64" {
		want := Triple{Arch: "x86_64", OS: "unknown-linux", Env: "gnu"}
		if got != want {
			t.Errorf("Host() = %+v, want %+v", got, want)
		}
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		want := Triple{Arch: "aarch64", OS: "apple-darwin"}
		if got != want {
			t.Errorf("Host() = %+v, want %+v", got, want)
		}
	}
}
