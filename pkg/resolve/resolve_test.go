package resolve

import (
	"errors"
	"testing"
)

var testHosts = []string{
	"github.com",
	"raw.githubusercontent.com",
	"codeload.github.com",
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New(testHosts, "github.com")
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return r
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		hosts       []string
		defaultHost string
		wantErr     bool
	}{
		{"valid", testHosts, "github.com", false},
		{"default host case-insensitive", testHosts, "GitHub.com", false},
		{"no hosts", nil, "github.com", true},
		{"empty host", []string{"github.com", " "}, "github.com", true},
		{"default not in list", testHosts, "gitlab.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.hosts, tt.defaultHost)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name     string
		path     string
		wantHost string
		wantPath string
		wantURL  string
	}{
		{
			name:     "owner repo against default host",
			path:     "/torvalds/linux/archive/refs/tags/v6.6.tar.gz",
			wantHost: "github.com",
			wantPath: "/torvalds/linux/archive/refs/tags/v6.6.tar.gz",
			wantURL:  "https://github.com/torvalds/linux/archive/refs/tags/v6.6.tar.gz",
		},
		{
			name:     "explicit content host",
			path:     "/raw.githubusercontent.com/owner/repo/main/README.md",
			wantHost: "raw.githubusercontent.com",
			wantPath: "/owner/repo/main/README.md",
			wantURL:  "https://raw.githubusercontent.com/owner/repo/main/README.md",
		},
		{
			name:     "host segment matched case-insensitively",
			path:     "/CodeLoad.GitHub.com/owner/repo/tar.gz/v1.0.0",
			wantHost: "codeload.github.com",
			wantPath: "/owner/repo/tar.gz/v1.0.0",
			wantURL:  "https://codeload.github.com/owner/repo/tar.gz/v1.0.0",
		},
		{
			name:     "bare host maps to root",
			path:     "/github.com",
			wantHost: "github.com",
			wantPath: "/",
			wantURL:  "https://github.com/",
		},
		{
			name:     "bare host with trailing slash",
			path:     "/github.com/",
			wantHost: "github.com",
			wantPath: "/",
			wantURL:  "https://github.com/",
		},
		{
			name:     "single segment",
			path:     "/torvalds",
			wantHost: "github.com",
			wantPath: "/torvalds",
			wantURL:  "https://github.com/torvalds",
		},
		{
			name:     "leading slashes collapsed",
			path:     "//torvalds/linux",
			wantHost: "github.com",
			wantPath: "/torvalds/linux",
			wantURL:  "https://github.com/torvalds/linux",
		},
		{
			name:     "escaped characters kept",
			path:     "/owner/repo/blob/main/a%20b.txt",
			wantHost: "github.com",
			wantPath: "/owner/repo/blob/main/a%20b.txt",
			wantURL:  "https://github.com/owner/repo/blob/main/a%20b.txt",
		},
		{
			name:     "unknown host looking segment is a path",
			path:     "/example.com/file",
			wantHost: "github.com",
			wantPath: "/example.com/file",
			wantURL:  "https://github.com/example.com/file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.path)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.path, err)
			}
			if got.OriginHost != tt.wantHost {
				t.Errorf("OriginHost = %q, want %q", got.OriginHost, tt.wantHost)
			}
			if got.OriginPath != tt.wantPath {
				t.Errorf("OriginPath = %q, want %q", got.OriginPath, tt.wantPath)
			}
			if got.UpstreamURL != tt.wantURL {
				t.Errorf("UpstreamURL = %q, want %q", got.UpstreamURL, tt.wantURL)
			}
		})
	}
}

func TestResolve_Invalid(t *testing.T) {
	r := newTestResolver(t)

	for _, path := range []string{"", "/", "//", "///"} {
		t.Run(path, func(t *testing.T) {
			_, err := r.Resolve(path)
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("Resolve(%q) error = %v, want ErrInvalidPath", path, err)
			}
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	r := newTestResolver(t)
	path := "/owner/repo/releases/download/v1.2.3/asset.zip"

	first, _ := r.Resolve(path)
	for i := 0; i < 10; i++ {
		got, _ := r.Resolve(path)
		if got != first {
			t.Fatalf("Resolve() not deterministic: %+v != %+v", got, first)
		}
	}
}
