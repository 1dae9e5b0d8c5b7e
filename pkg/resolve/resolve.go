// Package resolve maps inbound mirror paths onto upstream GitHub URLs.
//
// A path either names its content host in the first segment
// (/raw.githubusercontent.com/owner/repo/main/README.md) or is taken as an
// {owner}/{repo}/... path against the default host (/torvalds/linux/...).
package resolve

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for paths without any segment.
var ErrInvalidPath = errors.New("invalid path")

// Target is the upstream location a request resolves to.
type Target struct {
	// OriginHost is one of the configured content hosts.
	OriginHost string

	// OriginPath always starts with "/".
	OriginPath string

	// UpstreamURL is "https://" + OriginHost + OriginPath.
	UpstreamURL string
}

// Resolver resolves paths against a fixed content host allow-list.
type Resolver struct {
	hosts       map[string]string // lower-cased -> configured spelling
	defaultHost string
}

// New creates a Resolver. defaultHost must be one of hosts.
func New(hosts []string, defaultHost string) (*Resolver, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("resolve: no content hosts configured")
	}

	r := &Resolver{hosts: make(map[string]string, len(hosts))}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("resolve: empty content host")
		}
		r.hosts[strings.ToLower(h)] = h
	}

	canonical, ok := r.hosts[strings.ToLower(defaultHost)]
	if !ok {
		return nil, fmt.Errorf("resolve: default host %q is not a content host", defaultHost)
	}
	r.defaultHost = canonical

	return r, nil
}

// DefaultHost returns the host used for paths without a host segment.
func (r *Resolver) DefaultHost() string {
	return r.defaultHost
}

// Resolve turns an escaped request path into a Target.
func (r *Resolver) Resolve(path string) (Target, error) {
	trimmed := strings.TrimLeft(path, "/")
	if trimmed == "" {
		return Target{}, ErrInvalidPath
	}

	first, rest, _ := strings.Cut(trimmed, "/")
	if host, ok := r.hosts[strings.ToLower(first)]; ok {
		return newTarget(host, "/"+strings.TrimLeft(rest, "/")), nil
	}

	return newTarget(r.defaultHost, "/"+trimmed), nil
}

func newTarget(host, path string) Target {
	return Target{
		OriginHost:  host,
		OriginPath:  path,
		UpstreamURL: "https://" + host + path,
	}
}
