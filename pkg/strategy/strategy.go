// Package strategy classifies upstream paths into caching policies.
package strategy

import (
	"regexp"
	"strings"
	"time"

	"github.com/Sternrassler/gh-mirror/pkg/config"
)

// Policy labels.
const (
	LabelDynamic   = "dynamic"
	LabelVersioned = "versioned"
	LabelDefault   = "default"
)

// Policy describes how long a response may be cached and how its cache key
// is versioned.
type Policy struct {
	// EdgeTTL bounds shared caches (s-maxage) and the stored entry lifetime.
	EdgeTTL time.Duration

	// BrowserTTL bounds client caches (max-age).
	BrowserTTL time.Duration

	// UseETagValidation keys stored entries by the upstream ETag instead of
	// the calendar day.
	UseETagValidation bool

	Label string
}

// Branch-like refs that move often.
var dynamicMarkers = []string{"/latest/", "/nightly/", "/master/", "/main/"}

var versionedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/v?\d+\.\d+(\.\d+)?/`),
	regexp.MustCompile(`/tags?/`),
	regexp.MustCompile(`/releases/download/v?\d+`),
}

// Selector maps origin paths onto one of three policies. It holds no mutable
// state and is safe for concurrent use.
type Selector struct {
	dynamic   Policy
	versioned Policy
	fallback  Policy
}

// New builds a Selector with TTLs taken from cfg.
func New(cfg *config.Config) *Selector {
	return &Selector{
		dynamic: Policy{
			EdgeTTL:           cfg.Dynamic.Edge,
			BrowserTTL:        cfg.Dynamic.Browser,
			UseETagValidation: true,
			Label:             LabelDynamic,
		},
		versioned: Policy{
			EdgeTTL:    cfg.Versioned.Edge,
			BrowserTTL: cfg.Versioned.Browser,
			Label:      LabelVersioned,
		},
		fallback: Policy{
			EdgeTTL:           cfg.Fallback.Edge,
			BrowserTTL:        cfg.Fallback.Browser,
			UseETagValidation: true,
			Label:             LabelDefault,
		},
	}
}

// Select returns the policy for originPath. First match wins: dynamic,
// versioned, then default.
func (s *Selector) Select(originPath string) Policy {
	for _, m := range dynamicMarkers {
		if strings.Contains(originPath, m) {
			return s.dynamic
		}
	}
	for _, re := range versionedPatterns {
		if re.MatchString(originPath) {
			return s.versioned
		}
	}
	return s.fallback
}

// Policies returns the three policies in priority order.
func (s *Selector) Policies() []Policy {
	return []Policy{s.dynamic, s.versioned, s.fallback}
}
