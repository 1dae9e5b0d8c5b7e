// Package config holds the immutable runtime configuration of the mirror.
//
// A Config is built once at process start (defaults, optional YAML file,
// environment overrides) and passed into every component. Nothing in the
// request path reads ambient globals.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendLevelDB = "leveldb"
)

// DefaultContentHosts are the upstream hosts that may appear as the first
// path segment of an inbound request.
var DefaultContentHosts = []string{
	"github.com",
	"raw.githubusercontent.com",
	"gist.github.com",
	"gist.githubusercontent.com",
	"codeload.github.com",
	"objects.githubusercontent.com",
	"release-assets.githubusercontent.com",
	"api.github.com",
}

// PolicyTTL carries the two TTLs of a cache policy.
type PolicyTTL struct {
	Edge    time.Duration `yaml:"edge"`
	Browser time.Duration `yaml:"browser"`
}

// Config holds the mirror configuration.
type Config struct {
	// Listen is the server listen address (e.g. ":8080").
	Listen string `yaml:"listen"`

	// ContentHosts is the allow-list of upstream hosts.
	ContentHosts []string `yaml:"content_hosts"`

	// DefaultHost is used when the first path segment is not a content host.
	DefaultHost string `yaml:"default_host"`

	// Policies
	Dynamic   PolicyTTL `yaml:"dynamic"`
	Versioned PolicyTTL `yaml:"versioned"`
	Fallback  PolicyTTL `yaml:"default"`

	// StaleWhileRevalidate is advertised in every Cache-Control header.
	StaleWhileRevalidate time.Duration `yaml:"stale_while_revalidate"`

	// Upstream
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UserAgent      string        `yaml:"user_agent"`

	// Edge toggles
	Compression bool `yaml:"compression"`
	EarlyHints  bool `yaml:"early_hints"`

	// FallbackMirrors is reserved. It is validated but no code path consults it.
	FallbackMirrors []string `yaml:"fallback_mirrors"`

	Cache  CacheConfig  `yaml:"cache"`
	Tasks  TasksConfig  `yaml:"tasks"`
	Log    LogConfig    `yaml:"log"`
	Warmup WarmupConfig `yaml:"warmup"`
}

// CacheConfig selects and configures the cache store.
type CacheConfig struct {
	Backend       string `yaml:"backend"`
	RedisURL      string `yaml:"redis_url"`
	LevelDBPath   string `yaml:"leveldb_path"`
	MaxEntryBytes int64  `yaml:"max_entry_bytes"`
}

// TasksConfig sizes the detached task runner.
type TasksConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// WarmupConfig lists paths fetched through the mirror at startup.
type WarmupConfig struct {
	// BaseURL is the address warm-up requests are sent to. Empty means the
	// local listen address.
	BaseURL     string        `yaml:"base_url"`
	Paths       []string      `yaml:"paths"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`

	// Encodings are the Accept-Encoding values each path is fetched with.
	// Every value fills its own cache entry. "" and "identity" both mean
	// uncompressed.
	Encodings []string `yaml:"encodings"`
}

// DefaultWarmupEncodings cover the three cache key variants.
var DefaultWarmupEncodings = []string{"br", "gzip", ""}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:       ":8080",
		ContentHosts: append([]string(nil), DefaultContentHosts...),
		DefaultHost:  "github.com",
		Dynamic: PolicyTTL{
			Edge:    1 * time.Hour,
			Browser: 5 * time.Minute,
		},
		Versioned: PolicyTTL{
			Edge:    30 * 24 * time.Hour,
			Browser: 24 * time.Hour,
		},
		Fallback: PolicyTTL{
			Edge:    24 * time.Hour,
			Browser: 1 * time.Hour,
		},
		StaleWhileRevalidate: 24 * time.Hour,
		MaxRetries:           2,
		RetryDelay:           1 * time.Second,
		RequestTimeout:       30 * time.Second,
		UserAgent:            "gh-mirror/1.0",
		Compression:          true,
		EarlyHints:           true,
		Cache: CacheConfig{
			Backend:       BackendMemory,
			RedisURL:      "redis://localhost:6379/0",
			LevelDBPath:   "./data/leveldb",
			MaxEntryBytes: 64 << 20,
		},
		Tasks: TasksConfig{
			Workers: 4,
			Queue:   256,
		},
		Log: LogConfig{
			Level: "info",
		},
		Warmup: WarmupConfig{
			Concurrency: 4,
			Timeout:     60 * time.Second,
			Encodings:   append([]string(nil), DefaultWarmupEncodings...),
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path and
// MIRROR_* environment variables, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from the environment. lookup is os.LookupEnv in
// production.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("MIRROR_LISTEN", &c.Listen)
	str("MIRROR_DEFAULT_HOST", &c.DefaultHost)
	str("MIRROR_USER_AGENT", &c.UserAgent)
	str("MIRROR_CACHE_BACKEND", &c.Cache.Backend)
	str("MIRROR_REDIS_URL", &c.Cache.RedisURL)
	str("MIRROR_LEVELDB_PATH", &c.Cache.LevelDBPath)
	str("MIRROR_LOG_LEVEL", &c.Log.Level)
	str("MIRROR_WARMUP_BASE_URL", &c.Warmup.BaseURL)
	if v, ok := lookup("MIRROR_CONTENT_HOSTS"); ok && v != "" {
		c.ContentHosts = splitList(v)
	}
	if v, ok := lookup("MIRROR_WARMUP_ENCODINGS"); ok && v != "" {
		c.Warmup.Encodings = splitList(v)
	}

	return errors.Join(
		integer("MIRROR_MAX_RETRIES", &c.MaxRetries),
		dur("MIRROR_RETRY_DELAY", &c.RetryDelay),
		dur("MIRROR_REQUEST_TIMEOUT", &c.RequestTimeout),
		boolean("MIRROR_COMPRESSION", &c.Compression),
		boolean("MIRROR_EARLY_HINTS", &c.EarlyHints),
		boolean("MIRROR_LOG_PRETTY", &c.Log.Pretty),
		integer("MIRROR_TASK_WORKERS", &c.Tasks.Workers),
	)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.ContentHosts) == 0 {
		return fmt.Errorf("content_hosts must not be empty")
	}
	for _, h := range c.ContentHosts {
		if !govalidator.IsDNSName(h) {
			return fmt.Errorf("content_hosts: %q is not a valid host name", h)
		}
	}
	if !govalidator.IsDNSName(c.DefaultHost) {
		return fmt.Errorf("default_host: %q is not a valid host name", c.DefaultHost)
	}
	if !c.IsContentHost(c.DefaultHost) {
		return fmt.Errorf("default_host %q must be one of content_hosts", c.DefaultHost)
	}
	for _, m := range c.FallbackMirrors {
		if !govalidator.IsURL(m) {
			return fmt.Errorf("fallback_mirrors: %q is not a valid URL", m)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be >= 0 (got %s)", c.RetryDelay)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0 (got %s)", c.RequestTimeout)
	}
	for name, p := range map[string]PolicyTTL{"dynamic": c.Dynamic, "versioned": c.Versioned, "default": c.Fallback} {
		if p.Edge <= 0 || p.Browser <= 0 {
			return fmt.Errorf("%s policy TTLs must be > 0", name)
		}
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendRedis, BackendLevelDB:
	default:
		return fmt.Errorf("cache.backend: unsupported backend %q", c.Cache.Backend)
	}
	if c.Cache.MaxEntryBytes <= 0 {
		return fmt.Errorf("cache.max_entry_bytes must be > 0")
	}
	if c.Warmup.BaseURL != "" && !govalidator.IsURL(c.Warmup.BaseURL) {
		return fmt.Errorf("warmup.base_url: %q is not a valid URL", c.Warmup.BaseURL)
	}
	if c.Tasks.Workers <= 0 || c.Tasks.Queue <= 0 {
		return fmt.Errorf("tasks.workers and tasks.queue must be > 0")
	}
	return nil
}

// IsContentHost reports whether host is in the allow-list (case-insensitive).
func (c *Config) IsContentHost(host string) bool {
	for _, h := range c.ContentHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
