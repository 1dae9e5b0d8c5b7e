package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/gh-mirror/pkg/cache"
	"github.com/Sternrassler/gh-mirror/pkg/config"
	"github.com/Sternrassler/gh-mirror/pkg/logging"
	"github.com/Sternrassler/gh-mirror/pkg/metrics"
	"github.com/Sternrassler/gh-mirror/pkg/mirror"
	"github.com/Sternrassler/gh-mirror/pkg/ratelimit"
	"github.com/Sternrassler/gh-mirror/pkg/tasks"
	"github.com/Sternrassler/gh-mirror/pkg/upstream"
	"github.com/Sternrassler/gh-mirror/pkg/warmup"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// opsPrefix is not a valid GitHub owner name, so it cannot shadow a repository.
const opsPrefix = "/_mirror"

// sweepInterval is how often backends without native expiry are swept.
const sweepInterval = 10 * time.Minute

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getEnv("MIRROR_CONFIG", ""), "path to mirror.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.FromConfig(cfg.Log.Level, cfg.Log.Pretty))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Mirror stopped")
	}
}

// app wires the mirror components.
type app struct {
	cfg     config.Config
	store   cache.Backend
	tracker *ratelimit.Tracker
	runner  *tasks.Runner
	handler *mirror.Handler
	logger  zerolog.Logger
}

// newApp opens the cache backend and builds the request pipeline. client
// overrides the upstream HTTP client when non-nil.
func newApp(ctx context.Context, cfg config.Config, client *http.Client, logger zerolog.Logger) (*app, error) {
	store, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	runner := tasks.New(tasks.Config{
		Workers:   cfg.Tasks.Workers,
		QueueSize: cfg.Tasks.Queue,
		Timeout:   cfg.RequestTimeout,
	})

	// Share the rate limit view across instances when they share Redis.
	var redisClient *redis.Client
	if rs, ok := store.(*cache.RedisStore); ok {
		redisClient = rs.Client()
	}
	tracker := ratelimit.NewTracker(redisClient, logger.With().Str("component", "ratelimit").Logger())
	tracker.SetSubmitter(runner)

	upCfg := upstream.ConfigFrom(&cfg)
	upCfg.HTTPClient = client
	upCfg.RateLimit = tracker
	fetcher, err := upstream.New(upCfg)
	if err != nil {
		runner.Close(ctx)
		store.Close()
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	handler, err := mirror.New(mirror.Config{
		Settings:   &cfg,
		Store:      store,
		Fetcher:    fetcher,
		Tasks:      runner,
		HintClient: client,
	})
	if err != nil {
		runner.Close(ctx)
		store.Close()
		return nil, fmt.Errorf("create mirror: %w", err)
	}

	return &app{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		runner:  runner,
		handler: handler,
		logger:  logger,
	}, nil
}

// router mounts the ops endpoints under opsPrefix and the mirror everywhere
// else.
func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route(opsPrefix, func(r chi.Router) {
		r.Get("/health", healthHandler)
		r.Get("/ready", readyHandler(a.store))
		r.Get("/ratelimit", rateLimitHandler(a.tracker))
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	r.Handle("/", a.handler)
	r.Handle("/*", a.handler)
	return r
}

// sweep removes expired entries until ctx ends. Backends with native
// expiry are skipped.
func (a *app) sweep(ctx context.Context) {
	sweeper, ok := a.store.(cache.Sweeper)
	if !ok {
		return
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := sweeper.Sweep(ctx, now)
			if err != nil {
				a.logger.Warn().Err(err).Str("backend", a.store.Name()).Msg("Cache sweep failed")
				continue
			}
			if n > 0 {
				a.logger.Debug().Int("removed", n).Str("backend", a.store.Name()).Msg("Cache sweep")
			}
		}
	}
}

// warm fetches the configured paths through the listening server.
func (a *app) warm(ctx context.Context, addr string) {
	if len(a.cfg.Warmup.Paths) == 0 {
		return
	}

	base := a.cfg.Warmup.BaseURL
	if base == "" {
		base = "http://" + localAddr(addr)
	}

	w, err := warmup.New(warmup.Config{
		BaseURL:     base,
		Concurrency: a.cfg.Warmup.Concurrency,
		Timeout:     a.cfg.Warmup.Timeout,
		Encodings:   a.cfg.Warmup.Encodings,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Cache warm-up disabled")
		return
	}
	if _, err := w.Run(ctx, a.cfg.Warmup.Paths); err != nil {
		a.logger.Warn().Err(err).Msg("Cache warm-up incomplete")
	}
}

// close drains detached tasks before the store goes away.
func (a *app) close(ctx context.Context) error {
	return errors.Join(a.runner.Close(ctx), a.store.Close())
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	srv := &http.Server{
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		logger.Info().
			Str("addr", ln.Addr().String()).
			Str("backend", a.store.Name()).
			Str("default_host", cfg.DefaultHost).
			Msg("Mirror listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	go a.sweep(ctx)
	go a.warm(ctx, ln.Addr().String())

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return errors.Join(srv.Shutdown(shutdownCtx), a.close(shutdownCtx))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// pinger is satisfied by every cache backend.
type pinger interface {
	Ping(ctx context.Context) error
}

func readyHandler(p pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

func rateLimitHandler(t *ratelimit.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := t.GetState(r.Context())
		if err != nil {
			http.Error(w, "rate limit state unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(state)
	}
}

// localAddr turns a wildcard listen address into one that can be dialed.
func localAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
