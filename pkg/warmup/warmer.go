package warmup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var warmupRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mirror_warmup_requests_total",
	Help: "Total warm-up fetches by result",
}, []string{"result"})

// Config holds warmer configuration.
type Config struct {
	// BaseURL is the mirror address, e.g. "http://localhost:8080".
	BaseURL string

	// Concurrency is the number of parallel requests.
	Concurrency int

	// Timeout bounds each request including its body.
	Timeout time.Duration

	// Encodings are sent as Accept-Encoding, one request per path and
	// value. "" is sent as identity so the transport adds no gzip of its
	// own. Nil means br, gzip and identity.
	Encodings []string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// DefaultConfig returns 4 workers with a 60s timeout per request.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Timeout:     60 * time.Second,
		Encodings:   []string{"br", "gzip", ""},
	}
}

// Result is the outcome for a single path and encoding.
type Result struct {
	Path        string
	Encoding    string
	Status      int
	CacheStatus string
	Bytes       int64
	Err         error
}

// OK reports whether the mirror answered without an error status.
func (r Result) OK() bool {
	return r.Err == nil && r.Status > 0 && r.Status < http.StatusBadRequest
}

// Summary aggregates a run.
type Summary struct {
	Results  []Result
	OK       int
	Failed   int
	Duration time.Duration
}

// Warmer fetches paths through the mirror.
type Warmer struct {
	config Config
	client *http.Client
	logger zerolog.Logger
}

// New creates a Warmer. Non-positive Concurrency and Timeout fall back to
// defaults.
func New(cfg Config) (*Warmer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("warmup: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.Encodings) == 0 {
		cfg.Encodings = def.Encodings
	}

	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	return &Warmer{
		config: cfg,
		client: client,
		logger: log.With().Str("component", "warmup").Logger(),
	}, nil
}

// job is one path fetched with one Accept-Encoding value.
type job struct {
	path     string
	encoding string
}

// Run fetches every path once per configured encoding and waits for all
// workers. Results are ordered by path, then encoding. The error is non-nil
// when at least one request failed.
func (w *Warmer) Run(ctx context.Context, paths []string) (Summary, error) {
	start := time.Now()
	jobs := make([]job, 0, len(paths)*len(w.config.Encodings))
	for _, p := range paths {
		for _, enc := range w.config.Encodings {
			jobs = append(jobs, job{path: p, encoding: enc})
		}
	}
	summary := Summary{Results: make([]Result, len(jobs))}
	if len(jobs) == 0 {
		return summary, nil
	}

	w.logger.Info().
		Int("paths", len(paths)).
		Strs("encodings", w.config.Encodings).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting cache warm-up")

	queue := make(chan int, len(jobs))
	for i := range jobs {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	workers := min(w.config.Concurrency, len(jobs))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go w.worker(ctx, i, jobs, queue, summary.Results, &wg)
	}
	wg.Wait()

	for _, r := range summary.Results {
		if r.OK() {
			summary.OK++
		} else {
			summary.Failed++
		}
	}
	summary.Duration = time.Since(start)

	w.logger.Info().
		Int("ok", summary.OK).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("Cache warm-up complete")

	if summary.Failed > 0 {
		return summary, fmt.Errorf("warmup: %d of %d requests failed", summary.Failed, len(jobs))
	}
	return summary, nil
}

// worker writes each result into its own slot of results.
func (w *Warmer) worker(ctx context.Context, id int, jobs []job, queue <-chan int, results []Result, wg *sync.WaitGroup) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		if ctx.Err() != nil {
			results[i] = Result{Path: jobs[i].path, Encoding: jobs[i].encoding, Err: ctx.Err()}
			warmupRequestsTotal.WithLabelValues("error").Inc()
			continue
		}

		r := w.fetch(ctx, jobs[i])
		results[i] = r
		processed++

		if r.OK() {
			warmupRequestsTotal.WithLabelValues("ok").Inc()
			w.logger.Debug().
				Str("path", r.Path).
				Str("encoding", r.Encoding).
				Int("status", r.Status).
				Str("cache_status", r.CacheStatus).
				Msg("Warmed path")
		} else {
			warmupRequestsTotal.WithLabelValues("error").Inc()
			w.logger.Warn().Err(r.Err).
				Str("path", r.Path).
				Str("encoding", r.Encoding).
				Int("status", r.Status).
				Msg("Warm-up fetch failed")
		}
	}

	if processed > 0 {
		w.logger.Debug().
			Int("worker_id", id).
			Int("requests_processed", processed).
			Msg("Worker completed")
	}
}

func (w *Warmer) fetch(ctx context.Context, j job) Result {
	path := j.path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	res := Result{Path: path, Encoding: j.encoding}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.config.BaseURL+path, nil)
	if err != nil {
		res.Err = fmt.Errorf("create request: %w", err)
		return res
	}
	// An explicit header keeps the transport from adding gzip.
	acceptEncoding := j.encoding
	if acceptEncoding == "" {
		acceptEncoding = "identity"
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := w.client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	res.Status = resp.StatusCode
	res.CacheStatus = resp.Header.Get("X-Cache-Status")
	res.Bytes, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		res.Err = fmt.Errorf("read body: %w", err)
	}
	return res
}
