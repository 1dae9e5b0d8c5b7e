package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// sequenceServer replies with statuses in order, repeating the last one.
func sequenceServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		_, _ = io.WriteString(w, http.StatusText(statuses[n]))
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

// newTestFetcher returns a fetcher whose sleeps are recorded instead of waited.
func newTestFetcher(t *testing.T, cfg Config) (*Fetcher, *[]time.Duration) {
	t.Helper()

	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	delays := &[]time.Duration{}
	f.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return f, delays
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, false},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"negative delay", func(c *Config) { c.RetryDelay = -time.Second }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFetch_Sequences(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int
		wantStatus int
		wantCalls  int32
		wantDelays []time.Duration
	}{
		{
			name:       "success first try",
			statuses:   []int{200},
			wantStatus: 200,
			wantCalls:  1,
		},
		{
			name:       "recovers after two server errors",
			statuses:   []int{500, 500, 200},
			wantStatus: 200,
			wantCalls:  3,
			wantDelays: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:       "all server errors pass through last response",
			statuses:   []int{500, 502, 503},
			wantStatus: 503,
			wantCalls:  3,
			wantDelays: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:       "client error is not retried",
			statuses:   []int{404},
			wantStatus: 404,
			wantCalls:  1,
		},
		{
			name:       "not modified is returned",
			statuses:   []int{304},
			wantStatus: 304,
			wantCalls:  1,
		},
		{
			name:       "client error after server error",
			statuses:   []int{500, 403},
			wantStatus: 403,
			wantCalls:  2,
			wantDelays: []time.Duration{time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := sequenceServer(t, tt.statuses...)
			f, delays := newTestFetcher(t, DefaultConfig())

			resp, err := f.Fetch(context.Background(), http.MethodGet, srv.URL+"/owner/repo", nil)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if len(*delays) != len(tt.wantDelays) {
				t.Fatalf("delays = %v, want %v", *delays, tt.wantDelays)
			}
			for i := range tt.wantDelays {
				if (*delays)[i] != tt.wantDelays[i] {
					t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], tt.wantDelays[i])
				}
			}
		})
	}
}

func TestFetch_PassedThroughServerErrorBodyReadable(t *testing.T) {
	srv, _ := sequenceServer(t, 500)
	f, _ := newTestFetcher(t, DefaultConfig())

	resp, err := f.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != http.StatusText(500) {
		t.Errorf("body = %q, want %q", body, http.StatusText(500))
	}
}

func TestFetch_TimeoutEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	f, delays := newTestFetcher(t, cfg)

	resp, err := f.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if err == nil {
		resp.Body.Close()
		t.Fatal("Fetch() should fail when every attempt times out")
	}

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error %T is not *FetchError", err)
	}
	if fe.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", fe.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if len(*delays) != 2 {
		t.Errorf("delays = %v, want 2 entries", *delays)
	}
}

func TestFetch_TimeoutDoesNotCoverBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = io.WriteString(w, "slow body")
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	f, _ := newTestFetcher(t, cfg)

	resp, err := f.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "slow body" {
		t.Errorf("body = %q, want slow body", body)
	}
}

func TestFetch_TransportErrorExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f, delays := newTestFetcher(t, DefaultConfig())

	_, err := f.Fetch(context.Background(), http.MethodGet, url, nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("connection refused should not be reported as timeout: %v", err)
	}
	if len(*delays) != 2 {
		t.Errorf("delays = %v, want 2 entries", *delays)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv, calls := sequenceServer(t, 500)

	f, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err = f.Fetch(ctx, http.MethodGet, srv.URL, nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want ErrContextCancelled", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestFetch_ForwardsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, DefaultConfig())

	h := http.Header{}
	h.Set("Range", "bytes=0-99")
	h.Set("Accept-Encoding", "br")
	resp, err := f.Fetch(context.Background(), http.MethodGet, srv.URL, h)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	resp.Body.Close()

	if got.Get("Range") != "bytes=0-99" {
		t.Errorf("Range = %q", got.Get("Range"))
	}
	if got.Get("Accept-Encoding") != "br" {
		t.Errorf("Accept-Encoding = %q", got.Get("Accept-Encoding"))
	}
	if got.Get("User-Agent") != "gh-mirror/1.0" {
		t.Errorf("User-Agent = %q, want default", got.Get("User-Agent"))
	}
	if h.Get("User-Agent") != "" {
		t.Error("Fetch() mutated the caller's header")
	}
}

func TestFetch_KeepsClientUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, DefaultConfig())
	resp, err := f.Fetch(context.Background(), http.MethodGet, srv.URL, http.Header{"User-Agent": []string{"curl/8.0"}})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	resp.Body.Close()

	if ua != "curl/8.0" {
		t.Errorf("User-Agent = %q, want curl/8.0", ua)
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls int
}

func (o *recordingObserver) Observe(context.Context, http.Header) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return errors.New("ignored")
}

func TestFetch_ObservesEveryResponse(t *testing.T) {
	srv, _ := sequenceServer(t, 502, 200)
	obs := &recordingObserver{}

	cfg := DefaultConfig()
	cfg.RateLimit = obs
	f, _ := newTestFetcher(t, cfg)

	resp, err := f.Fetch(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	resp.Body.Close()

	if obs.calls != 2 {
		t.Errorf("observer calls = %d, want 2", obs.calls)
	}
}

func TestFetch_FollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/archive" {
			http.Redirect(w, r, "/codeload", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "archive bytes")
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, DefaultConfig())
	resp, err := f.Fetch(context.Background(), http.MethodGet, srv.URL+"/archive", nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
