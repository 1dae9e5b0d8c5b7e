// Package testutil provides a mock GitHub origin for mirror tests.
package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// OriginHostHeader carries the host a request was addressed to before the
// mock transport redirected it.
const OriginHostHeader = "X-Mock-Origin-Host"

// MockOriginResponse defines the behavior for a mock origin path.
type MockOriginResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is a request as seen by the mock origin.
type RecordedRequest struct {
	Method   string
	Host     string
	Path     string
	RawQuery string
	Header   http.Header
}

// MockOrigin is a configurable stand-in for GitHub content hosts.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	requests []RecordedRequest
}

// NewMockOrigin starts a mock origin.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Header.Get(OriginHostHeader)
		if host == "" {
			host = r.Host
		}
		r.Header.Del(OriginHostHeader)

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method:   r.Method,
			Host:     host,
			Path:     r.URL.EscapedPath(),
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
		})
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// Client returns an HTTP client that sends every request to the mock,
// whatever host it was addressed to. Redirects are followed.
func (m *MockOrigin) Client() *http.Client {
	target, _ := url.Parse(m.server.URL)
	return &http.Client{
		Transport: &rewriteTransport{target: target, base: m.server.Client().Transport},
	}
}

// Reset clears recorded requests.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockOrigin) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockOrigin) SetResponse(path string, resp MockOriginResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" && r.Method != http.MethodHead {
			w.Write([]byte(resp.Body))
		}
	})
}

// Requests returns a copy of all recorded requests.
func (m *MockOrigin) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockOrigin) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// CountMethod returns the number of requests with the given method.
func (m *MockOrigin) CountMethod(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent request with the given method.
func (m *MockOrigin) LastRequest(method string) (RecordedRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].Method == method {
			return m.requests[i], true
		}
	}
	return RecordedRequest{}, false
}

// defaultHandler serves a small text body for any path, with Range support.
func (m *MockOrigin) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("ETag", `W/"default-etag"`)
	body := "mock content for " + r.URL.Path
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader([]byte(body)))
}

// NewOKResponse creates a 200 OK response with an ETag.
func NewOKResponse(body, etag string) MockOriginResponse {
	headers := map[string]string{
		"Content-Type":   "application/octet-stream",
		"Content-Length": strconv.Itoa(len(body)),
	}
	if etag != "" {
		headers["ETag"] = etag
	}
	return MockOriginResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    headers,
	}
}

// NewNotFoundResponse creates a 404 response like GitHub's.
func NewNotFoundResponse() MockOriginResponse {
	return MockOriginResponse{
		StatusCode: http.StatusNotFound,
		Body:       "Not Found",
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockOriginResponse {
	return MockOriginResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "Internal Server Error",
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
	}
}

// NewRateLimitedResponse creates a 200 response carrying GitHub rate limit
// headers.
func NewRateLimitedResponse(body string, limit, remaining int, reset time.Time) MockOriginResponse {
	return MockOriginResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type":          "application/json; charset=utf-8",
			"X-RateLimit-Limit":     strconv.Itoa(limit),
			"X-RateLimit-Remaining": strconv.Itoa(remaining),
			"X-RateLimit-Reset":     strconv.FormatInt(reset.Unix(), 10),
		},
	}
}

// NewSequenceHandler replies with the given statuses in order and repeats
// the last one.
func NewSequenceHandler(statuses ...int) http.HandlerFunc {
	var mu sync.Mutex
	n := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		status := statuses[len(statuses)-1]
		if n < len(statuses) {
			status = statuses[n]
		}
		n++
		mu.Unlock()

		w.WriteHeader(status)
		w.Write([]byte(http.StatusText(status)))
	}
}

type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set(OriginHostHeader, req.URL.Host)
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	out.Host = t.target.Host
	return t.base.RoundTrip(out)
}
