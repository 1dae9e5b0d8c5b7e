package upstream

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		base time.Duration
		n    int
		want time.Duration
	}{
		{time.Second, 1, time.Second},
		{time.Second, 2, 2 * time.Second},
		{time.Second, 3, 3 * time.Second},
		{500 * time.Millisecond, 4, 2 * time.Second},
		{time.Second, 0, 0},
		{0, 2, 0},
	}

	for _, tt := range tests {
		if got := retryDelay(tt.base, tt.n); got != tt.want {
			t.Errorf("retryDelay(%v, %d) = %v, want %v", tt.base, tt.n, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
		err  error
		want Outcome
	}{
		{"200", &http.Response{StatusCode: 200}, nil, OutcomeOK},
		{"206", &http.Response{StatusCode: 206}, nil, OutcomeOK},
		{"304", &http.Response{StatusCode: 304}, nil, OutcomeOK},
		{"404", &http.Response{StatusCode: 404}, nil, OutcomeClientError},
		{"429", &http.Response{StatusCode: 429}, nil, OutcomeClientError},
		{"500", &http.Response{StatusCode: 500}, nil, OutcomeServerError},
		{"503", &http.Response{StatusCode: 503}, nil, OutcomeServerError},
		{"timeout", nil, ErrTimeout, OutcomeTimeout},
		{"transport", nil, errors.New("connection refused"), OutcomeTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.resp, tt.err); got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := map[Outcome]bool{
		OutcomeOK:          false,
		OutcomeClientError: false,
		OutcomeServerError: true,
		OutcomeTimeout:     true,
		OutcomeTransport:   true,
	}

	for o, want := range tests {
		if got := shouldRetry(o); got != want {
			t.Errorf("shouldRetry(%q) = %v, want %v", o, got, want)
		}
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleepContext() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleepContext() error = %v, want context.Canceled", err)
	}
}
