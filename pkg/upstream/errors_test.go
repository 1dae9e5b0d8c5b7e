package upstream

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFetchError_Error(t *testing.T) {
	err := &FetchError{
		URL:      "https://github.com/owner/repo",
		Attempts: 3,
		Err:      fmt.Errorf("%w: %w", ErrRetryExhausted, ErrTimeout),
	}

	msg := err.Error()
	for _, want := range []string{"https://github.com/owner/repo", "3 attempt", "retry attempts exhausted", "upstream timeout"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	var err error = &FetchError{Err: fmt.Errorf("%w: %w", ErrRetryExhausted, ErrTimeout)}

	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("errors.Is(err, ErrRetryExhausted) = false")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false")
	}

	var fe *FetchError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &fe) {
		t.Error("errors.As should find *FetchError")
	}
}
