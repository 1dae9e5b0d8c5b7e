package testutil

import (
	"io"
	"net/http"
	"testing"
)

func TestMockOrigin_ClientRewritesHost(t *testing.T) {
	m := NewMockOrigin()
	defer m.Close()

	resp, err := m.Client().Get("https://github.com/torvalds/linux?x=1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "mock content for /torvalds/linux" {
		t.Errorf("body = %q", body)
	}

	req, ok := m.LastRequest(http.MethodGet)
	if !ok {
		t.Fatal("no GET recorded")
	}
	if req.Host != "github.com" || req.Path != "/torvalds/linux" || req.RawQuery != "x=1" {
		t.Errorf("recorded = %+v", req)
	}
	if req.Header.Get(OriginHostHeader) != "" {
		t.Error("routing header leaked into recorded headers")
	}
}

func TestMockOrigin_SetResponse(t *testing.T) {
	m := NewMockOrigin()
	defer m.Close()
	m.SetResponse("/missing", NewNotFoundResponse())

	resp, err := m.Client().Get("https://github.com/missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if m.GetRequestCount() != 1 || m.CountMethod(http.MethodGet) != 1 {
		t.Errorf("counts = %d/%d, want 1/1", m.GetRequestCount(), m.CountMethod(http.MethodGet))
	}

	m.Reset()
	if m.GetRequestCount() != 0 {
		t.Error("Reset() did not clear requests")
	}
}

func TestMockOrigin_DefaultHandlerRange(t *testing.T) {
	m := NewMockOrigin()
	defer m.Close()

	req, _ := http.NewRequest(http.MethodGet, "https://github.com/abc", nil)
	req.Header.Set("Range", "bytes=0-3")
	resp, err := m.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent || string(body) != "mock" {
		t.Errorf("got %d %q, want 206 \"mock\"", resp.StatusCode, body)
	}
}

func TestNewSequenceHandler(t *testing.T) {
	m := NewMockOrigin()
	defer m.Close()
	m.SetHandler("/seq", NewSequenceHandler(500, 200))

	want := []int{500, 200, 200}
	for i, w := range want {
		resp, err := m.Client().Get("https://github.com/seq")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != w {
			t.Errorf("call %d status = %d, want %d", i, resp.StatusCode, w)
		}
	}
}
