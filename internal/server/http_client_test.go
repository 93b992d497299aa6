package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/worker"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestUpstreamFetcherBuffersResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") == "x-drop-me" {
			t.Errorf("hop-by-hop header forwarded")
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer upstream.Close()

	req, err := worker.NewRequest("GET", upstream.URL+"/logo.png")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	req.Header.Set("Connection", "x-drop-me")

	resp, err := NewUpstreamFetcher(upstream.Client()).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("non-2xx responses must be returned, got %d", resp.Status)
	}
	if string(resp.Body) != "missing" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if resp.Header.Get("Keep-Alive") != "" {
		t.Fatalf("hop-by-hop response headers must be stripped")
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("end-to-end headers must be kept: %v", resp.Header)
	}
}

func TestUpstreamFetcherReportsNetworkErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	req, err := worker.NewRequest("GET", target+"/")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if _, err := NewUpstreamFetcher(nil).Fetch(context.Background(), req); err == nil {
		t.Fatalf("closed upstream should produce a network error")
	}
}
