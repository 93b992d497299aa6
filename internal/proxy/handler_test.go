package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// origin 模拟站点源站，offline 时直接断开连接。
type origin struct {
	mu      sync.Mutex
	version string
	offline bool
	hits    map[string]int
	server  *httptest.Server
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{version: "v1", hits: map[string]int{}}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.server.Close)
	return o
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	offline, version := o.offline, o.version
	o.mu.Unlock()

	if offline {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		}
		return
	}
	switch {
	case r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	case r.URL.Path == "/missing.png":
		http.NotFound(w, r)
	case strings.HasSuffix(r.URL.Path, ".html") || r.URL.Path == "/":
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, version+":"+r.URL.Path)
	default:
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Add("X-Origin-Tag", "a")
		w.Header().Add("X-Origin-Tag", "b")
		_, _ = io.WriteString(w, version+":"+r.URL.Path)
	}
}

func (o *origin) setOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

func (o *origin) setVersion(version string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.version = version
}

func (o *origin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

type proxyFixture struct {
	app       *fiber.App
	origin    *origin
	forwarder *Forwarder
	cfg       *config.Config
}

func newProxyFixture(t *testing.T) *proxyFixture {
	t.Helper()
	up := newOrigin(t)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:   5000,
			StoragePath:  t.TempDir(),
			StoreBackend: cache.BackendFS,
			MaxRetries:   1,
		},
		Sites: []config.SiteConfig{{
			Name:        "portfolio",
			Domain:      "portfolio.local",
			Origin:      up.server.URL,
			Version:     "v1",
			OfflinePage: "/offline.html",
			Precache:    []string{"/", "/index.html", "/offline.html"},
		}},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	factory, err := cache.NewFactory(context.Background(), cache.Options{
		Backend:     cfg.Global.StoreBackend,
		StoragePath: cfg.Global.StoragePath,
	})
	if err != nil {
		t.Fatalf("factory error: %v", err)
	}
	t.Cleanup(func() { _ = factory.Close() })

	forwarder := NewForwarder(NewHandler(logger), logger)
	fetcher := server.NewUpstreamFetcher(server.NewUpstreamClient(cfg))
	if err := forwarder.Bootstrap(context.Background(), cfg, factory, fetcher); err != nil {
		t.Fatalf("bootstrap error: %v", err)
	}
	t.Cleanup(forwarder.Close)

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &proxyFixture{app: app, origin: up, forwarder: forwarder, cfg: cfg}
}

func (fx *proxyFixture) do(t *testing.T, method, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader("payload")
	}
	req := httptest.NewRequest(method, "http://portfolio.local"+path, body)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return resp, string(payload)
}

// listen 让 app 监听本地端口，用于需要原始请求行的场景。
func (fx *proxyFixture) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	go func() {
		_ = fx.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	t.Cleanup(func() { _ = fx.app.Shutdown() })
	return ln.Addr().String()
}

func (fx *proxyFixture) runtimeKeys(t *testing.T) []string {
	t.Helper()
	reg, ok := fx.forwarder.Registration("portfolio")
	if !ok {
		t.Fatalf("registration missing")
	}
	site := fx.cfg.Sites[0]
	_, runtime := worker.GenerationNames(site.Prefix(), site.Version)
	keys, err := reg.Store().Keys(context.Background(), runtime)
	if err != nil {
		t.Fatalf("runtime keys error: %v", err)
	}
	return keys
}

func expectHeader(t *testing.T, resp *http.Response, name, want string) {
	t.Helper()
	if got := resp.Header.Get(name); got != want {
		t.Fatalf("expected %s=%q, got %q", name, want, got)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func TestProxyServesPrecachedShellOffline(t *testing.T) {
	fx := newProxyFixture(t)
	if hits := fx.origin.count("/index.html"); hits != 1 {
		t.Fatalf("install should fetch the manifest once, got %d", hits)
	}

	fx.origin.setOffline(true)
	resp, body := fx.do(t, http.MethodGet, "/app.js", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	if body != "" {
		t.Fatalf("unavailable response should be empty, got %q", body)
	}
	expectHeader(t, resp, HeaderSource, string(worker.SourceUnavailable))

	resp, body = fx.do(t, http.MethodGet, "/about.html", http.Header{"Accept": {"text/html"}})
	expectStatus(t, resp, http.StatusOK)
	if body != "v1:/offline.html" {
		t.Fatalf("expected offline page, got %q", body)
	}
	expectHeader(t, resp, HeaderSource, string(worker.SourceOfflinePage))
	expectHeader(t, resp, HeaderStrategy, "network-first")
}

func TestProxyCacheFirstHitsNetworkOnce(t *testing.T) {
	fx := newProxyFixture(t)

	resp, body := fx.do(t, http.MethodGet, "/logo.png", nil)
	expectStatus(t, resp, http.StatusOK)
	if body != "v1:/logo.png" {
		t.Fatalf("unexpected body %q", body)
	}
	expectHeader(t, resp, HeaderSource, string(worker.SourceNetwork))
	if got := resp.Header.Values("X-Origin-Tag"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("repeated headers lost: %v", got)
	}

	resp, body = fx.do(t, http.MethodGet, "/logo.png", nil)
	expectStatus(t, resp, http.StatusOK)
	if body != "v1:/logo.png" {
		t.Fatalf("unexpected cached body %q", body)
	}
	expectHeader(t, resp, HeaderSource, string(worker.SourceCache))
	expectHeader(t, resp, HeaderStrategy, "cache-first")
	expectHeader(t, resp, HeaderVersion, "v1")
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("X-Request-ID header missing")
	}
	if hits := fx.origin.count("/logo.png"); hits != 1 {
		t.Fatalf("expected one origin hit, got %d", hits)
	}
}

func TestProxyDoesNotCacheNotFound(t *testing.T) {
	fx := newProxyFixture(t)

	for i := 0; i < 2; i++ {
		resp, _ := fx.do(t, http.MethodGet, "/missing.png", nil)
		expectStatus(t, resp, http.StatusNotFound)
		expectHeader(t, resp, HeaderSource, string(worker.SourceNetwork))
	}
	if hits := fx.origin.count("/missing.png"); hits != 2 {
		t.Fatalf("404 must not be cached, origin hits %d", hits)
	}
}

func TestProxyNetworkFirstFallsBackToLastResponse(t *testing.T) {
	fx := newProxyFixture(t)

	resp, body := fx.do(t, http.MethodGet, "/api/posts", nil)
	expectStatus(t, resp, http.StatusOK)
	expectHeader(t, resp, HeaderSource, string(worker.SourceNetwork))

	fx.origin.setOffline(true)
	resp, cached := fx.do(t, http.MethodGet, "/api/posts", nil)
	expectStatus(t, resp, http.StatusOK)
	if cached != body {
		t.Fatalf("fallback body mismatch: %q vs %q", cached, body)
	}
	expectHeader(t, resp, HeaderSource, string(worker.SourceFallback))
}

func TestProxyPassesThroughNonGet(t *testing.T) {
	fx := newProxyFixture(t)

	resp, body := fx.do(t, http.MethodPost, "/api/posts", nil)
	expectStatus(t, resp, http.StatusCreated)
	if body != "created" {
		t.Fatalf("unexpected body %q", body)
	}
	expectHeader(t, resp, HeaderSource, string(worker.SourcePassthrough))

	fx.origin.setOffline(true)
	resp, body = fx.do(t, http.MethodPost, "/api/posts", nil)
	expectStatus(t, resp, http.StatusBadGateway)

	var payload map[string]string
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload["error"] != "upstream_failed" {
		t.Fatalf("unexpected error code %q", payload["error"])
	}
}

func TestProxyPassesThroughAbsoluteFormToOtherHost(t *testing.T) {
	fx := newProxyFixture(t)

	var otherHits int
	var mu sync.Mutex
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		otherHits++
		mu.Unlock()
		_, _ = io.WriteString(w, "other:"+r.URL.Path)
	}))
	t.Cleanup(other.Close)

	addr := fx.listen(t)
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		if conn, err = net.Dial("tcp", addr); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "GET %s/admin HTTP/1.1\r\nHost: portfolio.local\r\nConnection: close\r\n\r\n", other.URL); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	expectStatus(t, resp, http.StatusOK)
	expectHeader(t, resp, HeaderSource, string(worker.SourcePassthrough))
	if string(body) != "other:/admin" {
		t.Fatalf("request should reach the requested host, got %q", body)
	}
	mu.Lock()
	hits := otherHits
	mu.Unlock()
	if hits != 1 {
		t.Fatalf("expected one hit on the requested host, got %d", hits)
	}
	if fx.origin.count("/admin") != 0 {
		t.Fatalf("site origin must not serve a cross-origin request")
	}
	if keys := fx.runtimeKeys(t); len(keys) != 0 {
		t.Fatalf("cross-origin response must not be cached, runtime keys %v", keys)
	}
}

func TestProxyReloadActivatesNewVersion(t *testing.T) {
	fx := newProxyFixture(t)
	reg, ok := fx.forwarder.Registration("portfolio")
	if !ok {
		t.Fatalf("registration missing")
	}

	fx.origin.setVersion("v2")
	next := *fx.cfg
	next.Sites = append([]config.SiteConfig(nil), fx.cfg.Sites...)
	next.Sites[0].Version = "v2"
	fx.forwarder.Reload(context.Background(), &next)

	if reg.Active() == nil || reg.Active().Version() != "v2" {
		t.Fatalf("expected v2 to be active")
	}
	names, err := reg.Store().Generations(context.Background())
	if err != nil {
		t.Fatalf("generations error: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"portfolio-precache-v2"}) {
		t.Fatalf("old generations should be purged, got %v", names)
	}

	resp, body := fx.do(t, http.MethodGet, "/index.html", nil)
	expectStatus(t, resp, http.StatusOK)
	if body != "v2:/index.html" {
		t.Fatalf("unexpected body %q", body)
	}
	expectHeader(t, resp, HeaderVersion, "v2")

	// 版本未变化时重载不会触发安装
	before := fx.origin.count("/offline.html")
	fx.forwarder.Reload(context.Background(), &next)
	if after := fx.origin.count("/offline.html"); after != before {
		t.Fatalf("reload without version change reinstalled: %d -> %d", before, after)
	}
}

func TestBootstrapKeepsSiteInPassthroughWhenInstallFails(t *testing.T) {
	up := newOrigin(t)
	up.setOffline(true)
	cfg := &config.Config{
		Global: config.GlobalConfig{StoragePath: t.TempDir(), MaxRetries: 1},
		Sites: []config.SiteConfig{{
			Name:     "portfolio",
			Domain:   "portfolio.local",
			Origin:   up.server.URL,
			Version:  "v1",
			Precache: []string{"/"},
		}},
	}
	factory, err := cache.NewFactory(context.Background(), cache.Options{StoragePath: cfg.Global.StoragePath})
	if err != nil {
		t.Fatalf("factory error: %v", err)
	}

	forwarder := NewForwarder(NewHandler(nil), nil)
	if err := forwarder.Bootstrap(context.Background(), cfg, factory, server.NewUpstreamFetcher(nil)); err != nil {
		t.Fatalf("bootstrap should tolerate install failure: %v", err)
	}
	t.Cleanup(forwarder.Close)

	reg, ok := forwarder.Registration("portfolio")
	if !ok {
		t.Fatalf("registration missing")
	}
	if reg.Active() != nil {
		t.Fatalf("failed install must not activate a worker")
	}
}

func TestBuildWorkerConfig(t *testing.T) {
	global := config.GlobalConfig{MaxRetries: 3, InitialBackoff: config.Duration(250 * time.Millisecond)}
	site := config.SiteConfig{
		Name:        "docs",
		Origin:      "https://docs.example.com",
		Version:     "2024-06",
		CachePrefix: "docs-shell",
		OfflinePage: "/offline.html",
		Precache:    []string{"/"},
	}

	cfg, err := BuildWorkerConfig(global, site)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}
	if cfg.PrecacheName != "docs-shell-precache-2024-06" || cfg.RuntimeName != "docs-shell-runtime-2024-06" {
		t.Fatalf("unexpected generation names %s / %s", cfg.PrecacheName, cfg.RuntimeName)
	}
	if cfg.Origin.Host != "docs.example.com" {
		t.Fatalf("unexpected origin host %s", cfg.Origin.Host)
	}
	if cfg.MaxRetries != 3 || cfg.InitialBackoff.String() != "250ms" {
		t.Fatalf("retry settings not mapped: %d / %s", cfg.MaxRetries, cfg.InitialBackoff)
	}
	if cfg.Classifier == nil {
		t.Fatalf("classifier missing")
	}
}
