package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/rules"
)

const testOrigin = "https://portfolio.example.com"

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeNetwork 按路径返回预设响应，记录每个路径的抓取次数。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	failing   map[string]bool
	offline   bool
	calls     map[string]int
	// gate 非空时，抓取会阻塞直到 gate 被关闭。
	gate chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: map[string]*cache.Response{},
		failing:   map[string]bool{},
		calls:     map[string]int{},
	}
}

func (n *fakeNetwork) serve(path string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[path] = &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func (n *fakeNetwork) fail(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[path] = true
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) block() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gate = make(chan struct{})
	return n.gate
}

func (n *fakeNetwork) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	sum := 0
	for _, c := range n.calls {
		sum += c
	}
	return sum
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Path]++
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline || n.failing[req.URL.Path] {
		return nil, errOffline
	}
	resp, ok := n.responses[req.URL.Path]
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return resp.Clone(), nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir(), "portfolio")
	require.NoError(t, err)
	return store
}

func testConfig(version string, manifest ...string) Config {
	origin, _ := url.Parse(testOrigin)
	precache, runtime := GenerationNames("portfolio", version)
	return Config{
		Site:           "portfolio",
		Version:        version,
		Origin:         origin,
		PrecacheName:   precache,
		RuntimeName:    runtime,
		Manifest:       manifest,
		OfflinePage:    "/offline.html",
		Classifier:     rules.Default(),
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		RefreshTimeout: time.Second,
	}
}

func newActivatedWorker(t *testing.T, store cache.Store, network *fakeNetwork, cfg Config) *Worker {
	t.Helper()
	w, err := New(cfg, store, network, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Install(context.Background()))
	_, err = w.Activate(context.Background())
	require.NoError(t, err)
	return w
}

func get(t *testing.T, path string) *Request {
	t.Helper()
	req, err := NewRequest(http.MethodGet, testOrigin+path)
	require.NoError(t, err)
	return req
}
