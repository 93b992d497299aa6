package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/rules"
)

func TestCacheFirstFetchesOnceThenServesFromCache(t *testing.T) {
	network := newFakeNetwork()
	w := newActivatedWorker(t, testStore(t), network, testConfig("v1"))
	ctx := context.Background()

	for _, ext := range rules.DefaultCacheFirstExtensions {
		path := "/assets/file." + ext
		network.serve(path, http.StatusOK, "body-"+ext)

		first, err := w.Intercept(ctx, get(t, path))
		require.NoError(t, err)
		assert.Equal(t, rules.StrategyCacheFirst, first.Strategy, path)
		assert.Equal(t, SourceNetwork, first.Source, path)
		assert.Equal(t, 1, network.count(path), path)

		second, err := w.Intercept(ctx, get(t, path))
		require.NoError(t, err)
		assert.Equal(t, SourceCache, second.Source, path)
		assert.Equal(t, "body-"+ext, string(second.Response.Body), path)
		assert.Equal(t, 1, network.count(path), "second request must not touch the network: %s", path)
	}
}

func TestCacheFirstDoesNotStoreErrorResponses(t *testing.T) {
	network := newFakeNetwork()
	store := testStore(t)
	cfg := testConfig("v1")
	w := newActivatedWorker(t, store, network, cfg)
	ctx := context.Background()

	// /logo.png 未注册，fake 返回 404
	first, err := w.Intercept(ctx, get(t, "/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, first.Response.Status)

	_, err = store.Get(ctx, cfg.PrecacheName, get(t, "/logo.png").Key())
	assert.ErrorIs(t, err, cache.ErrNotFound)

	second, err := w.Intercept(ctx, get(t, "/logo.png"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, second.Source)
	assert.Equal(t, 2, network.count("/logo.png"), "a 404 must be retried against the network")
}

func TestCacheFirstOfflineReturnsSynthetic503(t *testing.T) {
	network := newFakeNetwork()
	w := newActivatedWorker(t, testStore(t), network, testConfig("v1"))
	network.setOffline(true)

	result, err := w.Intercept(context.Background(), get(t, "/fonts/inter.woff2"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, result.Response.Status)
	assert.Empty(t, result.Response.Body)
	assert.Equal(t, SourceUnavailable, result.Source)
}

func TestNetworkFirstReflectsNetworkAndUpdatesCache(t *testing.T) {
	network := newFakeNetwork()
	store := testStore(t)
	cfg := testConfig("v1")
	w := newActivatedWorker(t, store, network, cfg)
	ctx := context.Background()

	for _, path := range []string{"/api/posts", "/blog/about.html"} {
		key := get(t, path).Key()
		require.NoError(t, store.Put(ctx, cfg.RuntimeName, key, &cache.Response{Status: 200, Body: []byte("stale")}))
		network.serve(path, http.StatusOK, "fresh")

		result, err := w.Intercept(ctx, get(t, path))
		require.NoError(t, err)
		assert.Equal(t, rules.StrategyNetworkFirst, result.Strategy, path)
		assert.Equal(t, SourceNetwork, result.Source, path)
		assert.Equal(t, "fresh", string(result.Response.Body), path)

		cached, err := store.Get(ctx, cfg.RuntimeName, key)
		require.NoError(t, err)
		assert.Equal(t, "fresh", string(cached.Body), "cache must be updated as a side effect: %s", path)
	}
}

func TestNetworkFirstOfflineServesPreviousEntry(t *testing.T) {
	network := newFakeNetwork()
	w := newActivatedWorker(t, testStore(t), network, testConfig("v1"))
	ctx := context.Background()

	network.serve("/api/posts", http.StatusOK, `[{"id":1}]`)
	online, err := w.Intercept(ctx, get(t, "/api/posts"))
	require.NoError(t, err)

	network.setOffline(true)
	offline, err := w.Intercept(ctx, get(t, "/api/posts"))
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, offline.Source)
	assert.Equal(t, online.Response.Status, offline.Response.Status)
	assert.Equal(t, online.Response.Body, offline.Response.Body)
	assert.Equal(t, online.Response.Header.Get("Content-Type"), offline.Response.Header.Get("Content-Type"))
}

func TestNetworkFirstOfflineFallbacks(t *testing.T) {
	network := newFakeNetwork()
	network.serve("/offline.html", http.StatusOK, "<h1>offline</h1>")
	w := newActivatedWorker(t, testStore(t), network, testConfig("v1", "/offline.html"))
	network.setOffline(true)
	ctx := context.Background()

	doc, err := w.Intercept(ctx, get(t, "/blog/missing.html"))
	require.NoError(t, err)
	assert.Equal(t, SourceOfflinePage, doc.Source)
	assert.Equal(t, "<h1>offline</h1>", string(doc.Response.Body))

	api := get(t, "/api/posts")
	api.Header.Set("Accept", "application/json")
	result, err := w.Intercept(ctx, api)
	require.NoError(t, err)
	assert.Equal(t, SourceUnavailable, result.Source, "non-document requests never receive the offline page")
	assert.Equal(t, http.StatusServiceUnavailable, result.Response.Status)

	nav := get(t, "/api/docs")
	nav.Header.Set("Accept", "text/html,application/xhtml+xml")
	result, err = w.Intercept(ctx, nav)
	require.NoError(t, err)
	assert.Equal(t, SourceOfflinePage, result.Source)
}

func TestNetworkFirstOfflineWithoutFallbackReturns503(t *testing.T) {
	network := newFakeNetwork()
	cfg := testConfig("v1")
	cfg.OfflinePage = ""
	w := newActivatedWorker(t, testStore(t), network, cfg)
	network.setOffline(true)

	result, err := w.Intercept(context.Background(), get(t, "/index.html"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, result.Response.Status)
	assert.Empty(t, result.Response.Body)
}

func TestNetworkFirstDoesNotStoreErrorResponses(t *testing.T) {
	network := newFakeNetwork()
	store := testStore(t)
	cfg := testConfig("v1")
	w := newActivatedWorker(t, store, network, cfg)
	network.serve("/api/posts", http.StatusInternalServerError, "boom")

	result, err := w.Intercept(context.Background(), get(t, "/api/posts"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, result.Response.Status)

	_, err = store.Get(context.Background(), cfg.RuntimeName, get(t, "/api/posts").Key())
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestStaleWhileRevalidateServesCacheWithoutWaiting(t *testing.T) {
	network := newFakeNetwork()
	store := testStore(t)
	cfg := testConfig("v1")
	w := newActivatedWorker(t, store, network, cfg)
	ctx := context.Background()

	key := get(t, "/js/app.js").Key()
	require.NoError(t, store.Put(ctx, cfg.RuntimeName, key, &cache.Response{Status: 200, Body: []byte("old")}))
	network.serve("/js/app.js", http.StatusOK, "new")
	gate := network.block()

	done := make(chan *Result, 1)
	go func() {
		result, err := w.Intercept(ctx, get(t, "/js/app.js"))
		if err != nil {
			t.Errorf("intercept error: %v", err)
		}
		done <- result
	}()

	select {
	case result := <-done:
		require.NotNil(t, result)
		assert.Equal(t, rules.StrategyStaleWhileRevalidate, result.Strategy)
		assert.Equal(t, SourceCache, result.Source)
		assert.Equal(t, "old", string(result.Response.Body))
	case <-time.After(2 * time.Second):
		t.Fatalf("cached response must not wait for the network")
	}

	close(gate)
	w.Wait()

	cached, err := store.Get(ctx, cfg.RuntimeName, key)
	require.NoError(t, err)
	assert.Equal(t, "new", string(cached.Body), "background refresh should overwrite the entry")
}

func TestStaleWhileRevalidateRefreshFailureKeepsEntry(t *testing.T) {
	network := newFakeNetwork()
	store := testStore(t)
	cfg := testConfig("v1")
	w := newActivatedWorker(t, store, network, cfg)
	ctx := context.Background()

	key := get(t, "/css/site.css").Key()
	require.NoError(t, store.Put(ctx, cfg.RuntimeName, key, &cache.Response{Status: 200, Body: []byte("kept")}))
	network.setOffline(true)

	result, err := w.Intercept(ctx, get(t, "/css/site.css"))
	require.NoError(t, err)
	assert.Equal(t, "kept", string(result.Response.Body))
	w.Wait()

	cached, err := store.Get(ctx, cfg.RuntimeName, key)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(cached.Body))
}

func TestStaleWhileRevalidateColdCacheWaitsForNetwork(t *testing.T) {
	network := newFakeNetwork()
	store := testStore(t)
	cfg := testConfig("v1")
	w := newActivatedWorker(t, store, network, cfg)
	ctx := context.Background()
	network.serve("/", http.StatusOK, "<html>shell</html>")

	first, err := w.Intercept(ctx, get(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, first.Source)
	assert.Equal(t, "<html>shell</html>", string(first.Response.Body))

	second, err := w.Intercept(ctx, get(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	w.Wait()

	network.setOffline(true)
	_, err = store.DeleteGeneration(ctx, cfg.RuntimeName)
	require.NoError(t, err)
	cold, err := w.Intercept(ctx, get(t, "/"))
	require.NoError(t, err)
	assert.Equal(t, SourceUnavailable, cold.Source)
}

func TestCrossOriginAndNonGetPassThrough(t *testing.T) {
	network := newFakeNetwork()
	store := testStore(t)
	cfg := testConfig("v1")
	w := newActivatedWorker(t, store, network, cfg)
	ctx := context.Background()

	network.serve("/lib.png", http.StatusOK, "cdn")
	cross, err := NewRequest(http.MethodGet, "https://cdn.example.net/lib.png")
	require.NoError(t, err)
	result, err := w.Intercept(ctx, cross)
	require.NoError(t, err)
	assert.Equal(t, SourcePassthrough, result.Source)
	assert.Empty(t, result.Strategy)

	network.serve("/api/posts", http.StatusCreated, "created")
	post := get(t, "/api/posts")
	post.Method = http.MethodPost
	result, err = w.Intercept(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, SourcePassthrough, result.Source)
	assert.Equal(t, http.StatusCreated, result.Response.Status)

	names, err := store.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cfg.PrecacheName}, names, "passthrough requests are never cached")

	network.setOffline(true)
	_, err = w.Intercept(ctx, cross)
	assert.ErrorIs(t, err, ErrPassthroughFailed)
}

type failingPutStore struct {
	cache.Store
}

func (s failingPutStore) Put(ctx context.Context, generation, key string, resp *cache.Response) error {
	return errors.New("quota exceeded")
}

func TestCacheWriteFailureDoesNotAbortResponse(t *testing.T) {
	network := newFakeNetwork()
	network.serve("/img/hero.webp", http.StatusOK, "hero")
	network.serve("/api/posts", http.StatusOK, "posts")

	w, err := New(testConfig("v1"), failingPutStore{Store: testStore(t)}, network, testLogger())
	require.NoError(t, err)

	for _, path := range []string{"/img/hero.webp", "/api/posts", "/js/app.js"} {
		network.serve(path, http.StatusOK, "ok")
		result, err := w.Intercept(context.Background(), get(t, path))
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusOK, result.Response.Status, path)
		assert.Equal(t, "ok", string(result.Response.Body), path)
	}
}

func TestReturnedResponseIsIndependentOfCache(t *testing.T) {
	network := newFakeNetwork()
	store := testStore(t)
	cfg := testConfig("v1")
	w := newActivatedWorker(t, store, network, cfg)
	network.serve("/logo.svg", http.StatusOK, "<svg/>")

	result, err := w.Intercept(context.Background(), get(t, "/logo.svg"))
	require.NoError(t, err)
	result.Response.Body[0] = 'X'

	cached, err := store.Get(context.Background(), cfg.PrecacheName, get(t, "/logo.svg").Key())
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(cached.Body))
}
