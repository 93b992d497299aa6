package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
	"github.com/any-hub/shellcache/internal/rules"
)

// Intercept 处理一次请求：非 GET 或跨域请求直接透传，其余按路径分类交给对应策略。
// 除透传失败外，策略内部的网络错误都会被转换成缓存副本、离线页或合成 503。
func (w *Worker) Intercept(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	if !w.controls(req) {
		return w.passthrough(ctx, req)
	}

	strategy := w.cfg.Classifier.Classify(req.URL.Path)
	var result *Result
	switch strategy {
	case rules.StrategyCacheFirst:
		result = w.cacheFirst(ctx, req)
	case rules.StrategyNetworkFirst:
		result = w.networkFirst(ctx, req)
	default:
		result = w.staleWhileRevalidate(ctx, req)
	}
	result.Strategy = strategy
	result.Version = w.cfg.Version
	metrics.RecordRequest(w.cfg.Site, string(strategy), string(result.Source))
	return result, nil
}

// controls 判断请求是否落在拦截范围内：GET 且与站点 origin 同源。
func (w *Worker) controls(req *Request) bool {
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return false
	}
	return sameOrigin(req, w.cfg)
}

func sameOrigin(req *Request, cfg Config) bool {
	return strings.EqualFold(req.URL.Scheme, cfg.Origin.Scheme) &&
		strings.EqualFold(req.URL.Host, cfg.Origin.Host)
}

func (w *Worker) passthrough(ctx context.Context, req *Request) (*Result, error) {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPassthroughFailed, err)
	}
	metrics.RecordRequest(w.cfg.Site, "passthrough", string(SourcePassthrough))
	return &Result{Response: resp, Source: SourcePassthrough, Version: w.cfg.Version}, nil
}

func (w *Worker) cacheFirst(ctx context.Context, req *Request) *Result {
	key := req.Key()
	if cached := w.lookup(ctx, w.cfg.PrecacheName, key); cached != nil {
		return &Result{Response: cached, Source: SourceCache}
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.networkFailed(req, rules.StrategyCacheFirst, err)
		return &Result{Response: unavailableResponse(), Source: SourceUnavailable}
	}
	if resp.OK() {
		w.put(ctx, w.cfg.PrecacheName, key, resp)
	}
	return &Result{Response: resp, Source: SourceNetwork}
}

func (w *Worker) networkFirst(ctx context.Context, req *Request) *Result {
	key := req.Key()
	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			w.put(ctx, w.cfg.RuntimeName, key, resp)
		}
		return &Result{Response: resp, Source: SourceNetwork}
	}

	w.networkFailed(req, rules.StrategyNetworkFirst, err)
	if cached := w.lookup(ctx, w.cfg.RuntimeName, key); cached != nil {
		return &Result{Response: cached, Source: SourceFallback}
	}
	if isDocumentRequest(req) {
		if page := w.offlinePage(ctx); page != nil {
			return &Result{Response: page, Source: SourceOfflinePage}
		}
	}
	return &Result{Response: unavailableResponse(), Source: SourceUnavailable}
}

// staleWhileRevalidate 有缓存时立即返回并在后台刷新；后台刷新与同 key 的并发读取之间
// 存在短暂的陈旧窗口，这是可接受的。
func (w *Worker) staleWhileRevalidate(ctx context.Context, req *Request) *Result {
	key := req.Key()
	if cached := w.lookup(ctx, w.cfg.RuntimeName, key); cached != nil {
		w.revalidate(ctx, req, key)
		return &Result{Response: cached, Source: SourceCache}
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.networkFailed(req, rules.StrategyStaleWhileRevalidate, err)
		return &Result{Response: unavailableResponse(), Source: SourceUnavailable}
	}
	if resp.OK() {
		w.put(ctx, w.cfg.RuntimeName, key, resp)
	}
	return &Result{Response: resp, Source: SourceNetwork}
}

// revalidate 在脱离请求生命周期的 context 中刷新 runtime 条目，失败时保留旧值。
func (w *Worker) revalidate(ctx context.Context, req *Request, key string) {
	detached := &Request{Method: req.Method, URL: req.URL, Header: req.Header.Clone(), Body: req.Body}
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RefreshTimeout)
		defer cancel()

		resp, err := w.fetcher.Fetch(refreshCtx, detached)
		switch {
		case err != nil:
			metrics.RecordBackgroundRefresh(w.cfg.Site, "failed")
			w.logger.WithFields(w.requestFields(detached, rules.StrategyStaleWhileRevalidate)).
				WithError(err).Debug("revalidate_failed")
		case !resp.OK():
			metrics.RecordBackgroundRefresh(w.cfg.Site, "skipped")
		default:
			w.put(refreshCtx, w.cfg.RuntimeName, key, resp)
			metrics.RecordBackgroundRefresh(w.cfg.Site, "updated")
		}
	}()
}

// lookup 读取缓存，读失败按未命中处理。
func (w *Worker) lookup(ctx context.Context, generation, key string) *cache.Response {
	resp, err := w.store.Get(ctx, generation, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(logrus.Fields{
				"site":       w.cfg.Site,
				"generation": generation,
				"key":        key,
			}).WithError(err).Warn("cache_get_failed")
		}
		return nil
	}
	return resp
}

// put 写入响应副本；失败只记录，不影响当前响应。已被替换的 worker 不再写入，
// 以免重建激活阶段刚删除的 generation。
func (w *Worker) put(ctx context.Context, generation, key string, resp *cache.Response) {
	if w.State() == StateRedundant {
		return
	}
	entry := resp.Clone()
	entry.StoredAt = time.Now().UTC()
	if err := w.store.Put(ctx, generation, key, entry); err != nil {
		metrics.RecordCacheWriteError(w.cfg.Site, generation)
		w.logger.WithFields(logrus.Fields{
			"site":       w.cfg.Site,
			"generation": generation,
			"key":        key,
		}).WithError(err).Warn("cache_put_failed")
	}
}

func (w *Worker) offlinePage(ctx context.Context) *cache.Response {
	if w.cfg.OfflinePage == "" {
		return nil
	}
	key := cache.Key(http.MethodGet, w.cfg.resolve(w.cfg.OfflinePage).String())
	if page := w.lookup(ctx, w.cfg.PrecacheName, key); page != nil {
		return page
	}
	return w.lookup(ctx, w.cfg.RuntimeName, key)
}

func (w *Worker) networkFailed(req *Request, strategy rules.Strategy, err error) {
	metrics.RecordNetworkFailure(w.cfg.Site, string(strategy))
	w.logger.WithFields(w.requestFields(req, strategy)).WithError(err).Info("network_failed")
}

func (w *Worker) requestFields(req *Request, strategy rules.Strategy) logrus.Fields {
	return logging.RequestFields(w.cfg.Site, req.URL.Host, req.URL.Path, string(strategy), "", w.cfg.Version)
}

// isDocumentRequest 判断请求是否期望 HTML 文档。
func isDocumentRequest(req *Request) bool {
	if strings.HasSuffix(req.URL.Path, ".html") {
		return true
	}
	if req.Header == nil {
		return false
	}
	for _, accept := range req.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/html") {
			return true
		}
	}
	return false
}
