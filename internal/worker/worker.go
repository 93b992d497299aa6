package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
)

const defaultInstallConcurrency = 4

// Worker 是某一版本的缓存逻辑：持有自己的 precache/runtime generation 名称，
// 负责安装、激活以及请求拦截。生命周期推进由 Registration 驱动。
type Worker struct {
	id      string
	cfg     Config
	store   cache.Store
	fetcher Fetcher
	logger  *logrus.Logger

	mu          sync.RWMutex
	state       State
	installedAt time.Time
	activatedAt time.Time

	// background 跟踪 stale-while-revalidate 的后台刷新。
	background sync.WaitGroup
}

// New 创建处于 uninstalled 状态的 worker。
func New(cfg Config, store cache.Store, fetcher Fetcher, logger *logrus.Logger) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	if store == nil || fetcher == nil {
		return nil, errors.New("worker requires store and fetcher")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	return &Worker{
		id:      uuid.NewString(),
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		state:   StateUninstalled,
	}, nil
}

// ID 返回 worker 的唯一标识。
func (w *Worker) ID() string { return w.id }

// Version 返回 worker 对应的配置版本。
func (w *Worker) Version() string { return w.cfg.Version }

// Config 返回构造时的配置副本。
func (w *Worker) Config() Config { return w.cfg }

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Snapshot 返回用于诊断接口的状态快照。
func (w *Worker) Snapshot() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerStatus{
		ID:           w.id,
		Version:      w.cfg.Version,
		State:        w.state,
		PrecacheName: w.cfg.PrecacheName,
		RuntimeName:  w.cfg.RuntimeName,
		InstalledAt:  w.installedAt,
		ActivatedAt:  w.activatedAt,
	}
}

// Wait 阻塞直到所有后台刷新结束。
func (w *Worker) Wait() {
	w.background.Wait()
}

func (w *Worker) transition(from []State, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, candidate := range from {
		if w.state == candidate {
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, w.state, to)
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	switch state {
	case StateInstalled:
		w.installedAt = time.Now().UTC()
	case StateActivated:
		w.activatedAt = time.Now().UTC()
	}
	w.mu.Unlock()
}

func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
}

// Install 抓取 precache manifest 的全部条目；只有全部成功时才写入 precache
// generation，任一失败都会使本次安装失败且不改变已有 generation。
// 对同一 manifest 重复安装得到内容一致的缓存。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition([]State{StateUninstalled, StateInstalled}, StateInstalling); err != nil {
		return err
	}
	started := time.Now()
	fields := logging.LifecycleFields(w.cfg.Site, w.cfg.Version, w.id, "install")

	entries, err := w.fetchManifest(ctx)
	if err == nil {
		err = w.writePrecache(ctx, entries)
	}
	if err != nil {
		w.markRedundant()
		metrics.RecordInstall(w.cfg.Site, "failed")
		w.logger.WithFields(fields).WithError(err).Warn("install_failed")
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	w.setState(StateInstalled)
	metrics.RecordInstall(w.cfg.Site, "ok")
	fields["entries"] = len(entries)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

type precacheEntry struct {
	key  string
	resp *cache.Response
}

func (w *Worker) fetchManifest(ctx context.Context) ([]precacheEntry, error) {
	entries := make([]precacheEntry, len(w.cfg.Manifest))
	limit := w.cfg.InstallConcurrency
	if limit <= 0 {
		limit = defaultInstallConcurrency
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for i, path := range w.cfg.Manifest {
		group.Go(func() error {
			req := &Request{Method: "GET", URL: w.cfg.resolve(path)}
			resp, err := w.fetchWithRetry(groupCtx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", path, err)
			}
			if !resp.OK() {
				return fmt.Errorf("precache %s: upstream status %d", path, resp.Status)
			}
			entries[i] = precacheEntry{key: req.Key(), resp: resp}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// fetchWithRetry 对网络错误按指数退避重试；非 2xx 响应直接返回给调用方判断。
func (w *Worker) fetchWithRetry(ctx context.Context, req *Request) (*cache.Response, error) {
	backoff := w.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 && backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		resp, err := w.fetcher.Fetch(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (w *Worker) writePrecache(ctx context.Context, entries []precacheEntry) error {
	existed, err := w.generationExists(ctx, w.cfg.PrecacheName)
	if err != nil {
		return err
	}
	if err := w.store.Open(ctx, w.cfg.PrecacheName); err != nil {
		return fmt.Errorf("open precache: %w", err)
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		resp := entry.resp.Clone()
		resp.StoredAt = now
		if err := w.store.Put(ctx, w.cfg.PrecacheName, entry.key, resp); err != nil {
			if !existed {
				if _, delErr := w.store.DeleteGeneration(context.WithoutCancel(ctx), w.cfg.PrecacheName); delErr != nil {
					w.logger.WithFields(logging.LifecycleFields(w.cfg.Site, w.cfg.Version, w.id, "install")).
						WithError(delErr).Warn("precache_rollback_failed")
				}
			}
			return fmt.Errorf("write precache %s: %w", entry.key, err)
		}
	}
	return nil
}

func (w *Worker) generationExists(ctx context.Context, name string) (bool, error) {
	names, err := w.store.Generations(ctx)
	if err != nil {
		return false, fmt.Errorf("list generations: %w", err)
	}
	for _, existing := range names {
		if existing == name {
			return true, nil
		}
	}
	return false, nil
}

// Activate 删除除本 worker precache/runtime 以外的全部 generation，并返回被删除的名称。
// 失败时回到 installed，允许再次尝试。
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	if err := w.transition([]State{StateInstalled}, StateActivating); err != nil {
		return nil, err
	}
	fields := logging.LifecycleFields(w.cfg.Site, w.cfg.Version, w.id, "activate")

	names, err := w.store.Generations(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return nil, fmt.Errorf("list generations: %w", err)
	}

	var purged []string
	for _, name := range names {
		if name == w.cfg.PrecacheName || name == w.cfg.RuntimeName {
			continue
		}
		if _, err := w.store.DeleteGeneration(ctx, name); err != nil {
			metrics.RecordGenerationsPurged(w.cfg.Site, "activate", len(purged))
			w.setState(StateInstalled)
			return purged, fmt.Errorf("delete generation %s: %w", name, err)
		}
		purged = append(purged, name)
	}

	w.setState(StateActivated)
	metrics.RecordGenerationsPurged(w.cfg.Site, "activate", len(purged))
	fields["purged"] = purged
	w.logger.WithFields(fields).Info("activate_complete")
	return purged, nil
}
