package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
)

// Registration 管理一个站点的 worker 生命周期：至多一个 active、一个 waiting。
// 受控客户端即 active worker 正在服务的请求，由 Lease 计数。
type Registration struct {
	site    string
	store   cache.Store
	fetcher Fetcher
	logger  *logrus.Logger

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	clients int

	lifecycle  sync.Mutex
	background sync.WaitGroup
}

// NewRegistration 创建空的站点注册，无 active worker 时请求直接回源。
func NewRegistration(site string, store cache.Store, fetcher Fetcher, logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{site: site, store: store, fetcher: fetcher, logger: logger}
}

// Site 返回站点名称。
func (r *Registration) Site() string { return r.site }

// Store 返回站点命名空间下的缓存存储。
func (r *Registration) Store() cache.Store { return r.store }

// Active 返回当前控制站点的 worker，可能为 nil。
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting 返回已安装但尚未激活的 worker，可能为 nil。
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Register 安装新版本。安装失败时返回 ErrInstallFailed，active 保持不变；
// 成功后若没有 active 或没有受控客户端则立即激活，否则进入等待。
func (r *Registration) Register(ctx context.Context, cfg Config) (*Worker, error) {
	cfg.Site = r.site
	w, err := New(cfg, r.store, r.fetcher, r.logger)
	if err != nil {
		return nil, err
	}

	// 安装与激活互斥，避免激活时删除正在安装的 precache generation。
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if err := w.Install(ctx); err != nil {
		return w, err
	}

	r.mu.Lock()
	replaced := r.waiting
	r.waiting = w
	immediate := r.active == nil || r.clients == 0
	r.mu.Unlock()

	if replaced != nil {
		replaced.markRedundant()
		r.logger.WithFields(logging.LifecycleFields(r.site, replaced.Version(), replaced.ID(), "replace")).
			Info("waiting_worker_replaced")
	}

	if !immediate {
		r.logger.WithFields(logging.LifecycleFields(r.site, w.Version(), w.ID(), "wait")).Info("worker_waiting")
		return w, nil
	}
	return w, r.activateLocked(ctx)
}

// SkipWaiting 立即激活等待中的 worker，不再等待受控客户端归零。
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.Waiting() == nil {
		return ErrNoWaitingWorker
	}
	return r.activateLocked(ctx)
}

func (r *Registration) handoff() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	ready := r.clients == 0 && r.waiting != nil
	r.mu.Unlock()
	if !ready {
		return
	}
	if err := r.activateLocked(context.Background()); err != nil {
		r.logger.WithFields(logrus.Fields{"site": r.site}).WithError(err).Warn("handoff_failed")
	}
}

// activateLocked 激活 waiting worker 并接管控制权，前一个 active 变为 redundant。
// 调用方必须持有 lifecycle 锁。
func (r *Registration) activateLocked(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	r.mu.Unlock()
	if w == nil {
		return nil
	}

	if _, err := w.Activate(ctx); err != nil {
		r.logger.WithFields(logging.LifecycleFields(r.site, w.Version(), w.ID(), "activate")).
			WithError(err).Warn("activate_failed")
		return err
	}

	r.mu.Lock()
	previous := r.active
	r.active = w
	r.waiting = nil
	r.mu.Unlock()

	previousVersion := ""
	if previous != nil {
		previous.markRedundant()
		previousVersion = previous.Version()
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			previous.Wait()
		}()
	}
	metrics.SetActiveVersion(r.site, previousVersion, w.Version())
	fields := logging.LifecycleFields(r.site, w.Version(), w.ID(), "claim")
	fields["previous_version"] = previousVersion
	r.logger.WithFields(fields).Info("worker_activated")
	return nil
}

// Lease 表示一个受控客户端；Release 后若客户端归零且存在等待版本则触发激活。
type Lease struct {
	r      *Registration
	worker *Worker
	once   sync.Once
}

// Acquire 取得当前 active worker 的受控租约；无 active worker 时租约不计数。
func (r *Registration) Acquire() *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	lease := &Lease{r: r, worker: r.active}
	if lease.worker != nil {
		r.clients++
	}
	return lease
}

// Worker 返回租约绑定的 worker，可能为 nil。
func (l *Lease) Worker() *Worker { return l.worker }

// Release 归还租约，可重复调用。
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.worker == nil {
			return
		}
		r := l.r
		r.mu.Lock()
		r.clients--
		ready := r.clients == 0 && r.waiting != nil
		r.mu.Unlock()
		if !ready {
			return
		}
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			r.handoff()
		}()
	})
}

// Intercept 使用 active worker 处理请求，请求期间计为一个受控客户端。
func (r *Registration) Intercept(ctx context.Context, req *Request) (*Result, error) {
	lease := r.Acquire()
	defer lease.Release()
	return r.InterceptWith(ctx, lease, req)
}

// InterceptWith 使用已持有的租约处理请求，调用方负责 Release。
func (r *Registration) InterceptWith(ctx context.Context, lease *Lease, req *Request) (*Result, error) {
	if lease == nil || lease.worker == nil {
		if req == nil || req.URL == nil {
			return nil, errors.New("request url required")
		}
		resp, err := r.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPassthroughFailed, err)
		}
		metrics.RecordRequest(r.site, "passthrough", string(SourcePassthrough))
		return &Result{Response: resp, Source: SourcePassthrough}, nil
	}
	return lease.worker.Intercept(ctx, req)
}

// ClearCaches 删除命名空间下的全部 generation，不区分名称，返回被删除的名称。
func (r *Registration) ClearCaches(ctx context.Context) ([]string, error) {
	names, err := r.store.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	purged := make([]string, 0, len(names))
	for _, name := range names {
		if _, err := r.store.DeleteGeneration(ctx, name); err != nil {
			metrics.RecordGenerationsPurged(r.site, "clear", len(purged))
			return purged, fmt.Errorf("delete generation %s: %w", name, err)
		}
		purged = append(purged, name)
	}
	metrics.RecordGenerationsPurged(r.site, "clear", len(purged))
	r.logger.WithFields(logrus.Fields{
		"site":   r.site,
		"action": "clear_cache",
		"purged": purged,
	}).Info("caches_cleared")
	return purged, nil
}

// Status 汇总注册状态，供诊断接口使用。
func (r *Registration) Status(ctx context.Context) Status {
	r.mu.Lock()
	active, waiting, clients := r.active, r.waiting, r.clients
	r.mu.Unlock()

	status := Status{Site: r.site, Clients: clients}
	if active != nil {
		snap := active.Snapshot()
		status.Active = &snap
	}
	if waiting != nil {
		snap := waiting.Snapshot()
		status.Waiting = &snap
	}
	names, err := r.store.Generations(ctx)
	if err != nil {
		status.Error = err.Error()
	} else {
		status.Generations = names
	}
	return status
}

// Close 等待所有后台刷新与交接完成。
func (r *Registration) Close() {
	r.background.Wait()
	r.mu.Lock()
	var workers []*Worker
	if r.active != nil {
		workers = append(workers, r.active)
	}
	if r.waiting != nil {
		workers = append(workers, r.waiting)
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.Wait()
	}
}

// WorkerStatus 是单个 worker 的状态快照。
type WorkerStatus struct {
	ID           string    `json:"id"`
	Version      string    `json:"version"`
	State        State     `json:"state"`
	PrecacheName string    `json:"precache"`
	RuntimeName  string    `json:"runtime"`
	InstalledAt  time.Time `json:"installed_at,omitempty"`
	ActivatedAt  time.Time `json:"activated_at,omitempty"`
}

// Status 是站点注册的状态快照。
type Status struct {
	Site        string        `json:"site"`
	Active      *WorkerStatus `json:"active,omitempty"`
	Waiting     *WorkerStatus `json:"waiting,omitempty"`
	Clients     int           `json:"clients"`
	Generations []string      `json:"generations"`
	Error       string        `json:"error,omitempty"`
}
