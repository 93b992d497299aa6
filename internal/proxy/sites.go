package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/worker"
)

// BuildWorkerConfig 将站点配置与全局重试参数合成为 worker.Config。
func BuildWorkerConfig(global config.GlobalConfig, site config.SiteConfig) (worker.Config, error) {
	runtime, err := config.BuildSiteRuntime(site)
	if err != nil {
		return worker.Config{}, err
	}
	precache, runtimeName := worker.GenerationNames(site.Prefix(), site.Version)
	return worker.Config{
		Site:           site.Name,
		Version:        site.Version,
		Origin:         runtime.Origin,
		PrecacheName:   precache,
		RuntimeName:    runtimeName,
		Manifest:       append([]string(nil), site.Precache...),
		OfflinePage:    site.OfflinePage,
		Classifier:     runtime.Classifier,
		MaxRetries:     global.MaxRetries,
		InitialBackoff: global.InitialBackoff.DurationValue(),
		RefreshTimeout: global.UpstreamTimeout.DurationValue(),
	}, nil
}

// Bootstrap 为每个站点打开独立命名空间的 Store 并注册当前版本。
// 安装失败不会阻止启动：该站点以直通模式运行，等待下一次版本变更。
func (f *Forwarder) Bootstrap(ctx context.Context, cfg *config.Config, factory cache.Factory, fetcher worker.Fetcher) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if factory == nil || fetcher == nil {
		return errors.New("store factory and fetcher are required")
	}

	f.mu.Lock()
	f.sites = make(map[string]config.SiteConfig, len(cfg.Sites))
	f.mu.Unlock()

	for _, site := range cfg.Sites {
		store, err := factory.Open(ctx, site.Name)
		if err != nil {
			f.Close()
			return fmt.Errorf("open store for site %s: %w", site.Name, err)
		}
		reg := worker.NewRegistration(site.Name, store, fetcher, f.logger)
		f.Attach(site.Name, reg)

		f.mu.Lock()
		f.sites[site.Name] = site
		f.mu.Unlock()

		if err := f.register(ctx, reg, cfg.Global, site); err != nil && !errors.Is(err, worker.ErrInstallFailed) {
			f.Close()
			return err
		}
	}
	return nil
}

// Reload 对比新配置，只为 Version 变化的站点注册新 worker。站点增删需要重启。
func (f *Forwarder) Reload(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	f.mu.Lock()
	previous := make(map[string]config.SiteConfig, len(f.sites))
	for name, site := range f.sites {
		previous[name] = site
	}
	f.mu.Unlock()

	seen := make(map[string]struct{}, len(cfg.Sites))
	for _, site := range cfg.Sites {
		seen[site.Name] = struct{}{}
		old, known := previous[site.Name]
		reg, attached := f.Registration(site.Name)
		if !known || !attached {
			f.logReload(site.Name, site.Version, "site added; restart required").Warn("config_reload_skipped")
			continue
		}
		if old.Version == site.Version {
			continue
		}
		if err := f.register(ctx, reg, cfg.Global, site); err != nil {
			continue
		}
		f.mu.Lock()
		f.sites[site.Name] = site
		f.mu.Unlock()
	}
	for name, site := range previous {
		if _, ok := seen[name]; !ok {
			f.logReload(name, site.Version, "site removed; restart required").Warn("config_reload_skipped")
		}
	}
}

func (f *Forwarder) register(ctx context.Context, reg *worker.Registration, global config.GlobalConfig, site config.SiteConfig) error {
	workerCfg, err := BuildWorkerConfig(global, site)
	if err != nil {
		return err
	}
	w, err := reg.Register(ctx, workerCfg)
	if err != nil {
		f.logReload(site.Name, site.Version, err.Error()).Error("site_register_failed")
		return err
	}
	f.logReload(site.Name, site.Version, "").WithField("state", w.State()).Info("site_registered")
	return nil
}

func (f *Forwarder) logReload(site, version, reason string) *logrus.Entry {
	fields := logging.LifecycleFields(site, version, "", "register")
	if reason != "" {
		fields["reason"] = reason
	}
	return f.logger.WithFields(fields)
}

// Close 等待各站点的后台任务结束并释放 Store。
func (f *Forwarder) Close() {
	f.mu.Lock()
	regs := make([]*worker.Registration, 0, len(f.registrations))
	for _, reg := range f.registrations {
		regs = append(regs, reg)
	}
	f.registrations = make(map[string]*worker.Registration)
	f.mu.Unlock()

	for _, reg := range regs {
		reg.Close()
		if err := reg.Store().Close(); err != nil {
			f.logger.WithFields(logrus.Fields{"action": "shutdown", "site": reg.Site()}).
				Warn("store close failed: " + err.Error())
		}
	}
}
