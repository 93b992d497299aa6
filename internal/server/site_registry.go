package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/rules"
)

// SiteRoute 将站点配置与派生属性（解析后的 Origin、分类器）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是启动时 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// Origin 是拦截范围：scheme+host 与之相同的请求才会进入缓存策略。
	Origin *url.URL
	// Classifier 是启动版本的分类规则；运行中的规则以 active worker 为准。
	Classifier *rules.Classifier
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	byName  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
		byName: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[site.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Get 根据站点名查找 SiteRoute。
func (r *SiteRegistry) Get(name string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 SiteRoute 列表（按配置定义的顺序），用于诊断输出。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]SiteRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig) (*SiteRoute, error) {
	runtime, err := config.BuildSiteRuntime(site)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}
	return &SiteRoute{
		Config:     site,
		ListenPort: cfg.Global.ListenPort,
		Origin:     runtime.Origin,
		Classifier: runtime.Classifier,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
