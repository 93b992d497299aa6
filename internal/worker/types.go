package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/rules"
)

// State 是 worker 的生命周期状态。
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActivated   State = "activated"
	StateRedundant   State = "redundant"
)

// Source 标记响应的来源，写入响应头与日志。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceFallback    Source = "fallback"
	SourceOfflinePage Source = "offline-page"
	SourceUnavailable Source = "unavailable"
	SourcePassthrough Source = "passthrough"
)

var (
	// ErrInstallFailed 表示 precache 未能完整写入，新版本不会进入等待/激活。
	ErrInstallFailed = errors.New("install failed")
	// ErrInvalidState 表示当前状态不允许执行该生命周期操作。
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrNoWaitingWorker 表示没有处于等待状态的版本。
	ErrNoWaitingWorker = errors.New("no waiting worker")
	// ErrUnknownMessage 表示控制通道收到未知消息类型。
	ErrUnknownMessage = errors.New("unknown control message")
	// ErrPassthroughFailed 表示未被拦截的请求回源失败。
	ErrPassthroughFailed = errors.New("passthrough fetch failed")
)

// Fetcher 抽象网络访问；返回非 2xx 响应不是错误，只有连接/超时等失败才返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Request 是一次被拦截的请求，URL 必须为绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest 构造 GET 请求，便于预缓存与测试使用。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: strings.ToUpper(method), URL: parsed, Header: http.Header{}}, nil
}

// Key 返回请求在缓存中的标识。
func (r *Request) Key() string {
	return cache.Key(r.Method, r.URL.String())
}

// Result 描述拦截结果。
type Result struct {
	Response *cache.Response
	Strategy rules.Strategy
	Source   Source
	Version  string
}

// Config 是单个 worker 版本的全部参数，generation 名称由调用方显式传入，
// 以便在测试中并存多个互不干扰的实例。
type Config struct {
	Site           string
	Version        string
	Origin         *url.URL
	PrecacheName   string
	RuntimeName    string
	Manifest       []string
	OfflinePage    string
	Classifier     *rules.Classifier
	MaxRetries     int
	InitialBackoff time.Duration
	RefreshTimeout time.Duration
	// InstallConcurrency 限制 precache 并发抓取数，<=0 时使用默认值。
	InstallConcurrency int
}

// GenerationNames 按 <prefix>-precache-<version> / <prefix>-runtime-<version> 生成名称。
func GenerationNames(prefix, version string) (precache, runtime string) {
	prefix = strings.TrimSpace(prefix)
	version = strings.TrimSpace(version)
	return fmt.Sprintf("%s-precache-%s", prefix, version), fmt.Sprintf("%s-runtime-%s", prefix, version)
}

func (c Config) validate() error {
	switch {
	case c.Origin == nil || !c.Origin.IsAbs():
		return errors.New("origin must be an absolute url")
	case c.PrecacheName == "" || c.RuntimeName == "":
		return errors.New("precache and runtime generation names required")
	case c.PrecacheName == c.RuntimeName:
		return errors.New("precache and runtime generation names must differ")
	case c.Classifier == nil:
		return errors.New("classifier required")
	}
	return nil
}

// resolve 将站点相对路径解析为 origin 下的绝对 URL。
func (c Config) resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	return c.Origin.ResolveReference(ref)
}

func unavailableResponse() *cache.Response {
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{},
		Body:   nil,
	}
}
