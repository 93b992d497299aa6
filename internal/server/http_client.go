package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/worker"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有回源请求。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}

// maxUpstreamBody 限制单个响应读入内存的大小，缓存条目按整体读写。
const maxUpstreamBody = 64 << 20

// UpstreamFetcher 使用共享 http.Client 实现 worker.Fetcher，响应体完整读入内存。
type UpstreamFetcher struct {
	client  *http.Client
	maxBody int64
}

var _ worker.Fetcher = (*UpstreamFetcher)(nil)

// NewUpstreamFetcher 包装 http.Client；client 为空时使用默认超时的客户端。
func NewUpstreamFetcher(client *http.Client) *UpstreamFetcher {
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	return &UpstreamFetcher{client: client, maxBody: maxUpstreamBody}
}

// Fetch 发送请求并返回完整响应；非 2xx 状态不视为错误。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *worker.Request) (*cache.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Header != nil {
		CopyHeaders(upstreamReq.Header, req.Header)
	}
	upstreamReq.Header.Del("Host")
	// 交给 Transport 自动协商压缩，缓存中保存解压后的内容。
	upstreamReq.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(payload)) > f.maxBody {
		return nil, fmt.Errorf("upstream body exceeds %d bytes", f.maxBody)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}
