package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Store 管理一个命名空间（站点）下的全部缓存代（generation）。每一代是
// 请求标识 → 响应快照的键值表，写入均为整条覆盖。
//
// 实现必须并发安全；Put 需要持有响应的独立副本，调用方之后对 Response 的修改
// 不得影响已缓存的内容。
type Store interface {
	// Open 确保 generation 存在（即使为空），对应安装阶段的“打开或创建 precache”。
	Open(ctx context.Context, generation string) error

	// Get 返回缓存的响应副本，条目或 generation 不存在时返回 ErrNotFound。
	Get(ctx context.Context, generation, key string) (*Response, error)

	// Put 覆盖写入一个条目，generation 不存在时惰性创建。
	Put(ctx context.Context, generation, key string, resp *Response) error

	// Delete 删除单个条目，不存在时不报错。
	Delete(ctx context.Context, generation, key string) error

	// Keys 返回 generation 内的全部请求标识（排序后）。
	Keys(ctx context.Context, generation string) ([]string, error)

	// Generations 返回当前存在的全部 generation 名称（排序后）。
	Generations(ctx context.Context) ([]string, error)

	// DeleteGeneration 删除整个 generation，返回其删除前是否存在。
	DeleteGeneration(ctx context.Context, generation string) (bool, error)

	// Close 释放后端资源。
	Close() error
}

// Response 是一份可缓存的响应快照，Body 为完整字节，便于按值复制。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回深拷贝，对应“写缓存前先 clone 响应”的语义。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// OK 表示响应状态码是否为 2xx，只有成功响应才允许写入缓存。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Key 由 method + 绝对 URL 组成请求标识，fragment 不参与。
func Key(method, rawURL string) string {
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + rawURL
}

var (
	// ErrNotFound 表示缓存条目或 generation 不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidGeneration 表示 generation 名称不能安全映射到后端。
	ErrInvalidGeneration = errors.New("invalid generation name")
	// ErrCorruptEntry 表示条目无法解码。
	ErrCorruptEntry = errors.New("corrupt cache entry")
)

func validateGeneration(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidGeneration)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %s", ErrInvalidGeneration, name)
	case strings.ContainsAny(name, "/\\\x00:"):
		return fmt.Errorf("%w: %s", ErrInvalidGeneration, name)
	}
	return nil
}
