package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

const (
	memoryEntryPrefix  = "e\x00"
	memoryMarkerPrefix = "g\x00"
	memorySep          = "\x00"
)

// MemoryOptions 控制 runtime generation 的容量与存活窗口。
// precache generation 与 generation 标记不受这两个参数影响，直到整代删除前一直保留。
type MemoryOptions struct {
	MaxSizeBytes int64
	LifeWindow   time.Duration
	// Evictable 判断 generation 是否允许被淘汰，为空时仅 "-runtime-" 命名的 generation 可淘汰。
	Evictable func(generation string) bool
}

// pinnedLifeWindow 足够长，bigcache 不会因过期移除常驻条目。
const pinnedLifeWindow = 100 * 365 * 24 * time.Hour

// memoryStore 基于两个 bigcache 实例：pinned 无容量上限且不过期，保存 precache 条目与全部标记；
// volatile 按容量与存活窗口淘汰，只保存 runtime 条目。
type memoryStore struct {
	pinned    *bigcache.BigCache
	volatile  *bigcache.BigCache
	evictable func(generation string) bool
	// bigcache 的迭代与批量删除不是原子的，用读写锁串行化整代删除
	mu sync.RWMutex
}

// NewMemoryStore 创建进程内存储，常用于测试或无需持久化的部署。
func NewMemoryStore(ctx context.Context, opts MemoryOptions) (Store, error) {
	pinnedCfg := bigcache.DefaultConfig(pinnedLifeWindow)
	pinnedCfg.Shards = 16
	pinnedCfg.MaxEntriesInWindow = 1024
	pinnedCfg.MaxEntrySize = 4096
	pinnedCfg.CleanWindow = 0
	pinnedCfg.HardMaxCacheSize = 0
	pinnedCfg.Verbose = false

	pinned, err := bigcache.New(ctx, pinnedCfg)
	if err != nil {
		return nil, fmt.Errorf("init bigcache: %w", err)
	}
	volatile, err := bigcache.New(ctx, volatileConfig(opts))
	if err != nil {
		pinned.Close()
		return nil, fmt.Errorf("init bigcache: %w", err)
	}

	evictable := opts.Evictable
	if evictable == nil {
		evictable = isRuntimeGeneration
	}
	return &memoryStore{pinned: pinned, volatile: volatile, evictable: evictable}, nil
}

func volatileConfig(opts MemoryOptions) bigcache.Config {
	life := opts.LifeWindow
	if life <= 0 {
		life = 24 * time.Hour
	}
	cfg := bigcache.DefaultConfig(life)
	cfg.Shards = 64
	cfg.MaxEntriesInWindow = 1024
	cfg.MaxEntrySize = 4096
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false
	if opts.MaxSizeBytes > 0 {
		mb := int(opts.MaxSizeBytes / (1024 * 1024))
		if mb < 1 {
			mb = 1
		}
		cfg.HardMaxCacheSize = mb
		// 每个分片至少 1MB，否则较大的响应体会被分片上限拒绝
		for cfg.Shards > 1 && cfg.Shards > mb {
			cfg.Shards /= 2
		}
	}
	return cfg
}

func isRuntimeGeneration(generation string) bool {
	return strings.Contains(generation, "-runtime-")
}

// entries 返回保存该 generation 条目的实例。
func (s *memoryStore) entries(generation string) *bigcache.BigCache {
	if s.evictable(generation) {
		return s.volatile
	}
	return s.pinned
}

func (s *memoryStore) Open(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned.Set(memoryMarkerPrefix+generation, []byte{1})
}

func (s *memoryStore) Get(ctx context.Context, generation, key string) (*Response, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, err
	}
	entries := s.entries(generation)
	data, err := entries.Get(memoryEntryKey(generation, key))
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, resp, err := decodeEntry(data)
	if err != nil {
		_ = entries.Delete(memoryEntryKey(generation, key))
		return nil, err
	}
	return resp, nil
}

func (s *memoryStore) Put(ctx context.Context, generation, key string, resp *Response) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	data, err := encodeEntry(key, resp)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.pinned.Set(memoryMarkerPrefix+generation, []byte{1}); err != nil {
		return err
	}
	return s.entries(generation).Set(memoryEntryKey(generation, key), data)
}

func (s *memoryStore) Delete(ctx context.Context, generation, key string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	err := s.entries(generation).Delete(memoryEntryKey(generation, key))
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (s *memoryStore) Keys(ctx context.Context, generation string) ([]string, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, err
	}
	prefix := memoryEntryPrefix + generation + memorySep
	var keys []string
	scan(s.entries(generation), func(raw string) {
		if strings.HasPrefix(raw, prefix) {
			keys = append(keys, strings.TrimPrefix(raw, prefix))
		}
	})
	sort.Strings(keys)
	return keys, ctx.Err()
}

func (s *memoryStore) Generations(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	collect := func(raw string) {
		switch {
		case strings.HasPrefix(raw, memoryMarkerPrefix):
			seen[strings.TrimPrefix(raw, memoryMarkerPrefix)] = struct{}{}
		case strings.HasPrefix(raw, memoryEntryPrefix):
			rest := strings.TrimPrefix(raw, memoryEntryPrefix)
			if idx := strings.Index(rest, memorySep); idx > 0 {
				seen[rest[:idx]] = struct{}{}
			}
		}
	}
	scan(s.pinned, collect)
	scan(s.volatile, collect)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, ctx.Err()
}

func (s *memoryStore) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	if err := validateGeneration(generation); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entryPrefix := memoryEntryPrefix + generation + memorySep
	marker := memoryMarkerPrefix + generation
	found := false
	for _, c := range []*bigcache.BigCache{s.pinned, s.volatile} {
		var victims []string
		scan(c, func(raw string) {
			if raw == marker || strings.HasPrefix(raw, entryPrefix) {
				victims = append(victims, raw)
			}
		})
		for _, key := range victims {
			if err := c.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
				return true, err
			}
		}
		found = found || len(victims) > 0
	}
	return found, nil
}

func (s *memoryStore) Close() error {
	return errors.Join(s.pinned.Close(), s.volatile.Close())
}

func scan(c *bigcache.BigCache, fn func(raw string)) {
	it := c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		fn(info.Key())
	}
}

func memoryEntryKey(generation, key string) string {
	return memoryEntryPrefix + generation + memorySep + key
}
