package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 支持的存储后端。
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options 汇总各后端需要的参数，由 config.GlobalConfig 映射而来。
type Options struct {
	Backend        string
	StoragePath    string
	SQLitePath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string
	MaxMemoryBytes int64
	EntryLifetime  time.Duration
}

// Factory 按命名空间（站点名）打开独立的 Store，共享底层连接。
type Factory interface {
	Open(ctx context.Context, namespace string) (Store, error)
	Backend() string
	Close() error
}

// NewFactory 根据 Options.Backend 构建工厂，未填写时默认磁盘后端。
func NewFactory(ctx context.Context, opts Options) (Factory, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch backend {
	case "", BackendFS:
		if opts.StoragePath == "" {
			return nil, errors.New("storage path required")
		}
		return fsFactory{basePath: opts.StoragePath}, nil
	case BackendMemory:
		return memoryFactory{opts: MemoryOptions{MaxSizeBytes: opts.MaxMemoryBytes, LifeWindow: opts.EntryLifetime}}, nil
	case BackendSQLite:
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &sqliteFactory{db: db, writeMutex: &sync.Mutex{}}, nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", opts.RedisAddr, err)
		}
		return &redisFactory{client: client, keyPrefix: opts.RedisKeyPrefix}, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", opts.Backend)
	}
}

type fsFactory struct {
	basePath string
}

func (f fsFactory) Open(_ context.Context, namespace string) (Store, error) {
	return NewFileStore(f.basePath, namespace)
}

func (f fsFactory) Backend() string { return BackendFS }

func (f fsFactory) Close() error { return nil }

type memoryFactory struct {
	opts MemoryOptions
}

func (f memoryFactory) Open(ctx context.Context, _ string) (Store, error) {
	return NewMemoryStore(ctx, f.opts)
}

func (f memoryFactory) Backend() string { return BackendMemory }

func (f memoryFactory) Close() error { return nil }

type sqliteFactory struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func (f *sqliteFactory) Open(_ context.Context, namespace string) (Store, error) {
	return NewSQLiteStore(f.db, namespace, f.writeMutex)
}

func (f *sqliteFactory) Backend() string { return BackendSQLite }

func (f *sqliteFactory) Close() error { return f.db.Close() }

type redisFactory struct {
	client    *redis.Client
	keyPrefix string
}

func (f *redisFactory) Open(_ context.Context, namespace string) (Store, error) {
	return NewRedisStore(f.client, f.keyPrefix, namespace)
}

func (f *redisFactory) Backend() string { return BackendRedis }

func (f *redisFactory) Close() error { return f.client.Close() }
