package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// redisStore 每个 generation 对应一个 hash（field = 请求标识），另用 set 记录 generation 名称。
type redisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	namespace string
}

// NewRedisStore 在共享 client 上构建命名空间视图，Close 不会关闭 client。
func NewRedisStore(client redis.UniversalClient, keyPrefix, namespace string) (Store, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if err := validateGeneration(namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "shellcache"
	}
	return &redisStore{client: client, keyPrefix: keyPrefix, namespace: namespace}, nil
}

func (s *redisStore) generationsKey() string {
	return fmt.Sprintf("%s:%s:generations", s.keyPrefix, s.namespace)
}

func (s *redisStore) generationKey(generation string) string {
	return fmt.Sprintf("%s:%s:gen:%s", s.keyPrefix, s.namespace, generation)
}

func (s *redisStore) Open(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.generationsKey(), generation).Err()
}

func (s *redisStore) Get(ctx context.Context, generation, key string) (*Response, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, err
	}
	data, err := s.client.HGet(ctx, s.generationKey(generation), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, resp, err := decodeEntry(data)
	return resp, err
}

func (s *redisStore) Put(ctx context.Context, generation, key string, resp *Response) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	data, err := encodeEntry(key, resp)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.generationsKey(), generation)
		pipe.HSet(ctx, s.generationKey(generation), key, data)
		return nil
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, generation, key string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	return s.client.HDel(ctx, s.generationKey(generation), key).Err()
}

func (s *redisStore) Keys(ctx context.Context, generation string) ([]string, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, err
	}
	keys, err := s.client.HKeys(ctx, s.generationKey(generation)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) Generations(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.generationsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	if err := validateGeneration(generation); err != nil {
		return false, err
	}
	var removed *redis.IntCmd
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.generationKey(generation))
		removed = pipe.SRem(ctx, s.generationsKey(), generation)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0 || deleted.Val() > 0, nil
}

func (s *redisStore) Close() error {
	return nil
}
