package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFileStore 以 <basePath>/<namespace> 为根目录构建磁盘缓存，每个 generation 一个子目录。
func NewFileStore(basePath, namespace string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := validateGeneration(namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, namespace)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		root:  root,
		locks: make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；写入采用临时文件 + rename 保证原子性。
type fileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.generationPath(generation)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStore) Get(ctx context.Context, generation, key string) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(generation, key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	storedKey, resp, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	if storedKey != key {
		// sha256 碰撞几乎不可能，出现时按未命中处理
		return nil, ErrNotFound
	}
	return resp, nil
}

func (s *fileStore) Put(ctx context.Context, generation, key string, resp *Response) error {
	data, err := encodeEntry(key, resp)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(generation, key)
	defer unlock()

	filePath, err := s.entryPath(generation, key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, generation, key string) error {
	unlock := s.lockEntry(generation, key)
	defer unlock()

	filePath, err := s.entryPath(generation, key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context, generation string) ([]string, error) {
	dir, err := s.generationPath(generation)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		key, _, err := decodeEntry(data)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationPath(generation)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(generation, key string) func() {
	lockKey := generation + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) generationPath(generation string) (string, error) {
	if err := validateGeneration(generation); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, generation)
	if filepath.Dir(dir) != s.root {
		return "", fmt.Errorf("%w: %s", ErrInvalidGeneration, generation)
	}
	return dir, nil
}

func (s *fileStore) entryPath(generation, key string) (string, error) {
	dir, err := s.generationPath(generation)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+entrySuffix), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
