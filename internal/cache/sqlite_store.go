package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// OpenSQLite 打开（或创建）SQLite 数据库并初始化表结构，多个命名空间共享同一连接池。
// filename 为空时使用共享内存库。
func OpenSQLite(filename string) (*sql.DB, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, name)
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT NOT NULL,
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			payload BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return db, nil
}

// sqliteStore 在共享 DB 上按 namespace 列隔离站点，写操作通过互斥锁串行化。
type sqliteStore struct {
	db         *sql.DB
	namespace  string
	writeMutex *sync.Mutex
}

// NewSQLiteStore 在已打开的 DB 上构建命名空间视图，Close 不会关闭 DB。
func NewSQLiteStore(db *sql.DB, namespace string, writeMutex *sync.Mutex) (Store, error) {
	if db == nil {
		return nil, errors.New("sqlite db required")
	}
	if err := validateGeneration(namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	if writeMutex == nil {
		writeMutex = &sync.Mutex{}
	}
	return &sqliteStore{db: db, namespace: namespace, writeMutex: writeMutex}, nil
}

func (s *sqliteStore) Open(ctx context.Context, generation string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (namespace, name, created_at) VALUES (?, ?, ?)",
		s.namespace, generation, time.Now().Unix())
	return err
}

func (s *sqliteStore) Get(ctx context.Context, generation, key string) (*Response, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM entries WHERE namespace = ? AND generation = ? AND key = ?",
		s.namespace, generation, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, resp, err := decodeEntry(payload)
	return resp, err
}

func (s *sqliteStore) Put(ctx context.Context, generation, key string, resp *Response) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	payload, err := encodeEntry(key, resp)
	if err != nil {
		return err
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (namespace, name, created_at) VALUES (?, ?, ?)",
		s.namespace, generation, now); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (namespace, generation, key, payload, stored_at) VALUES (?, ?, ?, ?, ?)",
		s.namespace, generation, key, payload, now); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, generation, key string) error {
	if err := validateGeneration(generation); err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE namespace = ? AND generation = ? AND key = ?",
		s.namespace, generation, key)
	return err
}

func (s *sqliteStore) Keys(ctx context.Context, generation string) ([]string, error) {
	if err := validateGeneration(generation); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE namespace = ? AND generation = ? ORDER BY key",
		s.namespace, generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *sqliteStore) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM generations WHERE namespace = ?
		 UNION
		 SELECT DISTINCT generation FROM entries WHERE namespace = ?
		 ORDER BY 1`,
		s.namespace, s.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *sqliteStore) DeleteGeneration(ctx context.Context, generation string) (bool, error) {
	if err := validateGeneration(generation); err != nil {
		return false, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	entries, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE namespace = ? AND generation = ?", s.namespace, generation)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	gens, err := tx.ExecContext(ctx,
		"DELETE FROM generations WHERE namespace = ? AND name = ?", s.namespace, generation)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	removedEntries, _ := entries.RowsAffected()
	removedGens, _ := gens.RowsAffected()
	return removedEntries > 0 || removedGens > 0, nil
}

func (s *sqliteStore) Close() error {
	return nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}
