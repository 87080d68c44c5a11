package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const kvSchema = `CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`

// KV is a device-local durable key/value table. It backs the offline
// mutation queue, so reads of a missing key return "" rather than an error.
type KV struct {
	db      *sql.DB
	timeout time.Duration
}

func OpenKV(path string) (*KV, error) {
	if path == "" {
		return nil, fmt.Errorf("kv path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return newKV(db)
}

func OpenKVInMemory() (*KV, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open kv: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newKV(db)
}

func newKV(db *sql.DB) (*KV, error) {
	if _, err := db.Exec(kvSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply kv schema: %w", err)
	}
	return &KV{db: db, timeout: 5 * time.Second}, nil
}

func (k *KV) Get(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	var value string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

func (k *KV) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return RetryOnDBLock(func() error {
		_, err := k.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("kv set %s: %w", key, err)
		}
		return nil
	})
}

func (k *KV) Close() error {
	return k.db.Close()
}
