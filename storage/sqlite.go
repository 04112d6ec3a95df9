package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	prefix     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
	PRIMARY KEY (prefix, key)
)`

type sqliteStorage struct {
	path string
	db   *sql.DB
}

// NewSQLiteStorage returns a Storage backed by a single sqlite file. Call Init
// before use.
func NewSQLiteStorage(path string) Storage {
	return &sqliteStorage{path: path}
}

func (s *sqliteStorage) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.db = db
	return nil
}

func (s *sqliteStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStorage) Put(ctx context.Context, prefix string, key string, data map[string]any) error {
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (prefix, key, value, updated_at) VALUES (?, ?, ?, strftime('%s','now'))
		 ON CONFLICT(prefix, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		prefix, key, string(value))
	if err != nil {
		return fmt.Errorf("failed to write %s%s: %w", prefix, key, err)
	}
	return nil
}

func (s *sqliteStorage) Get(ctx context.Context, prefix string, key string) (map[string]any, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE prefix = ? AND key = ?`, prefix, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s%s: %w", prefix, key, err)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(value)))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode %s%s: %w", prefix, key, err)
	}
	return data, nil
}

func (s *sqliteStorage) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE prefix = ? ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, prefix string, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE prefix = ? AND key = ?`, prefix, key); err != nil {
		return fmt.Errorf("failed to delete %s%s: %w", prefix, key, err)
	}
	return nil
}
