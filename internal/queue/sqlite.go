package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_operations (
    id          TEXT PRIMARY KEY,
    body        BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// SQLiteStore keeps operations in a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens (creating if needed) a SQLite queue store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create sqlite queue dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(full)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite queue schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Compile-time interface verification
var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Load(ctx context.Context) ([]Operation, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM sync_operations`)
	if err != nil {
		return nil, fmt.Errorf("sqlite load: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	corrupt := &CorruptRecordsError{}
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("sqlite load: %w", err)
		}
		op, err := decodeOperation(id, body)
		if err != nil {
			corrupt.add(id, err)
			continue
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite load: %w", err)
	}
	return ops, corrupt.result()
}

func (s *SQLiteStore) Save(ctx context.Context, op Operation) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	b, err := encodeOperation(op)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sync_operations (id, body, updated_at) VALUES (?, ?, strftime('%s','now'))
ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		op.ID, b)
	if err != nil {
		return fmt.Errorf("sqlite save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
