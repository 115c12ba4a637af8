package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore implements Store on an embedded libSQL (SQLite fork) file.
// Several processes may share one file; the lock table coordinates them.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(migrationFiles)
	if err != nil {
		return err
	}
	return migrate(ctx, s.db, migrations)
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_fields WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, storeErr("exists", key, err)
	}
	return n > 0, nil
}

func (s *LibSQLStore) Get(ctx context.Context, key, field string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_fields WHERE key = ? AND field = ?`, key, field,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("get", key, err)
	}
	return v, true, nil
}

func (s *LibSQLStore) GetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv_fields WHERE key = ?`, key)
	if err != nil {
		return nil, storeErr("get all", key, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var (
			f string
			v []byte
		)
		if err := rows.Scan(&f, &v); err != nil {
			return nil, storeErr("get all", key, err)
		}
		out[f] = v
	}
	return out, rows.Err()
}

func (s *LibSQLStore) Set(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("set", key, err)
	}
	for f, v := range fields {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv_fields (key, field, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, f, v,
		)
		if err != nil {
			_ = tx.Rollback()
			return storeErr("set", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("set", key, err)
	}
	return nil
}

func (s *LibSQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_fields WHERE key = ?`, key); err != nil {
		return storeErr("delete", key, err)
	}
	return nil
}

func (s *LibSQLStore) DeleteFields(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)+1)
	args = append(args, key)
	for _, f := range fields {
		args = append(args, f)
	}
	q := `DELETE FROM kv_fields WHERE key = ? AND field IN (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(fields)), ", ") + `)`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return storeErr("delete fields", key, err)
	}
	return nil
}

func (s *LibSQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT key FROM kv_fields WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix,
	)
	if err != nil {
		return nil, storeErr("keys", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storeErr("keys", prefix, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *LibSQLStore) Lock(ctx context.Context, key string, opts LockOptions) (Lock, error) {
	l := &libsqlLock{db: s.db, key: key, token: uuid.NewString(), ttl: opts.ttl()}
	err := acquire(ctx, key, opts.Wait, func(ctx context.Context) (bool, error) {
		now := time.Now()
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO kv_locks (key, token, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
			 WHERE kv_locks.expires_at <= ?`,
			key, l.token, now.Add(l.ttl).UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return false, storeErr("lock", key, err)
		}
		return checkRowsAffected(res)
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

type libsqlLock struct {
	db    *sql.DB
	key   string
	token string
	ttl   time.Duration
}

func (l *libsqlLock) Extend(ctx context.Context) error {
	now := time.Now()
	res, err := l.db.ExecContext(ctx,
		`UPDATE kv_locks SET expires_at = ? WHERE key = ? AND token = ? AND expires_at > ?`,
		now.Add(l.ttl).UnixMilli(), l.key, l.token, now.UnixMilli(),
	)
	if err != nil {
		return storeErr("extend lock", l.key, err)
	}
	ok, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return lockLost(l.key)
	}
	return nil
}

func (l *libsqlLock) Unlock(ctx context.Context) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM kv_locks WHERE key = ? AND token = ?`, l.key, l.token)
	if err != nil {
		return storeErr("unlock", l.key, err)
	}
	ok, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return lockLost(l.key)
	}
	return nil
}
