package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/statecore/internal/value"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on kv.updated_at
const currentSchemaVersion = 1

// DefaultMaxBlobSize mirrors the per-origin quota of browser local storage.
const DefaultMaxBlobSize = 5 << 20

// SQLiteStorage stores blobs in a single SQLite table.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
type SQLiteStorage struct {
	db      *sql.DB
	maxBlob int
	now     func() time.Time
}

// SQLiteOption configures a SQLiteStorage.
type SQLiteOption func(*SQLiteStorage)

// WithMaxBlobSize caps the encoded size of one blob. Saves over the cap
// fail with ErrQuotaExceeded.
func WithMaxBlobSize(n int) SQLiteOption {
	return func(s *SQLiteStorage) {
		s.maxBlob = n
	}
}

// WithNow overrides the timestamp source for updated_at.
func WithNow(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStorage) {
		s.now = now
	}
}

// OpenSQLite creates or opens a database at path. Use ":memory:" for an
// ephemeral database. Pragmas and migrations are applied on open.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db, maxBlob: DefaultMaxBlobSize, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load reads and decodes the blob under key.
func (s *SQLiteStorage) Load(ctx context.Context, key string) (value.Object, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %q: %w", key, err)
	}
	obj, err := value.ParseObject(blob)
	if err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return obj, true, nil
}

// Save upserts obj under key as canonical JSON.
func (s *SQLiteStorage) Save(ctx context.Context, key string, obj value.Object) error {
	blob, err := value.MarshalCanonical(obj)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if s.maxBlob > 0 && len(blob) > s.maxBlob {
		return fmt.Errorf("save %q (%d bytes, limit %d): %w", key, len(blob), s.maxBlob, ErrQuotaExceeded)
	}
	digest, err := value.Hash(value.DomainSnapshot, obj)
	if err != nil {
		return fmt.Errorf("hash %q: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, digest, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			digest = excluded.digest,
			updated_at = excluded.updated_at
		WHERE kv.digest != excluded.digest
	`, key, blob, digest, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	return nil
}

// Digest returns the content hash of the blob under key, or "" if absent.
func (s *SQLiteStorage) Digest(ctx context.Context, key string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM kv WHERE key = ?`, key).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("digest %q: %w", key, err)
	}
	return digest, nil
}

// UpdatedAt returns when key was last changed.
func (s *SQLiteStorage) UpdatedAt(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM kv WHERE key = ?`, key).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("updated_at %q: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

// Keys lists stored keys in ascending order.
func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_kv_updated_at ON kv(updated_at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
