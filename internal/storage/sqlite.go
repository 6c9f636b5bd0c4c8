package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteBackend implements Backend with objects stored as BLOBs in a single
// SQLite table. It suits small embedded deployments and tests.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS object_data (
			bucket     TEXT    NOT NULL,
			key        TEXT    NOT NULL,
			data       BLOB    NOT NULL,
			size       INTEGER NOT NULL,
			updated_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			PRIMARY KEY (bucket, key)
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// GetObject selects the object's BLOB.
func (b *SQLiteBackend) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q/%q: %w", bucket, key, err)
	}
	return data, nil
}

// PutObject upserts the object row.
func (b *SQLiteBackend) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := validKey(bucket, key); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO object_data (bucket, key, data, size) VALUES (?, ?, ?, ?)`,
		bucket, key, data, len(data),
	)
	if err != nil {
		return fmt.Errorf("putting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

// ObjectExists checks for the object row.
func (b *SQLiteBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking object existence %q/%q: %w", bucket, key, err)
	}
	return true, nil
}

// EnsureDirectory is a no-op; keys are flat.
func (b *SQLiteBackend) EnsureDirectory(ctx context.Context, bucket, dir string) error {
	return nil
}

// DeleteObject deletes the object row if present.
func (b *SQLiteBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM object_data WHERE bucket = ? AND key = ?`,
		bucket, key,
	)
	if err != nil {
		return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
	}
	return nil
}

// ListObjects returns keys with prefix. substr is used instead of LIKE so
// "%" and "_" in prefixes match literally.
func (b *SQLiteBackend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM object_data WHERE bucket = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		bucket, utf8.RuneCountInString(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", bucket, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// HealthCheck pings the database.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

var _ Backend = (*SQLiteBackend)(nil)
