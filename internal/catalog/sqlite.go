package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore keeps the catalog in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the catalog database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing catalog database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS previews (
			bucket       TEXT    NOT NULL,
			object_path  TEXT    NOT NULL,
			size         TEXT    NOT NULL,
			preview_path TEXT    NOT NULL,
			bytes        INTEGER NOT NULL DEFAULT 0,
			etag         TEXT    NOT NULL DEFAULT '',
			created_at   TEXT    NOT NULL,
			PRIMARY KEY (bucket, object_path, size)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO previews (bucket, object_path, size, preview_path, bytes, etag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket, object_path, size) DO UPDATE SET
			preview_path = excluded.preview_path,
			bytes        = excluded.bytes,
			etag         = excluded.etag,
			created_at   = excluded.created_at`,
		rec.Bucket, rec.ObjectPath, rec.Size, rec.PreviewPath, rec.Bytes, rec.ETag, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording preview: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, bucket, objectPath, size string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT bucket, object_path, size, preview_path, bytes, etag, created_at
		FROM previews WHERE bucket = ? AND object_path = ? AND size = ?`,
		bucket, objectPath, size,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting preview record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListForObject(ctx context.Context, bucket, objectPath string) ([]Record, error) {
	return s.query(ctx, `
		SELECT bucket, object_path, size, preview_path, bytes, etag, created_at
		FROM previews WHERE bucket = ? AND object_path = ?
		ORDER BY size`,
		bucket, objectPath,
	)
}

func (s *SQLiteStore) List(ctx context.Context, bucket string) ([]Record, error) {
	if bucket == "" {
		return s.query(ctx, `
			SELECT bucket, object_path, size, preview_path, bytes, etag, created_at
			FROM previews ORDER BY bucket, object_path, size`)
	}
	return s.query(ctx, `
		SELECT bucket, object_path, size, preview_path, bytes, etag, created_at
		FROM previews WHERE bucket = ?
		ORDER BY bucket, object_path, size`,
		bucket,
	)
}

func (s *SQLiteStore) Delete(ctx context.Context, bucket, objectPath, size string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM previews WHERE bucket = ? AND object_path = ? AND size = ?`,
		bucket, objectPath, size,
	)
	if err != nil {
		return fmt.Errorf("deleting preview record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing preview records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning preview record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var createdAt string
	if err := sc.Scan(&rec.Bucket, &rec.ObjectPath, &rec.Size, &rec.PreviewPath, &rec.Bytes, &rec.ETag, &createdAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

var _ Store = (*SQLiteStore)(nil)
