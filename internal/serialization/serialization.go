// Package serialization handles preview catalog export/import as JSON.
package serialization

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pixcache/pixcache/internal/catalog"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	envelopeKey = "pixcache_export"
	previewsKey = "previews"
	timeFormat  = "2006-01-02T15:04:05.000Z"
)

// ExportOptions configures what to export.
type ExportOptions struct {
	// Bucket limits the export to one bucket. Empty exports every bucket.
	Bucket string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes every existing record before importing.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Imported int
	Skipped  int
	Warnings []string
}

// ExportCatalog renders the records of store as a JSON document with sorted
// keys.
func ExportCatalog(ctx context.Context, store catalog.Store, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{}
	}
	records, err := store.List(ctx, opts.Bucket)
	if err != nil {
		return "", fmt.Errorf("listing catalog: %w", err)
	}

	rows := make([]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, recordToRow(rec))
	}

	result := map[string]any{
		envelopeKey: map[string]any{
			"version":     ExportVersion,
			"exported_at": time.Now().UTC().Format(timeFormat),
			"source":      "go/" + Version,
		},
		previewsKey: rows,
	}
	if opts.Bucket != "" {
		result[envelopeKey].(map[string]any)["bucket"] = opts.Bucket
	}
	return marshalSorted(result)
}

// ImportCatalog loads an export document into store. Without Replace,
// records that already exist are skipped.
func ImportCatalog(ctx context.Context, store catalog.Store, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	envelope, _ := data[envelopeKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}
	rowList, _ := data[previewsKey].([]any)

	if opts.Replace {
		existing, err := store.List(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("listing catalog: %w", err)
		}
		for _, rec := range existing {
			if err := store.Delete(ctx, rec.Bucket, rec.ObjectPath, rec.Size); err != nil {
				return nil, fmt.Errorf("deleting %s/%s@%s: %w", rec.Bucket, rec.ObjectPath, rec.Size, err)
			}
		}
	}

	result := &ImportResult{}
	for i, rawRow := range rowList {
		rowMap, ok := rawRow.(map[string]any)
		if !ok {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped row %d: not an object", i))
			continue
		}
		rec, err := rowToRecord(rowMap)
		if err != nil {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped row %d: %v", i, err))
			continue
		}

		if !opts.Replace {
			existing, err := store.Get(ctx, rec.Bucket, rec.ObjectPath, rec.Size)
			if err != nil {
				return result, fmt.Errorf("reading %s/%s@%s: %w", rec.Bucket, rec.ObjectPath, rec.Size, err)
			}
			if existing != nil {
				result.Skipped++
				continue
			}
		}

		if err := store.Put(ctx, rec); err != nil {
			return result, fmt.Errorf("writing %s/%s@%s: %w", rec.Bucket, rec.ObjectPath, rec.Size, err)
		}
		result.Imported++
	}
	return result, nil
}

func recordToRow(rec catalog.Record) map[string]any {
	return map[string]any{
		"bucket":       rec.Bucket,
		"object_path":  rec.ObjectPath,
		"size":         rec.Size,
		"preview_path": rec.PreviewPath,
		"bytes":        rec.Bytes,
		"etag":         rec.ETag,
		"created_at":   rec.CreatedAt.UTC().Format(timeFormat),
	}
}

func rowToRecord(row map[string]any) (*catalog.Record, error) {
	str := func(col string) string {
		s, _ := row[col].(string)
		return s
	}
	for _, col := range []string{"bucket", "object_path", "size", "preview_path"} {
		if str(col) == "" {
			return nil, fmt.Errorf("missing %s", col)
		}
	}

	rec := &catalog.Record{
		Bucket:      str("bucket"),
		ObjectPath:  str("object_path"),
		Size:        str("size"),
		PreviewPath: str("preview_path"),
		ETag:        str("etag"),
	}
	if n, ok := row["bytes"].(float64); ok {
		rec.Bytes = int64(n)
	}
	if s := str("created_at"); s != "" {
		t, err := time.Parse(timeFormat, s)
		if err != nil {
			return nil, fmt.Errorf("invalid created_at %q", s)
		}
		rec.CreatedAt = t
	}
	return rec, nil
}

// marshalSorted produces JSON with 2-space indent. encoding/json writes map
// keys in sorted order, so output is stable for a given catalog.
func marshalSorted(data map[string]any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
