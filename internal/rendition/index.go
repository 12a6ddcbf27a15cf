package rendition

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current index schema version. Bump this when the
// schema changes; a mismatched index is discarded and rebuilt by Reconcile.
const schemaVersion = 1

// ErrSchemaMismatch indicates the index was written by a different schema version.
var ErrSchemaMismatch = errors.New("rendition: index schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// index persists cache entries in SQLite. The Cache keeps the authoritative
// in-memory view; every mutation is written through.
type index struct {
	db   *sql.DB
	path string
}

func openIndex(ctx context.Context, path string) (*index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rendition: ensure index dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rendition: open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("rendition: apply pragma %q: %w", pragma, execErr)
		}
	}

	idx := &index{db: db, path: path}
	if err := idx.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *index) initSchema(ctx context.Context) error {
	var tableExists int
	err := idx.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("rendition: check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return idx.createSchema(ctx)
	}

	var version int
	if err := idx.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("rendition: read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: index has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (idx *index) createSchema(ctx context.Context) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rendition: begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("rendition: create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("rendition: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rendition: commit schema: %w", err)
	}
	return nil
}

func (idx *index) close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

func (idx *index) load(ctx context.Context) ([]Entry, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT source, width, height, fps, encoder, path, size_bytes, last_used_ns, inserted_seq
         FROM renditions ORDER BY last_used_ns, inserted_seq`)
	if err != nil {
		return nil, fmt.Errorf("rendition: query index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			usedNS int64
		)
		if err := rows.Scan(&e.Source, &e.Width, &e.Height, &e.FPS, &e.Encoder, &e.Path, &e.SizeBytes, &usedNS, &e.InsertedSeq); err != nil {
			return nil, fmt.Errorf("rendition: scan index row: %w", err)
		}
		e.LastUsed = time.Unix(0, usedNS)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rendition: iterate index: %w", err)
	}
	return entries, nil
}

func (idx *index) upsert(ctx context.Context, e Entry) error {
	return idx.exec(ctx,
		`INSERT INTO renditions (source, width, height, fps, encoder, path, size_bytes, last_used_ns, inserted_seq)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (source, width, height, fps, encoder) DO UPDATE SET
             path = excluded.path,
             size_bytes = excluded.size_bytes,
             last_used_ns = excluded.last_used_ns,
             inserted_seq = excluded.inserted_seq`,
		e.Source, e.Width, e.Height, e.FPS, e.Encoder, e.Path, e.SizeBytes, e.LastUsed.UnixNano(), e.InsertedSeq,
	)
}

func (idx *index) touch(ctx context.Context, key Key, at time.Time) error {
	return idx.exec(ctx,
		`UPDATE renditions SET last_used_ns = ?
         WHERE source = ? AND width = ? AND height = ? AND fps = ? AND encoder = ?`,
		at.UnixNano(), key.Source, key.Width, key.Height, key.FPS, key.Encoder,
	)
}

func (idx *index) updateSize(ctx context.Context, key Key, size int64) error {
	return idx.exec(ctx,
		`UPDATE renditions SET size_bytes = ?
         WHERE source = ? AND width = ? AND height = ? AND fps = ? AND encoder = ?`,
		size, key.Source, key.Width, key.Height, key.FPS, key.Encoder,
	)
}

func (idx *index) remove(ctx context.Context, key Key) error {
	return idx.exec(ctx,
		`DELETE FROM renditions
         WHERE source = ? AND width = ? AND height = ? AND fps = ? AND encoder = ?`,
		key.Source, key.Width, key.Height, key.FPS, key.Encoder,
	)
}

func (idx *index) exec(ctx context.Context, query string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return retryOnBusy(ctx, func() error {
		_, err := idx.db.ExecContext(ctx, query, args...)
		return err
	})
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
