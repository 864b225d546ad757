// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/securedrop/securedrop/internal/metadata"
	"github.com/securedrop/securedrop/internal/metrics"
)

// Store is a PostgreSQL metadata.Store. Per-code mutual exclusion for
// Mutate is provided by row-level locking (SELECT ... FOR UPDATE), and
// access code uniqueness by a unique index enforced at insert time.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS file_records (
	access_code    TEXT PRIMARY KEY,
	file_name      TEXT NOT NULL,
	content_type   TEXT NOT NULL,
	size           BIGINT NOT NULL,
	storage_path   TEXT NOT NULL,
	owner_id       TEXT NOT NULL DEFAULT '',
	mode           TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	max_downloads  INTEGER NOT NULL,
	download_count INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_records_owner
	ON file_records (owner_id, created_at DESC) WHERE owner_id <> '';
CREATE INDEX IF NOT EXISTS idx_file_records_expires
	ON file_records (expires_at);
`

const recordColumns = `access_code, file_name, content_type, size, storage_path,
	owner_id, mode, created_at, expires_at, max_downloads, download_count, status`

// New opens a connection pool and verifies it with a ping.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// EnsureSchema creates the file_records table and indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics publishes the current pool stats.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Insert persists a new record; a duplicate access code surfaces as
// metadata.ErrCodeTaken via the unique-violation error code.
func (s *Store) Insert(ctx context.Context, rec *metadata.FileRecord) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_record", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.AccessCode, rec.FileName, rec.ContentType, rec.Size, rec.StoragePath,
		rec.OwnerID, string(rec.Mode), rec.CreatedAt, rec.ExpiresAt,
		rec.MaxDownloads, rec.DownloadCount, string(rec.Status))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return metadata.ErrCodeTaken
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetByCode returns the record for an access code.
func (s *Store) GetByCode(ctx context.Context, code string) (*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_by_code", time.Since(start)) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM file_records WHERE access_code = $1`, code)
	return scanRecord(row)
}

// Mutate locks the row, runs fn, and writes the result back when fn asks
// for it. The transaction commits whenever save is true so status
// transitions persist even when fn also reports an error.
func (s *Store) Mutate(ctx context.Context, code string, fn metadata.MutateFunc) (*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("mutate_record", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM file_records WHERE access_code = $1 FOR UPDATE`, code)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}

	save, fnErr := fn(rec)
	if !save {
		return rec, fnErr
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE file_records SET
			file_name = $2, content_type = $3, size = $4, storage_path = $5,
			owner_id = $6, mode = $7, expires_at = $8, max_downloads = $9,
			download_count = $10, status = $11
		 WHERE access_code = $1`,
		rec.AccessCode, rec.FileName, rec.ContentType, rec.Size, rec.StoragePath,
		rec.OwnerID, string(rec.Mode), rec.ExpiresAt,
		rec.MaxDownloads, rec.DownloadCount, string(rec.Status))
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, fnErr
}

// Delete removes the record, reporting whether one existed.
func (s *Store) Delete(ctx context.Context, code string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_record", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM file_records WHERE access_code = $1`, code)
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListByOwner returns one page of an owner's records, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, page, pageSize int) ([]*metadata.FileRecord, int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_by_owner", time.Since(start)) }()

	if ownerID == "" {
		return []*metadata.FileRecord{}, 0, nil
	}
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_records WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count by owner: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM file_records
		 WHERE owner_id = $1
		 ORDER BY created_at DESC, access_code
		 LIMIT $2 OFFSET $3`,
		ownerID, pageSize, page*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("query by owner: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListReclaimable returns all records with an exhausted quota or a passed
// expiry deadline.
func (s *Store) ListReclaimable(ctx context.Context, now time.Time) ([]*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_reclaimable", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM file_records
		 WHERE (max_downloads > 0 AND download_count >= max_downloads)
		    OR expires_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("query reclaimable: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*metadata.FileRecord, error) {
	var rec metadata.FileRecord
	var mode, status string
	err := row.Scan(&rec.AccessCode, &rec.FileName, &rec.ContentType, &rec.Size,
		&rec.StoragePath, &rec.OwnerID, &mode, &rec.CreatedAt, &rec.ExpiresAt,
		&rec.MaxDownloads, &rec.DownloadCount, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, metadata.ErrNotFound
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.Mode = metadata.StorageMode(mode)
	rec.Status = metadata.Status(status)
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*metadata.FileRecord, error) {
	var out []*metadata.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
