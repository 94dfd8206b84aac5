package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Ensure both stores implement Store
var (
	_ Store = (*BoltDB)(nil)
	_ Store = (*SQLiteStore)(nil)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS receipts (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    vendor TEXT NOT NULL DEFAULT '',
    total TEXT NOT NULL DEFAULT '',
    date TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    image_key TEXT NOT NULL DEFAULT '',
    image_type TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_owner_id ON receipts(owner_id);
`

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Put inserts or replaces a record
func (s *SQLiteStore) Put(ctx context.Context, record *Record) error {
	if record.ID == "" || record.OwnerID == "" {
		return fmt.Errorf("record id and owner are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO receipts
			(id, owner_id, vendor, total, date, category, image_key, image_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.OwnerID, record.Vendor, record.Total, record.Date, record.Category,
		record.ImageKey, record.ImageType, record.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting receipt: %w", err)
	}
	return nil
}

// Get retrieves the owner's record by ID
func (s *SQLiteStore) Get(ctx context.Context, ownerID, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, vendor, total, date, category, image_key, image_type, created_at
		FROM receipts WHERE id = ? AND owner_id = ?`, id, ownerID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying receipt: %w", err)
	}
	return record, nil
}

// ListByOwner returns all records of one owner
func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, vendor, total, date, category, image_key, image_type, created_at
		FROM receipts WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating receipts: %w", err)
	}
	return records, nil
}

// Delete removes the owner's record; deleting a missing record succeeds
func (s *SQLiteStore) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM receipts WHERE id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record    Record
		createdAt int64
	)
	err := row.Scan(&record.ID, &record.OwnerID, &record.Vendor, &record.Total, &record.Date,
		&record.Category, &record.ImageKey, &record.ImageType, &createdAt)
	if err != nil {
		return nil, err
	}
	record.CreatedAt = time.Unix(0, createdAt).UTC()
	return &record, nil
}
