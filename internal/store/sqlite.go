package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhubert/relay/internal/errors"
)

// snapshotRow is the fixed primary key of the single snapshot row.
const snapshotRow = 1

// SQLiteStore keeps the snapshot in one row of a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.PersistenceFailed("sqlite", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.PersistenceFailed("sqlite", err)
	}
	s, err := NewSQLiteStoreFromDB(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an open database, creating the table.
func NewSQLiteStoreFromDB(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL,
		saved_at TEXT NOT NULL,
		payload BLOB NOT NULL
	);`)
	if err != nil {
		return errors.PersistenceFailed("sqlite", err)
	}
	return nil
}

// Load reads the snapshot row.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE id = ?`, snapshotRow).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(errors.Op("store.Load"), errors.KindPersistence, "sqlite backend", err)
	}
	return decode("sqlite", payload)
}

// Save upserts the snapshot row.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encode("sqlite", snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(id, version, saved_at, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, saved_at = excluded.saved_at, payload = excluded.payload`,
		snapshotRow, snap.Version, snap.SavedAt.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return errors.PersistenceFailed("sqlite", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
