package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	logerr "github.com/trustdoors/trustdoors/internal/errors"
	"github.com/trustdoors/trustdoors/pkg/types"
)

const queueDDL = `
CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	row BLOB NOT NULL
)`

// SQLiteStore is the transactional primary backend. Rows are stored as
// snappy-compressed JSON.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStore opens or creates the queue database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to create queue directory", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to open queue database", err)
	}
	// One connection serializes every statement, matching the single-writer
	// model of the queue.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA synchronous=FULL", queueDDL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to initialize queue database", err)
		}
	}

	return &SQLiteStore{db: db, path: path, now: time.Now}, nil
}

// Backend implements Store.
func (s *SQLiteStore) Backend() string { return BackendSQLite }

// Enqueue inserts all rows in one transaction.
func (s *SQLiteStore) Enqueue(ctx context.Context, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to begin enqueue", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO queue (created_at, row) VALUES (?, ?)")
	if err != nil {
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to prepare enqueue", err)
	}
	defer stmt.Close()

	createdAt := s.now().UnixMilli()
	for _, row := range rows {
		blob, err := encodeRow(row)
		if err != nil {
			return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to encode row", err)
		}
		if _, err := stmt.ExecContext(ctx, createdAt, blob); err != nil {
			return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to insert row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to commit enqueue", err)
	}
	return nil
}

// ReadBatch returns the oldest entries by id.
func (s *SQLiteStore) ReadBatch(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, created_at, row FROM queue ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to read batch", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			id        int64
			createdAt int64
			blob      []byte
		)
		if err := rows.Scan(&id, &createdAt, &blob); err != nil {
			return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to scan entry", err)
		}
		row, err := decodeRow(blob)
		if err != nil {
			return nil, logerr.NewStorageError(logerr.CodeReadFailed, fmt.Sprintf("failed to decode entry %d", id), err)
		}
		entries = append(entries, Entry{ID: id, CreatedAt: time.UnixMilli(createdAt), Row: row})
	}
	if err := rows.Err(); err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to iterate batch", err)
	}
	return entries, nil
}

// DeleteEntries removes entries by id in one statement.
func (s *SQLiteStore) DeleteEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	placeholders := make([]string, len(entries))
	args := make([]any, len(entries))
	for i, e := range entries {
		placeholders[i] = "?"
		args[i] = e.ID
	}
	query := "DELETE FROM queue WHERE id IN (" + strings.Join(placeholders, ",") + ")"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to delete entries", err)
	}
	return nil
}

// Clear deletes every queued entry.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM queue"); err != nil {
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to clear queue", err)
	}
	return nil
}

// Len returns the number of queued entries.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue").Scan(&n); err != nil {
		return 0, logerr.NewStorageError(logerr.CodeReadFailed, "failed to count queue", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeRow(row types.Row) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func decodeRow(blob []byte) (types.Row, error) {
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, err
	}
	var row types.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}
