// Package receiver stores delivered event rows. Deliveries are at-least-once,
// so every row is keyed for deduplication, and participant deletion leaves a
// tombstone that refuses rows arriving afterwards.
package receiver

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spaolacci/murmur3"

	logerr "github.com/trustdoors/trustdoors/internal/errors"
	"github.com/trustdoors/trustdoors/pkg/types"
)

const sinkDDL = `
CREATE TABLE IF NOT EXISTS events (
	dedupe_key TEXT PRIMARY KEY,
	row_id TEXT,
	session_id TEXT,
	participant_id TEXT,
	event_type TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	row BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_participant ON events(participant_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE TABLE IF NOT EXISTS tombstones (
	participant_id TEXT PRIMARY KEY,
	deleted_at INTEGER NOT NULL
);
`

// IngestResult reports what happened to a delivered batch.
type IngestResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Refused    int `json:"refused"`
}

// Stats summarizes stored data.
type Stats struct {
	Rows         int64 `json:"rows"`
	Participants int64 `json:"participants"`
	Sessions     int64 `json:"sessions"`
	Tombstones   int64 `json:"tombstones"`
}

// Sink is the receiver's event store.
type Sink struct {
	db      *sql.DB
	archive *Archive
	now     func() time.Time
	logger  *slog.Logger
}

// OpenSink opens or creates the event database at path. archive may be nil.
func OpenSink(ctx context.Context, path string, archive *Archive, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to create receiver directory", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to open event database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sinkDDL); err != nil {
		db.Close()
		return nil, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to initialize event database", err)
	}

	return &Sink{
		db:      db,
		archive: archive,
		now:     time.Now,
		logger:  logger.With("component", "receiver"),
	}, nil
}

// DedupeKey identifies a row across redeliveries: its row_id when stamped,
// otherwise a 128-bit fingerprint of its canonical JSON.
func DedupeKey(row types.Row) (string, error) {
	if id := row.RowID(); id != "" {
		return "id:" + id, nil
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	h := murmur3.New128()
	h.Write(data)
	return "fp:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Ingest stores a batch. Rows without an event type and rows for tombstoned
// participants are refused; rows already stored are counted as duplicates.
func (s *Sink) Ingest(ctx context.Context, rows []types.Row) (IngestResult, error) {
	var result IngestResult
	if len(rows) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to begin ingest", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events
		(dedupe_key, row_id, session_id, participant_id, event_type, received_at, row)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return result, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to prepare ingest", err)
	}
	defer stmt.Close()

	tombstoned := make(map[string]bool)
	receivedAt := s.now().UnixMilli()
	accepted := make([]types.Row, 0, len(rows))

	for _, row := range rows {
		if row == nil || row.EventType() == "" {
			result.Refused++
			continue
		}

		pid := row.ParticipantID()
		dead, seen := tombstoned[pid]
		if !seen {
			dead, err = isTombstoned(ctx, tx, pid)
			if err != nil {
				return result, err
			}
			tombstoned[pid] = dead
		}
		if dead {
			result.Refused++
			continue
		}

		key, err := DedupeKey(row)
		if err != nil {
			result.Refused++
			continue
		}
		data, err := json.Marshal(row)
		if err != nil {
			result.Refused++
			continue
		}

		res, err := stmt.ExecContext(ctx, key, nullable(row.RowID()), nullable(row.SessionID()),
			nullable(pid), row.EventType(), receivedAt, snappy.Encode(nil, data))
		if err != nil {
			return result, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to insert event", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Duplicates++
			continue
		}
		result.Inserted++
		accepted = append(accepted, row)
	}

	if err := tx.Commit(); err != nil {
		return IngestResult{}, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to commit ingest", err)
	}

	if s.archive != nil && len(accepted) > 0 {
		if _, err := s.archive.Write(ctx, accepted); err != nil {
			s.logger.Warn("failed to archive batch", "rows", len(accepted), "error", err)
		}
	}
	if result.Refused > 0 {
		s.logger.Debug("refused rows", "count", result.Refused)
	}
	return result, nil
}

func isTombstoned(ctx context.Context, tx *sql.Tx, participantID string) (bool, error) {
	if participantID == "" {
		return false, nil
	}
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM tombstones WHERE participant_id = ?", participantID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, logerr.NewStorageError(logerr.CodeReadFailed, "failed to check tombstone", err)
	}
	return true, nil
}

// DeleteParticipant removes every row for a participant together with the
// archived batches and records a tombstone. It returns the number of rows
// deleted.
func (s *Sink) DeleteParticipant(ctx context.Context, participantID string) (int64, error) {
	if participantID == "" {
		return 0, logerr.NewValidationError(logerr.CodeInvalidPayload, "participant_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to begin delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM events WHERE participant_id = ?", participantID)
	if err != nil {
		return 0, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to delete events", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO tombstones (participant_id, deleted_at) VALUES (?, ?)",
		participantID, s.now().UnixMilli()); err != nil {
		return 0, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to record tombstone", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to commit delete", err)
	}

	if s.archive != nil {
		objects, err := s.archive.DeleteParticipant(ctx, participantID)
		if err != nil {
			s.logger.Warn("failed to delete archived batches", "participant_id", participantID, "error", err)
		} else if objects > 0 {
			s.logger.Debug("deleted archived batches", "participant_id", participantID, "objects", objects)
		}
	}

	s.logger.Info("participant deleted", "participant_id", participantID, "rows", deleted)
	return deleted, nil
}

// Rows returns the stored rows for a participant in arrival order.
func (s *Sink) Rows(ctx context.Context, participantID string) ([]types.Row, error) {
	rs, err := s.db.QueryContext(ctx,
		"SELECT row FROM events WHERE participant_id = ? ORDER BY rowid", participantID)
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to query events", err)
	}
	defer rs.Close()

	var rows []types.Row
	for rs.Next() {
		var blob []byte
		if err := rs.Scan(&blob); err != nil {
			return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to scan event", err)
		}
		data, err := snappy.Decode(nil, blob)
		if err != nil {
			return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to decompress event", err)
		}
		var row types.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to decode event", err)
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to iterate events", err)
	}
	return rows, nil
}

// Stats returns row, participant, session and tombstone counts.
func (s *Sink) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COUNT(DISTINCT participant_id),
		COUNT(DISTINCT session_id),
		(SELECT COUNT(*) FROM tombstones)
		FROM events`).Scan(&st.Rows, &st.Participants, &st.Sessions, &st.Tombstones)
	if err != nil {
		return Stats{}, logerr.NewStorageError(logerr.CodeReadFailed, "failed to read stats", err)
	}
	return st, nil
}

// Ping checks the database connection.
func (s *Sink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Sink) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
