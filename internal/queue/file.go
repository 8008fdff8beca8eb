package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logerr "github.com/trustdoors/trustdoors/internal/errors"
	"github.com/trustdoors/trustdoors/pkg/types"
)

// DefaultFileMaxBytes caps the fallback queue file.
const DefaultFileMaxBytes int64 = 4 << 20

// FileStore keeps the whole queue as one JSON array. Every mutation rewrites
// the file through a synced temp file and a rename, so a crash leaves either
// the old or the new array on disk.
//
// Entry ids are positional (1-based from the head at read time). DeleteEntries
// removes the first len(entries) entries regardless of their ids.
type FileStore struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	now      func() time.Time
}

type fileRecord struct {
	CreatedAt int64     `json:"createdAt"`
	Row       types.Row `json:"row"`
}

// NewFileStore opens the fallback store at path. maxBytes <= 0 uses
// DefaultFileMaxBytes.
func NewFileStore(path string, maxBytes int64) (*FileStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultFileMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to create queue directory", err)
	}

	s := &FileStore{path: path, maxBytes: maxBytes, now: time.Now}
	// Refuse to start on an unreadable file rather than silently overwrite it.
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Backend implements Store.
func (s *FileStore) Backend() string { return BackendFile }

// Enqueue appends rows and rewrites the file.
func (s *FileStore) Enqueue(ctx context.Context, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	createdAt := s.now().UnixMilli()
	for _, row := range rows {
		records = append(records, fileRecord{CreatedAt: createdAt, Row: row})
	}
	return s.save(records)
}

// ReadBatch returns up to limit entries from the head.
func (s *FileStore) ReadBatch(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(records) > limit {
		records = records[:limit]
	}

	entries := make([]Entry, 0, len(records))
	for i, r := range records {
		entries = append(entries, Entry{
			ID:        int64(i + 1),
			CreatedAt: time.UnixMilli(r.CreatedAt),
			Row:       r.Row,
		})
	}
	return entries, nil
}

// DeleteEntries removes the first len(entries) records.
func (s *FileStore) DeleteEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	n := len(entries)
	if n > len(records) {
		n = len(records)
	}
	return s.save(records[n:])
}

// Clear removes the queue file.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to clear queue file", err)
	}
	return nil
}

// Len returns the number of queued records.
func (s *FileStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Close is a no-op; the file is not held open between calls.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() ([]fileRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, "failed to read queue file", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []fileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, "queue file is corrupt", err)
	}
	return records, nil
}

func (s *FileStore) save(records []fileRecord) error {
	if records == nil {
		records = []fileRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to encode queue file", err)
	}
	if int64(len(data)) > s.maxBytes {
		return logerr.New(logerr.ErrCategoryStorage, logerr.CodeQuotaExceeded, "queue file size limit exceeded").
			WithDetails(map[string]interface{}{"size": len(data), "limit": s.maxBytes})
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to create temp queue file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to write temp queue file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to sync temp queue file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return logerr.NewStorageError(logerr.CodeWriteFailed, "failed to close temp queue file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return logerr.NewStorageError(logerr.CodeWriteFailed, fmt.Sprintf("failed to replace %s", s.path), err)
	}
	syncDir(filepath.Dir(s.path))
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
