package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	logerr "github.com/trustdoors/trustdoors/internal/errors"
	"github.com/trustdoors/trustdoors/internal/storage"
	"github.com/trustdoors/trustdoors/pkg/types"
)

const (
	archivePrefix    = "participants"
	unknownOwner     = "_unknown"
	archiveExtension = ".json.sz"
)

// Archive writes accepted batches to object storage, one object per
// participant per batch.
type Archive struct {
	store   storage.ObjectStorage
	deleter *storage.BatchDeleter
	now     func() time.Time
	logger  *slog.Logger
}

// NewArchive creates an archive over store.
func NewArchive(store storage.ObjectStorage, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		store:   store,
		deleter: storage.NewBatchDeleter(store, 4),
		now:     time.Now,
		logger:  logger.With("component", "archive"),
	}
}

// ParticipantPrefix returns the object prefix holding a participant's batches.
func ParticipantPrefix(participantID string) string {
	segment := url.PathEscape(participantID)
	switch segment {
	case "":
		segment = unknownOwner
	case ".", "..":
		segment = "_" + segment
	}
	return archivePrefix + "/" + segment + "/"
}

// Write stores rows grouped by participant. It returns the written object
// paths.
func (a *Archive) Write(ctx context.Context, rows []types.Row) ([]string, error) {
	groups := make(map[string][]types.Row)
	var order []string
	for _, r := range rows {
		pid := r.ParticipantID()
		if _, ok := groups[pid]; !ok {
			order = append(order, pid)
		}
		groups[pid] = append(groups[pid], r)
	}

	day := a.now().UTC().Format("2006/01/02")
	var written []string
	for _, pid := range order {
		data, err := types.EncodeBatch(groups[pid])
		if err != nil {
			return written, logerr.NewStorageError(logerr.CodeUploadFailed, "failed to encode archive batch", err)
		}
		objectPath := path.Join(ParticipantPrefix(pid), day, uuid.NewString()+archiveExtension)
		if err := a.store.Put(ctx, objectPath, snappy.Encode(nil, data)); err != nil {
			return written, logerr.NewStorageError(logerr.CodeUploadFailed, fmt.Sprintf("failed to archive %s", objectPath), err)
		}
		written = append(written, objectPath)
		a.logger.Debug("archived batch", "object", objectPath, "rows", len(groups[pid]))
	}
	return written, nil
}

// Read decodes one archived batch.
func (a *Archive) Read(ctx context.Context, objectPath string) ([]types.Row, error) {
	blob, err := a.store.Get(ctx, objectPath)
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, fmt.Sprintf("failed to read %s", objectPath), err)
	}
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, "archive object is not snappy encoded", err)
	}
	rows, err := types.DecodeBatch(data)
	if err != nil {
		return nil, logerr.NewStorageError(logerr.CodeReadFailed, "archive object is corrupt", err)
	}
	return rows, nil
}

// List returns the archived object paths for a participant.
func (a *Archive) List(ctx context.Context, participantID string) ([]string, error) {
	return a.store.ListObjects(ctx, ParticipantPrefix(participantID))
}

// DeleteParticipant removes every archived batch of a participant.
func (a *Archive) DeleteParticipant(ctx context.Context, participantID string) (int, error) {
	result, err := a.deleter.DeletePrefix(ctx, ParticipantPrefix(participantID))
	if err != nil {
		return 0, logerr.NewStorageError(logerr.CodeReadFailed, "failed to list archived batches", err)
	}
	if err := result.Err(); err != nil {
		return result.Done, logerr.NewStorageError(logerr.CodeWriteFailed, "failed to delete archived batches", err)
	}
	return result.Done, nil
}
