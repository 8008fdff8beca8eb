package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchResult contains the outcome of a batch operation.
type BatchResult struct {
	Done   int
	Errors map[string]error
}

// Err summarizes the failures, nil when every object succeeded.
func (r *BatchResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	for path, err := range r.Errors {
		return fmt.Errorf("%d objects failed, first %s: %w", len(r.Errors), path, err)
	}
	return nil
}

// BatchDeleter removes many objects in parallel.
type BatchDeleter struct {
	storage     ObjectStorage
	concurrency int
}

// NewBatchDeleter creates a deleter running at most concurrency deletes at
// once.
func NewBatchDeleter(storage ObjectStorage, concurrency int) *BatchDeleter {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &BatchDeleter{storage: storage, concurrency: concurrency}
}

// Delete removes every object in paths.
func (b *BatchDeleter) Delete(ctx context.Context, paths []string) *BatchResult {
	result := &BatchResult{Errors: make(map[string]error)}
	if len(paths) == 0 {
		return result
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			err := b.storage.Delete(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Done++
		}(p)
	}

	wg.Wait()
	return result
}

// DeletePrefix lists and removes every object under prefix.
func (b *BatchDeleter) DeletePrefix(ctx context.Context, prefix string) (*BatchResult, error) {
	paths, err := b.storage.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return b.Delete(ctx, paths), nil
}
