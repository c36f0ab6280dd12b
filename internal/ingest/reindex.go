package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"contextcore/internal/chunkstore"
)

// Reindex deletes every chunk this watcher's source owns, resets every
// transcript file's ingest offset to zero, and re-ingests each file from
// scratch. It returns the resulting chunk count for the source.
func (w *Watcher) Reindex(ctx context.Context) (int, error) {
	writeLock.Lock()
	if err := w.store.DeleteBySource(ctx, w.source, ""); err != nil {
		writeLock.Unlock()
		return 0, fmt.Errorf("reindex: delete existing chunks: %w", err)
	}
	writeLock.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reindex: list %s: %w", w.dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		writeLock.Lock()
		err := w.store.SetIngestOffset(ctx, chunkstore.IngestProgress{Path: path})
		writeLock.Unlock()
		if err != nil {
			return 0, fmt.Errorf("reindex: reset offset for %s: %w", path, err)
		}
		if err := w.ingestFile(ctx, path); err != nil {
			return 0, fmt.Errorf("reindex: ingest %s: %w", path, err)
		}
	}

	w.index.Invalidate()

	counts, err := w.store.CountBySource(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex: count chunks: %w", err)
	}
	return counts[w.source], nil
}
