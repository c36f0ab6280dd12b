package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"contextcore/internal/chunkstore"
	"contextcore/internal/config"
	"contextcore/internal/embedder"
	"contextcore/internal/vectorindex"

	"github.com/rs/zerolog"
)

func newTestWatcher(t *testing.T, source chunkstore.Source, dir string) (*Watcher, chunkstore.Store) {
	t.Helper()
	store, err := chunkstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := vectorindex.New(store, time.Minute, zerolog.Nop())
	emb := embedder.NewDeterministic(8, true, 1)
	cfg := config.WatcherConfig{
		PollInterval: time.Hour, // tests drive ingestFile directly, no polling
		DebounceWindow: 0,
		ChunkSize: 1500,
		ChunkOverlap: 0,
		SoftBoundaryGap: 30 * time.Second,
		MaxFailures: 5,
		UseFsnotify: false,
	}
	w := New(source, dir, store, idx, emb, cfg, zerolog.Nop())
	return w, store
}

func TestIngestFileMemoryAdvancesOffsetAndChunks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	content := "first note\nsecond note\nthird note\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, store := newTestWatcher(t, chunkstore.SourceMemory, dir)
	if err := w.ingestFile(ctx, path); err != nil {
		t.Fatalf("ingestFile: %v", err)
	}

	counts, err := store.CountBySource(ctx)
	if err != nil {
		t.Fatalf("CountBySource: %v", err)
	}
	if counts[chunkstore.SourceMemory] == 0 {
		t.Fatalf("expected at least one memory chunk, got none")
	}

	progress, found, err := store.GetIngestOffset(ctx, path)
	if err != nil || !found {
		t.Fatalf("GetIngestOffset: found=%v err=%v", found, err)
	}
	if progress.LastOffset != int64(len(content)) {
		t.Fatalf("expected offset %d, got %d", len(content), progress.LastOffset)
	}
}

func TestIngestFileSkipsPartialTrailingLine(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	content := "complete line\nincomplete tail without newline"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, store := newTestWatcher(t, chunkstore.SourceMemory, dir)
	if err := w.ingestFile(ctx, path); err != nil {
		t.Fatalf("ingestFile: %v", err)
	}

	progress, found, err := store.GetIngestOffset(ctx, path)
	if err != nil || !found {
		t.Fatalf("GetIngestOffset: found=%v err=%v", found, err)
	}
	wantOffset := int64(len("complete line\n"))
	if progress.LastOffset != wantOffset {
		t.Fatalf("expected offset %d (partial tail withheld), got %d", wantOffset, progress.LastOffset)
	}
}

func TestIngestFileChatRecordsAreGrouped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "session1.ndjson")
	content := `{"type":"message","role":"user","text":"hello","ts":"2026-01-01T00:00:00Z"}
{"type":"message","role":"assistant","text":"hi there","ts":"2026-01-01T00:00:01Z"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, store := newTestWatcher(t, chunkstore.SourceChat, dir)
	if err := w.ingestFile(ctx, path); err != nil {
		t.Fatalf("ingestFile: %v", err)
	}

	counts, err := store.CountBySource(ctx)
	if err != nil {
		t.Fatalf("CountBySource: %v", err)
	}
	if counts[chunkstore.SourceChat] != 1 {
		t.Fatalf("expected messages grouped into 1 chat chunk, got %d", counts[chunkstore.SourceChat])
	}
}

func TestIngestFileUnchangedContentIsNoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	content := "one line\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, store := newTestWatcher(t, chunkstore.SourceMemory, dir)
	if err := w.ingestFile(ctx, path); err != nil {
		t.Fatalf("first ingestFile: %v", err)
	}
	if err := w.ingestFile(ctx, path); err != nil {
		t.Fatalf("second ingestFile: %v", err)
	}

	progress, _, err := store.GetIngestOffset(ctx, path)
	if err != nil {
		t.Fatalf("GetIngestOffset: %v", err)
	}
	if progress.LastOffset != int64(len(content)) {
		t.Fatalf("expected offset unchanged at %d, got %d", len(content), progress.LastOffset)
	}
}

func TestLocatorForMemoryUsesLineRange(t *testing.T) {
	d := Draft{StartLine: 2, EndLine: 5}
	locator, span := locatorFor(chunkstore.SourceMemory, "/tmp/notes.md", d)
	if locator != "notes.md" {
		t.Fatalf("unexpected locator: %q", locator)
	}
	if span != "2-5" {
		t.Fatalf("unexpected span: %q", span)
	}
}

func TestLocatorForChatUsesTimestampRange(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Second)
	d := Draft{StartTS: start, EndTS: end}
	locator, span := locatorFor(chunkstore.SourceChat, "/tmp/sess1.ndjson", d)
	if locator != "sess1.ndjson" {
		t.Fatalf("unexpected locator: %q", locator)
	}
	wantSpan := itoa(start.UnixNano()) + "-" + itoa(end.UnixNano())
	if span != wantSpan {
		t.Fatalf("unexpected span: got %q want %q", span, wantSpan)
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
