package chunkstore

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndReadByIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	text := "hello world"
	c := Chunk{
		Source: SourceMemory,
		Locator: "notes.md:1-3",
		Text: text,
		Embedding: []float32{0.1, 0.2, 0.3},
		ContentHash: ContentHash(text),
		CreatedAt: time.Now(),
	}
	progress := IngestProgress{Path: "notes.md", LastOffset: 42, LastTimestamp: time.Now(), ChunkCount: 1}

	if err := s.Upsert(ctx, []Chunk{c}, progress); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	counts, err := s.CountBySource(ctx)
	if err != nil {
		t.Fatalf("CountBySource: %v", err)
	}
	if counts[SourceMemory] != 1 {
		t.Fatalf("expected 1 memory chunk, got %d", counts[SourceMemory])
	}

	got, found, err := s.GetIngestOffset(ctx, "notes.md")
	if err != nil || !found {
		t.Fatalf("GetIngestOffset: found=%v err=%v", found, err)
	}
	if got.LastOffset != 42 {
		t.Fatalf("expected offset 42, got %d", got.LastOffset)
	}

	vec, found, err := s.LookupHash(ctx, SourceMemory, c.ContentHash)
	if err != nil || !found {
		t.Fatalf("LookupHash: found=%v err=%v", found, err)
	}
	if len(vec) != 3 || vec[1] != float32(0.2) {
		t.Fatalf("unexpected embedding: %v", vec)
	}

	// First row in a fresh database gets id 1.
	rows, err := s.ReadByIDs(ctx, []int64{1})
	if err != nil {
		t.Fatalf("ReadByIDs: %v", err)
	}
	if len(rows) != 1 || rows[0].Text != text || rows[0].Locator != c.Locator || rows[0].Source != SourceMemory {
		t.Fatalf("unexpected rows from ReadByIDs: %+v", rows)
	}
}

func TestUpsertSameHashReusesEmbedding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	text := "stable content"
	hash := ContentHash(text)
	first := Chunk{Source: SourceChat, Locator: "sess1:0-10", Text: text, Embedding: []float32{1, 2}, ContentHash: hash, CreatedAt: time.Now()}
	if err := s.Upsert(ctx, []Chunk{first}, IngestProgress{Path: "sess1", LastOffset: 10, LastTimestamp: time.Now(), ChunkCount: 1}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Re-ingest of the same locator/hash with no embedding should not
	// overwrite the stored vector — content-hash reuse.
	second := Chunk{Source: SourceChat, Locator: "sess1:0-10", Text: text, Embedding: nil, ContentHash: hash, CreatedAt: time.Now()}
	if err := s.Upsert(ctx, []Chunk{second}, IngestProgress{Path: "sess1", LastOffset: 20, LastTimestamp: time.Now(), ChunkCount: 2}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	vec, found, err := s.LookupHash(ctx, SourceChat, hash)
	if err != nil || !found {
		t.Fatalf("LookupHash after reupsert: found=%v err=%v", found, err)
	}
	if len(vec) != 2 || vec[0] != 1 {
		t.Fatalf("expected original embedding preserved, got %v", vec)
	}
}

func TestDeleteBySource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chunks := []Chunk{
		{Source: SourceMemory, Locator: "a.md:1-1", Text: "a", Embedding: []float32{1}, ContentHash: ContentHash("a"), CreatedAt: time.Now()},
		{Source: SourceMemory, Locator: "b.md:1-1", Text: "b", Embedding: []float32{2}, ContentHash: ContentHash("b"), CreatedAt: time.Now()},
	}
	if err := s.Upsert(ctx, chunks, IngestProgress{Path: "batch", LastTimestamp: time.Now()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.DeleteBySource(ctx, SourceMemory, "a.md"); err != nil {
		t.Fatalf("DeleteBySource: %v", err)
	}

	counts, err := s.CountBySource(ctx)
	if err != nil {
		t.Fatalf("CountBySource: %v", err)
	}
	if counts[SourceMemory] != 1 {
		t.Fatalf("expected 1 remaining chunk, got %d", counts[SourceMemory])
	}
}

func TestCheckIntegrity(t *testing.T) {
	s := newTestStore(t)
	if err := s.CheckIntegrity(context.Background()); err != nil {
		t.Fatalf("CheckIntegrity on fresh db: %v", err)
	}
}

func TestIterateAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chunks := []Chunk{
		{Source: SourceMemory, Locator: "x.md:1-1", Text: "x", Embedding: []float32{9, 9}, ContentHash: ContentHash("x"), CreatedAt: time.Now()},
	}
	if err := s.Upsert(ctx, chunks, IngestProgress{Path: "x.md", LastTimestamp: time.Now()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	var seen int
	err := s.IterateAll(ctx, SourceMemory, func(id int64, embedding []byte) error {
		seen++
		vec, derr := DecodeEmbedding(embedding)
		if derr != nil {
			return derr
		}
		if len(vec) != 2 {
			t.Fatalf("unexpected vector length %d", len(vec))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("IterateAll: %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected 1 row, saw %d", seen)
	}
}
