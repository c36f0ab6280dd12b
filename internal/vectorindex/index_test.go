package vectorindex

import (
	"context"
	"testing"
	"time"

	"contextcore/internal/chunkstore"

	"github.com/rs/zerolog"
)

func seedStore(t *testing.T) chunkstore.Store {
	t.Helper()
	s, err := chunkstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	vectors := map[int]struct {
		source chunkstore.Source
		vec    []float32
	}{}
	_ = vectors

	chunks := []chunkstore.Chunk{
		{Source: chunkstore.SourceMemory, Locator: "a.md:1-1", Text: "a", Embedding: []float32{1, 0, 0}, ContentHash: chunkstore.ContentHash("a"), CreatedAt: time.Now()},
		{Source: chunkstore.SourceMemory, Locator: "b.md:1-1", Text: "b", Embedding: []float32{0, 1, 0}, ContentHash: chunkstore.ContentHash("b"), CreatedAt: time.Now()},
		{Source: chunkstore.SourceChat, Locator: "s1:0-1", Text: "c", Embedding: []float32{0.9, 0.1, 0}, ContentHash: chunkstore.ContentHash("c"), CreatedAt: time.Now()},
	}
	for _, c := range chunks {
		if err := s.Upsert(context.Background(), []chunkstore.Chunk{c}, chunkstore.IngestProgress{Path: string(c.Source), LastTimestamp: time.Now()}); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
	}
	return s
}

func TestSearch_RanksByScore(t *testing.T) {
	store := seedStore(t)
	idx := New(store, time.Minute, zerolog.Nop())

	results, ok, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5, 0, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !ok {
		t.Fatal("expected index to be loaded")
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Score < results[len(results)-1].Score {
		t.Fatalf("results not sorted descending: %v", results)
	}
}

func TestSearch_SourceMask(t *testing.T) {
	store := seedStore(t)
	idx := New(store, time.Minute, zerolog.Nop())

	results, ok, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5, 0, []chunkstore.Source{chunkstore.SourceChat})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !ok {
		t.Fatal("expected index to be loaded")
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 chat result, got %d", len(results))
	}
}

func TestSearch_MinScoreFilters(t *testing.T) {
	store := seedStore(t)
	idx := New(store, time.Minute, zerolog.Nop())

	results, _, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5, 0.99, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Score < 0.99 {
			t.Fatalf("result below minScore leaked through: %v", r)
		}
	}
}

func TestSearch_TopKTieBreakAscendingID(t *testing.T) {
	store, err := chunkstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()

	for _, loc := range []string{"a.md:1-1", "b.md:1-1", "c.md:1-1"} {
		c := chunkstore.Chunk{
			Source: chunkstore.SourceMemory, Locator: loc, Text: loc,
			Embedding: []float32{1, 0}, ContentHash: chunkstore.ContentHash(loc), CreatedAt: time.Now(),
		}
		if err := store.Upsert(context.Background(), []chunkstore.Chunk{c}, chunkstore.IngestProgress{Path: loc, LastTimestamp: time.Now()}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	idx := New(store, time.Minute, zerolog.Nop())
	results, _, err := idx.Search(context.Background(), []float32{1, 0}, 2, 0, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID >= results[1].ID {
		t.Fatalf("expected ascending id tie-break, got %v", results)
	}
}

func TestStats_ReflectsLoadedSnapshot(t *testing.T) {
	store := seedStore(t)
	idx := New(store, time.Minute, zerolog.Nop())
	if _, _, err := idx.Search(context.Background(), []float32{1, 0, 0}, 1, 0, nil); err != nil {
		t.Fatalf("Search: %v", err)
	}
	stats := idx.Stats()
	if !stats.Loaded || stats.Rows != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
