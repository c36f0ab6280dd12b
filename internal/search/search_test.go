package search

import (
	"context"
	"testing"
	"time"

	"contextcore/internal/chunkstore"
	"contextcore/internal/config"
	"contextcore/internal/embedder"
	"contextcore/internal/vectorindex"

	"github.com/rs/zerolog"
)

func newTestSearch(t *testing.T) (*Search, chunkstore.Store) {
	t.Helper()
	store, err := chunkstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	emb := embedder.NewDeterministic(16, true, 42)

	seed := []struct {
		source chunkstore.Source
		locator string
		text    string
	}{
		{chunkstore.SourceMemory, "a.md:1-1", "the quick brown fox jumps"},
		{chunkstore.SourceChat, "s1:0-1", "totally unrelated content about weather"},
	}
	for _, c := range seed {
		vecs, err := emb.EmbedBatch(context.Background(), []string{c.text})
		if err != nil {
			t.Fatalf("embed seed: %v", err)
		}
		chunk := chunkstore.Chunk{
			Source: c.source, Locator: c.locator, Text: c.text,
			Embedding: vecs[0], ContentHash: chunkstore.ContentHash(c.text), CreatedAt: time.Now(),
		}
		if err := store.Upsert(context.Background(), []chunkstore.Chunk{chunk}, chunkstore.IngestProgress{Path: c.locator, LastTimestamp: time.Now()}); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
	}

	idx := vectorindex.New(store, time.Minute, zerolog.Nop())
	cfg := config.SearchConfig{TopK: 10, Overfetch: 3, CacheSize: 10, CacheTTL: time.Minute}
	s := New(store, idx, emb, cfg, zerolog.Nop())
	return s, store
}

func TestSearch_ReturnsHits(t *testing.T) {
	s, _ := newTestSearch(t)
	out, err := s.Search(context.Background(), "quick brown fox", Options{TopK: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out.Hits) == 0 {
		t.Fatal("expected at least one hit")
	}
}

func TestSearch_CacheHitOnSecondCall(t *testing.T) {
	s, _ := newTestSearch(t)
	ctx := context.Background()
	if _, err := s.Search(ctx, "quick brown fox", Options{TopK: 5}); err != nil {
		t.Fatalf("first search: %v", err)
	}
	out, err := s.Search(ctx, "Quick Brown FOX", Options{TopK: 5}) // different casing, same canonical form
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if !out.CacheHit {
		t.Fatal("expected cache hit on canonically identical query")
	}
}

func TestSearch_RouteHintTrimsSources(t *testing.T) {
	s, _ := newTestSearch(t)
	s.routes = map[string]config.RouteTrim{
		"qwen_local": {Sources: []string{"memory"}, TopK: 3, MinScore: 0.0},
	}
	out, err := s.Search(context.Background(), "quick brown fox", Options{TopK: 5, RouteHint: "qwen_local"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range out.Hits {
		if h.Source != chunkstore.SourceMemory {
			t.Fatalf("expected only memory hits for qwen_local route, got %v", h.Source)
		}
	}
}

func TestCanonicalizeQuery(t *testing.T) {
	cases := map[string]string{
		"  Hello   World  ": "hello world",
		"ALREADY lower":     "already lower",
		"tabs\tand\nnewlines": "tabs and newlines",
	}
	for in, want := range cases {
		if got := canonicalizeQuery(in); got != want {
			t.Errorf("canonicalizeQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
