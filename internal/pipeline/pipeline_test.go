package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"contextcore/internal/chunkstore"
	"contextcore/internal/classifier"
	"contextcore/internal/config"
	"contextcore/internal/embedder"
	"contextcore/internal/search"
	"contextcore/internal/session"
	"contextcore/internal/vectorindex"

	"github.com/rs/zerolog"
)

func allFeatures() config.FeatureFlags {
	return config.FeatureFlags{
		ParallelExecution: true,
		VectorIndex: true,
		SkipLogic: true,
		EmbeddingCache: true,
		RouteAwareSources: true,
		TimingStats: true,
		HistoryCompression: false,
	}
}

func classifierServer(t *testing.T, route string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{
			"response": `{"route":"` + route + `","reason":"test","priority":"medium","confidence":"high"}`,
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPipeline(t *testing.T, route string) (*Pipeline, chunkstore.Store) {
	t.Helper()
	store, err := chunkstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := vectorindex.New(store, time.Minute, zerolog.Nop())
	emb := embedder.NewDeterministic(8, true, 1)

	searchCfg := config.SearchConfig{TopK: 10, Overfetch: 3, CacheSize: 100, CacheTTL: time.Minute}
	s := search.New(store, idx, emb, searchCfg, zerolog.Nop())

	srv := classifierServer(t, route)
	clCfg := config.ClassifierConfig{BaseURL: srv.URL, Path: "/api/generate", Model: "test", Timeout: 2 * time.Second}
	cl := classifier.New(clCfg, nil)

	sessions := session.New(20)

	pipelineCfg := config.PipelineConfig{
		EnrichmentDeadline: 5 * time.Second,
		SkipMinChars:       20,
		SkipRepeatWindow:   5 * time.Second,
		HistoryForRouting:  3,
		HistoryForAssembly: 6,
	}
	routes := map[string]config.RouteTrim{
		"qwen_local": {Sources: []string{"memory"}, TopK: 3, MinScore: 0},
	}

	p := New(s, cl, sessions, idx, pipelineCfg, allFeatures(), routes, nil, nil)
	return p, store
}

func TestAssembleSkipsShortMessage(t *testing.T) {
	p, _ := newTestPipeline(t, "sonnet")
	env, err := p.Assemble(context.Background(), "ok", "sess-a", Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !env.Metadata.Skipped {
		t.Fatalf("expected skipped=true for short ack")
	}
	if len(env.RAGContext) != 0 {
		t.Fatalf("expected empty rag context on skip")
	}
	if env.RouteDecision.Route != "haiku" {
		t.Fatalf("expected haiku default route on skip, got %q", env.RouteDecision.Route)
	}
}

func TestAssembleRejectsEmptyMessage(t *testing.T) {
	p, _ := newTestPipeline(t, "sonnet")
	_, err := p.Assemble(context.Background(), "   ", "sess-a", Options{})
	if err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAssembleRunsEnrichmentForLongMessage(t *testing.T) {
	p, _ := newTestPipeline(t, "sonnet")
	env, err := p.Assemble(context.Background(), "Explain the routing architecture of this service", "sess-b", Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if env.Metadata.Skipped {
		t.Fatalf("expected skipped=false for a long message")
	}
	if env.RouteDecision.Route != "sonnet" {
		t.Fatalf("expected classifier route sonnet, got %q", env.RouteDecision.Route)
	}
}

func TestAssembleRouteAwareTrimLimitsSources(t *testing.T) {
	ctx := context.Background()
	p, store := newTestPipeline(t, "qwen_local")

	chunks := []chunkstore.Chunk{
		{Source: chunkstore.SourceMemory, Locator: "a.md:1-1", Text: "zymurgy-42 fact one", ContentHash: chunkstore.ContentHash("a"), CreatedAt: time.Now()},
		{Source: chunkstore.SourceChat, Locator: "s1:0-1", Text: "zymurgy-42 chat mention", ContentHash: chunkstore.ContentHash("b"), CreatedAt: time.Now()},
	}
	emb := embedder.NewDeterministic(8, true, 1)
	vecs, _ := emb.EmbedBatch(ctx, []string{chunks[0].Text, chunks[1].Text})
	chunks[0].Embedding = vecs[0]
	chunks[1].Embedding = vecs[1]
	if err := store.Upsert(ctx, chunks, chunkstore.IngestProgress{Path: "batch", LastTimestamp: time.Now()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	env, err := p.Assemble(ctx, "tell me about zymurgy-42 in detail please", "sess-c", Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for _, hit := range env.RAGContext {
		if hit.Source != chunkstore.SourceMemory {
			t.Fatalf("expected only memory-source hits under qwen_local trim, got %q", hit.Source)
		}
	}
	if len(env.RAGContext) > 3 {
		t.Fatalf("expected qwen_local topK cap of 3, got %d", len(env.RAGContext))
	}
}

func TestAssembleDegradesOnClassifierFailure(t *testing.T) {
	ctx := context.Background()
	store, err := chunkstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	idx := vectorindex.New(store, time.Minute, zerolog.Nop())
	emb := embedder.NewDeterministic(8, true, 1)
	s := search.New(store, idx, emb, config.SearchConfig{TopK: 10}, zerolog.Nop())

	badCl := classifier.New(config.ClassifierConfig{BaseURL: "http://127.0.0.1:1", Path: "/api/generate", Timeout: 200 * time.Millisecond}, nil)
	sessions := session.New(20)
	p := New(s, badCl, sessions, idx, config.PipelineConfig{EnrichmentDeadline: 2 * time.Second, SkipMinChars: 20}, allFeatures(), nil, nil, nil)

	env, err := p.Assemble(ctx, "anything reasonably long enough to not be skipped", "sess-d", Options{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if env.RouteDecision.Route != "sonnet" {
		t.Fatalf("expected default sonnet route on classifier failure, got %q", env.RouteDecision.Route)
	}
}

func TestStatsTracksSkipRate(t *testing.T) {
	p, _ := newTestPipeline(t, "sonnet")
	ctx := context.Background()
	if _, err := p.Assemble(ctx, "ok", "sess-e", Options{}); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	snap := p.Stats()
	if snap.TotalRequests != 1 {
		t.Fatalf("expected 1 tracked request, got %d", snap.TotalRequests)
	}
	if snap.SkipRate != 1 {
		t.Fatalf("expected skip rate 1.0, got %v", snap.SkipRate)
	}
}
