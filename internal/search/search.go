// Package search implements Unified Search: turning a
// natural-language query into a ranked, deduplicated, route-trimmed list
// of chunks across one or more corpus sources.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"contextcore/internal/chunkstore"
	"contextcore/internal/config"
	"contextcore/internal/embedder"
	"contextcore/internal/vectorindex"

	"github.com/rs/zerolog"
)

// Hit is one ranked, materialized search result.
type Hit struct {
	Source chunkstore.Source
	Locator string
	Text string
	Score float32
}

// Options parameterizes one Search call.
type Options struct {
	TopK int
	Sources []chunkstore.Source
	MinScores map[chunkstore.Source]float64
	RouteHint string // closed vocabulary, see config.RouteSet; "" means no trimming
	SkipCache bool // bypass the query-embedding cache entirely (featureFlags.embeddingCache = false)
	ForceLinearScan bool // bypass the vector index and always score against the store directly (featureFlags.vectorIndex = false)
}

// Outcome carries the hits plus the degradation flag consumers surface in
// the enrichment envelope's metadata.
type Outcome struct {
	Hits []Hit
	Degraded bool
	CacheHit bool
	Embedding time.Duration
}

// Search is Unified Search: query canonicalization, cache, embed-on-miss,
// overfetch, materialize+filter, dedupe, route-aware trim, final topK.
type Search struct {
	store chunkstore.Store
	index *vectorindex.Index
	embedder embedder.Embedder
	cache embeddingCache
	overfetch int
	routes map[string]config.RouteTrim
	log zerolog.Logger
}

// New builds a Search instance. When cfg.RedisAddr is set, the query
// embedding cache is Redis-backed; otherwise it's an in-process
// expirable LRU sized by cfg.CacheSize/cfg.CacheTTL.
func New(store chunkstore.Store, index *vectorindex.Index, emb embedder.Embedder, cfg config.SearchConfig, log zerolog.Logger) *Search {
	overfetch := cfg.Overfetch
	if overfetch <= 0 {
		overfetch = 3
	}
	var cache embeddingCache
	if cfg.RedisAddr != "" {
		cache = newRedisCache(cfg.RedisAddr, cfg.CacheTTL)
	} else {
		cache = newLRUCache(cfg.CacheSize, cfg.CacheTTL)
	}
	return &Search{
		store: store,
		index: index,
		embedder: emb,
		cache: cache,
		overfetch: overfetch,
		routes: cfg.RouteTrims,
		log: log,
	}
}

// Search canonicalizes and embeds the query (or reuses a cached
// embedding), overfetches from the vector index, materializes and
// filters hits, dedupes by content hash, applies any route-aware trim,
// and returns the final ranked topK.
func (s *Search) Search(ctx context.Context, query string, opt Options) (Outcome, error) {
	topK := opt.TopK
	if topK <= 0 {
		topK = 10
	}

	canon := canonicalizeQuery(query)

	var vec []float32
	var cacheHit bool
	if !opt.SkipCache {
		vec, cacheHit = s.cache.Get(ctx, canon)
	}
	var embedDur time.Duration
	if !cacheHit {
		truncated := truncateRunes(query, 1500)
		start := time.Now()
		vecs, err := s.embedder.EmbedBatch(ctx, []string{truncated})
		embedDur = time.Since(start)
		if err != nil || len(vecs) == 0 {
			return Outcome{}, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
		vec = vecs[0]
		if !opt.SkipCache {
			s.cache.Set(ctx, canon, vec)
		}
	}

	sources := opt.Sources
	minScores := opt.MinScores
	wantTopK := topK
	if opt.RouteHint != "" {
		if trim, ok := s.routes[opt.RouteHint]; ok {
			sources = toSources(trim.Sources)
			if trim.TopK > 0 {
				wantTopK = trim.TopK
			}
			minScores = applyUniformMin(minScores, trim.MinScore)
		}
	}

	overfetchK := wantTopK * s.overfetch
	if overfetchK <= 0 {
		overfetchK = wantTopK
	}

	var raw []vectorindex.Result
	var err error
	degraded := false
	if opt.ForceLinearScan {
		raw, err = s.linearScan(ctx, vec, overfetchK, sources)
		if err != nil {
			return Outcome{}, fmt.Errorf("search: linear scan: %w", err)
		}
	} else {
		var loaded bool
		raw, loaded, err = s.index.Search(ctx, vec, overfetchK, float32(math.Inf(-1)), sources)
		if err != nil || !loaded {
			degraded = true
			raw, err = s.linearScan(ctx, vec, overfetchK, sources)
			if err != nil {
				return Outcome{}, fmt.Errorf("search: linear scan fallback: %w", err)
			}
		}
	}

	ids := make([]int64, len(raw))
	scoreByID := make(map[int64]float32, len(raw))
	for i, r := range raw {
		ids[i] = r.ID
		scoreByID[r.ID] = r.Score
	}

	chunks, err := s.store.ReadByIDs(ctx, ids)
	if err != nil {
		return Outcome{}, fmt.Errorf("search: materialize hits: %w", err)
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		score := scoreByID[c.ID]
		if minScores != nil {
			if min, ok := minScores[c.Source]; ok && float64(score) < min {
				continue
			}
		}
		hits = append(hits, Hit{Source: c.Source, Locator: c.Locator, Text: c.Text, Score: score})
	}

	hits = dedupeByContentHash(chunks, hits)

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > wantTopK {
		hits = hits[:wantTopK]
	}

	return Outcome{Hits: hits, Degraded: degraded, CacheHit: cacheHit, Embedding: embedDur}, nil
}

// dedupeByContentHash keeps, for each content hash, only the
// higher-scoring hit. chunks and hits are parallel up to
// filtering — we key by (source, locator, text) to look the hash back up
// since Hit doesn't carry it; the locator alone is shared by every chunk
// of one file.
func dedupeByContentHash(chunks []chunkstore.Chunk, hits []Hit) []Hit {
	hashByLocator := make(map[string]string, len(chunks))
	for _, c := range chunks {
		hashByLocator[string(c.Source)+"|"+c.Locator+"|"+c.Text] = c.ContentHash
	}

	best := make(map[string]Hit)
	order := make([]string, 0, len(hits))
	for _, h := range hits {
		hash, ok := hashByLocator[string(h.Source)+"|"+h.Locator+"|"+h.Text]
		if !ok {
			hash = string(h.Source) + "|" + h.Locator
		}
		if existing, seen := best[hash]; !seen || h.Score > existing.Score {
			if !seen {
				order = append(order, hash)
			}
			best[hash] = h
		}
	}
	out := make([]Hit, 0, len(order))
	for _, hash := range order {
		out = append(out, best[hash])
	}
	return out
}

// linearScan is the degraded-mode fallback when the vector index fails to
// load: it scores every chunk in the requested sources directly against
// the chunk store, preserving result semantics.
func (s *Search) linearScan(ctx context.Context, query []float32, topK int, sources []chunkstore.Source) ([]vectorindex.Result, error) {
	if len(sources) == 0 {
		sources = []chunkstore.Source{chunkstore.SourceMemory, chunkstore.SourceChat, chunkstore.SourceChatExport}
	}
	qn := make([]float32, len(query))
	copy(qn, query)
	normalizeInPlace(qn)

	var scored []vectorindex.Result
	for _, src := range sources {
		err := s.store.IterateAll(ctx, src, func(id int64, embedding []byte) error {
			vec, derr := chunkstore.DecodeEmbedding(embedding)
			if derr != nil || len(vec) != len(qn) {
				return nil // skip malformed/mismatched rows, don't abort the scan
			}
			normalizeInPlace(vec)
			var dp float32
			for i := range vec {
				dp += vec[i] * qn[i]
			}
			scored = append(scored, vectorindex.Result{ID: id, Score: dp})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func normalizeInPlace(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= inv
	}
}

func toSources(ss []string) []chunkstore.Source {
	out := make([]chunkstore.Source, len(ss))
	for i, s := range ss {
		out[i] = chunkstore.Source(s)
	}
	return out
}

func applyUniformMin(base map[chunkstore.Source]float64, min float64) map[chunkstore.Source]float64 {
	if min <= 0 {
		return base
	}
	out := make(map[chunkstore.Source]float64, 3)
	for _, src := range []chunkstore.Source{chunkstore.SourceMemory, chunkstore.SourceChat, chunkstore.SourceChatExport} {
		out[src] = min
	}
	return out
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
