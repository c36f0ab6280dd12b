// Package vectorindex is the in-memory top-K cosine-similarity index over
// all chunk vectors. A snapshot is a contiguous row-major float32
// buffer with unit-normalized rows, swapped atomically so readers never
// observe a partially loaded state.
package vectorindex

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"contextcore/internal/chunkstore"

	"github.com/rs/zerolog"
)

// Result is one hit returned by Search.
type Result struct {
	ID int64
	Score float32
}

// Stats reports the current snapshot's shape, matching Stats().
type Stats struct {
	Loaded bool
	Rows int
	Bytes int64
	LoadedAt time.Time
	PerSourceCounts map[chunkstore.Source]int
}

// sourceRange is the contiguous row span owned by one source.
type sourceRange struct {
	start, end int // [start, end)
}

// snapshot is one immutable, fully loaded index generation.
type snapshot struct {
	dim int
	rows []float32 // n*dim, row i at rows[i*dim:(i+1)*dim], unit-normalized
	ids []int64 // row -> chunk id, ascending within each source
	ranges map[chunkstore.Source]sourceRange
	loadedAt time.Time
}

func (s *snapshot) row(i int) []float32 { return s.rows[i*s.dim : (i+1)*s.dim] }

// Index is the lazily (re)loaded, atomically swapped vector index.
type Index struct {
	store chunkstore.Store
	staleAfter time.Duration
	log zerolog.Logger

	cur atomic.Pointer[snapshot]
	invalidated atomic.Bool
	loadMu sync.Mutex // serializes Load() calls; loadOnce is guarded by loadOnceMu
	loadOnce *sync.Once
	loadOnceMu sync.Mutex
}

// New constructs an Index reading chunks from store. staleAfter is the
// window after which a loaded snapshot is considered stale even without
// an explicit Invalidate().
func New(store chunkstore.Store, staleAfter time.Duration, log zerolog.Logger) *Index {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	idx := &Index{store: store, staleAfter: staleAfter, log: log}
	idx.invalidated.Store(true) // force a first load
	return idx
}

// Invalidate marks the index stale; the next Search triggers a reload.
func (idx *Index) Invalidate() {
	idx.invalidated.Store(true)
}

func (idx *Index) needsReload() bool {
	if idx.invalidated.Load() {
		return true
	}
	snap := idx.cur.Load()
	if snap == nil {
		return true
	}
	return time.Since(snap.loadedAt) > idx.staleAfter
}

// ensureLoaded reloads the index if stale, collapsing concurrent callers
// into a single Load() via a sync.Once that is reset after it fires, so a
// thundering herd of simultaneous Search calls triggers exactly one
// reload.
func (idx *Index) ensureLoaded(ctx context.Context) {
	if !idx.needsReload() {
		return
	}

	idx.loadOnceMu.Lock()
	if idx.loadOnce == nil {
		idx.loadOnce = &sync.Once{}
	}
	once := idx.loadOnce
	idx.loadOnceMu.Unlock()

	once.Do(func() {
		if err := idx.Load(ctx); err != nil {
			idx.log.Warn().Err(err).Msg("vector index load failed, falling back to linear scan")
		}
		idx.loadOnceMu.Lock()
		idx.loadOnce = nil
		idx.loadOnceMu.Unlock()
	})
}

// Load rebuilds the index from the chunk store into a fresh snapshot and
// atomically swaps it in. A failure leaves the previous snapshot (if any)
// in place and the caller falls back to a linear scan.
func (idx *Index) Load(ctx context.Context) error {
	idx.loadMu.Lock()
	defer idx.loadMu.Unlock()

	dim := 0
	type row struct {
		id int64
		vec []float32
	}
	bySource := map[chunkstore.Source][]row{}

	for _, src := range []chunkstore.Source{chunkstore.SourceMemory, chunkstore.SourceChat, chunkstore.SourceChatExport} {
		var rows []row
		err := idx.store.IterateAll(ctx, src, func(id int64, embedding []byte) error {
			vec, err := chunkstore.DecodeEmbedding(embedding)
			if err != nil {
				return fmt.Errorf("decode embedding for chunk %d: %w", id, err)
			}
			if dim == 0 {
				dim = len(vec)
			} else if len(vec) != dim {
				return fmt.Errorf("dimension mismatch: chunk %d has %d, index expects %d", id, len(vec), dim)
			}
			rows = append(rows, row{id: id, vec: vec})
			return nil
		})
		if err != nil {
			return fmt.Errorf("vectorindex: load source %s: %w", src, err)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
		bySource[src] = rows
	}

	total := 0
	for _, rows := range bySource {
		total += len(rows)
	}

	snap := &snapshot{
		dim: dim,
		rows: make([]float32, total*dim),
		ids: make([]int64, 0, total),
		ranges: map[chunkstore.Source]sourceRange{},
		loadedAt: time.Now(),
	}

	offset := 0
	for _, src := range []chunkstore.Source{chunkstore.SourceMemory, chunkstore.SourceChat, chunkstore.SourceChatExport} {
		rows := bySource[src]
		start := offset
		for _, r := range rows {
			normalize(r.vec)
			copy(snap.rows[offset*dim:(offset+1)*dim], r.vec)
			snap.ids = append(snap.ids, r.id)
			offset++
		}
		snap.ranges[src] = sourceRange{start: start, end: offset}
	}

	idx.cur.Store(snap)
	idx.invalidated.Store(false)
	return nil
}

func normalize(v []float32) {
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

// heapItem is a candidate in the bounded top-K min-heap.
type heapItem struct {
	id int64
	score float32
}

type minHeap []heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	// Deterministic tie-break: among equal scores keep the *smaller* id
	// less "removable", i.e. push the larger id toward eviction first.
	return h[i].id > h[j].id
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any) { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search returns up to topK results scoped to sourceMask (nil/empty means
// all sources) with score >= minScore, ranked by descending cosine
// similarity and tied deterministically by ascending chunk id.
func (idx *Index) Search(ctx context.Context, query []float32, topK int, minScore float32, sourceMask []chunkstore.Source) ([]Result, bool, error) {
	idx.ensureLoaded(ctx)

	snap := idx.cur.Load()
	if snap == nil || snap.dim == 0 || idx.needsReload() {
		return nil, false, nil // caller falls back to linear scan
	}
	if len(query) != snap.dim {
		return nil, false, fmt.Errorf("vectorindex: query dimension %d != index dimension %d", len(query), snap.dim)
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalize(q)

	ranges := sourceRanges(snap, sourceMask)

	h := &minHeap{}
	heap.Init(h)
	for _, rng := range ranges {
		for row := rng.start; row < rng.end; row++ {
			score := dot(q, snap.row(row))
			if score < minScore {
				continue
			}
			id := snap.ids[row]
			if h.Len() < topK {
				heap.Push(h, heapItem{id: id, score: score})
				continue
			}
			if topK == 0 {
				continue
			}
			worst := (*h)[0]
			if score > worst.score || (score == worst.score && id < worst.id) {
				heap.Pop(h)
				heap.Push(h, heapItem{id: id, score: score})
			}
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		item := heap.Pop(h).(heapItem)
		out[i] = Result{ID: item.id, Score: item.score}
	}
	return out, true, nil
}

func sourceRanges(snap *snapshot, mask []chunkstore.Source) []sourceRange {
	if len(mask) == 0 {
		return []sourceRange{{start: 0, end: len(snap.ids)}}
	}
	out := make([]sourceRange, 0, len(mask))
	for _, s := range mask {
		if rng, ok := snap.ranges[s]; ok {
			out = append(out, rng)
		}
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Stats reports the current snapshot's shape.
func (idx *Index) Stats() Stats {
	snap := idx.cur.Load()
	if snap == nil {
		return Stats{Loaded: false}
	}
	counts := make(map[chunkstore.Source]int, len(snap.ranges))
	for src, rng := range snap.ranges {
		counts[src] = rng.end - rng.start
	}
	return Stats{
		Loaded: true,
		Rows: len(snap.ids),
		Bytes: int64(len(snap.rows)) * 4,
		LoadedAt: snap.loadedAt,
		PerSourceCounts: counts,
	}
}
