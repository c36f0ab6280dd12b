package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"contextcore/internal/chunkstore"
	"contextcore/internal/config"
	"contextcore/internal/embedder"
	"contextcore/internal/vectorindex"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// writeLock serializes all writers to the chunk store, process-wide,
// shared across every watcher instance.
var writeLock sync.Mutex

// Watcher polls one transcript directory for one source and keeps the
// chunk store current.
type Watcher struct {
	source  chunkstore.Source
	dir     string
	store   chunkstore.Store
	index   *vectorindex.Index
	emb     embedder.Embedder
	cfg     config.WatcherConfig
	log     zerolog.Logger
	parser  *RecordParser

	mu         sync.Mutex
	lastMtime  map[string]time.Time
	failures   map[string]int
	lastFailAt map[string]time.Time

	fastPath chan string // file paths nudged by fsnotify
}

// New builds a Watcher over dir for source.
func New(source chunkstore.Source, dir string, store chunkstore.Store, index *vectorindex.Index, emb embedder.Embedder, cfg config.WatcherConfig, log zerolog.Logger) *Watcher {
	w := &Watcher{
		source:     source,
		dir:        dir,
		store:      store,
		index:      index,
		emb:        emb,
		cfg:        cfg,
		log:        log.With().Str("source", string(source)).Logger(),
		lastMtime:  make(map[string]time.Time),
		failures:   make(map[string]int),
		lastFailAt: make(map[string]time.Time),
		fastPath:   make(chan string, 64),
	}
	w.parser = NewRecordParser(func(line []byte, err error) {
		w.log.Debug().Err(err).Msg("skipped malformed ingest record")
	})
	return w
}

// Run starts the poll loop, the fsnotify fast path (if enabled), and
// blocks until ctx is cancelled. Supervise wraps this with a restarting
// supervisor.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("ingest: ensure watch dir %s: %w", w.dir, err)
	}

	if w.cfg.UseFsnotify {
		if fsw, err := fsnotify.NewWatcher(); err == nil {
			defer fsw.Close()
			if err := fsw.Add(w.dir); err == nil {
				go w.watchFsnotify(ctx, fsw)
			} else {
				w.log.Warn().Err(err).Msg("fsnotify add failed, continuing on poll only")
			}
		} else {
			w.log.Warn().Err(err).Msg("fsnotify init failed, continuing on poll only")
		}
	}

	pollInterval := w.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	newFileScan := w.cfg.NewFileScan
	if newFileScan <= 0 {
		newFileScan = 30 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	scanTicker := time.NewTicker(newFileScan)
	defer scanTicker.Stop()

	w.scanDirectory(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.scanDirectory(ctx)
		case <-scanTicker.C:
			w.scanDirectory(ctx)
		case path := <-w.fastPath:
			w.processFile(ctx, path)
		}
	}
}

func (w *Watcher) watchFsnotify(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write == fsnotify.Write {
				select {
				case w.fastPath <- ev.Name:
				default: // fast path full, poll loop will catch it anyway
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) scanDirectory(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn().Err(err).Msg("list transcript directory failed")
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		w.processFile(ctx, path)
	}
}

// processFile applies the per-file debounce window, then reads, parses,
// chunks, embeds, and commits any new content.
func (w *Watcher) processFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // file may have been removed between listing and stat
	}

	debounce := w.cfg.DebounceWindow
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	w.mu.Lock()
	prev, seen := w.lastMtime[path]
	failCount := w.failures[path]
	lastFail := w.lastFailAt[path]
	w.mu.Unlock()

	if seen && info.ModTime().Equal(prev) {
		return // unchanged since last tick
	}
	if time.Since(info.ModTime()) < debounce {
		return // still being written, defer to next tick
	}
	if failCount >= maxFileFailures(w.cfg) && time.Since(lastFail) < failureCooldown {
		return // rate-limit retries on a file that keeps failing
	}

	if err := w.ingestFile(ctx, path); err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("ingest batch failed, offset not advanced")
		w.mu.Lock()
		w.failures[path]++
		w.lastFailAt[path] = time.Now()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.failures[path] = 0
	w.lastMtime[path] = info.ModTime()
	w.mu.Unlock()
}

const failureCooldown = time.Minute

func maxFileFailures(cfg config.WatcherConfig) int {
	if cfg.MaxFailures > 0 {
		return cfg.MaxFailures
	}
	return 5
}

// ingestFile is one all-or-nothing batch: read from the recorded offset,
// parse, chunk, embed chunks whose hash isn't already stored, and commit
// everything in a single transaction.
func (w *Watcher) ingestFile(ctx context.Context, path string) error {
	progress, _, err := w.store.GetIngestOffset(ctx, path)
	if err != nil {
		return fmt.Errorf("get ingest offset: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(progress.LastOffset, os.SEEK_SET); err != nil {
		return fmt.Errorf("seek to offset %d: %w", progress.LastOffset, err)
	}

	reader := bufio.NewReader(f)
	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	if len(buf) == 0 {
		return nil
	}

	var drafts []Draft
	var consumed int
	if w.source == chunkstore.SourceMemory {
		drafts, consumed = w.chunkMemory(buf)
	} else {
		drafts, consumed = w.chunkConversation(buf)
	}
	if consumed == 0 {
		return nil // no complete unit parsed yet; wait for more data
	}

	if len(drafts) == 0 {
		writeLock.Lock()
		defer writeLock.Unlock()
		return w.store.SetIngestOffset(ctx, chunkstore.IngestProgress{
			Path: path, LastOffset: progress.LastOffset + int64(consumed),
			LastTimestamp: progress.LastTimestamp, ChunkCount: progress.ChunkCount,
		})
	}

	chunks, lastTS, err := w.materializeChunks(ctx, path, drafts)
	if err != nil {
		return fmt.Errorf("materialize chunks: %w", err)
	}

	writeLock.Lock()
	defer writeLock.Unlock()

	newProgress := chunkstore.IngestProgress{
		Path:          path,
		LastOffset:    progress.LastOffset + int64(consumed),
		LastTimestamp: lastTS,
		ChunkCount:    progress.ChunkCount + len(chunks),
	}
	if err := w.store.Upsert(ctx, chunks, newProgress); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	w.index.Invalidate()
	return nil
}

func (w *Watcher) chunkConversation(buf []byte) ([]Draft, int) {
	messages, consumed := w.parser.Parse(buf)
	if len(messages) == 0 {
		return nil, consumed
	}
	softGap := w.cfg.SoftBoundaryGap
	if softGap <= 0 {
		softGap = 30 * time.Second
	}
	drafts := GroupMessages(messages, w.cfg.ChunkSize, w.cfg.ChunkOverlap, softGap)
	return drafts, consumed
}

func (w *Watcher) chunkMemory(buf []byte) ([]Draft, int) {
	// Memory notes are plain text; only complete-line content is
	// consumed, mirroring the conversation parser's partial-line rule.
	lastNL := lastIndexByte(buf, '\n')
	if lastNL < 0 {
		return nil, 0
	}
	complete := buf[:lastNL+1]
	lines := splitLines(complete)
	drafts := GroupLines(lines, w.cfg.ChunkSize, w.cfg.ChunkOverlap)
	return drafts, len(complete)
}

func (w *Watcher) materializeChunks(ctx context.Context, path string, drafts []Draft) ([]chunkstore.Chunk, time.Time, error) {
	chunks := make([]chunkstore.Chunk, len(drafts))
	toEmbed := make([]int, 0, len(drafts))
	texts := make([]string, 0, len(drafts))
	var lastTS time.Time

	for i, d := range drafts {
		hash := chunkstore.ContentHash(d.Text)
		locator, span := locatorFor(w.source, path, d)
		chunks[i] = chunkstore.Chunk{
			Source:      w.source,
			Locator:     locator,
			Span:        span,
			Text:        d.Text,
			ContentHash: hash,
			CreatedAt:   time.Now(),
		}
		if vec, found, err := w.store.LookupHash(ctx, w.source, hash); err == nil && found {
			chunks[i].Embedding = vec
		} else {
			toEmbed = append(toEmbed, i)
			texts = append(texts, d.Text)
		}
		if d.EndTS.After(lastTS) {
			lastTS = d.EndTS
		}
	}

	if len(toEmbed) > 0 {
		vecs, err := w.embedInBatches(ctx, texts)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("embed new chunks: %w", err)
		}
		for j, idx := range toEmbed {
			chunks[idx].Embedding = vecs[j]
		}
	}

	return chunks, lastTS, nil
}

// embedInBatches submits texts to the embedder in groups of 10.
func (w *Watcher) embedInBatches(ctx context.Context, texts []string) ([][]float32, error) {
	const ingestBatch = 10
	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += ingestBatch {
		end := i + ingestBatch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := w.emb.EmbedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// locatorFor identifies which file a chunk came from (locator) and which
// range within that file it spans (span), kept as separate return values
// so the store can index and query each independently.
func locatorFor(source chunkstore.Source, path string, d Draft) (locator, span string) {
	base := filepath.Base(path)
	switch source {
	case chunkstore.SourceMemory:
		return base, fmt.Sprintf("%d-%d", d.StartLine, d.EndLine)
	default:
		return base, fmt.Sprintf("%d-%d", d.StartTS.UnixNano(), d.EndTS.UnixNano())
	}
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}

func splitLines(b []byte) []string {
	var lines []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	return lines
}
