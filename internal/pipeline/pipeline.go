package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"contextcore/internal/classifier"
	"contextcore/internal/config"
	"contextcore/internal/obs"
	"contextcore/internal/search"
	"contextcore/internal/session"
	"contextcore/internal/vectorindex"
)

// ackSet is the closed set of short acknowledgments that always skip
// enrichment regardless of length.
var ackSet = map[string]bool{
	"ok": true, "thanks": true, "yes": true, "no": true,
	"got it": true, "done": true, "k": true, "ty": true,
}

// defaultFallbackChain is the safe-default route chain attached to a
// RouteDecision whenever the classifier's claim is rejected or unreachable:
// the routing defaults to sonnet, and sonnet's own degrade path runs
// through haiku to the fully local qwen_local route.
var defaultFallbackChain = []string{"sonnet", "haiku", "qwen_local"}

// Pipeline is the Context Pipeline: it owns the session buffer, the
// Unified Search and routing classifier collaborators, and the running
// enrichment stats, and exposes a single Assemble entry point.
type Pipeline struct {
	search *search.Search
	classify *classifier.Client
	sessions *session.Store
	index *vectorindex.Index
	cfg config.PipelineConfig
	features config.FeatureFlags
	routes map[string]config.RouteTrim
	log obs.Logger
	metrics obs.Metrics
	clock obs.Clock
	stats *statsRecorder
}

// New builds a Pipeline over its collaborators.
func New(s *search.Search, cl *classifier.Client, sessions *session.Store, idx *vectorindex.Index, cfg config.PipelineConfig, features config.FeatureFlags, routes map[string]config.RouteTrim, log obs.Logger, metrics obs.Metrics) *Pipeline {
	if log == nil {
		log = obs.NewNop()
	}
	if metrics == nil {
		metrics = obs.NewNopMetrics()
	}
	return &Pipeline{
		search:   s,
		classify: cl,
		sessions: sessions,
		index:    idx,
		cfg:      cfg,
		features: features,
		routes:   routes,
		log:      log,
		metrics:  metrics,
		clock:    obs.SystemClock,
		stats:    newStatsRecorder(),
	}
}

// Assemble is Received -> SkipOrEnrich -> Enrich{RAG, Route} -> Assemble
// -> Done. Every path returns a well-formed envelope; the only error this
// returns is ErrInvalidRequest for caller input that fails validation
// before any stage runs.
func (p *Pipeline) Assemble(ctx context.Context, message, sessionID string, opt Options) (Envelope, error) {
	started := p.clock.Now()
	if strings.TrimSpace(message) == "" {
		return Envelope{}, ErrInvalidRequest
	}

	deadline := p.cfg.EnrichmentDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if p.features.SkipLogic {
		if reason, skip := p.shouldSkip(message, sessionID); skip {
			env := p.assembleSkipped(started, reason)
			p.sessions.Append(sessionID, session.Message{Role: "user", Text: message, TS: started})
			p.record(env)
			return env, nil
		}
	}

	p.sessions.Append(sessionID, session.Message{Role: "user", Text: message, TS: started})

	historyForRouting := p.cfg.HistoryForRouting
	if historyForRouting <= 0 {
		historyForRouting = 3
	}
	historyForAssembly := p.cfg.HistoryForAssembly
	if historyForAssembly <= 0 {
		historyForAssembly = 6
	}
	fullHistory := p.sessions.Last(sessionID, historyForAssembly)
	routingHistory := fullHistory
	if len(routingHistory) > historyForRouting {
		routingHistory = routingHistory[len(routingHistory)-historyForRouting:]
	}
	if p.features.HistoryCompression {
		fullHistory = p.compressHistory(cctx, fullHistory)
	}
	historyTexts := make([]string, len(routingHistory))
	for i, m := range routingHistory {
		historyTexts[i] = m.Text
	}

	topK := opt.TopK
	if topK <= 0 {
		topK = 10
	}

	var ragOutcome search.Outcome
	var ragErr error
	var decision classifier.Decision
	var embedMS, searchMS, routeMS float64

	runRAG := func() {
		t0 := p.clock.Now()
		ragOutcome, ragErr = p.search.Search(cctx, message, search.Options{
			TopK:            topK,
			SkipCache:       !p.features.EmbeddingCache,
			ForceLinearScan: !p.features.VectorIndex,
		})
		elapsed := p.clock.Now().Sub(t0)
		embedMS = ragOutcome.Embedding.Seconds() * 1000
		searchMS = elapsed.Seconds()*1000 - embedMS
		if searchMS < 0 {
			searchMS = 0
		}
	}
	runRoute := func() {
		t0 := p.clock.Now()
		decision = p.classify.Classify(cctx, message, historyTexts)
		routeMS = p.clock.Now().Sub(t0).Seconds() * 1000
	}

	if p.features.ParallelExecution {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); runRAG() }()
		go func() { defer wg.Done(); runRoute() }()
		wg.Wait()
	} else {
		runRAG()
		runRoute()
	}

	degraded := cctx.Err() != nil
	var notes []string
	if cctx.Err() != nil {
		notes = append(notes, "enrichment deadline exceeded")
	}
	var hits []RAGHit
	if ragErr != nil {
		degraded = true
		notes = append(notes, "retrieval failed: "+ragErr.Error())
	} else {
		if ragOutcome.Degraded {
			notes = append(notes, "retrieval degraded")
		}
		degraded = degraded || ragOutcome.Degraded
		hits = toRAGHits(ragOutcome.Hits)
	}

	routeDecision := RouteDecision{
		Route: decision.Route, Reason: decision.Reason,
		Priority: decision.Priority, Confidence: decision.Confidence,
	}
	if routeDecision.Route == "" {
		def := classifier.DefaultDecision("routing branch produced no decision")
		routeDecision = RouteDecision{
			Route: def.Route, Reason: def.Reason, Priority: def.Priority, Confidence: def.Confidence,
			FallbackChain: defaultFallbackChain,
		}
		degraded = true
		notes = append(notes, "routing defaulted: "+def.Reason)
	} else if routeDecision.Confidence == "low" {
		// Accepted but shaky: attach the safe-default chain a caller can
		// fall back through without re-classifying.
		routeDecision.FallbackChain = defaultFallbackChain
	}

	assembleStart := p.clock.Now()
	if p.features.RouteAwareSources {
		hits = p.trimByRoute(hits, routeDecision.Route)
	}

	env := Envelope{
		RAGContext:       hits,
		RouteDecision:    routeDecision,
		ShortTermHistory: toHistoryEntries(fullHistory),
		SystemNotes:      notes,
		Metadata: Metadata{
			EnrichedAt: p.clock.Now(),
			Skipped:    false,
			Degraded:   degraded,
			CacheHit:   ragOutcome.CacheHit,
			RAGCount:   len(hits),
		},
	}
	if p.index != nil {
		env.Metadata.IndexChunkCount = p.index.Stats().Rows
	}
	assembleMS := p.clock.Now().Sub(assembleStart).Seconds() * 1000
	totalMS := p.clock.Now().Sub(started).Seconds() * 1000

	if p.features.TimingStats {
		env.Metadata.StageTimings = StageTimings{EmbedMS: embedMS, SearchMS: searchMS, RouteMS: routeMS, AssembleMS: assembleMS}
	}
	env.Metadata.LatencyMS = totalMS

	p.sessions.Append(sessionID, session.Message{Role: "assistant", Text: "", TS: p.clock.Now()})
	p.record(env)
	p.metrics.ObserveHistogram("pipeline_enrich_latency_ms", totalMS, map[string]string{"route": routeDecision.Route})
	return env, nil
}

func (p *Pipeline) shouldSkip(message, sessionID string) (string, bool) {
	trimmed := strings.TrimSpace(message)
	minChars := p.cfg.SkipMinChars
	if minChars <= 0 {
		minChars = 20
	}
	if len([]rune(trimmed)) < minChars {
		return "message below minimum length", true
	}
	if ackSet[strings.ToLower(trimmed)] {
		return "closed-set acknowledgment", true
	}
	if strings.HasPrefix(trimmed, "System:") {
		return "system-prefixed message", true
	}
	if isMediaPlaceholder(trimmed) {
		return "media-attachment placeholder", true
	}
	repeatWindow := p.cfg.SkipRepeatWindow
	if repeatWindow <= 0 {
		repeatWindow = 5 * time.Second
	}
	if last, ok := p.sessions.LastMessage(sessionID); ok {
		if p.clock.Now().Sub(last.TS) < repeatWindow {
			return "arrived within repeat window of previous message", true
		}
	}
	return "", false
}

func isMediaPlaceholder(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "[image]", "[attachment]", "[file]", "[audio]", "[video]":
		return true
	}
	return false
}

func (p *Pipeline) assembleSkipped(started time.Time, reason string) Envelope {
	now := p.clock.Now()
	return Envelope{
		RAGContext: []RAGHit{},
		RouteDecision: RouteDecision{
			Route: "haiku", Reason: reason, Priority: "low", Confidence: "low",
			FallbackChain: defaultFallbackChain,
		},
		ShortTermHistory: []HistoryEntry{},
		SystemNotes:      []string{"skipped: " + reason},
		Metadata: Metadata{
			EnrichedAt: now,
			LatencyMS:  now.Sub(started).Seconds() * 1000,
			Skipped:    true,
		},
	}
}

// compressHistory summarizes everything but the most recent message into
// a single system-note-flavored entry when the combined history text
// exceeds a rough token budget, and drops consecutive duplicate texts.
func (p *Pipeline) compressHistory(ctx context.Context, history []session.Message) []session.Message {
	if len(history) < 2 {
		return dedupeConsecutive(history)
	}
	deduped := dedupeConsecutive(history)
	const tokenBudgetChars = 2000
	var total int
	for _, m := range deduped {
		total += len(m.Text)
	}
	if total <= tokenBudgetChars {
		return deduped
	}

	older := deduped[:len(deduped)-1]
	latest := deduped[len(deduped)-1]
	var b strings.Builder
	for i, m := range older {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Role + ": " + m.Text)
	}
	summary := p.classify.Summarize(ctx, b.String())
	return []session.Message{
		{Role: "system", Text: summary, TS: older[0].TS},
		latest,
	}
}

func dedupeConsecutive(history []session.Message) []session.Message {
	out := make([]session.Message, 0, len(history))
	for _, m := range history {
		if n := len(out); n > 0 && out[n-1].Text == m.Text {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (p *Pipeline) trimByRoute(hits []RAGHit, route string) []RAGHit {
	trim, ok := p.routes[route]
	if !ok {
		return hits
	}
	allowed := make(map[string]bool, len(trim.Sources))
	for _, s := range trim.Sources {
		allowed[s] = true
	}
	out := make([]RAGHit, 0, len(hits))
	for _, h := range hits {
		if len(allowed) > 0 && !allowed[string(h.Source)] {
			continue
		}
		if trim.MinScore > 0 && float64(h.Score) < trim.MinScore {
			continue
		}
		out = append(out, h)
	}
	if trim.TopK > 0 && len(out) > trim.TopK {
		out = out[:trim.TopK]
	}
	return out
}

func (p *Pipeline) record(env Envelope) {
	p.stats.record(Decision{
		Route:        env.RouteDecision.Route,
		LatencyMS:    env.Metadata.LatencyMS,
		StageTimings: env.Metadata.StageTimings,
		Skipped:      env.Metadata.Skipped,
		Degraded:     env.Metadata.Degraded,
		CacheHit:     env.Metadata.CacheHit,
		At:           env.Metadata.EnrichedAt,
	})
}

// Stats returns a snapshot of the running enrichment statistics, backing
// GET /stats.
func (p *Pipeline) Stats() StatsSnapshot {
	return p.stats.snapshot()
}

func toRAGHits(hits []search.Hit) []RAGHit {
	out := make([]RAGHit, len(hits))
	for i, h := range hits {
		out[i] = RAGHit{Source: h.Source, Locator: h.Locator, Text: h.Text, Score: h.Score}
	}
	return out
}

func toHistoryEntries(msgs []session.Message) []HistoryEntry {
	out := make([]HistoryEntry, len(msgs))
	for i, m := range msgs {
		out[i] = HistoryEntry{Role: m.Role, Text: m.Text, TS: m.TS}
	}
	return out
}
