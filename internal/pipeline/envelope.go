// Package pipeline is the Context Pipeline: the per-request orchestrator
// that turns one incoming message into an enrichment envelope by
// consulting short-term session history, running retrieval and routing
// concurrently, and trimming the result by the resolved route.
package pipeline

import (
	"time"

	"contextcore/internal/chunkstore"
)

// RAGHit mirrors search.Hit in the envelope's wire shape.
type RAGHit struct {
	Source chunkstore.Source `json:"source"`
	Locator string `json:"locator"`
	Text string `json:"text"`
	Score float32 `json:"score"`
}

// RouteDecision is the envelope's routing outcome, carrying the
// classifier's claim plus the safe-default chain that produced it when
// the claim was rejected.
type RouteDecision struct {
	Route string `json:"route"`
	Reason string `json:"reason"`
	Priority string `json:"priority"`
	Confidence string `json:"confidence"`
	FallbackChain []string `json:"fallbackChain,omitempty"`
}

// HistoryEntry mirrors session.Message in the envelope's wire shape.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
	TS time.Time `json:"ts"`
}

// StageTimings records per-stage wall-clock duration in milliseconds.
type StageTimings struct {
	EmbedMS float64 `json:"embed"`
	SearchMS float64 `json:"search"`
	RouteMS float64 `json:"route"`
	AssembleMS float64 `json:"assemble"`
}

// Metadata carries the envelope's observability and trust signals.
type Metadata struct {
	EnrichedAt time.Time `json:"enrichedAt"`
	LatencyMS float64 `json:"latencyMs"`
	StageTimings StageTimings `json:"stageTimings"`
	Skipped bool `json:"skipped"`
	Degraded bool `json:"degraded"`
	CacheHit bool `json:"cacheHit"`
	RAGCount int `json:"ragCount"`
	IndexChunkCount int `json:"indexChunkCount"`
}

// Envelope is the complete, caller-facing result of one Assemble call.
type Envelope struct {
	RAGContext []RAGHit `json:"ragContext"`
	RouteDecision RouteDecision `json:"routeDecision"`
	ShortTermHistory []HistoryEntry `json:"shortTermHistory"`
	SystemNotes []string `json:"systemNotes,omitempty"`
	Metadata Metadata `json:"metadata"`
}
