package pipeline

import (
	"sync"
	"time"
)

const decisionRingSize = 200

// Decision is one recorded enrichment outcome, the unit the stats ring
// buffer and running averages are built from.
type Decision struct {
	Route string
	LatencyMS float64
	StageTimings StageTimings
	Skipped bool
	Degraded bool
	CacheHit bool
	At time.Time
}

// StatsSnapshot is the point-in-time view returned by GET /stats.
type StatsSnapshot struct {
	TotalRequests int `json:"totalRequests"`
	SkipRate float64 `json:"skipRate"`
	CacheHitRate float64 `json:"cacheHitRate"`
	DegradedRate float64 `json:"degradedRate"`
	AvgLatencyMS float64 `json:"avgLatencyMs"`
	AvgStageTimings StageTimings `json:"avgStageTimings"`
	RouteCounts map[string]int `json:"routeCounts"`
}

// statsRecorder is a bounded ring buffer of the last decisionRingSize
// enrichment decisions plus cumulative counters that never reset on
// eviction, so the skip/cache-hit/degraded rates reflect process
// lifetime even once the ring has wrapped.
type statsRecorder struct {
	mu sync.Mutex
	ring [decisionRingSize]Decision
	next int
	filled int

	totalRequests int
	totalSkipped int
	totalCacheHit int
	totalDegraded int
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{}
}

func (s *statsRecorder) record(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.next] = d
	s.next = (s.next + 1) % decisionRingSize
	if s.filled < decisionRingSize {
		s.filled++
	}

	s.totalRequests++
	if d.Skipped {
		s.totalSkipped++
	}
	if d.CacheHit {
		s.totalCacheHit++
	}
	if d.Degraded {
		s.totalDegraded++
	}
}

// snapshot computes running averages over the currently-buffered window
// (up to the last decisionRingSize decisions) and rates over the full
// process lifetime.
func (s *statsRecorder) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := StatsSnapshot{
		TotalRequests: s.totalRequests,
		RouteCounts:   make(map[string]int),
	}
	if s.totalRequests > 0 {
		out.SkipRate = float64(s.totalSkipped) / float64(s.totalRequests)
		out.CacheHitRate = float64(s.totalCacheHit) / float64(s.totalRequests)
		out.DegradedRate = float64(s.totalDegraded) / float64(s.totalRequests)
	}
	if s.filled == 0 {
		return out
	}

	var sumLatency float64
	var sumEmbed, sumSearch, sumRoute, sumAssemble float64
	for i := 0; i < s.filled; i++ {
		d := s.ring[i]
		sumLatency += d.LatencyMS
		sumEmbed += d.StageTimings.EmbedMS
		sumSearch += d.StageTimings.SearchMS
		sumRoute += d.StageTimings.RouteMS
		sumAssemble += d.StageTimings.AssembleMS
		if d.Route != "" {
			out.RouteCounts[d.Route]++
		}
	}
	n := float64(s.filled)
	out.AvgLatencyMS = sumLatency / n
	out.AvgStageTimings = StageTimings{
		EmbedMS:    sumEmbed / n,
		SearchMS:   sumSearch / n,
		RouteMS:    sumRoute / n,
		AssembleMS: sumAssemble / n,
	}
	return out
}
