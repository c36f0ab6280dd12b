// Package httpapi exposes the Context Pipeline, Unified Search, and
// Ingestion Watcher over HTTP: POST /enrich, GET /search, POST /reindex,
// GET /stats, GET /metrics, and GET /health.
package httpapi

import (
	"net/http"
	"time"

	"contextcore/internal/chunkstore"
	"contextcore/internal/embedder"
	"contextcore/internal/ingest"
	"contextcore/internal/observability"
	"contextcore/internal/pipeline"
	"contextcore/internal/search"
	"contextcore/internal/vectorindex"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("contextcore/httpapi")

// Server wires the HTTP surface to its backing collaborators.
type Server struct {
	pipeline *pipeline.Pipeline
	search *search.Search
	store chunkstore.Store
	index *vectorindex.Index
	emb embedder.Embedder
	watchers map[chunkstore.Source]*ingest.Watcher
	log zerolog.Logger
	mux *http.ServeMux
}

// NewServer builds a Server. watchers maps each corpus source to the
// Watcher instance that owns its directory, used by POST /reindex.
func NewServer(p *pipeline.Pipeline, s *search.Search, store chunkstore.Store, index *vectorindex.Index, emb embedder.Embedder, watchers map[chunkstore.Source]*ingest.Watcher, log zerolog.Logger) *Server {
	srv := &Server{
		pipeline: p,
		search:   s,
		store:    store,
		index:    index,
		emb:      emb,
		watchers: watchers,
		log:      log,
		mux:      http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv
}

// ServeHTTP satisfies http.Handler. Every request gets a fresh correlation
// ID and a span, and is logged with a trace-enriched logger alongside its
// method, path, status, and latency.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
	defer span.End()
	r = r.WithContext(ctx)

	reqID := uuid.NewString()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	s.mux.ServeHTTP(rec, r)

	observability.LoggerWithTrace(ctx).Info().
		Str("requestId", reqID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("latency", time.Since(start)).
		Msg("http request")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /enrich", s.handleEnrich)
	s.mux.HandleFunc("GET /search", s.handleSearch)
	s.mux.HandleFunc("POST /reindex", s.handleReindex)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /health", s.handleHealth)
}
