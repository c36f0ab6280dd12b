package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"contextcore/internal/chunkstore"
	"contextcore/internal/pipeline"
	"contextcore/internal/search"
)

type enrichRequest struct {
	Message string `json:"message"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "sessionId is required")
		return
	}

	env, err := s.pipeline.Assemble(r.Context(), req.Message, req.SessionID, pipeline.Options{})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "q is required")
		return
	}

	opt := search.Options{}
	if topKStr := r.URL.Query().Get("topK"); topKStr != "" {
		if topK, err := strconv.Atoi(topKStr); err == nil {
			opt.TopK = topK
		}
	}
	if sourcesStr := r.URL.Query().Get("sources"); sourcesStr != "" {
		for _, src := range strings.Split(sourcesStr, ",") {
			src = strings.TrimSpace(src)
			if src == "" {
				continue
			}
			opt.Sources = append(opt.Sources, chunkstore.Source(src))
		}
	}

	outcome, err := s.search.Search(r.Context(), q, opt)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": outcome.Hits, "degraded": outcome.Degraded, "cacheHit": outcome.CacheHit})
}

type reindexRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	source := chunkstore.Source(req.Source)
	watcher, ok := s.watchers[source]
	if !ok {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "unknown source "+req.Source)
		return
	}

	chunks, err := watcher.Reindex(r.Context())
	if err != nil {
		s.log.Error().Err(err).Str("source", req.Source).Msg("reindex failed")
		respondError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"index": s.index.Stats(),
	}
	if s.pipeline != nil {
		resp["enrichment"] = s.pipeline.Stats()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]bool{}

	storeOK := s.store.CheckIntegrity(ctx) == nil
	components["store"] = storeOK

	indexStats := s.index.Stats()
	components["index"] = indexStats.Loaded

	embOK := s.emb == nil || s.emb.Ping(ctx) == nil
	components["embedding"] = embOK

	ok := storeOK && embOK
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{"ok": ok, "components": components})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{"error": message, "code": code})
}
