package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/resonance/internal/engine"
	"github.com/lazypower/resonance/internal/recall"
	"github.com/lazypower/resonance/internal/store"
)

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req engine.StoreRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.engine.Store(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Status == engine.StatusDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Tags:         q["tag"],
		TagKind:      q.Get("tag_kind"),
		Keywords:     q["keyword"],
		EmotionLabel: q.Get("emotion"),
		SessionID:    q.Get("session"),
		UserID:       q.Get("user"),
		Topic:        q.Get("topic"),
		ParentID:     q.Get("parent"),
		MemoryType:   store.MemoryType(q.Get("type")),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	for name, dst := range map[string]*int64{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be RFC 3339")
				return
			}
			*dst = t.UnixMilli()
		}
	}
	if f.MemoryType != "" {
		if _, err := store.ParseMemoryType(string(f.MemoryType)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	atoms, err := s.engine.Query(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(atoms),
		"memories": stripVectors(atoms),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := *a
	out.Embedding = nil
	v, err := s.engine.Vector(r.Context(), out.ID)
	if err != nil {
		s.log.Warn("vector lookup failed", "id", out.ID, "err", err)
	} else if v != nil {
		out.EmbeddingModel = v.Model
		if r.URL.Query().Get("vector") == "true" {
			out.Embedding = v.Embedding
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTombstone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Tombstone(r.Context(), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "tombstoned"})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	atoms, err := s.engine.Chain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain": stripVectors(atoms)})
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	atoms, err := s.engine.Lineage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lineage": stripVectors(atoms)})
}

func (s *Server) handleSetParent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		ParentID string `json:"parent_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ParentID == "" {
		writeError(w, http.StatusBadRequest, "parent_id required")
		return
	}
	if err := s.engine.Link(r.Context(), req.ParentID, id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "parent_id": req.ParentID})
}

func (s *Server) handleAddLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if err := s.engine.Relate(r.Context(), id, req.ID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "linked_id": req.ID})
}

// RecallRequest is the body of POST /api/recall.
type RecallRequest struct {
	Query           string         `json:"query"`
	Context         recall.Context `json:"context"`
	Limit           int            `json:"limit,omitempty"`
	DeadlineMS      int            `json:"deadline_ms,omitempty"`
	DisableFallback bool           `json:"disable_fallback,omitempty"`
}

func (req RecallRequest) options() recall.Options {
	return recall.Options{
		Limit:           req.Limit,
		Deadline:        time.Duration(req.DeadlineMS) * time.Millisecond,
		DisableFallback: req.DisableFallback,
	}
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req RecallRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Limit < 0 || req.DeadlineMS < 0 {
		writeError(w, http.StatusBadRequest, "limit and deadline_ms must not be negative")
		return
	}
	req.Query = strings.TrimSpace(req.Query)

	// Recall never fails; partial results come back with a report.
	resp := s.engine.Recall(r.Context(), req.Query, req.Context, req.options())
	if resp.Results == nil {
		resp.Results = []recall.Result{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RebuildIndex(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
}

func stripVectors(atoms []store.MemoryAtom) []store.MemoryAtom {
	out := make([]store.MemoryAtom, len(atoms))
	for i, a := range atoms {
		a.Embedding = nil
		out[i] = a
	}
	return out
}
