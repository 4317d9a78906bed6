package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/forge/pkg/apierr"
	"github.com/cuemby/forge/pkg/queue"
	"github.com/cuemby/forge/pkg/types"
)

// handleAddWork is POST /api/work.
func (s *Server) handleAddWork(w http.ResponseWriter, r *http.Request) {
	var req addWorkRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	item, err := s.deps.Queue.Add(r.Context(), queue.AddRequest{
		Repo:          req.Repo,
		Branch:        req.Branch,
		Spec:          req.Spec,
		Description:   req.Description,
		Priority:      parsePriority(req.Priority),
		MaxIterations: req.MaxIterations,
		Metadata:      req.Metadata,
		Type:          parseWorkItemType(req.Type),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// handleGetWork is GET /api/work/{id}.
func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleCancelWork is POST /api/work/{id}/cancel.
func (s *Server) handleCancelWork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Queue.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleUpdateWorkSpec is PATCH /api/work/{id}/spec: the spec-generation
// handoff from pending_generation to queued.
func (s *Server) handleUpdateWorkSpec(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateSpecRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Queue.UpdateSpec(r.Context(), id, req.Spec, req.Branch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleListWorkers is GET /api/workers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.deps.Workers.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

// handleKillWorker is POST /api/workers/{id}/kill: an operator-initiated
// termination, distinct from a worker self-reporting stuck.
func (s *Server) handleKillWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req killRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "killed by operator"
	}
	if err := s.deps.Workers.Kill(r.Context(), id, reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleListQueue is GET /api/queue, optionally filtered by ?status=.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleMetrics is GET /api/metrics: the JSON rollup, distinct from the
// Prometheus exposition mounted at /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	fm, err := s.deps.Metrics.FactoryMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fm)
}

// handleListLearnings is GET /api/learnings?repo=.
func (s *Server) handleListLearnings(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		writeError(w, apierr.Validation("repo query parameter is required"))
		return
	}
	learnings, err := s.deps.Gateway.ListLearnings(r.Context(), repo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, learnings)
}

func parsePriority(raw string) types.Priority {
	if raw == "" {
		return ""
	}
	return types.Priority(raw)
}

func parseWorkItemType(raw string) types.WorkItemType {
	if raw == "" {
		return ""
	}
	return types.WorkItemType(raw)
}
