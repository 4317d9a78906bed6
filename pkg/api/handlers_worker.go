package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/forge/pkg/types"
	"github.com/cuemby/forge/pkg/worker"
)

// handleWorkerRegister is POST /api/worker/register: a container calls this
// once alive to bind itself to the work item its spawn env carries.
func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Workers.Register(r.Context(), req.WorkItemID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"workerId": result.WorkerID,
		"workItem": result.WorkItem,
	})
}

// handleWorkerHeartbeat is POST /api/worker/{id}/heartbeat.
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req heartbeatRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Workers.Heartbeat(r.Context(), id, req.Iteration); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWorkerLock is POST /api/worker/{id}/lock.
func (s *Server) handleWorkerLock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req lockRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Workers.LockFiles(r.Context(), id, req.Files)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acquired": result.Acquired,
		"blocked":  result.Blocked,
	})
}

// handleWorkerUnlock is POST /api/worker/{id}/unlock.
func (s *Server) handleWorkerUnlock(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req lockRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Workers.UnlockFiles(r.Context(), id, req.Files); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWorkerComplete is POST /api/worker/{id}/complete.
func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req completeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	payload := worker.CompletePayload{
		PRUrl:     req.PRUrl,
		Verdict:   req.Verdict,
		Learnings: req.Learnings,
	}
	if req.Metrics != nil {
		payload.Metrics = &types.WorkerMetric{
			TokensIn:      req.Metrics.TokensIn,
			TokensOut:     req.Metrics.TokensOut,
			Duration:      req.Metrics.Duration,
			FilesModified: req.Metrics.FilesModified,
			TestsRun:      req.Metrics.TestsRun,
			TestsPassed:   req.Metrics.TestsPassed,
			TestsFailed:   req.Metrics.TestsFailed,
			TestStatus:    types.TestStatus(req.Metrics.TestStatus),
		}
	}
	if err := s.deps.Workers.Complete(r.Context(), id, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWorkerFail is POST /api/worker/{id}/fail.
func (s *Server) handleWorkerFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req failRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Workers.Fail(r.Context(), id, req.Error, req.Iteration); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWorkerStuck is POST /api/worker/{id}/stuck.
func (s *Server) handleWorkerStuck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req stuckRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Workers.Stuck(r.Context(), id, req.Reason, req.Attempts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
