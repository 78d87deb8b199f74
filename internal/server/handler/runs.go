package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sevigo/review-council/internal/core"
)

// RunHandler serves run inspection and cancellation.
type RunHandler struct {
	deps   Deps
	logger *slog.Logger
}

// NewRunHandler creates a run handler.
func NewRunHandler(deps Deps, logger *slog.Logger) *RunHandler {
	return &RunHandler{deps: deps, logger: logger}
}

// Get returns the persisted run record.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// Status returns the live progress snapshot when the run is still tracked,
// falling back to the persisted record for finished runs.
func (h *RunHandler) Status(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if status, tracked := h.deps.Broadcaster.Get(runID); tracked {
		writeJSON(w, http.StatusOK, status)
		return
	}
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// Children returns a council parent's child runs.
func (h *RunHandler) Children(w http.ResponseWriter, r *http.Request) {
	children, err := h.deps.Runs.GetChildRuns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "failed to list child runs", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponses(children))
}

// Cancel requests cooperative cancellation of a running analysis.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := h.deps.Engine.Cancel(runID); err != nil {
		if errors.Is(err, core.ErrRunNotRunning) {
			writeError(w, h.logger, http.StatusConflict, "run is not running", nil)
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "failed to cancel run", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *RunHandler) loadRun(w http.ResponseWriter, r *http.Request) (*core.AnalysisRun, bool) {
	run, err := h.deps.Runs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "run not found", nil)
		} else {
			writeError(w, h.logger, http.StatusInternalServerError, "failed to load run", err)
		}
		return nil, false
	}
	return run, true
}
