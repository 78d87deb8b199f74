package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// EventHandler streams per-run progress snapshots as Server-Sent Events.
type EventHandler struct {
	deps   Deps
	logger *slog.Logger
}

// NewEventHandler creates an event stream handler.
func NewEventHandler(deps Deps, logger *slog.Logger) *EventHandler {
	return &EventHandler{deps: deps, logger: logger}
}

// Stream subscribes the client to a run's progress snapshots. The stream ends
// when the client disconnects, the run's tracking entry is removed, or the
// run reaches a terminal state.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.logger, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	runID := chi.URLParam(r, "id")
	events, cancel := h.deps.Broadcaster.Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case status, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(status)
			if err != nil {
				h.logger.Error("failed to encode progress snapshot", "run_id", runID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			if status.Status.IsTerminal() {
				return
			}
		}
	}
}
