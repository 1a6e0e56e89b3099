package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowmesh/conductor/internal/graphstore"
	"github.com/flowmesh/conductor/internal/metrics"
	"github.com/flowmesh/conductor/pkg/types"
)

// StreamEvents handles GET /api/v1/tasks/{id}/events
// It implements Server-Sent Events (SSE) for streaming graph lifecycle
// events, with Last-Event-ID resumption.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	graphID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("graph_id", graphID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if _, err := h.store.GetGraphMeta(ctx, graphID); err != nil {
		if errors.Is(err, graphstore.ErrGraphNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get task", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	lastEventID := r.Header.Get("Last-Event-ID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming not supported", errors.New("response writer is not a flusher"))
		return
	}
	flusher.Flush()

	// Subscribe before replay so nothing published in between is lost;
	// duplicates are possible and consumers dedupe by event ID.
	eventCh, cleanup, err := h.store.Subscribe(ctx, graphID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "graph_id", graphID)
		return
	}
	defer cleanup()

	// Replay history (all of it, or everything after Last-Event-ID).
	history, err := h.store.GetEventsSince(ctx, graphID, lastEventID)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "graph_id", graphID)
	} else {
		for _, evt := range history {
			h.writeSSE(w, flusher, evt)
		}
	}

	done := r.Context().Done()

	heartbeat := time.NewTicker(h.config.SSEHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.logger.Info("SSE connection closed (client disconnect)",
				slog.String("graph_id", graphID),
				slog.String("request_id", requestID),
				slog.Duration("duration", time.Since(startTime)),
			)
			return

		case evt, ok := <-eventCh:
			if !ok {
				// Channel closed: graph reached a terminal status.
				h.sendStreamEnd(ctx, w, flusher, graphID)
				h.logger.Info("SSE connection closed (task finished)",
					slog.String("graph_id", graphID),
					slog.String("request_id", requestID),
					slog.Duration("duration", time.Since(startTime)),
				)
				return
			}
			h.writeSSE(w, flusher, evt)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends a final synthetic event carrying the terminal status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, graphID string) {
	meta, err := h.store.GetGraphMeta(ctx, graphID)
	if err != nil {
		h.logger.Error("failed to get task meta for stream end", "error", err)
		return
	}

	data, _ := json.Marshal(map[string]interface{}{"status": meta.Status})
	h.writeSSE(w, flusher, &types.Event{
		ID:        "final",
		GraphID:   graphID,
		Kind:      "stream_end",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
