package firehose

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/pkg/logger"
)

// Handler serves the firehose as chunked server-sent events. This is the
// one place in the core that talks raw net/http rather than a pack
// library: SSE has no framing concerns worth a dependency, and grpc/HTTP2
// streaming (the teacher's usual transport story) isn't a fit for a
// plain text/event-stream contract clients read with curl or EventSource.
type Handler struct {
	hub *Hub
	log *logger.Logger
}

// NewHandler wraps hub as an http.Handler.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub, log: logger.WithField("component", "firehose")}
}

// ServeHTTP streams events for the session named by the "session" query
// parameter until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionParam := r.URL.Query().Get("session")
	session, err := SessionFromString(sessionParam)
	if err != nil {
		http.Error(w, "invalid firehose session", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	ch, cancel, err := h.hub.Subscribe(ctx, session)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.log.Debug("firehose subscriber connected", "session", session)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			body, err := json.Marshal(wireEvent{
				JobUUID:  msg.Payload.JobUUID,
				Category: string(msg.Payload.Category),
				Payload:  msg.Payload.Payload,
			})
			if err != nil {
				h.log.Warn("firehose event marshal failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// wireEvent is the JSON rendering of an Event sent over SSE.
type wireEvent struct {
	JobUUID  uuid.UUID   `json:"job_uuid"`
	Category string      `json:"category"`
	Payload  interface{} `json:"payload"`
}
