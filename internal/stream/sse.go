package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/wolfman30/pearlflow/internal/events"
)

// ServeSSE streams events as text/event-stream. Each frame's id is the
// event seq so a browser EventSource resumes through Last-Event-ID.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}
	sessionID, sub := h.open(w, r, "stream.sse", true)
	if sub == nil {
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Info("stream: sse connected", "session_id", sessionID, "after", sub.Cursor())
	h.pump(r.Context(), sessionID, sub,
		func(ev events.Event) error {
			if err := writeSSEEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
		func() error {
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	)
	h.logger.Info("stream: sse closed", "session_id", sessionID, "cursor", sub.Cursor())
}

func writeSSEEvent(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type(), data)
	return err
}
