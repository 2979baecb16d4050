package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
)

// InboundFrame is what a WebSocket client sends.
type InboundFrame struct {
	Type string `json:"type"` // "message", "ping"
	Text string `json:"text,omitempty"`
}

// ControlFrame is a non-event frame sent to a WebSocket client. Event frames
// use the event envelope instead.
type ControlFrame struct {
	Type  string `json:"type"` // "pong", "ack", "rejected"
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

const (
	frameMessage  = "message"
	framePing     = "ping"
	framePong     = "pong"
	frameAck      = "ack"
	frameRejected = "rejected"
)

// ServeWS upgrades to a WebSocket that carries the same event envelopes as
// SSE and accepts inbound messages. The cursor comes from ?after=N only.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID, sub := h.open(w, r, "stream.ws", false)
	if sub == nil {
		return
	}
	defer sub.Close()

	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, sessionID, sub)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, sessionID string, sub *events.Subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return websocket.JSON.Send(conn, v)
	}

	h.logger.Info("stream: ws connected", "session_id", sessionID, "after", sub.Cursor())

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			var msg InboundFrame
			if err := websocket.JSON.Receive(conn, &msg); err != nil {
				h.logger.Debug("stream: ws read ended", "session_id", sessionID, "error", err)
				return
			}
			if err := send(h.handleInbound(ctx, sessionID, msg)); err != nil {
				return
			}
		}
	}()

	h.pump(ctx, sessionID, sub,
		func(ev events.Event) error {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			return send(json.RawMessage(data))
		},
		func() error { return send(ControlFrame{Type: framePing}) },
	)
	_ = conn.Close()
	<-readerDone
	h.logger.Info("stream: ws closed", "session_id", sessionID, "cursor", sub.Cursor())
}

func (h *Handler) handleInbound(ctx context.Context, sessionID string, msg InboundFrame) ControlFrame {
	switch msg.Type {
	case framePing:
		return ControlFrame{Type: framePong}
	case frameMessage:
		if h.submitter == nil {
			return ControlFrame{Type: frameRejected, Error: "messages are not accepted on this stream", Kind: apperr.KindValidation.String()}
		}
		if strings.TrimSpace(msg.Text) == "" {
			return ControlFrame{Type: frameRejected, Error: "text is required", Kind: apperr.KindValidation.String()}
		}
		jobID, err := h.submitter.SubmitText(ctx, sessionID, msg.Text)
		if err != nil {
			return ControlFrame{Type: frameRejected, Error: apperr.PublicMessage(err), Kind: apperr.KindOf(err).String()}
		}
		return ControlFrame{Type: frameAck, JobID: jobID}
	default:
		return ControlFrame{Type: frameRejected, Error: "unknown frame type", Kind: apperr.KindValidation.String()}
	}
}
