// Package stream serves a session's event log over SSE and WebSocket and
// provides a resumable client for the SSE transport.
package stream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/http/httpjson"
	"github.com/wolfman30/pearlflow/internal/session"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

const (
	DefaultHeartbeat   = 15 * time.Second
	DefaultIdleTimeout = 10 * time.Minute

	// KindCursorExpired is the error kind of a 410 response.
	KindCursorExpired = "cursor_expired"
)

// Source opens subscriptions on a session's event stream. *events.Bus implements it.
type Source interface {
	Subscribe(ctx context.Context, sessionID string, after int64) (*events.Subscription, error)
}

// SessionLoader resolves the session a stream belongs to.
type SessionLoader interface {
	Load(ctx context.Context, id string) (session.Session, error)
}

// TextSubmitter enqueues a patient message. *turn.Handler implements it.
type TextSubmitter interface {
	SubmitText(ctx context.Context, sessionID, text string) (string, error)
}

// Handler serves GET /chat/stream/{session_id} and GET /chat/ws/{session_id}.
type Handler struct {
	source    Source
	sessions  SessionLoader
	submitter TextSubmitter
	logger    *logging.Logger
	heartbeat time.Duration
	idle      time.Duration
	now       func() time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithHeartbeat sets the interval between keepalive frames.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithIdleTimeout ends a stream that has carried no events for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.idle = d
		}
	}
}

// WithSubmitter enables inbound messages on the WebSocket transport.
func WithSubmitter(s TextSubmitter) Option {
	return func(h *Handler) { h.submitter = s }
}

func NewHandler(source Source, sessions SessionLoader, logger *logging.Logger, opts ...Option) *Handler {
	if source == nil || sessions == nil {
		panic("stream: source and sessions cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		source:    source,
		sessions:  sessions,
		logger:    logger,
		heartbeat: DefaultHeartbeat,
		idle:      DefaultIdleTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// open validates the request and subscribes. On failure the error response
// has already been written and the subscription is nil.
func (h *Handler) open(w http.ResponseWriter, r *http.Request, op string, headerCursor bool) (string, *events.Subscription) {
	sessionID := chi.URLParam(r, "session_id")
	if strings.TrimSpace(sessionID) == "" {
		httpjson.Error(w, apperr.Validation(op, "session id is required"))
		return "", nil
	}
	after, err := cursorFrom(r, headerCursor)
	if err != nil {
		httpjson.Error(w, apperr.Validation(op, "after must be a non-negative integer"))
		return "", nil
	}
	if _, err := h.sessions.Load(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			httpjson.Error(w, apperr.NotFound(op, "session not found"))
			return "", nil
		}
		h.logger.Error("stream: load session failed", "session_id", sessionID, "error", err)
		httpjson.Error(w, apperr.Upstream(op, err))
		return "", nil
	}

	sub, err := h.source.Subscribe(r.Context(), sessionID, after)
	if errors.Is(err, events.ErrCursorExpired) {
		h.logger.Info("stream: cursor expired", "session_id", sessionID, "after", after)
		httpjson.Write(w, http.StatusGone, httpjson.ErrorBody{
			Error: "cursor is outside the retained window; reconnect from 0",
			Kind:  KindCursorExpired,
		})
		return "", nil
	}
	if err != nil {
		h.logger.Error("stream: subscribe failed", "session_id", sessionID, "error", err)
		httpjson.Error(w, apperr.Upstream(op, err))
		return "", nil
	}
	return sessionID, sub
}

// cursorFrom reads ?after=N. For SSE the Last-Event-ID header wins.
func cursorFrom(r *http.Request, headerCursor bool) (int64, error) {
	raw := r.URL.Query().Get("after")
	if headerCursor {
		if id := strings.TrimSpace(r.Header.Get("Last-Event-ID")); id != "" {
			raw = id
		}
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid cursor")
	}
	return n, nil
}

// pump delivers events to send until ctx ends, the subscription ends or
// the stream has been idle too long. ping is called on every heartbeat tick.
func (h *Handler) pump(ctx context.Context, sessionID string, sub *events.Subscription, send func(events.Event) error, ping func() error) {
	lastActivity := h.now()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
		ev, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			if err := send(ev); err != nil {
				h.logger.Debug("stream: write failed", "session_id", sessionID, "seq", ev.Seq, "error", err)
				return
			}
			lastActivity = h.now()
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
			if h.now().Sub(lastActivity) >= h.idle {
				h.logger.Debug("stream: idle timeout", "session_id", sessionID, "cursor", sub.Cursor())
				return
			}
			if err := ping(); err != nil {
				return
			}
		default:
			h.logger.Info("stream: subscription ended", "session_id", sessionID, "cursor", sub.Cursor(), "reason", err)
			return
		}
	}
}
