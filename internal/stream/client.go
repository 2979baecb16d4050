package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

var (
	// ErrStop may be returned by an EventFunc to end Run without error.
	ErrStop = errors.New("stream: stop")
	// ErrRetriesExhausted wraps the last connection error once the retry
	// policy gives up.
	ErrRetriesExhausted = errors.New("stream: retries exhausted")
)

// RetryPolicy is the client's reconnection schedule. The server's SSE retry
// hint is ignored.
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int // consecutive failures before giving up; 0 retries forever
}

// DefaultRetryPolicy backs off from 500ms to 15s over at most 8 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 500 * time.Millisecond, Max: 15 * time.Second, Multiplier: 2, MaxAttempts: 8}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(n-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// EventFunc handles one event. Events arrive in strictly increasing seq order.
type EventFunc func(events.Event) error

// Client follows one session's SSE stream across disconnects.
type Client struct {
	baseURL   string
	sessionID string
	http      *http.Client
	policy    RetryPolicy
	onReset   func()
	logger    *logging.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	cursor int64
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(cl *Client) { cl.policy = p }
}

// WithCursor starts the client after the given seq.
func WithCursor(after int64) ClientOption {
	return func(cl *Client) { cl.cursor = after }
}

// OnReset is called when the server rejects the cursor and the client
// restarts from 0. Events already handled will be delivered again.
func OnReset(fn func()) ClientOption {
	return func(cl *Client) { cl.onReset = fn }
}

func WithClientLogger(l *logging.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// NewClient builds a client for baseURL (e.g. "https://api.example.com").
func NewClient(baseURL, sessionID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sessionID: sessionID,
		http:      &http.Client{},
		policy:    DefaultRetryPolicy(),
		logger:    logging.Default(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cursor is the seq of the last event handed to the EventFunc.
func (c *Client) Cursor() int64 { return c.cursor }

// Run connects and delivers events to fn until ctx ends, fn returns an
// error, a request is rejected permanently, or the retry policy is exhausted.
func (c *Client) Run(ctx context.Context, fn EventFunc) error {
	failures := 0
	for {
		progressed, err := c.connect(ctx, fn)
		switch {
		case errors.Is(err, ErrStop):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errCursorReset):
			c.logger.Info("stream client: cursor expired, restarting from 0", "session_id", c.sessionID, "cursor", c.cursor)
			c.cursor = 0
			if c.onReset != nil {
				c.onReset()
			}
			failures = 0
			continue
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm
		}
		var handlerErr *handlerError
		if errors.As(err, &handlerErr) {
			return handlerErr.err
		}

		if progressed {
			failures = 0
		}
		if err == nil {
			// Server closed a healthy stream (idle timeout); reconnect at once.
			continue
		}
		failures++
		if c.policy.MaxAttempts > 0 && failures > c.policy.MaxAttempts {
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}
		delay := c.policy.Delay(failures)
		c.logger.Debug("stream client: reconnecting", "session_id", c.sessionID, "attempt", failures, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

var errCursorReset = errors.New("stream: cursor reset")

type permanentError struct {
	status int
	body   string
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("stream: server rejected request: %d %s", e.status, e.body)
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// connect runs one SSE connection. progressed reports whether any new event
// was delivered.
func (c *Client) connect(ctx context.Context, fn EventFunc) (progressed bool, err error) {
	u := fmt.Sprintf("%s/chat/stream/%s?after=%d", c.baseURL, url.PathEscape(c.sessionID), c.cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, &permanentError{body: err.Error()}
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.cursor > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(c.cursor, 10))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return false, errCursorReset
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return false, fmt.Errorf("stream: server returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &permanentError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	err = readSSE(resp.Body, func(f sseFrame) error {
		if f.data == "" {
			return nil
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
			c.logger.Warn("stream client: skipping undecodable frame", "session_id", c.sessionID, "id", f.id, "error", err)
			return nil
		}
		if ev.Seq <= c.cursor {
			return nil
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStop) {
				c.cursor = ev.Seq
				return err
			}
			return &handlerError{err: err}
		}
		c.cursor = ev.Seq
		progressed = true
		return nil
	})
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return progressed, err
}

type sseFrame struct {
	id    string
	event string
	data  string
}

// readSSE parses an event-stream body. Comment lines are heartbeats.
func readSSE(r io.Reader, dispatch func(sseFrame) error) error {
	reader := bufio.NewReader(r)
	var (
		frame sseFrame
		data  []string
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			frame.data = strings.Join(data, "\n")
			if err := dispatch(frame); err != nil {
				return err
			}
			frame, data = sseFrame{}, nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			frame.id = value
		case "event":
			frame.event = value
		case "data":
			data = append(data, value)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
