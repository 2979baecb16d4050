// Package events defines the per-session event stream: the closed set of
// event payloads, the append-only event log with replay, and the bus that
// fans events out to stream subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the wire tag of an event.
type Type string

const (
	TypeToken       Type = "token"
	TypeAgentState  Type = "agent_state"
	TypeUIComponent Type = "ui_component"
	TypeComplete    Type = "complete"
	TypeError       Type = "error"
)

// Payload is implemented only by the event variants in this package.
type Payload interface {
	EventType() Type
	sealed()
}

// Token is an incremental piece of assistant text.
type Token struct {
	Text  string `json:"text"`
	Agent string `json:"agent,omitempty"`
}

// AgentState announces the agent that owns the content that follows.
type AgentState struct {
	Agent string `json:"agent"`
	Stage string `json:"stage,omitempty"`
}

// UIComponent carries a structured widget for the client to render.
type UIComponent struct {
	Component Component
}

// Complete terminates a successful turn.
type Complete struct {
	Agent         string `json:"agent"`
	Stage         string `json:"stage"`
	PriorityScore *int   `json:"priority_score,omitempty"`
	Emergency     bool   `json:"emergency,omitempty"`
}

// Error terminates a failed turn. The session is left as it was before the turn.
type Error struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (Token) EventType() Type       { return TypeToken }
func (AgentState) EventType() Type  { return TypeAgentState }
func (UIComponent) EventType() Type { return TypeUIComponent }
func (Complete) EventType() Type    { return TypeComplete }
func (Error) EventType() Type       { return TypeError }

func (Token) sealed()       {}
func (AgentState) sealed()  {}
func (UIComponent) sealed() {}
func (Complete) sealed()    {}
func (Error) sealed()       {}

// Event is a payload placed on a session's log.
type Event struct {
	SessionID string
	Seq       int64
	At        time.Time
	Payload   Payload
}

// Type returns the payload's wire tag.
func (e Event) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return IsTerminal(e.Payload)
}

// IsTerminal reports whether p is complete or error.
func IsTerminal(p Payload) bool {
	switch p.(type) {
	case Complete, Error:
		return true
	default:
		return false
	}
}

type envelope struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	At        time.Time       `json:"at"`
}

// MarshalJSON encodes {session_id, seq, type, data, at}.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		SessionID: e.SessionID,
		Seq:       e.Seq,
		Type:      e.Type(),
		Data:      data,
		At:        e.At,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("events: decode envelope: %w", err)
	}
	p, err := UnmarshalPayload(env.Type, env.Data)
	if err != nil {
		return err
	}
	*e = Event{SessionID: env.SessionID, Seq: env.Seq, At: env.At, Payload: p}
	return nil
}

// MarshalPayload encodes the data field of an event.
func MarshalPayload(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case Token:
		return json.Marshal(v)
	case AgentState:
		return json.Marshal(v)
	case UIComponent:
		return MarshalComponent(v.Component)
	case Complete:
		return json.Marshal(v)
	case Error:
		return json.Marshal(v)
	case nil:
		return nil, fmt.Errorf("events: nil payload")
	default:
		return nil, fmt.Errorf("events: unsupported payload %T", p)
	}
}

// UnmarshalPayload decodes the data field for the given type tag.
func UnmarshalPayload(t Type, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeToken:
		var v Token
		err = json.Unmarshal(data, &v)
		p = v
	case TypeAgentState:
		var v AgentState
		err = json.Unmarshal(data, &v)
		p = v
	case TypeComplete:
		var v Complete
		err = json.Unmarshal(data, &v)
		p = v
	case TypeError:
		var v Error
		err = json.Unmarshal(data, &v)
		p = v
	case TypeUIComponent:
		var c Component
		c, err = UnmarshalComponent(data)
		p = UIComponent{Component: c}
	default:
		return nil, fmt.Errorf("events: unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("events: decode %s payload: %w", t, err)
	}
	return p, nil
}
