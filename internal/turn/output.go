package turn

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/session"
)

// output publishes one turn's events in order. Assistant text is sanitized
// and split into sentence-sized tokens before it reaches the bus.
type output struct {
	ctx       context.Context
	p         *Processor
	sessionID string
	clinicID  string
	agent     string

	pending   strings.Builder
	spoken    strings.Builder
	lastSeq   int64
	terminal  bool
	committed bool
	spaced    bool
}

func newOutput(ctx context.Context, p *Processor, s session.Session) *output {
	return &output{ctx: ctx, p: p, sessionID: s.ID, clinicID: s.ClinicID, agent: string(s.ActiveAgent)}
}

// commit marks that the turn changed scheduling state outside the session.
// Later events are published even if the turn is cancelled.
func (o *output) commit() {
	if !o.committed {
		o.committed = true
		o.ctx = context.WithoutCancel(o.ctx)
	}
}

func (o *output) publish(payload events.Payload) error {
	ev, err := o.p.bus.Publish(o.ctx, o.sessionID, payload)
	if err != nil {
		return apperr.Upstream("turn.publish", err)
	}
	o.lastSeq = ev.Seq
	return nil
}

// emit publishes a payload produced by the state machine.
func (o *output) emit(payload events.Payload) error {
	switch v := payload.(type) {
	case events.Token:
		return o.tokens(v.Text)
	case events.AgentState:
		o.agent = v.Agent
		return o.publish(v)
	default:
		return o.publish(payload)
	}
}

func (o *output) sanitize(text string) string {
	if o.p.sanitizer == nil {
		return text
	}
	return o.p.sanitizer.SanitizeAgentResponse(o.ctx, o.clinicID, o.sessionID, text)
}

func (o *output) tokens(text string) error {
	for _, chunk := range sentences(o.sanitize(text)) {
		if err := o.token(chunk); err != nil {
			return err
		}
		o.spoken.WriteString(chunk)
	}
	return nil
}

// token publishes one chunk, separating it from an earlier utterance that
// ended mid-line so the client's concatenated text reads correctly.
func (o *output) token(chunk string) error {
	if o.spaced && chunk != "" && !unicode.IsSpace(rune(chunk[0])) {
		chunk = " " + chunk
	}
	if err := o.publish(events.Token{Text: chunk, Agent: o.agent}); err != nil {
		return err
	}
	o.spaced = !endsInSpace(chunk)
	return nil
}

func endsInSpace(s string) bool {
	return s != "" && unicode.IsSpace(rune(s[len(s)-1]))
}

// say publishes text and records it in the transcript.
func (o *output) say(s *session.Session, text string) error {
	text = o.sanitize(text)
	s.History = append(s.History, session.Turn{
		Role:  session.RoleAssistant,
		Agent: s.ActiveAgent,
		Text:  text,
		At:    o.p.now().UTC(),
	})
	for _, chunk := range sentences(text) {
		if err := o.token(chunk); err != nil {
			return err
		}
	}
	return nil
}

// show publishes a component and tags the last assistant turn with it.
func (o *output) show(s *session.Session, c events.Component) error {
	if n := len(s.History); n > 0 && s.History[n-1].Role == session.RoleAssistant {
		s.History[n-1].Component = c.ComponentType()
	}
	return o.publish(events.UIComponent{Component: c})
}

// stream buffers generator output and publishes each completed sentence.
func (o *output) stream(chunk string) error {
	o.pending.WriteString(chunk)
	buffered := o.pending.String()
	cut := lastSentenceEnd(buffered)
	if cut <= 0 {
		return nil
	}
	o.pending.Reset()
	o.pending.WriteString(buffered[cut:])
	return o.tokens(buffered[:cut])
}

func (o *output) flush() error {
	rest := o.pending.String()
	o.pending.Reset()
	if strings.TrimSpace(rest) == "" {
		return nil
	}
	return o.tokens(rest)
}

func (o *output) complete(s session.Session) (int64, error) {
	err := o.publish(events.Complete{
		Agent:         string(s.ActiveAgent),
		Stage:         string(s.Stage),
		PriorityScore: s.PriorityScore,
		Emergency:     s.Emergency,
	})
	if err == nil {
		o.terminal = true
	}
	return o.lastSeq, err
}

// fail publishes the turn's error event. It runs detached from the turn's
// context so a cancelled turn still terminates its stream.
func (o *output) fail(cause error) {
	if o.terminal {
		return
	}
	o.terminal = true
	payload := events.Error{
		Kind:      apperr.KindOf(cause).String(),
		Message:   apperr.PublicMessage(cause),
		Retryable: true,
	}
	switch {
	case errors.Is(cause, ErrTurnCancelled):
		payload.Kind = "cancelled"
		payload.Message = "this conversation was closed"
		payload.Retryable = false
	case apperr.IsValidation(cause), apperr.IsNotFound(cause):
		payload.Retryable = false
	}
	ctx := context.WithoutCancel(o.ctx)
	if _, err := o.p.bus.Publish(ctx, o.sessionID, payload); err != nil {
		o.p.logger.Error("failed to publish turn error", "session_id", o.sessionID, "error", err)
	}
}

// sentences splits text after sentence punctuation, keeping the trailing
// whitespace with the sentence so the chunks concatenate to the input.
func sentences(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []string
	for len(text) > 0 {
		cut := firstSentenceEnd(text)
		if cut <= 0 || cut >= len(text) {
			out = append(out, text)
			break
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

// firstSentenceEnd returns the index just past the first ". " style break,
// including the whitespace run after it, or -1.
func firstSentenceEnd(text string) int {
	for i := 0; i < len(text)-1; i++ {
		if !isTerminator(text[i]) || !unicode.IsSpace(rune(text[i+1])) {
			continue
		}
		j := i + 1
		for j < len(text) && unicode.IsSpace(rune(text[j])) {
			j++
		}
		return j
	}
	return -1
}

func lastSentenceEnd(text string) int {
	last := -1
	for i := 0; i < len(text)-1; i++ {
		if isTerminator(text[i]) && unicode.IsSpace(rune(text[i+1])) {
			last = i + 2
		}
	}
	return last
}

func isTerminator(b byte) bool { return b == '.' || b == '!' || b == '?' }
