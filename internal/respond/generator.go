// Package respond produces free-form assistant replies for turns the state
// machine does not script, such as general questions to the Receptionist.
package respond

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/events"
	"github.com/wolfman30/pearlflow/internal/llm"
	"github.com/wolfman30/pearlflow/internal/session"
)

// Context is what a generator sees for one reply.
type Context struct {
	Session   session.Session
	Utterance string
	Agent     session.Agent
	Fallback  string
	Now       time.Time
}

// EmitFunc receives reply text as it is produced.
type EmitFunc func(chunk string) error

// Reply is a finished reply. Component, when set, is shown after the text.
type Reply struct {
	Text      string
	Component events.Component
}

// Generator writes a reply through emit and returns it.
type Generator interface {
	Generate(ctx context.Context, c Context, emit EmitFunc) (Reply, error)
}

// TemplateGenerator replies with the scripted fallback.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, c Context, emit EmitFunc) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	text := c.Fallback
	if strings.TrimSpace(text) == "" {
		text = "How else can I help you today?"
	}
	if err := emit(text); err != nil {
		return Reply{}, err
	}
	return Reply{Text: text, Component: suggestComponent(c)}, nil
}

// suggestComponent offers a date picker when the patient talks about timing
// while talking to the scheduling agent, so they can answer with a tap.
func suggestComponent(c Context) events.Component {
	if c.Agent != session.ResourceOptimiser || c.Now.IsZero() {
		return nil
	}
	u := strings.ToLower(c.Utterance)
	for _, w := range []string{"when", "available", "time", "date", "later", "earlier"} {
		if strings.Contains(u, w) {
			return events.DateTimePicker{
				From:          c.Now,
				To:            c.Now.Add(14 * 24 * time.Hour),
				ProcedureCode: c.Session.Booking.ProcedureCode,
			}
		}
	}
	return nil
}

const systemPrompt = `You are %s, part of PearlFlow, a dental clinic's virtual assistant.
Be warm, brief and empathetic. Never diagnose, never promise outcomes, and never claim the clinic is the best or better than others.
If the patient describes pain or wants an appointment, tell them you can help with that.
Clinic: %s.`

// LLMGenerator writes replies with a language model, streaming when the
// client supports it.
type LLMGenerator struct {
	client     llm.Client
	model      string
	maxTokens  int32
	maxHistory int
}

func NewLLMGenerator(client llm.Client, model string) *LLMGenerator {
	if client == nil {
		panic("respond: llm client cannot be nil")
	}
	return &LLMGenerator{client: client, model: model, maxTokens: 300, maxHistory: 12}
}

func (g *LLMGenerator) Generate(ctx context.Context, c Context, emit EmitFunc) (Reply, error) {
	req := llm.Request{
		Model:       g.model,
		System:      []string{fmt.Sprintf(systemPrompt, c.Agent, c.Session.ClinicID)},
		Messages:    g.history(c),
		MaxTokens:   g.maxTokens,
		Temperature: 0.4,
	}

	streamer, ok := g.client.(llm.StreamingClient)
	if !ok {
		resp, err := g.client.Complete(ctx, req)
		if err != nil {
			return Reply{}, apperr.Upstream("respond.generate", err)
		}
		if err := emit(resp.Text); err != nil {
			return Reply{}, err
		}
		return Reply{Text: resp.Text, Component: suggestComponent(c)}, nil
	}

	chunks, err := streamer.CompleteStream(ctx, req)
	if err != nil {
		return Reply{}, apperr.Upstream("respond.generate", err)
	}
	var full strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return Reply{}, apperr.Upstream("respond.generate", chunk.Error)
		}
		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			if err := emit(chunk.Text); err != nil {
				return Reply{}, err
			}
		}
		if chunk.Done {
			break
		}
	}
	if strings.TrimSpace(full.String()) == "" {
		return Reply{}, apperr.Upstream("respond.generate", errors.New("empty completion"))
	}
	return Reply{Text: full.String(), Component: suggestComponent(c)}, nil
}

func (g *LLMGenerator) history(c Context) []llm.Message {
	turns := c.Session.History
	if len(turns) > g.maxHistory {
		turns = turns[len(turns)-g.maxHistory:]
	}
	msgs := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := llm.RoleAssistant
		if t.Role == session.RolePatient {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	// the utterance is normally already the last patient turn
	if n := len(turns); n == 0 || turns[n-1].Role != session.RolePatient || turns[n-1].Text != c.Utterance {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: c.Utterance})
	}
	// Bedrock requires the conversation to open with a user message
	for len(msgs) > 0 && msgs[0].Role == llm.RoleAssistant {
		msgs = msgs[1:]
	}
	return msgs
}
