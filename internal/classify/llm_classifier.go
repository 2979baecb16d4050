package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/llm"
	"github.com/wolfman30/pearlflow/internal/session"
)

const classifierPrompt = `You route messages for a dental clinic assistant.
Agents: Receptionist (general questions), IntakeSpecialist (dental pain or symptoms), ResourceOptimiser (booking, moving or cancelling appointments).
Intents: pain, booking, general, emergency. Use emergency only for difficulty breathing or swallowing.
Procedure codes when mentioned: CHECKUP, CLEAN, FILL, RCT, EXT, CROWN, WHITEN, EMERG.
The agent currently speaking is %s.
Respond with JSON only: {"agent": "<agent>", "intent": "<intent>", "procedure_code": "<code or empty>", "confidence": <0..1>}`

// LLMClassifier asks a language model for the classification.
type LLMClassifier struct {
	client    llm.Client
	model     string
	maxTokens int32
}

func NewLLMClassifier(client llm.Client, model string) *LLMClassifier {
	if client == nil {
		panic("classify: llm client cannot be nil")
	}
	return &LLMClassifier{client: client, model: model, maxTokens: 128}
}

type llmVerdict struct {
	Agent         string  `json:"agent"`
	Intent        string  `json:"intent"`
	ProcedureCode string  `json:"procedure_code"`
	Confidence    float64 `json:"confidence"`
}

// Classify returns an upstream error when the model fails or answers with
// something that is not a classification.
func (c *LLMClassifier) Classify(ctx context.Context, text string, current session.Agent) (session.Classification, error) {
	if current == "" {
		current = session.Receptionist
	}
	resp, err := c.client.Complete(ctx, llm.Request{
		Model:       c.model,
		System:      []string{fmt.Sprintf(classifierPrompt, current)},
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: text}},
		MaxTokens:   c.maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return session.Classification{}, apperr.Upstream("classify.llm", err)
	}

	raw, ok := llm.ExtractJSONObject(resp.Text)
	if !ok {
		return session.Classification{}, apperr.Upstream("classify.llm", fmt.Errorf("no json in response %q", resp.Text))
	}
	var verdict llmVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return session.Classification{}, apperr.Upstream("classify.llm", fmt.Errorf("decode verdict: %w", err))
	}

	agent, ok := session.ParseAgent(verdict.Agent)
	if !ok {
		agent = current
	}
	return session.Classification{
		Agent:         agent,
		Intent:        session.ParseIntent(verdict.Intent),
		ProcedureCode: strings.ToUpper(strings.TrimSpace(verdict.ProcedureCode)),
		Confidence:    verdict.Confidence,
	}, nil
}
