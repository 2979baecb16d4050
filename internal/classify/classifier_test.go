package classify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/pearlflow/internal/apperr"
	"github.com/wolfman30/pearlflow/internal/llm"
	"github.com/wolfman30/pearlflow/internal/session"
)

func TestKeywordClassifier(t *testing.T) {
	c := KeywordClassifier{}
	ctx := context.Background()

	cases := []struct {
		text   string
		intent session.Intent
		agent  session.Agent
		code   string
	}{
		{"I have severe toothache", session.IntentPain, session.IntakeSpecialist, ""},
		{"I'd like to book a cleaning", session.IntentBooking, session.ResourceOptimiser, "CLEAN"},
		{"no pain, just a check up please", session.IntentBooking, session.ResourceOptimiser, "CHECKUP"},
		{"my face is swollen and I can't breathe", session.IntentEmergency, session.IntakeSpecialist, ""},
		{"where are you located?", session.IntentGeneral, session.Receptionist, ""},
	}
	for _, tc := range cases {
		got, err := c.Classify(ctx, tc.text, session.Receptionist)
		require.NoError(t, err)
		assert.Equal(t, tc.intent, got.Intent, tc.text)
		assert.Equal(t, tc.agent, got.Agent, tc.text)
		assert.Equal(t, tc.code, got.ProcedureCode, tc.text)
	}
}

func TestKeywordClassifierKeepsCurrentAgentForSmallTalk(t *testing.T) {
	got, err := KeywordClassifier{}.Classify(context.Background(), "thanks!", session.ResourceOptimiser)
	require.NoError(t, err)
	assert.Equal(t, session.ResourceOptimiser, got.Agent)
	assert.Equal(t, session.IntentGeneral, got.Intent)
}

func TestKeywordClassifierHandsFrontDeskQuestionsToReceptionist(t *testing.T) {
	got, err := KeywordClassifier{}.Classify(context.Background(), "what are your opening hours?", session.ResourceOptimiser)
	require.NoError(t, err)
	assert.Equal(t, session.Receptionist, got.Agent)
	assert.Equal(t, session.IntentGeneral, got.Intent)
}

type stubLLM struct {
	text string
	err  error
	req  llm.Request
}

func (s *stubLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.req = req
	return llm.Response{Text: s.text}, s.err
}

func TestLLMClassifierParsesVerdict(t *testing.T) {
	stub := &stubLLM{text: "Here you go:\n{\"agent\": \"resourceoptimiser\", \"intent\": \"booking\", \"procedure_code\": \"fill\", \"confidence\": 0.9}"}
	c := NewLLMClassifier(stub, "model-x")

	got, err := c.Classify(context.Background(), "can I get a filling friday", session.Receptionist)
	require.NoError(t, err)
	assert.Equal(t, session.ResourceOptimiser, got.Agent)
	assert.Equal(t, session.IntentBooking, got.Intent)
	assert.Equal(t, "FILL", got.ProcedureCode)
	assert.Equal(t, "model-x", stub.req.Model)
	assert.Contains(t, stub.req.System[0], "Receptionist")
}

func TestLLMClassifierFailuresAreUpstream(t *testing.T) {
	_, err := NewLLMClassifier(&stubLLM{err: errors.New("timeout")}, "m").Classify(context.Background(), "hi", "")
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	_, err = NewLLMClassifier(&stubLLM{text: "I think it's about booking"}, "m").Classify(context.Background(), "hi", "")
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
}
