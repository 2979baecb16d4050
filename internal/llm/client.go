// Package llm is the language-model capability used by the classifier and
// the reply generator. Backends are Bedrock (Converse) and Gemini.
package llm

import (
	"context"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

type Request struct {
	Model    string
	System   []string
	Messages []Message
	// MaxTokens of zero leaves the provider default.
	MaxTokens int32
	// Temperature below zero leaves the provider default.
	Temperature float32
	TopP        float32
}

type Response struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// Client completes a prompt.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// StreamChunk is a partial completion. The final chunk has Done set.
type StreamChunk struct {
	Text  string
	Done  bool
	Error error
	Usage TokenUsage
}

// StreamingClient can also deliver text incrementally.
type StreamingClient interface {
	Client
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// ExtractJSONObject returns the outermost {...} in text, tolerating models
// that wrap JSON in prose or code fences.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
