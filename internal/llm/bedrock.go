package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockClient talks to Bedrock's Converse API.
type BedrockClient struct {
	api     bedrockConverseAPI
	modelID string
}

var _ StreamingClient = (*BedrockClient)(nil)

// NewBedrockClient panics on a nil api. modelID is used when a request has none.
func NewBedrockClient(api bedrockConverseAPI, modelID string) *BedrockClient {
	if api == nil {
		panic("llm: bedrock converse client cannot be nil")
	}
	return &BedrockClient{api: api, modelID: strings.TrimSpace(modelID)}
}

type converseParts struct {
	model     string
	system    []brtypes.SystemContentBlock
	messages  []brtypes.Message
	inference *brtypes.InferenceConfiguration
}

func (c *BedrockClient) build(req Request) (converseParts, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.modelID
	}
	if model == "" {
		return converseParts{}, errors.New("llm: bedrock model id is required")
	}

	parts := converseParts{model: model}
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		parts.system = append(parts.system, &brtypes.SystemContentBlockMemberText{Value: block})
	}
	for _, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch msg.Role {
		case RoleSystem:
			parts.system = append(parts.system, &brtypes.SystemContentBlockMemberText{Value: content})
			continue
		case RoleUser:
			role = brtypes.ConversationRoleUser
		case RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return converseParts{}, fmt.Errorf("llm: unsupported role %q", msg.Role)
		}
		parts.messages = append(parts.messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: content}},
		})
	}
	if len(parts.messages) == 0 {
		return converseParts{}, errors.New("llm: at least one user message is required")
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}
	if req.TopP != 0 {
		inference.TopP = aws.Float32(req.TopP)
	}
	if inference.MaxTokens != nil || inference.Temperature != nil || inference.TopP != nil {
		parts.inference = inference
	}
	return parts, nil
}

func (c *BedrockClient) Complete(ctx context.Context, req Request) (Response, error) {
	parts, err := c.build(req)
	if err != nil {
		return Response{}, err
	}
	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(parts.model),
		System:          parts.system,
		Messages:        parts.messages,
		InferenceConfig: parts.inference,
	})
	if err != nil {
		return Response{}, fmt.Errorf("llm: bedrock converse: %w", err)
	}
	text, err := bedrockOutputText(out)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Text: strings.TrimSpace(text), StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.Usage = TokenUsage{
			InputTokens:  int32OrZero(out.Usage.InputTokens),
			OutputTokens: int32OrZero(out.Usage.OutputTokens),
			TotalTokens:  int32OrZero(out.Usage.TotalTokens),
		}
	}
	return resp, nil
}

// CompleteStream uses ConverseStream and forwards text deltas as they arrive.
func (c *BedrockClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	parts, err := c.build(req)
	if err != nil {
		return nil, err
	}
	out, err := c.api.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(parts.model),
		System:          parts.system,
		Messages:        parts.messages,
		InferenceConfig: parts.inference,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: bedrock converse stream: %w", err)
	}

	chunks := make(chan StreamChunk, 32)
	go func() {
		defer close(chunks)

		stream := out.GetStream()
		if stream == nil {
			chunks <- StreamChunk{Error: errors.New("llm: bedrock stream is nil"), Done: true}
			return
		}
		defer stream.Close()

		var usage TokenUsage
		for event := range stream.Events() {
			switch v := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok {
					select {
					case chunks <- StreamChunk{Text: delta.Value}:
					case <-ctx.Done():
						return
					}
				}
			case *brtypes.ConverseStreamOutputMemberMetadata:
				if v.Value.Usage != nil {
					usage = TokenUsage{
						InputTokens:  int32OrZero(v.Value.Usage.InputTokens),
						OutputTokens: int32OrZero(v.Value.Usage.OutputTokens),
						TotalTokens:  int32OrZero(v.Value.Usage.TotalTokens),
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- StreamChunk{Error: err, Done: true}
			return
		}
		chunks <- StreamChunk{Done: true, Usage: usage}
	}()
	return chunks, nil
}

func bedrockOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil {
		return "", errors.New("llm: bedrock response is nil")
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("llm: bedrock response did not include a message")
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", errors.New("llm: bedrock response contained no text")
	}
	return b.String(), nil
}

func int32OrZero(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
