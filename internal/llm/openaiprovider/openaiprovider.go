// Package openaiprovider adapts internal/llm.Provider to the OpenAI chat
// completions API via github.com/sashabaranov/go-openai:
// CreateChatCompletionStream plus a per-index tool-call accumulation map.
// Text-only, since internal/llm.Message carries no attachments.
package openaiprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nexuschat/orchestrator/internal/backoff"
	"github.com/nexuschat/orchestrator/internal/llm"
)

// Provider implements llm.Provider against an OpenAI-compatible API.
type Provider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// New builds a Provider. baseURL overrides the default OpenAI endpoint,
// useful for OpenAI-compatible gateways; pass "" to use api.openai.com.
func New(apiKey, baseURL string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openaiprovider: API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{
		client:     openai.NewClientWithConfig(cfg),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

var _ llm.Provider = (*Provider)(nil)

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// Complete streams a completion via OpenAI's chat completions API.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	messages := convertMessages(req.Messages, req.System)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var permanentErr error
	result, err := backoff.RetryWithBackoff(retryCtx, llm.RetryPolicy(p.retryDelay), p.maxRetries,
		func(attempt int) (*openai.ChatCompletionStream, error) {
			stream, cerr := p.client.CreateChatCompletionStream(ctx, chatReq)
			if cerr == nil {
				return stream, nil
			}
			if !isRetryableError(cerr) {
				permanentErr = cerr
				cancel()
			}
			return nil, cerr
		})

	switch {
	case permanentErr != nil:
		return nil, fmt.Errorf("openaiprovider: %w", permanentErr)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, fmt.Errorf("openaiprovider: max retries exceeded: %w", result.LastError)
	}

	chunks := make(chan llm.Chunk)
	go processStream(ctx, result.Value, chunks)
	return chunks, nil
}

func processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- llm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*llm.ToolCall)

	flushToolCalls := func() {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				chunks <- llm.Chunk{ToolCall: tc}
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.Chunk{Err: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls()
				chunks <- llm.Chunk{Done: true}
				return
			}
			chunks <- llm.Chunk{Err: fmt.Errorf("openaiprovider: %w", err), Done: true}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- llm.Chunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &llm.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = json.RawMessage(string(toolCalls[index].Input) + tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
			toolCalls = make(map[int]*llm.ToolCall)
		}
	}
}

func convertMessages(msgs []llm.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range msgs {
		switch m.Role {
		case "tool":
			for _, tr := range m.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue

		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			if len(m.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}

	return result
}

func convertTools(defs []llm.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, d := range defs {
		var schema map[string]any
		if err := json.Unmarshal(d.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
