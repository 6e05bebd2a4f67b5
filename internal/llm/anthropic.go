package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nexuschat/orchestrator/internal/backoff"
)

// AnthropicProvider adapts github.com/anthropics/anthropic-sdk-go to
// Provider: a streaming-event switch over the SDK's SSE stream plus an
// exponential-backoff retry loop around opening it.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider builds a Provider backed by the Anthropic API.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete streams a completion, retrying with jittered exponential
// backoff via backoff.RetryWithBackoff while the stream has not yet
// opened.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error) {
	chunks := make(chan Chunk)

	go func() {
		defer close(chunks)

		retryCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var permanentErr error
		result, err := backoff.RetryWithBackoff(retryCtx, RetryPolicy(p.retryDelay), p.maxRetries+1,
			func(attempt int) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
				stream, cerr := p.createStream(ctx, req)
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
			chunks <- Chunk{Err: fmt.Errorf("llm: anthropic: %w", permanentErr), Done: true}
			return
		case ctx.Err() != nil:
			chunks <- Chunk{Err: ctx.Err(), Done: true}
			return
		case err != nil:
			chunks <- Chunk{Err: fmt.Errorf("llm: anthropic: max retries exceeded: %w", result.LastError), Done: true}
			return
		}

		p.processStream(result.Value, chunks)
	}()

	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds how many consecutive no-op events a stream
// may emit before it's treated as malformed.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) {
	var toolID, toolName string
	var toolInput strings.Builder
	haveTool := false
	emptyEvents := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				toolID, toolName = tu.ID, tu.Name
				toolInput.Reset()
				haveTool = true
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if haveTool {
				chunks <- Chunk{ToolCall: &ToolCall{ID: toolID, Name: toolName, Input: json.RawMessage(toolInput.String())}}
				haveTool = false
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- Chunk{Err: errors.New("llm: anthropic stream error"), Done: true}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- Chunk{Err: fmt.Errorf("llm: anthropic: stream appears malformed after %d empty events", emptyEvents), Done: true}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: fmt.Errorf("llm: anthropic: %w", err), Done: true}
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"timeout", "deadline exceeded", "connection reset", "connection refused", "no such host"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func convertMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tr := range m.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if m.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(defs []ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, t := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
