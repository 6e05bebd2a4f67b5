// Package bedrockprovider adapts internal/llm.Provider to AWS Bedrock's
// Converse API: a ConverseStream event-type switch over
// ContentBlockStart/Delta/Stop and MessageStop with throttling-aware
// retry classification. Text-only, since internal/llm.Message carries no
// attachments.
package bedrockprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nexuschat/orchestrator/internal/backoff"
	"github.com/nexuschat/orchestrator/internal/llm"
)

// Provider implements llm.Provider against AWS Bedrock.
type Provider struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// Config configures a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// New builds a Provider, loading AWS credentials from the default chain
// unless explicit keys are supplied.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrockprovider: load AWS config: %w", err)
	}

	return &Provider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

var _ llm.Provider = (*Provider)(nil)

// Name returns "bedrock".
func (p *Provider) Name() string { return "bedrock" }

// Complete streams a completion via Bedrock's ConverseStream API.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertMessages(req.Messages),
	}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(req.Tools) > 0 {
		toolCfg, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("bedrockprovider: convert tools: %w", err)
		}
		converseReq.ToolConfig = toolCfg
	}

	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var permanentErr error
	result, err := backoff.RetryWithBackoff(retryCtx, llm.RetryPolicy(p.retryDelay), p.maxRetries+1,
		func(attempt int) (*bedrockruntime.ConverseStreamOutput, error) {
			stream, cerr := p.client.ConverseStream(ctx, converseReq)
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
		return nil, fmt.Errorf("bedrockprovider: %w", permanentErr)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, fmt.Errorf("bedrockprovider: max retries exceeded: %w", result.LastError)
	}

	chunks := make(chan llm.Chunk)
	go processStream(ctx, result.Value, chunks)
	return chunks, nil
}

func processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- llm.Chunk) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var toolID, toolName string
	var toolInput strings.Builder
	haveTool := false

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- llm.Chunk{Err: ctx.Err(), Done: true}
			return
		case event, ok := <-events:
			if !ok {
				if haveTool {
					chunks <- llm.Chunk{ToolCall: &llm.ToolCall{ID: toolID, Name: toolName, Input: json.RawMessage(toolInput.String())}}
				}
				if err := eventStream.Err(); err != nil {
					chunks <- llm.Chunk{Err: fmt.Errorf("bedrockprovider: %w", err), Done: true}
				} else {
					chunks <- llm.Chunk{Done: true}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolID = aws.ToString(tu.Value.ToolUseId)
					toolName = aws.ToString(tu.Value.Name)
					toolInput.Reset()
					haveTool = true
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- llm.Chunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if haveTool {
					chunks <- llm.Chunk{ToolCall: &llm.ToolCall{ID: toolID, Name: toolName, Input: json.RawMessage(toolInput.String())}}
					haveTool = false
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				chunks <- llm.Chunk{Done: true}
				return

			case *types.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					chunks <- llm.Chunk{InputTokens: int(aws.ToInt32(u.InputTokens)), OutputTokens: int(aws.ToInt32(u.OutputTokens))}
				}
			}
		}
	}
}

func convertMessages(msgs []llm.Message) []types.Message {
	result := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		var content []types.ContentBlock
		if m.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tr := range m.ToolResults {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.Content}},
				},
			})
		}
		for _, tc := range m.ToolCalls {
			var input any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}

		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func convertTools(defs []llm.ToolDef) (*types.ToolConfiguration, error) {
	specs := make([]types.Tool, 0, len(defs))
	for _, d := range defs {
		var schemaDoc any
		if err := json.Unmarshal(d.Schema, &schemaDoc); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", d.Name, err)
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(d.Name),
				Description: aws.String(d.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException",
		"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}
