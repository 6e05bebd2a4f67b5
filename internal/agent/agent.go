// Package agent implements the per-turn agent state machine:
// idle -> planning -> (tool_call -> tool_wait)* -> generating -> done, with
// an orthogonal error terminal reachable from any state. Tool execution is
// a callback into the pipeline's internal/tools.Registry rather than an
// in-package executor: the turn pipeline, not the agent, owns
// ToolExecution bookkeeping and stream events.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nexuschat/orchestrator/internal/llm"
	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/tools"
)

// State names a node of the per-turn agent state machine.
type State string

const (
	StateIdle       State = "idle"
	StatePlanning   State = "planning"
	StateToolCall   State = "tool_call"
	StateToolWait   State = "tool_wait"
	StateGenerating State = "generating"
	StateDone       State = "done"
	StateError      State = "error"
)

// ToolExecutor runs a named tool with the given input on behalf of the
// model's toolCallID, the same core signature internal/tools.Registry.
// Execute exposes minus its store-bookkeeping parameters, plus the call id
// so the pipeline can correlate its tool_start/tool_result SSE events with
// the invocation that produced them.
type ToolExecutor func(ctx context.Context, toolCallID, name string, input json.RawMessage) (*tools.Result, error)

// Event is one FSM transition's worth of observable output. The
// TurnPipeline consumes these to drive ToolExecution rows and SSE events;
// exactly one of Text/ToolCall/StatusText/Err carries payload for a given
// event, selected by State.
type Event struct {
	State      State
	Text       string
	ToolCall   *llm.ToolCall
	StatusText string
	Err        error
}

// Spec describes one member of the closed agent variant set: its prompt
// family, allowed tool subset, and backing provider.
type Spec struct {
	Key            string
	DisplayName    string
	SystemPrompt   string
	AllowedTools   []string
	Provider       llm.Provider
	Model          string
	MaxTokens      int
	MaxIterations  int
	MaxToolRetries int
}

// Agent drives Spec's FSM for a single turn.
type Agent struct {
	spec Spec
}

// New builds an Agent from a Spec, applying defaults (10 iterations, a
// one-retry-per-tool cap, 4096 max tokens) where the Spec leaves them
// unset.
func New(spec Spec) *Agent {
	if spec.MaxIterations <= 0 {
		spec.MaxIterations = 10
	}
	if spec.MaxToolRetries <= 0 {
		spec.MaxToolRetries = 1
	}
	if spec.MaxTokens <= 0 {
		spec.MaxTokens = 4096
	}
	return &Agent{spec: spec}
}

// Name returns the agent's routing key, e.g. "analytical".
func (a *Agent) Name() string { return a.spec.Key }

// AllowedTools returns the declared tool subset this agent may invoke.
func (a *Agent) AllowedTools() []string { return append([]string(nil), a.spec.AllowedTools...) }

// Prompt returns the agent's configured base system prompt, so a caller
// assembling a ContextBundle (internal/context.Assembler) can reserve the
// same system-prompt budget slot the agent will actually use.
func (a *Agent) Prompt() string { return a.spec.SystemPrompt }

func (a *Agent) allows(name string) bool {
	for _, t := range a.spec.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// Run drives the FSM for one turn against bundle, calling exec whenever the
// model requests a tool invocation. The returned channel is closed once a
// StateDone or StateError event has been sent.
func (a *Agent) Run(ctx context.Context, bundle *models.ContextBundle, registry *tools.Registry, exec ToolExecutor) (<-chan Event, error) {
	if a.spec.Provider == nil {
		return nil, fmt.Errorf("agent %s: no provider configured", a.spec.Key)
	}

	events := make(chan Event)
	go a.run(ctx, bundle, registry, exec, events)
	return events, nil
}

func (a *Agent) run(ctx context.Context, bundle *models.ContextBundle, registry *tools.Registry, exec ToolExecutor, events chan<- Event) {
	defer close(events)

	messages := buildMessages(bundle)
	toolFails := make(map[string]int)

	for iteration := 1; ; iteration++ {
		if iteration > a.spec.MaxIterations {
			events <- Event{State: StateError, Err: fmt.Errorf("agent %s: reached max iterations (%d)", a.spec.Key, a.spec.MaxIterations)}
			return
		}

		events <- Event{State: StatePlanning}

		toolDefs := a.toolDefs(registry, toolFails)
		chunks, err := a.spec.Provider.Complete(ctx, llm.CompletionRequest{
			Model:     a.spec.Model,
			System:    a.SystemPrompt(bundle),
			Messages:  messages,
			Tools:     toolDefs,
			MaxTokens: a.spec.MaxTokens,
		})
		if err != nil {
			events <- Event{State: StateError, Err: err}
			return
		}

		var text strings.Builder
		var toolCall *llm.ToolCall
		var streamErr error

		for chunk := range chunks {
			if chunk.Err != nil {
				streamErr = chunk.Err
				break
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				events <- Event{State: StateGenerating, Text: chunk.Text}
			}
			if chunk.ToolCall != nil {
				toolCall = chunk.ToolCall
			}
			if chunk.Done {
				break
			}
		}
		if streamErr != nil {
			events <- Event{State: StateError, Err: streamErr}
			return
		}

		if toolCall == nil {
			events <- Event{State: StateDone, Text: text.String()}
			return
		}

		if !a.allows(toolCall.Name) {
			events <- Event{State: StateError, Err: fmt.Errorf("agent %s: tool %q is not in its allowed subset", a.spec.Key, toolCall.Name)}
			return
		}

		events <- Event{State: StateToolCall, ToolCall: toolCall}
		events <- Event{State: StateToolWait, ToolCall: toolCall}

		result, execErr := exec(ctx, toolCall.ID, toolCall.Name, toolCall.Input)

		content := ""
		isError := false
		switch {
		case execErr != nil:
			content = execErr.Error()
			isError = true
		case result != nil:
			content = result.Content
			isError = result.IsError
		default:
			content = "tool produced no result"
			isError = true
		}
		if isError {
			toolFails[toolCall.Name]++
		}

		messages = append(messages,
			llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{*toolCall}},
			llm.Message{Role: "tool", ToolResults: []llm.ToolResult{{ToolCallID: toolCall.ID, Content: content, IsError: isError}}},
		)
	}
}

// toolDefs builds the Tools parameter for this iteration's Complete call,
// dropping any tool that has exhausted its per-turn retry cap so the model
// is forced to choose a different tool or proceed to generating.
func (a *Agent) toolDefs(registry *tools.Registry, fails map[string]int) []llm.ToolDef {
	if registry == nil {
		return nil
	}
	var defs []llm.ToolDef
	for _, name := range a.spec.AllowedTools {
		if fails[name] > a.spec.MaxToolRetries {
			continue
		}
		t, ok := registry.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDef{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return defs
}

// buildMessages flattens a ContextBundle into the ordered message list a
// Provider expects: cross-session and memory snippets fold into the system
// prompt (Providers have no separate "context" slot), followed by recent
// history and the current user message, matching the bundle's own field
// order.
func buildMessages(bundle *models.ContextBundle) []llm.Message {
	if bundle == nil {
		return nil
	}

	messages := make([]llm.Message, 0, len(bundle.RecentMessages)+1)
	for _, m := range bundle.RecentMessages {
		role := "user"
		if m.Type == models.MessageAssistant {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: bundle.CurrentUser})
	return messages
}

// SystemPrompt returns the effective system prompt for a turn: the agent's
// configured prompt with the bundle's cross-session and memory snippets
// appended, so neither is silently dropped for providers with no separate
// context channel.
func (a *Agent) SystemPrompt(bundle *models.ContextBundle) string {
	var b strings.Builder
	b.WriteString(a.spec.SystemPrompt)
	if bundle == nil {
		return b.String()
	}
	if len(bundle.CrossSessionSnippets) > 0 {
		b.WriteString("\n\nRelevant context from the user's other sessions:\n")
		for _, s := range bundle.CrossSessionSnippets {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	if len(bundle.MemorySnippets) > 0 {
		b.WriteString("\nRelevant long-term memory:\n")
		for _, s := range bundle.MemorySnippets {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	return b.String()
}
