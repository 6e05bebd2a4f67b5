package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nexuschat/orchestrator/internal/agent"
	orchconfig "github.com/nexuschat/orchestrator/internal/config"
	nexuscontext "github.com/nexuschat/orchestrator/internal/context"
	"github.com/nexuschat/orchestrator/internal/llm"
	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/observability"
	"github.com/nexuschat/orchestrator/internal/ratelimit"
	"github.com/nexuschat/orchestrator/internal/registry"
	"github.com/nexuschat/orchestrator/internal/router"
	"github.com/nexuschat/orchestrator/internal/store/sqlitestore"
	"github.com/nexuschat/orchestrator/internal/stream"
	"github.com/nexuschat/orchestrator/internal/tools"
	"github.com/nexuschat/orchestrator/internal/tools/calculator"
)

// fakeProvider replies with a fixed string, or emits a single tool call
// then a reply once the tool result comes back round-trip.
type fakeProvider struct {
	reply        string
	toolCallOnce *llm.ToolCall
	called       bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 2)
	if f.toolCallOnce != nil && !f.called {
		f.called = true
		ch <- llm.Chunk{ToolCall: f.toolCallOnce}
		close(ch)
		return ch, nil
	}
	ch <- llm.Chunk{Text: f.reply}
	close(ch)
	return ch, nil
}

// slowProvider blocks until either its context is cancelled or unblock is
// closed, so tests can simulate a client disconnecting mid-generation.
type slowProvider struct{ unblock chan struct{} }

func (s *slowProvider) Name() string { return "slow" }

func (s *slowProvider) Complete(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
			return
		case <-s.unblock:
			ch <- llm.Chunk{Text: "done"}
		}
	}()
	return ch, nil
}

func newTestPipeline(t *testing.T, agents map[string]Agent, rtr *router.Router) (*Pipeline, *sqlitestore.Store) {
	t.Helper()
	st, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("sqlitestore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, nil, nil, time.Hour)
	toolReg := tools.New(st, nil, nil, nil, tools.Config{})
	toolReg.Register(calculator.New())
	asm := nexuscontext.New(st, nil, orchconfig.ContextConfig{MaxMessages: 50, OverflowStrategy: "sliding-window"})

	if rtr == nil {
		keys := make([]string, 0, len(agents))
		for k := range agents {
			keys = append(keys, k)
		}
		rtr = router.New(router.Config{FallbackAgent: keys[0]})
	}

	p := New(st, reg, rtr, asm, toolReg, nil, agents, nil, nil, nil, nil, nil, nil, Config{})
	return p, st
}

func drainSink(out <-chan stream.Event) []stream.Event {
	var events []stream.Event
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func agentWithReply(key, reply string) Agent {
	return agent.New(agent.Spec{
		Key:          key,
		SystemPrompt: "be helpful",
		Provider:     &fakeProvider{reply: reply},
	})
}

func TestRunFreshSessionNoTools(t *testing.T) {
	a := agentWithReply("creative", "hello there")
	p, _ := newTestPipeline(t, map[string]Agent{"creative": a}, nil)

	sink, out := stream.NewSink(stream.DefaultSinkConfig())
	var events []stream.Event
	done := make(chan struct{})
	go func() { events = drainSink(out); close(done) }()

	msg, err := p.Run(context.Background(), Request{Content: "hi"}, sink)
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if msg.Content != "hello there" {
		t.Errorf("assistant content = %q", msg.Content)
	}
	if msg.Metadata["status"] != "ok" {
		t.Errorf("status = %v", msg.Metadata["status"])
	}

	var sawStart, sawEnd bool
	for _, ev := range events {
		switch ev.Type {
		case stream.EventStart:
			sawStart = true
		case stream.EventEnd:
			sawEnd = true
		}
	}
	if !sawStart || !sawEnd {
		t.Errorf("expected start and end events, got %+v", events)
	}
}

func TestRunSlashCommandBeatsLock(t *testing.T) {
	agents := map[string]Agent{
		"technical": agentWithReply("technical", "tech reply"),
		"creative":  agentWithReply("creative", "creative reply"),
	}
	rtr := router.New(router.Config{
		SlashCommands: map[string]string{"tech": "technical"},
		FallbackAgent: "creative",
	})
	p, st := newTestPipeline(t, agents, rtr)

	sessionID := "sess-lock"
	if _, err := st.CreateSession(context.Background(), sessionID, "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	locked := true
	if _, err := st.UpdateSession(context.Background(), sessionID, SettingsPatch(&locked, nil, nil)); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if _, err := st.UpdateSession(context.Background(), sessionID, lastAgentPatch("creative")); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	sink, out := stream.NewSink(stream.DefaultSinkConfig())
	go drainSink(out)

	msg, err := p.Run(context.Background(), Request{SessionID: sessionID, Content: "/tech please help"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if msg.Metadata["agent"] != "technical" {
		t.Errorf("agent = %v, want technical (slash command must beat the lock)", msg.Metadata["agent"])
	}
}

func TestRunToolFailureIsNotTurnFailure(t *testing.T) {
	boom := &llm.ToolCall{ID: "call-1", Name: "calculator", Input: json.RawMessage(`{"expression":"not valid"}`)}
	a := agent.New(agent.Spec{
		Key:            "analytical",
		SystemPrompt:   "be precise",
		AllowedTools:   []string{"calculator"},
		MaxToolRetries: 0,
		Provider:       &fakeProvider{reply: "final answer", toolCallOnce: boom},
	})
	p, _ := newTestPipeline(t, map[string]Agent{"analytical": a}, nil)

	sink, out := stream.NewSink(stream.DefaultSinkConfig())
	go drainSink(out)

	msg, err := p.Run(context.Background(), Request{Content: "compute this"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if msg.Metadata["status"] != "ok" {
		t.Errorf("a failing tool call must not fail the turn, got status = %v", msg.Metadata["status"])
	}
	toolsUsed, _ := msg.Metadata["toolsUsed"].([]map[string]any)
	if len(toolsUsed) != 1 {
		t.Fatalf("toolsUsed = %+v, want 1 entry", msg.Metadata["toolsUsed"])
	}
	if toolsUsed[0]["success"] != false {
		t.Errorf("toolsUsed[0].success = %v, want false", toolsUsed[0]["success"])
	}
}

func TestRunClientDisconnectStillPersistsAssistantMessage(t *testing.T) {
	unblock := make(chan struct{})
	a := agent.New(agent.Spec{Key: "creative", SystemPrompt: "x", Provider: &slowProvider{unblock: unblock}})
	p, _ := newTestPipeline(t, map[string]Agent{"creative": a}, nil)

	sink, out := stream.NewSink(stream.DefaultSinkConfig())
	go drainSink(out)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan *models.Message, 1)
	go func() {
		msg, _ := p.Run(ctx, Request{Content: "tell me a story"}, sink)
		resultCh <- msg
	}()

	// Simulate the client disconnecting before the provider ever replies.
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(unblock)

	select {
	case msg := <-resultCh:
		if msg == nil {
			t.Fatal("expected a persisted assistant message even after disconnect")
		}
		if msg.Metadata["status"] != "cancelled" {
			t.Errorf("status = %v, want cancelled", msg.Metadata["status"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after client disconnect")
	}
}

func TestRunRecordsTurnEventTimeline(t *testing.T) {
	a := agentWithReply("creative", "hello there")
	p, _ := newTestPipeline(t, map[string]Agent{"creative": a}, nil)
	eventStore := observability.NewMemoryEventStore(128)
	p.events = observability.NewEventRecorder(eventStore, nil)

	sink, out := stream.NewSink(stream.DefaultSinkConfig())
	go drainSink(out)

	if _, err := p.Run(context.Background(), Request{SessionID: "sess-events", Content: "hi"}, sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A fresh store assigns the turn's user message id 1.
	recorded, err := eventStore.GetByTurnID("turn-1")
	if err != nil {
		t.Fatalf("GetByTurnID: %v", err)
	}
	if len(recorded) < 2 {
		t.Fatalf("got %d timeline events, want at least turn start and end", len(recorded))
	}
	if recorded[0].Type != observability.EventTypeTurnStart {
		t.Errorf("first event = %s, want %s", recorded[0].Type, observability.EventTypeTurnStart)
	}
	if last := recorded[len(recorded)-1]; last.Type != observability.EventTypeTurnEnd {
		t.Errorf("last event = %s, want %s", last.Type, observability.EventTypeTurnEnd)
	}
}

func TestRunRateLimitedSessionRejected(t *testing.T) {
	a := agentWithReply("creative", "hi")
	p, _ := newTestPipeline(t, map[string]Agent{"creative": a}, nil)
	p.sessionLimiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.0001, BurstSize: 0, Enabled: true})

	sink, out := stream.NewSink(stream.DefaultSinkConfig())
	go drainSink(out)

	_, err := p.Run(context.Background(), Request{SessionID: "sess-rl", Content: "hi"}, sink)
	if err == nil {
		t.Fatal("expected a rate limit error")
	}
}
