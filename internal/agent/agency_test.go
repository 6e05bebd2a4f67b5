package agent

import (
	"context"
	"testing"

	"github.com/nexuschat/orchestrator/internal/llm"
	"github.com/nexuschat/orchestrator/internal/models"
)

func TestCustomerSupportRunEmitsSubStagesInOrder(t *testing.T) {
	p := &scriptedProvider{responses: [][]llm.Chunk{
		{{Text: "happy to help"}, {Done: true}},
	}}
	cfg := VariantConfig{Provider: p}
	a := NewCustomerSupport(cfg)

	events, err := a.Run(context.Background(), &models.ContextBundle{CurrentUser: "my order hasn't arrived"}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var statuses []string
	var sawDone bool
	for ev := range events {
		if ev.StatusText != "" {
			statuses = append(statuses, ev.StatusText)
		}
		if ev.State == StateDone {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected a StateDone event from the inner agent")
	}

	want := []string{string(SubStageIntake), "sentiment:neutral", "classification:general", string(SubStageResolution), string(SubStageSummary)}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i, w := range want {
		if statuses[i] != w {
			t.Errorf("statuses[%d] = %q, want %q", i, statuses[i], w)
		}
	}
}

func TestCustomerSupportEscalatesOnNegativeSentiment(t *testing.T) {
	p := &scriptedProvider{responses: [][]llm.Chunk{
		{{Text: "I understand your frustration"}, {Done: true}},
	}}
	a := NewCustomerSupport(VariantConfig{Provider: p})

	events, err := a.Run(context.Background(), &models.ContextBundle{CurrentUser: "this is unacceptable, I am furious"}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawEscalation bool
	for ev := range events {
		if ev.StatusText == string(SubStageEscalation) {
			sawEscalation = true
		}
	}
	if !sawEscalation {
		t.Fatal("expected an escalation sub-stage event for negative-sentiment input")
	}
}

func TestCustomerSupportEscalatesOnRestrictedCategory(t *testing.T) {
	p := &scriptedProvider{responses: [][]llm.Chunk{
		{{Text: "let me pull that up"}, {Done: true}},
	}}
	a := NewCustomerSupport(VariantConfig{Provider: p})

	events, err := a.Run(context.Background(), &models.ContextBundle{CurrentUser: "I have a billing dispute on my last invoice"}, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawEscalation bool
	var category string
	for ev := range events {
		if ev.StatusText == string(SubStageEscalation) {
			sawEscalation = true
		}
		if len(ev.StatusText) > len("classification:") && ev.StatusText[:len("classification:")] == "classification:" {
			category = ev.StatusText[len("classification:"):]
		}
	}
	if !sawEscalation {
		t.Fatal("expected an escalation sub-stage event for a restricted category")
	}
	if category != "billing dispute" {
		t.Errorf("classification = %q, want billing dispute", category)
	}
}

func TestCustomerSupportKeyAndAllowedTools(t *testing.T) {
	a := NewCustomerSupport(VariantConfig{Provider: &scriptedProvider{}})
	if a.Name() != KeyCustomerSupport {
		t.Errorf("Name() = %q, want %q", a.Name(), KeyCustomerSupport)
	}
	tools := a.AllowedTools()
	if len(tools) != 2 || tools[0] != "contact_search" || tools[1] != "web_search" {
		t.Errorf("AllowedTools() = %v", tools)
	}
}
