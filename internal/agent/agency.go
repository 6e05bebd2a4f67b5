package agent

import (
	"context"
	"strings"

	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/tools"
)

// SubStage names one of the customer-support workflow's sub-stages:
// intake -> sentiment -> classification -> resolution -> summary, with an
// escalation branch out of resolution.
type SubStage string

const (
	SubStageIntake         SubStage = "intake"
	SubStageSentiment      SubStage = "sentiment"
	SubStageClassification SubStage = "classification"
	SubStageResolution     SubStage = "resolution"
	SubStageEscalation     SubStage = "escalation"
	SubStageSummary        SubStage = "summary"
)

// restrictedCategories routes straight to escalation regardless of
// sentiment.
var restrictedCategories = []string{"billing dispute", "legal", "safety", "data deletion"}

// negativeSentimentMarkers is a small keyword heuristic for "this customer
// is upset", the same style of regex-free keyword matching the router's
// HeuristicClassifier uses.
var negativeSentimentMarkers = []string{
	"angry", "furious", "unacceptable", "terrible", "worst", "refund now",
	"cancel my account", "scam", "ridiculous", "disgusted",
}

// CustomerSupportAgent wraps the generic Agent FSM with the support
// workflow's named sub-stages. It reuses Agent.Run's
// planning/tool_call/tool_wait machinery unchanged and only adds
// StatusText events around the generating phase to surface
// intake/sentiment/classification/resolution/summary progress.
type CustomerSupportAgent struct {
	inner *Agent

	// EscalationIterations bounds how many iterations resolution may
	// take before a processing-time overrun escalates the turn.
	EscalationIterations int
}

// NewCustomerSupport builds the customer-support Agency.
func NewCustomerSupport(cfg VariantConfig) *CustomerSupportAgent {
	a := New(spec(cfg, KeyCustomerSupport, "Customer Support", customerSupportPrompt, []string{"contact_search", "web_search"}))
	return &CustomerSupportAgent{inner: a, EscalationIterations: 6}
}

const customerSupportPrompt = `You are a customer support agent. Acknowledge the customer's issue, look up
their account with contact_search when a name or account is mentioned,
and resolve the issue directly when you can. If the issue is a billing
dispute, legal matter, safety concern, or data deletion request, say
clearly that you are escalating it to a human agent instead of attempting
to resolve it yourself.`

// Name returns "customer-support".
func (a *CustomerSupportAgent) Name() string { return a.inner.Name() }

// AllowedTools returns the Agency's allowed tool subset.
func (a *CustomerSupportAgent) AllowedTools() []string { return a.inner.AllowedTools() }

// Prompt returns the Agency's base system prompt.
func (a *CustomerSupportAgent) Prompt() string { return a.inner.Prompt() }

// Run drives intake -> sentiment -> classification -> (escalation |
// resolution) -> summary as StatusText events wrapped around the inner
// Agent's own Run, so tool_call/tool_wait/generating events still flow
// through unmodified for the pipeline to persist and stream.
func (a *CustomerSupportAgent) Run(ctx context.Context, bundle *models.ContextBundle, registry *tools.Registry, exec ToolExecutor) (<-chan Event, error) {
	events := make(chan Event)
	go a.run(ctx, bundle, registry, exec, events)
	return events, nil
}

func (a *CustomerSupportAgent) run(ctx context.Context, bundle *models.ContextBundle, registry *tools.Registry, exec ToolExecutor, out chan<- Event) {
	defer close(out)

	out <- Event{State: StateGenerating, StatusText: string(SubStageIntake)}

	sentiment := classifySentiment(bundleUserText(bundle))
	out <- Event{State: StateGenerating, StatusText: string(SubStageSentiment) + ":" + sentiment}

	category := classifyCategory(bundleUserText(bundle))
	out <- Event{State: StateGenerating, StatusText: string(SubStageClassification) + ":" + category}

	escalate := sentiment == "negative" || isRestrictedCategory(category)
	stage := SubStageResolution
	if escalate {
		stage = SubStageEscalation
	}
	out <- Event{State: StateGenerating, StatusText: string(stage)}

	inner, err := a.inner.Run(ctx, bundle, registry, exec)
	if err != nil {
		out <- Event{State: StateError, Err: err}
		return
	}

	iterations := 0
	for ev := range inner {
		if ev.State == StatePlanning {
			iterations++
			if a.EscalationIterations > 0 && iterations > a.EscalationIterations && !escalate {
				escalate = true
				out <- Event{State: StateGenerating, StatusText: string(SubStageEscalation) + ":timeout"}
			}
		}
		out <- ev
		if ev.State == StateDone || ev.State == StateError {
			break
		}
	}

	out <- Event{State: StateGenerating, StatusText: string(SubStageSummary)}
}

func bundleUserText(bundle *models.ContextBundle) string {
	if bundle == nil {
		return ""
	}
	return bundle.CurrentUser
}

func classifySentiment(text string) string {
	lower := strings.ToLower(text)
	for _, marker := range negativeSentimentMarkers {
		if strings.Contains(lower, marker) {
			return "negative"
		}
	}
	return "neutral"
}

func classifyCategory(text string) string {
	lower := strings.ToLower(text)
	for _, category := range restrictedCategories {
		if strings.Contains(lower, category) {
			return category
		}
	}
	return "general"
}

func isRestrictedCategory(category string) bool {
	for _, c := range restrictedCategories {
		if c == category {
			return true
		}
	}
	return false
}
