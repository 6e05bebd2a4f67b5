// Package router picks the agent for a turn: a pure decision function
// over a slash command, a session's agent lock, a classifier's scores, or
// a fixed fallback, highest priority first.
package router

import (
	"context"
	"sort"
	"strings"

	"github.com/nexuschat/orchestrator/internal/models"
)

// SessionSettings carries the per-session routing state.
type SessionSettings struct {
	AgentLock       bool
	LastAgent       string
	AgentPreference string
}

// Request is one routing decision's input.
type Request struct {
	UserText            string
	Settings            SessionSettings
	ExplicitSlashCommand string
	AvailableAgents      []string
}

// Classifier scores each available agent for a request. It returns a map
// from agent name to a confidence in [0, 1]; agents it has no opinion on
// may be omitted (treated as 0). A non-nil error means the classifier
// itself failed (distinct from "scored everything low").
type Classifier interface {
	Classify(ctx context.Context, userText string, availableAgents []string) (map[string]float64, string, error)
}

// Config configures a Router.
type Config struct {
	// SlashCommands maps a slash command (without the leading "/") to the
	// agent it routes to.
	SlashCommands map[string]string

	// Classifier scores agents when no slash command or lock applies.
	// Defaults to HeuristicClassifier when nil.
	Classifier Classifier

	// ConfidenceThreshold is the minimum classifier confidence accepted
	// before falling back (default 0.30).
	ConfidenceThreshold float64

	// FallbackAgent is returned when the classifier fails or its top
	// confidence is below ConfidenceThreshold (default "analytical").
	FallbackAgent string
}

// Router decides which agent handles a turn. It has no side effects
// other than the telemetry callers choose to record from its returned
// Decision.
type Router struct {
	slashCommands       map[string]string
	classifier          Classifier
	confidenceThreshold float64
	fallbackAgent       string
}

// New builds a Router. A nil Classifier defaults to HeuristicClassifier.
func New(cfg Config) *Router {
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = NewHeuristicClassifier()
	}
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.30
	}
	fallback := cfg.FallbackAgent
	if fallback == "" {
		fallback = "analytical"
	}
	slash := cfg.SlashCommands
	if slash == nil {
		slash = map[string]string{}
	}
	return &Router{
		slashCommands:       slash,
		classifier:          classifier,
		confidenceThreshold: threshold,
		fallbackAgent:       fallback,
	}
}

// Route applies the four decision rules, highest priority first: slash
// command, agent lock, classifier, fallback.
func (r *Router) Route(ctx context.Context, req Request) models.RouterDecision {
	// Rule 1: explicit slash command.
	if cmd := strings.TrimSpace(strings.TrimPrefix(req.ExplicitSlashCommand, "/")); cmd != "" {
		if agent, ok := r.slashCommands[strings.ToLower(cmd)]; ok {
			return models.RouterDecision{
				Agent:          agent,
				Confidence:     1.0,
				Reason:         "slash",
				OverrideSource: models.OverrideSlash,
			}
		}
	}

	// Rule 2: agent lock.
	if req.Settings.AgentLock && req.Settings.LastAgent != "" {
		return models.RouterDecision{
			Agent:          req.Settings.LastAgent,
			Confidence:     1.0,
			Reason:         "locked",
			OverrideSource: models.OverrideLock,
		}
	}

	// Rule 3: classifier.
	agent, confidence, reason, err := r.classify(ctx, req)
	if err == nil && confidence >= r.confidenceThreshold && agent != "" {
		return models.RouterDecision{
			Agent:          agent,
			Confidence:     confidence,
			Reason:         reason,
			OverrideSource: models.OverrideRouter,
		}
	}

	// Rule 4: fallback, on classifier failure or low confidence.
	reasonText := "fallback"
	if err != nil {
		reasonText = "classifier error: " + err.Error()
	} else if agent != "" {
		reasonText = "confidence below threshold"
	}
	return models.RouterDecision{
		Agent:          r.fallbackAgent,
		Confidence:     confidence,
		Reason:         reasonText,
		OverrideSource: models.OverrideFallback,
	}
}

// SlashCommands returns a copy of the registered command->agent mapping,
// for GET /api/slash-commands.
func (r *Router) SlashCommands() map[string]string {
	out := make(map[string]string, len(r.slashCommands))
	for k, v := range r.slashCommands {
		out[k] = v
	}
	return out
}

// classify invokes the classifier and breaks ties by agentPreference,
// then lastAgent, then fixed lexicographic order.
func (r *Router) classify(ctx context.Context, req Request) (agent string, confidence float64, reason string, err error) {
	scores, classifierReason, err := r.classifier.Classify(ctx, req.UserText, req.AvailableAgents)
	if err != nil {
		return "", 0, "", err
	}
	if len(scores) == 0 {
		return "", 0, classifierReason, nil
	}

	best := argMaxWithTieBreak(scores, req.Settings.AgentPreference, req.Settings.LastAgent)
	return best, scores[best], classifierReason, nil
}

func argMaxWithTieBreak(scores map[string]float64, agentPreference, lastAgent string) string {
	var top []string
	best := -1.0
	for agent, score := range scores {
		if score > best {
			best = score
			top = []string{agent}
		} else if score == best {
			top = append(top, agent)
		}
	}
	if len(top) == 1 {
		return top[0]
	}
	for _, a := range top {
		if a == agentPreference {
			return a
		}
	}
	for _, a := range top {
		if a == lastAgent {
			return a
		}
	}
	sort.Strings(top)
	return top[0]
}
