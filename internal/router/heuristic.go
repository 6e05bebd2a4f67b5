package router

import (
	"context"
	"regexp"
	"strings"
)

// agentSignal pairs an agent name with the regexes whose match raises its
// score. One signal set per agent in the closed variant list.
type agentSignal struct {
	agent    string
	patterns []*regexp.Regexp
	weight   float64
}

var defaultSignals = []agentSignal{
	{
		agent: "technical",
		patterns: []*regexp.Regexp{
			regexp.MustCompile("(?i)```"),
			regexp.MustCompile(`(?i)\b(func|class|def|package|import|select|insert|update|delete|stack trace|error:|exception)\b`),
		},
		weight: 0.45,
	},
	{
		agent: "analytical",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(analyze|reason|think through|derive|prove|why|tradeoff|compare|evaluate)\b`),
		},
		weight: 0.40,
	},
	{
		agent: "creative",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(write a|story|poem|brainstorm|imagine|creative|slogan|tagline)\b`),
		},
		weight: 0.45,
	},
	{
		agent: "customer-support",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(refund|cancel|complaint|order|billing|charged|return policy|support ticket)\b`),
		},
		weight: 0.45,
	},
	{
		agent: "crm",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(contact|lead|account owner|crm|customer record|pipeline stage)\b`),
		},
		weight: 0.45,
	},
}

// HeuristicClassifier scores agents using keyword/regex matching. It is
// the always-available default classifier.
type HeuristicClassifier struct {
	signals []agentSignal
}

// NewHeuristicClassifier builds a classifier with the default signal set.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{signals: defaultSignals}
}

// Classify scores each agent present in both availableAgents and the
// signal set. An agent with no matching pattern gets a small baseline
// score so a single available agent still wins outright.
func (c *HeuristicClassifier) Classify(ctx context.Context, userText string, availableAgents []string) (map[string]float64, string, error) {
	available := make(map[string]bool, len(availableAgents))
	for _, a := range availableAgents {
		available[a] = true
	}

	lower := strings.ToLower(strings.TrimSpace(userText))
	scores := make(map[string]float64)
	var matchedOn string

	for _, sig := range c.signals {
		if len(availableAgents) > 0 && !available[sig.agent] {
			continue
		}
		score := 0.15 // baseline so an unmatched-but-available agent is still a candidate
		for _, p := range sig.patterns {
			if p.MatchString(lower) {
				score = sig.weight
				if matchedOn == "" {
					matchedOn = sig.agent
				}
				break
			}
		}
		scores[sig.agent] = score
	}

	// Short, un-matched queries read as quick questions and favor
	// analytical.
	if matchedOn == "" && len(lower) > 0 && len(lower) < 80 {
		if _, ok := scores["analytical"]; ok {
			scores["analytical"] = 0.35
			matchedOn = "analytical"
		}
	}

	reason := "no keyword match"
	if matchedOn != "" {
		reason = "matched " + matchedOn + " keywords"
	}
	return scores, reason, nil
}
