// Package llmclassifier implements router.Classifier backed by a single
// LLM completion call, the optional alternative to the heuristic
// classifier. It depends on a narrow Completer interface rather than
// internal/llm directly, the same interface-first collaborator shape used
// by internal/tools/websearch and internal/tools/contactsearch: a concrete
// llm provider is wired in by whatever builds the Router, and prompt
// wording is left to the caller.
package llmclassifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Completer is the minimal LLM surface this classifier needs: a single
// non-streaming text completion.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Classifier asks an LLM to score each available agent for a request and
// parses a JSON object of agent->confidence from its reply.
type Classifier struct {
	completer    Completer
	systemPrompt string
}

// defaultSystemPrompt is a plain instruction, not a prescribed persona;
// callers are free to override it via New's systemPrompt argument.
const defaultSystemPrompt = `You are a routing classifier. Given a user message and a list of ` +
	`candidate agents, respond with ONLY a JSON object mapping each candidate ` +
	`agent name to a confidence between 0 and 1, e.g. {"analytical": 0.8, "creative": 0.1}.`

// New builds a Classifier around completer. An empty systemPrompt uses
// defaultSystemPrompt.
func New(completer Completer, systemPrompt string) *Classifier {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &Classifier{completer: completer, systemPrompt: systemPrompt}
}

// Classify sends userText and availableAgents to the LLM and parses its
// JSON scoring reply.
func (c *Classifier) Classify(ctx context.Context, userText string, availableAgents []string) (map[string]float64, string, error) {
	if c.completer == nil {
		return nil, "", fmt.Errorf("llmclassifier: no completer configured")
	}
	prompt := fmt.Sprintf("Candidate agents: %s\n\nUser message:\n%s", strings.Join(availableAgents, ", "), userText)

	reply, err := c.completer.Complete(ctx, c.systemPrompt, prompt)
	if err != nil {
		return nil, "", fmt.Errorf("llmclassifier: completion failed: %w", err)
	}

	scores, err := parseScores(reply)
	if err != nil {
		return nil, "", fmt.Errorf("llmclassifier: %w", err)
	}
	return scores, "llm classification", nil
}

// parseScores extracts a JSON object from reply, tolerating surrounding
// prose or a fenced code block, since models don't always honor
// "respond with ONLY" literally.
func parseScores(reply string) (map[string]float64, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found in reply")
	}
	var raw map[string]float64
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	return raw, nil
}
