package agent

import "github.com/nexuschat/orchestrator/internal/llm"

// The closed set of agent variants: analytical, creative, technical,
// customer-support, and crm. Each is a prompt family
// plus an allowed tool subset; customer-support is additionally an Agency
// (agency.go) layering named sub-stages over the same FSM.
const (
	KeyAnalytical      = "analytical"
	KeyCreative        = "creative"
	KeyTechnical       = "technical"
	KeyCustomerSupport = "customer-support"
	KeyCRM             = "crm"
)

// AllKeys lists the closed variant set in the fixed lexicographic order
// the router falls back to for tie-breaking.
func AllKeys() []string {
	return []string{KeyAnalytical, KeyCRM, KeyCreative, KeyCustomerSupport, KeyTechnical}
}

const analyticalPrompt = `You are an analytical assistant. Break problems into steps, show your
reasoning briefly, and prefer precise, verifiable answers over speculation.
Use the calculator tool for any arithmetic you are not certain of.`

const creativePrompt = `You are a creative writing assistant. Favor vivid, original language and
ask a clarifying question only when the request is genuinely ambiguous.`

const technicalPrompt = `You are a technical assistant for software engineering questions. Prefer
runnable examples over prose, and use the code_runner tool to verify any
snippet you are not fully confident in before presenting it.`

const crmPrompt = `You are a CRM assistant. Use contact_search to ground every claim about a
person or account in the CRM; never invent contact details.`

// VariantConfig bundles the fields every closed-set variant shares, so a
// deployment wires its chosen llm.Provider once and builds every variant
// from it.
type VariantConfig struct {
	Provider       llm.Provider
	Model          string
	MaxTokens      int
	MaxIterations  int
	MaxToolRetries int
}

// NewAnalytical builds the "analytical" variant: calculator and web_search
// only, no CRM or code execution access.
func NewAnalytical(cfg VariantConfig) *Agent {
	return New(spec(cfg, KeyAnalytical, "Analytical", analyticalPrompt, []string{"calculator", "web_search"}))
}

// NewCreative builds the "creative" variant: no tool access, pure
// generation.
func NewCreative(cfg VariantConfig) *Agent {
	return New(spec(cfg, KeyCreative, "Creative", creativePrompt, nil))
}

// NewTechnical builds the "technical" variant: code_runner and web_search.
func NewTechnical(cfg VariantConfig) *Agent {
	return New(spec(cfg, KeyTechnical, "Technical", technicalPrompt, []string{"code_runner", "web_search"}))
}

// NewCRM builds the "crm" variant: contact_search only.
func NewCRM(cfg VariantConfig) *Agent {
	return New(spec(cfg, KeyCRM, "CRM", crmPrompt, []string{"contact_search"}))
}

func spec(cfg VariantConfig, key, displayName, prompt string, allowedTools []string) Spec {
	return Spec{
		Key:            key,
		DisplayName:    displayName,
		SystemPrompt:   prompt,
		AllowedTools:   allowedTools,
		Provider:       cfg.Provider,
		Model:          cfg.Model,
		MaxTokens:      cfg.MaxTokens,
		MaxIterations:  cfg.MaxIterations,
		MaxToolRetries: cfg.MaxToolRetries,
	}
}
