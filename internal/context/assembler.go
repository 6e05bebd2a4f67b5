// Package context assembles model context: it gathers the system prompt,
// cross-session snippets, memory snippets, and recent session history
// into one ordered ContextBundle per turn, appending sections in a fixed
// priority order and trimming what doesn't fit under the configured
// message ceiling.
package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexuschat/orchestrator/internal/config"
	"github.com/nexuschat/orchestrator/internal/memory"
	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/store"
)

// Request is one turn's assembly input.
type Request struct {
	SessionID       string
	UserID          string
	CurrentUserText string
	SystemPrompt    string

	// MaxMessages overrides config.ContextConfig.MaxMessages when non-zero.
	MaxMessages int

	// CrossSessionEnabled overrides config.ContextConfig.CrossSessionEnabled
	// with a session's own setting (surfaced to callers via
	// GET/POST /api/chats/{id}/settings) when non-nil.
	CrossSessionEnabled *bool
}

// Assembler builds a ContextBundle for a single turn.
type Assembler struct {
	store  store.Store
	memory *memory.Budgeted
	cfg    config.ContextConfig
}

// New builds an Assembler. memoryGateway may be nil, in which case memory
// snippets are always empty (equivalent to a permanently degraded gateway).
func New(st store.Store, memoryGateway *memory.Budgeted, cfg config.ContextConfig) *Assembler {
	return &Assembler{store: st, memory: memoryGateway, cfg: cfg}
}

// Assemble produces the ordered ContextBundle for req.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*models.ContextBundle, error) {
	maxMessages := req.MaxMessages
	if maxMessages <= 0 {
		maxMessages = a.cfg.MaxMessages
	}
	if maxMessages <= 0 {
		maxMessages = 100
	}

	bundle := &models.ContextBundle{
		SystemPrompt: req.SystemPrompt,
		CurrentUser:  req.CurrentUserText,
	}

	// 2. Cross-session snippets.
	crossSessionEnabled := a.cfg.CrossSessionEnabled
	if req.CrossSessionEnabled != nil {
		crossSessionEnabled = *req.CrossSessionEnabled
	}
	if crossSessionEnabled {
		bundle.CrossSessionSnippets = a.crossSessionSnippets(ctx, req)
	}

	// 3. Memory snippets (empty, not an error, when degraded).
	if a.memory != nil && strings.TrimSpace(req.CurrentUserText) != "" {
		k := a.cfg.MemoryTopK
		if k <= 0 {
			k = 5
		}
		res := a.memory.QueryRelevant(ctx, req.SessionID, req.UserID, req.CurrentUserText, k)
		if res.Degraded {
			bundle.MemoryDegraded = true
			bundle.MemoryReason = res.Reason
		}
		for _, s := range res.Snippets {
			bundle.MemorySnippets = append(bundle.MemorySnippets, s.Text)
		}
	}

	// 4. Recent messages for this session. Reserve 1 slot for the current
	// user message and 0 or 1 slots for the system prompt depending on
	// whether one was provided.
	systemSlots := 0
	if strings.TrimSpace(req.SystemPrompt) != "" {
		systemSlots = 1
	}
	recentBudget := maxMessages - 1 - systemSlots
	if recentBudget < 0 {
		recentBudget = 0
	}
	recent, err := a.store.ReadLastMessages(ctx, req.SessionID, recentBudget)
	if err != nil {
		return nil, err
	}
	for _, m := range recent {
		bundle.RecentMessages = append(bundle.RecentMessages, *m)
	}

	// Overflow: apply the configured strategy across system + cross-session
	// + memory + recent, always preserving the current user message (step 5).
	a.applyOverflow(bundle, maxMessages)

	return bundle, nil
}

// crossSessionSnippets gathers up to CrossSessionMaxK other active
// sessions for the same user with recent activity, each contributing up
// to CrossSessionMaxM recent messages. A request with no UserID gets no
// cross-session snippets at all: store.ListSessions treats an empty
// UserID as "no filter", so without this guard a turn from a caller that
// never supplied X-User-Id would pull every user's active-session
// snippets into its own context bundle.
func (a *Assembler) crossSessionSnippets(ctx context.Context, req Request) []string {
	if strings.TrimSpace(req.UserID) == "" {
		return nil
	}

	maxK := a.cfg.CrossSessionMaxK
	if maxK <= 0 {
		maxK = 3
	}
	maxM := a.cfg.CrossSessionMaxM
	if maxM <= 0 {
		maxM = 10
	}
	window := a.cfg.CrossSessionWindow
	if window <= 0 {
		window = 24 * time.Hour
	}

	sessions, err := a.store.ListSessions(ctx, store.ListSessionsOptions{
		Status:    models.SessionActive,
		UserID:    req.UserID,
		SortBy:    "last_activity_at",
		SortOrder: "desc",
		Limit:     maxK + 1, // +1 in case the current session is in the page
	})
	if err != nil {
		return nil
	}

	cutoff := time.Now().Add(-window)
	var snippets []string
	count := 0
	for _, s := range sessions {
		if count >= maxK {
			break
		}
		if s.ID == req.SessionID {
			continue
		}
		if s.LastActivityAt.Before(cutoff) {
			continue
		}
		msgs, err := a.store.ReadLastMessages(ctx, s.ID, maxM)
		if err != nil || len(msgs) == 0 {
			continue
		}
		for _, m := range msgs {
			snippets = append(snippets, fmt.Sprintf("[%s] %s: %s", s.Title, m.Type, m.Content))
		}
		count++
	}
	return snippets
}

// applyOverflow enforces maxMessages across the assembled bundle using the
// configured strategy. "Message" here counts system prompt (0/1) +
// cross-session snippets + memory snippets + recent messages; the current
// user message is never dropped.
func (a *Assembler) applyOverflow(bundle *models.ContextBundle, maxMessages int) {
	strategy := a.cfg.OverflowStrategy
	if strategy == "" {
		strategy = "sliding-window"
	}
	if strategy == "summarize" {
		// No summarizer is wired in; fall back to sliding-window and
		// mark the bundle degraded.
		bundle.Degraded = true
		strategy = "sliding-window"
	}

	systemReserve := a.cfg.SystemReserve
	if systemReserve <= 0 {
		systemReserve = 2
	}

	total := func() int {
		n := len(bundle.CrossSessionSnippets) + len(bundle.MemorySnippets) + len(bundle.RecentMessages)
		if bundle.SystemPrompt != "" {
			n++
		}
		return n + 1 // +1 for the current user message, always kept
	}

	if total() <= maxMessages {
		return
	}

	switch strategy {
	case "truncate":
		// Keep the last maxMessages without preserving any system
		// overhead: drop cross-session and memory snippets first, then
		// trim recent messages from the front, then drop the system
		// prompt itself if it still doesn't fit.
		bundle.CrossSessionSnippets = nil
		bundle.MemorySnippets = nil
		budget := maxMessages - 1
		if bundle.SystemPrompt != "" {
			budget--
		}
		trimFront(&bundle.RecentMessages, budget)
		if budget < 0 {
			bundle.SystemPrompt = ""
		}

	default: // "sliding-window"
		// Reserve up to systemReserve slots for system content, then keep
		// the most recent non-system messages (cross-session, memory,
		// recent, in that trailing order) for the rest.
		reserved := 0
		if bundle.SystemPrompt != "" {
			reserved = 1
		}
		if reserved > systemReserve {
			reserved = systemReserve
		}
		remaining := maxMessages - 1 - reserved
		if remaining < 0 {
			remaining = 0
		}

		// Recent messages take priority over snippets when trimming,
		// since they're the direct conversation the model is continuing.
		recentBudget := remaining
		if recentBudget > len(bundle.RecentMessages) {
			recentBudget = len(bundle.RecentMessages)
		}
		trimFront(&bundle.RecentMessages, recentBudget)
		remaining -= len(bundle.RecentMessages)

		memoryBudget := remaining
		if memoryBudget > len(bundle.MemorySnippets) {
			memoryBudget = len(bundle.MemorySnippets)
		}
		if memoryBudget < 0 {
			memoryBudget = 0
		}
		trimFrontStrings(&bundle.MemorySnippets, memoryBudget)
		remaining -= len(bundle.MemorySnippets)

		crossBudget := remaining
		if crossBudget > len(bundle.CrossSessionSnippets) {
			crossBudget = len(bundle.CrossSessionSnippets)
		}
		if crossBudget < 0 {
			crossBudget = 0
		}
		trimFrontStrings(&bundle.CrossSessionSnippets, crossBudget)
	}
}

func trimFront(msgs *[]models.Message, keep int) {
	if keep < 0 {
		keep = 0
	}
	if len(*msgs) <= keep {
		return
	}
	*msgs = (*msgs)[len(*msgs)-keep:]
}

func trimFrontStrings(s *[]string, keep int) {
	if keep < 0 {
		keep = 0
	}
	if len(*s) <= keep {
		return
	}
	*s = (*s)[len(*s)-keep:]
}

// EstimateTokens approximates a message's token cost as
// ⌈len(content)/4⌉ + 4.
func EstimateTokens(content string) int {
	return (len(content)+3)/4 + 4
}

// EstimateBundleTokens sums EstimateTokens across every message-shaped
// piece of a bundle (system prompt, snippets, recent messages, current
// user text), useful for logging/telemetry.
func EstimateBundleTokens(bundle *models.ContextBundle) int {
	total := 0
	if bundle.SystemPrompt != "" {
		total += EstimateTokens(bundle.SystemPrompt)
	}
	for _, s := range bundle.CrossSessionSnippets {
		total += EstimateTokens(s)
	}
	for _, s := range bundle.MemorySnippets {
		total += EstimateTokens(s)
	}
	for _, m := range bundle.RecentMessages {
		total += EstimateTokens(m.Content)
	}
	total += EstimateTokens(bundle.CurrentUser)
	return total
}
