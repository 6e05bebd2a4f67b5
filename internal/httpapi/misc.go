package httpapi

import (
	"net/http"

	"github.com/nexuschat/orchestrator/internal/memory"
)

type crossSessionQueryRequest struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
	K         int    `json:"k"`
}

type crossSessionQueryResponse struct {
	Snippets []memory.Snippet `json:"snippets"`
	Degraded bool             `json:"degraded"`
	Reason   string           `json:"reason,omitempty"`
}

// handleMemoryQuery implements POST /api/memory/cross-session: a ranked
// memory query exposed directly to clients, distinct from the per-turn
// query the context assembler runs internally. userId is required and
// scopes the query; requests with none are rejected rather than silently
// broadened.
func (s *Server) handleMemoryQuery(w http.ResponseWriter, r *http.Request) {
	var req crossSessionQueryRequest
	if status, err := decodeJSONBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", status)
		return
	}
	userID := userIDFromRequest(r)
	if userID == "" {
		jsonError(w, "X-User-Id header is required for cross-session queries", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		jsonError(w, "query is required", http.StatusBadRequest)
		return
	}
	k := req.K
	if k <= 0 {
		k = 5
	}

	if s.cfg.Memory == nil {
		jsonResponse(w, crossSessionQueryResponse{Degraded: true, Reason: "memory gateway not configured"})
		return
	}
	result := s.cfg.Memory.QueryRelevant(r.Context(), req.SessionID, userID, req.Query, k)
	jsonResponse(w, crossSessionQueryResponse{
		Snippets: result.Snippets,
		Degraded: result.Degraded,
		Reason:   result.Reason,
	})
}

type slashCommandsResponse struct {
	Commands map[string]string `json:"commands"`
}

// handleSlashCommands implements GET /api/slash-commands.
func (s *Server) handleSlashCommands(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		jsonResponse(w, slashCommandsResponse{Commands: map[string]string{}})
		return
	}
	jsonResponse(w, slashCommandsResponse{Commands: s.cfg.Router.SlashCommands()})
}
