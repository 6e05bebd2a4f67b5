package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/pipeline"
	"github.com/nexuschat/orchestrator/internal/store"
)

type createSessionRequest struct {
	Title          string `json:"title"`
	InitialMessage string `json:"initialMessage"`
}

type createSessionResponse struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
}

// handleCreateSession implements POST /api/chats.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if status, err := decodeJSONBody(w, r, &req); err != nil {
			jsonError(w, "invalid request body", status)
			return
		}
	}

	id := models.NewSessionID()
	userID := userIDFromRequest(r)
	sess, err := s.cfg.Store.CreateSession(r.Context(), id, userID, req.Title)
	if err != nil {
		jsonError(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	if strings.TrimSpace(req.InitialMessage) != "" {
		if _, err := s.cfg.Store.AppendMessage(r.Context(), id, models.MessageUser, req.InitialMessage, nil); err != nil {
			jsonError(w, "failed to append initial message", http.StatusInternalServerError)
			return
		}
		sess, err = s.cfg.Store.GetSession(r.Context(), id)
		if err != nil {
			jsonError(w, "failed to reload session", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, createSessionResponse{
		SessionID:    sess.ID,
		Title:        sess.Title,
		CreatedAt:    sess.CreatedAt,
		MessageCount: sess.MessageCount,
	})
}

type listSessionsResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// handleListSessions implements GET /api/chats.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := store.ListSessionsOptions{
		Status: models.SessionStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		UserID: userIDFromRequest(r),
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), opts)
	if err != nil {
		jsonError(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, listSessionsResponse{Sessions: sessions, Total: len(sessions)})
}

// handleDeleteSession implements DELETE /api/chats/{id} (soft delete).
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Registry.Delete(r.Context(), id); err != nil {
		jsonError(w, "failed to delete session", http.StatusInternalServerError)
		return
	}
	if s.cfg.Memory != nil {
		s.cfg.Memory.DeleteSession(r.Context(), id, userIDFromRequest(r))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMarkRead implements PATCH /api/chats/{id}/read.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	zero := 0
	sess, err := s.cfg.Store.UpdateSession(r.Context(), id, store.SessionPatch{UnreadCount: &zero})
	if err != nil {
		jsonError(w, "failed to update session", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sess)
}

type messagesResponse struct {
	Messages []*models.Message `json:"messages"`
	Total    int               `json:"total"`
}

// handleGetMessages implements GET /api/chats/{id}/messages.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	order := store.OrderAsc
	if strings.EqualFold(r.URL.Query().Get("order"), "desc") {
		order = store.OrderDesc
	}
	opts := store.ReadMessagesOptions{
		Limit:  parseIntParam(r, "limit", 50),
		Offset: parseIntParam(r, "offset", 0),
		Order:  order,
	}
	msgs, err := s.cfg.Store.ReadMessages(r.Context(), id, opts)
	if err != nil {
		jsonError(w, "failed to read messages", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, messagesResponse{Messages: msgs, Total: len(msgs)})
}

type appendMessageRequest struct {
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata models.JSONMap `json:"metadata"`
}

// handleAppendMessage implements POST /api/chats/{id}/messages: a
// caller-supplied message appended without going through the turn pipeline
// (no routing, no agent run) — distinct from POST /api/chat[/stream], which
// drives a full turn.
func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	var req appendMessageRequest
	if status, err := decodeJSONBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", status)
		return
	}
	msgType := models.MessageType(req.Type)
	switch msgType {
	case models.MessageUser, models.MessageAssistant, models.MessageSystem:
	default:
		jsonError(w, "type must be one of user, assistant, system", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}

	msg, err := s.cfg.Store.AppendMessage(r.Context(), id, msgType, req.Content, req.Metadata)
	if err != nil {
		jsonError(w, "failed to append message", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, msg)
}

type settingsResponse struct {
	AgentPreference     string `json:"agentPreference"`
	AgentLock           bool   `json:"agentLock"`
	CrossSessionEnabled bool   `json:"crossSessionEnabled"`
}

// handleGetSettings implements GET /api/chats/{id}/settings.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	sess, err := s.cfg.Store.GetSession(r.Context(), id)
	if err != nil {
		jsonError(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	settings := pipeline.LoadSettings(sess)
	jsonResponse(w, settingsResponse{
		AgentPreference:     settings.AgentPreference,
		AgentLock:           settings.AgentLock,
		CrossSessionEnabled: settings.CrossSessionEnabled,
	})
}

type updateSettingsRequest struct {
	AgentPreference     *string `json:"agentPreference"`
	AgentLock           *bool   `json:"agentLock"`
	CrossSessionEnabled *bool   `json:"crossSessionEnabled"`
}

// handleUpdateSettings implements POST /api/chats/{id}/settings.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	var req updateSettingsRequest
	if status, err := decodeJSONBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", status)
		return
	}
	patch := pipeline.SettingsPatch(req.AgentLock, req.CrossSessionEnabled, req.AgentPreference)
	sess, err := s.cfg.Store.UpdateSession(r.Context(), id, patch)
	if err != nil {
		jsonError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	settings := pipeline.LoadSettings(sess)
	jsonResponse(w, settingsResponse{
		AgentPreference:     settings.AgentPreference,
		AgentLock:           settings.AgentLock,
		CrossSessionEnabled: settings.CrossSessionEnabled,
	})
}

// userIDFromRequest reads the caller's user id. Authentication and
// session cookies live in a fronting auth layer; this reads the header
// that layer is expected to set.
func userIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}
