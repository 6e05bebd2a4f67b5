package pipeline

import (
	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/store"
)

// Session metadata keys for the routing/cross-session settings the
// GET/POST /api/chats/{id}/settings endpoints expose. Sessions have no
// dedicated settings columns, so these live inside the existing metadata
// jsonb column under well-known keys, shared between this package and
// internal/httpapi's settings handlers.
const (
	MetaAgentLock           = "agentLock"
	MetaAgentPreference     = "agentPreference"
	MetaLastAgent           = "lastAgent"
	MetaCrossSessionEnabled = "crossSessionEnabled"
)

// Settings is a session's routing and cross-session configuration.
type Settings struct {
	AgentLock           bool
	AgentPreference     string
	LastAgent           string
	CrossSessionEnabled bool
}

// LoadSettings reads Settings out of a session's metadata. CrossSessionEnabled
// defaults to true when the key is absent, matching
// internal/context.Assembler's own default behavior.
func LoadSettings(sess *models.Session) Settings {
	s := Settings{CrossSessionEnabled: true}
	if sess == nil || sess.Metadata == nil {
		return s
	}
	if v, ok := sess.Metadata[MetaAgentLock].(bool); ok {
		s.AgentLock = v
	}
	if v, ok := sess.Metadata[MetaAgentPreference].(string); ok {
		s.AgentPreference = v
	}
	if v, ok := sess.Metadata[MetaLastAgent].(string); ok {
		s.LastAgent = v
	}
	if v, ok := sess.Metadata[MetaCrossSessionEnabled].(bool); ok {
		s.CrossSessionEnabled = v
	}
	return s
}

// SettingsPatch builds the SessionPatch for POST /api/chats/{id}/settings.
// Only the keys a caller actually supplied are touched; store.UpdateSession
// shallow-merges Metadata, so omitted keys keep their prior value.
func SettingsPatch(agentLock, crossSessionEnabled *bool, agentPreference *string) store.SessionPatch {
	meta := models.JSONMap{}
	if agentLock != nil {
		meta[MetaAgentLock] = *agentLock
	}
	if agentPreference != nil {
		meta[MetaAgentPreference] = *agentPreference
	}
	if crossSessionEnabled != nil {
		meta[MetaCrossSessionEnabled] = *crossSessionEnabled
	}
	if len(meta) == 0 {
		return store.SessionPatch{}
	}
	return store.SessionPatch{Metadata: meta}
}

// lastAgentPatch records the agent a turn resolved to, so a subsequent
// agentLock turn (router rule 2) has a LastAgent to lock onto.
func lastAgentPatch(agentName string) store.SessionPatch {
	return store.SessionPatch{Metadata: models.JSONMap{MetaLastAgent: agentName}}
}
