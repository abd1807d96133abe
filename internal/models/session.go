package models

import (
	"regexp"
	"time"
)

// Session statuses. Transitions are guarded by the registry state machine;
// everything else treats these as opaque canonical values.
const (
	StatusActive      = "active"
	StatusWaiting     = "waiting"
	StatusIdle        = "idle"
	StatusArchived    = "archived"
	StatusOrphaned    = "orphaned"
	StatusError       = "error"
	StatusUnreachable = "unreachable"
)

// Agent types recognised inside a session.
const (
	AgentClaude   = "claude"
	AgentCodex    = "codex"
	AgentGemini   = "gemini"
	AgentOpenCode = "opencode"
	AgentShell    = "shell"
	AgentUnknown  = "unknown"
)

// HostUnknown marks sessions only ever observed via a platform event.
const HostUnknown = "unknown"

var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionName reports whether name is safe to embed in remote shell
// commands. Same pattern the bridge scripts enforce.
func ValidSessionName(name string) bool {
	return sessionNameRe.MatchString(name)
}

// Session is a named multiplexer workspace on some host, typically running
// a single AI agent.
type Session struct {
	ID             uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string `gorm:"size:64;uniqueIndex;not null" json:"name"`
	Host           string `gorm:"size:128" json:"host"`
	AgentType      string `gorm:"size:16;default:unknown" json:"agent_type"`
	Status         string `gorm:"size:16;not null;index" json:"status"`
	WorkingDir     string `gorm:"size:512" json:"working_dir,omitempty"`
	TranscriptPath string `gorm:"size:512" json:"-"`

	LastMessagePreview string `gorm:"size:256" json:"last_message_preview,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt time.Time  `gorm:"index" json:"last_activity_at"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`

	Bindings []ThreadBinding `gorm:"foreignKey:SessionName;references:Name" json:"-"`
}

// Live reports whether the session still has (or may have) a multiplexer
// process behind it.
func (s *Session) Live() bool {
	switch s.Status {
	case StatusActive, StatusWaiting, StatusIdle:
		return true
	}
	return false
}

// NormalizeAgentType maps inbound aliases to a canonical agent type.
// Translation happens only at this boundary; internals never see aliases.
func NormalizeAgentType(raw string) string {
	switch raw {
	case AgentClaude, "claude-code", "claude_code":
		return AgentClaude
	case AgentCodex, "codex-cli":
		return AgentCodex
	case AgentGemini, "gemini-cli":
		return AgentGemini
	case AgentOpenCode, "open-code":
		return AgentOpenCode
	case AgentShell, "bash", "zsh":
		return AgentShell
	default:
		return AgentUnknown
	}
}
