package models

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message sources.
const (
	SourceJSONL   = "jsonl"
	SourceDiscord = "discord"
	SourceSlack   = "slack"
	SourceTmux    = "tmux"
	SourceHook    = "hook"
)

// Message is one append-only record in a session's log. Content bytes are
// never mutated after insertion.
type Message struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionName string `gorm:"size:64;not null;index:idx_messages_session,priority:1;uniqueIndex:idx_messages_dedup,priority:1" json:"session_name"`
	Role        string `gorm:"size:16;not null" json:"role"`
	Source      string `gorm:"size:16;not null" json:"source"`
	Content     string `gorm:"type:text;not null" json:"content"`

	// ExternalID is the platform- or source-assigned identifier, when one
	// exists (Discord snowflake, Slack ts, transcript line hash).
	ExternalID string `gorm:"size:128" json:"external_id,omitempty"`
	Author     string `gorm:"size:64" json:"author,omitempty"`

	// DedupHash is the dedup key, unique per session; see store.DedupHash.
	DedupHash string `gorm:"size:64;uniqueIndex:idx_messages_dedup,priority:2" json:"-"`

	Timestamp  time.Time `gorm:"index:idx_messages_session,priority:2" json:"timestamp"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ValidRole reports whether r is a canonical message role.
func ValidRole(r string) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ValidSource reports whether s is a canonical message source.
func ValidSource(s string) bool {
	switch s {
	case SourceJSONL, SourceDiscord, SourceSlack, SourceTmux, SourceHook:
		return true
	}
	return false
}
