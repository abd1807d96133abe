// Package platform defines the contract every chat platform adapter
// (Discord, Slack) exposes to the router, plus shared thread-name and
// message-size helpers.
package platform

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// AgentPrefix is the canonical thread-name prefix. Case sensitive, single
// space; everything after it is the session name verbatim.
const AgentPrefix = "[agent] "

// Adapter is implemented once per platform. Adapters exclusively own
// platform thread state; the router never touches a platform wire.
type Adapter interface {
	// Name returns the platform identifier ("discord", "slack").
	Name() string

	// Connect establishes the persistent gateway with heartbeats.
	Connect(ctx context.Context) error

	// Close shuts the gateway down gracefully.
	Close() error

	// Inbound returns the channel of user-authored messages in tracked
	// threads. Valid after Connect; closed by Close.
	Inbound() <-chan InboundMessage

	// EnsureThread finds or creates the thread named "[agent] <session>".
	// Archived threads are reopened. Safe to call concurrently for the
	// same name; callers serialise behind a per-name lock.
	EnsureThread(ctx context.Context, sessionName, starterText string) (string, error)

	// Post sends text to a thread. raw suppresses the standard
	// notification formatting. Content is split or truncated to the
	// platform ceiling.
	Post(ctx context.Context, threadRef, text string, raw bool) error

	// Archive closes the thread per platform semantics. Slack has no
	// native archive, so it posts a closing notice and a marker reaction.
	Archive(ctx context.Context, threadRef string) error

	// Delete removes the thread where the platform supports it; otherwise
	// equivalent to Archive.
	Delete(ctx context.Context, threadRef string) error

	// ThreadSession resolves a thread ref to a session name by probing
	// the thread's title (or parent message), or "" when it is not an
	// agent thread.
	ThreadSession(ctx context.Context, threadRef string) (string, error)

	// History returns thread messages newer than afterID (all when
	// empty), oldest first, up to limit.
	History(ctx context.Context, threadRef, afterID string, limit int) ([]ThreadMessage, error)
}

// InboundMessage is a user-authored message received from a platform.
type InboundMessage struct {
	Platform   string
	ChannelID  string
	ThreadRef  string // empty for top-level channel messages
	AuthorID   string
	AuthorName string
	Text       string
	ExternalID string
	Timestamp  time.Time
}

// ThreadMessage is one message from a thread history read.
type ThreadMessage struct {
	ExternalID string
	AuthorID   string
	AuthorName string
	Text       string
	Bot        bool
	Timestamp  time.Time
}

// ThreadName builds the canonical thread name for a session.
func ThreadName(sessionName string) string {
	return AgentPrefix + sessionName
}

// SessionFromThreadName extracts the session name from a canonical thread
// name, or "" if the prefix does not match exactly.
func SessionFromThreadName(threadName string) string {
	if !strings.HasPrefix(threadName, AgentPrefix) {
		return ""
	}
	return threadName[len(AgentPrefix):]
}

// Truncate caps s at ceiling bytes. Oversized content is cut to ceiling-4
// bytes on a valid UTF-8 boundary with a trailing ellipsis.
func Truncate(s string, ceiling int) string {
	if len(s) <= ceiling {
		return s
	}
	cut := ceiling - 4
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// Backoff parameters shared by the adapters' reconnect loops.
const (
	ReconnectBase   = time.Second
	ReconnectCap    = 30 * time.Second
	ReconnectJitter = 0.2
)
