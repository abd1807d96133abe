// Package scrape reads agent transcript (JSONL) files over SSH and turns
// new assistant messages into router events. Transcripts are authoritative
// over pane capture: the scraper never reads scrollback.
package scrape

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jiunbae/aily/internal/hostexec"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/router"
	"github.com/jiunbae/aily/internal/store"
)

const (
	// maxLines caps how much of a transcript one scrape tails.
	maxLines = 500
	// maxContentLength caps a single message's stored content.
	maxContentLength = 5000
	// offsetKeyPrefix namespaces scrape cursors in the preference table.
	offsetKeyPrefix = "jsonl_offset:"
)

// Executor is the remote-file subset of hostexec the scraper needs.
type Executor interface {
	WorkingDir(ctx context.Context, host, name string) (string, error)
	NewestMatch(ctx context.Context, host, pattern string) (string, error)
	Tail(ctx context.Context, host, path string, n int) (string, error)
}

// Ingester receives parsed transcript messages; the router implements it.
type Ingester interface {
	HandleAgentEvent(ctx context.Context, ev router.AgentEvent) error
}

// Scraper tails transcripts incrementally, tracking the last processed
// line per session so repeat scrapes only ingest new lines.
type Scraper struct {
	exec     Executor
	store    *store.Store
	ingester Ingester
}

// New creates a Scraper.
func New(exec Executor, st *store.Store, ing Ingester) (*Scraper, error) {
	if exec == nil || st == nil || ing == nil {
		return nil, fmt.Errorf("scrape: executor, store, and ingester are required")
	}
	return &Scraper{exec: exec, store: st, ingester: ing}, nil
}

// scrapeable reports whether the agent type writes a transcript we know
// how to read.
func scrapeable(agentType string) bool {
	switch agentType {
	case models.AgentClaude, models.AgentGemini, models.AgentCodex, models.AgentOpenCode:
		return true
	}
	return false
}

// DiscoverPath finds the newest transcript file for a session. Claude-family
// agents store transcripts under ~/.claude/projects/<sanitised cwd>/*.jsonl,
// where the cwd's slashes become dashes.
func (s *Scraper) DiscoverPath(ctx context.Context, sess *models.Session) (string, error) {
	workingDir := sess.WorkingDir
	if workingDir == "" {
		wd, err := s.exec.WorkingDir(ctx, sess.Host, sess.Name)
		if err != nil {
			return "", err
		}
		workingDir = wd
	}
	sanitized := strings.ReplaceAll(workingDir, "/", "-")
	sanitized = strings.TrimPrefix(sanitized, "-")
	pattern := fmt.Sprintf("~/.claude/projects/%s/*.jsonl", sanitized)
	return s.exec.NewestMatch(ctx, sess.Host, pattern)
}

// Scrape runs one incremental scrape for a session. Returns how many new
// messages were ingested.
func (s *Scraper) Scrape(ctx context.Context, sess *models.Session) (int, error) {
	if !scrapeable(sess.AgentType) || !sess.Live() {
		return 0, nil
	}
	path := sess.TranscriptPath
	if path == "" {
		discovered, err := s.DiscoverPath(ctx, sess)
		if err != nil || discovered == "" {
			return 0, err
		}
		path = discovered
	}

	raw, err := s.exec.Tail(ctx, sess.Host, path, maxLines)
	if err != nil {
		return 0, err
	}
	lines := nonEmptyLines(raw)
	if len(lines) == 0 {
		return 0, nil
	}

	// Skip everything up to and including the last line seen previously.
	offsetKey := offsetKeyPrefix + sess.Name
	lastHash, _ := s.store.GetPreference(offsetKey)
	newLines := lines
	if lastHash != "" {
		for i, line := range lines {
			if lineHash(line) == lastHash {
				newLines = lines[i+1:]
				break
			}
		}
	}

	ingested := 0
	for _, line := range newLines {
		msg, ok := parseLine(line)
		if !ok || msg.Role != models.RoleAssistant {
			continue
		}
		ev := router.AgentEvent{
			SessionName: sess.Name,
			Agent:       sess.AgentType,
			Role:        msg.Role,
			Content:     msg.Content,
			ExternalID:  lineHash(line),
			Source:      models.SourceJSONL,
			Timestamp:   msg.Timestamp,
		}
		if err := s.ingester.HandleAgentEvent(ctx, ev); err != nil {
			log.Printf("scrape: ingest for %q: %v", sess.Name, err)
			continue
		}
		ingested++
	}

	if err := s.store.SetPreference(offsetKey, lineHash(lines[len(lines)-1])); err != nil {
		return ingested, err
	}
	return ingested, nil
}

// parsed is one normalised transcript message.
type parsed struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// transcriptLine is the subset of the Claude Code JSONL schema we read.
type transcriptLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type transcriptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseLine extracts a message from one JSONL line. Only user and
// assistant entries carry content; tool results and system lines are
// skipped.
func parseLine(line string) (parsed, bool) {
	var tl transcriptLine
	if err := json.Unmarshal([]byte(line), &tl); err != nil {
		return parsed{}, false
	}
	if tl.Type != "user" && tl.Type != "assistant" {
		return parsed{}, false
	}
	var tm transcriptMessage
	if err := json.Unmarshal(tl.Message, &tm); err != nil {
		return parsed{}, false
	}

	content := extractContent(tm.Content)
	if content == "" {
		return parsed{}, false
	}
	if len(content) > maxContentLength {
		content = content[:maxContentLength] + "...(truncated)"
	}

	ts := time.Now().UTC()
	if tl.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, tl.Timestamp); err == nil {
			ts = t.UTC()
		}
	}
	role := models.RoleUser
	if tl.Type == "assistant" {
		role = models.RoleAssistant
	}
	return parsed{Role: role, Content: content, Timestamp: ts}, true
}

// extractContent handles both content shapes: a bare string and a list of
// typed blocks, of which only text blocks contribute.
func extractContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" {
			if t := strings.TrimSpace(b.Text); t != "" {
				texts = append(texts, t)
			}
		}
	}
	return strings.Join(texts, "\n")
}

func nonEmptyLines(raw string) []string {
	var out []string
	for _, l := range strings.Split(raw, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// lineHash fingerprints a transcript line; doubles as the message's
// external id since the format carries no ids of its own.
func lineHash(line string) string {
	sum := sha256.Sum256([]byte(line))
	return hex.EncodeToString(sum[:])[:16]
}

var _ Executor = (*hostexec.Executor)(nil)
