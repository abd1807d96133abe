package scrape

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/db"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/router"
	"github.com/jiunbae/aily/internal/store"
)

// fakeRemote scripts the remote filesystem for the scraper.
type fakeRemote struct {
	mu         sync.Mutex
	workingDir string
	newest     string
	tail       string
	tailCalls  int
}

func (f *fakeRemote) WorkingDir(context.Context, string, string) (string, error) {
	return f.workingDir, nil
}

func (f *fakeRemote) NewestMatch(_ context.Context, _, pattern string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.Contains(pattern, ".claude/projects") {
		return "", fmt.Errorf("unexpected pattern %q", pattern)
	}
	return f.newest, nil
}

func (f *fakeRemote) Tail(context.Context, string, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tailCalls++
	return f.tail, nil
}

// capturingIngester records delivered agent events.
type capturingIngester struct {
	mu     sync.Mutex
	events []router.AgentEvent
}

func (c *capturingIngester) HandleAgentEvent(_ context.Context, ev router.AgentEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func newTestScraper(t *testing.T, remote *fakeRemote, ing Ingester) (*Scraper, *store.Store) {
	t.Helper()
	gdb, err := db.ConnectMemory()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatal(err)
	}
	st, err := store.New(gdb, bus.New())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)
	s, err := New(remote, st, ing)
	if err != nil {
		t.Fatal(err)
	}
	return s, st
}

const sampleTranscript = `{"type":"assistant","timestamp":"2026-02-13T10:30:00Z","message":{"role":"assistant","content":[{"type":"text","text":"All tests pass now."},{"type":"tool_use","id":"t1"}]}}
{"type":"user","timestamp":"2026-02-13T10:31:00Z","message":{"role":"user","content":"run them again"}}
{"type":"tool_result","message":{"content":"..."}}
{"type":"assistant","timestamp":"2026-02-13T10:32:00Z","message":{"role":"assistant","content":[{"type":"text","text":"Done — still green."}]}}`

func liveSession() *models.Session {
	return &models.Session{
		Name:       "s1",
		Host:       "dev1",
		AgentType:  models.AgentClaude,
		Status:     models.StatusActive,
		WorkingDir: "/home/u/project",
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		ok      bool
		role    string
		content string
	}{
		{
			"assistant blocks",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`,
			true, models.RoleAssistant, "hello",
		},
		{
			"user string content",
			`{"type":"user","message":{"role":"user","content":"hi"}}`,
			true, models.RoleUser, "hi",
		},
		{
			"tool result skipped",
			`{"type":"tool_result","message":{"content":"x"}}`,
			false, "", "",
		},
		{
			"tool-use-only assistant skipped",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t"}]}}`,
			false, "", "",
		},
		{
			"malformed json skipped",
			`{not json`,
			false, "", "",
		},
		{
			"multiple text blocks joined",
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}}`,
			true, models.RoleAssistant, "a\nb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Role != tt.role || got.Content != tt.content {
				t.Errorf("parsed = %+v", got)
			}
		})
	}
}

func TestParseLineTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("x", maxContentLength+100)
	line := fmt.Sprintf(`{"type":"user","message":{"role":"user","content":%q}}`, long)
	got, ok := parseLine(line)
	if !ok {
		t.Fatal("parse failed")
	}
	if !strings.HasSuffix(got.Content, "...(truncated)") {
		t.Error("long content should carry the truncation marker")
	}
	if len(got.Content) > maxContentLength+20 {
		t.Errorf("content length = %d", len(got.Content))
	}
}

func TestScrapeIngestsAssistantMessagesOnly(t *testing.T) {
	remote := &fakeRemote{
		newest: "/home/u/.claude/projects/home-u-project/abc.jsonl",
		tail:   sampleTranscript,
	}
	ing := &capturingIngester{}
	s, _ := newTestScraper(t, remote, ing)

	n, err := s.Scrape(context.Background(), liveSession())
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if n != 2 {
		t.Fatalf("ingested = %d, want 2 assistant messages", n)
	}
	for _, ev := range ing.events {
		if ev.Role != models.RoleAssistant || ev.Source != models.SourceJSONL {
			t.Errorf("event = %+v", ev)
		}
		if ev.ExternalID == "" {
			t.Error("scraped events must carry a line-hash external id")
		}
	}
	if ing.events[0].Content != "All tests pass now." {
		t.Errorf("first content = %q", ing.events[0].Content)
	}
}

func TestScrapeIsIncremental(t *testing.T) {
	remote := &fakeRemote{
		newest: "/home/u/.claude/projects/home-u-project/abc.jsonl",
		tail:   sampleTranscript,
	}
	ing := &capturingIngester{}
	s, _ := newTestScraper(t, remote, ing)
	sess := liveSession()

	if _, err := s.Scrape(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	// Second scrape of the same tail: nothing new.
	n, err := s.Scrape(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("repeat scrape ingested %d, want 0", n)
	}

	// A new line after the old tail is picked up alone.
	remote.mu.Lock()
	remote.tail = sampleTranscript + "\n" +
		`{"type":"assistant","timestamp":"2026-02-13T10:33:00Z","message":{"role":"assistant","content":[{"type":"text","text":"one more"}]}}`
	remote.mu.Unlock()

	n, err = s.Scrape(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("incremental scrape ingested %d, want 1", n)
	}
	last := ing.events[len(ing.events)-1]
	if last.Content != "one more" {
		t.Errorf("last content = %q", last.Content)
	}
}

func TestScrapeSkipsNonScrapeableAgents(t *testing.T) {
	remote := &fakeRemote{tail: sampleTranscript, newest: "x.jsonl"}
	ing := &capturingIngester{}
	s, _ := newTestScraper(t, remote, ing)

	sess := liveSession()
	sess.AgentType = models.AgentShell
	if n, err := s.Scrape(context.Background(), sess); err != nil || n != 0 {
		t.Errorf("shell sessions must not be scraped: (%d, %v)", n, err)
	}
	sess.AgentType = models.AgentClaude
	sess.Status = models.StatusArchived
	if n, err := s.Scrape(context.Background(), sess); err != nil || n != 0 {
		t.Errorf("archived sessions must not be scraped: (%d, %v)", n, err)
	}
	if remote.tailCalls != 0 {
		t.Error("skipped sessions must not touch the remote host")
	}
}

func TestScrapeNoTranscriptFound(t *testing.T) {
	remote := &fakeRemote{workingDir: "/home/u/project", newest: ""}
	ing := &capturingIngester{}
	s, _ := newTestScraper(t, remote, ing)

	n, err := s.Scrape(context.Background(), liveSession())
	if err != nil || n != 0 {
		t.Errorf("missing transcript should be a quiet no-op: (%d, %v)", n, err)
	}
}
