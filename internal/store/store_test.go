package store

import (
	"context"
	"testing"
	"time"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/db"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/relay"
)

func openTestStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	gdb, err := db.ConnectMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New()
	s, err := New(gdb, b)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	return s, b
}

func appendMsg(t *testing.T, s *Store, m models.Message) uint {
	t.Helper()
	id, err := s.Append(context.Background(), m)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	s, _ := openTestStore(t)
	var last uint
	for i := 0; i < 5; i++ {
		id := appendMsg(t, s, models.Message{
			SessionName: "s1",
			Role:        models.RoleUser,
			Source:      models.SourceDiscord,
			Content:     "msg",
			ExternalID:  string(rune('a' + i)),
		})
		if id <= last {
			t.Errorf("id %d not increasing after %d", id, last)
		}
		last = id
	}
}

func TestAppendDedupByExternalID(t *testing.T) {
	s, b := openTestStore(t)
	sub := b.Subscribe([]bus.EventType{bus.EventMessageNew}, nil)
	defer b.Unsubscribe(sub)

	m := models.Message{
		SessionName: "s1",
		Role:        models.RoleAssistant,
		Source:      models.SourceHook,
		Content:     "done",
		ExternalID:  "dup1",
	}
	appendMsg(t, s, m)

	_, err := s.Append(context.Background(), m)
	if !IsDuplicate(err) {
		t.Fatalf("second append err = %v, want duplicate", err)
	}

	count, _ := s.CountBySession("s1")
	if count != 1 {
		t.Errorf("stored = %d, want 1", count)
	}
	// Exactly one message.new on the bus.
	events := 0
	for {
		select {
		case <-sub.C:
			events++
			continue
		default:
		}
		break
	}
	if events != 1 {
		t.Errorf("message.new events = %d, want 1", events)
	}
}

func TestAppendSameExternalIDAcrossSessions(t *testing.T) {
	s, _ := openTestStore(t)
	// Two sessions can legitimately receive messages sharing a source and
	// external id; dedup is scoped per session.
	for _, name := range []string{"s1", "s2"} {
		appendMsg(t, s, models.Message{
			SessionName: name,
			Role:        models.RoleAssistant,
			Source:      models.SourceHook,
			Content:     "done",
			ExternalID:  "shared-id",
		})
	}
	for _, name := range []string{"s1", "s2"} {
		count, _ := s.CountBySession(name)
		if count != 1 {
			t.Errorf("%s stored = %d, want 1", name, count)
		}
	}
}

func TestAppendDedupFallbackBucket(t *testing.T) {
	s, _ := openTestStore(t)
	ts := time.Now().UTC().Truncate(time.Second)
	m := models.Message{
		SessionName: "s1",
		Role:        models.RoleUser,
		Source:      models.SourceDiscord,
		Content:     "optimistic echo",
		Timestamp:   ts,
	}
	appendMsg(t, s, m)
	if _, err := s.Append(context.Background(), m); !IsDuplicate(err) {
		t.Error("identical content in the same second should dedup without an external id")
	}

	// A different second bucket stores again.
	m.Timestamp = ts.Add(2 * time.Second)
	appendMsg(t, s, m)
	count, _ := s.CountBySession("s1")
	if count != 2 {
		t.Errorf("stored = %d, want 2", count)
	}
}

func TestAppendValidation(t *testing.T) {
	s, _ := openTestStore(t)
	tests := []models.Message{
		{Role: models.RoleUser, Source: models.SourceHook, Content: "x"},             // no session
		{SessionName: "s1", Role: "admin", Source: models.SourceHook, Content: "x"},  // bad role
		{SessionName: "s1", Role: models.RoleUser, Source: "telegram", Content: "x"}, // bad source
	}
	for i, m := range tests {
		if _, err := s.Append(context.Background(), m); relay.KindOf(err) != relay.KindInvalidArg {
			t.Errorf("case %d: kind = %q, want invalid_argument", i, relay.KindOf(err))
		}
	}
}

func TestPageNewestFirst(t *testing.T) {
	s, _ := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		appendMsg(t, s, models.Message{
			SessionName: "s1",
			Role:        models.RoleUser,
			Source:      models.SourceDiscord,
			Content:     "msg",
			ExternalID:  string(rune('a' + i)),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
	}

	msgs, total, err := s.Page("s1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(msgs) != 2 {
		t.Fatalf("page = %d msgs of %d", len(msgs), total)
	}
	if msgs[0].ExternalID != "e" || msgs[1].ExternalID != "d" {
		t.Errorf("newest first violated: %s, %s", msgs[0].ExternalID, msgs[1].ExternalID)
	}

	msgs, _, _ = s.Page("s1", 2, 4)
	if len(msgs) != 1 || msgs[0].ExternalID != "a" {
		t.Errorf("offset paging broken: %+v", msgs)
	}
}

func TestPageAfterCursor(t *testing.T) {
	s, _ := openTestStore(t)
	ids := make([]uint, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, appendMsg(t, s, models.Message{
			SessionName: "s1",
			Role:        models.RoleUser,
			Source:      models.SourceDiscord,
			Content:     "msg",
			ExternalID:  string(rune('a' + i)),
		}))
	}
	msgs, err := s.PageAfter("s1", ids[0], 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != ids[1] {
		t.Errorf("cursor paging broken: %+v", msgs)
	}
}

func TestLastExternalID(t *testing.T) {
	s, _ := openTestStore(t)
	base := time.Now().UTC()
	appendMsg(t, s, models.Message{
		SessionName: "s1", Role: models.RoleUser, Source: models.SourceSlack,
		Content: "one", ExternalID: "100.1", Timestamp: base,
	})
	appendMsg(t, s, models.Message{
		SessionName: "s1", Role: models.RoleUser, Source: models.SourceSlack,
		Content: "two", ExternalID: "100.2", Timestamp: base.Add(time.Second),
	})
	got, err := s.LastExternalID("s1", models.SourceSlack)
	if err != nil || got != "100.2" {
		t.Errorf("last external id = (%q, %v), want 100.2", got, err)
	}
	got, _ = s.LastExternalID("s1", models.SourceDiscord)
	if got != "" {
		t.Errorf("unused source should return empty, got %q", got)
	}
}

func TestSearch(t *testing.T) {
	s, _ := openTestStore(t)
	appendMsg(t, s, models.Message{
		SessionName: "s1", Role: models.RoleAssistant, Source: models.SourceHook,
		Content: "refactored the auth middleware and fixed the token check", ExternalID: "m1",
	})
	appendMsg(t, s, models.Message{
		SessionName: "s2", Role: models.RoleAssistant, Source: models.SourceHook,
		Content: "unrelated work", ExternalID: "m2",
	})

	hits, err := s.Search("", "middleware", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].SessionName != "s1" {
		t.Errorf("hits = %+v", hits)
	}
	if hits[0].Snippet == "" {
		t.Error("snippet should not be empty")
	}

	hits, _ = s.Search("s2", "middleware", 10)
	if len(hits) != 0 {
		t.Error("session filter should exclude s1's hit")
	}

	if _, err := s.Search("", "   ", 10); relay.KindOf(err) != relay.KindInvalidArg {
		t.Error("blank query should be invalid_argument")
	}
}

func TestBindings(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.SaveBinding("discord", "s1", "thread-1", "chan-1"); err != nil {
		t.Fatal(err)
	}

	b, err := s.Binding("discord", "s1")
	if err != nil || b.ThreadRef != "thread-1" {
		t.Fatalf("binding = (%+v, %v)", b, err)
	}
	byThread, err := s.BindingByThread("discord", "thread-1")
	if err != nil || byThread.SessionName != "s1" {
		t.Fatalf("by thread = (%+v, %v)", byThread, err)
	}

	// Rebinding to a new thread clears the archived flag.
	if err := s.MarkBindingArchived("discord", "s1", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveBinding("discord", "s1", "thread-2", ""); err != nil {
		t.Fatal(err)
	}
	b, _ = s.Binding("discord", "s1")
	if b.ThreadRef != "thread-2" || b.Archived {
		t.Errorf("rebind = %+v", b)
	}

	if err := s.DeleteBinding("discord", "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Binding("discord", "s1"); relay.KindOf(err) != relay.KindNotFound {
		t.Error("deleted binding should be not_found")
	}
}

func TestPreferences(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.SetPreference("theme", "dark"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPreference("jsonl_offset:s1", "abc123"); err != nil {
		t.Fatal(err)
	}

	v, err := s.GetPreference("theme")
	if err != nil || v != "dark" {
		t.Errorf("get = (%q, %v)", v, err)
	}
	if v, _ := s.GetPreference("missing"); v != "" {
		t.Error("missing preference should be empty")
	}

	prefs, err := s.Preferences()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := prefs["jsonl_offset:s1"]; ok {
		t.Error("internal offset keys should be hidden from the preference list")
	}
	if prefs["theme"] != "dark" {
		t.Errorf("prefs = %+v", prefs)
	}
}

func TestDedupHashShapes(t *testing.T) {
	ts := time.Now()
	withID := DedupHash("s1", "user", "discord", "123", "hello", ts)
	otherSession := DedupHash("s2", "user", "discord", "123", "hello", ts)
	if withID == otherSession {
		t.Error("external-id hashes are scoped per session")
	}
	sameAgain := DedupHash("s1", "user", "discord", "123", "different content", ts.Add(time.Hour))
	if withID != sameAgain {
		t.Error("external-id hashes depend only on (session, source, id)")
	}
	noID1 := DedupHash("s1", "user", "discord", "", "hello", ts)
	noID2 := DedupHash("s2", "user", "discord", "", "hello", ts)
	if noID1 == noID2 {
		t.Error("fallback hashes must differ per session")
	}
	later := DedupHash("s1", "user", "discord", "", "hello", ts.Add(2*time.Second))
	if noID1 == later {
		t.Error("fallback hashes must differ across time buckets")
	}
}
