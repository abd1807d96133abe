package registry

import (
	"testing"
	"time"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/db"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/relay"
)

func openTestRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	gdb, err := db.ConnectMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New()
	r, err := New(gdb, b)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r, b
}

func TestUpsertCreatesActiveFromSSH(t *testing.T) {
	r, _ := openTestRegistry(t)
	sess, err := r.Upsert(Observation{Name: "s1", Host: "dev1", Source: SourceSSHPoll})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sess.Status != models.StatusActive {
		t.Errorf("status = %q, want active for ssh observation", sess.Status)
	}
	if sess.Host != "dev1" {
		t.Errorf("host = %q", sess.Host)
	}
}

func TestUpsertCreatesOrphanedFromPlatform(t *testing.T) {
	r, _ := openTestRegistry(t)
	sess, err := r.Upsert(Observation{Name: "ghost", Source: SourcePlatform})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sess.Status != models.StatusOrphaned {
		t.Errorf("status = %q, want orphaned for platform-only observation", sess.Status)
	}
	if sess.Host != models.HostUnknown {
		t.Errorf("host = %q, want unknown", sess.Host)
	}
}

func TestUpsertMergesFields(t *testing.T) {
	r, _ := openTestRegistry(t)
	if _, err := r.Upsert(Observation{Name: "s1", Host: "dev1", Source: SourceSSHPoll}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Upsert(Observation{Name: "s1", AgentType: models.AgentClaude, WorkingDir: "/work", Source: SourceHook}); err != nil {
		t.Fatal(err)
	}
	sess, err := r.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.AgentType != models.AgentClaude || sess.WorkingDir != "/work" || sess.Host != "dev1" {
		t.Errorf("merge lost fields: %+v", sess)
	}
}

func TestUpsertRejectsInvalidName(t *testing.T) {
	r, _ := openTestRegistry(t)
	_, err := r.Upsert(Observation{Name: "bad name!", Source: SourceSSHPoll})
	if relay.KindOf(err) != relay.KindInvalidArg {
		t.Errorf("kind = %q, want invalid_argument", relay.KindOf(err))
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  string
		event Event
		want  string
	}{
		{models.StatusActive, EventSSHMissing, models.StatusOrphaned},
		{models.StatusActive, EventAskQuestion, models.StatusWaiting},
		{models.StatusActive, EventHostDown, models.StatusUnreachable},
		{models.StatusActive, EventLifecycleClose, models.StatusArchived},
		{models.StatusWaiting, EventMsgInbound, models.StatusActive},
		{models.StatusIdle, EventSSHSeen, models.StatusActive},
		{models.StatusOrphaned, EventSSHSeen, models.StatusActive},
		{models.StatusOrphaned, EventMsgInbound, models.StatusOrphaned}, // ignored
		{models.StatusUnreachable, EventSSHSeen, models.StatusActive},
		{models.StatusUnreachable, EventSSHMissing, models.StatusUnreachable}, // ignored
		{models.StatusArchived, EventSSHSeen, models.StatusArchived},          // terminal
		{models.StatusArchived, EventMsgInbound, models.StatusArchived},
	}
	for _, tt := range tests {
		r, _ := openTestRegistry(t)
		if _, err := r.Upsert(Observation{Name: "s1", Host: "h", Source: SourceSSHPoll}); err != nil {
			t.Fatal(err)
		}
		// Force the starting state directly.
		if err := r.db.Model(&models.Session{}).Where("name = ?", "s1").
			Update("status", tt.from).Error; err != nil {
			t.Fatal(err)
		}
		old, next, err := r.Transition("s1", tt.event)
		if err != nil {
			t.Fatalf("%s + %s: %v", tt.from, tt.event, err)
		}
		if old != tt.from || next != tt.want {
			t.Errorf("%s + %s = (%s, %s), want (%s, %s)",
				tt.from, tt.event, old, next, tt.from, tt.want)
		}
	}
}

func TestTransitionPublishesStatusEvent(t *testing.T) {
	r, b := openTestRegistry(t)
	sub := b.Subscribe([]bus.EventType{bus.EventSessionStatus}, nil)
	defer b.Unsubscribe(sub)

	if _, err := r.Upsert(Observation{Name: "s1", Host: "h", Source: SourceSSHPoll}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Transition("s1", EventHostDown); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.C:
		if ev.Payload["new"] != models.StatusUnreachable {
			t.Errorf("payload = %+v", ev.Payload)
		}
	default:
		t.Error("transition should publish session.status_changed")
	}
}

func TestTransitionUnknownSession(t *testing.T) {
	r, _ := openTestRegistry(t)
	_, _, err := r.Transition("ghost", EventSSHSeen)
	if relay.KindOf(err) != relay.KindNotFound {
		t.Errorf("kind = %q, want not_found", relay.KindOf(err))
	}
}

func TestSweepIdle(t *testing.T) {
	r, _ := openTestRegistry(t)
	if _, err := r.Upsert(Observation{Name: "quiet", Host: "h", Source: SourceSSHPoll}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Upsert(Observation{Name: "busy", Host: "h", Source: SourceSSHPoll}); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().UTC().Add(-20 * time.Minute)
	if err := r.db.Model(&models.Session{}).Where("name = ?", "quiet").
		Update("last_activity_at", stale).Error; err != nil {
		t.Fatal(err)
	}

	demoted, err := r.SweepIdle(15 * time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(demoted) != 1 || demoted[0] != "quiet" {
		t.Errorf("demoted = %v, want [quiet]", demoted)
	}
	sess, _ := r.Get("quiet")
	if sess.Status != models.StatusIdle {
		t.Errorf("status = %q, want idle", sess.Status)
	}
	busy, _ := r.Get("busy")
	if busy.Status != models.StatusActive {
		t.Errorf("busy status = %q, should stay active", busy.Status)
	}
}

func TestStaleOrphans(t *testing.T) {
	r, _ := openTestRegistry(t)
	if _, err := r.Upsert(Observation{Name: "old", Source: SourcePlatform}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Upsert(Observation{Name: "fresh", Source: SourcePlatform}); err != nil {
		t.Fatal(err)
	}
	if err := r.db.Model(&models.Session{}).Where("name = ?", "old").
		Update("last_activity_at", time.Now().UTC().Add(-48*time.Hour)).Error; err != nil {
		t.Fatal(err)
	}

	stale, err := r.StaleOrphans(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].Name != "old" {
		t.Errorf("stale = %+v, want [old]", stale)
	}
}

func TestListFilter(t *testing.T) {
	r, _ := openTestRegistry(t)
	for _, n := range []string{"a", "b"} {
		if _, err := r.Upsert(Observation{Name: n, Host: "dev1", Source: SourceSSHPoll}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Upsert(Observation{Name: "c", Source: SourcePlatform}); err != nil {
		t.Fatal(err)
	}

	live, err := r.List(Filter{Live: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 {
		t.Errorf("live = %d, want 2", len(live))
	}
	orphans, _ := r.List(Filter{Status: models.StatusOrphaned})
	if len(orphans) != 1 || orphans[0].Name != "c" {
		t.Errorf("orphans = %+v", orphans)
	}
}

func TestDelete(t *testing.T) {
	r, _ := openTestRegistry(t)
	if _, err := r.Upsert(Observation{Name: "s1", Host: "h", Source: SourceSSHPoll}); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("s1"); relay.KindOf(err) != relay.KindNotFound {
		t.Error("deleted session should be gone")
	}
	if err := r.Delete("s1"); relay.KindOf(err) != relay.KindNotFound {
		t.Error("double delete should report not_found")
	}
}
