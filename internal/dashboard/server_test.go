package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/db"
	"github.com/jiunbae/aily/internal/hostexec"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relay"
	"github.com/jiunbae/aily/internal/router"
	"github.com/jiunbae/aily/internal/store"
)

// fakeExec implements router.Executor over an in-memory table.
type fakeExec struct {
	mu       sync.Mutex
	sessions map[string]map[string]bool
}

func newFakeExec() *fakeExec {
	return &fakeExec{sessions: map[string]map[string]bool{"dev1": {}}}
}

func (f *fakeExec) add(host, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions[host] == nil {
		f.sessions[host] = map[string]bool{}
	}
	f.sessions[host][name] = true
}

func (f *fakeExec) ListSessions(_ context.Context, host string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.sessions[host] {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeExec) HasSession(_ context.Context, host, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[host][name], nil
}

func (f *fakeExec) CreateSession(_ context.Context, host, name, _ string) error {
	f.add(host, name)
	return nil
}

func (f *fakeExec) KillSession(_ context.Context, host, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions[host], name)
	return nil
}

func (f *fakeExec) Inject(_ context.Context, host, name, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[host][name] {
		return relay.Errorf(relay.KindNotFound, "fake: %q not on %s", name, host)
	}
	return nil
}

func (f *fakeExec) SendKey(context.Context, string, string, hostexec.Key) error { return nil }

type fixture struct {
	server *Server
	reg    *registry.Registry
	store  *store.Store
	exec   *fakeExec
	bus    *bus.Bus
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	gdb, err := db.ConnectMemory()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	reg, err := registry.New(gdb, b)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(gdb, b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)

	cfg := &config.Config{
		SSHHosts:         []string{"dev1"},
		ThreadCleanup:    config.CleanupArchive,
		NotifyMaxRetries: 2,
		Dashboard:        config.DashboardConfig{Host: "127.0.0.1", Port: 0, Token: token},
	}
	exec := newFakeExec()
	adapter := platform.NewMockAdapter("discord")
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rt, err := router.New(router.Opts{
		Config:   cfg,
		Registry: reg,
		Store:    st,
		Executor: exec,
		Adapters: []platform.Adapter{adapter},
		Bus:      b,
		Out:      &bytes.Buffer{},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(Opts{
		Config:   cfg,
		Registry: reg,
		Store:    st,
		Router:   rt,
		Bus:      b,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{server: srv, reg: reg, store: st, exec: exec, bus: b}
}

func (fx *fixture) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:54321"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthzNoAuth(t *testing.T) {
	fx := newFixture(t, "secret")
	w := fx.request(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	fx := newFixture(t, "secret")
	if w := fx.request(t, http.MethodGet, "/api/sessions", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	if w := fx.request(t, http.MethodGet, "/api/sessions", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", w.Code)
	}
	if w := fx.request(t, http.MethodGet, "/api/sessions", "secret", nil); w.Code != http.StatusOK {
		t.Errorf("good token = %d, want 200", w.Code)
	}
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	fx := newFixture(t, "")
	if w := fx.request(t, http.MethodGet, "/api/sessions", "", nil); w.Code != http.StatusOK {
		t.Errorf("dev mode = %d, want 200", w.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	fx := newFixture(t, "")

	w := fx.request(t, http.MethodPost, "/api/sessions",
		"", map[string]string{"name": "s1", "host": "dev1", "agent_type": "claude"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}

	w = fx.request(t, http.MethodGet, "/api/sessions/s1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	var detail struct {
		Session models.Session `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Session.AgentType != models.AgentClaude || detail.Session.Host != "dev1" {
		t.Errorf("session = %+v", detail.Session)
	}

	w = fx.request(t, http.MethodGet, "/api/sessions", "", nil)
	if !strings.Contains(w.Body.String(), `"s1"`) {
		t.Error("listing missing s1")
	}

	w = fx.request(t, http.MethodDelete, "/api/sessions/s1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d", w.Code)
	}
	sess, _ := fx.reg.Get("s1")
	if sess.Status != models.StatusArchived {
		t.Errorf("status after delete = %q", sess.Status)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	fx := newFixture(t, "")
	w := fx.request(t, http.MethodPost, "/api/sessions", "", map[string]string{"name": "bad name"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid name = %d, want 400", w.Code)
	}
	w = fx.request(t, http.MethodPost, "/api/sessions", "", map[string]string{"name": "ok", "host": "ghost"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown host = %d, want 400", w.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	fx := newFixture(t, "")
	w := fx.request(t, http.MethodGet, "/api/sessions/ghost", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing session = %d, want 404", w.Code)
	}
}

func TestSessionMessagesPaging(t *testing.T) {
	fx := newFixture(t, "")
	fx.exec.add("dev1", "s1")
	if _, err := fx.reg.Upsert(registry.Observation{Name: "s1", Host: "dev1", Source: registry.SourceSSHPoll}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := fx.store.Append(context.Background(), models.Message{
			SessionName: "s1",
			Role:        models.RoleUser,
			Source:      models.SourceDiscord,
			Content:     "msg",
			ExternalID:  string(rune('a' + i)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	w := fx.request(t, http.MethodGet, "/api/sessions/s1/messages?limit=2&offset=0", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("messages = %d", w.Code)
	}
	var page struct {
		Messages []models.Message `json:"messages"`
		Total    int64            `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 || len(page.Messages) != 2 {
		t.Errorf("page = %d of %d", len(page.Messages), page.Total)
	}
}

func TestSendMessage(t *testing.T) {
	fx := newFixture(t, "")
	fx.exec.add("dev1", "s1")
	if _, err := fx.reg.Upsert(registry.Observation{Name: "s1", Host: "dev1", Source: registry.SourceSSHPoll}); err != nil {
		t.Fatal(err)
	}
	w := fx.request(t, http.MethodPost, "/api/sessions/s1/send", "", map[string]string{"text": "hello"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("send = %d: %s", w.Code, w.Body.String())
	}
	if _, total, _ := fx.store.Page("s1", 10, 0); total != 1 {
		t.Error("send should append the user message")
	}

	w = fx.request(t, http.MethodPost, "/api/sessions/ghost/send", "", map[string]string{"text": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("send to missing session = %d, want 404", w.Code)
	}
}

func TestHookEventStoresMessage(t *testing.T) {
	fx := newFixture(t, "secret")
	// The hook endpoint needs no token from loopback.
	body := map[string]string{
		"session_name": "s1",
		"agent":        "claude",
		"role":         "assistant",
		"content":      "done",
		"external_id":  "x1",
	}
	w := fx.request(t, http.MethodPost, "/api/hooks/event", "", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("hook = %d: %s", w.Code, w.Body.String())
	}
	msgs, total, _ := fx.store.Page("s1", 10, 0)
	if total != 1 || msgs[0].ExternalID != "x1" || msgs[0].Source != models.SourceHook {
		t.Errorf("stored = %+v", msgs)
	}

	// Duplicate external ids are silently absorbed.
	w = fx.request(t, http.MethodPost, "/api/hooks/event", "", body)
	if w.Code != http.StatusAccepted {
		t.Errorf("duplicate hook = %d, want 202", w.Code)
	}
	if _, total, _ := fx.store.Page("s1", 10, 0); total != 1 {
		t.Error("duplicate hook stored twice")
	}
}

func TestHookEventRejectsNonLoopback(t *testing.T) {
	fx := newFixture(t, "secret")
	body, _ := json.Marshal(map[string]string{
		"session_name": "s1",
		"agent":        "claude",
		"content":      "done",
		"external_id":  "x9",
	})

	// A forged X-Forwarded-For must not stand in for a loopback peer.
	req := httptest.NewRequest(http.MethodPost, "/api/hooks/event", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.5:40000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("forged XFF = %d, want 403", w.Code)
	}
	if _, total, _ := fx.store.Page("s1", 10, 0); total != 0 {
		t.Error("rejected hook must not store a message")
	}

	// A non-loopback caller with the bearer token is allowed.
	req = httptest.NewRequest(http.MethodPost, "/api/hooks/event", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.5:40000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("authenticated remote hook = %d, want 202", w.Code)
	}
}

func TestHookTypingEvent(t *testing.T) {
	fx := newFixture(t, "")
	sub := fx.bus.Subscribe([]bus.EventType{bus.EventTypingStart}, nil)
	defer fx.bus.Unsubscribe(sub)

	w := fx.request(t, http.MethodPost, "/api/hooks/event", "",
		map[string]string{"type": "typing.start", "session_name": "s1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("typing hook = %d", w.Code)
	}
	select {
	case ev := <-sub.C:
		if ev.SessionName != "s1" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("typing.start not published")
	}
	if _, total, _ := fx.store.Page("s1", 10, 0); total != 0 {
		t.Error("typing events must not store messages")
	}
}

func TestStats(t *testing.T) {
	fx := newFixture(t, "")
	fx.exec.add("dev1", "s1")
	if _, err := fx.reg.Upsert(registry.Observation{Name: "s1", Host: "dev1", Source: registry.SourceSSHPoll}); err != nil {
		t.Fatal(err)
	}
	w := fx.request(t, http.MethodGet, "/api/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	var stats struct {
		Sessions int            `json:"sessions"`
		ByStatus map[string]int `json:"by_status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Sessions != 1 || stats.ByStatus[models.StatusActive] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	fx := newFixture(t, "")
	w := fx.request(t, http.MethodPut, "/api/preferences", "", map[string]string{"theme": "dark"})
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d", w.Code)
	}
	w = fx.request(t, http.MethodGet, "/api/preferences", "", nil)
	if !strings.Contains(w.Body.String(), `"dark"`) {
		t.Errorf("prefs body = %s", w.Body.String())
	}
}

func TestBulkDelete(t *testing.T) {
	fx := newFixture(t, "")
	for _, n := range []string{"a", "b"} {
		fx.exec.add("dev1", n)
		if _, err := fx.reg.Upsert(registry.Observation{Name: n, Host: "dev1", Source: registry.SourceSSHPoll}); err != nil {
			t.Fatal(err)
		}
	}
	w := fx.request(t, http.MethodPost, "/api/sessions/bulk-delete", "",
		map[string][]string{"names": {"a", "b"}})
	if w.Code != http.StatusOK {
		t.Fatalf("bulk delete = %d", w.Code)
	}
	for _, n := range []string{"a", "b"} {
		sess, _ := fx.reg.Get(n)
		if sess.Status != models.StatusArchived {
			t.Errorf("%s status = %q", n, sess.Status)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(1, 2)
	if !rl.allow("1.2.3.4") || !rl.allow("1.2.3.4") {
		t.Fatal("burst of 2 should pass")
	}
	if rl.allow("1.2.3.4") {
		t.Error("third immediate request should be limited")
	}
	// Other clients are unaffected.
	if !rl.allow("5.6.7.8") {
		t.Error("separate IPs have separate buckets")
	}
}

func TestRateLimitResponse(t *testing.T) {
	fx := newFixture(t, "")
	fx.server.limiter = newRateLimiter(1, 1)
	fx.request(t, http.MethodGet, "/api/sessions", "", nil)
	w := fx.request(t, http.MethodGet, "/api/sessions", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}
