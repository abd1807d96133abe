package router

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relay"
	"github.com/jiunbae/aily/internal/store"
)

// AgentEvent is an assistant-side message from a hook webhook or the
// transcript scraper.
type AgentEvent struct {
	SessionName string
	Agent       string // agent type alias, normalised at this boundary
	Role        string // assistant or system
	Content     string
	ExternalID  string
	Source      string // hook or jsonl
	Timestamp   time.Time
}

// HandleAgentEvent ingests an agent-side event: dedup first, then fan the
// notification out to every enabled platform, then the store's publish
// reaches dashboard clients. Typing indicator events never reach this
// function: the hook endpoint publishes them to the bus without storage.
func (r *Router) HandleAgentEvent(ctx context.Context, ev AgentEvent) error {
	if !models.ValidSessionName(ev.SessionName) {
		return relay.Errorf(relay.KindInvalidArg, "router: invalid session name %q", ev.SessionName)
	}
	if ev.Content == "" {
		return relay.Errorf(relay.KindInvalidArg, "router: empty content for %q", ev.SessionName)
	}
	role := ev.Role
	if role != models.RoleAssistant && role != models.RoleSystem {
		role = models.RoleAssistant
	}
	source := ev.Source
	if source != models.SourceJSONL {
		source = models.SourceHook
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	sess, err := r.registry.Upsert(registry.Observation{
		Name:      ev.SessionName,
		AgentType: models.NormalizeAgentType(ev.Agent),
		Source:    registry.SourceHook,
		SeenAt:    ev.Timestamp,
	})
	if err != nil {
		return err
	}

	// Dedup gate: a duplicate external id stores nothing and notifies no one.
	_, err = r.store.Append(ctx, models.Message{
		SessionName: ev.SessionName,
		Role:        role,
		Source:      source,
		Content:     ev.Content,
		ExternalID:  ev.ExternalID,
		Author:      sess.AgentType,
		Timestamp:   ev.Timestamp,
	})
	if store.IsDuplicate(err) {
		return nil
	}
	if err != nil {
		return err
	}

	_ = r.registry.SetPreview(ev.SessionName, ev.Content)
	if looksLikeQuestion(ev.Content) {
		_, _, _ = r.registry.Transition(ev.SessionName, registry.EventAskQuestion)
	}

	r.Notify(ctx, sess, ev.Content)
	return nil
}

// Notify posts text to the session's thread on every enabled platform.
// Posts run in parallel; each platform fails and retries independently
// with exponential backoff up to NotifyMaxRetries.
func (r *Router) Notify(ctx context.Context, sess *models.Session, text string) {
	var wg sync.WaitGroup
	for _, a := range r.adapters {
		wg.Add(1)
		go func(a platform.Adapter) {
			defer wg.Done()
			r.notifyOne(ctx, a, sess, text)
		}(a)
	}
	wg.Wait()
}

func (r *Router) notifyOne(ctx context.Context, a platform.Adapter, sess *models.Session, text string) {
	unlock := r.locks.Lock(a.Name() + ":" + sess.Name)
	ref, err := a.EnsureThread(ctx, sess.Name, "")
	if err == nil {
		if berr := r.store.SaveBinding(a.Name(), sess.Name, ref, ""); berr != nil {
			log.Printf("router: save %s binding for %q: %v", a.Name(), sess.Name, berr)
		}
	}
	unlock()
	if err != nil {
		r.notifyFailed(a.Name(), sess.Name, err)
		return
	}

	backoff := time.Second
	for attempt := 0; ; attempt++ {
		err = a.Post(ctx, ref, text, false)
		if err == nil {
			return
		}
		if attempt >= r.cfg.NotifyMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			r.notifyFailed(a.Name(), sess.Name, ctx.Err())
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	r.notifyFailed(a.Name(), sess.Name, err)
}

// notifyFailed surfaces an exhausted notification to dashboard clients.
// The source side stays silent.
func (r *Router) notifyFailed(platformName, sessionName string, err error) {
	log.Printf("router: notify %s for %q failed: %v", platformName, sessionName, err)
	r.bus.Publish(bus.Event{
		Type:        bus.EventNotifyFailed,
		SessionName: sessionName,
		Payload: map[string]interface{}{
			"platform": platformName,
			"reason":   relayReason(err),
		},
	})
}

// looksLikeQuestion is the waiting-state heuristic: the agent's last line
// ends in a question mark or asks for a choice.
func looksLikeQuestion(content string) bool {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasSuffix(last, "?") {
		return true
	}
	lower := strings.ToLower(last)
	return strings.Contains(lower, "y/n") || strings.Contains(lower, "(yes/no)")
}

// ArchiveOrphan closes the threads of an orphaned session; used by the
// orphan reaper.
func (r *Router) ArchiveOrphan(ctx context.Context, name string) {
	r.CloseThreads(ctx, name)
	_, _, _ = r.registry.Transition(name, registry.EventLifecycleClose)
}

// InjectText delivers text to a session on behalf of the dashboard,
// appending the user message on success.
func (r *Router) InjectText(ctx context.Context, sessionName, text string) error {
	host := r.findSessionHost(ctx, sessionName)
	if host == "" {
		return relay.Errorf(relay.KindNotFound, "router: session %q not found on any host", sessionName)
	}
	if err := r.exec.Inject(ctx, host, sessionName, text, true); err != nil {
		switch relay.KindOf(err) {
		case relay.KindUnreachable:
			_, _, _ = r.registry.Transition(sessionName, registry.EventHostDown)
		case relay.KindProtocolError:
			_, _, _ = r.registry.Transition(sessionName, registry.EventOpError)
		}
		return err
	}
	_, err := r.store.Append(ctx, models.Message{
		SessionName: sessionName,
		Role:        models.RoleUser,
		Source:      models.SourceTmux,
		Content:     text,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil && !store.IsDuplicate(err) {
		return err
	}
	_, _, _ = r.registry.Transition(sessionName, registry.EventMsgInbound)
	return nil
}

// KillSession kills a session on behalf of the dashboard, closing threads
// per policy.
func (r *Router) KillSession(ctx context.Context, name string) error {
	if sess, err := r.registry.Get(name); err == nil && sess.Status == models.StatusArchived {
		return nil
	}
	host := r.findSessionHost(ctx, name)
	if host != "" {
		if err := r.exec.KillSession(ctx, host, name); err != nil &&
			relay.KindOf(err) != relay.KindNotFound {
			return err
		}
	}
	r.CloseThreads(ctx, name)
	_, _, _ = r.registry.Transition(name, registry.EventLifecycleClose)
	return nil
}

// CreateSession creates a session on behalf of the dashboard.
func (r *Router) CreateSession(ctx context.Context, name, host, agentType string) error {
	if !models.ValidSessionName(name) {
		return relay.Errorf(relay.KindInvalidArg, "router: invalid session name %q", name)
	}
	if host == "" {
		host = r.cfg.DefaultHost()
	}
	if !r.cfg.HasHost(host) {
		return relay.Errorf(relay.KindInvalidArg, "router: unknown host %q", host)
	}
	if existing := r.findSessionHost(ctx, name); existing != "" {
		return relay.Errorf(relay.KindDuplicate, "router: session %q already exists on %s", name, existing)
	}
	if err := r.exec.CreateSession(ctx, host, name, ""); err != nil {
		return err
	}
	if _, err := r.registry.Upsert(registry.Observation{
		Name:      name,
		Host:      host,
		AgentType: models.NormalizeAgentType(agentType),
		Source:    registry.SourceUser,
	}); err != nil {
		return err
	}
	r.EnsureThreads(ctx, name, host, "")
	return nil
}
