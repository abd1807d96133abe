// Package router is the pipeline between the session registry, message
// store, host executor, and platform adapters. It decides which direction
// every event flows and owns command semantics.
package router

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jiunbae/aily/internal/bus"
	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/hostexec"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relay"
	"github.com/jiunbae/aily/internal/store"
)

// defaultDeadline bounds one inbound event's processing.
const defaultDeadline = 10 * time.Second

// Executor is the subset of hostexec.Executor the router needs, abstracted
// for test mocks.
type Executor interface {
	ListSessions(ctx context.Context, host string) ([]string, error)
	HasSession(ctx context.Context, host, name string) (bool, error)
	CreateSession(ctx context.Context, host, name, workingDir string) error
	KillSession(ctx context.Context, host, name string) error
	Inject(ctx context.Context, host, name, payload string, submit bool) error
	SendKey(ctx context.Context, host, name string, key hostexec.Key) error
}

// Router routes events between platforms, sessions, and the store.
type Router struct {
	cfg      *config.Config
	registry *registry.Registry
	store    *store.Store
	exec     Executor
	adapters []platform.Adapter
	bus      *bus.Bus
	locks    *platform.NameLocks
	out      io.Writer
}

// Opts holds parameters for creating a Router. All dependencies are
// constructor-injected; there are no ambient globals.
type Opts struct {
	Config   *config.Config
	Registry *registry.Registry
	Store    *store.Store
	Executor Executor
	Adapters []platform.Adapter
	Bus      *bus.Bus
	Out      io.Writer // defaults to os.Stdout
}

// New creates a Router.
func New(opts Opts) (*Router, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("router: config is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("router: registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("router: store is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("router: executor is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("router: bus is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		cfg:      opts.Config,
		registry: opts.Registry,
		store:    opts.Store,
		exec:     opts.Executor,
		adapters: opts.Adapters,
		bus:      opts.Bus,
		locks:    platform.NewNameLocks(),
		out:      out,
	}, nil
}

// Run pumps every adapter's inbound channel until ctx is cancelled. One
// goroutine per adapter keeps per-platform ordering while platforms stay
// independent.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range r.adapters {
		wg.Add(1)
		go func(a platform.Adapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-a.Inbound():
					if !ok {
						return
					}
					r.HandleInbound(ctx, a, msg)
				}
			}
		}(a)
	}
	wg.Wait()
}

// adapter returns the adapter named platformName, or nil.
func (r *Router) adapter(platformName string) platform.Adapter {
	for _, a := range r.adapters {
		if a.Name() == platformName {
			return a
		}
	}
	return nil
}

// HandleInbound processes one user message from a platform thread:
// resolve the session, interpret commands, otherwise inject.
func (r *Router) HandleInbound(ctx context.Context, a platform.Adapter, msg platform.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, defaultDeadline)
	defer cancel()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	fmt.Fprintf(r.out, "router: recv [%s thread=%s user=%s] %q\n",
		msg.Platform, msg.ThreadRef, msg.AuthorName, preview(text, 80))

	// Commands work in the main channel and in threads.
	if strings.HasPrefix(text, "!") {
		r.handleCommand(ctx, a, msg, text)
		return
	}

	// Plain text outside a thread is not ours to interpret.
	if msg.ThreadRef == "" {
		return
	}

	sessionName := r.resolveSession(ctx, a, msg.ThreadRef)
	if sessionName == "" {
		return
	}

	r.forwardToSession(ctx, a, msg, sessionName, text)
}

// resolveSession maps a thread ref to a session name: binding lookup
// first, then a title probe that creates the binding when it matches.
func (r *Router) resolveSession(ctx context.Context, a platform.Adapter, threadRef string) string {
	if b, err := r.store.BindingByThread(a.Name(), threadRef); err == nil {
		return b.SessionName
	}
	name, err := a.ThreadSession(ctx, threadRef)
	if err != nil || name == "" {
		return ""
	}
	if !models.ValidSessionName(name) {
		return ""
	}
	if err := r.store.SaveBinding(a.Name(), name, threadRef, ""); err != nil {
		log.Printf("router: bind %s thread %s to %q: %v", a.Name(), threadRef, name, err)
	}
	// A thread observed without a live session record starts orphaned.
	if _, err := r.registry.Upsert(registry.Observation{
		Name:   name,
		Source: registry.SourcePlatform,
	}); err != nil {
		log.Printf("router: upsert from %s thread: %v", a.Name(), err)
	}
	return name
}

// forwardToSession injects the text into the multiplexer session and, on
// success, appends the user message to the store.
func (r *Router) forwardToSession(ctx context.Context, a platform.Adapter, msg platform.InboundMessage, sessionName, text string) {
	host := r.findSessionHost(ctx, sessionName)
	if host == "" {
		r.postNotice(ctx, a, msg.ThreadRef, fmt.Sprintf(
			"Session `%s` not found on any host.\nAvailable hosts: %s",
			sessionName, strings.Join(r.cfg.SSHHosts, ", ")))
		return
	}

	if err := r.exec.Inject(ctx, host, sessionName, text, true); err != nil {
		r.postNotice(ctx, a, msg.ThreadRef, fmt.Sprintf(
			"Could not deliver message to %s on %s: %s", sessionName, host, relayReason(err)))
		switch relay.KindOf(err) {
		case relay.KindUnreachable:
			_, _, _ = r.registry.Transition(sessionName, registry.EventHostDown)
		case relay.KindProtocolError:
			_, _, _ = r.registry.Transition(sessionName, registry.EventOpError)
		}
		return
	}

	// Inject succeeded: append and publish (the store publishes on commit).
	_, err := r.store.Append(ctx, models.Message{
		SessionName: sessionName,
		Role:        models.RoleUser,
		Source:      msg.Platform,
		Content:     text,
		ExternalID:  msg.ExternalID,
		Author:      msg.AuthorName,
		Timestamp:   msg.Timestamp,
	})
	if err != nil && !store.IsDuplicate(err) {
		log.Printf("router: append user message for %q: %v", sessionName, err)
	}
	_, _, _ = r.registry.Transition(sessionName, registry.EventMsgInbound)
	_ = r.registry.SetPreview(sessionName, text)
}

// findSessionHost locates which configured host has the session, preferring
// the registry's last known host.
func (r *Router) findSessionHost(ctx context.Context, sessionName string) string {
	if sess, err := r.registry.Get(sessionName); err == nil &&
		sess.Host != "" && sess.Host != models.HostUnknown {
		if ok, err := r.exec.HasSession(ctx, sess.Host, sessionName); err == nil && ok {
			return sess.Host
		}
	}
	for _, h := range r.cfg.SSHHosts {
		if ok, err := r.exec.HasSession(ctx, h, sessionName); err == nil && ok {
			return h
		}
	}
	return ""
}

// postNotice posts a user-readable notice into a thread, best-effort.
func (r *Router) postNotice(ctx context.Context, a platform.Adapter, threadRef, text string) {
	if threadRef == "" {
		return
	}
	if err := a.Post(ctx, threadRef, text, true); err != nil {
		log.Printf("router: post notice on %s: %v", a.Name(), err)
	}
}

// relayReason renders an error kind for end users.
func relayReason(err error) string {
	if k := relay.KindOf(err); k != "" {
		return string(k)
	}
	return err.Error()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
