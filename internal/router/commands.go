package router

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/jiunbae/aily/internal/config"
	"github.com/jiunbae/aily/internal/hostexec"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/platform"
	"github.com/jiunbae/aily/internal/registry"
	"github.com/jiunbae/aily/internal/relay"
)

// keystrokeCommands maps single-keystroke commands to control keys. These
// bypass the two-step submit rule.
var keystrokeCommands = map[string]hostexec.Key{
	"!c":     hostexec.KeyInterrupt,
	"!d":     hostexec.KeyEOF,
	"!z":     hostexec.KeySuspend,
	"!q":     hostexec.KeyQuit,
	"!enter": hostexec.KeySubmit,
	"!esc":   hostexec.KeyEscape,
}

// handleCommand interprets a first-token "!word" command. Matching is
// case-sensitive on the first line's first token.
func (r *Router) handleCommand(ctx context.Context, a platform.Adapter, msg platform.InboundMessage, text string) {
	firstLine := strings.SplitN(text, "\n", 2)[0]
	parts := strings.Fields(firstLine)
	cmd := parts[0]

	if key, ok := keystrokeCommands[cmd]; ok {
		r.cmdKeystroke(ctx, a, msg, key)
		return
	}

	switch cmd {
	case "!new":
		r.cmdNew(ctx, a, msg, parts)
	case "!kill":
		r.cmdKill(ctx, a, msg, parts)
	case "!sessions", "!ls":
		r.cmdSessions(ctx, a, msg)
	default:
		// Unknown bang-words inside a thread are still text for the agent.
		if msg.ThreadRef != "" {
			if name := r.resolveSession(ctx, a, msg.ThreadRef); name != "" {
				r.forwardToSession(ctx, a, msg, name, text)
				return
			}
		}
		r.reply(ctx, a, msg, "Unknown command. Available: `!new <name> [host] [pwd]`, `!kill <name>`, `!sessions`, `!c` `!d` `!z` `!q` `!enter` `!esc`")
	}
}

// cmdKeystroke sends one control key to the thread's session.
func (r *Router) cmdKeystroke(ctx context.Context, a platform.Adapter, msg platform.InboundMessage, key hostexec.Key) {
	if msg.ThreadRef == "" {
		r.reply(ctx, a, msg, "Keystroke commands only work inside a session thread.")
		return
	}
	sessionName := r.resolveSession(ctx, a, msg.ThreadRef)
	if sessionName == "" {
		return
	}
	host := r.findSessionHost(ctx, sessionName)
	if host == "" {
		r.reply(ctx, a, msg, fmt.Sprintf("Session `%s` not found on any host.", sessionName))
		return
	}
	if err := r.exec.SendKey(ctx, host, sessionName, key); err != nil {
		r.reply(ctx, a, msg, fmt.Sprintf(
			"Could not deliver message to %s on %s: %s", sessionName, host, relayReason(err)))
		return
	}
	_, _, _ = r.registry.Transition(sessionName, registry.EventMsgInbound)
}

// cmdNew creates a session and its threads. Idempotent: an existing
// session reuses the binding and creates nothing.
func (r *Router) cmdNew(ctx context.Context, a platform.Adapter, msg platform.InboundMessage, parts []string) {
	if len(parts) < 2 {
		r.reply(ctx, a, msg, fmt.Sprintf(
			"Usage: `!new <session_name> [host] [pwd]`\nAvailable hosts: `%s`",
			strings.Join(r.cfg.SSHHosts, "`, `")))
		return
	}
	name := parts[1]
	host := r.cfg.DefaultHost()
	if len(parts) > 2 {
		host = parts[2]
	}
	workingDir := ""
	if len(parts) > 3 {
		workingDir = parts[3]
	}

	if !models.ValidSessionName(name) {
		r.reply(ctx, a, msg, "Invalid session name. Use only `a-z A-Z 0-9 _ -` (max 64 chars).")
		return
	}
	if !r.cfg.HasHost(host) {
		r.reply(ctx, a, msg, fmt.Sprintf("Unknown host `%s`. Available: `%s`",
			host, strings.Join(r.cfg.SSHHosts, "`, `")))
		return
	}

	if existing := r.findSessionHost(ctx, name); existing != "" {
		// Already live: reuse bindings, make sure threads exist.
		r.EnsureThreads(ctx, name, existing, workingDir)
		r.reply(ctx, a, msg, fmt.Sprintf("Session `%s` already exists on `%s`.", name, existing))
		return
	}

	if err := r.exec.CreateSession(ctx, host, name, workingDir); err != nil &&
		relay.KindOf(err) != relay.KindDuplicate {
		r.reply(ctx, a, msg, fmt.Sprintf("Failed to create tmux session `%s` on `%s`: %s",
			name, host, relayReason(err)))
		return
	}

	if _, err := r.registry.Upsert(registry.Observation{
		Name:       name,
		Host:       host,
		WorkingDir: workingDir,
		Source:     registry.SourceUser,
	}); err != nil {
		log.Printf("router: register %q: %v", name, err)
	}

	r.EnsureThreads(ctx, name, host, workingDir)
	cwdLabel := ""
	if workingDir != "" {
		cwdLabel = fmt.Sprintf(" in `%s`", workingDir)
	}
	r.reply(ctx, a, msg, fmt.Sprintf("Created `%s` on `%s`%s.", name, host, cwdLabel))
}

// EnsureThreads creates or reopens the session's thread on every enabled
// platform and persists the bindings. Concurrent ensures for the same name
// serialise behind the per-name lock.
func (r *Router) EnsureThreads(ctx context.Context, name, host, workingDir string) {
	starter := fmt.Sprintf("%s\ntmux session on `%s`", platform.ThreadName(name), host)
	if workingDir != "" {
		starter = fmt.Sprintf("%s\ntmux session on `%s` in `%s`", platform.ThreadName(name), host, workingDir)
	}
	for _, a := range r.adapters {
		unlock := r.locks.Lock(a.Name() + ":" + name)
		ref, err := a.EnsureThread(ctx, name, starter)
		if err != nil {
			unlock()
			log.Printf("router: ensure %s thread for %q: %v", a.Name(), name, err)
			continue
		}
		if err := r.store.SaveBinding(a.Name(), name, ref, ""); err != nil {
			log.Printf("router: save %s binding for %q: %v", a.Name(), name, err)
		}
		unlock()
	}
}

// cmdKill kills the session and archives or deletes its threads per the
// cleanup policy. Killing an already-archived session is a no-op.
func (r *Router) cmdKill(ctx context.Context, a platform.Adapter, msg platform.InboundMessage, parts []string) {
	if len(parts) < 2 {
		r.reply(ctx, a, msg, "Usage: `!kill <session_name>`")
		return
	}
	name := parts[1]
	if !models.ValidSessionName(name) {
		r.reply(ctx, a, msg, "Invalid session name. Use only `a-z A-Z 0-9 _ -` (max 64 chars).")
		return
	}

	if sess, err := r.registry.Get(name); err == nil && sess.Status == models.StatusArchived {
		r.reply(ctx, a, msg, fmt.Sprintf("Session `%s` is already archived.", name))
		return
	}

	var status []string
	host := r.findSessionHost(ctx, name)
	if host != "" {
		if err := r.exec.KillSession(ctx, host, name); err != nil {
			status = append(status, fmt.Sprintf("Failed to kill `%s` on `%s`", name, host))
		} else {
			status = append(status, fmt.Sprintf("Killed `%s` on `%s`", name, host))
		}
	} else {
		status = append(status, fmt.Sprintf("tmux `%s` not found", name))
	}

	if r.CloseThreads(ctx, name) {
		status = append(status, "closed thread")
	} else {
		status = append(status, "no thread found")
	}

	_, _, _ = r.registry.Transition(name, registry.EventLifecycleClose)
	r.reply(ctx, a, msg, strings.Join(status, " / "))
}

// CloseThreads posts a final notice then archives or deletes the session's
// thread on every platform, per the cleanup policy. Returns true when at
// least one thread was closed.
func (r *Router) CloseThreads(ctx context.Context, name string) bool {
	closed := false
	for _, a := range r.adapters {
		b, err := r.store.Binding(a.Name(), name)
		if err != nil {
			continue
		}
		if b.Archived {
			closed = true
			continue
		}
		r.postNotice(ctx, a, b.ThreadRef, "Session closed.")
		if r.cfg.ThreadCleanup == config.CleanupDelete {
			if err := a.Delete(ctx, b.ThreadRef); err != nil {
				log.Printf("router: delete %s thread for %q: %v", a.Name(), name, err)
				continue
			}
			_ = r.store.DeleteBinding(a.Name(), name)
		} else {
			if err := a.Archive(ctx, b.ThreadRef); err != nil {
				log.Printf("router: archive %s thread for %q: %v", a.Name(), name, err)
				continue
			}
			_ = r.store.MarkBindingArchived(a.Name(), name, true)
		}
		closed = true
	}
	return closed
}

// cmdSessions lists all known sessions with their thread sync status.
func (r *Router) cmdSessions(ctx context.Context, a platform.Adapter, msg platform.InboundMessage) {
	live := map[string]string{} // name -> host list
	for _, h := range r.cfg.SSHHosts {
		names, err := r.exec.ListSessions(ctx, h)
		if err != nil {
			continue
		}
		for _, n := range names {
			if r.isInfraSession(n) {
				continue
			}
			if prev, ok := live[n]; ok {
				live[n] = prev + ", " + h
			} else {
				live[n] = h
			}
		}
	}

	threaded := map[string]bool{}
	sessions, err := r.registry.List(registry.Filter{})
	if err == nil {
		for _, s := range sessions {
			if bs, err := r.store.BindingsFor(s.Name); err == nil {
				for _, b := range bs {
					if !b.Archived {
						threaded[s.Name] = true
					}
				}
			}
		}
	}

	names := make(map[string]bool, len(live)+len(threaded))
	for n := range live {
		names[n] = true
	}
	for n := range threaded {
		names[n] = true
	}
	if len(names) == 0 {
		r.reply(ctx, a, msg, "No sessions found.")
		return
	}

	ordered := make([]string, 0, len(names))
	for n := range names {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	lines := []string{"```"}
	for _, n := range ordered {
		host, hasTmux := live[n]
		if !hasTmux {
			host = "---"
		}
		sync := "orphan thread"
		switch {
		case hasTmux && threaded[n]:
			sync = "synced"
		case hasTmux:
			sync = "no thread"
		}
		lines = append(lines, fmt.Sprintf("  %-20s %-24s %s", n, host, sync))
	}
	lines = append(lines, "```")
	r.reply(ctx, a, msg, strings.Join(lines, "\n"))
}

func (r *Router) isInfraSession(name string) bool {
	for _, infra := range r.cfg.InfraSessions {
		if name == infra {
			return true
		}
	}
	return false
}

// reply answers in the thread when the message came from one, else in the
// channel the command was typed in.
func (r *Router) reply(ctx context.Context, a platform.Adapter, msg platform.InboundMessage, text string) {
	target := msg.ThreadRef
	if target == "" {
		target = msg.ChannelID
	}
	if err := a.Post(ctx, target, text, true); err != nil {
		log.Printf("router: reply on %s: %v", a.Name(), err)
	}
}
