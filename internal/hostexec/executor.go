package hostexec

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jiunbae/aily/internal/relay"
)

const (
	// DefaultOpTimeout bounds every remote command.
	DefaultOpTimeout = 8 * time.Second
	// queueDepth bounds the per-host command queue.
	queueDepth = 8
	// healthInterval is the keepalive cadence per host.
	healthInterval = time.Minute
	// backoffBase/backoffCap shape the unreachable retry curve.
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// SubmitDelay separates the payload keystrokes from the submit keystroke.
// Sending both in one batch is read as a soft newline by some agent
// front-ends.
const SubmitDelay = 300 * time.Millisecond

// hostState tracks reachability and backoff for one host.
type hostState struct {
	queue       chan *task
	unreachable bool
	nextProbe   time.Time
	backoff     time.Duration
}

type task struct {
	ctx  context.Context
	cmd  string
	done chan taskResult
}

type taskResult struct {
	rc  int
	out string
	err error
}

// Executor owns the SSH control channels. One worker per host drains a
// bounded queue so bursts cannot pile up unbounded in-flight commands.
type Executor struct {
	runner    Runner
	opTimeout time.Duration

	mu    sync.Mutex
	hosts map[string]*hostState

	// sleep is swapped in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Opts holds parameters for creating an Executor.
type Opts struct {
	Runner    Runner        // defaults to &SSHRunner{}
	OpTimeout time.Duration // defaults to DefaultOpTimeout
}

// New creates an Executor. Call Close to stop the per-host workers.
func New(opts Opts) *Executor {
	r := opts.Runner
	if r == nil {
		r = &SSHRunner{}
	}
	to := opts.OpTimeout
	if to <= 0 {
		to = DefaultOpTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		runner:    r,
		opTimeout: to,
		hosts:     make(map[string]*hostState),
		sleep:     sleepCtx,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops all host workers and waits for in-flight commands.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// state returns the host's state, starting its worker on first use.
func (e *Executor) state(host string) *hostState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.hosts[host]
	if !ok {
		st = &hostState{queue: make(chan *task, queueDepth)}
		e.hosts[host] = st
		e.wg.Add(1)
		go e.worker(host, st)
	}
	return st
}

// worker drains one host's queue serially; per-host ordering is the
// invariant the two-step inject relies on.
func (e *Executor) worker(host string, st *hostState) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case t := <-st.queue:
			t.done <- e.execute(t.ctx, host, st, t.cmd)
		}
	}
}

// execute runs one command, honouring the host's unreachable backoff.
func (e *Executor) execute(ctx context.Context, host string, st *hostState, cmd string) taskResult {
	e.mu.Lock()
	down := st.unreachable
	probeAt := st.nextProbe
	e.mu.Unlock()

	if down && time.Now().Before(probeAt) {
		return taskResult{err: relay.Errorf(relay.KindUnreachable, "hostexec: %s unreachable", host)}
	}

	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	rc, out, err := e.runner.Run(opCtx, host, cmd)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded || isConnectFailure(err) {
			if !st.unreachable {
				log.Printf("hostexec: %s unreachable: %v", host, err)
			}
			st.unreachable = true
			if st.backoff == 0 {
				st.backoff = backoffBase
			} else if st.backoff < backoffCap {
				st.backoff *= 2
				if st.backoff > backoffCap {
					st.backoff = backoffCap
				}
			}
			st.nextProbe = time.Now().Add(st.backoff)
			return taskResult{err: relay.Wrap(relay.KindUnreachable, err, "hostexec: %s unreachable", host)}
		}
		return taskResult{rc: rc, out: out, err: err}
	}
	if st.unreachable {
		log.Printf("hostexec: %s reachable again", host)
	}
	st.unreachable = false
	st.backoff = 0
	return taskResult{rc: rc, out: out}
}

// isConnectFailure distinguishes transport failure from remote command
// failure. ssh spawn errors and context cancellations land here.
func isConnectFailure(err error) bool {
	if err == context.DeadlineExceeded || err == context.Canceled {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "timed out")
}

// run submits cmd to the host's queue and waits for the result.
func (e *Executor) run(ctx context.Context, host, cmd string) (int, string, error) {
	st := e.state(host)
	t := &task{ctx: ctx, cmd: cmd, done: make(chan taskResult, 1)}
	select {
	case st.queue <- t:
	case <-ctx.Done():
		return 1, "", relay.Wrap(relay.KindCancelled, ctx.Err(), "hostexec: enqueue on %s", host)
	}
	select {
	case res := <-t.done:
		if res.err != nil {
			return res.rc, res.out, res.err
		}
		return res.rc, res.out, nil
	case <-ctx.Done():
		return 1, "", relay.Wrap(relay.KindCancelled, ctx.Err(), "hostexec: await on %s", host)
	}
}

// ListSessions lists live multiplexer sessions on host. An empty host
// returns an empty set, not an error.
func (e *Executor) ListSessions(ctx context.Context, host string) ([]string, error) {
	rc, out, err := e.run(ctx, host, "tmux list-sessions -F '#{session_name}' 2>/dev/null || true")
	if err != nil {
		return nil, err
	}
	if rc != 0 {
		return nil, relay.Errorf(relay.KindProtocolError,
			"hostexec: list-sessions on %s exited %d: %s", host, rc, truncate(out, 120))
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	sort.Strings(names)
	return names, nil
}

// HasSession reports whether the named session exists on host.
func (e *Executor) HasSession(ctx context.Context, host, name string) (bool, error) {
	cmd := fmt.Sprintf("tmux has-session -t %s 2>/dev/null && echo found", shellQuote(name))
	rc, out, err := e.run(ctx, host, cmd)
	if err != nil {
		return false, err
	}
	return rc == 0 && strings.Contains(out, "found"), nil
}

// CreateSession creates a detached session, optionally in workingDir.
func (e *Executor) CreateSession(ctx context.Context, host, name, workingDir string) error {
	exists, err := e.HasSession(ctx, host, name)
	if err != nil {
		return err
	}
	if exists {
		return relay.Errorf(relay.KindDuplicate, "hostexec: session %q already exists on %s", name, host)
	}
	cmd := fmt.Sprintf("tmux new-session -d -s %s", shellQuote(name))
	if workingDir != "" {
		cmd += " -c " + shellQuote(workingDir)
	}
	rc, out, err := e.run(ctx, host, cmd)
	if err != nil {
		return err
	}
	if rc != 0 {
		return relay.Errorf(relay.KindProtocolError,
			"hostexec: create %q on %s exited %d: %s", name, host, rc, truncate(out, 120))
	}
	return nil
}

// KillSession kills the named session.
func (e *Executor) KillSession(ctx context.Context, host, name string) error {
	cmd := fmt.Sprintf("tmux kill-session -t %s", shellQuote(name))
	rc, _, err := e.run(ctx, host, cmd)
	if err != nil {
		return err
	}
	if rc != 0 {
		return relay.Errorf(relay.KindNotFound, "hostexec: session %q not found on %s", name, host)
	}
	return nil
}

// Inject delivers payload to the session as keystrokes. With submit true a
// submit keystroke follows as a second invocation after SubmitDelay;
// combining them in one batch is unreliable with agent front-ends.
func (e *Executor) Inject(ctx context.Context, host, name, payload string, submit bool) error {
	exists, err := e.HasSession(ctx, host, name)
	if err != nil {
		return err
	}
	if !exists {
		return relay.Errorf(relay.KindNotFound, "hostexec: session %q not found on %s", name, host)
	}

	cmd := fmt.Sprintf("tmux send-keys -t %s %s", shellQuote(name), shellQuote(payload))
	rc, out, err := e.run(ctx, host, cmd)
	if err != nil {
		return err
	}
	if rc != 0 {
		return relay.Errorf(relay.KindProtocolError,
			"hostexec: send-keys to %q on %s exited %d: %s", name, host, rc, truncate(out, 120))
	}
	if !submit {
		return nil
	}

	if err := e.sleep(ctx, SubmitDelay); err != nil {
		return relay.Wrap(relay.KindCancelled, err, "hostexec: submit delay for %q", name)
	}
	return e.SendKey(ctx, host, name, KeySubmit)
}

// SendKey sends a single control keystroke, bypassing the two-step rule.
func (e *Executor) SendKey(ctx context.Context, host, name string, key Key) error {
	seq, ok := keySequences[key]
	if !ok {
		return relay.Errorf(relay.KindInvalidArg, "hostexec: unknown key %q", key)
	}
	cmd := fmt.Sprintf("tmux send-keys -t %s %s", shellQuote(name), seq)
	rc, out, err := e.run(ctx, host, cmd)
	if err != nil {
		return err
	}
	if rc != 0 {
		return relay.Errorf(relay.KindProtocolError,
			"hostexec: key %s to %q on %s exited %d: %s", key, name, host, rc, truncate(out, 120))
	}
	return nil
}

// Capture returns the last lines lines of the session pane's scrollback.
// lines <= 0 returns an empty string.
func (e *Executor) Capture(ctx context.Context, host, name string, lines int) (string, error) {
	if lines <= 0 {
		return "", nil
	}
	cmd := fmt.Sprintf("tmux capture-pane -t %s -p -S -%d", shellQuote(name), lines)
	rc, out, err := e.run(ctx, host, cmd)
	if err != nil {
		return "", err
	}
	if rc != 0 {
		return "", relay.Errorf(relay.KindNotFound, "hostexec: session %q not found on %s", name, host)
	}
	return out, nil
}

// WorkingDir returns the active pane's current path for a session.
func (e *Executor) WorkingDir(ctx context.Context, host, name string) (string, error) {
	cmd := fmt.Sprintf("tmux display-message -t %s -p '#{pane_current_path}' 2>/dev/null", shellQuote(name))
	rc, out, err := e.run(ctx, host, cmd)
	if err != nil {
		return "", err
	}
	if rc != 0 || out == "" {
		return "", relay.Errorf(relay.KindNotFound, "hostexec: no working dir for %q on %s", name, host)
	}
	return out, nil
}

// Tail reads the last n lines of a remote file.
func (e *Executor) Tail(ctx context.Context, host, path string, n int) (string, error) {
	cmd := fmt.Sprintf("tail -%d %s", n, shellQuote(path))
	rc, out, err := e.run(ctx, host, cmd)
	if err != nil {
		return "", err
	}
	if rc != 0 {
		return "", relay.Errorf(relay.KindNotFound, "hostexec: tail %s on %s exited %d", path, host, rc)
	}
	return out, nil
}

// NewestMatch returns the newest path matching pattern on host, or "".
func (e *Executor) NewestMatch(ctx context.Context, host, pattern string) (string, error) {
	cmd := fmt.Sprintf("ls -t %s 2>/dev/null | head -1", pattern)
	rc, out, err := e.run(ctx, host, cmd)
	if err != nil {
		return "", err
	}
	if rc != 0 {
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

// HealthLoop probes every known host with a no-op command once a minute
// until ctx is cancelled. Keeps control channels warm and reachability
// state fresh even when traffic is quiet.
func (e *Executor) HealthLoop(ctx context.Context, hosts []string) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, h := range hosts {
				if _, _, err := e.run(ctx, h, "true"); err != nil && relay.KindOf(err) != relay.KindUnreachable {
					log.Printf("hostexec: health probe %s: %v", h, err)
				}
			}
		}
	}
}

// Reachable reports the last observed reachability of host. Hosts never
// contacted count as reachable.
func (e *Executor) Reachable(host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.hosts[host]
	if !ok {
		return true
	}
	return !st.unreachable
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
