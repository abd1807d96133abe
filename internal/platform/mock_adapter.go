package platform

import (
	"context"
	"fmt"
	"sync"
)

// SentPost records one Post call on the MockAdapter.
type SentPost struct {
	ThreadRef string
	Text      string
	Raw       bool
}

// MockAdapter implements Adapter for tests. It records posts and thread
// lifecycle calls and lets tests simulate inbound messages.
type MockAdapter struct {
	PlatformName string

	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan InboundMessage
	posts         []SentPost
	threads       map[string]string // session name -> thread ref
	archived      map[string]bool
	deleted       map[string]bool
	histories     map[string][]ThreadMessage
	threadCounter int
	ensureCreates int

	// FailPost, when set, makes the next Post call return this error; it is
	// then cleared.
	FailPost error
}

// NewMockAdapter creates a MockAdapter named platformName.
func NewMockAdapter(platformName string) *MockAdapter {
	return &MockAdapter{
		PlatformName: platformName,
		inbound:      make(chan InboundMessage, 100),
		threads:      make(map[string]string),
		archived:     make(map[string]bool),
		deleted:      make(map[string]bool),
		histories:    make(map[string][]ThreadMessage),
	}
}

func (m *MockAdapter) Name() string { return m.PlatformName }

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

func (m *MockAdapter) Inbound() <-chan InboundMessage { return m.inbound }

// SimulateInbound delivers a message as if a user typed it on the platform.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	msg.Platform = m.PlatformName
	m.inbound <- msg
}

func (m *MockAdapter) EnsureThread(ctx context.Context, sessionName, starterText string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("mock adapter: not connected")
	}
	if ref, ok := m.threads[sessionName]; ok {
		m.archived[ref] = false
		return ref, nil
	}
	m.threadCounter++
	m.ensureCreates++
	ref := fmt.Sprintf("%s-thread-%d", m.PlatformName, m.threadCounter)
	m.threads[sessionName] = ref
	return ref, nil
}

func (m *MockAdapter) Post(ctx context.Context, threadRef, text string, raw bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.FailPost != nil {
		err := m.FailPost
		m.FailPost = nil
		return err
	}
	m.posts = append(m.posts, SentPost{ThreadRef: threadRef, Text: text, Raw: raw})
	return nil
}

func (m *MockAdapter) Archive(ctx context.Context, threadRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived[threadRef] = true
	return nil
}

func (m *MockAdapter) Delete(ctx context.Context, threadRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[threadRef] = true
	return nil
}

func (m *MockAdapter) ThreadSession(ctx context.Context, threadRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ref := range m.threads {
		if ref == threadRef {
			return name, nil
		}
	}
	return "", nil
}

func (m *MockAdapter) History(ctx context.Context, threadRef, afterID string, limit int) ([]ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.histories[threadRef]
	if afterID != "" {
		for i, tm := range msgs {
			if tm.ExternalID == afterID {
				msgs = msgs[i+1:]
				break
			}
		}
	}
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// --- test inspection helpers ---

// Posts returns a copy of everything posted so far.
func (m *MockAdapter) Posts() []SentPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentPost, len(m.posts))
	copy(out, m.posts)
	return out
}

// ThreadFor returns the thread ref bound to a session name, or "".
func (m *MockAdapter) ThreadFor(sessionName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[sessionName]
}

// IsArchived reports whether Archive was called for threadRef.
func (m *MockAdapter) IsArchived(threadRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archived[threadRef]
}

// IsDeleted reports whether Delete was called for threadRef.
func (m *MockAdapter) IsDeleted(threadRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[threadRef]
}

// EnsureCreates returns how many threads EnsureThread actually created.
func (m *MockAdapter) EnsureCreates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureCreates
}

// SetHistory seeds thread history for History reads.
func (m *MockAdapter) SetHistory(threadRef string, msgs []ThreadMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[threadRef] = msgs
}
