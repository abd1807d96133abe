package platform

import (
	"context"
	"sync"
	"testing"
	"unicode/utf8"
)

func TestThreadNameRoundTrip(t *testing.T) {
	if got := ThreadName("fix-auth"); got != "[agent] fix-auth" {
		t.Errorf("ThreadName = %q", got)
	}
	if got := SessionFromThreadName("[agent] fix-auth"); got != "fix-auth" {
		t.Errorf("SessionFromThreadName = %q", got)
	}
}

func TestSessionFromThreadNameStrict(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"[agent] s1", "s1"},
		{"[Agent] s1", ""},     // case sensitive
		{"[agent]  s1", " s1"}, // everything after the single space is verbatim
		{"[agent]s1", ""},      // space required
		{"random thread", ""},
	}
	for _, tt := range tests {
		if got := SessionFromThreadName(tt.in); got != tt.want {
			t.Errorf("SessionFromThreadName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("short content must pass through, got %q", got)
	}

	long := ""
	for i := 0; i < 300; i++ {
		long += "x"
	}
	got := Truncate(long, 100)
	if len(got) > 100 {
		t.Errorf("truncated length = %d, exceeds ceiling", len(got))
	}
	if got[len(got)-3:] != "…" {
		t.Errorf("truncation must end with an ellipsis, got %q", got[len(got)-5:])
	}
}

func TestTruncatePreservesUTF8(t *testing.T) {
	// Multi-byte runes straddling the cut must not be split.
	long := ""
	for i := 0; i < 100; i++ {
		long += "héllo wörld "
	}
	for ceiling := 20; ceiling < 40; ceiling++ {
		got := Truncate(long, ceiling)
		if !utf8.ValidString(got) {
			t.Fatalf("ceiling %d produced invalid UTF-8: %q", ceiling, got)
		}
		if len(got) > ceiling {
			t.Fatalf("ceiling %d exceeded: %d bytes", ceiling, len(got))
		}
	}
}

func TestNameLocksSerialise(t *testing.T) {
	locks := NewNameLocks()
	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("same-name")
			defer unlock()
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()
			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxInCritical != 1 {
		t.Errorf("critical section saw %d concurrent holders", maxInCritical)
	}
}

func TestEnsureThreadConcurrentSingleCreate(t *testing.T) {
	m := NewMockAdapter("discord")
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	locks := NewNameLocks()

	var wg sync.WaitGroup
	refs := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := locks.Lock("discord:s1")
			defer unlock()
			ref, err := m.EnsureThread(context.Background(), "s1", "")
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	if m.EnsureCreates() != 1 {
		t.Errorf("threads created = %d, want exactly 1", m.EnsureCreates())
	}
	for _, r := range refs {
		if r != refs[0] {
			t.Errorf("divergent thread refs: %v", refs)
		}
	}
}
