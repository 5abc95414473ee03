package console

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

// syncBuffer is a goroutine-safe bytes.Buffer for capturing output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMonochromeFormatter(t *testing.T) {
	lines := Monochrome(Tag{Label: "web1"}, "hello\nworld")
	want := []string{"[web1] hello\n", "[web1] world\n"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestColorizedFormatter(t *testing.T) {
	out := Colorized(Tag{Label: "web1"}, "hello")
	if len(out) != 1 {
		t.Fatalf("got %d lines, want 1", len(out))
	}
	if !strings.HasPrefix(out[0], "\x1b[3") || !strings.HasSuffix(out[0], "\x1b[0m\n") {
		t.Errorf("stdout line not wrapped in color escapes: %q", out[0])
	}
	// Stable palette: same label always maps to the same color.
	again := Colorized(Tag{Label: "web1"}, "other")
	if out[0][:5] != again[0][:5] {
		t.Errorf("palette not stable for a label: %q vs %q", out[0], again[0])
	}
	errLine := Colorized(Tag{Label: "web1", Stderr: true}, "oops")[0]
	if !strings.Contains(errLine, "\x1b[30;4") {
		t.Errorf("stderr line lacks reverse-video prefix: %q", errLine)
	}
}

func TestConsoleDrainAndJoin(t *testing.T) {
	q := NewQueue(50)
	c := New(q, Monochrome, 0)
	var out syncBuffer
	c.SetOutput(&out)

	for i := 0; i < 20; i++ {
		q.Put(Message{Tag: Tag{Label: "loop"}, Text: "x"})
	}
	c.Join(false)
	if got := strings.Count(out.String(), "[loop] x\n"); got != 20 {
		t.Errorf("consumer printed %d lines, want 20", got)
	}
}

func TestReplayRecentIsBounded(t *testing.T) {
	q := NewQueue(50)
	c := New(q, Monochrome, 3)
	var out syncBuffer
	c.SetOutput(&out)

	for i := 0; i < 10; i++ {
		q.Put(Message{Tag: Tag{Label: "slow"}, Text: "tick"})
	}
	c.Join(false)
	out.mu.Lock()
	out.buf.Reset()
	out.mu.Unlock()

	c.ReplayRecent("slow")
	replayed := out.String()
	if got := strings.Count(replayed, "STALLED: "); got != 3 {
		t.Errorf("replayed %d lines, want the 3 retained", got)
	}

	// Join with clearHistory empties the deque.
	c.Join(true)
	out.mu.Lock()
	out.buf.Reset()
	out.mu.Unlock()
	c.ReplayRecent("slow")
	if out.String() != "" {
		t.Errorf("expected no replay after history clear, got %q", out.String())
	}
}

func TestQuietModeSuppressesOutput(t *testing.T) {
	q := NewQueue(10)
	c := New(q, Monochrome, 0)
	var out syncBuffer
	c.SetOutput(&out)

	if prior := c.Quiet(true); prior {
		t.Error("expected quiet mode initially off")
	}
	q.Put(Message{Tag: Tag{Label: "h"}, Text: "silent"})
	c.Join(false)
	c.Status("ignored")
	c.Progress("ignored")
	if out.String() != "" {
		t.Errorf("quiet console produced output: %q", out.String())
	}

	if prior := c.Quiet(false); !prior {
		t.Error("expected quiet mode to have been on")
	}
	q.Put(Message{Tag: Tag{Label: "h"}, Text: "loud"})
	c.Join(false)
	if !strings.Contains(out.String(), "[h] loud") {
		t.Errorf("expected output after quiet cleared, got %q", out.String())
	}
}
