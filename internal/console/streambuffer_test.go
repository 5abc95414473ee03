package console

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestLineIntegrity(t *testing.T) {
	b := NewStreamBuffer(nil, Tag{Label: "host1"}, 16)
	pushes := [][]byte{
		[]byte("one\ntwo"),
		[]byte("\nthr"),
		[]byte("ee\nfour\n"),
	}
	var want bytes.Buffer
	for _, p := range pushes {
		if err := b.Push(p); err != nil {
			t.Fatalf("push: %v", err)
		}
		want.Write(p)
	}
	got, err := b.Pull(0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("pull(0) = %q, want %q", got, want.Bytes())
	}

	// Rewind allows a full re-read.
	if err := b.Rewind(0); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	got, _ = b.Pull(0)
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("pull after rewind = %q, want %q", got, want.Bytes())
	}

	if err := b.Rewind(-1); err == nil {
		t.Error("negative rewind accepted")
	}
	if err := b.Rewind(want.Len() + 1); err == nil {
		t.Error("out-of-range rewind accepted")
	}
}

func TestCloseStripsSingleTrailingDelimiter(t *testing.T) {
	b := NewStreamBuffer(nil, Tag{Label: "h"}, 1024)
	b.Push([]byte("alpha\nbeta\n"))
	b.Close()
	got, err := b.Pull(0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if string(got) != "alpha\nbeta" {
		t.Errorf("got %q, want %q", got, "alpha\nbeta")
	}
	// Closed and fully consumed.
	if _, err := b.Pull(0); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("expected ErrBufferClosed, got %v", err)
	}
	if err := b.Push([]byte("more")); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("push after close: expected ErrBufferClosed, got %v", err)
	}
}

func TestPreSplitEmitsPerLine(t *testing.T) {
	q := NewQueue(100)
	b := NewStreamBuffer(q, Tag{Label: "w"}, 4, WithPreSplit())
	b.Push([]byte("aa\nbb\ncc")) // 8 bytes > blocksize 4, flushes
	var got []string
	for q.Len() > 0 {
		m := <-q.ch
		q.markDone()
		got = append(got, m.Text)
	}
	if strings.Join(got, ",") != "aa,bb" {
		t.Errorf("emitted %v, want [aa bb]", got)
	}
	if b.LineCount() != 2 {
		t.Errorf("line count = %d, want 2", b.LineCount())
	}
	// The partial "cc" is held until close.
	b.Close()
	m := <-q.ch
	q.markDone()
	if m.Text != "cc" {
		t.Errorf("final record = %q, want %q", m.Text, "cc")
	}
}

func TestBackPressureAccounting(t *testing.T) {
	q := NewQueue(2) // no consumer: fills after 2 messages
	b := NewStreamBuffer(q, Tag{Label: "w"}, 1, WithPreSplit())
	const lines = 10
	for i := 0; i < lines; i++ {
		b.Push([]byte("xx\n"))
	}
	b.Push(nil) // flush remainder
	emitted := q.Len()
	if b.Discards()+emitted != lines {
		t.Errorf("discards(%d) + emitted(%d) != %d pushed lines", b.Discards(), emitted, lines)
	}
	if b.Discards() == 0 {
		t.Error("expected some discards with queue capacity 2")
	}
}

func TestFlushOrderNotPushOrder(t *testing.T) {
	// Three writers share one queue; emission groups by flush, not by
	// the interleaving of pushes.
	q := NewQueue(100)
	w1 := NewStreamBuffer(q, Tag{Label: "W1"}, 13, WithPreSplit())
	w2 := NewStreamBuffer(q, Tag{Label: "W2"}, 13, WithPreSplit())
	w3 := NewStreamBuffer(q, Tag{Label: "W3"}, 13, WithPreSplit())

	for i := 0; i < 6; i++ {
		w1.Push([]byte("1\n")) // 12 bytes, stays under blocksize
	}
	for i := 0; i < 4; i++ {
		w2.Push([]byte("22\n")) // 12 bytes, stays under blocksize
	}
	for i := 0; i < 3; i++ {
		w3.Push([]byte("333\n")) // 12 bytes, stays under blocksize
	}
	w3.Push([]byte("333\n333\n333\n")) // 24 pending, flushes all six
	w2.Push([]byte("22\n22\n22\n22\n")) // 24 pending, flushes all eight...
	w2.Close()
	for i := 0; i < 6; i++ {
		w1.Push([]byte("1\n"))
	}
	w1.Close()
	w3.Close()

	var order []string
	for q.Len() > 0 {
		m := <-q.ch
		q.markDone()
		order = append(order, m.Tag.Label)
	}
	// All W3 lines precede all W2 lines, which precede all W1 lines,
	// because that is the order the buffers crossed their flush
	// thresholds -- not the order of the first pushes.
	first := map[string]int{}
	last := map[string]int{}
	for i, label := range order {
		if _, ok := first[label]; !ok {
			first[label] = i
		}
		last[label] = i
	}
	if !(last["W3"] < first["W2"] && last["W2"] < first["W1"]) {
		t.Errorf("emission order %v does not group by flush order W3 < W2 < W1", order)
	}
}
