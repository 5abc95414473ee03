package cluster

import (
	"io"
	"strings"
	"testing"
	"time"

	"radssh/internal/console"
)

func TestCheckLimits(t *testing.T) {
	q := console.NewQueue(10)
	buf := console.NewStreamBuffer(q, console.Tag{Label: "h"}, 16, console.WithPreSplit())
	abort := &AbortFlag{}

	if status := checkLimits(Quota{}, 0, buf, abort); status != "" {
		t.Errorf("no limits, got %q", status)
	}

	// Byte quota: at most one block over the limit before termination.
	buf.Push([]byte(strings.Repeat("x", 101) + "\n"))
	status := checkLimits(Quota{ByteLimit: 100}, 0, buf, abort)
	if status != "*** Byte Limit (100) Reached ***" {
		t.Errorf("byte limit status = %q", status)
	}

	// Line quota.
	for i := 0; i < 12; i++ {
		buf.Push([]byte("line\n"))
	}
	buf.Push(nil)
	status = checkLimits(Quota{LineLimit: 10}, 0, buf, abort)
	if status != "*** Line Limit (10) Reached ***" {
		t.Errorf("line limit status = %q", status)
	}

	// Idle-time quota.
	status = checkLimits(Quota{TimeLimit: 3}, 4*time.Second, buf, abort)
	if status != "*** Time Limit (3) Reached ***" {
		t.Errorf("time limit status = %q", status)
	}

	// Operator abort wins when no quota fires.
	abort.Set()
	status = checkLimits(Quota{}, 0, buf, abort)
	if status != StatusAborted {
		t.Errorf("abort status = %q", status)
	}
}

func TestPumpDeliversAndCloses(t *testing.T) {
	pr, pw := io.Pipe()
	ch := make(chan []byte, 8)
	go pump(pr, ch)

	go func() {
		pw.Write([]byte("chunk-one"))
		pw.Write([]byte("chunk-two"))
		pw.Close()
	}()

	var got []byte
	for data := range ch {
		got = append(got, data...)
	}
	if string(got) != "chunk-onechunk-two" {
		t.Errorf("pumped %q", got)
	}
}

func TestPersistentShellRecvTimeout(t *testing.T) {
	shell := &persistentShell{output: make(chan []byte, 4)}
	if _, ok := shell.recv(50 * time.Millisecond); ok {
		t.Error("recv reported data on an idle shell")
	}
	shell.output <- []byte("prompt> ")
	data, ok := shell.recv(50 * time.Millisecond)
	if !ok || string(data) != "prompt> " {
		t.Errorf("recv = %q, %v", data, ok)
	}
	// drain discards buffered output without blocking.
	shell.output <- []byte("a")
	shell.output <- []byte("b")
	shell.drain()
	if _, ok := shell.recv(10 * time.Millisecond); ok {
		t.Error("drain left buffered output")
	}
	// A closed stream reads as (nil, true).
	close(shell.output)
	data, ok = shell.recv(10 * time.Millisecond)
	if !ok || data != nil {
		t.Errorf("closed stream recv = %q, %v", data, ok)
	}
}
