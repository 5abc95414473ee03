package cluster

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"radssh/internal/console"
)

// Session status strings. A session always completes with one of
// these; partial output is preserved alongside.
const (
	StatusComplete           = "*** Complete ***"
	StatusSkipped            = "*** Skipped ***"
	StatusReturnedToPrompt   = "*** Returned To Prompt ***"
	StatusPresumedComplete   = "*** Presumed Complete ***"
	StatusServerNotResponding = "*** Server Not Responding ***"
	StatusAborted            = "*** <Ctrl-C> Abort ***"
)

// session loop timing: the poll tick, the quiet threshold that starts
// keepalive probing, and the persistent-shell silence threshold that
// presumes completion.
const (
	tickInterval      = 400 * time.Millisecond
	keepAliveAfter    = 5 * time.Second
	presumedCompleteAfter = 30 * time.Second
)

// CommandResult is the outcome of one command on one transport.
// ReturnCode is nil for skipped, interrupted, and persistent-shell
// terminations that never produced an exit status.
type CommandResult struct {
	Command    string
	ReturnCode *int
	Status     string
	Stdout     []byte
	Stderr     []byte
}

func (r CommandResult) String() string {
	rc := "-"
	if r.ReturnCode != nil {
		rc = fmt.Sprintf("%d", *r.ReturnCode)
	}
	return fmt.Sprintf("%s %q : [%s]", r.Status, r.Command, rc)
}

// AbortFlag is the operator-interrupt signal checked by every running
// session at each tick.
type AbortFlag struct {
	flag atomic.Bool
}

// Set raises the abort signal.
func (a *AbortFlag) Set() { a.flag.Store(true) }

// Clear lowers the abort signal for the next run.
func (a *AbortFlag) Clear() { a.flag.Store(false) }

// IsSet reports whether an abort is pending.
func (a *AbortFlag) IsSet() bool { return a.flag.Load() }

func intPtr(n int) *int { return &n }

// runSession executes one command on one transport, streaming stdout
// and stderr through StreamBuffers onto q (which may be nil for
// buffered-only capture). It drives either a one-shot exec channel or
// the transport's persistent interactive shell, enforcing quota,
// keepalive, and abort semantics on a 400ms tick.
func runSession(c *Connection, command string, quota Quota, q *console.Queue, abort *AbortFlag) CommandResult {
	if c == nil || !c.IsAuthenticated() {
		return CommandResult{Command: command, Status: StatusSkipped}
	}
	stdout := console.NewStreamBuffer(q, console.Tag{Label: c.label}, 2048)
	stderr := console.NewStreamBuffer(q, console.Tag{Label: c.label, Stderr: true}, 2048)

	c.mu.Lock()
	client := c.client
	shell := c.shell
	c.mu.Unlock()

	var result CommandResult
	if shell != nil {
		result = runShellSession(c, client, shell, command, quota, stdout, abort)
	} else {
		result = runExecSession(c, client, command, quota, stdout, stderr, abort)
	}

	stdout.Close()
	if n := stdout.Discards(); n > 0 {
		result.Status += fmt.Sprintf(" (%d output lines discarded)", n)
	}
	stderr.Close()
	result.Command = command
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	return result
}

// runExecSession opens a fresh session channel and execs the command,
// reading both streams until EOF plus exit status.
func runExecSession(c *Connection, client *ssh.Client, command string, quota Quota,
	stdout, stderr *console.StreamBuffer, abort *AbortFlag) CommandResult {

	sess, err := client.NewSession()
	if err != nil {
		c.markLost(err)
		return CommandResult{Status: StatusServerNotResponding}
	}
	defer sess.Close()

	outPipe, err := sess.StdoutPipe()
	if err != nil {
		return CommandResult{Status: StatusServerNotResponding}
	}
	errPipe, err := sess.StderrPipe()
	if err != nil {
		return CommandResult{Status: StatusServerNotResponding}
	}
	if err := sess.Start(command); err != nil {
		c.markLost(err)
		return CommandResult{Status: StatusServerNotResponding}
	}

	outCh := make(chan []byte, 16)
	errCh := make(chan []byte, 16)
	go pump(outPipe, outCh)
	go pump(errPipe, errCh)
	waitCh := make(chan error, 1)
	go func() { waitCh <- sess.Wait() }()

	ka := newKeepAlive(c.label, client.Conn, 5)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var quiet time.Duration
	var exitErr error
	stdoutEOF, stderrEOF, exited := false, false, false
	for {
		select {
		case data, open := <-outCh:
			if !open {
				stdoutEOF = true
				outCh = nil
				continue
			}
			quiet = 0
			stdout.Push(data)
		case data, open := <-errCh:
			if !open {
				stderrEOF = true
				errCh = nil
				continue
			}
			stderr.Push(data)
		case exitErr = <-waitCh:
			exited = true
			waitCh = nil
		case <-ticker.C:
			stdout.Push(nil)
			quiet += tickInterval
			if quiet > keepAliveAfter {
				if _, err := ka.ping(); err != nil {
					c.markLost(err)
					return CommandResult{Status: StatusServerNotResponding}
				}
			}
		}
		if stdoutEOF && stderrEOF && exited {
			rc := 0
			if exitErr != nil {
				if ee, ok := exitErr.(*ssh.ExitError); ok {
					rc = ee.ExitStatus()
				} else {
					return CommandResult{Status: StatusServerNotResponding}
				}
			}
			return CommandResult{Status: StatusComplete, ReturnCode: intPtr(rc)}
		}
		if status := checkLimits(quota, quiet, stdout, abort); status != "" {
			return CommandResult{Status: status}
		}
	}
}

// runShellSession drives the transport's persistent interactive shell:
// discover the prompt, send the command, and read until the prompt
// returns, silence presumes completion, or a limit fires.
func runShellSession(c *Connection, client *ssh.Client, shell *persistentShell,
	command string, quota Quota, stdout *console.StreamBuffer, abort *AbortFlag) CommandResult {

	shell.drain()
	shell.send("\n\n\n\n\n")
	time.Sleep(500 * time.Millisecond)

	// Read back the queued prompt lines; the last non-blank one is the
	// sentinel that marks command completion.
	prompt := ""
	var banner []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		data, ok := shell.recv(deadline.Sub(time.Now()))
		if !ok || data == nil {
			break
		}
		banner = append(banner, data...)
	}
	for _, line := range strings.Split(string(banner), "\n") {
		if s := strings.TrimSpace(line); s != "" {
			prompt = s
		}
	}
	if prompt != "" {
		stdout.PushString(fmt.Sprintf("\n=== Start of Exec: Prompt is [%s] ===\n\n", prompt))
	} else {
		stdout.PushString(fmt.Sprintf("\n=== Start of Exec: Failed to read prompt [%s] ===\n\n", banner))
	}
	shell.send(command + "\n")

	ka := newKeepAlive(c.label, client.Conn, 5)
	var quiet time.Duration
	for {
		data, ok := shell.recv(tickInterval)
		if ok && data == nil {
			// Stream ended under us: the shell (and transport) is gone.
			c.markLost(io.EOF)
			return CommandResult{Status: StatusServerNotResponding}
		}
		if ok {
			quiet = 0
			stdout.Push(data)
			if prompt != "" && strings.Contains(string(data), prompt) {
				return CommandResult{Status: StatusReturnedToPrompt, ReturnCode: intPtr(0)}
			}
			if strings.HasSuffix(strings.TrimSpace(string(data)), "--More--") {
				shell.send(" ")
			}
		} else {
			stdout.Push(nil)
			quiet += tickInterval
			if quiet > keepAliveAfter {
				if _, err := ka.ping(); err != nil {
					c.markLost(err)
					return CommandResult{Status: StatusServerNotResponding}
				}
			}
			if quiet > presumedCompleteAfter {
				return CommandResult{Status: StatusPresumedComplete, ReturnCode: intPtr(0)}
			}
		}
		if status := checkLimits(quota, quiet, stdout, abort); status != "" {
			rc := intPtr(0)
			if status == StatusAborted {
				rc = nil
			}
			return CommandResult{Status: status, ReturnCode: rc}
		}
	}
}

// checkLimits applies quota bounds and the abort flag, returning the
// terminating status string or "".
func checkLimits(quota Quota, quiet time.Duration, stdout *console.StreamBuffer, abort *AbortFlag) string {
	if quota.TimeExceeded(quiet) {
		return fmt.Sprintf("*** Time Limit (%d) Reached ***", quota.TimeLimit)
	}
	if quota.BytesExceeded(stdout.Len()) {
		return fmt.Sprintf("*** Byte Limit (%d) Reached ***", quota.ByteLimit)
	}
	if quota.LinesExceeded(stdout.LineCount()) {
		return fmt.Sprintf("*** Line Limit (%d) Reached ***", quota.LineLimit)
	}
	if abort != nil && abort.IsSet() {
		return StatusAborted
	}
	return ""
}
