package console

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Formatter turns one tagged message into printable output lines.
type Formatter func(tag Tag, text string) []string

// Monochrome renders "[label] line" with no escape sequences.
func Monochrome(tag Tag, text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		out = append(out, fmt.Sprintf("[%s] %s\n", tag.Label, line))
	}
	return out
}

// Colorized renders ANSI-colored output. The palette index is a stable
// hash of the label over a 7-color palette; stderr labels are shown in
// reverse video.
func Colorized(tag Tag, text string) []string {
	h := fnv.New32a()
	io.WriteString(h, tag.Label)
	color := 1 + h.Sum32()%7
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if tag.Stderr {
			out = append(out, fmt.Sprintf("\x1b[30;4%dm[%s]\x1b[0;1;3%dm %s\x1b[0m\n", color, tag.Label, color, line))
		} else {
			out = append(out, fmt.Sprintf("\x1b[3%dm[%s] %s\x1b[0m\n", color, tag.Label, line))
		}
	}
	return out
}

// Console is the single consumer of the tagged line queue. One mutex
// serializes formatted output, interactive prompts, progress and status
// writes so they can never interleave mid-line.
type Console struct {
	q         *Queue
	formatter Formatter
	out       io.Writer
	in        *os.File

	mu        sync.Mutex // the console mutex: terminal writes and prompts
	stateMu   sync.Mutex
	quietMode bool

	retainRecent int
	histMu       sync.Mutex
	recent       map[string][]string
}

// New starts a console consumer over q. retainRecent bounds the per-tag
// replay history; zero disables replay.
func New(q *Queue, formatter Formatter, retainRecent int) *Console {
	if formatter == nil {
		formatter = Colorized
	}
	c := &Console{
		q:            q,
		formatter:    formatter,
		out:          os.Stdout,
		in:           os.Stdin,
		retainRecent: retainRecent,
		recent:       make(map[string][]string),
	}
	go c.consume()
	return c
}

// SetOutput redirects console output, primarily for tests.
func (c *Console) SetOutput(w io.Writer) {
	c.mu.Lock()
	c.out = w
	c.mu.Unlock()
}

// consume pulls messages off the queue, formats, prints, and records
// replay history.
func (c *Console) consume() {
	for m := range c.q.ch {
		if !c.isQuiet() {
			c.mu.Lock()
			for _, line := range c.formatter(m.Tag, m.Text) {
				io.WriteString(c.out, line)
				if c.retainRecent > 0 {
					c.remember(m.Tag.Label, line)
				}
			}
			c.mu.Unlock()
		}
		c.q.markDone()
	}
}

func (c *Console) remember(label, line string) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	hist := append(c.recent[label], line)
	if len(hist) > c.retainRecent {
		hist = hist[len(hist)-c.retainRecent:]
	}
	c.recent[label] = hist
}

func (c *Console) isQuiet() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.quietMode
}

// Quiet sets (or clears) quiet mode after draining the queue, returning
// the prior setting.
func (c *Console) Quiet(enable bool) bool {
	c.q.Join()
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	prior := c.quietMode
	c.quietMode = enable
	return prior
}

// Message posts text to the queue under the given label, blocking if
// the queue is full. Use for console-originated notices.
func (c *Console) Message(text, label string) {
	c.q.Put(Message{Tag: Tag{Label: label, Stderr: true}, Text: text})
}

// Status writes the message into the terminal title bar (xterm OSC-2).
func (c *Console) Status(message string) {
	if c.isQuiet() {
		return
	}
	c.mu.Lock()
	fmt.Fprintf(c.out, "\x1b]2;%s\x07", message)
	c.mu.Unlock()
}

// Progress writes s without a trailing newline, for progress-bar style
// output.
func (c *Console) Progress(s string) {
	if c.isQuiet() {
		return
	}
	c.mu.Lock()
	io.WriteString(c.out, s)
	c.mu.Unlock()
}

// ReplayRecent dumps the retained recent lines for label under a
// "STALLED: " prefix. Used by the interrupt handler to show what a
// stalled host was last doing.
func (c *Console) ReplayRecent(label string) {
	if c.retainRecent == 0 {
		return
	}
	c.Join(false)
	c.histMu.Lock()
	lines := append([]string(nil), c.recent[label]...)
	c.histMu.Unlock()
	c.mu.Lock()
	for _, line := range lines {
		io.WriteString(c.out, "STALLED: "+line)
	}
	c.mu.Unlock()
}

// Join waits for the queue to drain. With clearHistory it also empties
// the replay deques.
func (c *Console) Join(clearHistory bool) {
	c.q.Join()
	if clearHistory {
		c.histMu.Lock()
		c.recent = make(map[string][]string)
		c.histMu.Unlock()
	}
}

// UserInput prompts on the terminal and reads one line, holding the
// console mutex so output cannot interleave with the prompt.
func (c *Console) UserInput(prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, prompt)
	var line strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := c.in.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line.WriteByte(buf[0])
		}
		if err != nil {
			if err == io.EOF && line.Len() > 0 {
				break
			}
			return line.String(), err
		}
	}
	return strings.TrimRight(line.String(), "\r"), nil
}

// UserPassword prompts for a password with echo disabled.
func (c *Console) UserPassword(prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, prompt)
	defer io.WriteString(c.out, "\n")
	fd := int(c.in.Fd())
	if !term.IsTerminal(fd) {
		// Not a TTY (tests, piped input): fall back to a plain read.
		var line strings.Builder
		buf := make([]byte, 1)
		for {
			n, err := c.in.Read(buf)
			if n > 0 {
				if buf[0] == '\n' {
					break
				}
				line.WriteByte(buf[0])
			}
			if err != nil {
				break
			}
		}
		return strings.TrimRight(line.String(), "\r"), nil
	}
	pw, err := term.ReadPassword(fd)
	return string(pw), err
}
