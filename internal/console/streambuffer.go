package console

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrBufferClosed is returned by Push after Close, and by Pull once the
// buffer is closed and fully consumed.
var ErrBufferClosed = errors.New("console: stream buffer closed")

// StreamBuffer accumulates one host's stdout or stderr byte stream and
// posts complete lines of it to a shared console queue. Data is kept
// verbatim in the buffer regardless of queue delivery, so Pull always
// sees a lossless copy; queue delivery is lossy under back-pressure and
// counted in Discards.
//
// Lines are not posted until more than blocksize bytes are pending. An
// empty Push flushes any accumulated full lines; an incomplete last
// line stays buffered until more data or Close arrives.
type StreamBuffer struct {
	mu         sync.Mutex
	queue      *Queue
	tag        Tag
	delimiter  []byte
	blocksize  int
	preSplit   bool
	buf        []byte
	marker     int
	pullMarker int
	lineCount  int
	discards   int
	active     bool
}

// BufferOption adjusts StreamBuffer construction.
type BufferOption func(*StreamBuffer)

// WithDelimiter overrides the record delimiter (default "\n").
func WithDelimiter(d []byte) BufferOption {
	return func(b *StreamBuffer) { b.delimiter = d }
}

// WithPreSplit makes the buffer emit one queue message per line rather
// than a single message per flush.
func WithPreSplit() BufferOption {
	return func(b *StreamBuffer) { b.preSplit = true }
}

// NewStreamBuffer creates a buffer feeding queue with lines tagged tag.
// queue may be nil, in which case the buffer is a plain accumulator
// accessed with Pull.
func NewStreamBuffer(queue *Queue, tag Tag, blocksize int, opts ...BufferOption) *StreamBuffer {
	if blocksize < 1 {
		blocksize = 1024
	}
	b := &StreamBuffer{
		queue:     queue,
		tag:       tag,
		delimiter: []byte("\n"),
		blocksize: blocksize,
		active:    true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Push appends data to the buffer and, when enough is pending, posts
// complete lines to the queue. An empty (or nil) push forces a flush of
// any pending full lines.
func (b *StreamBuffer) Push(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return ErrBufferClosed
	}
	flush := false
	if len(data) > 0 {
		b.buf = append(b.buf, data...)
		if len(b.buf)-b.marker > b.blocksize {
			flush = true
		}
	} else if len(b.buf)-b.marker > 0 {
		flush = true
	}
	if b.queue != nil && flush {
		b.flushLocked()
	}
	return nil
}

// PushString is Push for string data.
func (b *StreamBuffer) PushString(s string) error {
	return b.Push([]byte(s))
}

// flushLocked posts pending complete lines. The trailing partial line,
// if any, is held back.
func (b *StreamBuffer) flushLocked() {
	pending := b.buf[b.marker:]
	if b.preSplit {
		lines := bytes.Split(pending, b.delimiter)
		for _, line := range lines[:len(lines)-1] {
			b.lineCount++
			if !b.queue.TryPut(Message{Tag: b.tag, Text: string(line)}) {
				b.discards++
			}
		}
		b.marker = len(b.buf) - len(lines[len(lines)-1])
		return
	}
	pos := bytes.LastIndex(pending, b.delimiter)
	if pos < 0 {
		return
	}
	chunk := pending[:pos]
	if !b.queue.TryPut(Message{Tag: b.tag, Text: string(chunk)}) {
		b.discards++
	}
	b.lineCount += bytes.Count(chunk, b.delimiter) + 1
	b.marker += pos + len(b.delimiter)
}

// Pull returns up to size accumulated bytes past the pull marker,
// independent of queue delivery. size 0 returns everything pending.
// After Close, Pull drains the remainder and then reports
// ErrBufferClosed.
func (b *StreamBuffer) Pull(size int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active && b.pullMarker == len(b.buf) {
		return nil, ErrBufferClosed
	}
	data := b.buf[b.pullMarker:]
	if size == 0 || b.pullMarker+size >= len(b.buf) {
		b.pullMarker = len(b.buf)
		return data, nil
	}
	b.pullMarker += size
	return data[:size], nil
}

// Rewind moves the pull marker back to position, allowing accumulated
// bytes to be re-read.
func (b *StreamBuffer) Rewind(position int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if position < 0 {
		return errors.New("console: rewind position cannot be negative")
	}
	if position > len(b.buf) {
		return fmt.Errorf("console: rewind position (%d) exceeds length (%d)", position, len(b.buf))
	}
	b.pullMarker = position
	return nil
}

// Close strips a single trailing delimiter, force-flushes everything
// pending (the final partial line is delivered with a blocking put so
// it is never dropped), and marks the buffer inactive. Pending data may
// still be pulled afterwards.
func (b *StreamBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}
	if bytes.HasSuffix(b.buf, b.delimiter) {
		b.buf = b.buf[:len(b.buf)-len(b.delimiter)]
		if b.marker > len(b.buf) {
			b.marker = len(b.buf)
		}
	}
	if b.queue != nil && len(b.buf) > b.marker {
		b.flushLocked()
		if len(b.buf) > b.marker {
			b.queue.Put(Message{Tag: b.tag, Text: string(b.buf[b.marker:])})
			b.lineCount++
		}
	}
	b.marker = len(b.buf)
	b.active = false
}

// Len returns the count of accumulated bytes.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// LineCount returns the number of delimiters crossed through the flush
// marker.
func (b *StreamBuffer) LineCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lineCount
}

// Discards returns the number of queue posts dropped to back-pressure.
func (b *StreamBuffer) Discards() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discards
}

// Bytes returns a copy of the full accumulated buffer.
func (b *StreamBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Lines splits the accumulated buffer on the delimiter.
func (b *StreamBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(string(b.buf), string(b.delimiter))
}

func (b *StreamBuffer) String() string {
	return fmt.Sprintf("<StreamBuffer-%s>", b.tag.Label)
}
