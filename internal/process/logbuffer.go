package process

import (
	"sync"
	"time"
)

// DefaultLogCapacity is the number of output lines kept per process.
const DefaultLogCapacity = 500

// LogEntry is one captured output line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Process   string    `json:"process"`
	Message   string    `json:"message"`
}

// LogBuffer is a fixed-capacity ring of log entries; once full, each Add
// evicts the oldest entry.
type LogBuffer struct {
	mu    sync.Mutex
	buf   []LogEntry
	start int
	count int
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{buf: make([]LogEntry, capacity)}
}

func (b *LogBuffer) Add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.start + b.count) % len(b.buf)
	b.buf[idx] = e
	if b.count < len(b.buf) {
		b.count++
	} else {
		b.start = (b.start + 1) % len(b.buf)
	}
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *LogBuffer) Cap() int { return len(b.buf) }

// LastN returns up to n of the most recent entries with a non-empty message,
// oldest first. n <= 0 or n >= Len returns every such entry.
func (b *LogBuffer) LastN(n int) []LogEntry {
	b.mu.Lock()
	out := make([]LogEntry, 0, b.count)
	for i := 0; i < b.count; i++ {
		e := b.buf[(b.start+i)%len(b.buf)]
		if e.Message == "" {
			continue
		}
		out = append(out, e)
	}
	b.mu.Unlock()
	if n > 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	return out
}
