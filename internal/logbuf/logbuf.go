// Package logbuf keeps the most recent log lines in memory for the API.
package logbuf

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultCapacity = 200

// Buffer is a logrus hook holding the last N formatted entries in a ring.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	level logrus.Level
}

// New returns a buffer with room for capacity lines recording entries at or
// above level.
func New(capacity int, level logrus.Level) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{lines: make([]string, capacity), level: level}
}

func (b *Buffer) Levels() []logrus.Level {
	var out []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= b.level {
			out = append(out, l)
		}
	}
	return out
}

func (b *Buffer) Fire(entry *logrus.Entry) error {
	line := format(entry)
	b.mu.Lock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return nil
}

// Lines returns the buffered lines, newest first.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.next
	if b.full {
		n = len(b.lines)
	}
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		idx := (b.next - i + len(b.lines)) % len(b.lines)
		out = append(out, b.lines[idx])
	}
	return out
}

func format(entry *logrus.Entry) string {
	var sb strings.Builder
	sb.WriteString(entry.Time.Format(time.RFC3339))
	sb.WriteString(" [")
	sb.WriteString(strings.ToUpper(entry.Level.String()))
	sb.WriteString("] ")
	sb.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry.Data[k])
	}
	return sb.String()
}

var _ logrus.Hook = (*Buffer)(nil)
