package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// AuditTimeFormat is the timestamp layout prefixed to every audit line.
const AuditTimeFormat = "2006-01-02 15:04:05.000000"

// AuditLog is a bounded ring of human-readable audit lines. When full the
// oldest line is overwritten.
type AuditLog struct {
	mu    sync.Mutex
	lines []string
	start int
	count int
}

// NewAuditLog returns a ring holding at most capacity lines.
func NewAuditLog(capacity int) *AuditLog {
	if capacity < 1 {
		capacity = 1
	}
	return &AuditLog{lines: make([]string, capacity)}
}

// Add appends a formatted line stamped with at.
func (a *AuditLog) Add(at time.Time, format string, args ...interface{}) string {
	line := fmt.Sprintf("[%s] %s", at.Format(AuditTimeFormat), fmt.Sprintf(format, args...))

	a.mu.Lock()
	defer a.mu.Unlock()
	idx := (a.start + a.count) % len(a.lines)
	a.lines[idx] = line
	if a.count < len(a.lines) {
		a.count++
	} else {
		a.start = (a.start + 1) % len(a.lines)
	}
	return line
}

// Lines returns the held lines, oldest first.
func (a *AuditLog) Lines() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, a.count)
	for i := 0; i < a.count; i++ {
		out[i] = a.lines[(a.start+i)%len(a.lines)]
	}
	return out
}

// Len returns the number of held lines.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Cap returns the ring capacity.
func (a *AuditLog) Cap() int { return len(a.lines) }
