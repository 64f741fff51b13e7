package call

import (
	"fmt"
	"sync"
	"time"
)

// diagLog is the bounded diagnostic ring. Intermediate negotiation
// failures land here instead of propagating; only resource-acquisition
// failures and exhausted-retry terminal states ever reach the caller.
type diagLog struct {
	mu      sync.Mutex
	entries []string
	next    int
	full    bool
}

func newDiagLog(capacity int) *diagLog {
	return &diagLog{entries: make([]string, capacity)}
}

func (d *diagLog) Add(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[d.next] = time.Now().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	d.next = (d.next + 1) % len(d.entries)
	if d.next == 0 {
		d.full = true
	}
}

// Snapshot returns the recorded entries, oldest first.
func (d *diagLog) Snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	if d.full {
		out = append(out, d.entries[d.next:]...)
	}
	out = append(out, d.entries[:d.next]...)
	return out
}
