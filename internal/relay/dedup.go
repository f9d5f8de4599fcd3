package relay

import (
	"sync"
	"time"

	"github.com/codexmonitor/relay/internal/identity"
)

// DedupWindow suppresses duplicate chat submissions inside a short time
// window. Chat transports redeliver on poll retries faster than results
// land, so identical (client, workspace, thread, text) submissions within
// the window are collapsed to one execution.
type DedupWindow struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	now     func() time.Time
}

// NewDedupWindow creates a window of the given duration. Zero defaults to
// 30 seconds.
func NewDedupWindow(window time.Duration) *DedupWindow {
	if window == 0 {
		window = 30 * time.Second
	}
	return &DedupWindow{
		entries: make(map[string]time.Time),
		window:  window,
		now:     time.Now,
	}
}

// Check records a submission and reports whether it duplicates one seen
// inside the window. The first occurrence returns false and starts the
// window for that key.
func (d *DedupWindow) Check(clientID, workspaceID, threadID, text string) bool {
	key := identity.DedupKey(clientID, workspaceID, threadID, text)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.entries[key]; ok && now.Sub(at) < d.window {
		return true
	}
	d.entries[key] = now
	return false
}

// Trim drops entries older than the window.
func (d *DedupWindow) Trim() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	for key, at := range d.entries {
		if at.Before(cutoff) {
			delete(d.entries, key)
		}
	}
}

// Len returns the current entry count.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
