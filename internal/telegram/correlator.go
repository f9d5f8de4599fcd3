package telegram

import (
	"sync"
	"time"
)

// pendingTTL bounds how long a pending reply waits for its turn to
// complete before it is abandoned.
const pendingTTL = 15 * time.Minute

// PendingReply tracks one in-flight turn awaiting its chat reply.
type PendingReply struct {
	ChatID      int64
	MessageID   int // working message to replace
	WorkspaceID string
	ThreadID    string
	TurnID      string
	Label       string
	CreatedAt   time.Time
}

// Correlator matches turn completions back to the chat messages that
// started them. Exact matches use (workspace, thread, turn); events that
// omit the turn fall back to the most recent pending entry for the
// thread.
type Correlator struct {
	mu       sync.Mutex
	byKey    map[string]PendingReply
	byThread map[string][]string // thread key -> pending keys, oldest first
	now      func() time.Time
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		byKey:    make(map[string]PendingReply),
		byThread: make(map[string][]string),
		now:      time.Now,
	}
}

func replyKey(workspaceID, threadID, turnID string) string {
	return workspaceID + "::" + threadID + "::" + turnID
}

func threadKey(workspaceID, threadID string) string {
	return workspaceID + "::" + threadID
}

// Add registers a pending reply.
func (c *Correlator) Add(p PendingReply) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := replyKey(p.WorkspaceID, p.ThreadID, p.TurnID)
	if _, ok := c.byKey[key]; !ok {
		tk := threadKey(p.WorkspaceID, p.ThreadID)
		c.byThread[tk] = append(c.byThread[tk], key)
	}
	c.byKey[key] = p
}

// Take removes and returns the pending reply for a completed turn. When
// turnID is empty or unknown, the most recent pending entry for the
// thread is taken instead.
func (c *Correlator) Take(workspaceID, threadID, turnID string) (PendingReply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if turnID != "" {
		key := replyKey(workspaceID, threadID, turnID)
		if p, ok := c.byKey[key]; ok {
			c.removeLocked(key, p)
			return p, true
		}
	}

	tk := threadKey(workspaceID, threadID)
	keys := c.byThread[tk]
	if len(keys) == 0 {
		return PendingReply{}, false
	}
	key := keys[len(keys)-1]
	p := c.byKey[key]
	c.removeLocked(key, p)
	return p, true
}

// removeLocked deletes one entry. Caller holds the mutex.
func (c *Correlator) removeLocked(key string, p PendingReply) {
	delete(c.byKey, key)
	tk := threadKey(p.WorkspaceID, p.ThreadID)
	keys := c.byThread[tk]
	for i, k := range keys {
		if k == key {
			keys = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(keys) == 0 {
		delete(c.byThread, tk)
	} else {
		c.byThread[tk] = keys
	}
}

// Trim abandons entries older than the TTL and returns them so the
// caller can clean up their working messages.
func (c *Correlator) Trim() []PendingReply {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-pendingTTL)
	var expired []PendingReply
	for key, p := range c.byKey {
		if p.CreatedAt.Before(cutoff) {
			expired = append(expired, p)
			c.removeLocked(key, p)
		}
	}
	return expired
}

// Len returns the pending entry count.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}
