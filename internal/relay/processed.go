package relay

import "sync"

// ProcessedSet is an in-memory accelerator over the durable result store.
// It prevents duplicate execution within one process lifetime; durable
// results remain the source of truth across restarts. Bounded so a
// long-lived runner never grows without limit.
type ProcessedSet struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string // insertion order, oldest first
	max   int
	keep  int
}

// NewProcessedSet creates a set that trims from max entries down to keep.
func NewProcessedSet(max, keep int) *ProcessedSet {
	if max <= 0 {
		max = 1000
	}
	if keep <= 0 || keep > max {
		keep = max / 2
	}
	return &ProcessedSet{
		seen: make(map[string]bool),
		max:  max,
		keep: keep,
	}
}

// Contains reports whether the command ID has been marked.
func (p *ProcessedSet) Contains(commandID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[commandID]
}

// Add marks a command ID as processed.
func (p *ProcessedSet) Add(commandID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen[commandID] {
		return
	}
	p.seen[commandID] = true
	p.order = append(p.order, commandID)
}

// Remove unmarks a command ID. Used when the result write fails, so the
// next delivery re-executes instead of dead-ending on the in-memory mark.
func (p *ProcessedSet) Remove(commandID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seen[commandID] {
		return
	}
	delete(p.seen, commandID)
	for i, id := range p.order {
		if id == commandID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Trim discards the oldest entries once the set exceeds its maximum.
// Evicted IDs fall back to the durable result check, so eviction can
// never cause re-execution.
func (p *ProcessedSet) Trim() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) <= p.max {
		return
	}

	drop := len(p.order) - p.keep
	for _, id := range p.order[:drop] {
		delete(p.seen, id)
	}
	p.order = append([]string(nil), p.order[drop:]...)
}

// Len returns the current entry count.
func (p *ProcessedSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
