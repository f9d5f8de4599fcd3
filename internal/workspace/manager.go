package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/codexmonitor/relay/internal/appserver"
)

// DialFunc establishes an agent runtime session for a workspace.
type DialFunc func(ctx context.Context, e Entry) (*appserver.Session, error)

// Event is a server-initiated agent runtime notification tagged with the
// workspace it came from.
type Event struct {
	WorkspaceID string
	Method      string
	Params      json.RawMessage
}

// Manager owns the workspaceId to session map. All session lookups and
// mutations go through one exclusive lock; sessions found dead are
// respawned on the next EnsureConnected.
type Manager struct {
	registry *Registry
	dial     DialFunc

	mu       sync.Mutex
	sessions map[string]*appserver.Session

	subMu sync.Mutex
	subs  []chan Event
}

// NewManager creates a manager over the registry using dial to establish
// sessions.
func NewManager(registry *Registry, dial DialFunc) *Manager {
	return &Manager{
		registry: registry,
		dial:     dial,
		sessions: make(map[string]*appserver.Session),
	}
}

// EnsureConnected returns a live session for the workspace, dialing one if
// none exists or the previous one died.
func (m *Manager) EnsureConnected(ctx context.Context, workspaceID string) (*appserver.Session, error) {
	entry, err := m.registry.Get(workspaceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[workspaceID]; ok {
		if sess.Alive() {
			return sess, nil
		}
		delete(m.sessions, workspaceID)
		log.Printf("relay: session for %s died, reconnecting", workspaceID)
	}

	sess, err := m.dial(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("connect workspace %s: %w", workspaceID, err)
	}
	m.sessions[workspaceID] = sess

	go m.forward(workspaceID, sess)

	return sess, nil
}

// Get returns the session for a workspace without dialing.
func (m *Manager) Get(workspaceID string) (*appserver.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[workspaceID]
	if !ok || !sess.Alive() {
		return nil, false
	}
	return sess, true
}

// Connected reports whether a live session exists for the workspace.
func (m *Manager) Connected(workspaceID string) bool {
	_, ok := m.Get(workspaceID)
	return ok
}

// Disconnect closes and forgets the session for a workspace.
func (m *Manager) Disconnect(workspaceID string) {
	m.mu.Lock()
	sess, ok := m.sessions[workspaceID]
	delete(m.sessions, workspaceID)
	m.mu.Unlock()

	if ok {
		_ = sess.Close()
	}
}

// CloseAll tears down every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*appserver.Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
}

// Subscribe returns a channel of agent runtime events across all
// workspaces. Slow subscribers drop events rather than blocking sessions.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// forward pumps one session's notifications to all subscribers until the
// session dies.
func (m *Manager) forward(workspaceID string, sess *appserver.Session) {
	for n := range sess.Notifications() {
		ev := Event{WorkspaceID: workspaceID, Method: n.Method, Params: n.Params}
		m.subMu.Lock()
		for _, ch := range m.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		m.subMu.Unlock()
	}
}
