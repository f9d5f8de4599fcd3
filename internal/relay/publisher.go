package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/codexmonitor/relay/internal/appserver"
	"github.com/codexmonitor/relay/internal/workspace"
)

// Snapshot shaping limits.
const (
	maxWorkspaceThreads = 20
	warmThreads         = 3
	threadNameLimit     = 38
	threadTextBudget    = 8000
	threadItemLimit     = 200
)

// Publisher renders and writes snapshots. The transport is swappable so
// the relay loop can rebuild bindings without recreating the publisher;
// a nil transport makes every publish a no-op.
type Publisher struct {
	runnerID string
	registry *workspace.Registry
	manager  *workspace.Manager

	mu        sync.Mutex
	transport Transport
}

// NewPublisher creates a publisher for the runner.
func NewPublisher(runnerID string, registry *workspace.Registry, manager *workspace.Manager) *Publisher {
	return &Publisher{runnerID: runnerID, registry: registry, manager: manager}
}

// SetTransport swaps the snapshot destination.
func (p *Publisher) SetTransport(t Transport) {
	p.mu.Lock()
	p.transport = t
	p.mu.Unlock()
}

func (p *Publisher) currentTransport() Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

// globalWorkspace is one row of the global snapshot payload.
type globalWorkspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Kind      string `json:"kind,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Connected bool   `json:"connected"`
	SortOrder int    `json:"sort_order"`
}

// threadRow is one row of the workspace snapshot payload.
type threadRow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// threadMessage is one row of the thread snapshot payload.
type threadMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// PublishGlobal writes the global snapshot: every registered workspace
// with its connection state.
func (p *Publisher) PublishGlobal(ctx context.Context) error {
	t := p.currentTransport()
	if t == nil {
		return nil
	}

	entries := p.registry.List()
	rows := make([]globalWorkspace, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, globalWorkspace{
			ID:        e.ID,
			Name:      e.Name,
			Path:      e.Path,
			Kind:      e.Kind,
			ParentID:  e.ParentID,
			Connected: p.manager.Connected(e.ID),
			SortOrder: e.Settings.SortOrder,
		})
	}

	return p.write(ctx, t, ScopeGlobal, map[string]any{"workspaces": rows})
}

// PublishWorkspace writes the workspace snapshot: up to 20 threads rooted
// at the workspace path, newest first, then warms the first few thread
// snapshots so clients can open them without waiting a poll cycle.
func (p *Publisher) PublishWorkspace(ctx context.Context, workspaceID string) error {
	t := p.currentTransport()
	if t == nil {
		return nil
	}

	entry, err := p.registry.Get(workspaceID)
	if err != nil {
		return err
	}
	sess, ok := p.manager.Get(workspaceID)
	if !ok {
		return fmt.Errorf("workspace %s: not connected", workspaceID)
	}

	rows, err := p.collectThreads(ctx, sess, entry.Path)
	if err != nil {
		return err
	}

	if err := p.write(ctx, t, WorkspaceScope(workspaceID), map[string]any{"threads": rows}); err != nil {
		return err
	}

	// Warm the most recent threads. Failures here only delay clients.
	for i, row := range rows {
		if i >= warmThreads {
			break
		}
		if err := p.PublishThread(ctx, workspaceID, row.ID); err != nil {
			log.Printf("relay: warm thread snapshot %s: %v", row.ID, err)
		}
	}
	return nil
}

// collectThreads pages through thread/list until it has enough threads
// matching the workspace path.
func (p *Publisher) collectThreads(ctx context.Context, sess *appserver.Session, wsPath string) ([]threadRow, error) {
	var rows []threadRow
	cursor := ""
	agentN := 1

	for len(rows) < maxWorkspaceThreads {
		page, err := sess.ListThreads(ctx, cursor, maxWorkspaceThreads)
		if err != nil {
			return nil, err
		}
		for _, th := range page.Threads {
			if th.Cwd != wsPath {
				continue
			}
			rows = append(rows, threadRow{
				ID:        th.ID,
				Name:      threadName(th.Preview, agentN),
				UpdatedAt: th.UpdatedAt,
			})
			agentN++
			if len(rows) >= maxWorkspaceThreads {
				break
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return rows, nil
}

// threadName derives a display label from the thread preview. Empty
// previews get a positional fallback.
func threadName(preview string, n int) string {
	preview = strings.TrimSpace(preview)
	if preview == "" {
		return fmt.Sprintf("Agent %d", n)
	}
	runes := []rune(preview)
	if len(runes) > threadNameLimit {
		return string(runes[:threadNameLimit]) + "…"
	}
	return preview
}

// PublishThread writes the thread snapshot: the flattened transcript,
// newest-biased, within the item and text budgets.
func (p *Publisher) PublishThread(ctx context.Context, workspaceID, threadID string) error {
	t := p.currentTransport()
	if t == nil {
		return nil
	}

	sess, ok := p.manager.Get(workspaceID)
	if !ok {
		return fmt.Errorf("workspace %s: not connected", workspaceID)
	}

	thread, err := sess.ResumeThread(ctx, threadID)
	if err != nil {
		return err
	}

	messages := flattenThread(thread.Items)
	payload := map[string]any{"thread_id": threadID, "messages": messages}
	return p.write(ctx, t, ThreadScope(workspaceID, threadID), payload)
}

// flattenThread converts transcript items to role/text rows, keeping the
// newest entries within the item and character budgets.
func flattenThread(items []appserver.ThreadItem) []threadMessage {
	if len(items) > threadItemLimit {
		items = items[len(items)-threadItemLimit:]
	}

	flat := make([]threadMessage, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "userMessage":
			flat = append(flat, threadMessage{Role: "user", Text: renderUserParts(item.Parts)})
		case "agentMessage":
			flat = append(flat, threadMessage{Role: "assistant", Text: item.Text})
		}
	}

	// Enforce the total text budget from the newest end. The message
	// that overruns the remaining budget is truncated to fit rather
	// than dropped, so the newest message survives even when it alone
	// exceeds the budget.
	budget := threadTextBudget
	cut := 0
	for i := len(flat) - 1; i >= 0; i-- {
		if len(flat[i].Text) > budget {
			if budget > 0 {
				flat[i].Text = tailText(flat[i].Text, budget)
				cut = i
			} else {
				cut = i + 1
			}
			break
		}
		budget -= len(flat[i].Text)
	}
	return flat[cut:]
}

// tailText keeps the trailing max bytes of s, backing off past UTF-8
// continuation bytes so a rune is never split.
func tailText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && s[start]&0xC0 == 0x80 {
		start++
	}
	return s[start:]
}

// renderUserParts renders user input parts the way clients display them.
func renderUserParts(parts []appserver.InputPart) string {
	rendered := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case "text":
			if s := strings.TrimSpace(part.Text); s != "" {
				rendered = append(rendered, s)
			}
		case "skill":
			rendered = append(rendered, "$"+part.Name)
		case "image":
			rendered = append(rendered, "[image]")
		default:
			rendered = append(rendered, "[message]")
		}
	}
	return strings.Join(rendered, " ")
}

// WritePresence writes the heartbeat record for this runner.
func (p *Publisher) WritePresence(ctx context.Context, name string) error {
	t := p.currentTransport()
	if t == nil {
		return nil
	}
	return t.WritePresence(ctx, Presence{
		RunnerID:  p.runnerID,
		Name:      name,
		Platform:  runtime.GOOS,
		UpdatedAt: time.Now().UTC(),
	})
}

// write wraps a payload in the snapshot envelope and stores it.
func (p *Publisher) write(ctx context.Context, t Transport, scopeKey string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot payload: %w", err)
	}
	return t.WriteSnapshot(ctx, Snapshot{
		ScopeKey:        scopeKey,
		RunnerID:        p.runnerID,
		UpdatedAt:       time.Now().UTC(),
		Payload:         data,
		EnvelopeVersion: EnvelopeVersion,
	})
}
