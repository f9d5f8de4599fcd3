package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EnvelopeVersion is the snapshot envelope format version.
const EnvelopeVersion = 1

// ErrNotFound is returned by lookups for records that do not exist where
// absence is an error rather than a valid answer.
var ErrNotFound = errors.New("not found")

// Command is an inbound instruction from a secondary client. Commands are
// delivered at-least-once and possibly out of order; CommandID is the
// idempotency key.
type Command struct {
	CommandID string          `json:"command_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Type      string          `json:"type"`
	Args      json.RawMessage `json:"args,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CommandResult is the durable outcome of a command. Its existence is the
// source of truth for "this command has been executed".
type CommandResult struct {
	CommandID string          `json:"command_id"`
	OK        bool            `json:"ok"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshot is a full-state publication for one scope. Later snapshots for
// the same (runner, scope) replace earlier ones entirely.
type Snapshot struct {
	ScopeKey        string          `json:"scope_key"`
	RunnerID        string          `json:"runner_id"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Payload         json.RawMessage `json:"payload"`
	EnvelopeVersion int             `json:"envelope_version"`
}

// Presence is the periodic heartbeat record for a runner.
type Presence struct {
	RunnerID  string    `json:"runner_id"`
	Name      string    `json:"name"`
	Platform  string    `json:"platform"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scope keys.
const ScopeGlobal = "global"

// WorkspaceScope returns the snapshot scope key for a workspace.
func WorkspaceScope(workspaceID string) string {
	return "workspace:" + workspaceID
}

// ThreadScope returns the snapshot scope key for a thread.
func ThreadScope(workspaceID, threadID string) string {
	return fmt.Sprintf("thread:%s:%s", workspaceID, threadID)
}

// ParseScope splits a scope key into its kind and parts. Returns an error
// for keys that match no known shape.
func ParseScope(key string) (kind string, parts []string, err error) {
	switch {
	case key == ScopeGlobal:
		return "global", nil, nil
	case strings.HasPrefix(key, "workspace:"):
		rest := strings.TrimPrefix(key, "workspace:")
		if rest == "" {
			return "", nil, fmt.Errorf("invalid scope key %q", key)
		}
		return "workspace", []string{rest}, nil
	case strings.HasPrefix(key, "thread:"):
		rest := strings.SplitN(strings.TrimPrefix(key, "thread:"), ":", 2)
		if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
			return "", nil, fmt.Errorf("invalid scope key %q", key)
		}
		return "thread", rest, nil
	default:
		return "", nil, fmt.Errorf("invalid scope key %q", key)
	}
}

// Transport is the capability surface a sync binding must provide. All
// implementations are expected to enforce their own operation deadlines;
// callers additionally pass a context with a ceiling.
type Transport interface {
	// PollCommands returns pending commands for the runner, oldest first.
	PollCommands(ctx context.Context, runnerID string) ([]Command, error)

	// GetResult returns the durable result for a command, or (nil, nil)
	// when no result exists.
	GetResult(ctx context.Context, runnerID, commandID string) (*CommandResult, error)

	// WriteResult durably stores a result. Overwriting an existing result
	// for the same command is permitted and harmless.
	WriteResult(ctx context.Context, runnerID string, res CommandResult) error

	// RemoveCommand acknowledges an inbound command. Best effort; failure
	// must not affect correctness.
	RemoveCommand(ctx context.Context, runnerID, commandID string) error

	// WriteSnapshot replaces the snapshot for (runner, scope).
	WriteSnapshot(ctx context.Context, snap Snapshot) error

	// WritePresence updates the runner heartbeat record, last writer wins.
	WritePresence(ctx context.Context, p Presence) error

	Close() error
}

// EventPublisher is an optional transport capability for push-style event
// forwarding. Bindings without it simply rely on snapshot polling.
type EventPublisher interface {
	PublishEvent(ctx context.Context, runnerID, workspaceID string, payload json.RawMessage) error
}

// Inspector is an optional transport capability used by the diagnostic
// CLI verbs: client-side command submission and direct record reads.
type Inspector interface {
	SubmitCommand(ctx context.Context, runnerID string, cmd Command) error
	GetSnapshot(ctx context.Context, runnerID, scopeKey string) (*Snapshot, error)
	GetPresence(ctx context.Context, runnerID string) (*Presence, error)
	LatestResult(ctx context.Context, runnerID string) (*CommandResult, error)
}

// OpTimeout is the ceiling applied to individual transport operations.
const OpTimeout = 15 * time.Second
