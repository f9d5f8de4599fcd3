package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Sandbox modes accepted by turn/start.
const (
	SandboxDangerFullAccess = "danger-full-access"
	SandboxReadOnly         = "read-only"
	SandboxWorkspaceWrite   = "workspace-write"
)

// Approval policies accepted by turn/start.
const (
	ApprovalNever     = "never"
	ApprovalOnRequest = "on-request"
)

// InputPart is one element of a user turn input. Type is "text", "skill",
// "image", or a future kind the relay renders generically.
type InputPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// ThreadItem is one entry of a thread transcript. userMessage items carry
// Parts, agentMessage items carry Text.
type ThreadItem struct {
	ID    string      `json:"id,omitempty"`
	Type  string      `json:"type"`
	Text  string      `json:"text,omitempty"`
	Parts []InputPart `json:"parts,omitempty"`
}

// Thread is a transcript returned by thread/start and thread/resume.
type Thread struct {
	ID    string       `json:"id"`
	Cwd   string       `json:"cwd,omitempty"`
	Items []ThreadItem `json:"items,omitempty"`
}

// ThreadSummary is one row of a thread/list page.
type ThreadSummary struct {
	ID        string    `json:"id"`
	Preview   string    `json:"preview,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadListPage is the result of thread/list.
type ThreadListPage struct {
	Threads    []ThreadSummary `json:"threads"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// SandboxPolicy constrains what a turn may touch.
type SandboxPolicy struct {
	Mode          string   `json:"mode"`
	WritableRoots []string `json:"writable_roots,omitempty"`
	NetworkAccess bool     `json:"network_access,omitempty"`
}

// TurnOptions carries the per-turn execution policy. Model and Effort
// are forwarded verbatim when the client picked one.
type TurnOptions struct {
	Sandbox  *SandboxPolicy `json:"sandbox_policy,omitempty"`
	Approval string         `json:"approval_policy,omitempty"`
	Model    string         `json:"model,omitempty"`
	Effort   string         `json:"effort,omitempty"`
}

// StartThread starts a fresh thread rooted at cwd.
func (s *Session) StartThread(ctx context.Context, cwd string) (*Thread, error) {
	return s.threadCall(ctx, "thread/start", map[string]any{"cwd": cwd})
}

// ResumeThread loads an existing thread with its transcript.
func (s *Session) ResumeThread(ctx context.Context, threadID string) (*Thread, error) {
	return s.threadCall(ctx, "thread/resume", map[string]any{"thread_id": threadID})
}

func (s *Session) threadCall(ctx context.Context, method string, params any) (*Thread, error) {
	raw, err := s.Request(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Thread Thread `json:"thread"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	if result.Thread.ID == "" {
		return nil, fmt.Errorf("%s returned no thread", method)
	}
	return &result.Thread, nil
}

// ListThreads fetches one page of thread summaries, newest first.
func (s *Session) ListThreads(ctx context.Context, cursor string, limit int) (*ThreadListPage, error) {
	params := map[string]any{"limit": limit}
	if cursor != "" {
		params["cursor"] = cursor
	}
	raw, err := s.Request(ctx, "thread/list", params)
	if err != nil {
		return nil, err
	}
	var page ThreadListPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode thread/list result: %w", err)
	}
	return &page, nil
}

// ArchiveThread archives a thread.
func (s *Session) ArchiveThread(ctx context.Context, threadID string) error {
	_, err := s.Request(ctx, "thread/archive", map[string]any{"thread_id": threadID})
	return err
}

// StartTurn submits user input to a thread and returns the turn ID.
func (s *Session) StartTurn(ctx context.Context, threadID string, input []InputPart, opts TurnOptions) (string, error) {
	params := map[string]any{
		"thread_id": threadID,
		"input":     input,
	}
	if opts.Sandbox != nil {
		params["sandbox_policy"] = opts.Sandbox
	}
	if opts.Approval != "" {
		params["approval_policy"] = opts.Approval
	}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	if opts.Effort != "" {
		params["effort"] = opts.Effort
	}

	raw, err := s.Request(ctx, "turn/start", params)
	if err != nil {
		return "", err
	}
	var result struct {
		TurnID string `json:"turn_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode turn/start result: %w", err)
	}
	return result.TurnID, nil
}

// InterruptTurn cancels the active turn on a thread.
func (s *Session) InterruptTurn(ctx context.Context, threadID string) error {
	_, err := s.Request(ctx, "turn/interrupt", map[string]any{"thread_id": threadID})
	return err
}
