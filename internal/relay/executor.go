package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/codexmonitor/relay/internal/appserver"
	"github.com/codexmonitor/relay/internal/workspace"
)

// Command types understood by the executor.
const (
	CmdPing             = "ping"
	CmdConnectWorkspace = "connectWorkspace"
	CmdStartThread      = "startThread"
	CmdResumeThread     = "resumeThread"
	CmdSendUserMessage  = "sendUserMessage"
	CmdListThreads      = "listThreads"
	CmdArchiveThread    = "archiveThread"
	CmdInterruptTurn    = "interruptTurn"
)

// Executor maps commands to agent runtime calls. It never panics on bad
// input; every failure becomes an ok=false result.
type Executor struct {
	registry  *workspace.Registry
	manager   *workspace.Manager
	publisher *Publisher

	// Resume-poll pacing for sendUserMessage. Exposed so tests can run
	// with short intervals.
	PollInterval time.Duration
	PollAttempts int
}

// NewExecutor creates an executor. publisher may be nil when no snapshot
// destination exists (diagnostic paths).
func NewExecutor(registry *workspace.Registry, manager *workspace.Manager, publisher *Publisher) *Executor {
	return &Executor{
		registry:     registry,
		manager:      manager,
		publisher:    publisher,
		PollInterval: 2 * time.Second,
		PollAttempts: 30,
	}
}

// Execute runs one command to completion and returns its result. The
// result is always well-formed, including for unknown command types.
func (e *Executor) Execute(ctx context.Context, cmd Command) CommandResult {
	payload, err := e.dispatch(ctx, cmd)
	if err != nil {
		log.Printf("relay: command %s (%s) failed: %v", cmd.CommandID, cmd.Type, err)
		return failureResult(cmd.CommandID, err)
	}
	return successResult(cmd.CommandID, payload)
}

func (e *Executor) dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdPing:
		return map[string]any{"pong": true, "ts": time.Now().UTC()}, nil
	case CmdConnectWorkspace:
		return e.connectWorkspace(ctx, cmd.Args)
	case CmdStartThread:
		return e.startThread(ctx, cmd.Args)
	case CmdResumeThread:
		return e.resumeThread(ctx, cmd.Args)
	case CmdSendUserMessage:
		return e.sendUserMessage(ctx, cmd.Args)
	case CmdListThreads:
		return e.listThreads(ctx, cmd.Args)
	case CmdArchiveThread:
		return e.archiveThread(ctx, cmd.Args)
	case CmdInterruptTurn:
		return e.interruptTurn(ctx, cmd.Args)
	default:
		return nil, fmt.Errorf("Unsupported command type: %s", cmd.Type)
	}
}

func (e *Executor) connectWorkspace(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.WorkspaceID == "" {
		return nil, fmt.Errorf("connectWorkspace: workspace_id is required")
	}

	if _, err := e.manager.EnsureConnected(ctx, a.WorkspaceID); err != nil {
		return nil, err
	}

	if e.publisher != nil {
		if err := e.publisher.PublishGlobal(ctx); err != nil {
			log.Printf("relay: publish global snapshot after connect: %v", err)
		}
	}

	return map[string]any{"workspace_id": a.WorkspaceID, "connected": true}, nil
}

func (e *Executor) startThread(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.WorkspaceID == "" {
		return nil, fmt.Errorf("startThread: workspace_id is required")
	}

	entry, err := e.registry.Get(a.WorkspaceID)
	if err != nil {
		return nil, err
	}
	sess, err := e.manager.EnsureConnected(ctx, a.WorkspaceID)
	if err != nil {
		return nil, err
	}

	thread, err := sess.StartThread(ctx, entry.Path)
	if err != nil {
		return nil, err
	}

	if e.publisher != nil {
		if err := e.publisher.PublishWorkspace(ctx, a.WorkspaceID); err != nil {
			log.Printf("relay: publish workspace snapshot after startThread: %v", err)
		}
	}

	return map[string]any{"workspace_id": a.WorkspaceID, "thread_id": thread.ID}, nil
}

func (e *Executor) resumeThread(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		WorkspaceID string `json:"workspace_id"`
		ThreadID    string `json:"thread_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.WorkspaceID == "" || a.ThreadID == "" {
		return nil, fmt.Errorf("resumeThread: workspace_id and thread_id are required")
	}

	sess, err := e.manager.EnsureConnected(ctx, a.WorkspaceID)
	if err != nil {
		return nil, err
	}
	thread, err := sess.ResumeThread(ctx, a.ThreadID)
	if err != nil {
		return nil, err
	}

	if e.publisher != nil {
		if err := e.publisher.PublishThread(ctx, a.WorkspaceID, a.ThreadID); err != nil {
			log.Printf("relay: publish thread snapshot after resumeThread: %v", err)
		}
	}

	return map[string]any{"workspace_id": a.WorkspaceID, "thread_id": thread.ID, "items": len(thread.Items)}, nil
}

func (e *Executor) listThreads(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		WorkspaceID string `json:"workspace_id"`
		Cursor      string `json:"cursor"`
		Limit       int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.WorkspaceID == "" {
		return nil, fmt.Errorf("listThreads: workspace_id is required")
	}
	if a.Limit <= 0 {
		a.Limit = 20
	}

	sess, err := e.manager.EnsureConnected(ctx, a.WorkspaceID)
	if err != nil {
		return nil, err
	}
	page, err := sess.ListThreads(ctx, a.Cursor, a.Limit)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (e *Executor) archiveThread(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		WorkspaceID string `json:"workspace_id"`
		ThreadID    string `json:"thread_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.WorkspaceID == "" || a.ThreadID == "" {
		return nil, fmt.Errorf("archiveThread: workspace_id and thread_id are required")
	}

	sess, err := e.manager.EnsureConnected(ctx, a.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if err := sess.ArchiveThread(ctx, a.ThreadID); err != nil {
		return nil, err
	}

	if e.publisher != nil {
		if err := e.publisher.PublishWorkspace(ctx, a.WorkspaceID); err != nil {
			log.Printf("relay: publish workspace snapshot after archiveThread: %v", err)
		}
	}

	return map[string]any{"thread_id": a.ThreadID, "archived": true}, nil
}

func (e *Executor) interruptTurn(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		WorkspaceID string `json:"workspace_id"`
		ThreadID    string `json:"thread_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.WorkspaceID == "" || a.ThreadID == "" {
		return nil, fmt.Errorf("interruptTurn: workspace_id and thread_id are required")
	}

	sess, err := e.manager.EnsureConnected(ctx, a.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if err := sess.InterruptTurn(ctx, a.ThreadID); err != nil {
		return nil, err
	}
	return map[string]any{"thread_id": a.ThreadID, "interrupted": true}, nil
}

// sendUserMessage submits user input to a thread (starting one when no
// thread is given), then polls the transcript until the assistant replies
// or the attempt budget runs out. Thread snapshots are published as the
// transcript grows so watching clients see progress.
func (e *Executor) sendUserMessage(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		WorkspaceID string   `json:"workspace_id"`
		ThreadID    string   `json:"thread_id"`
		Text        string   `json:"text"`
		AccessMode  string   `json:"access_mode"`
		Model       string   `json:"model"`
		Effort      string   `json:"effort"`
		ImageURLs   []string `json:"image_urls"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.WorkspaceID == "" {
		return nil, fmt.Errorf("sendUserMessage: workspace_id is required")
	}
	if strings.TrimSpace(a.Text) == "" && len(a.ImageURLs) == 0 {
		return nil, fmt.Errorf("sendUserMessage: text or image_urls is required")
	}

	entry, err := e.registry.Get(a.WorkspaceID)
	if err != nil {
		return nil, err
	}
	sess, err := e.manager.EnsureConnected(ctx, a.WorkspaceID)
	if err != nil {
		return nil, err
	}

	threadID := a.ThreadID
	baseline := 0
	if threadID == "" {
		thread, err := sess.StartThread(ctx, entry.Path)
		if err != nil {
			return nil, err
		}
		threadID = thread.ID
	} else {
		thread, err := sess.ResumeThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
		baseline = len(thread.Items)
	}

	input := make([]appserver.InputPart, 0, 1+len(a.ImageURLs))
	if strings.TrimSpace(a.Text) != "" {
		input = append(input, appserver.InputPart{Type: "text", Text: a.Text})
	}
	for _, url := range a.ImageURLs {
		input = append(input, appserver.InputPart{Type: "image", URL: url})
	}

	opts := turnOptions(a.AccessMode, entry.Path)
	opts.Model = a.Model
	opts.Effort = a.Effort

	turnID, err := sess.StartTurn(ctx, threadID, input, opts)
	if err != nil {
		return nil, err
	}

	reply, completed := e.pollForReply(ctx, sess, a.WorkspaceID, threadID, baseline)

	return map[string]any{
		"workspace_id": a.WorkspaceID,
		"thread_id":    threadID,
		"turn_id":      turnID,
		"reply":        reply,
		"completed":    completed,
	}, nil
}

// turnOptions maps an access mode to the sandbox and approval policy for
// one turn. Unknown modes fall back to workspace-scoped writes.
func turnOptions(accessMode, workspacePath string) appserver.TurnOptions {
	switch accessMode {
	case "full-access":
		return appserver.TurnOptions{
			Sandbox:  &appserver.SandboxPolicy{Mode: appserver.SandboxDangerFullAccess},
			Approval: appserver.ApprovalNever,
		}
	case "read-only":
		return appserver.TurnOptions{
			Sandbox:  &appserver.SandboxPolicy{Mode: appserver.SandboxReadOnly},
			Approval: appserver.ApprovalOnRequest,
		}
	default:
		return appserver.TurnOptions{
			Sandbox: &appserver.SandboxPolicy{
				Mode:          appserver.SandboxWorkspaceWrite,
				WritableRoots: []string{workspacePath},
				NetworkAccess: true,
			},
			Approval: appserver.ApprovalOnRequest,
		}
	}
}

// pollForReply re-reads the thread on an interval, publishing snapshots,
// until a new non-empty assistant message appears past the baseline item
// count or the attempt budget is spent.
func (e *Executor) pollForReply(ctx context.Context, sess *appserver.Session, workspaceID, threadID string, baseline int) (string, bool) {
	for attempt := 0; attempt < e.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(e.PollInterval):
		}

		thread, err := sess.ResumeThread(ctx, threadID)
		if err != nil {
			log.Printf("relay: poll thread %s: %v", threadID, err)
			continue
		}

		if e.publisher != nil {
			if err := e.publisher.PublishThread(ctx, workspaceID, threadID); err != nil {
				log.Printf("relay: publish thread snapshot during poll: %v", err)
			}
		}

		for i := len(thread.Items) - 1; i >= baseline; i-- {
			item := thread.Items[i]
			if item.Type == "agentMessage" && strings.TrimSpace(item.Text) != "" {
				return item.Text, true
			}
		}
	}
	return "", false
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

func successResult(commandID string, payload any) CommandResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return failureResult(commandID, fmt.Errorf("marshal result payload: %w", err))
	}
	return CommandResult{
		CommandID: commandID,
		OK:        true,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}
}

func failureResult(commandID string, err error) CommandResult {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return CommandResult{
		CommandID: commandID,
		OK:        false,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}
}
