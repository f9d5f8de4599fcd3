package relay_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/codexmonitor/relay/internal/appserver"
	"github.com/codexmonitor/relay/internal/relay"
	"github.com/codexmonitor/relay/internal/workspace"
)

// fakeAgent simulates an agent runtime app-server: it answers thread and
// turn calls and grows the transcript when a turn starts.
type fakeAgent struct {
	mu        sync.Mutex
	threads   map[string][]appserver.ThreadItem
	summaries []appserver.ThreadSummary // thread/list rows
	nextID    int
	turns     []map[string]any // recorded turn/start params
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{threads: make(map[string][]appserver.ThreadItem)}
}

// dial returns a DialFunc serving this agent over a net.Pipe.
func (fa *fakeAgent) dial() workspace.DialFunc {
	return func(ctx context.Context, e workspace.Entry) (*appserver.Session, error) {
		clientEnd, serverEnd := net.Pipe()
		go fa.serve(serverEnd)
		return appserver.NewSession(clientEnd), nil
	}
}

func (fa *fakeAgent) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		result := fa.handle(req.Method, req.Params)
		resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
		if _, err := conn.Write(append(resp, '\n')); err != nil {
			return
		}
	}
}

func (fa *fakeAgent) handle(method string, params json.RawMessage) any {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	switch method {
	case "thread/start":
		fa.nextID++
		id := "thr_" + strconv.Itoa(fa.nextID)
		fa.threads[id] = nil
		return map[string]any{"thread": map[string]any{"id": id}}
	case "thread/resume":
		var p struct {
			ThreadID string `json:"thread_id"`
		}
		_ = json.Unmarshal(params, &p)
		return map[string]any{"thread": map[string]any{"id": p.ThreadID, "items": fa.threads[p.ThreadID]}}
	case "turn/start":
		var p map[string]any
		_ = json.Unmarshal(params, &p)
		fa.turns = append(fa.turns, p)
		threadID, _ := p["thread_id"].(string)
		fa.threads[threadID] = append(fa.threads[threadID],
			appserver.ThreadItem{Type: "userMessage", Parts: []appserver.InputPart{{Type: "text", Text: "hi"}}},
			appserver.ThreadItem{Type: "agentMessage", Text: "done: all tests pass"},
		)
		return map[string]any{"turn_id": "turn_1"}
	case "thread/list":
		return map[string]any{"threads": fa.summaries}
	default:
		return map[string]any{}
	}
}

func newTestExecutor(t *testing.T, fa *fakeAgent, ft *fakeTransport) (*relay.Executor, workspace.Entry) {
	t.Helper()

	dir := t.TempDir()
	registry, err := workspace.LoadRegistry(dir)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	entry, err := registry.Add(filepath.Join(dir, "proj"), "proj")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	manager := workspace.NewManager(registry, fa.dial())
	t.Cleanup(manager.CloseAll)

	publisher := relay.NewPublisher("run_test", registry, manager)
	if ft != nil {
		publisher.SetTransport(ft)
	}

	exec := relay.NewExecutor(registry, manager, publisher)
	exec.PollInterval = 10 * time.Millisecond
	exec.PollAttempts = 5
	return exec, entry
}

func TestExecutor_Ping(t *testing.T) {
	exec, _ := newTestExecutor(t, newFakeAgent(), nil)

	res := exec.Execute(context.Background(), relay.Command{CommandID: "cmd_1", Type: relay.CmdPing})
	if !res.OK {
		t.Fatalf("ping result not ok: %s", res.Payload)
	}
	var payload struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil || !payload.Pong {
		t.Errorf("ping payload = %s", res.Payload)
	}
}

func TestExecutor_UnsupportedType(t *testing.T) {
	exec, _ := newTestExecutor(t, newFakeAgent(), nil)

	res := exec.Execute(context.Background(), relay.Command{CommandID: "cmd_1", Type: "mystery"})
	if res.OK {
		t.Fatal("unsupported type should fail")
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Error != "Unsupported command type: mystery" {
		t.Errorf("error = %q", payload.Error)
	}
}

func TestExecutor_ConnectThenSend(t *testing.T) {
	fa := newFakeAgent()
	ft := newFakeTransport()
	exec, entry := newTestExecutor(t, fa, ft)

	connectArgs, _ := json.Marshal(map[string]string{"workspace_id": entry.ID})
	res := exec.Execute(context.Background(), relay.Command{
		CommandID: "cmd_connect", Type: relay.CmdConnectWorkspace, Args: connectArgs,
	})
	if !res.OK {
		t.Fatalf("connectWorkspace failed: %s", res.Payload)
	}

	// Global snapshot published after connect shows the workspace as
	// connected.
	snap, ok := ft.snapshot(relay.ScopeGlobal)
	if !ok {
		t.Fatal("no global snapshot after connect")
	}
	var global struct {
		Workspaces []struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
		} `json:"workspaces"`
	}
	if err := json.Unmarshal(snap.Payload, &global); err != nil {
		t.Fatalf("decode global snapshot: %v", err)
	}
	if len(global.Workspaces) != 1 || !global.Workspaces[0].Connected {
		t.Errorf("global snapshot = %+v, want connected workspace", global)
	}

	sendArgs, _ := json.Marshal(map[string]any{
		"workspace_id": entry.ID,
		"text":         "run the tests",
	})
	res = exec.Execute(context.Background(), relay.Command{
		CommandID: "cmd_send", Type: relay.CmdSendUserMessage, Args: sendArgs,
	})
	if !res.OK {
		t.Fatalf("sendUserMessage failed: %s", res.Payload)
	}

	var send struct {
		ThreadID  string `json:"thread_id"`
		TurnID    string `json:"turn_id"`
		Reply     string `json:"reply"`
		Completed bool   `json:"completed"`
	}
	if err := json.Unmarshal(res.Payload, &send); err != nil {
		t.Fatalf("decode send payload: %v", err)
	}
	if send.ThreadID == "" || send.TurnID == "" {
		t.Errorf("send payload missing ids: %+v", send)
	}
	if !send.Completed || send.Reply != "done: all tests pass" {
		t.Errorf("reply = %q completed = %v, want early stop on assistant reply", send.Reply, send.Completed)
	}

	// Thread snapshot published during the resume-poll.
	if _, ok := ft.snapshot(relay.ThreadScope(entry.ID, send.ThreadID)); !ok {
		t.Error("no thread snapshot published during poll")
	}
}

func TestExecutor_WorkspaceSnapshotFiltersByCwd(t *testing.T) {
	fa := newFakeAgent()
	ft := newFakeTransport()
	exec, entry := newTestExecutor(t, fa, ft)

	now := time.Now().UTC()
	fa.mu.Lock()
	fa.summaries = []appserver.ThreadSummary{
		{ID: "thr_here", Preview: "in this workspace", Cwd: entry.Path, UpdatedAt: now},
		{ID: "thr_elsewhere", Preview: "another project", Cwd: filepath.Join(t.TempDir(), "other"), UpdatedAt: now},
		{ID: "thr_nocwd", Preview: "no recorded cwd", UpdatedAt: now},
	}
	fa.mu.Unlock()

	args, _ := json.Marshal(map[string]string{"workspace_id": entry.ID})
	res := exec.Execute(context.Background(), relay.Command{
		CommandID: "cmd_t", Type: relay.CmdStartThread, Args: args,
	})
	if !res.OK {
		t.Fatalf("startThread failed: %s", res.Payload)
	}

	snap, ok := ft.snapshot(relay.WorkspaceScope(entry.ID))
	if !ok {
		t.Fatal("no workspace snapshot after startThread")
	}
	var payload struct {
		Threads []struct {
			ID string `json:"id"`
		} `json:"threads"`
	}
	if err := json.Unmarshal(snap.Payload, &payload); err != nil {
		t.Fatalf("decode workspace snapshot: %v", err)
	}
	if len(payload.Threads) != 1 || payload.Threads[0].ID != "thr_here" {
		t.Errorf("threads = %+v, want only the thread rooted at the workspace path", payload.Threads)
	}
}

func TestExecutor_SendUserMessage_AccessModes(t *testing.T) {
	tests := []struct {
		name         string
		accessMode   string
		wantSandbox  string
		wantApproval string
	}{
		{name: "full access", accessMode: "full-access", wantSandbox: "danger-full-access", wantApproval: "never"},
		{name: "read only", accessMode: "read-only", wantSandbox: "read-only", wantApproval: "on-request"},
		{name: "default", accessMode: "", wantSandbox: "workspace-write", wantApproval: "on-request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := newFakeAgent()
			exec, entry := newTestExecutor(t, fa, nil)

			args, _ := json.Marshal(map[string]any{
				"workspace_id": entry.ID,
				"text":         "hello",
				"access_mode":  tt.accessMode,
			})
			res := exec.Execute(context.Background(), relay.Command{
				CommandID: "cmd_s", Type: relay.CmdSendUserMessage, Args: args,
			})
			if !res.OK {
				t.Fatalf("sendUserMessage failed: %s", res.Payload)
			}

			fa.mu.Lock()
			defer fa.mu.Unlock()
			if len(fa.turns) != 1 {
				t.Fatalf("turn count = %d, want 1", len(fa.turns))
			}
			turn := fa.turns[0]
			sandbox, _ := turn["sandbox_policy"].(map[string]any)
			if sandbox["mode"] != tt.wantSandbox {
				t.Errorf("sandbox mode = %v, want %s", sandbox["mode"], tt.wantSandbox)
			}
			if turn["approval_policy"] != tt.wantApproval {
				t.Errorf("approval = %v, want %s", turn["approval_policy"], tt.wantApproval)
			}
			if tt.accessMode == "" {
				roots, _ := sandbox["writable_roots"].([]any)
				if len(roots) != 1 || roots[0] != entry.Path {
					t.Errorf("writable roots = %v, want [%s]", roots, entry.Path)
				}
			}
		})
	}
}

func TestExecutor_SendUserMessage_ModelSelection(t *testing.T) {
	fa := newFakeAgent()
	exec, entry := newTestExecutor(t, fa, nil)

	args, _ := json.Marshal(map[string]any{
		"workspace_id": entry.ID,
		"text":         "hello",
		"model":        "gpt-5-codex",
		"effort":       "high",
	})
	res := exec.Execute(context.Background(), relay.Command{
		CommandID: "cmd_m", Type: relay.CmdSendUserMessage, Args: args,
	})
	if !res.OK {
		t.Fatalf("sendUserMessage failed: %s", res.Payload)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.turns) != 1 {
		t.Fatalf("turn count = %d, want 1", len(fa.turns))
	}
	turn := fa.turns[0]
	if turn["model"] != "gpt-5-codex" {
		t.Errorf("model = %v, want gpt-5-codex", turn["model"])
	}
	if turn["effort"] != "high" {
		t.Errorf("effort = %v, want high", turn["effort"])
	}
}

func TestExecutor_SendUserMessage_NoModelOmitsParams(t *testing.T) {
	fa := newFakeAgent()
	exec, entry := newTestExecutor(t, fa, nil)

	args, _ := json.Marshal(map[string]any{"workspace_id": entry.ID, "text": "hi"})
	res := exec.Execute(context.Background(), relay.Command{
		CommandID: "cmd_n", Type: relay.CmdSendUserMessage, Args: args,
	})
	if !res.OK {
		t.Fatalf("sendUserMessage failed: %s", res.Payload)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	turn := fa.turns[0]
	if _, present := turn["model"]; present {
		t.Error("model param should be absent when the client picked none")
	}
	if _, present := turn["effort"]; present {
		t.Error("effort param should be absent when the client picked none")
	}
}

func TestExecutor_SendUserMessage_MissingArgs(t *testing.T) {
	exec, entry := newTestExecutor(t, newFakeAgent(), nil)

	args, _ := json.Marshal(map[string]any{"workspace_id": entry.ID})
	res := exec.Execute(context.Background(), relay.Command{
		CommandID: "cmd_s", Type: relay.CmdSendUserMessage, Args: args,
	})
	if res.OK {
		t.Error("sendUserMessage without text should fail")
	}

	res = exec.Execute(context.Background(), relay.Command{
		CommandID: "cmd_s2", Type: relay.CmdSendUserMessage, Args: json.RawMessage(`{"text":"hi"}`),
	})
	if res.OK {
		t.Error("sendUserMessage without workspace_id should fail")
	}
}

func TestExecutor_UnknownWorkspaceFails(t *testing.T) {
	exec, _ := newTestExecutor(t, newFakeAgent(), nil)

	args, _ := json.Marshal(map[string]string{"workspace_id": "ws_nope"})
	res := exec.Execute(context.Background(), relay.Command{
		CommandID: "cmd_c", Type: relay.CmdConnectWorkspace, Args: args,
	})
	if res.OK {
		t.Error("connectWorkspace for unknown workspace should fail")
	}
}
