package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"
)

// DefaultRequestTimeout is the ceiling applied to a single RPC when the
// caller's context has no earlier deadline.
const DefaultRequestTimeout = 15 * time.Second

// Notification is a server-initiated JSON-RPC message (no id).
type Notification struct {
	Method string
	Params json.RawMessage
}

// Session is a JSON-RPC 2.0 client over a newline-delimited byte stream.
// One session corresponds to one agent runtime process or endpoint.
type Session struct {
	rw     io.ReadWriteCloser
	writer *bufio.Writer

	writeMu sync.Mutex // serializes request frames

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse
	closed  bool

	notifyCh chan Notification
	done     chan struct{}

	// proc is set for stdio sessions so Close can reap the subprocess.
	proc *exec.Cmd
}

// NewSession creates a session over an established stream and starts the
// read loop. The caller owns nothing after this; Close tears down rw.
func NewSession(rw io.ReadWriteCloser) *Session {
	s := &Session{
		rw:       rw,
		writer:   bufio.NewWriter(rw),
		pending:  make(map[int64]chan rpcResponse),
		notifyCh: make(chan Notification, 100),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// NewStdioSession spawns the agent binary with the app-server argument and
// speaks JSON-RPC over its stdin/stdout.
func NewStdioSession(ctx context.Context, bin string, args ...string) (*Session, error) {
	if len(args) == 0 {
		args = []string{"app-server"}
	}
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // G204 - bin comes from operator settings

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	s := NewSession(&procPipe{stdin: stdin, stdout: stdout})
	s.proc = cmd

	go func() {
		_ = cmd.Wait()
		s.shutdown()
	}()

	return s, nil
}

// procPipe joins a subprocess's stdin/stdout into one stream.
type procPipe struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *procPipe) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *procPipe) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *procPipe) Close() error {
	err := p.stdin.Close()
	if cerr := p.stdout.Close(); err == nil {
		err = cerr
	}
	return err
}

// Request performs a JSON-RPC call and waits for the matching response.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		rawParams = data
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	s.nextID++
	id := s.nextID
	ch := make(chan rpcResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: rawParams}
	if err := s.writeFrame(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-s.done:
		return nil, fmt.Errorf("%s: session closed", method)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	}
}

// Notifications returns the channel of server-initiated messages. The
// channel is buffered; messages are dropped when no one drains it.
func (s *Session) Notifications() <-chan Notification {
	return s.notifyCh
}

// Alive reports whether the session can still carry requests.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close tears down the stream and, for stdio sessions, the subprocess.
func (s *Session) Close() error {
	s.shutdown()
	err := s.rw.Close()
	if s.proc != nil && s.proc.Process != nil {
		_ = s.proc.Process.Kill()
	}
	return err
}

// shutdown marks the session dead and unblocks all waiters.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// readLoop reads newline-delimited frames and dispatches responses to
// their waiting requests and notifications to the notify channel.
func (s *Session) readLoop() {
	// readLoop is the only sender on notifyCh, so closing it here lets
	// consumers range over Notifications() until the session dies.
	defer func() {
		s.shutdown()
		close(s.notifyCh)
	}()

	reader := bufio.NewReader(s.rw)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			log.Printf("appserver: discarding malformed frame: %v", err)
			continue
		}

		if frame.ID == nil {
			// Server-initiated notification
			if frame.Method == "" {
				continue
			}
			select {
			case s.notifyCh <- Notification{Method: frame.Method, Params: frame.Params}:
			default:
				log.Printf("appserver: notification channel full, dropping %s", frame.Method)
			}
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[*frame.ID]
		s.mu.Unlock()
		if ok {
			ch <- rpcResponse{Result: frame.Result, Error: frame.Error}
		}
	}
}

// writeFrame marshals and writes one newline-delimited frame.
func (s *Session) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	return s.writer.Flush()
}

// JSON-RPC 2.0 request structure.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcFrame covers both responses and server-initiated notifications.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

// JSON-RPC 2.0 error structure.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
