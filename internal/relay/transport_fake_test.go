package relay_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/codexmonitor/relay/internal/relay"
)

// fakeTransport is an in-memory transport that records every write, used
// to observe the loop's idempotency and ordering behavior. The fail
// counters make the next N calls of an operation return an error, for
// transient-outage scenarios.
type fakeTransport struct {
	mu              sync.Mutex
	commands        []relay.Command
	results         map[string]relay.CommandResult
	resultOrder     []string
	snapshots       map[string]relay.Snapshot
	presences       int
	closed          bool
	failGetResult   int
	failWriteResult int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results:   make(map[string]relay.CommandResult),
		snapshots: make(map[string]relay.Snapshot),
	}
}

func (f *fakeTransport) push(cmds ...relay.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmds...)
}

func (f *fakeTransport) PollCommands(ctx context.Context, runnerID string) ([]relay.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.Command(nil), f.commands...), nil
}

func (f *fakeTransport) GetResult(ctx context.Context, runnerID, commandID string) (*relay.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGetResult > 0 {
		f.failGetResult--
		return nil, fmt.Errorf("transport unavailable")
	}
	if res, ok := f.results[commandID]; ok {
		out := res
		return &out, nil
	}
	return nil, nil
}

func (f *fakeTransport) WriteResult(ctx context.Context, runnerID string, res relay.CommandResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWriteResult > 0 {
		f.failWriteResult--
		return fmt.Errorf("transport unavailable")
	}
	f.results[res.CommandID] = res
	f.resultOrder = append(f.resultOrder, res.CommandID)
	return nil
}

func (f *fakeTransport) RemoveCommand(ctx context.Context, runnerID, commandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cmd := range f.commands {
		if cmd.CommandID == commandID {
			f.commands = append(f.commands[:i], f.commands[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeTransport) WriteSnapshot(ctx context.Context, snap relay.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snap.ScopeKey] = snap
	return nil
}

func (f *fakeTransport) WritePresence(ctx context.Context, p relay.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) failNext(getResult, writeResult int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGetResult = getResult
	f.failWriteResult = writeResult
}

func (f *fakeTransport) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resultOrder)
}

func (f *fakeTransport) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resultOrder...)
}

func (f *fakeTransport) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

func (f *fakeTransport) result(commandID string) (relay.CommandResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[commandID]
	return res, ok
}

func (f *fakeTransport) snapshot(scope string) (relay.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[scope]
	return snap, ok
}
