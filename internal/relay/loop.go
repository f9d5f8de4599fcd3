package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/codexmonitor/relay/internal/config"
	"github.com/codexmonitor/relay/internal/identity"
	"github.com/codexmonitor/relay/internal/workspace"
)

// TransportFactory builds a transport binding from the current settings.
// The loop calls it whenever the settings fingerprint changes.
type TransportFactory func(cfg *config.Settings, runnerID string) (Transport, error)

// Loop is the relay control loop. One loop serves one transport binding:
// it heartbeats, publishes the global snapshot, polls for commands, and
// executes them strictly sequentially.
type Loop struct {
	settingsDir string
	runnerID    string
	runnerName  string
	executor    *Executor
	publisher   *Publisher
	processed   *ProcessedSet
	factory     TransportFactory
	events      <-chan workspace.Event

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	snapshotInterval  time.Duration
	trimInterval      time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
	triggerCh chan struct{}

	mu           sync.Mutex
	running      bool
	lastCycleAt  time.Time
	lastError    error
	transport    Transport
	transportKey string

	lastHeartbeat time.Time
	lastSnapshot  time.Time
	lastTrim      time.Time
}

// LoopConfig wires a loop's collaborators.
type LoopConfig struct {
	SettingsDir string
	RunnerID    string
	RunnerName  string
	Executor    *Executor
	Publisher   *Publisher
	Factory     TransportFactory

	// Events, when set, carries agent runtime notifications the loop
	// forwards to push-capable transports.
	Events <-chan workspace.Event

	// PollInterval overrides the cycle cadence (default 2s). Tests use
	// short intervals.
	PollInterval time.Duration
}

// NewLoop creates a relay loop.
func NewLoop(lc LoopConfig) *Loop {
	poll := lc.PollInterval
	if poll == 0 {
		poll = 2 * time.Second
	}
	return &Loop{
		settingsDir:       lc.SettingsDir,
		runnerID:          lc.RunnerID,
		runnerName:        lc.RunnerName,
		executor:          lc.Executor,
		publisher:         lc.Publisher,
		processed:         NewProcessedSet(1000, 500),
		factory:           lc.Factory,
		events:            lc.Events,
		pollInterval:      poll,
		heartbeatInterval: 5 * time.Second,
		snapshotInterval:  5 * time.Second,
		trimInterval:      60 * time.Second,
		stopCh:            make(chan struct{}),
		stoppedCh:         make(chan struct{}),
		triggerCh:         make(chan struct{}, 1),
	}
}

// Start starts the loop in a goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("relay loop already running")
	}
	l.running = true
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

// Stop stops the loop and waits for the current cycle to finish.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	close(l.stopCh)
	<-l.stoppedCh

	l.mu.Lock()
	l.running = false
	l.stopCh = make(chan struct{})
	l.stoppedCh = make(chan struct{})
	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
		l.transportKey = ""
	}
	l.mu.Unlock()

	l.publisher.SetTransport(nil)
	return nil
}

// Trigger requests an immediate cycle (non-blocking).
func (l *Loop) Trigger() {
	select {
	case l.triggerCh <- struct{}{}:
	default:
		// A cycle is already pending
	}
}

// Status is the observable loop state.
type Status struct {
	Running     bool      `json:"running"`
	RunnerID    string    `json:"runner_id"`
	Provider    string    `json:"provider,omitempty"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	LastError   string    `json:"last_error,omitempty"`
	Processed   int       `json:"processed"`
}

// GetStatus returns the current loop status.
func (l *Loop) GetStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		Running:     l.running,
		RunnerID:    l.runnerID,
		LastCycleAt: l.lastCycleAt,
		Processed:   l.processed.Len(),
	}
	if l.transportKey != "" {
		st.Provider = l.transportKey[:indexByte(l.transportKey, '|')]
	}
	if l.lastError != nil {
		st.LastError = l.lastError.Error()
	}
	return st
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return len(s)
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) {
	defer close(l.stoppedCh)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	l.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cycle(ctx)
		case <-l.triggerCh:
			l.cycle(ctx)
		case ev, ok := <-l.events:
			if !ok {
				l.events = nil
				continue
			}
			l.forwardEvent(ctx, ev)
		}
	}
}

// cycle performs one relay cycle. Settings are re-read every time so
// enable/disable and endpoint changes take effect without a restart.
func (l *Loop) cycle(ctx context.Context) {
	cfg, err := config.Load(l.settingsDir)
	if err != nil {
		l.setError(fmt.Errorf("load settings: %w", err))
		return
	}

	if !cfg.Cloud.Enabled {
		// Valid steady state: idle with no transport.
		l.teardownTransport()
		l.markCycle(nil)
		return
	}

	t, err := l.ensureTransport(cfg)
	if err != nil {
		l.setError(err)
		return
	}

	now := time.Now()
	if now.Sub(l.lastHeartbeat) >= l.heartbeatInterval {
		opCtx, cancel := context.WithTimeout(ctx, OpTimeout)
		if err := l.publisher.WritePresence(opCtx, l.runnerName); err != nil {
			log.Printf("relay: heartbeat: %v", err)
		} else {
			l.lastHeartbeat = now
		}
		cancel()
	}
	if now.Sub(l.lastSnapshot) >= l.snapshotInterval {
		opCtx, cancel := context.WithTimeout(ctx, OpTimeout)
		if err := l.publisher.PublishGlobal(opCtx); err != nil {
			log.Printf("relay: global snapshot: %v", err)
		} else {
			l.lastSnapshot = now
		}
		cancel()
	}

	pollCtx, cancel := context.WithTimeout(ctx, OpTimeout)
	cmds, err := t.PollCommands(pollCtx, l.runnerID)
	cancel()
	if err != nil {
		l.setError(fmt.Errorf("poll commands: %w", err))
		return
	}

	sortCommands(cmds)
	for _, cmd := range cmds {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}
		if err := l.processCommand(ctx, t, cmd); err != nil {
			// A stuck command must not be overtaken by younger ones;
			// abandon the rest of the batch and retry next cycle.
			l.setError(err)
			return
		}
	}

	if now.Sub(l.lastTrim) >= l.trimInterval {
		l.processed.Trim()
		l.lastTrim = now
	}

	l.markCycle(nil)
}

// processCommand runs the idempotency gate for one command:
// durable result check, in-memory check, mark, execute, write result,
// best-effort ack. The durable result is the source of truth; the
// in-memory set only saves transport round trips. A non-nil error means
// the command is stuck on the transport and the caller must not proceed
// to younger commands this cycle.
func (l *Loop) processCommand(ctx context.Context, t Transport, cmd Command) error {
	opCtx, cancel := context.WithTimeout(ctx, OpTimeout)
	existing, err := t.GetResult(opCtx, l.runnerID, cmd.CommandID)
	cancel()
	if err != nil {
		// Cannot prove the command is new; leave it for the next cycle.
		return fmt.Errorf("result lookup for %s: %w", cmd.CommandID, err)
	}
	if existing != nil {
		opCtx, cancel := context.WithTimeout(ctx, OpTimeout)
		_ = t.RemoveCommand(opCtx, l.runnerID, cmd.CommandID)
		cancel()
		return nil
	}

	if l.processed.Contains(cmd.CommandID) {
		return nil
	}
	l.processed.Add(cmd.CommandID)

	result := l.executor.Execute(ctx, cmd)

	opCtx, cancel = context.WithTimeout(ctx, OpTimeout)
	err = t.WriteResult(opCtx, l.runnerID, result)
	cancel()
	if err != nil {
		// The result is not durable and the command stays inbound, so
		// unmark it: the next delivery re-executes and re-attempts the
		// write, which at-least-once delivery already permits.
		l.processed.Remove(cmd.CommandID)
		return fmt.Errorf("write result for %s: %w", cmd.CommandID, err)
	}

	opCtx, cancel = context.WithTimeout(ctx, OpTimeout)
	if err := t.RemoveCommand(opCtx, l.runnerID, cmd.CommandID); err != nil {
		log.Printf("relay: remove command %s: %v", cmd.CommandID, err)
	}
	cancel()
	return nil
}

// forwardEvent pushes an agent runtime event through push-capable
// transports and refreshes the affected thread snapshot on completions.
func (l *Loop) forwardEvent(ctx context.Context, ev workspace.Event) {
	l.mu.Lock()
	t := l.transport
	l.mu.Unlock()
	if t == nil {
		return
	}

	if pub, ok := t.(EventPublisher); ok {
		opCtx, cancel := context.WithTimeout(ctx, OpTimeout)
		if err := pub.PublishEvent(opCtx, l.runnerID, ev.WorkspaceID, ev.Params); err != nil {
			log.Printf("relay: publish event %s: %v", ev.Method, err)
		}
		cancel()
	}

	if ev.Method == "turn/completed" {
		var p struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.ThreadID != "" {
			opCtx, cancel := context.WithTimeout(ctx, OpTimeout)
			if err := l.publisher.PublishThread(opCtx, ev.WorkspaceID, p.ThreadID); err != nil {
				log.Printf("relay: thread snapshot after turn/completed: %v", err)
			}
			cancel()
		}
	}
}

// ensureTransport builds or rebuilds the transport when the settings
// fingerprint changes.
func (l *Loop) ensureTransport(cfg *config.Settings) (Transport, error) {
	key := fmt.Sprintf("%s|%s|%s", cfg.Cloud.Provider, cfg.Cloud.RedisURL, cfg.Cloud.LocalDir)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transport != nil && l.transportKey == key {
		return l.transport, nil
	}
	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
		l.transportKey = ""
	}

	t, err := l.factory(cfg, l.runnerID)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", cfg.Cloud.Provider, err)
	}
	l.transport = t
	l.transportKey = key
	l.publisher.SetTransport(t)
	log.Printf("relay: %s transport ready", cfg.Cloud.Provider)
	return t, nil
}

// teardownTransport closes the transport when sync is disabled.
func (l *Loop) teardownTransport() {
	l.mu.Lock()
	t := l.transport
	l.transport = nil
	l.transportKey = ""
	l.mu.Unlock()

	if t != nil {
		_ = t.Close()
		l.publisher.SetTransport(nil)
		log.Printf("relay: sync disabled, transport closed")
	}
}

// sortCommands orders commands oldest first, falling back to the command
// ID's ULID timestamp when created_at is missing.
func sortCommands(cmds []Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		return commandTime(cmds[i]).Before(commandTime(cmds[j]))
	})
}

func commandTime(cmd Command) time.Time {
	if !cmd.CreatedAt.IsZero() {
		return cmd.CreatedAt
	}
	if ts, err := identity.ULIDTimestamp(cmd.CommandID); err == nil {
		return ts
	}
	return time.Time{}
}

func (l *Loop) markCycle(err error) {
	l.mu.Lock()
	l.lastCycleAt = time.Now()
	l.lastError = err
	l.mu.Unlock()
}

func (l *Loop) setError(err error) {
	l.mu.Lock()
	l.lastCycleAt = time.Now()
	l.lastError = err
	l.mu.Unlock()
	log.Printf("relay: cycle error: %v", err)
}
