package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/codexmonitor/relay/internal/relay"
)

// Topic layout. Commands flow toward the runner; results, snapshots,
// presence, and events flow back.
func cmdTopic(runnerID string) string      { return "cm.cmd." + runnerID }
func resTopic(runnerID string) string      { return "cm.res." + runnerID }
func snapTopic(runnerID string) string     { return "cm.snap." + runnerID }
func presenceTopic(runnerID string) string { return "cm.presence." + runnerID }
func eventTopic(runnerID, workspaceID string) string {
	return "cm.ev." + runnerID + "." + workspaceID
}

// resultCacheMax bounds the retained result cache; trimmed to half.
const resultCacheMax = 1000

var (
	_ relay.Transport      = (*Bus)(nil)
	_ relay.EventPublisher = (*Bus)(nil)
	_ relay.Inspector      = (*Bus)(nil)
)

// Bus is the pub/sub transport. Inbound commands land in an in-memory
// inbox drained by PollCommands; everything outbound is published.
// Pub/sub offers no lookup, so GetResult answers from a bounded cache of
// results this process wrote. That is sufficient for the idempotency
// gate: the cache only ever short-circuits duplicates already resulted
// here, and cache misses re-execute, which at-least-once delivery
// permits.
type Bus struct {
	pub      message.Publisher
	sub      message.Subscriber
	runnerID string
	cancel   context.CancelFunc

	mu          sync.Mutex
	inbox       map[string]relay.Command
	results     map[string]relay.CommandResult
	resultOrder []string
	closed      bool
}

// New creates a bus over an established publisher/subscriber pair and
// starts the command intake.
func New(pub message.Publisher, sub message.Subscriber, runnerID string) (*Bus, error) {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		pub:      pub,
		sub:      sub,
		runnerID: runnerID,
		cancel:   cancel,
		inbox:    make(map[string]relay.Command),
		results:  make(map[string]relay.CommandResult),
	}

	msgs, err := sub.Subscribe(ctx, cmdTopic(runnerID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", cmdTopic(runnerID), err)
	}
	go b.intake(msgs)

	return b, nil
}

// NewRedis creates a bus over redis streams. The consumer group is keyed
// by runner so each runner sees every command exactly once per group.
func NewRedis(redisURL, runnerID string, allowInsecure bool) (*Bus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.Password == "" && !allowInsecure {
		return nil, fmt.Errorf("redis endpoint has no credential; set CODEXMONITOR_ALLOW_INSECURE=1 to override")
	}

	client := redis.NewClient(opt)
	logger := watermill.NewStdLogger(false, false)

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, logger)
	if err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		ConsumerGroup: "relay-" + runnerID,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create subscriber: %w", err)
	}

	return New(pub, sub, runnerID)
}

// intake drains inbound command messages into the inbox. Messages are
// acked on intake; the inbox carries them until the relay loop results
// and removes them.
func (b *Bus) intake(msgs <-chan *message.Message) {
	for msg := range msgs {
		var cmd relay.Command
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			log.Printf("bus: discarding malformed command: %v", err)
			msg.Ack()
			continue
		}
		if cmd.CommandID == "" {
			log.Printf("bus: discarding command without id")
			msg.Ack()
			continue
		}

		b.mu.Lock()
		b.inbox[cmd.CommandID] = cmd
		b.mu.Unlock()
		msg.Ack()
	}
}

// PollCommands returns the current inbox contents. Ordering is restored
// by the caller from created_at.
func (b *Bus) PollCommands(ctx context.Context, runnerID string) ([]relay.Command, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cmds := make([]relay.Command, 0, len(b.inbox))
	for _, cmd := range b.inbox {
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// GetResult answers from the local result cache; (nil, nil) on miss.
func (b *Bus) GetResult(ctx context.Context, runnerID, commandID string) (*relay.CommandResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if res, ok := b.results[commandID]; ok {
		out := res
		return &out, nil
	}
	return nil, nil
}

// WriteResult caches the result and publishes it on the result topic.
func (b *Bus) WriteResult(ctx context.Context, runnerID string, res relay.CommandResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("command_id", res.CommandID)
	if err := b.pub.Publish(resTopic(runnerID), msg); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}

	b.mu.Lock()
	if _, ok := b.results[res.CommandID]; !ok {
		b.resultOrder = append(b.resultOrder, res.CommandID)
	}
	b.results[res.CommandID] = res
	if len(b.resultOrder) > resultCacheMax {
		drop := len(b.resultOrder) - resultCacheMax/2
		for _, id := range b.resultOrder[:drop] {
			delete(b.results, id)
		}
		b.resultOrder = append([]string(nil), b.resultOrder[drop:]...)
	}
	b.mu.Unlock()
	return nil
}

// RemoveCommand drops the command from the inbox.
func (b *Bus) RemoveCommand(ctx context.Context, runnerID, commandID string) error {
	b.mu.Lock()
	delete(b.inbox, commandID)
	b.mu.Unlock()
	return nil
}

// WriteSnapshot publishes the snapshot on the snapshot topic. Consumers
// keep the latest message per scope; the scope rides in the metadata so
// clients can filter without decoding.
func (b *Bus) WriteSnapshot(ctx context.Context, snap relay.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("scope_key", snap.ScopeKey)
	if err := b.pub.Publish(snapTopic(snap.RunnerID), msg); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// WritePresence publishes the heartbeat on the presence topic.
func (b *Bus) WritePresence(ctx context.Context, p relay.Presence) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pub.Publish(presenceTopic(p.RunnerID), msg); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// PublishEvent pushes an agent runtime event to watching clients.
func (b *Bus) PublishEvent(ctx context.Context, runnerID, workspaceID string, payload json.RawMessage) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	if err := b.pub.Publish(eventTopic(runnerID, workspaceID), msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SubmitCommand publishes a command toward the runner. This is the
// client side of the cmd topic, used by the diagnostic CLI.
func (b *Bus) SubmitCommand(ctx context.Context, runnerID string, cmd relay.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("command_id", cmd.CommandID)
	if err := b.pub.Publish(cmdTopic(runnerID), msg); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}

// GetSnapshot is not answerable over pub/sub; snapshots are streamed,
// not stored.
func (b *Bus) GetSnapshot(ctx context.Context, runnerID, scopeKey string) (*relay.Snapshot, error) {
	return nil, fmt.Errorf("bus transport has no snapshot lookup; subscribe to %s", snapTopic(runnerID))
}

// GetPresence is not answerable over pub/sub.
func (b *Bus) GetPresence(ctx context.Context, runnerID string) (*relay.Presence, error) {
	return nil, fmt.Errorf("bus transport has no presence lookup; subscribe to %s", presenceTopic(runnerID))
}

// LatestResult returns the most recent locally written result.
func (b *Bus) LatestResult(ctx context.Context, runnerID string) (*relay.CommandResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.resultOrder) == 0 {
		return nil, fmt.Errorf("results for %s: %w", runnerID, relay.ErrNotFound)
	}
	res := b.results[b.resultOrder[len(b.resultOrder)-1]]
	return &res, nil
}

// Close stops the intake and closes the underlying pub/sub.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.pub.Close()
	if serr := b.sub.Close(); err == nil {
		err = serr
	}
	return err
}
