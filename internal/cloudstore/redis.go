package cloudstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codexmonitor/relay/internal/relay"
)

// Key layout. Every record is namespaced by runner so multiple runners
// can share one endpoint.
//
//	cm:cmd:<runner>:<id>   hash   inbound command
//	cm:pending:<runner>    zset   pending command index, scored by created_at
//	cm:res:<runner>:<id>   hash   durable command result
//	cm:results:<runner>    zset   result index, scored by created_at
//	cm:snap:<runner>:<scope> hash snapshot
//	cm:presence:<runner>   hash   heartbeat
const keyPrefix = "cm"

var (
	_ relay.Transport = (*Store)(nil)
	_ relay.Inspector = (*Store)(nil)
)

// Store is the "redis" transport: keyed records over a shared endpoint,
// polled by both sides. No ordered delivery is assumed; the pending index
// only provides a best-effort oldest-first read.
type Store struct {
	client *redis.Client
}

// New connects to the endpoint. Credential-less endpoints are refused
// unless explicitly allowed, since anyone who can reach the endpoint can
// drive the runner.
func New(redisURL string, allowInsecure bool) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.Password == "" && !allowInsecure {
		return nil, fmt.Errorf("redis endpoint has no credential; set CODEXMONITOR_ALLOW_INSECURE=1 to override")
	}
	return &Store{client: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an existing client. Used by tests.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, relay.OpTimeout)
}

func cmdKey(runnerID, commandID string) string {
	return fmt.Sprintf("%s:cmd:%s:%s", keyPrefix, runnerID, commandID)
}

func pendingKey(runnerID string) string {
	return fmt.Sprintf("%s:pending:%s", keyPrefix, runnerID)
}

func resKey(runnerID, commandID string) string {
	return fmt.Sprintf("%s:res:%s:%s", keyPrefix, runnerID, commandID)
}

func resultsKey(runnerID string) string {
	return fmt.Sprintf("%s:results:%s", keyPrefix, runnerID)
}

func snapKey(runnerID, scopeKey string) string {
	return fmt.Sprintf("%s:snap:%s:%s", keyPrefix, runnerID, scopeKey)
}

func presenceKey(runnerID string) string {
	return fmt.Sprintf("%s:presence:%s", keyPrefix, runnerID)
}

// PollCommands reads the pending index oldest first and resolves each
// entry. Index entries whose record vanished are dropped from the index.
func (s *Store) PollCommands(ctx context.Context, runnerID string) ([]relay.Command, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	ids, err := s.client.ZRange(ctx, pendingKey(runnerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending index: %w", err)
	}

	var cmds []relay.Command
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, cmdKey(runnerID, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read command %s: %w", id, err)
		}
		if len(fields) == 0 {
			// Stale index entry
			if err := s.client.ZRem(ctx, pendingKey(runnerID), id).Err(); err != nil {
				log.Printf("cloudstore: drop stale index entry %s: %v", id, err)
			}
			continue
		}
		cmds = append(cmds, commandFromFields(id, fields))
	}
	return cmds, nil
}

func commandFromFields(id string, fields map[string]string) relay.Command {
	cmd := relay.Command{
		CommandID: id,
		ClientID:  fields["client_id"],
		Type:      fields["type"],
	}
	if args := fields["args"]; args != "" {
		cmd.Args = json.RawMessage(args)
	}
	if at := fields["created_at"]; at != "" {
		cmd.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
	}
	return cmd
}

// GetResult returns the durable result, or (nil, nil) when absent.
func (s *Store) GetResult(ctx context.Context, runnerID, commandID string) (*relay.CommandResult, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, resKey(runnerID, commandID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read result %s: %w", commandID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	res := resultFromFields(commandID, fields)
	return &res, nil
}

func resultFromFields(commandID string, fields map[string]string) relay.CommandResult {
	res := relay.CommandResult{
		CommandID: commandID,
		OK:        fields["ok"] == "1",
	}
	if payload := fields["payload"]; payload != "" {
		res.Payload = json.RawMessage(payload)
	}
	if at := fields["created_at"]; at != "" {
		res.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
	}
	return res
}

// WriteResult stores the result record and indexes it.
func (s *Store) WriteResult(ctx context.Context, runnerID string, res relay.CommandResult) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	okStr := "0"
	if res.OK {
		okStr = "1"
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, resKey(runnerID, res.CommandID), map[string]any{
		"ok":         okStr,
		"payload":    string(res.Payload),
		"created_at": res.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, resultsKey(runnerID), redis.Z{
		Score:  float64(res.CreatedAt.UnixMilli()),
		Member: res.CommandID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write result %s: %w", res.CommandID, err)
	}
	return nil
}

// RemoveCommand deletes the command record and its index entry.
func (s *Store) RemoveCommand(ctx context.Context, runnerID, commandID string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, cmdKey(runnerID, commandID))
	pipe.ZRem(ctx, pendingKey(runnerID), commandID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove command %s: %w", commandID, err)
	}
	return nil
}

// WriteSnapshot replaces the snapshot record for (runner, scope).
func (s *Store) WriteSnapshot(ctx context.Context, snap relay.Snapshot) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	err := s.client.HSet(ctx, snapKey(snap.RunnerID, snap.ScopeKey), map[string]any{
		"payload":    string(snap.Payload),
		"updated_at": snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"v":          strconv.Itoa(snap.EnvelopeVersion),
	}).Err()
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.ScopeKey, err)
	}
	return nil
}

// WritePresence updates the heartbeat record, last writer wins.
func (s *Store) WritePresence(ctx context.Context, p relay.Presence) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	err := s.client.HSet(ctx, presenceKey(p.RunnerID), map[string]any{
		"name":       p.Name,
		"platform":   p.Platform,
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

// SubmitCommand enqueues a command for the runner.
func (s *Store) SubmitCommand(ctx context.Context, runnerID string, cmd relay.Command) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, cmdKey(runnerID, cmd.CommandID), map[string]any{
		"client_id":  cmd.ClientID,
		"type":       cmd.Type,
		"args":       string(cmd.Args),
		"created_at": cmd.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, pendingKey(runnerID), redis.Z{
		Score:  float64(cmd.CreatedAt.UnixMilli()),
		Member: cmd.CommandID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("submit command %s: %w", cmd.CommandID, err)
	}
	return nil
}

// GetSnapshot reads the snapshot record for a scope.
func (s *Store) GetSnapshot(ctx context.Context, runnerID, scopeKey string) (*relay.Snapshot, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, snapKey(runnerID, scopeKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", scopeKey, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("snapshot %s: %w", scopeKey, relay.ErrNotFound)
	}

	snap := &relay.Snapshot{
		RunnerID: runnerID,
		ScopeKey: scopeKey,
		Payload:  json.RawMessage(fields["payload"]),
	}
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	snap.EnvelopeVersion, _ = strconv.Atoi(fields["v"])
	return snap, nil
}

// GetPresence reads the heartbeat record for a runner.
func (s *Store) GetPresence(ctx context.Context, runnerID string) (*relay.Presence, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, presenceKey(runnerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("presence %s: %w", runnerID, relay.ErrNotFound)
	}

	p := &relay.Presence{
		RunnerID: runnerID,
		Name:     fields["name"],
		Platform: fields["platform"],
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return p, nil
}

// LatestResult returns the most recently written result for the runner.
func (s *Store) LatestResult(ctx context.Context, runnerID string) (*relay.CommandResult, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	ids, err := s.client.ZRevRange(ctx, resultsKey(runnerID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read result index: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("results for %s: %w", runnerID, relay.ErrNotFound)
	}

	fields, err := s.client.HGetAll(ctx, resKey(runnerID, ids[0])).Result()
	if err != nil {
		return nil, fmt.Errorf("read result %s: %w", ids[0], err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("result %s: %w", ids[0], relay.ErrNotFound)
	}
	res := resultFromFields(ids[0], fields)
	return &res, nil
}

// Ping verifies the endpoint is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
