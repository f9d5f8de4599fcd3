package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/codexmonitor/relay/internal/relay"
)

// CurrentVersion is the current schema version.
const CurrentVersion = 1

var (
	_ relay.Transport = (*Store)(nil)
	_ relay.Inspector = (*Store)(nil)
)

// Store is the "local" transport: a SQLite record store on the same
// machine. It serves installs without a cloud endpoint and doubles as the
// reference implementation of the record-store semantics.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dbPath := filepath.Join(dir, "records.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc/sqlite serializes writes; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema inside one transaction.
func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS commands (
			runner_id  TEXT NOT NULL,
			command_id TEXT NOT NULL,
			client_id  TEXT,
			type       TEXT NOT NULL,
			args       TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (runner_id, command_id)
		)`,

		`CREATE TABLE IF NOT EXISTS command_results (
			runner_id  TEXT NOT NULL,
			command_id TEXT NOT NULL,
			ok         INTEGER NOT NULL,
			payload    TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (runner_id, command_id)
		)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			runner_id        TEXT NOT NULL,
			scope_key        TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			payload          TEXT NOT NULL,
			envelope_version INTEGER NOT NULL,
			PRIMARY KEY (runner_id, scope_key)
		)`,

		`CREATE TABLE IF NOT EXISTS presence (
			runner_id  TEXT PRIMARY KEY,
			name       TEXT,
			platform   TEXT,
			updated_at TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_commands_created
			ON commands (runner_id, created_at)`,
	}
	for _, stmt := range tables {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	var version int
	err = tx.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// PollCommands returns pending commands for the runner, oldest first.
// A command with a durable result is no longer pending even when its
// row lingers after a failed remove.
func (s *Store) PollCommands(ctx context.Context, runnerID string) ([]relay.Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.command_id, c.client_id, c.type, c.args, c.created_at
		 FROM commands c
		 WHERE c.runner_id = ?
		   AND NOT EXISTS (
			SELECT 1 FROM command_results r
			WHERE r.runner_id = c.runner_id AND r.command_id = c.command_id)
		 ORDER BY c.created_at ASC`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cmds []relay.Command
	for rows.Next() {
		var cmd relay.Command
		var clientID, args sql.NullString
		var createdAt string
		if err := rows.Scan(&cmd.CommandID, &clientID, &cmd.Type, &args, &createdAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmd.ClientID = clientID.String
		if args.Valid {
			cmd.Args = []byte(args.String)
		}
		cmd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// GetResult returns the durable result for a command, or nil when absent.
func (s *Store) GetResult(ctx context.Context, runnerID, commandID string) (*relay.CommandResult, error) {
	var res relay.CommandResult
	var ok int
	var payload sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT command_id, ok, payload, created_at
		 FROM command_results WHERE runner_id = ? AND command_id = ?`,
		runnerID, commandID).Scan(&res.CommandID, &ok, &payload, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query result: %w", err)
	}

	res.OK = ok != 0
	if payload.Valid {
		res.Payload = []byte(payload.String)
	}
	res.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &res, nil
}

// WriteResult durably stores a result, overwriting any previous one for
// the same command.
func (s *Store) WriteResult(ctx context.Context, runnerID string, res relay.CommandResult) error {
	okInt := 0
	if res.OK {
		okInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_results (runner_id, command_id, ok, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (runner_id, command_id) DO UPDATE SET
			ok = excluded.ok, payload = excluded.payload, created_at = excluded.created_at`,
		runnerID, res.CommandID, okInt, string(res.Payload), res.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// RemoveCommand deletes an inbound command. Removing a missing command is
// not an error.
func (s *Store) RemoveCommand(ctx context.Context, runnerID, commandID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM commands WHERE runner_id = ? AND command_id = ?", runnerID, commandID)
	if err != nil {
		return fmt.Errorf("remove command: %w", err)
	}
	return nil
}

// WriteSnapshot replaces the snapshot for (runner, scope).
func (s *Store) WriteSnapshot(ctx context.Context, snap relay.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (runner_id, scope_key, updated_at, payload, envelope_version)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (runner_id, scope_key) DO UPDATE SET
			updated_at = excluded.updated_at,
			payload = excluded.payload,
			envelope_version = excluded.envelope_version`,
		snap.RunnerID, snap.ScopeKey, snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(snap.Payload), snap.EnvelopeVersion)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// WritePresence updates the heartbeat record, last writer wins.
func (s *Store) WritePresence(ctx context.Context, p relay.Presence) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (runner_id, name, platform, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (runner_id) DO UPDATE SET
			name = excluded.name, platform = excluded.platform, updated_at = excluded.updated_at`,
		p.RunnerID, p.Name, p.Platform, p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

// SubmitCommand enqueues a command for the runner. Resubmitting the same
// command ID overwrites the pending record, which redelivery permits.
func (s *Store) SubmitCommand(ctx context.Context, runnerID string, cmd relay.Command) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (runner_id, command_id, client_id, type, args, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (runner_id, command_id) DO UPDATE SET
			client_id = excluded.client_id, type = excluded.type,
			args = excluded.args, created_at = excluded.created_at`,
		runnerID, cmd.CommandID, cmd.ClientID, cmd.Type, string(cmd.Args),
		cmd.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("submit command: %w", err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot for a scope.
func (s *Store) GetSnapshot(ctx context.Context, runnerID, scopeKey string) (*relay.Snapshot, error) {
	var snap relay.Snapshot
	var updatedAt, payload string

	err := s.db.QueryRowContext(ctx,
		`SELECT runner_id, scope_key, updated_at, payload, envelope_version
		 FROM snapshots WHERE runner_id = ? AND scope_key = ?`,
		runnerID, scopeKey).Scan(&snap.RunnerID, &snap.ScopeKey, &updatedAt, &payload, &snap.EnvelopeVersion)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s: %w", scopeKey, relay.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	snap.Payload = []byte(payload)
	return &snap, nil
}

// GetPresence returns the heartbeat record for a runner.
func (s *Store) GetPresence(ctx context.Context, runnerID string) (*relay.Presence, error) {
	var p relay.Presence
	var name, platform sql.NullString
	var updatedAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT runner_id, name, platform, updated_at FROM presence WHERE runner_id = ?",
		runnerID).Scan(&p.RunnerID, &name, &platform, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("presence %s: %w", runnerID, relay.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", err)
	}

	p.Name = name.String
	p.Platform = platform.String
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

// LatestResult returns the most recently written result for the runner.
func (s *Store) LatestResult(ctx context.Context, runnerID string) (*relay.CommandResult, error) {
	var res relay.CommandResult
	var ok int
	var payload sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT command_id, ok, payload, created_at FROM command_results
		 WHERE runner_id = ? ORDER BY created_at DESC LIMIT 1`,
		runnerID).Scan(&res.CommandID, &ok, &payload, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("results for %s: %w", runnerID, relay.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query latest result: %w", err)
	}

	res.OK = ok != 0
	if payload.Valid {
		res.Payload = []byte(payload.String)
	}
	res.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &res, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
