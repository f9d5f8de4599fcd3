package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexmonitor/relay/internal/config"
	"github.com/codexmonitor/relay/internal/identity"
	"github.com/codexmonitor/relay/internal/relay"
)

// inspector bundles the transport with the runner it inspects.
type inspector struct {
	relay.Inspector
	transport relay.Transport
	runnerID  string
}

func (i *inspector) Close() {
	_ = i.transport.Close()
}

// openInspector builds the configured transport and asserts its
// diagnostic surface.
func openInspector() (*inspector, error) {
	dir, err := settingsDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if !cfg.Cloud.Enabled {
		return nil, fmt.Errorf("cloud sync is disabled; enable it in %s/settings.json", dir)
	}
	runner, err := identity.LoadOrCreateRunner(dir)
	if err != nil {
		return nil, err
	}

	t, err := newTransport(cfg, runner.RunnerID)
	if err != nil {
		return nil, err
	}
	insp, ok := t.(relay.Inspector)
	if !ok {
		_ = t.Close()
		return nil, fmt.Errorf("%s transport has no diagnostic surface", cfg.Cloud.Provider)
	}
	return &inspector{Inspector: insp, transport: t, runnerID: runner.RunnerID}, nil
}

func cloudCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Inspect and exercise the cloud transport",
		Long: `Diagnostic verbs against the configured cloud transport.

These act directly on the record store, bypassing the daemon. They are
safe to run while the daemon is up.`,
	}

	cmd.AddCommand(cloudStatusCmd())
	cmd.AddCommand(cloudTestCmd())
	cmd.AddCommand(cloudPresenceCmd())
	cmd.AddCommand(cloudSnapshotCmd())
	cmd.AddCommand(cloudResultCmd())
	cmd.AddCommand(cloudSubmitCmd())

	return cmd
}

func cloudStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cloud configuration and runner identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := settingsDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			runner, err := identity.LoadOrCreateRunner(dir)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"enabled":   cfg.Cloud.Enabled,
				"provider":  cfg.Cloud.Provider,
				"runner_id": runner.RunnerID,
				"name":      runner.Name,
			})
		},
	}
}

// cloudTestCmd round-trips one presence record through the transport and
// reports the latency.
func cloudTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Round-trip a record through the transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := openInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			ctx := context.Background()
			record := "presence:" + insp.runnerID
			start := time.Now()

			p := relay.Presence{
				RunnerID:  insp.runnerID,
				Name:      "cloud-test",
				Platform:  runtime.GOOS,
				UpdatedAt: time.Now().UTC(),
			}
			if err := insp.transport.WritePresence(ctx, p); err != nil {
				return err
			}
			if _, err := insp.GetPresence(ctx, insp.runnerID); err != nil {
				return fmt.Errorf("read back %s: %w", record, err)
			}

			return printJSON(map[string]any{
				"ok":          true,
				"record":      record,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		},
	}
}

func cloudPresenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Read or write the presence record",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Read the runner's presence record",
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := openInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			p, err := insp.GetPresence(context.Background(), insp.runnerID)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	})

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Write a presence record for this runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")

			insp, err := openInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			p := relay.Presence{
				RunnerID:  insp.runnerID,
				Name:      name,
				Platform:  runtime.GOOS,
				UpdatedAt: time.Now().UTC(),
			}
			if err := insp.transport.WritePresence(context.Background(), p); err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	setCmd.Flags().String("name", "", "Presence display name")
	cmd.AddCommand(setCmd)

	return cmd
}

func cloudSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Read snapshot records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [scope]",
		Short: "Read the snapshot for a scope (default: global)",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := relay.ScopeGlobal
			if len(args) > 0 {
				scope = args[0]
			}
			if _, _, err := relay.ParseScope(scope); err != nil {
				return usageErrorf("%v", err)
			}

			insp, err := openInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			snap, err := insp.GetSnapshot(context.Background(), insp.runnerID, scope)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	})

	return cmd
}

func cloudResultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result",
		Short: "Read command results",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <commandId>",
		Short: "Read the result for a command",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 || args[0] == "" {
				return usageErrorf("result get requires a command id")
			}

			insp, err := openInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			res, err := insp.transport.GetResult(context.Background(), insp.runnerID, args[0])
			if err != nil {
				return err
			}
			if res == nil {
				return fmt.Errorf("result %s: %w", args[0], relay.ErrNotFound)
			}
			return printJSON(res)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "latest",
		Short: "Read the most recent result",
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := openInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			res, err := insp.LatestResult(context.Background(), insp.runnerID)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	})

	return cmd
}

func cloudSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Submit a command to the runner",
		Long: `Submit a command record for the daemon to pick up on its next
poll cycle. Use --wait to poll for the result.

Examples:
  relay cloud submit ping --wait
  relay cloud submit listThreads --args '{"workspace_id":"ws_..."}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 || args[0] == "" {
				return usageErrorf("submit requires a command type")
			}
			argsJSON, _ := cmd.Flags().GetString("args")
			wait, _ := cmd.Flags().GetBool("wait")

			var payload json.RawMessage
			if argsJSON != "" {
				if !json.Valid([]byte(argsJSON)) {
					return usageErrorf("--args is not valid JSON")
				}
				payload = json.RawMessage(argsJSON)
			}

			insp, err := openInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			ctx := context.Background()
			command := relay.Command{
				CommandID: identity.GenerateCommandID(),
				ClientID:  "cli",
				Type:      args[0],
				Args:      payload,
				CreatedAt: time.Now().UTC(),
			}
			if err := insp.SubmitCommand(ctx, insp.runnerID, command); err != nil {
				return err
			}

			if !wait {
				return printJSON(map[string]any{"command_id": command.CommandID, "submitted": true})
			}

			deadline := time.After(2 * time.Minute)
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-deadline:
					return fmt.Errorf("timeout waiting for result of %s", command.CommandID)
				case <-ticker.C:
					res, err := insp.transport.GetResult(ctx, insp.runnerID, command.CommandID)
					if err != nil && !errors.Is(err, relay.ErrNotFound) {
						return err
					}
					if res != nil {
						return printJSON(res)
					}
				}
			}
		},
	}

	cmd.Flags().String("args", "", "Command arguments (JSON)")
	cmd.Flags().Bool("wait", false, "Poll until the result arrives")
	return cmd
}
