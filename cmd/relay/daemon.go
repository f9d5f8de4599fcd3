package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codexmonitor/relay/internal/appserver"
	"github.com/codexmonitor/relay/internal/bus"
	"github.com/codexmonitor/relay/internal/cloudstore"
	"github.com/codexmonitor/relay/internal/config"
	"github.com/codexmonitor/relay/internal/identity"
	"github.com/codexmonitor/relay/internal/relay"
	"github.com/codexmonitor/relay/internal/store"
	"github.com/codexmonitor/relay/internal/telegram"
	"github.com/codexmonitor/relay/internal/workspace"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the relay daemon",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := settingsDir()
			if err != nil {
				return err
			}
			if err := daemonStart(dir); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("Daemon started")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := settingsDir()
			if err != nil {
				return err
			}
			if err := daemonStop(dir); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("Daemon stopped")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := settingsDir()
			if err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}

			running, pid := daemonRunning(dir)
			status := map[string]any{
				"running":  running,
				"provider": cfg.Cloud.Provider,
				"enabled":  cfg.Cloud.Enabled,
			}
			if running {
				status["pid"] = pid
			}
			if flagJSON {
				return printJSON(status)
			}
			if running {
				fmt.Printf("Daemon:   running (PID %d)\n", pid)
			} else {
				fmt.Println("Daemon:   not running")
			}
			if cfg.Cloud.Enabled {
				fmt.Printf("Provider: %s\n", cfg.Cloud.Provider)
			} else {
				fmt.Println("Provider: disabled")
			}
			if !running {
				os.Exit(1)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground (internal use)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := settingsDir()
			if err != nil {
				return err
			}
			return runDaemon(dir)
		},
	})

	return cmd
}

func pidPath(dir string) string {
	return filepath.Join(dir, "relay.pid")
}

// daemonRunning reads the pid file and probes the process.
func daemonRunning(dir string) (bool, int) {
	data, err := os.ReadFile(pidPath(dir)) //nolint:gosec // G304 - path from internal settings directory
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}

// daemonStart spawns "relay daemon run" detached and waits for its pid
// file to appear.
func daemonStart(dir string) error {
	if running, pid := daemonRunning(dir); running {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	cmd := exec.Command(executable, "daemon", "run", "--settings-dir", dir) //nolint:gosec // executable from os.Executable()
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	// Release so the child gets adopted by init. Calling Wait here would
	// leave the child unreaped when this process exits.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release daemon process: %w", err)
	}

	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for daemon to start")
		case <-ticker.C:
			if running, _ := daemonRunning(dir); running {
				return nil
			}
		}
	}
}

// daemonStop sends SIGTERM and waits for the process to exit.
func daemonStop(dir string) error {
	running, pid := daemonRunning(dir)
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for daemon to stop (PID %d still running)", pid)
		case <-ticker.C:
			if running, _ := daemonRunning(dir); !running {
				return nil
			}
		}
	}
}

// newTransport is the production transport factory: one provider name,
// one binding.
func newTransport(cfg *config.Settings, runnerID string) (relay.Transport, error) {
	switch cfg.Cloud.Provider {
	case config.ProviderLocal:
		return store.Open(cfg.Cloud.LocalDir)
	case config.ProviderRedis:
		return cloudstore.New(cfg.Cloud.RedisURL, config.AllowInsecure())
	case config.ProviderBus:
		return bus.NewRedis(cfg.Cloud.RedisURL, runnerID, config.AllowInsecure())
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.Cloud.Provider)
	}
}

// dialAgent builds the session dialer. A configured server URL wins over
// spawning the agent binary per workspace.
func dialAgent(cfg *config.Settings) workspace.DialFunc {
	return func(ctx context.Context, e workspace.Entry) (*appserver.Session, error) {
		if cfg.Agent.ServerURL != "" {
			return appserver.DialWebSocket(ctx, cfg.Agent.ServerURL)
		}
		bin := cfg.Agent.Bin
		if e.AgentBin != "" {
			bin = e.AgentBin
		}
		return appserver.NewStdioSession(ctx, bin, "app-server")
	}
}

// runDaemon wires everything together and blocks until SIGTERM/SIGINT.
func runDaemon(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	runner, err := identity.LoadOrCreateRunner(dir)
	if err != nil {
		return err
	}
	registry, err := workspace.LoadRegistry(dir)
	if err != nil {
		return err
	}

	manager := workspace.NewManager(registry, dialAgent(cfg))
	publisher := relay.NewPublisher(runner.RunnerID, registry, manager)
	executor := relay.NewExecutor(registry, manager, publisher)

	loop := relay.NewLoop(relay.LoopConfig{
		SettingsDir: dir,
		RunnerID:    runner.RunnerID,
		RunnerName:  runner.Name,
		Executor:    executor,
		Publisher:   publisher,
		Factory:     newTransport,
		Events:      manager.Subscribe(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loop.Start(ctx); err != nil {
		return err
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		bot, err := telegram.Connect(cfg.Telegram.Token)
		if err != nil {
			log.Printf("relay: telegram disabled: %v", err)
		} else {
			poller := telegram.NewPoller(bot, dir, cfg, registry, manager, executor)
			go poller.Run(ctx)
		}
	}

	if err := writePIDFile(dir); err != nil {
		_ = loop.Stop()
		return err
	}
	defer func() { _ = os.Remove(pidPath(dir)) }()

	log.Printf("relay: daemon running as %s (%s)", runner.RunnerID, runner.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Printf("relay: shutting down")
	cancel()
	if err := loop.Stop(); err != nil {
		log.Printf("relay: stop loop: %v", err)
	}
	manager.CloseAll()
	return nil
}

func writePIDFile(dir string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(pidPath(dir), data, 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
