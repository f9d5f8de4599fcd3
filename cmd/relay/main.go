package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codexmonitor/relay/internal/config"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagSettingsDir string
	flagJSON        bool
	flagQuiet       bool
)

// errUsage marks a missing or malformed required argument. Commands wrap
// it so main can exit 2 instead of the generic 1.
var errUsage = errors.New("usage")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Remote command relay for local agent sessions",
		Long: `Relay lets disconnected clients drive local long-running agent
sessions over unreliable transports.

It polls a shared record store (or pub/sub bus) for commands, executes
them against local agent runtime sessions, and publishes results,
state snapshots, and presence back for remote clients to read.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagSettingsDir, "settings-dir", "", "Settings directory (default ~/.codexmonitor, or CODEXMONITOR_SETTINGS_DIR)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("relay v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(cloudCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(telegramCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// settingsDir resolves the settings directory from the flag or the
// environment.
func settingsDir() (string, error) {
	if flagSettingsDir != "" {
		return flagSettingsDir, nil
	}
	return config.Dir()
}

// printJSON writes one JSON line to stdout. All machine-readable command
// output goes through here.
func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// isInteractive returns true if stdin is a terminal (not piped/redirected).
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show relay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				return printJSON(map[string]string{
					"version":    Version,
					"build":      Build,
					"go_version": goruntime.Version(),
				})
			}
			fmt.Printf("relay v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			return nil
		},
	}
}
