package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codexmonitor/relay/internal/workspace"
)

func workspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Manage registered workspaces",
		Long: `Manage the workspace registry the daemon serves.

A workspace is a directory the agent runtime runs in. Remote clients
address commands to workspaces by the IDs shown here.`,
	}

	cmd.AddCommand(workspaceAddCmd())
	cmd.AddCommand(workspaceListCmd())
	cmd.AddCommand(workspaceRemoveCmd())

	return cmd
}

func workspaceAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Register a workspace directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 || args[0] == "" {
				return usageErrorf("add requires a directory path")
			}
			name, _ := cmd.Flags().GetString("name")

			dir, err := settingsDir()
			if err != nil {
				return err
			}
			registry, err := workspace.LoadRegistry(dir)
			if err != nil {
				return err
			}
			entry, err := registry.Add(args[0], name)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(entry)
			}
			if !flagQuiet {
				fmt.Printf("Registered %s (%s)\n", entry.Name, entry.ID)
				fmt.Printf("  Path: %s\n", entry.Path)
			}
			return nil
		},
	}

	cmd.Flags().String("name", "", "Display name (default: directory base name)")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := settingsDir()
			if err != nil {
				return err
			}
			registry, err := workspace.LoadRegistry(dir)
			if err != nil {
				return err
			}
			entries := registry.List()

			if flagJSON {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No workspaces registered")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %-20s %s\n", e.ID, e.Name, e.Path)
			}
			return nil
		},
	}
}

func workspaceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a workspace from the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 || args[0] == "" {
				return usageErrorf("remove requires a workspace id")
			}

			dir, err := settingsDir()
			if err != nil {
				return err
			}
			registry, err := workspace.LoadRegistry(dir)
			if err != nil {
				return err
			}
			if err := registry.Remove(args[0]); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Printf("Removed %s\n", args[0])
			}
			return nil
		},
	}
}
