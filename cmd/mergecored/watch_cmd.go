package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [docs-dir]",
		Short: "Register every .md document under docs-dir and show live sync status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWatchConfig(cmd, args[0])
			if err != nil {
				return err
			}

			fleet, err := buildFleet(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer fleet.shutdown(cmd.Context())

			noTUI, _ := cmd.Flags().GetBool("no-tui")
			if noTUI {
				fmt.Println(green.Render("mergecored") + " watching " + cfg.DocsDir + " (Ctrl+C to stop)")
				<-cmd.Context().Done()
				return nil
			}

			program := tea.NewProgram(newStatusModel(fleet), tea.WithContext(cmd.Context()))
			_, err = program.Run()
			return err
		},
	}

	cmd.Flags().String("state-dir", "", "directory holding per-document SQLite stores (default: <docs-dir>/.mergecore)")
	cmd.Flags().String("app-id", "", "app id prefix for persisted store names (default: mergecore)")
	cmd.Flags().String("relay-url", "", "websocket relay URL; empty runs with no remote CRDT connection")
	cmd.Flags().Int("poll-interval-ms", 0, "disk poll fallback interval in milliseconds; 0 relies on the fs watcher only")
	cmd.Flags().Bool("no-tui", false, "run headless instead of launching the status TUI")

	return cmd
}
