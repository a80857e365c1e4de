// Command mergecored is a debug CLI/TUI that wires one MergeManager
// against local fixtures: a folder of plain-text documents, a SQLite
// persistence directory, and (optionally) a websocket relay. It exists to
// make the MergeHSM's state observable from outside a test harness; it is
// not part of the synchronization core itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/relaynotes/mergecore/internal/utils"
	"github.com/relaynotes/mergecore/internal/version"
)

var (
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

var rootCmd = &cobra.Command{
	Use:     "mergecored",
	Short:   "Debug CLI for the mergecore document-synchronization core",
	Version: version.Detailed(),
}

func init() {
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Detailed())
		},
	}
}

func main() {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})

	logPath := os.Getenv("MERGECORED_LOG_FILE")
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), "mergecored.log")
	}
	var handlers []slog.Handler
	handlers = append(handlers, handler)
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red.Render("ERROR")+": "+err.Error())
		os.Exit(1)
	}
}
