package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"promptsmith/internal/logging"
	"promptsmith/internal/prompt"
)

var watchInterval time.Duration

// watchCmd keeps the fragment directory loaded and reports reloads
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the fragments directory and reload on change",
	Long: `Loads the fragments directory into memory and reloads it whenever a
YAML file changes. A reload that fails to parse keeps the previous
fragments. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "report", 0, "Print watcher stats at this interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir := cfg.Store.FragmentsDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	mem, err := prompt.NewMemoryStore()
	if err != nil {
		return err
	}
	w, err := prompt.NewWatcher(dir, mem, cfg.GetWatchDebounce())
	if err != nil {
		return err
	}
	defer w.Stop()

	if err := w.Start(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("initial load failed:"), err)
	}

	out := cmd.OutOrStdout()
	snap, _ := mem.Snapshot(ctx)
	fmt.Fprintln(out, titleStyle.Render("watching "+dir), mutedStyle.Render(fmt.Sprintf("%d fragments", snap.Len())))
	logging.Get(logging.CategoryCLI).Info("Watching %s (debounce %s)", dir, cfg.GetWatchDebounce())

	var tick <-chan time.Time
	if watchInterval > 0 {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			stats := w.Stats()
			fmt.Fprintf(out, "stopped after %d reloads (%d errors)\n", stats.Reloads, stats.Errors)
			return nil
		case <-tick:
			stats := w.Stats()
			fmt.Fprintf(out, "generation %d: events=%d reloads=%d errors=%d last=%s\n",
				mem.Generation(), stats.Events, stats.Reloads, stats.Errors, stats.LastEventPath)
		}
	}
}
