package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"promptsmith/internal/config"
	"promptsmith/internal/logging"
)

var (
	// Global flags
	configPath   string
	dbPath       string
	fragmentsDir string
	driver       string
	verbose      bool
	timeout      time.Duration

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "promptsmith",
	Short: "promptsmith - prompt template assembly and A/B experiments",
	Long: `promptsmith assembles LLM prompts from versioned, conditional fragments.

Fragments are authored as YAML and served either straight from a directory
(memory driver) or from a SQLite database (sqlite driver). Experiments
compare two versions of one fragment and are always kept in SQLite.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "promptsmith.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&fragmentsDir, "fragments", "", "Fragment YAML directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "Template store driver: memory or sqlite (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")

	rootCmd.AddCommand(assembleCmd)
	rootCmd.AddCommand(compositeCmd)
	rootCmd.AddCommand(fragmentsCmd)
	rootCmd.AddCommand(experimentCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(backupCmd)
}

// setup loads config, applies flag overrides and starts logging.
func setup() error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		loaded.Store.DatabasePath = dbPath
	}
	if fragmentsDir != "" {
		loaded.Store.FragmentsDir = fragmentsDir
	}
	if driver != "" {
		loaded.Store.Driver = driver
	}
	if verbose {
		loaded.Logging.Level = "debug"
	}
	if err := loaded.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	if err := logging.Initialize(logging.Config{
		Level:      loaded.Logging.Level,
		Format:     loaded.Logging.Format,
		File:       loaded.Logging.File,
		Categories: loaded.Logging.Categories,
	}); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}

	cfg = loaded
	logging.Get(logging.CategoryBoot).Debug("Config loaded from %s (driver=%s)", configPath, cfg.Store.Driver)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
