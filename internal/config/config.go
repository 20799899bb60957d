package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config holds all promptsmith configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Template store backing fragments and experiments
	Store StoreConfig `yaml:"store"`

	// Prompt assembly
	Assembly AssemblyConfig `yaml:"assembly"`

	// A/B experiment defaults
	Experiment ExperimentConfig `yaml:"experiment"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig selects and configures the template store.
type StoreConfig struct {
	// Driver is "memory" (fragments loaded from FragmentsDir) or "sqlite".
	Driver string `yaml:"driver"`

	// DatabasePath is the SQLite file used by the sqlite driver.
	DatabasePath string `yaml:"database_path"`

	// FragmentsDir holds YAML fragment files for the memory driver
	// and for `fragments import`.
	FragmentsDir string `yaml:"fragments_dir"`

	// Watch reloads FragmentsDir on change (memory driver only).
	Watch bool `yaml:"watch"`

	// WatchDebounce coalesces bursts of file events, e.g. "250ms".
	WatchDebounce string `yaml:"watch_debounce"`
}

// AssemblyConfig configures the assembler.
type AssemblyConfig struct {
	// Separator joins fragment bodies. Default is a blank line.
	Separator string `yaml:"separator"`
}

// MarshalYAML writes the separator double-quoted. A block scalar would
// not keep a separator made only of newlines intact on reload.
func (a AssemblyConfig) MarshalYAML() (interface{}, error) {
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "separator"},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: a.Separator, Style: yaml.DoubleQuotedStyle},
		},
	}, nil
}

// ExperimentConfig configures experiment defaults.
type ExperimentConfig struct {
	// DefaultMinSampleSize applies when create omits a minimum sample size.
	DefaultMinSampleSize int `yaml:"default_min_sample_size"`

	// DefaultTrafficPercent applies when create omits traffic allocation.
	DefaultTrafficPercent float64 `yaml:"default_traffic_percent"`

	// Seed fixes the variant selection RNG. Zero means time-seeded.
	Seed uint64 `yaml:"seed"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "promptsmith",
		Version: "0.4.0",

		Store: StoreConfig{
			Driver:        DriverMemory,
			DatabasePath:  "data/promptsmith.db",
			FragmentsDir:  "fragments",
			Watch:         false,
			WatchDebounce: "250ms",
		},

		Assembly: AssemblyConfig{
			Separator: "\n\n",
		},

		Experiment: ExperimentConfig{
			DefaultMinSampleSize:  100,
			DefaultTrafficPercent: 100,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, errors.Wrap(err, "failed to read config")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if driver := os.Getenv("PROMPTSMITH_STORE_DRIVER"); driver != "" {
		c.Store.Driver = strings.ToLower(driver)
	}
	if path := os.Getenv("PROMPTSMITH_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if dir := os.Getenv("PROMPTSMITH_FRAGMENTS"); dir != "" {
		c.Store.FragmentsDir = dir
	}
	if lvl := os.Getenv("PROMPTSMITH_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return errors.Newf("unknown store driver %q", c.Store.Driver)
	}

	if c.Store.Driver == DriverSQLite && c.Store.DatabasePath == "" {
		return errors.New("store.database_path is required for the sqlite driver")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return errors.Newf("unknown log level %q", c.Logging.Level)
	}

	if c.Experiment.DefaultMinSampleSize < 0 {
		return errors.New("experiment.default_min_sample_size must not be negative")
	}
	if c.Experiment.DefaultTrafficPercent < 0 || c.Experiment.DefaultTrafficPercent > 100 {
		return errors.New("experiment.default_traffic_percent must be within 0-100")
	}

	if _, err := time.ParseDuration(c.Store.WatchDebounce); c.Store.WatchDebounce != "" && err != nil {
		return errors.Wrap(err, "invalid store.watch_debounce")
	}

	return nil
}

// GetWatchDebounce returns the watcher debounce as a duration.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Store.WatchDebounce)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

// GetSeparator returns the fragment separator, defaulting to a blank line.
func (c *Config) GetSeparator() string {
	if c.Assembly.Separator == "" {
		return "\n\n"
	}
	return c.Assembly.Separator
}
