package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROMPTSMITH_STORE_DRIVER", "")
	t.Setenv("PROMPTSMITH_DB", "")
	t.Setenv("PROMPTSMITH_FRAGMENTS", "")
	t.Setenv("PROMPTSMITH_LOG_LEVEL", "")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "promptsmith" {
		t.Errorf("expected Name=promptsmith, got %s", cfg.Name)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("expected Driver=memory, got %s", cfg.Store.Driver)
	}
	if cfg.Experiment.DefaultMinSampleSize != 100 {
		t.Errorf("expected DefaultMinSampleSize=100, got %d", cfg.Experiment.DefaultMinSampleSize)
	}
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Store.Driver = DriverSQLite
	cfg.Store.DatabasePath = "/tmp/ps.db"
	cfg.Assembly.Separator = "\n---\n"
	cfg.Experiment.Seed = 42

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, loaded.Store.Driver)
	assert.Equal(t, "/tmp/ps.db", loaded.Store.DatabasePath)
	assert.Equal(t, "\n---\n", loaded.GetSeparator())
	assert.Equal(t, uint64(42), loaded.Experiment.Seed)
}

func TestConfig_SaveLoadSeparator(t *testing.T) {
	clearEnv(t)

	for _, sep := range []string{"\n\n", "\n", "\n---\n", " | ", ""} {
		path := filepath.Join(t.TempDir(), "config.yaml")
		cfg := DefaultConfig()
		cfg.Assembly.Separator = sep
		require.NoError(t, cfg.Save(path))

		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, sep, loaded.Assembly.Separator, "separator %q", sep)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `separator: "\n\n"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), loaded)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  fragments_dir: prompts\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prompts", cfg.Store.FragmentsDir)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "\n\n", cfg.GetSeparator())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: [unclosed"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Run("overrides store and logging", func(t *testing.T) {
		t.Setenv("PROMPTSMITH_STORE_DRIVER", "SQLITE")
		t.Setenv("PROMPTSMITH_DB", "/var/lib/ps.db")
		t.Setenv("PROMPTSMITH_FRAGMENTS", "/etc/ps/fragments")
		t.Setenv("PROMPTSMITH_LOG_LEVEL", "debug")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, DriverSQLite, cfg.Store.Driver)
		assert.Equal(t, "/var/lib/ps.db", cfg.Store.DatabasePath)
		assert.Equal(t, "/etc/ps/fragments", cfg.Store.FragmentsDir)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("empty env leaves values alone", func(t *testing.T) {
		clearEnv(t)

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, DefaultConfig(), cfg)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "unknown store driver"},
		{"sqlite without path", func(c *Config) {
			c.Store.Driver = DriverSQLite
			c.Store.DatabasePath = ""
		}, "database_path"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "unknown log level"},
		{"negative sample", func(c *Config) { c.Experiment.DefaultMinSampleSize = -1 }, "default_min_sample_size"},
		{"traffic over 100", func(c *Config) { c.Experiment.DefaultTrafficPercent = 120 }, "default_traffic_percent"},
		{"bad debounce", func(c *Config) { c.Store.WatchDebounce = "soon" }, "watch_debounce"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetWatchDebounce(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 250*time.Millisecond, cfg.GetWatchDebounce())

	cfg.Store.WatchDebounce = "1s"
	assert.Equal(t, time.Second, cfg.GetWatchDebounce())

	cfg.Store.WatchDebounce = "garbage"
	assert.Equal(t, 250*time.Millisecond, cfg.GetWatchDebounce())
}
