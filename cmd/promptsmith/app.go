package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"promptsmith/internal/config"
	"promptsmith/internal/experiment"
	"promptsmith/internal/logging"
	"promptsmith/internal/prompt"
	"promptsmith/internal/store"
)

// errNeedsSQLite is returned by write commands under the memory driver.
var errNeedsSQLite = errors.New("this command needs the sqlite driver (--driver sqlite)")

// app wires a template store, the composites authored next to it and,
// on demand, the experiment database.
type app struct {
	cfg        *config.Config
	fragments  prompt.Store
	memory     *prompt.MemoryStore
	db         *store.SQLiteStore
	composites *prompt.LoadResult
}

// openApp opens the configured template store. Composite templates are
// always read from the fragments directory.
func openApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	switch cfg.Store.Driver {
	case config.DriverSQLite:
		db, err := store.NewSQLiteStore(cfg.Store.DatabasePath)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.fragments = db
	default:
		mem, err := prompt.NewMemoryStore()
		if err != nil {
			return nil, err
		}
		a.memory = mem
		a.fragments = mem
	}

	res, err := loadFragmentsDir(cfg.Store.FragmentsDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.composites = res
	if a.memory != nil {
		if err := a.memory.Replace(res.Fragments); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "load fragments")
		}
	}
	for _, skipped := range res.Skipped {
		logging.Get(logging.CategoryCLI).Warn("Skipped: %v", skipped)
	}
	return a, nil
}

// loadFragmentsDir reads dir, treating a missing directory as empty.
func loadFragmentsDir(dir string) (*prompt.LoadResult, error) {
	if dir == "" {
		return &prompt.LoadResult{}, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logging.Get(logging.CategoryCLI).Debug("Fragments directory %s does not exist", dir)
		return &prompt.LoadResult{}, nil
	}
	return prompt.LoadDir(dir)
}

// database returns the SQLite database, opening it if the template store
// is not already SQLite.
func (a *app) database() (*store.SQLiteStore, error) {
	if a.db == nil {
		db, err := store.NewSQLiteStore(a.cfg.Store.DatabasePath)
		if err != nil {
			return nil, err
		}
		a.db = db
	}
	return a.db, nil
}

// experiments returns a controller over the experiment database.
func (a *app) experiments() (*experiment.Controller, error) {
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	return experiment.NewController(db, a.fragments, experiment.WithSeed(a.cfg.Experiment.Seed)), nil
}

// sqlite returns the SQLite template store or errNeedsSQLite.
func (a *app) sqlite() (*store.SQLiteStore, error) {
	if a.cfg.Store.Driver != config.DriverSQLite || a.db == nil {
		return nil, errNeedsSQLite
	}
	return a.db, nil
}

func (a *app) assembler() *prompt.Assembler {
	asm := prompt.NewAssembler(a.fragments)
	asm.SetSeparator(a.cfg.GetSeparator())
	return asm
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logging.Get(logging.CategoryCLI).Warn("Failed to close database: %v", err)
		}
	}
}

// commandContext returns a context bounded by --timeout and cancelled on
// SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}
