package experiment

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned for unknown experiment ids.
	ErrNotFound = errors.New("experiment not found")

	// ErrCompleted is returned when recording outcomes on a completed experiment.
	ErrCompleted = errors.New("experiment is completed")
)

// Repository persists experiments. Implementations must serialize Update and
// RecordOutcome per experiment so concurrent counters never lose updates.
type Repository interface {
	CreateExperiment(ctx context.Context, e *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)

	// ListExperiments returns experiments ordered by creation time, then id.
	ListExperiments(ctx context.Context) ([]*Experiment, error)

	// UpdateExperiment applies fn to the stored experiment atomically. If fn
	// returns an error nothing is written.
	UpdateExperiment(ctx context.Context, id string, fn func(*Experiment) error) (*Experiment, error)

	// RecordOutcome folds one sample into a variant's counters. It fails
	// with ErrCompleted once the experiment is completed.
	RecordOutcome(ctx context.Context, id string, label Label, s Sample) (VariantResult, error)
}

// MemoryRepository is an in-process Repository with one lock per experiment.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu  sync.Mutex
	exp *Experiment
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]*memoryEntry)}
}

func (r *MemoryRepository) entry(id string) (*memoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", id)
	}
	return e, nil
}

// CreateExperiment implements Repository.
func (r *MemoryRepository) CreateExperiment(_ context.Context, e *Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.ID]; exists {
		return errors.Newf("experiment %q already exists", e.ID)
	}
	r.entries[e.ID] = &memoryEntry{exp: e.Clone()}
	return nil
}

// GetExperiment implements Repository.
func (r *MemoryRepository) GetExperiment(_ context.Context, id string) (*Experiment, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exp.Clone(), nil
}

// ListExperiments implements Repository.
func (r *MemoryRepository) ListExperiments(_ context.Context) ([]*Experiment, error) {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*Experiment, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.exp.Clone())
		e.mu.Unlock()
	}
	SortByCreation(out)
	return out, nil
}

// UpdateExperiment implements Repository.
func (r *MemoryRepository) UpdateExperiment(_ context.Context, id string, fn func(*Experiment) error) (*Experiment, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.exp.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	e.exp = next
	return next.Clone(), nil
}

// RecordOutcome implements Repository.
func (r *MemoryRepository) RecordOutcome(_ context.Context, id string, label Label, s Sample) (VariantResult, error) {
	e, err := r.entry(id)
	if err != nil {
		return VariantResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exp.Status == StatusCompleted {
		return VariantResult{}, errors.Wrapf(ErrCompleted, "%q", id)
	}
	res, ok := e.exp.Results[label]
	if !ok || res == nil {
		res = &VariantResult{}
		if e.exp.Results == nil {
			e.exp.Results = newResults()
		}
		e.exp.Results[label] = res
	}
	res.Add(s)
	return *res.clone(), nil
}

// SortByCreation orders experiments by CreatedAt, then ID.
func SortByCreation(exps []*Experiment) {
	sort.SliceStable(exps, func(i, j int) bool {
		if !exps[i].CreatedAt.Equal(exps[j].CreatedAt) {
			return exps[i].CreatedAt.Before(exps[j].CreatedAt)
		}
		return exps[i].ID < exps[j].ID
	})
}
