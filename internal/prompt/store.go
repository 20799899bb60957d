package prompt

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"promptsmith/internal/logging"
)

// Store is the read side of a template store. Implementations must return
// snapshots that later writes do not mutate.
type Store interface {
	// Snapshot returns a consistent view of every fragment.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Fragment returns one fragment by name, or ErrFragmentNotFound.
	Fragment(ctx context.Context, name string) (*Fragment, error)
}

// Snapshot is an immutable, generation-stamped view of a template store.
// Callers must not modify the fragments it holds.
type Snapshot struct {
	Generation uint64
	TakenAt    time.Time

	fragments []*Fragment // sorted by name
	byName    map[string]*Fragment
}

// NewSnapshot builds a snapshot from fragments. The fragments are owned by
// the snapshot afterwards.
func NewSnapshot(generation uint64, fragments []*Fragment) *Snapshot {
	s := &Snapshot{
		Generation: generation,
		TakenAt:    time.Now().UTC(),
		fragments:  make([]*Fragment, 0, len(fragments)),
		byName:     make(map[string]*Fragment, len(fragments)),
	}
	for _, f := range fragments {
		if f == nil {
			continue
		}
		s.byName[f.Name] = f
	}
	for _, f := range s.byName {
		s.fragments = append(s.fragments, f)
	}
	sort.Slice(s.fragments, func(i, j int) bool {
		return s.fragments[i].Name < s.fragments[j].Name
	})
	return s
}

// Fragments returns the fragments sorted by name.
func (s *Snapshot) Fragments() []*Fragment {
	out := make([]*Fragment, len(s.fragments))
	copy(out, s.fragments)
	return out
}

// Get returns a fragment by name.
func (s *Snapshot) Get(name string) (*Fragment, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Len returns the number of fragments.
func (s *Snapshot) Len() int {
	return len(s.fragments)
}

// MemoryStore is an in-process Store with copy-on-write snapshots. Writers
// build a new snapshot under a mutex and publish it atomically, so readers
// never block and an in-flight assembly keeps the snapshot it started with.
type MemoryStore struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// NewMemoryStore creates a store seeded with fragments. Each fragment is
// validated and sealed; the first invalid one aborts construction.
func NewMemoryStore(fragments ...*Fragment) (*MemoryStore, error) {
	s := &MemoryStore{}
	s.current.Store(NewSnapshot(0, nil))
	if len(fragments) > 0 {
		if err := s.Replace(fragments); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context) (*Snapshot, error) {
	return s.current.Load(), nil
}

// Fragment implements Store.
func (s *MemoryStore) Fragment(_ context.Context, name string) (*Fragment, error) {
	f, ok := s.current.Load().Get(name)
	if !ok {
		return nil, errors.Wrapf(ErrFragmentNotFound, "%q", name)
	}
	return f, nil
}

// Generation returns the generation of the published snapshot.
func (s *MemoryStore) Generation() uint64 {
	return s.current.Load().Generation
}

// Put inserts or replaces a fragment. The stored copy is sealed so its live
// version is present in history. Reusing a stored version id for different
// content is a ValidationError.
func (s *MemoryStore) Put(f *Fragment) error {
	clone := f.Clone()
	clone.Seal("")
	if err := clone.Validate(); err != nil {
		return err
	}
	for _, w := range clone.Lint() {
		logging.Get(logging.CategoryStore).Warn("%s", w)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.current.Load().Get(clone.Name); ok {
		if err := clone.CheckVersions(prev); err != nil {
			return err
		}
	}
	s.publish(func(m map[string]*Fragment) { m[clone.Name] = clone })
	logging.Audit().FragmentSaved(clone.Name, clone.CurrentVersionID, false)
	return nil
}

// Revise appends a new version to a stored fragment and makes it live.
func (s *MemoryStore) Revise(name string, rev Revision) (*Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.current.Load().Get(name)
	if !ok {
		return nil, errors.Wrapf(ErrFragmentNotFound, "%q", name)
	}
	next := existing.Clone()
	if err := next.Revise(rev); err != nil {
		return nil, err
	}
	s.publish(func(m map[string]*Fragment) { m[name] = next })
	logging.Audit().FragmentSaved(name, next.CurrentVersionID, true)
	return next, nil
}

// SetActive toggles a fragment's active flag.
func (s *MemoryStore) SetActive(name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.current.Load().Get(name)
	if !ok {
		return errors.Wrapf(ErrFragmentNotFound, "%q", name)
	}
	next := existing.Clone()
	next.IsActive = active
	next.UpdatedAt = time.Now().UTC()
	s.publish(func(m map[string]*Fragment) { m[name] = next })
	return nil
}

// Delete removes a fragment. Deleting an unknown name is not an error.
func (s *MemoryStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(func(m map[string]*Fragment) { delete(m, name) })
}

// Replace swaps the whole fragment set, e.g. after reloading a directory.
// Nothing is published unless every fragment validates and names are unique.
func (s *MemoryStore) Replace(fragments []*Fragment) error {
	prepared := make([]*Fragment, 0, len(fragments))
	seen := make(map[string]bool, len(fragments))
	for _, f := range fragments {
		clone := f.Clone()
		clone.Seal("")
		if err := clone.Validate(); err != nil {
			return err
		}
		if seen[clone.Name] {
			return &ValidationError{Subject: clone.Name, Field: "name", Reason: "duplicate fragment name"}
		}
		seen[clone.Name] = true
		prepared = append(prepared, clone)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.current.Load().Generation + 1
	s.current.Store(NewSnapshot(gen, prepared))
	logging.StoreDebug("Replaced template store: %d fragments, generation %d", len(prepared), gen)
	return nil
}

// publish applies mutate to a copy of the current fragment map and stores
// the result as the next generation. Callers hold s.mu.
func (s *MemoryStore) publish(mutate func(map[string]*Fragment)) {
	cur := s.current.Load()
	m := make(map[string]*Fragment, cur.Len()+1)
	for name, f := range cur.byName {
		m[name] = f
	}
	mutate(m)

	next := make([]*Fragment, 0, len(m))
	for _, f := range m {
		next = append(next, f)
	}
	s.current.Store(NewSnapshot(cur.Generation+1, next))
}
