// Package sync copies fragment definitions from YAML files into a persistent
// template store.
package sync

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"

	"promptsmith/internal/logging"
	"promptsmith/internal/prompt"
)

// Target is a persistent store that can receive imported fragments.
type Target interface {
	// ContentHashes maps fragment name to the hash of its live content.
	ContentHashes(ctx context.Context) (map[string]string, error)

	// ImportFragments inserts new fragments and appends a version to
	// existing ones. It returns the number of fragments written.
	ImportFragments(ctx context.Context, fragments []*prompt.Fragment) (int, error)
}

// Report summarises one synchronization.
type Report struct {
	Files     int
	Parsed    int
	Imported  int
	Unchanged int
	Skipped   []error
}

// Synchronizer imports a fragment directory (or single file) into a Target,
// skipping fragments whose live content is already stored.
type Synchronizer struct {
	source string
	target Target
}

// NewSynchronizer creates a synchronizer from source, a directory or a YAML file.
func NewSynchronizer(source string, target Target) *Synchronizer {
	return &Synchronizer{
		source: source,
		target: target,
	}
}

// SyncAll parses the source and writes changed fragments to the target.
func (s *Synchronizer) SyncAll(ctx context.Context) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Synchronizer.SyncAll")
	defer timer.Stop()

	info, err := os.Stat(s.source)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing authored yet.
			return &Report{}, nil
		}
		return nil, errors.Wrapf(err, "failed to stat %s", s.source)
	}

	var res *prompt.LoadResult
	if info.IsDir() {
		res, err = prompt.LoadDir(s.source)
	} else {
		res, err = prompt.LoadFile(s.source)
	}
	if err != nil {
		return nil, errors.Wrap(err, "parse error")
	}

	report := &Report{
		Files:   len(res.Files),
		Parsed:  len(res.Fragments),
		Skipped: res.Skipped,
	}
	if len(res.Fragments) == 0 {
		return report, nil
	}

	existing, err := s.target.ContentHashes(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load existing hashes")
	}

	changed := make([]*prompt.Fragment, 0, len(res.Fragments))
	for _, f := range res.Fragments {
		if hash, ok := existing[f.Name]; ok && hash == f.ContentHash {
			report.Unchanged++
			continue
		}
		changed = append(changed, f)
	}

	if len(changed) > 0 {
		n, err := s.target.ImportFragments(ctx, changed)
		if err != nil {
			return nil, errors.Wrapf(err, "import into target (%d fragments)", len(changed))
		}
		report.Imported = n
	}

	logging.Get(logging.CategoryStore).Info("Synced %s: %d imported, %d unchanged, %d skipped",
		s.source, report.Imported, report.Unchanged, len(report.Skipped))
	return report, nil
}
