package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"promptsmith/internal/logging"
	"promptsmith/internal/prompt"
	promptsync "promptsmith/internal/prompt/sync"
)

var (
	_ prompt.Store      = (*SQLiteStore)(nil)
	_ promptsync.Target = (*SQLiteStore)(nil)
)

// Snapshot implements prompt.Store. The generation and every fragment are
// read in one transaction so the snapshot is consistent.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*prompt.Snapshot, error) {
	var snap *prompt.Snapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		gen, err := readGeneration(ctx, tx)
		if err != nil {
			return err
		}
		frags, err := loadFragments(ctx, tx, "")
		if err != nil {
			return err
		}
		snap = prompt.NewSnapshot(gen, frags)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "sqlite snapshot")
	}
	return snap, nil
}

// Fragment implements prompt.Store.
func (s *SQLiteStore) Fragment(ctx context.Context, name string) (*prompt.Fragment, error) {
	if name == "" {
		return nil, errors.Wrapf(prompt.ErrFragmentNotFound, "%q", name)
	}
	frags, err := loadFragments(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, errors.Wrapf(prompt.ErrFragmentNotFound, "%q", name)
	}
	return frags[0], nil
}

// Generation returns the current store generation.
func (s *SQLiteStore) Generation(ctx context.Context) (uint64, error) {
	return readGeneration(ctx, s.db)
}

// SaveFragment inserts or replaces a fragment's live fields. History rows
// are only ever added. A version id that is already stored with different
// content is a ValidationError.
func (s *SQLiteStore) SaveFragment(ctx context.Context, f *prompt.Fragment) error {
	clone := f.Clone()
	clone.Seal("")
	if err := clone.Validate(); err != nil {
		return err
	}
	for _, w := range clone.Lint() {
		logging.Get(logging.CategoryStore).Warn("%s", w)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkStoredVersions(ctx, tx, clone); err != nil {
			return err
		}
		if err := upsertFragmentRow(ctx, tx, clone); err != nil {
			return err
		}
		for _, v := range clone.VersionHistory {
			if err := insertVersion(ctx, tx, clone.Name, v); err != nil {
				return err
			}
		}
		return bumpGeneration(ctx, tx)
	})
	if err != nil {
		return errors.Wrapf(err, "save fragment %q", clone.Name)
	}
	logging.Audit().FragmentSaved(clone.Name, clone.CurrentVersionID, false)
	return nil
}

// ReviseFragment appends a new version to a stored fragment and makes it live.
func (s *SQLiteStore) ReviseFragment(ctx context.Context, name string, rev prompt.Revision) (*prompt.Fragment, error) {
	var next *prompt.Fragment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		frags, err := loadFragments(ctx, tx, name)
		if err != nil {
			return err
		}
		if len(frags) == 0 {
			return errors.Wrapf(prompt.ErrFragmentNotFound, "%q", name)
		}
		next = frags[0]
		if err := next.Revise(rev); err != nil {
			return err
		}
		if err := insertVersion(ctx, tx, name, next.VersionHistory[len(next.VersionHistory)-1]); err != nil {
			return err
		}
		if err := upsertFragmentRow(ctx, tx, next); err != nil {
			return err
		}
		return bumpGeneration(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	logging.Audit().FragmentSaved(name, next.CurrentVersionID, true)
	return next, nil
}

// SetFragmentActive toggles a fragment's active flag.
func (s *SQLiteStore) SetFragmentActive(ctx context.Context, name string, active bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE fragments SET is_active = ?, updated_at = ? WHERE name = ?",
			active, formatTime(time.Now()), name)
		if err != nil {
			return errors.Wrap(err, "update fragment")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(prompt.ErrFragmentNotFound, "%q", name)
		}
		return bumpGeneration(ctx, tx)
	})
}

// DeleteFragment removes a fragment and its version log.
func (s *SQLiteStore) DeleteFragment(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM fragments WHERE name = ?", name); err != nil {
			return errors.Wrap(err, "delete fragment")
		}
		return bumpGeneration(ctx, tx)
	})
}

// ContentHashes maps fragment name to live content hash.
func (s *SQLiteStore) ContentHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, content_hash FROM fragments")
	if err != nil {
		return nil, errors.Wrap(err, "query content hashes")
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			return nil, errors.Wrap(err, "scan content hash")
		}
		hashes[name] = hash
	}
	return hashes, rows.Err()
}

// ImportFragments writes fragments in one transaction. New names are
// inserted with their history. For existing names, an incoming live version
// that is not yet stored is appended and made current.
func (s *SQLiteStore) ImportFragments(ctx context.Context, fragments []*prompt.Fragment) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ImportFragments")
	defer timer.Stop()

	imported := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, in := range fragments {
			incoming := in.Clone()
			incoming.Seal("")
			if err := incoming.Validate(); err != nil {
				return err
			}

			existing, err := loadFragments(ctx, tx, incoming.Name)
			if err != nil {
				return err
			}

			if len(existing) == 0 {
				if err := upsertFragmentRow(ctx, tx, incoming); err != nil {
					return err
				}
				for _, v := range incoming.VersionHistory {
					if err := insertVersion(ctx, tx, incoming.Name, v); err != nil {
						return err
					}
				}
				imported++
				continue
			}

			// A version already in the log was either imported before or
			// deliberately moved away from; neither is re-applied.
			current := existing[0]
			if current.ContentHash == incoming.ContentHash {
				continue
			}
			if stored, ok := current.Version(incoming.CurrentVersionID); ok {
				live, _ := incoming.Version(incoming.CurrentVersionID)
				if !stored.Matches(live) {
					logging.Get(logging.CategoryStore).Warn(
						"Import of %s skipped: version %s is already stored with different content", current.Name, stored.VersionID)
				}
				continue
			}
			if err := current.Revise(prompt.Revision{
				VersionID:  incoming.CurrentVersionID,
				Content:    incoming.Content,
				Variables:  incoming.Variables,
				Conditions: incoming.Conditions,
				Priority:   incoming.Priority,
			}); err != nil {
				return err
			}
			current.Type = incoming.Type
			current.Description = incoming.Description
			current.IsActive = incoming.IsActive

			if err := insertVersion(ctx, tx, current.Name, current.VersionHistory[len(current.VersionHistory)-1]); err != nil {
				return err
			}
			if err := upsertFragmentRow(ctx, tx, current); err != nil {
				return err
			}
			imported++
		}
		if imported == 0 {
			return nil
		}
		return bumpGeneration(ctx, tx)
	})
	if err != nil {
		return 0, errors.Wrap(err, "import fragments")
	}
	logging.Store("Imported %d of %d fragments", imported, len(fragments))
	return imported, nil
}

// checkStoredVersions rejects versions whose id is already logged for the
// fragment with different fields.
func checkStoredVersions(ctx context.Context, tx *sql.Tx, f *prompt.Fragment) error {
	existing, err := loadFragments(ctx, tx, f.Name)
	if err != nil || len(existing) == 0 {
		return err
	}
	return f.CheckVersions(existing[0])
}

func upsertFragmentRow(ctx context.Context, tx *sql.Tx, f *prompt.Fragment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fragments (name, id, type, description, current_version_id, is_active, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			type = excluded.type,
			description = excluded.description,
			current_version_id = excluded.current_version_id,
			is_active = excluded.is_active,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		f.Name, f.ID, string(f.Type), f.Description, f.CurrentVersionID,
		f.IsActive, f.ContentHash, formatTime(f.UpdatedAt),
	)
	return errors.Wrapf(err, "upsert fragment %q", f.Name)
}

func insertVersion(ctx context.Context, tx *sql.Tx, name string, v prompt.VersionSnapshot) error {
	vars, err := json.Marshal(nonNilVariables(v.Variables))
	if err != nil {
		return errors.Wrap(err, "encode variables")
	}
	conds, err := json.Marshal(nonNilConditions(v.Conditions))
	if err != nil {
		return errors.Wrap(err, "encode conditions")
	}
	createdAt := v.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO fragment_versions
			(fragment_name, version_id, content, variables, conditions, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, v.VersionID, v.Content, string(vars), string(conds), v.Priority, formatTime(createdAt),
	)
	return errors.Wrapf(err, "insert version %s@%s", name, v.VersionID)
}

// loadFragments reads one fragment (name != "") or all of them, with their
// version logs in insertion order.
func loadFragments(ctx context.Context, q querier, name string) ([]*prompt.Fragment, error) {
	fragQuery := `SELECT name, id, type, description, current_version_id, is_active, content_hash, updated_at FROM fragments`
	verQuery := `SELECT fragment_name, version_id, content, variables, conditions, priority, created_at FROM fragment_versions`
	var args []any
	if name != "" {
		fragQuery += " WHERE name = ?"
		verQuery += " WHERE fragment_name = ?"
		args = append(args, name)
	}
	fragQuery += " ORDER BY name"
	verQuery += " ORDER BY fragment_name, seq"

	rows, err := q.QueryContext(ctx, fragQuery, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query fragments")
	}
	var frags []*prompt.Fragment
	byName := make(map[string]*prompt.Fragment)
	for rows.Next() {
		var f prompt.Fragment
		var typ, updatedAt string
		if err := rows.Scan(&f.Name, &f.ID, &typ, &f.Description, &f.CurrentVersionID, &f.IsActive, &f.ContentHash, &updatedAt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan fragment")
		}
		f.Type = prompt.FragmentType(typ)
		f.UpdatedAt = parseTime(updatedAt)
		frags = append(frags, &f)
		byName[f.Name] = &f
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate fragments")
	}
	if len(frags) == 0 {
		return nil, nil
	}

	vrows, err := q.QueryContext(ctx, verQuery, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query fragment versions")
	}
	defer vrows.Close()
	for vrows.Next() {
		var owner, vars, conds, createdAt string
		var v prompt.VersionSnapshot
		if err := vrows.Scan(&owner, &v.VersionID, &v.Content, &vars, &conds, &v.Priority, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan fragment version")
		}
		if err := json.Unmarshal([]byte(vars), &v.Variables); err != nil {
			return nil, errors.Wrapf(err, "decode variables of %s@%s", owner, v.VersionID)
		}
		if err := json.Unmarshal([]byte(conds), &v.Conditions); err != nil {
			return nil, errors.Wrapf(err, "decode conditions of %s@%s", owner, v.VersionID)
		}
		if len(v.Variables) == 0 {
			v.Variables = nil
		}
		if len(v.Conditions) == 0 {
			v.Conditions = nil
		}
		v.CreatedAt = parseTime(createdAt)

		f, ok := byName[owner]
		if !ok {
			continue
		}
		f.VersionHistory = append(f.VersionHistory, v)
		if v.VersionID == f.CurrentVersionID {
			f.Content = v.Content
			f.Variables = v.Variables
			f.Conditions = v.Conditions
			f.Priority = v.Priority
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate fragment versions")
	}
	return frags, nil
}

func nonNilVariables(v []prompt.Variable) []prompt.Variable {
	if v == nil {
		return []prompt.Variable{}
	}
	return v
}

func nonNilConditions(c []prompt.Condition) []prompt.Condition {
	if c == nil {
		return []prompt.Condition{}
	}
	return c
}
