package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"promptsmith/internal/experiment"
)

var _ experiment.Repository = (*SQLiteStore)(nil)

const experimentColumns = `id, name, target_fragment, variants, status, traffic_allocation_percent,
	min_sample_size_per_variant, primary_metric, winner, confidence_score,
	created_at, started_at, completed_at`

// CreateExperiment implements experiment.Repository.
func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *experiment.Experiment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM experiments WHERE id = ?", e.ID).Scan(&exists); err != nil {
			return errors.Wrap(err, "check experiment")
		}
		if exists > 0 {
			return errors.Newf("experiment %q already exists", e.ID)
		}
		variants, err := json.Marshal(e.Variants)
		if err != nil {
			return errors.Wrap(err, "encode variants")
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO experiments (`+experimentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Name, e.TargetFragment, string(variants), string(e.Status),
			e.TrafficAllocationPercent, e.MinSampleSizePerVariant, string(e.PrimaryMetric),
			string(e.Winner), e.ConfidenceScore,
			formatTime(e.CreatedAt), formatTime(e.StartedAt), formatTime(e.CompletedAt),
		)
		if err != nil {
			return errors.Wrapf(err, "insert experiment %q", e.ID)
		}
		return writeResults(ctx, tx, e)
	})
}

// GetExperiment implements experiment.Repository.
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	return loadExperiment(ctx, s.db, id)
}

// ListExperiments implements experiment.Repository.
func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	var out []*experiment.Experiment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT "+experimentColumns+" FROM experiments")
		if err != nil {
			return errors.Wrap(err, "query experiments")
		}
		for rows.Next() {
			e, err := scanExperiment(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "iterate experiments")
		}
		for _, e := range out {
			if err := loadResults(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	experiment.SortByCreation(out)
	return out, nil
}

// UpdateExperiment implements experiment.Repository. The read, fn and the
// write happen in one transaction.
func (s *SQLiteStore) UpdateExperiment(ctx context.Context, id string, fn func(*experiment.Experiment) error) (*experiment.Experiment, error) {
	var updated *experiment.Experiment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := loadExperiment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		variants, err := json.Marshal(e.Variants)
		if err != nil {
			return errors.Wrap(err, "encode variants")
		}
		_, err = tx.ExecContext(ctx, `UPDATE experiments SET
				name = ?, target_fragment = ?, variants = ?, status = ?,
				traffic_allocation_percent = ?, min_sample_size_per_variant = ?,
				primary_metric = ?, winner = ?, confidence_score = ?,
				started_at = ?, completed_at = ?
			WHERE id = ?`,
			e.Name, e.TargetFragment, string(variants), string(e.Status),
			e.TrafficAllocationPercent, e.MinSampleSizePerVariant,
			string(e.PrimaryMetric), string(e.Winner), e.ConfidenceScore,
			formatTime(e.StartedAt), formatTime(e.CompletedAt), id,
		)
		if err != nil {
			return errors.Wrapf(err, "update experiment %q", id)
		}
		if err := writeResults(ctx, tx, e); err != nil {
			return err
		}
		updated = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordOutcome implements experiment.Repository. Counters are incremented
// in SQL so concurrent writers never lose updates.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, id string, label experiment.Label, sample experiment.Sample) (experiment.VariantResult, error) {
	var res experiment.VariantResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, "SELECT status FROM experiments WHERE id = ?", id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(experiment.ErrNotFound, "%q", id)
		}
		if err != nil {
			return errors.Wrap(err, "read experiment status")
		}
		if experiment.Status(status) == experiment.StatusCompleted {
			return errors.Wrapf(experiment.ErrCompleted, "%q", id)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO experiment_results (experiment_id, label) VALUES (?, ?)",
			id, string(label)); err != nil {
			return errors.Wrap(err, "ensure result row")
		}

		query := `UPDATE experiment_results SET
				request_count = request_count + 1,
				total_metric_value = total_metric_value + ?,
				sum_squares = sum_squares + ?`
		args := []any{sample.Value, sample.Value * sample.Value}
		if sample.Rating != nil {
			query += ", ratings = json_insert(ratings, '$[#]', ?)"
			args = append(args, *sample.Rating)
		}
		query += " WHERE experiment_id = ? AND label = ?"
		args = append(args, id, string(label))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrap(err, "update result counters")
		}

		row := tx.QueryRowContext(ctx, `SELECT request_count, total_metric_value, sum_squares, ratings
			FROM experiment_results WHERE experiment_id = ? AND label = ?`, id, string(label))
		res, err = scanResult(row)
		return err
	})
	return res, err
}

func writeResults(ctx context.Context, tx *sql.Tx, e *experiment.Experiment) error {
	for _, label := range experiment.Labels() {
		r := e.Result(label)
		ratings, err := json.Marshal(nonNilRatings(r.Ratings))
		if err != nil {
			return errors.Wrap(err, "encode ratings")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO experiment_results (experiment_id, label, request_count, total_metric_value, sum_squares, ratings)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(experiment_id, label) DO UPDATE SET
				request_count = excluded.request_count,
				total_metric_value = excluded.total_metric_value,
				sum_squares = excluded.sum_squares,
				ratings = excluded.ratings`,
			e.ID, string(label), r.RequestCount, r.TotalMetricValue, r.SumSquares, string(ratings),
		)
		if err != nil {
			return errors.Wrapf(err, "write result %s/%s", e.ID, label)
		}
	}
	return nil
}

func loadExperiment(ctx context.Context, q querier, id string) (*experiment.Experiment, error) {
	row := q.QueryRowContext(ctx, "SELECT "+experimentColumns+" FROM experiments WHERE id = ?", id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(experiment.ErrNotFound, "%q", id)
	}
	if err != nil {
		return nil, err
	}
	if err := loadResults(ctx, q, e); err != nil {
		return nil, err
	}
	return e, nil
}

func loadResults(ctx context.Context, q querier, e *experiment.Experiment) error {
	rows, err := q.QueryContext(ctx, `SELECT label, request_count, total_metric_value, sum_squares, ratings
		FROM experiment_results WHERE experiment_id = ?`, e.ID)
	if err != nil {
		return errors.Wrap(err, "query results")
	}
	defer rows.Close()

	e.Results = map[experiment.Label]*experiment.VariantResult{
		experiment.LabelA: {},
		experiment.LabelB: {},
	}
	for rows.Next() {
		var label string
		var r experiment.VariantResult
		var ratings string
		if err := rows.Scan(&label, &r.RequestCount, &r.TotalMetricValue, &r.SumSquares, &ratings); err != nil {
			return errors.Wrap(err, "scan result")
		}
		if err := finishResult(&r, ratings); err != nil {
			return err
		}
		e.Results[experiment.Label(label)] = &r
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*experiment.Experiment, error) {
	var e experiment.Experiment
	var variants, status, metric, winner, createdAt, startedAt, completedAt string
	err := row.Scan(&e.ID, &e.Name, &e.TargetFragment, &variants, &status,
		&e.TrafficAllocationPercent, &e.MinSampleSizePerVariant, &metric,
		&winner, &e.ConfidenceScore, &createdAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan experiment")
	}
	if err := json.Unmarshal([]byte(variants), &e.Variants); err != nil {
		return nil, errors.Wrapf(err, "decode variants of %q", e.ID)
	}
	e.Status = experiment.Status(status)
	e.PrimaryMetric = experiment.Metric(metric)
	e.Winner = experiment.Label(winner)
	e.CreatedAt = parseTime(createdAt)
	e.StartedAt = parseTime(startedAt)
	e.CompletedAt = parseTime(completedAt)
	return &e, nil
}

func scanResult(row scanner) (experiment.VariantResult, error) {
	var r experiment.VariantResult
	var ratings string
	if err := row.Scan(&r.RequestCount, &r.TotalMetricValue, &r.SumSquares, &ratings); err != nil {
		return r, errors.Wrap(err, "scan result")
	}
	err := finishResult(&r, ratings)
	return r, err
}

// finishResult decodes ratings and derives the average.
func finishResult(r *experiment.VariantResult, ratings string) error {
	if err := json.Unmarshal([]byte(ratings), &r.Ratings); err != nil {
		return errors.Wrap(err, "decode ratings")
	}
	if len(r.Ratings) == 0 {
		r.Ratings = nil
	}
	if r.RequestCount > 0 {
		r.AverageMetricValue = r.TotalMetricValue / float64(r.RequestCount)
	}
	return nil
}

func nonNilRatings(r []float64) []float64 {
	if r == nil {
		return []float64{}
	}
	return r
}
