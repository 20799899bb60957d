package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"promptsmith/internal/logging"
	"promptsmith/internal/prompt"
)

// CreateParams defines a new experiment.
type CreateParams struct {
	Name                     string
	TargetFragment           string
	Variants                 []Variant
	TrafficAllocationPercent float64
	MinSampleSizePerVariant  int
	PrimaryMetric            Metric
}

// Controller owns experiment lifecycle, routing and outcome recording.
type Controller struct {
	repo       Repository
	fragments  prompt.Store
	comparator Comparator
	random     func() float64
	now        func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithComparator sets the comparator for custom-metric experiments.
func WithComparator(cmp Comparator) Option {
	return func(c *Controller) { c.comparator = cmp }
}

// WithSeed seeds the random source used for key-less assignments.
// Zero picks a random seed.
func WithSeed(seed uint64) Option {
	return func(c *Controller) { c.random = newLockedRand(seed).Float64 }
}

// WithRandom replaces the random source for key-less assignments. It must be
// safe for concurrent use and return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(c *Controller) { c.random = random }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller. fragments is used to validate variant
// version ids.
func NewController(repo Repository, fragments prompt.Store, opts ...Option) *Controller {
	c := &Controller{
		repo:      repo,
		fragments: fragments,
		random:    newLockedRand(0).Float64,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create validates p and stores a new draft experiment.
func (c *Controller) Create(ctx context.Context, p CreateParams) (*Experiment, error) {
	if err := c.validate(ctx, p); err != nil {
		return nil, err
	}

	e := &Experiment{
		ID:                       uuid.NewString(),
		Name:                     p.Name,
		TargetFragment:           p.TargetFragment,
		Status:                   StatusDraft,
		TrafficAllocationPercent: p.TrafficAllocationPercent,
		MinSampleSizePerVariant:  p.MinSampleSizePerVariant,
		PrimaryMetric:            p.PrimaryMetric,
		Results:                  newResults(),
		CreatedAt:                c.now(),
	}
	for _, v := range p.Variants {
		if v.Label == LabelA {
			e.Variants[0] = v
		} else {
			e.Variants[1] = v
		}
	}
	if e.Name == "" {
		e.Name = fmt.Sprintf("%s A/B", p.TargetFragment)
	}

	if err := c.repo.CreateExperiment(ctx, e); err != nil {
		return nil, errors.Wrap(err, "create experiment")
	}
	logging.Experiment("Created experiment %s on %s (A=%s, B=%s)", e.ID, e.TargetFragment, e.Variants[0].VersionID, e.Variants[1].VersionID)
	logging.Audit().ExperimentCreated(e.ID, e.TargetFragment, string(e.PrimaryMetric))
	return e, nil
}

func (c *Controller) validate(ctx context.Context, p CreateParams) error {
	subject := p.Name
	if subject == "" {
		subject = "experiment"
	}
	invalid := func(field, format string, args ...any) error {
		return &prompt.ValidationError{Subject: subject, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if p.TargetFragment == "" {
		return invalid("target_fragment", "target fragment is required")
	}
	if len(p.Variants) != 2 {
		return invalid("variants", "exactly two variants are required, got %d", len(p.Variants))
	}
	labels := map[Label]bool{p.Variants[0].Label: true, p.Variants[1].Label: true}
	if !labels[LabelA] || !labels[LabelB] {
		return invalid("variants", "variants must be labelled A and B, got %q and %q", p.Variants[0].Label, p.Variants[1].Label)
	}
	for _, v := range p.Variants {
		if v.TrafficWeight < 0 {
			return invalid("variants", "variant %s has negative traffic weight", v.Label)
		}
	}
	if p.TrafficAllocationPercent < 0 || p.TrafficAllocationPercent > 100 {
		return invalid("traffic_allocation_percent", "must be within 0-100, got %v", p.TrafficAllocationPercent)
	}
	if p.MinSampleSizePerVariant < 0 {
		return invalid("min_sample_size_per_variant", "must not be negative")
	}
	if !p.PrimaryMetric.IsValid() {
		return invalid("primary_metric", "unknown metric %q", p.PrimaryMetric)
	}

	f, err := c.fragments.Fragment(ctx, p.TargetFragment)
	if err != nil {
		if errors.Is(err, prompt.ErrFragmentNotFound) {
			return invalid("target_fragment", "fragment %q does not exist", p.TargetFragment)
		}
		return errors.Wrap(err, "load target fragment")
	}
	for _, v := range p.Variants {
		if !f.HasVersion(v.VersionID) {
			return invalid("variants", "variant %s version %q does not exist on fragment %q", v.Label, v.VersionID, f.Name)
		}
	}
	return nil
}

// Get returns an experiment by id.
func (c *Controller) Get(ctx context.Context, id string) (*Experiment, error) {
	return c.repo.GetExperiment(ctx, id)
}

// List returns every experiment ordered by creation.
func (c *Controller) List(ctx context.Context) ([]*Experiment, error) {
	return c.repo.ListExperiments(ctx)
}

// Start moves an experiment to active.
func (c *Controller) Start(ctx context.Context, id string) (*Experiment, error) {
	return c.Transition(ctx, id, StatusActive)
}

// Pause moves an active experiment to paused.
func (c *Controller) Pause(ctx context.Context, id string) (*Experiment, error) {
	return c.Transition(ctx, id, StatusPaused)
}

// Complete ends an experiment and records its winner.
func (c *Controller) Complete(ctx context.Context, id string) (*Experiment, error) {
	return c.Transition(ctx, id, StatusCompleted)
}

// Transition applies a lifecycle change. Disallowed changes fail with a
// *TransitionError. Entering completed computes and stores the winner.
func (c *Controller) Transition(ctx context.Context, id string, to Status) (*Experiment, error) {
	var from Status
	var decision *Decision

	e, err := c.repo.UpdateExperiment(ctx, id, func(e *Experiment) error {
		from = e.Status
		if !CanTransition(e.Status, to) {
			return &TransitionError{ExperimentID: e.ID, From: e.Status, To: to}
		}
		now := c.now()
		e.Status = to
		switch to {
		case StatusActive:
			if e.StartedAt.IsZero() {
				e.StartedAt = now
			}
		case StatusCompleted:
			d := ComputeWinner(e, c.comparator)
			e.Winner = d.Winner
			e.ConfidenceScore = d.Confidence
			e.CompletedAt = now
			decision = &d
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			logging.Audit().ExperimentTransition(id, string(from), string(to), false, err.Error())
		}
		return nil, err
	}

	logging.Experiment("Experiment %s: %s -> %s", id, from, to)
	logging.Audit().ExperimentTransition(id, string(from), string(to), true, "")
	if decision != nil {
		logging.Audit().WinnerComputed(id, string(decision.Winner), decision.Confidence)
	}
	return e, nil
}

// ComputeWinner evaluates an experiment without changing it.
func (c *Controller) ComputeWinner(ctx context.Context, id string) (Decision, error) {
	e, err := c.repo.GetExperiment(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	return ComputeWinner(e, c.comparator), nil
}

// SelectVariantVersion returns the version id to render for one request, or
// false when the request should use the fragment's live content.
func (c *Controller) SelectVariantVersion(e *Experiment, requestKey string) (string, bool) {
	a := c.Assign(e, requestKey)
	return a.VersionID, a.Entered
}

// Assign routes one request for e. See Assign.
func (c *Controller) Assign(e *Experiment, requestKey string) Assignment {
	a := Assign(e, requestKey, c.random)
	if a.Entered {
		logging.ExperimentDebug("Request %q assigned to %s/%s (%s)", requestKey, e.ID, a.Label, a.VersionID)
	}
	return a
}

// Overrides assigns a request across every active experiment and returns
// the version overrides for the assembler together with the assignments
// to attribute outcomes to. When two active experiments target the same
// fragment, the oldest one that admits the request wins.
func (c *Controller) Overrides(ctx context.Context, requestKey string) (map[string]string, []Assignment, error) {
	exps, err := c.repo.ListExperiments(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list experiments")
	}

	overrides := make(map[string]string)
	var assignments []Assignment
	for _, e := range exps {
		if e.Status != StatusActive {
			continue
		}
		if _, taken := overrides[e.TargetFragment]; taken {
			logging.ExperimentWarn("Experiment %s skipped: fragment %s already under test", e.ID, e.TargetFragment)
			continue
		}
		a := c.Assign(e, requestKey)
		if !a.Entered {
			continue
		}
		overrides[e.TargetFragment] = a.VersionID
		assignments = append(assignments, a)
	}
	return overrides, assignments, nil
}

// RecordOutcome attributes one sample to a variant. Deduplication is the
// caller's job.
func (c *Controller) RecordOutcome(ctx context.Context, id string, label Label, s Sample) (VariantResult, error) {
	if label != LabelA && label != LabelB {
		return VariantResult{}, &prompt.ValidationError{Subject: id, Field: "label", Reason: fmt.Sprintf("unknown variant %q", label)}
	}
	res, err := c.repo.RecordOutcome(ctx, id, label, s)
	if err != nil {
		return VariantResult{}, err
	}
	logging.Audit().OutcomeRecorded(id, string(label), s.Value)
	return res, nil
}
