// Package experiment runs A/B tests that pit two versions of one prompt
// fragment against each other.
//
// An experiment moves through draft → active ⇄ paused → completed. While
// active, a slice of traffic is split between variant A and variant B and
// the caller passes the chosen version to the assembler as an override.
// Outcomes are recorded per variant; completing the experiment computes a
// winner from the primary metric.
package experiment

import (
	"time"
)

// Status is an experiment lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Metric is the primary comparison metric.
type Metric string

const (
	MetricTokenUsage   Metric = "tokenUsage"
	MetricResponseTime Metric = "responseTime"
	MetricUserRating   Metric = "userRating"
	MetricCustom       Metric = "custom"
)

// IsValid reports whether m is a known metric.
func (m Metric) IsValid() bool {
	switch m {
	case MetricTokenUsage, MetricResponseTime, MetricUserRating, MetricCustom:
		return true
	}
	return false
}

// LowerIsBetter reports whether smaller averages win for m.
func (m Metric) LowerIsBetter() bool {
	return m == MetricTokenUsage || m == MetricResponseTime
}

// Label names one of the two arms.
type Label string

const (
	LabelA Label = "A"
	LabelB Label = "B"

	// NoWinner is the empty label returned when no variant wins.
	NoWinner Label = ""
)

// Labels returns the two arm labels in order.
func Labels() []Label {
	return []Label{LabelA, LabelB}
}

// Variant binds an arm to a fragment version.
type Variant struct {
	Label         Label   `json:"label" yaml:"label"`
	VersionID     string  `json:"version_id" yaml:"version_id"`
	TrafficWeight float64 `json:"traffic_weight" yaml:"traffic_weight"`
}

// VariantResult accumulates outcomes for one arm.
type VariantResult struct {
	RequestCount       int64     `json:"request_count"`
	TotalMetricValue   float64   `json:"total_metric_value"`
	AverageMetricValue float64   `json:"average_metric_value"`
	SumSquares         float64   `json:"sum_squares"`
	Ratings            []float64 `json:"ratings,omitempty"`
}

// Add folds one sample into the result.
func (r *VariantResult) Add(s Sample) {
	r.RequestCount++
	r.TotalMetricValue += s.Value
	r.SumSquares += s.Value * s.Value
	r.recompute()
	if s.Rating != nil {
		r.Ratings = append(r.Ratings, *s.Rating)
	}
}

func (r *VariantResult) recompute() {
	if r.RequestCount > 0 {
		r.AverageMetricValue = r.TotalMetricValue / float64(r.RequestCount)
	} else {
		r.AverageMetricValue = 0
	}
}

// Variance returns the unbiased sample variance, or false with fewer than
// two samples.
func (r VariantResult) Variance() (float64, bool) {
	if r.RequestCount < 2 {
		return 0, false
	}
	n := float64(r.RequestCount)
	v := (r.SumSquares - n*r.AverageMetricValue*r.AverageMetricValue) / (n - 1)
	if v < 0 {
		// float cancellation on near-constant samples
		v = 0
	}
	return v, true
}

func (r *VariantResult) clone() *VariantResult {
	c := *r
	if r.Ratings != nil {
		c.Ratings = append([]float64(nil), r.Ratings...)
	}
	return &c
}

// Sample is one observed outcome.
type Sample struct {
	Value float64 `json:"value"`

	// Rating is an optional user rating recorded alongside the metric.
	Rating *float64 `json:"rating,omitempty"`
}

// Experiment is an A/B test on one fragment.
type Experiment struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	TargetFragment string     `json:"target_fragment"`
	Variants       [2]Variant `json:"variants"`
	Status         Status     `json:"status"`

	// TrafficAllocationPercent is the share of requests that enter the
	// experiment at all. TrafficWeight splits those between the arms.
	TrafficAllocationPercent float64 `json:"traffic_allocation_percent"`
	MinSampleSizePerVariant  int     `json:"min_sample_size_per_variant"`
	PrimaryMetric            Metric  `json:"primary_metric"`

	Results         map[Label]*VariantResult `json:"results"`
	Winner          Label                    `json:"winner"`
	ConfidenceScore float64                  `json:"confidence_score"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Variant returns the arm with the given label.
func (e *Experiment) Variant(label Label) (Variant, bool) {
	for _, v := range e.Variants {
		if v.Label == label {
			return v, true
		}
	}
	return Variant{}, false
}

// Result returns the accumulated result for label, never nil.
func (e *Experiment) Result(label Label) VariantResult {
	if r, ok := e.Results[label]; ok && r != nil {
		return *r
	}
	return VariantResult{}
}

// Clone returns a deep copy.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Results = make(map[Label]*VariantResult, len(e.Results))
	for label, r := range e.Results {
		if r != nil {
			c.Results[label] = r.clone()
		}
	}
	return &c
}

func newResults() map[Label]*VariantResult {
	return map[Label]*VariantResult{
		LabelA: {},
		LabelB: {},
	}
}
