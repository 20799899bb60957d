package experiment

import (
	"math"

	"promptsmith/internal/logging"
)

// Comparator decides custom-metric experiments. It returns a negative number
// when A is better, positive when B is better and zero for a tie.
type Comparator func(a, b VariantResult) int

// Decision is the outcome of ComputeWinner.
type Decision struct {
	Winner     Label
	Confidence float64
	Reason     string
}

// Decision reasons.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonTie              = "tie"
	ReasonNoComparator     = "no_comparator"
	ReasonDecided          = "decided"
)

// ComputeWinner compares the two arms on the primary metric. Either arm
// below MinSampleSizePerVariant yields no winner. Lower averages win for
// tokenUsage and responseTime, higher for userRating, and exact ties yield
// no winner. Custom metrics need cmp; without one there is no winner.
//
// Confidence is 1 minus the two-sided p-value of a Welch z-test on the arm
// means. It is computed whenever both arms have enough samples, even on a tie.
func ComputeWinner(e *Experiment, cmp Comparator) Decision {
	a, b := e.Result(LabelA), e.Result(LabelB)
	minN := int64(e.MinSampleSizePerVariant)
	if a.RequestCount < minN || b.RequestCount < minN {
		return Decision{Winner: NoWinner, Reason: ReasonInsufficientData}
	}

	confidence := welchConfidence(a, b)

	var order int
	switch e.PrimaryMetric {
	case MetricTokenUsage, MetricResponseTime:
		order = compareFloat(a.AverageMetricValue, b.AverageMetricValue)
	case MetricUserRating:
		order = -compareFloat(a.AverageMetricValue, b.AverageMetricValue)
	default:
		if cmp == nil {
			logging.ExperimentWarn("Experiment %s uses metric %q but no comparator is configured; no winner", e.ID, e.PrimaryMetric)
			return Decision{Winner: NoWinner, Confidence: confidence, Reason: ReasonNoComparator}
		}
		order = cmp(a, b)
	}

	switch {
	case order < 0:
		return Decision{Winner: LabelA, Confidence: confidence, Reason: ReasonDecided}
	case order > 0:
		return Decision{Winner: LabelB, Confidence: confidence, Reason: ReasonDecided}
	default:
		return Decision{Winner: NoWinner, Confidence: confidence, Reason: ReasonTie}
	}
}

func compareFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// welchConfidence returns 1 - p for H0: equal means, using the normal
// approximation of Welch's t statistic. Arms with fewer than two samples
// give 0. Zero pooled variance gives 1 if the means differ, else 0.
func welchConfidence(a, b VariantResult) float64 {
	va, okA := a.Variance()
	vb, okB := b.Variance()
	if !okA || !okB {
		return 0
	}

	diff := math.Abs(a.AverageMetricValue - b.AverageMetricValue)
	se := math.Sqrt(va/float64(a.RequestCount) + vb/float64(b.RequestCount))
	if se == 0 {
		if diff == 0 {
			return 0
		}
		return 1
	}

	z := diff / se
	p := math.Erfc(z / math.Sqrt2)
	return 1 - p
}
