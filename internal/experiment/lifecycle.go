package experiment

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrInvalidStateTransition marks every rejected lifecycle transition.
var ErrInvalidStateTransition = errors.New("invalid experiment state transition")

// TransitionError reports a transition the lifecycle graph does not allow.
type TransitionError struct {
	ExperimentID string
	From         Status
	To           Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("experiment %s: cannot transition from %s to %s", e.ExperimentID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidStateTransition) hold.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// allowed is the lifecycle graph. Completed is reachable from every
// non-terminal state.
var allowed = map[Status][]Status{
	StatusDraft:  {StatusActive, StatusCompleted},
	StatusActive: {StatusPaused, StatusCompleted},
	StatusPaused: {StatusActive, StatusCompleted},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
