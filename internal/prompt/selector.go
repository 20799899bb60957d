package prompt

import (
	"sort"

	"promptsmith/internal/logging"
)

// TypeFilter restricts selection to a set of fragment types.
// A nil or empty filter admits every type.
type TypeFilter []FragmentType

// Admits reports whether t passes the filter.
func (tf TypeFilter) Admits(t FragmentType) bool {
	if len(tf) == 0 {
		return true
	}
	for _, allowed := range tf {
		if allowed == t {
			return true
		}
	}
	return false
}

// Select filters fragments by active flag, type filter and conditions, then
// orders the survivors by priority (desc) and name (asc). The input slice is
// not modified. Condition problems become warnings and exclude the fragment.
func Select(fragments []*Fragment, ctx Context, types TypeFilter) ([]*Fragment, []Warning) {
	var (
		selected []*Fragment
		warnings []Warning
	)

	for _, f := range fragments {
		if f == nil || !f.IsActive {
			continue
		}
		if !types.Admits(f.Type) {
			continue
		}

		ok, condWarnings := Matches(f, ctx)
		warnings = append(warnings, condWarnings...)
		if !ok {
			logging.JITDebug("Fragment rejected: %s (conditions)", f.Name)
			continue
		}
		selected = append(selected, f)
	}

	SortFragments(selected)
	return selected, warnings
}

// Matches reports whether every condition of f holds for ctx. An empty
// condition list always matches. Evaluation stops at the first failure.
func Matches(f *Fragment, ctx Context) (bool, []Warning) {
	var warnings []Warning
	for _, cond := range f.Conditions {
		ok, w := Evaluate(cond, ctx)
		if w != nil {
			w.Fragment = f.Name
			warnings = append(warnings, *w)
		}
		if !ok {
			return false, warnings
		}
	}
	return true, warnings
}

// SortFragments orders fragments by priority descending, then name ascending.
// Names are unique within a store so the order is total.
func SortFragments(fragments []*Fragment) {
	sort.SliceStable(fragments, func(i, j int) bool {
		if fragments[i].Priority != fragments[j].Priority {
			return fragments[i].Priority > fragments[j].Priority
		}
		return fragments[i].Name < fragments[j].Name
	})
}
