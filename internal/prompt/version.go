package prompt

import "fmt"

// ResolvedVersion is the content a fragment contributes for one assembly.
type ResolvedVersion struct {
	VersionID  string
	Content    string
	Variables  []Variable
	Conditions []Condition
	Priority   int
}

// ResolveVersion picks the content of f to use. An empty request or the
// current version id yields the live fields. Any other id is looked up in
// the version history; if it is missing the live fields are returned with a
// version_not_found warning. Callers detect the fallback by comparing the
// returned VersionID with the one they asked for.
func ResolveVersion(f *Fragment, requested string) (ResolvedVersion, *Warning) {
	live := ResolvedVersion{
		VersionID:  f.CurrentVersionID,
		Content:    f.Content,
		Variables:  f.Variables,
		Conditions: f.Conditions,
		Priority:   f.Priority,
	}

	if requested == "" || requested == f.CurrentVersionID {
		return live, nil
	}

	if snap, ok := f.historyEntry(requested); ok {
		return ResolvedVersion{
			VersionID:  snap.VersionID,
			Content:    snap.Content,
			Variables:  snap.Variables,
			Conditions: snap.Conditions,
			Priority:   snap.Priority,
		}, nil
	}

	return live, &Warning{
		Code:     WarnVersionNotFound,
		Fragment: f.Name,
		Message:  fmt.Sprintf("version %q not found, using live version %q", requested, f.CurrentVersionID),
	}
}
