package prompt

import (
	"context"
	"fmt"
	"strings"

	"promptsmith/internal/logging"
)

// DefaultSeparator joins fragment bodies: a blank line.
const DefaultSeparator = "\n\n"

// Section records one fragment/version pair that contributed to a prompt.
type Section struct {
	Type    FragmentType `json:"type"`
	Name    string       `json:"name"`
	Version string       `json:"version"`
}

// Result is the output of one assembly.
type Result struct {
	Prompt   string    `json:"prompt"`
	Sections []Section `json:"sections"`
	Warnings []Warning `json:"warnings,omitempty"`

	// Generation is the store snapshot the prompt was built from.
	Generation uint64 `json:"generation"`
}

// AssembleOptions narrows and steers one assembly.
type AssembleOptions struct {
	// Types restricts selection to these fragment types.
	Types TypeFilter

	// VersionOverrides maps fragment name to the version id to render,
	// typically supplied by an experiment assignment.
	VersionOverrides map[string]string

	// RequestID tags audit events.
	RequestID string
}

// Assembler turns a context into a prompt using a Store. It holds no
// per-request state and is safe for concurrent use.
type Assembler struct {
	store     Store
	separator string
}

// NewAssembler creates an assembler over store with the default separator.
func NewAssembler(store Store) *Assembler {
	return &Assembler{
		store:     store,
		separator: DefaultSeparator,
	}
}

// SetSeparator configures the text inserted between fragment bodies.
func (a *Assembler) SetSeparator(sep string) {
	a.separator = sep
}

// Store returns the backing template store.
func (a *Assembler) Store() Store {
	return a.store
}

// Assemble selects, orders, version-resolves and renders fragments for data.
// Configuration problems are returned as warnings on the Result; only a
// store read failure is an error (marked ErrStoreUnavailable). An empty
// store produces an empty prompt and no sections.
func (a *Assembler) Assemble(ctx context.Context, data Context, opts AssembleOptions) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryJIT, "Assembler.Assemble")

	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, storeUnavailable(err, "assemble: read snapshot")
	}

	selected, warnings := Select(snap.Fragments(), data, opts.Types)

	result := &Result{
		Sections:   make([]Section, 0, len(selected)),
		Generation: snap.Generation,
	}

	bodies := make([]string, 0, len(selected))
	for _, f := range selected {
		rv, w := ResolveVersion(f, opts.VersionOverrides[f.Name])
		if w != nil {
			warnings = append(warnings, *w)
		}

		body, renderWarnings := Render(f.Name, rv, data)
		warnings = append(warnings, renderWarnings...)

		result.Sections = append(result.Sections, Section{Type: f.Type, Name: f.Name, Version: rv.VersionID})
		if body != "" {
			bodies = append(bodies, body)
		}
	}

	result.Prompt = strings.Join(bodies, a.separator)
	result.Warnings = warnings
	logWarnings(warnings)

	if snap.Len() == 0 {
		logging.JITWarn("Template store is empty; assembled an empty prompt")
	}
	logging.JITDebug("Assembled prompt: %d sections, %d chars, ~%d tokens (generation %d)",
		len(result.Sections), len(result.Prompt), EstimateTokens(result.Prompt), snap.Generation)
	elapsed := timer.Stop()
	logging.AuditWithRequest(opts.RequestID).PromptAssembled(
		result.SectionKeys(), len(result.Prompt), snap.Generation, elapsed.Milliseconds())

	return result, nil
}

// Render substitutes a resolved version's variables from data. Declared
// variables always disappear from the output: an absent source yields the
// default value (or ""), and a missing required variable is reported.
// Placeholders with no declaration are left as-is and reported.
// Substitution is single pass; substituted values are never re-expanded.
func Render(fragment string, rv ResolvedVersion, data Context) (string, []Warning) {
	if len(rv.Variables) == 0 && !strings.Contains(rv.Content, "{{") {
		return rv.Content, nil
	}

	var warnings []Warning
	values := make(map[string]string, len(rv.Variables))
	for _, v := range rv.Variables {
		if value, ok := Resolve(v.Source, data); ok {
			values[v.Name] = Stringify(value)
			continue
		}
		if v.Required {
			warnings = append(warnings, Warning{
				Code:     WarnMissingRequired,
				Fragment: fragment,
				Message:  fmt.Sprintf("required variable %q (source %q) is missing; using default %q", v.Name, v.Source, v.DefaultValue),
			})
		}
		values[v.Name] = v.DefaultValue
	}

	undeclared := make(map[string]bool)
	out := placeholderPattern.ReplaceAllStringFunc(rv.Content, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		if value, ok := values[name]; ok {
			return value
		}
		if !undeclared[name] {
			undeclared[name] = true
			warnings = append(warnings, Warning{
				Code:     WarnUndeclaredPlaceholder,
				Fragment: fragment,
				Message:  fmt.Sprintf("placeholder {{%s}} has no variable declaration", name),
			})
		}
		return token
	})

	return out, warnings
}

// SectionKeys renders sections as "name@version" for logs and audits.
func (r *Result) SectionKeys() []string {
	keys := make([]string, len(r.Sections))
	for i, s := range r.Sections {
		keys[i] = s.Name + "@" + s.Version
	}
	return keys
}

// PromptStats summarises an assembled prompt.
type PromptStats struct {
	CharCount    int
	TokenCount   int
	LineCount    int
	SectionCount int
	TypeCounts   map[FragmentType]int
	WarningCount int
}

// Stats returns statistics about the assembled prompt.
func (r *Result) Stats() PromptStats {
	stats := PromptStats{
		CharCount:    len(r.Prompt),
		TokenCount:   EstimateTokens(r.Prompt),
		SectionCount: len(r.Sections),
		TypeCounts:   make(map[FragmentType]int),
		WarningCount: len(r.Warnings),
	}
	if r.Prompt != "" {
		stats.LineCount = strings.Count(r.Prompt, "\n") + 1
	}
	for _, s := range r.Sections {
		stats.TypeCounts[s.Type]++
	}
	return stats
}

func logWarnings(warnings []Warning) {
	for _, w := range warnings {
		logging.JITWarn("%s", w)
	}
}
