package prompt

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"promptsmith/internal/logging"
)

// Composite result sources.
const (
	SourceComponents = "components"
	SourceFullText   = "fulltext"
)

// ComponentRef pins one fragment into a hand-curated prompt.
type ComponentRef struct {
	Fragment string `json:"fragment" yaml:"fragment"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Order    int    `json:"order" yaml:"order"`

	// VersionID pins a historical version; empty means live.
	VersionID string `json:"version_id,omitempty" yaml:"version_id,omitempty"`
}

// CompositeTemplate is a named, ordered selection of fragments with an
// optional full-text fallback used when the components cannot be assembled.
type CompositeTemplate struct {
	Name       string         `json:"name" yaml:"name"`
	Components []ComponentRef `json:"components" yaml:"components"`
	FullText   string         `json:"full_text,omitempty" yaml:"full_text,omitempty"`
}

// CompositeResult is the output of AssembleFromSelection.
type CompositeResult struct {
	Prompt         string    `json:"prompt"`
	Source         string    `json:"source"`
	ComponentsUsed []string  `json:"components_used"`
	Sections       []Section `json:"sections,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
	Warnings       []Warning `json:"warnings,omitempty"`

	// Cause is the failure that triggered a full-text fallback.
	Cause error `json:"-"`
}

// Assemble builds the composite with its own full-text fallback.
func (t *CompositeTemplate) Assemble(ctx context.Context, a *Assembler, data Context) (*CompositeResult, error) {
	res, err := a.AssembleFromSelection(ctx, t.Components, data, t.FullText)
	if err != nil {
		return nil, errors.Wrapf(err, "composite %q", t.Name)
	}
	logging.Audit().CompositeAssembled(t.Name, res.ComponentsUsed, res.Degraded, causeText(res.Cause))
	return res, nil
}

// AssembleFromSelection renders an explicit, ordered set of fragments,
// bypassing condition-based selection. Disabled refs are skipped and the
// rest are ordered by Order, then fragment name. Refs naming unknown
// fragments are skipped with a warning.
//
// If the store cannot be read, or no ref resolves to a fragment, the
// fallback text is returned with Source "fulltext" and Degraded set. With an
// empty fallback the failure is returned instead.
func (a *Assembler) AssembleFromSelection(ctx context.Context, refs []ComponentRef, data Context, fallback string) (*CompositeResult, error) {
	timer := logging.StartTimer(logging.CategoryJIT, "Assembler.AssembleFromSelection")
	defer timer.Stop()

	res, err := a.assembleComponents(ctx, refs, data)
	if err == nil {
		logWarnings(res.Warnings)
		return res, nil
	}

	if fallback == "" {
		return nil, err
	}

	logging.JITWarn("Composite assembly degraded to full text: %v", err)
	degraded := &CompositeResult{
		Prompt:         fallback,
		Source:         SourceFullText,
		ComponentsUsed: []string{},
		Degraded:       true,
		Cause:          err,
	}
	if res != nil {
		degraded.Warnings = res.Warnings
	}
	return degraded, nil
}

func (a *Assembler) assembleComponents(ctx context.Context, refs []ComponentRef, data Context) (*CompositeResult, error) {
	enabled := make([]ComponentRef, 0, len(refs))
	for _, ref := range refs {
		if ref.Enabled {
			enabled = append(enabled, ref)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Order != enabled[j].Order {
			return enabled[i].Order < enabled[j].Order
		}
		return enabled[i].Fragment < enabled[j].Fragment
	})

	res := &CompositeResult{
		Source:         SourceComponents,
		ComponentsUsed: make([]string, 0, len(enabled)),
	}

	bodies := make([]string, 0, len(enabled))
	for _, ref := range enabled {
		f, err := a.store.Fragment(ctx, ref.Fragment)
		if err != nil {
			if errors.Is(err, ErrFragmentNotFound) {
				res.Warnings = append(res.Warnings, Warning{
					Code:     WarnFragmentNotFound,
					Fragment: ref.Fragment,
					Message:  "composite component references a missing fragment",
				})
				continue
			}
			return res, storeUnavailable(err, "composite: fetch "+ref.Fragment)
		}

		rv, w := ResolveVersion(f, ref.VersionID)
		if w != nil {
			res.Warnings = append(res.Warnings, *w)
		}
		body, renderWarnings := Render(f.Name, rv, data)
		res.Warnings = append(res.Warnings, renderWarnings...)

		res.ComponentsUsed = append(res.ComponentsUsed, f.Name)
		res.Sections = append(res.Sections, Section{Type: f.Type, Name: f.Name, Version: rv.VersionID})
		if body != "" {
			bodies = append(bodies, body)
		}
	}

	if len(res.ComponentsUsed) == 0 {
		return res, ErrNoComponents
	}

	res.Prompt = strings.Join(bodies, a.separator)
	return res, nil
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
