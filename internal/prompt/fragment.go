// Package prompt implements the prompt template assembly engine.
//
// Prompts are assembled from fragments: small, named, typed blocks of text
// carrying {{variable}} placeholders, inclusion conditions, a priority and an
// append-only version history. For each request the engine:
//  1. Selects the active fragments whose conditions hold for the context
//  2. Orders them by priority (desc) then name (asc)
//  3. Resolves the content version to use (live, pinned or experiment override)
//  4. Substitutes variables from the context and joins the bodies
//
// The engine is a pure function of its inputs and a Store snapshot.
package prompt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// FragmentType classifies a fragment. It is descriptive only and never
// affects ordering.
type FragmentType string

const (
	// TypeRole defines who the model is.
	TypeRole FragmentType = "role"

	// TypeContext carries request-specific background.
	TypeContext FragmentType = "context"

	// TypeInstruction tells the model what to do.
	TypeInstruction FragmentType = "instruction"

	// TypeStructure shapes the output format.
	TypeStructure FragmentType = "structure"

	// TypeBehavior constrains tone and conduct.
	TypeBehavior FragmentType = "behavior"
)

// AllTypes returns all defined fragment types.
func AllTypes() []FragmentType {
	return []FragmentType{
		TypeRole,
		TypeContext,
		TypeInstruction,
		TypeStructure,
		TypeBehavior,
	}
}

// IsValid reports whether t is a known fragment type.
func (t FragmentType) IsValid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Variable declares a placeholder and where its value comes from.
type Variable struct {
	// Name matches {{Name}} in the content.
	Name string `json:"name" yaml:"name"`

	// Source is a dotted path into the request context.
	Source string `json:"source" yaml:"source"`

	// Required only controls whether a missing value is reported.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// DefaultValue is substituted when Source resolves to nothing.
	DefaultValue string `json:"default_value,omitempty" yaml:"default_value,omitempty"`
}

// VersionSnapshot is one immutable entry in a fragment's version history.
type VersionSnapshot struct {
	VersionID  string      `json:"version_id" yaml:"version_id"`
	Content    string      `json:"content" yaml:"content"`
	Variables  []Variable  `json:"variables,omitempty" yaml:"variables,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Priority   int         `json:"priority" yaml:"priority"`
	CreatedAt  time.Time   `json:"created_at" yaml:"created_at,omitempty"`
}

// Fragment is a named, typed, versioned template unit.
type Fragment struct {
	// ID is a stable identifier; it defaults to Name.
	ID string `json:"id"`

	// Name is unique within a store and is the key for overrides.
	Name string `json:"name"`

	Type        FragmentType `json:"type"`
	Description string       `json:"description,omitempty"`

	// Live fields. These always equal the history entry whose VersionID
	// is CurrentVersionID.
	Content          string      `json:"content"`
	Variables        []Variable  `json:"variables,omitempty"`
	Conditions       []Condition `json:"conditions,omitempty"`
	Priority         int         `json:"priority"`
	CurrentVersionID string      `json:"current_version_id"`

	// IsActive gates selection regardless of conditions.
	IsActive bool `json:"is_active"`

	// VersionHistory is append-only; it includes the live version.
	VersionHistory []VersionSnapshot `json:"version_history,omitempty"`

	// ContentHash is the SHA256 of the live content.
	ContentHash string    `json:"content_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// placeholderPattern matches {{name}} tokens. Names may contain dots and dashes.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// EstimateTokens estimates the token count for content using chars/4 approximation.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}

// HashContent computes a SHA256 hash of content for change detection.
func HashContent(content string) string {
	if content == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

// NewVersionID returns a fresh version identifier.
func NewVersionID() string {
	return uuid.NewString()
}

// NewFragment creates an active fragment whose first version is the given content.
func NewFragment(name string, typ FragmentType, content string) *Fragment {
	f := &Fragment{
		ID:       name,
		Name:     name,
		Type:     typ,
		Content:  content,
		IsActive: true,
	}
	f.Seal("")
	return f
}

// Seal makes the live fields a history entry if they are not one already.
// versionID may be empty, in which case CurrentVersionID (or a new id) is used.
// Loaders call Seal after filling the live fields.
func (f *Fragment) Seal(versionID string) {
	if f.ID == "" {
		f.ID = f.Name
	}
	if versionID != "" {
		f.CurrentVersionID = versionID
	}
	if f.CurrentVersionID == "" {
		f.CurrentVersionID = NewVersionID()
	}
	f.ContentHash = HashContent(f.Content)
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	if _, ok := f.historyEntry(f.CurrentVersionID); ok {
		return
	}
	f.VersionHistory = append(f.VersionHistory, f.liveSnapshot())
}

// Revision carries the fields of a new fragment version.
type Revision struct {
	VersionID  string // optional; generated when empty
	Content    string
	Variables  []Variable
	Conditions []Condition
	Priority   int
}

// Revise appends a new version and makes it live. History entries are
// never modified. Reusing an existing version id is a ValidationError.
func (f *Fragment) Revise(rev Revision) error {
	id := rev.VersionID
	if id == "" {
		id = NewVersionID()
	}
	if _, exists := f.historyEntry(id); exists {
		return &ValidationError{Subject: f.Name, Field: "version_id", Reason: fmt.Sprintf("version %q already exists", id)}
	}

	next := f.Clone()
	next.CurrentVersionID = id
	next.Content = rev.Content
	next.Variables = copyVariables(rev.Variables)
	next.Conditions = copyConditions(rev.Conditions)
	next.Priority = rev.Priority
	if err := next.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	f.Content = next.Content
	f.Variables = next.Variables
	f.Conditions = next.Conditions
	f.Priority = next.Priority
	f.CurrentVersionID = id
	f.ContentHash = HashContent(f.Content)
	f.UpdatedAt = now

	snap := f.liveSnapshot()
	snap.CreatedAt = now
	f.VersionHistory = append(f.VersionHistory, snap)
	return nil
}

// HasVersion reports whether id is the current version or in history.
func (f *Fragment) HasVersion(id string) bool {
	if id == f.CurrentVersionID {
		return true
	}
	_, ok := f.historyEntry(id)
	return ok
}

// VersionIDs lists every known version id in history order.
func (f *Fragment) VersionIDs() []string {
	ids := make([]string, 0, len(f.VersionHistory))
	for _, v := range f.VersionHistory {
		ids = append(ids, v.VersionID)
	}
	return ids
}

func (f *Fragment) historyEntry(id string) (VersionSnapshot, bool) {
	for _, v := range f.VersionHistory {
		if v.VersionID == id {
			return v, true
		}
	}
	return VersionSnapshot{}, false
}

// CheckVersions returns a ValidationError when f and stored share a version
// id whose fields differ. Stored history is immutable, so such a write
// would have to rewrite it.
func (f *Fragment) CheckVersions(stored *Fragment) error {
	if stored == nil {
		return nil
	}
	for _, v := range f.VersionHistory {
		prev, ok := stored.historyEntry(v.VersionID)
		if ok && !prev.Matches(v) {
			return &ValidationError{
				Subject: f.Name,
				Field:   "version_id",
				Reason:  fmt.Sprintf("version %q is already stored with different content", v.VersionID),
			}
		}
	}
	return nil
}

// Version returns the history entry with the given id.
func (f *Fragment) Version(id string) (VersionSnapshot, bool) {
	return f.historyEntry(id)
}

// Matches reports whether two snapshots carry the same content, variables,
// conditions and priority. Ids and timestamps are ignored.
func (v VersionSnapshot) Matches(o VersionSnapshot) bool {
	if v.Content != o.Content || v.Priority != o.Priority {
		return false
	}
	return sameEncoding(v.Variables, o.Variables) && sameEncoding(v.Conditions, o.Conditions)
}

// sameEncoding compares slices by their JSON form, so condition values
// decoded as []any match the []string they were written from.
func sameEncoding[T any](a, b []T) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func (f *Fragment) liveSnapshot() VersionSnapshot {
	return VersionSnapshot{
		VersionID:  f.CurrentVersionID,
		Content:    f.Content,
		Variables:  copyVariables(f.Variables),
		Conditions: copyConditions(f.Conditions),
		Priority:   f.Priority,
		CreatedAt:  f.UpdatedAt,
	}
}

// Placeholders returns the distinct placeholder names in content, in order of
// first appearance.
func Placeholders(content string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Validate checks the fragment for authoring errors.
func (f *Fragment) Validate() error {
	if f.Name == "" {
		return &ValidationError{Subject: "fragment", Field: "name", Reason: "name is required"}
	}

	if !f.Type.IsValid() {
		return &ValidationError{Subject: f.Name, Field: "type", Reason: fmt.Sprintf("unknown type %q", f.Type)}
	}

	declared := make(map[string]bool, len(f.Variables))
	for _, v := range f.Variables {
		if v.Name == "" {
			return &ValidationError{Subject: f.Name, Field: "variables", Reason: "variable name is required"}
		}
		if declared[v.Name] {
			return &ValidationError{Subject: f.Name, Field: "variables", Reason: fmt.Sprintf("duplicate variable %q", v.Name)}
		}
		declared[v.Name] = true
	}

	for _, name := range Placeholders(f.Content) {
		if !declared[name] {
			return &ValidationError{Subject: f.Name, Field: "content", Reason: fmt.Sprintf("placeholder {{%s}} is not declared", name)}
		}
	}

	for _, c := range f.Conditions {
		if c.Field == "" {
			return &ValidationError{Subject: f.Name, Field: "conditions", Reason: "condition field is required"}
		}
	}

	// Live fields must equal the history entry they claim to be. Editing a
	// fragment without a new version id would rewrite that entry.
	if entry, ok := f.historyEntry(f.CurrentVersionID); ok && !entry.Matches(f.liveSnapshot()) {
		return &ValidationError{
			Subject: f.Name,
			Field:   "version_id",
			Reason:  fmt.Sprintf("live fields differ from stored version %q; revise under a new version id", f.CurrentVersionID),
		}
	}

	return nil
}

// Lint reports non-fatal authoring problems: declared variables that the
// content never uses and conditions with unknown operators.
func (f *Fragment) Lint() []Warning {
	var warnings []Warning

	used := make(map[string]bool)
	for _, name := range Placeholders(f.Content) {
		used[name] = true
	}
	for _, v := range f.Variables {
		if !used[v.Name] {
			warnings = append(warnings, Warning{
				Code:     WarnUnusedVariable,
				Fragment: f.Name,
				Message:  fmt.Sprintf("variable %q is declared but never used", v.Name),
			})
		}
	}

	for _, c := range f.Conditions {
		if c.Operator.IsUnknown() {
			warnings = append(warnings, Warning{
				Code:     WarnUnknownOperator,
				Fragment: f.Name,
				Message:  fmt.Sprintf("condition on %q uses unknown operator %q", c.Field, c.RawOperator),
			})
		}
	}

	return warnings
}

// Clone creates a deep copy of the fragment.
func (f *Fragment) Clone() *Fragment {
	clone := *f
	clone.Variables = copyVariables(f.Variables)
	clone.Conditions = copyConditions(f.Conditions)
	if f.VersionHistory != nil {
		clone.VersionHistory = make([]VersionSnapshot, len(f.VersionHistory))
		for i, v := range f.VersionHistory {
			v.Variables = copyVariables(v.Variables)
			v.Conditions = copyConditions(v.Conditions)
			clone.VersionHistory[i] = v
		}
	}
	return &clone
}

func copyVariables(v []Variable) []Variable {
	if v == nil {
		return nil
	}
	c := make([]Variable, len(v))
	copy(c, v)
	return c
}

func copyConditions(cs []Condition) []Condition {
	if cs == nil {
		return nil
	}
	c := make([]Condition, len(cs))
	copy(c, cs)
	return c
}
