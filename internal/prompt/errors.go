package prompt

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// WarningCode identifies a class of non-fatal configuration problem.
type WarningCode string

const (
	WarnUnknownOperator       WarningCode = "unknown_operator"
	WarnInvalidConditionValue WarningCode = "invalid_condition_value"
	WarnMissingRequired       WarningCode = "missing_required_variable"
	WarnVersionNotFound       WarningCode = "version_not_found"
	WarnUnusedVariable        WarningCode = "unused_variable"
	WarnUndeclaredPlaceholder WarningCode = "undeclared_placeholder"
	WarnFragmentNotFound      WarningCode = "fragment_not_found"
)

// Warning is a ConfigurationWarning: logged and returned, never fatal.
type Warning struct {
	Code     WarningCode `json:"code"`
	Fragment string      `json:"fragment,omitempty"`
	Message  string      `json:"message"`
}

func (w Warning) String() string {
	if w.Fragment == "" {
		return fmt.Sprintf("[%s] %s", w.Code, w.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", w.Code, w.Fragment, w.Message)
}

// ValidationError reports caller-correctable input: malformed fragments,
// undeclared placeholders, bad experiment definitions.
type ValidationError struct {
	Subject string // fragment name or experiment name
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
	}
	return fmt.Sprintf("validation failed for %s.%s: %s", e.Subject, e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	// ErrStoreUnavailable marks failures to read the template store.
	ErrStoreUnavailable = errors.New("template store unavailable")

	// ErrFragmentNotFound is returned when a named fragment does not exist.
	ErrFragmentNotFound = errors.New("fragment not found")

	// ErrNoComponents is returned when a composite selection resolves nothing.
	ErrNoComponents = errors.New("no composite components could be resolved")
)

// storeUnavailable wraps err so errors.Is(err, ErrStoreUnavailable) holds.
func storeUnavailable(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), ErrStoreUnavailable)
}
