package errors

import (
	"fmt"
	"strings"
)

// BuildError is the single carrier type for every error kind in the
// taxonomy. Every surfaced error carries kind, a human message, the
// originating component, contextual key/value pairs, and suggested actions
// — per spec.md §7's closing paragraph.
type BuildError struct {
	Kind        Kind
	Message     string
	Component   string
	Context     map[string]any
	Suggestions []string
	Cause       error
}

// New constructs a BuildError with no context. Use WithContext/WithSuggestion
// to attach detail.
func New(kind Kind, component, message string) *BuildError {
	return &BuildError{Kind: kind, Component: component, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, component, format string, args ...any) *BuildError {
	return New(kind, component, fmt.Sprintf(format, args...))
}

// Wrap attaches an existing error as the Cause of a new BuildError.
func Wrap(kind Kind, component, message string, cause error) *BuildError {
	e := New(kind, component, message)
	e.Cause = cause
	return e
}

// WithContext returns a copy of e with one key/value pair merged into
// Context. Chainable: err.WithContext("target", id).WithContext("retry", n).
func (e *BuildError) WithContext(key string, value any) *BuildError {
	clone := *e
	clone.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		clone.Context[k] = v
	}
	clone.Context[key] = value
	return &clone
}

// WithSuggestion appends one human-actionable suggestion.
func (e *BuildError) WithSuggestion(s string) *BuildError {
	clone := *e
	clone.Suggestions = append(append([]string(nil), e.Suggestions...), s)
	return &clone
}

// CausedBy marks cascaded dependent failures with a reference to the root
// error's originating node, per spec.md §7 ("Cascaded failures mark
// dependents as Failed with a CausedBy context referencing the root error's
// node id").
func (e *BuildError) CausedBy(rootNodeID string) *BuildError {
	return e.WithContext("causedBy", rootNodeID)
}

func (e *BuildError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Component != "" {
		sb.WriteString(" [")
		sb.WriteString(e.Component)
		sb.WriteString("]")
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *BuildError) Unwrap() error { return e.Cause }

// Is compares by Kind alone when the target is a *BuildError:
// errors.Is(err, &BuildError{Kind: GraphCycle}) succeeds whenever err is a
// *BuildError (at any wrap depth) carrying that Kind.
func (e *BuildError) Is(target error) bool {
	other, ok := target.(*BuildError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *BuildError,
// reporting ok=false for any other error including nil.
func KindOf(err error) (Kind, bool) {
	var be *BuildError
	if ok := asBuildError(err, &be); ok {
		return be.Kind, true
	}
	return 0, false
}

func asBuildError(err error, target **BuildError) bool {
	for err != nil {
		if be, ok := err.(*BuildError); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
