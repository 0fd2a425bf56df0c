// Package nsdberr defines the typed error kinds used across the core (§7).
package nsdberr

import "fmt"

// Kind classifies an error for callers that need to branch without string
// matching.
type Kind int

const (
	// KindParse marks a malformed statement.
	KindParse Kind = iota
	// KindPlan marks a well-formed statement invalid against a schema.
	KindPlan
	// KindSchemaConflict marks an incompatible record/schema update.
	KindSchemaConflict
	// KindUnknownMetric marks a reference to a metric with no schema.
	KindUnknownMetric
	// KindUnknownNamespace marks a reference to a namespace never written to.
	KindUnknownNamespace
	// KindIndexIO marks a durable I/O failure in the index engine.
	KindIndexIO
	// KindTimeout marks a request that exceeded its deadline.
	KindTimeout
	// KindInternal marks an unexpected invariant violation.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "ParseError"
	case KindPlan:
		return "PlanError"
	case KindSchemaConflict:
		return "SchemaConflict"
	case KindUnknownMetric:
		return "UnknownMetric"
	case KindUnknownNamespace:
		return "UnknownNamespace"
	case KindIndexIO:
		return "IndexIOError"
	case KindTimeout:
		return "Timeout"
	default:
		return "InternalError"
	}
}

// Error is the common error type returned across package boundaries in the
// core. It carries a Kind so callers can use errors.As without depending on
// message text.
type Error struct {
	Kind    Kind
	Message string
	// Fields names the offending fields, used by SchemaConflict to list
	// every incompatible field in one error (§4.3).
	Fields []string
	Err    error
}

func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s %v", e.Kind, e.Message, e.Fields)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(k Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Err: err}
}

// SchemaConflict builds a SchemaConflict error naming the offending fields.
func SchemaConflict(metric string, fields []string) *Error {
	return &Error{
		Kind:    KindSchemaConflict,
		Message: fmt.Sprintf("metric %q: incompatible fields", metric),
		Fields:  fields,
	}
}

// Is reports whether err is an *Error of kind k.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
