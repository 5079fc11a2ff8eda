// Package errs defines the error taxonomy shared by every accesswatch component.
// Each error carries a stable kind, a message, and a context map that is safe
// to log (never secrets).
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is a stable error category.
type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR"
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	KindProcessing    Kind = "PROCESSING_ERROR"
	KindIntegration   Kind = "INTEGRATION_ERROR"
	KindStorage       Kind = "STORAGE_ERROR"
)

// Error is the concrete error type for all kinds.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Fields returns the context plus kind and message, for structured logs.
func (e *Error) Fields() map[string]string {
	out := make(map[string]string, len(e.Context)+2)
	for k, v := range e.Context {
		out[k] = v
	}
	out["error_code"] = string(e.Kind)
	out["message"] = e.Message
	return out
}

func newError(kind Kind, msg string, ctx map[string]string, cause error) *Error {
	c := make(map[string]string, len(ctx))
	for k, v := range ctx {
		c[k] = v
	}
	return &Error{Kind: kind, Message: msg, Context: c, Err: cause}
}

// Validation reports malformed or missing required input.
func Validation(msg string, ctx map[string]string, cause error) *Error {
	return newError(KindValidation, msg, ctx, cause)
}

// Configuration reports missing or inconsistent configuration.
func Configuration(msg string, ctx map[string]string, cause error) *Error {
	return newError(KindConfiguration, msg, ctx, cause)
}

// Processing reports a KPI or policy computation failure.
func Processing(msg string, ctx map[string]string, cause error) *Error {
	return newError(KindProcessing, msg, ctx, cause)
}

// Integration reports an external service failure after retries.
func Integration(msg string, ctx map[string]string, cause error) *Error {
	return newError(KindIntegration, msg, ctx, cause)
}

// Storage reports a persistence failure.
func Storage(msg string, ctx map[string]string, cause error) *Error {
	return newError(KindStorage, msg, ctx, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
