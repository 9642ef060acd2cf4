// Package errs provides structured error types and helpers for the solver.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a solver error category.
type Code string

const (
	// CodeValidation indicates a malformed or expired intent rejected at submission.
	CodeValidation Code = "validation"
	// CodeEncoding indicates an order that cannot be represented as call data.
	CodeEncoding Code = "encoding"
	// CodeExecution indicates a chain or relayer rejection of a submitted call.
	CodeExecution Code = "execution"
	// CodeTimeout indicates an async operation that never reached a terminal status.
	CodeTimeout Code = "timeout"
	// CodeConflict indicates an operation attempted against an order in the wrong state.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing order.
	CodeNotFound Code = "not_found"
	// CodePersistence indicates a snapshot save or load failure.
	CodePersistence Code = "persistence"
	// CodeUnavailable indicates a temporarily unavailable component.
	CodeUnavailable Code = "unavailable"
	// CodeUnknown captures uncategorized failures.
	CodeUnknown Code = "unknown"
)

// E captures structured error information produced across the solver stack.
type E struct {
	Op      string
	Code    Code
	Message string
	Meta    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		Meta:    nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMeta appends a single metadata key/value pair.
func WithMeta(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Meta == nil {
			e.Meta = make(map[string]string, 1)
		}
		e.Meta[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Meta) > 0 {
		keys := make([]string, 0, len(e.Meta))
		for k := range e.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Meta[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, unwrapping as needed.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the provided code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(op, msg string) *E {
	return New(op, CodeUnavailable, WithMessage(strings.TrimSpace(msg)))
}
