// Package fault defines the error kinds that halt a run.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrSchemaViolation = errors.New("schema violation")
	ErrPolicyViolation = errors.New("policy violation")
	ErrPathEscape      = errors.New("path escapes workspace")
	ErrBlockedCommand  = errors.New("blocked command")
	ErrParse           = errors.New("parse error")
	ErrTimeout         = errors.New("timeout")
	ErrConfig          = errors.New("configuration error")
	ErrRetryExhausted  = errors.New("retries exhausted")
)

// Error attaches an operation and reproduction detail to one of the kinds above.
type Error struct {
	Kind error
	Op   string
	Msg  string
	// Detail is written to the run log alongside the error.
	Detail map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := e.Kind.Error()
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Msg == "" {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// New builds an Error of the given kind.
func New(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// With returns e with key set in its Detail.
func (e *Error) With(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = value
	return e
}

// KindName returns a short log-friendly name for the kind err wraps.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrSchemaViolation):
		return "SchemaViolation"
	case errors.Is(err, ErrPolicyViolation):
		return "PolicyViolation"
	case errors.Is(err, ErrPathEscape):
		return "PathEscapeError"
	case errors.Is(err, ErrBlockedCommand):
		return "BlockedCommandError"
	case errors.Is(err, ErrParse):
		return "ParseError"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrRetryExhausted):
		return "RetryExhausted"
	default:
		return "Error"
	}
}

// DetailOf returns the reproduction detail carried by err, if any.
func DetailOf(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) && fe.Detail != nil {
		return fe.Detail
	}
	return nil
}

// Truncate returns the first n characters of s. It never splits a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
