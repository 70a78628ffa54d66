package jobdag

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed or invalid graph document. It is
// never retried.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Unwrap() error { return e.Err }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ExpansionError aborts a whole graph expansion.
type ExpansionError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ExpansionError) Error() string {
	msg := e.Msg
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExpansionError) Unwrap() error { return e.Err }

// PlacementError means no cluster satisfies a job's constraints.
type PlacementError struct {
	Selector []string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("No cluster available for selector [%s]", strings.Join(e.Selector, ", "))
}
