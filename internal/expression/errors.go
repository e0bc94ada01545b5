package expression

import (
	"errors"
	"fmt"
)

// Error codes reported to the job queue when a program fails.
const (
	CodeSyntax          = "SYNTAX_OPERATION_ERROR"
	CodeUnknownFunction = "UNKNOWN_FUNCTION_ERROR"
	CodeDateParse       = "DATEPARSE_OPERATION_ERROR"
)

// Error kinds, matched with errors.Is.
var (
	ErrSyntax          = errors.New("syntax error")
	ErrUnknownFunction = errors.New("unknown function")
	ErrDateParse       = errors.New("date parse error")
)

// Error is raised while parsing or evaluating a program. It carries a stable
// code so runners can surface it as a declared error.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// ErrorCode returns the stable code for the error kind.
func (e *Error) ErrorCode() string {
	switch e.Kind {
	case ErrUnknownFunction:
		return CodeUnknownFunction
	case ErrDateParse:
		return CodeDateParse
	default:
		return CodeSyntax
	}
}

func syntaxErrorf(format string, args ...any) *Error {
	return &Error{Kind: ErrSyntax, Message: fmt.Sprintf(format, args...)}
}

func unknownFunctionf(format string, args ...any) *Error {
	return &Error{Kind: ErrUnknownFunction, Message: fmt.Sprintf(format, args...)}
}

func dateParsef(format string, args ...any) *Error {
	return &Error{Kind: ErrDateParse, Message: fmt.Sprintf(format, args...)}
}
