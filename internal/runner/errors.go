package runner

import (
	"errors"
	"fmt"
)

// Coder is implemented by errors that carry a business error code. The
// adapter turns them into a ThrowError command instead of a failure.
type Coder interface {
	ErrorCode() string
}

// DeclaredError is a business error raised by a runner. Variables are sent
// with the error so the process can branch on partial results.
type DeclaredError struct {
	Code      string
	Message   string
	Variables map[string]any
}

func (e *DeclaredError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DeclaredError) ErrorCode() string {
	return e.Code
}

// Declare returns a DeclaredError with code and a formatted message.
func Declare(code, format string, args ...any) *DeclaredError {
	return &DeclaredError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithVariables returns e carrying vars.
func (e *DeclaredError) WithVariables(vars map[string]any) *DeclaredError {
	e.Variables = vars
	return e
}

// asDeclared extracts the business error from err, if any.
func asDeclared(err error) (*DeclaredError, bool) {
	var de *DeclaredError
	if errors.As(err, &de) {
		return de, true
	}
	var c Coder
	if errors.As(err, &c) && c.ErrorCode() != "" {
		return &DeclaredError{Code: c.ErrorCode(), Message: err.Error()}, true
	}
	return nil, false
}
