package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Lifecycle error kinds, matched with errors.Is.
var (
	ErrWorkerNotFound          = errors.New("runner not found")
	ErrWorkerInvalidDefinition = errors.New("runner definition is invalid")
	ErrCantStopRunner          = errors.New("runner did not stop in time")
	ErrAlreadyStarted          = errors.New("runner is already started")
	ErrAlreadyStopped          = errors.New("runner is already stopped")
)

// LifecycleError reports a refused or failed transition for one runner.
type LifecycleError struct {
	Kind    error
	ID      string
	Details []string
}

func (e *LifecycleError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.ID, e.Kind)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

func (e *LifecycleError) Unwrap() error {
	return e.Kind
}

func lifecycleError(kind error, id string, details ...string) *LifecycleError {
	return &LifecycleError{Kind: kind, ID: id, Details: details}
}
