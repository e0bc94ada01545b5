package runner

import (
	"log/slog"
	"maps"
	"sync"

	"github.com/mattjoyce/stevedore/internal/queue"
)

// ExecutionContext collects the outputs of one job. The adapter sends them
// only when the runner succeeds.
type ExecutionContext struct {
	Logger *slog.Logger

	inputs Inputs
	mu     sync.Mutex
	out    map[string]any
}

func newExecutionContext(job *queue.Job, def *Definition, logger *slog.Logger) *ExecutionContext {
	return &ExecutionContext{
		Logger: logger,
		inputs: NewInputs(job, def.Inputs),
		out:    map[string]any{},
	}
}

// Inputs resolves the job's input values.
func (ec *ExecutionContext) Inputs() Inputs {
	return ec.inputs
}

// SetOutput records an output variable.
func (ec *ExecutionContext) SetOutput(name string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.out[name] = value
}

// Outputs returns a copy of the recorded outputs.
func (ec *ExecutionContext) Outputs() map[string]any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return maps.Clone(ec.out)
}
