package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/queue"
)

// ResultVariableHeader names the custom header under which a connector's
// whole result is stored.
const ResultVariableHeader = "resultVariable"

var errNoImplementation = errors.New("runner has no implementation bound")

// Result is the outcome of one execution, before it is sent to the queue.
type Result struct {
	Outcome   string
	Variables map[string]any
	Declared  *DeclaredError
	Err       error
}

// Adapter runs one definition for each job of its type and reports exactly
// one terminal command per job.
type Adapter struct {
	def *Definition
}

func NewAdapter(def *Definition) *Adapter {
	return &Adapter{def: def}
}

// Handle implements queue.JobHandler.
func (a *Adapter) Handle(ctx context.Context, client queue.JobClient, job *queue.Job) {
	logger := a.jobLogger(job)
	res := a.Run(ctx, job)

	var err error
	switch res.Outcome {
	case OutcomeCompleted:
		err = client.Complete(ctx, job.Key, res.Variables)
	case OutcomeDeclared:
		logger.Info("runner raised a declared error", "code", res.Declared.Code, "message", res.Declared.Message)
		err = client.ThrowError(ctx, job.Key, res.Declared.Code, res.Declared.Message, res.Variables)
	default:
		logger.Error("runner failed", "error", res.Err)
		if err = a.fail(ctx, client, job); err != nil {
			logger.Error("failed to report job outcome", "outcome", res.Outcome, "error", err)
		}
		return
	}
	if err == nil {
		return
	}
	// The queue refused the outcome; the job must still leave the active set.
	logger.Error("failed to report job outcome", "outcome", res.Outcome, "error", err)
	if err := a.fail(ctx, client, job); err != nil {
		logger.Error("failed to report fallback failure", "error", err)
	}
}

func (a *Adapter) fail(ctx context.Context, client queue.JobClient, job *queue.Job) error {
	retries := job.Retries - 1
	if retries < 0 {
		retries = 0
	}
	return client.Fail(ctx, job.Key, retries, fmt.Sprintf("technical failure in runner %s", a.def.ID))
}

// Run executes the runner for job without talking to the queue. Panics are
// recovered as technical failures.
func (a *Adapter) Run(ctx context.Context, job *queue.Job) (res Result) {
	start := time.Now()
	logger := a.jobLogger(job)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("runner panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("runner panicked: %v", r)}
		}
		recordJob(a.def.ID, res.Outcome, time.Since(start))
		logger.Debug("job executed", "outcome", res.Outcome, "duration_ms", time.Since(start).Milliseconds())
	}()

	ec := newExecutionContext(job, a.def, logger)
	var (
		vars map[string]any
		err  error
	)
	switch {
	case a.def.worker != nil:
		err = a.def.worker.Execute(ctx, job, ec)
		vars = ec.Outputs()
	case a.def.connector != nil:
		var out any
		out, err = a.def.connector.Execute(ctx, ec.Inputs())
		if err == nil {
			vars, err = a.mapResult(out, job)
		}
	case a.def.sdk != nil:
		var out any
		out, err = a.def.sdk.fn.Execute(ctx, a.sdkVariables(ec.Inputs()))
		if err == nil {
			vars, err = a.mapResult(out, job)
		}
	default:
		err = errNoImplementation
	}

	if err == nil {
		return Result{Outcome: OutcomeCompleted, Variables: vars}
	}
	if de, ok := asDeclared(err); ok {
		return Result{Outcome: OutcomeDeclared, Variables: de.Variables, Declared: de, Err: err}
	}
	return Result{Outcome: OutcomeFailed, Err: err}
}

func (a *Adapter) jobLogger(job *queue.Job) *slog.Logger {
	return log.WithRunner(a.def.ID).With(
		slog.String("job_key", job.Key),
		slog.String("job_type", job.Type),
	)
}

// sdkVariables is every job variable plus the declared inputs that only
// resolve through headers or defaults.
func (a *Adapter) sdkVariables(in Inputs) map[string]any {
	vars := in.All()
	for _, p := range a.def.Inputs {
		if p.IsAccessAll() {
			continue
		}
		if _, ok := vars[p.Name]; !ok {
			if v := in.Value(p.Name); v != nil {
				vars[p.Name] = v
			}
		}
	}
	return vars
}

// mapResult projects a connector result onto the declared outputs. A "*"
// output copies every field. The resultVariable header stores the whole
// result under its value.
func (a *Adapter) mapResult(out any, job *queue.Job) (map[string]any, error) {
	vars := map[string]any{}
	fields, err := asObject(out)
	if err != nil {
		return nil, fmt.Errorf("convert connector result: %w", err)
	}

	copyAll := false
	for _, p := range a.def.Outputs {
		if p.IsAccessAll() {
			copyAll = true
			break
		}
	}
	for name, v := range fields {
		if copyAll {
			vars[name] = v
			continue
		}
		if _, declared := a.outputNamed(name); declared {
			vars[name] = v
		}
	}

	if name := job.CustomHeaders[ResultVariableHeader]; name != "" {
		if fields != nil {
			vars[name] = fields
		} else {
			vars[name] = out
		}
	}
	return vars, nil
}

func (a *Adapter) outputNamed(name string) (Parameter, bool) {
	for _, p := range a.def.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// asObject turns a map or a JSON-tagged struct into a field map. Scalars
// and nil yield a nil map.
func asObject(out any) (map[string]any, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
