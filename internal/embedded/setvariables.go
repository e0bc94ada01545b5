package embedded

import (
	"context"

	"github.com/mattjoyce/stevedore/internal/expression"
	"github.com/mattjoyce/stevedore/internal/queue"
	"github.com/mattjoyce/stevedore/internal/runner"
)

const inOperations = "operations"

// SetVariables evaluates an assignment program such as
// `age=12;birthday=date("2001-05-04")` and outputs every assigned variable.
func SetVariables(engine *expression.Engine) *runner.Definition {
	return runner.NewWorker(runner.Metadata{
		ID:             SetVariablesID,
		Type:           "c-set-variables",
		Name:           "SetVariables",
		Description:    "Set variables from a list of name=value operations",
		CollectionName: "BPMN Operation",
		Inputs: []runner.Parameter{
			runner.Param(inOperations, "Operations", runner.ValueString, runner.LevelRequired,
				`Operations separated by ";", for example age=12;name="Bob";today=date(now)`),
			runner.Param(runner.AllVariables, "All variables", runner.ValueAny, runner.LevelOptional,
				"Operations may read any process variable").Hidden(),
		},
		Outputs: []runner.Parameter{
			runner.Param(runner.AllVariables, "Assigned variables", runner.ValueAny, runner.LevelOptional,
				"Every variable assigned by the operations"),
		},
		Errors: []runner.ErrorDecl{
			{Code: expression.CodeSyntax, Description: "An operation is not name=value or a value can't be read"},
			{Code: expression.CodeUnknownFunction, Description: "An operation calls a function that does not exist"},
			{Code: expression.CodeDateParse, Description: "A date function received a value it can't parse"},
		},
	}, runner.WorkerFunc(func(_ context.Context, _ *queue.Job, ec *runner.ExecutionContext) error {
		in := ec.Inputs()
		out, err := engine.Evaluate(in.String(inOperations, ""), in.All())
		if err != nil {
			// The expression error carries its declared code.
			return err
		}
		for name, v := range out {
			ec.SetOutput(name, v)
		}
		return nil
	}))
}
