package runner

import (
	"context"
	"regexp"
	"strings"

	"github.com/mattjoyce/stevedore/internal/queue"
)

// Kind is the execution shape of a runner.
type Kind string

const (
	KindWorker       Kind = "worker"
	KindConnector    Kind = "connector"
	KindSDKConnector Kind = "sdk-connector"
)

// Level is the requirement level of a parameter.
type Level string

const (
	LevelRequired Level = "REQUIRED"
	LevelOptional Level = "OPTIONAL"
)

// ValueKind is the declared type of a parameter value.
type ValueKind string

const (
	ValueString  ValueKind = "string"
	ValueNumber  ValueKind = "number"
	ValueBoolean ValueKind = "boolean"
	ValueObject  ValueKind = "object"
	ValueAny     ValueKind = "any"
)

// AllVariables as an input name fetches every job variable; as an output
// name it lets the runner set any variable.
const AllVariables = "*"

// DefaultCollection groups runners that declare no collection.
const DefaultCollection = "Stevedore"

// Parameter declares one input or output of a runner.
type Parameter struct {
	Name        string
	Label       string
	Kind        ValueKind
	Level       Level
	Default     any
	Explanation string
	Visible     bool
	Condition   *Condition
	Choices     []Choice
}

// Condition shows a parameter only when Property holds one of OneOf.
type Condition struct {
	Property string
	OneOf    []string
}

// Choice is one entry of a parameter's allowed values.
type Choice struct {
	Code        string
	Explanation string
}

// Param returns a visible parameter.
func Param(name, label string, kind ValueKind, level Level, explanation string) Parameter {
	return Parameter{
		Name:        name,
		Label:       label,
		Kind:        kind,
		Level:       level,
		Explanation: explanation,
		Visible:     true,
	}
}

// WithDefault returns a copy of p with a default value.
func (p Parameter) WithDefault(v any) Parameter {
	p.Default = v
	return p
}

// WithCondition returns a copy of p visible only when property is one of values.
func (p Parameter) WithCondition(property string, values ...string) Parameter {
	p.Condition = &Condition{Property: property, OneOf: values}
	return p
}

// WithChoices returns a copy of p restricted to choices.
func (p Parameter) WithChoices(choices ...Choice) Parameter {
	p.Choices = choices
	return p
}

// Hidden returns a copy of p that templates do not show.
func (p Parameter) Hidden() Parameter {
	p.Visible = false
	return p
}

// IsAccessAll reports whether p is the "*" parameter.
func (p Parameter) IsAccessAll() bool {
	return p.Name == AllVariables
}

// ErrorDecl is a declared business error a runner may raise.
type ErrorDecl struct {
	Code        string
	Description string
}

// Metadata is what a runner declares about itself.
type Metadata struct {
	ID             string
	Type           string
	Name           string
	Label          string
	Description    string
	Logo           string
	CollectionName string
	Inputs         []Parameter
	Outputs        []Parameter
	Errors         []ErrorDecl
}

// Worker handles the job directly and writes its outputs into ec. Returning
// a *DeclaredError (or any error with an ErrorCode) ends the job with that
// code; any other error is a technical failure.
type Worker interface {
	Execute(ctx context.Context, job *queue.Job, ec *ExecutionContext) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, job *queue.Job, ec *ExecutionContext) error

func (f WorkerFunc) Execute(ctx context.Context, job *queue.Job, ec *ExecutionContext) error {
	return f(ctx, job, ec)
}

// Connector is a pure function from resolved inputs to a result object
// (a map or a JSON-tagged struct) whose fields become output variables.
type Connector interface {
	Execute(ctx context.Context, in Inputs) (any, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, in Inputs) (any, error)

func (f ConnectorFunc) Execute(ctx context.Context, in Inputs) (any, error) {
	return f(ctx, in)
}

// Definition is a registered runner. It is built once at startup and not
// modified after the registry validated it.
type Definition struct {
	Metadata
	Kind Kind

	Valid            bool
	DefinitionErrors []string
	Fingerprint      string

	registrationErrors []string

	worker    Worker
	connector Connector
	sdk       *sdkObject
}

// NewWorker defines a Worker-kind runner.
func NewWorker(meta Metadata, w Worker) *Definition {
	return newDefinition(meta, KindWorker, func(d *Definition) { d.worker = w })
}

// NewConnector defines a native Connector-kind runner.
func NewConnector(meta Metadata, c Connector) *Definition {
	return newDefinition(meta, KindConnector, func(d *Definition) { d.connector = c })
}

func newDefinition(meta Metadata, kind Kind, bind func(*Definition)) *Definition {
	if meta.CollectionName == "" {
		meta.CollectionName = DefaultCollection
	}
	if meta.ID == "" {
		meta.ID = identification(meta)
	}
	d := &Definition{Metadata: meta, Kind: kind}
	bind(d)
	return d
}

// identification is the name when set, else the job type.
func identification(meta Metadata) string {
	if strings.TrimSpace(meta.Name) != "" {
		return meta.Name
	}
	return meta.Type
}

// FetchVariables lists the variables to request with each job, or nil to
// request all of them when an input is "*".
func (d *Definition) FetchVariables() []string {
	names := make([]string, 0, len(d.Inputs))
	for _, p := range d.Inputs {
		if p.IsAccessAll() {
			return nil
		}
		names = append(names, p.Name)
	}
	return names
}

var wordFinder = regexp.MustCompile(`[A-Z]?[a-z]+|[A-Z]|[0-9]+`)

// DisplayLabel is the explicit label, else the camel-case name spelled out
// ("SetVariables" becomes "Set variables"), else the job type.
func (d *Definition) DisplayLabel() string {
	if strings.TrimSpace(d.Label) != "" {
		return d.Label
	}
	name := d.Name
	if strings.TrimSpace(name) == "" {
		return d.Type
	}
	if name == strings.ToUpper(name) {
		return name
	}

	words := wordFinder.FindAllString(name, -1)
	if len(words) == 0 {
		return name
	}
	var out []string
	acronym := ""
	for _, w := range words {
		if len(w) == 1 && !isDigits(w) {
			acronym += w
			continue
		}
		if acronym != "" {
			out = append(out, acronym)
			acronym = ""
		}
		out = append(out, strings.ToLower(w))
	}
	if acronym != "" {
		out = append(out, acronym)
	}
	out[0] = strings.ToUpper(out[0][:1]) + out[0][1:]
	return strings.Join(out, " ")
}

func isDigits(s string) bool {
	return strings.Trim(s, "0123456789") == ""
}

// Input returns the declared input named name.
func (d *Definition) Input(name string) (Parameter, bool) {
	for _, p := range d.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}
