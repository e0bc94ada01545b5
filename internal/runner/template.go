package runner

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Template is the modeler-facing description of a runner.
type Template struct {
	Name             string              `json:"name" yaml:"name"`
	Label            string              `json:"label" yaml:"label"`
	Type             string              `json:"type" yaml:"type"`
	Kind             Kind                `json:"kind" yaml:"kind"`
	Description      string              `json:"description,omitempty" yaml:"description,omitempty"`
	CollectionName   string              `json:"collectionName" yaml:"collectionName"`
	InputParameters  []TemplateParameter `json:"inputParameters" yaml:"inputParameters"`
	OutputParameters []TemplateParameter `json:"outputParameters" yaml:"outputParameters"`
	DeclaredErrors   []TemplateError     `json:"declaredErrors" yaml:"declaredErrors"`
}

// TemplateParameter is one exported parameter. Output parameters carry no
// level.
type TemplateParameter struct {
	Name          string             `json:"name" yaml:"name"`
	Label         string             `json:"label,omitempty" yaml:"label,omitempty"`
	Kind          ValueKind          `json:"kind" yaml:"kind"`
	Level         Level              `json:"level,omitempty" yaml:"level,omitempty"`
	Default       any                `json:"default,omitempty" yaml:"default,omitempty"`
	Explanation   string             `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	Visible       bool               `json:"visible" yaml:"visible"`
	ConditionalOn *TemplateCondition `json:"conditionalOn,omitempty" yaml:"conditionalOn,omitempty"`
	Choices       []TemplateChoice   `json:"choices,omitempty" yaml:"choices,omitempty"`
}

type TemplateCondition struct {
	Property string   `json:"property" yaml:"property"`
	OneOf    []string `json:"oneOf" yaml:"oneOf"`
}

type TemplateChoice struct {
	Code        string `json:"code" yaml:"code"`
	Explanation string `json:"explanation,omitempty" yaml:"explanation,omitempty"`
}

type TemplateError struct {
	Code        string `json:"code" yaml:"code"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ExportTemplate describes def for the modeler.
func ExportTemplate(def *Definition) Template {
	t := Template{
		Name:             def.ID,
		Label:            def.DisplayLabel(),
		Type:             def.Type,
		Kind:             def.Kind,
		Description:      def.Description,
		CollectionName:   def.CollectionName,
		InputParameters:  exportParameters(def.Inputs, true),
		OutputParameters: exportParameters(def.Outputs, false),
		DeclaredErrors:   make([]TemplateError, 0, len(def.Errors)),
	}
	for _, e := range def.Errors {
		t.DeclaredErrors = append(t.DeclaredErrors, TemplateError{Code: e.Code, Description: e.Description})
	}
	return t
}

func exportParameters(params []Parameter, withLevel bool) []TemplateParameter {
	out := make([]TemplateParameter, 0, len(params))
	for _, p := range params {
		tp := TemplateParameter{
			Name:        p.Name,
			Label:       p.Label,
			Kind:        p.Kind,
			Default:     p.Default,
			Explanation: p.Explanation,
			Visible:     p.Visible,
		}
		if withLevel {
			tp.Level = p.Level
		}
		if p.Condition != nil {
			tp.ConditionalOn = &TemplateCondition{Property: p.Condition.Property, OneOf: p.Condition.OneOf}
		}
		for _, c := range p.Choices {
			tp.Choices = append(tp.Choices, TemplateChoice(c))
		}
		out = append(out, tp)
	}
	return out
}

// Parameters rebuilds the declared input and output lists from t.
func (t Template) Parameters() (inputs, outputs []Parameter) {
	return importParameters(t.InputParameters, true), importParameters(t.OutputParameters, false)
}

func importParameters(params []TemplateParameter, withLevel bool) []Parameter {
	out := make([]Parameter, 0, len(params))
	for _, tp := range params {
		p := Parameter{
			Name:        tp.Name,
			Label:       tp.Label,
			Kind:        tp.Kind,
			Level:       LevelOptional,
			Default:     importDefault(tp.Default),
			Explanation: tp.Explanation,
			Visible:     tp.Visible,
		}
		if withLevel && tp.Level != "" {
			p.Level = tp.Level
		}
		if tp.ConditionalOn != nil {
			p.Condition = &Condition{Property: tp.ConditionalOn.Property, OneOf: tp.ConditionalOn.OneOf}
		}
		for _, c := range tp.Choices {
			p.Choices = append(p.Choices, Choice(c))
		}
		out = append(out, p)
	}
	return out
}

// importDefault restores integer defaults that a JSON decode turned into
// float64 or json.Number.
func importDefault(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return narrowInt(i)
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return narrowInt(int64(n))
		}
	}
	return v
}

func narrowInt(i int64) any {
	if i >= math.MinInt32 && i <= math.MaxInt32 {
		return int(i)
	}
	return i
}

// Encode renders t as "json" (indented) or "yaml".
func (t Template) Encode(format string) ([]byte, error) {
	switch format {
	case "", "json":
		return json.MarshalIndent(t, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(t)
	default:
		return nil, fmt.Errorf("unsupported template format %q", format)
	}
}

// contractFingerprint hashes the exported template, so any change to the
// parameter contract yields a new fingerprint.
func contractFingerprint(def *Definition) string {
	b, err := json.Marshal(ExportTemplate(def))
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}
