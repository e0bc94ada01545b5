package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stevedore/internal/queue"
)

type fakeSDK struct{}

func (*fakeSDK) Execute(_ context.Context, vars map[string]any) (any, error) {
	return map[string]any{"joined": fmt.Sprintf("%v/%v", vars["a"], vars["b"])}, nil
}

func (*fakeSDK) Name() string { return "JoinConnector" }

func (*fakeSDK) Logo() string { return "data:image/svg+xml,logo" }

func (*fakeSDK) Description() int { return 42 }

func (*fakeSDK) CollectionName() string { panic("not configured") }

func (*fakeSDK) InputParameters() []map[string]any {
	return []map[string]any{
		{"name": "a", "label": "A", "type": "string", "level": "required", "visibleInTemplate": true},
		{"name": "b", "label": "B", "level": "OPTIONAL", "defaultValue": "z", "explanation": "second"},
		{"name": "c", "conditionProperty": "a", "conditionOneOf": []any{"x", "y"},
			"choiceList": []any{map[string]any{"code": "x", "displayName": "Ex"}}},
	}
}

func (*fakeSDK) OutputParameters(prefix string) []map[string]any { return nil }

func (*fakeSDK) ErrorCodes() map[string]string {
	return map[string]string{"TIMEOUT": "took too long", "AUTH": "bad credentials"}
}

func TestIntrospectToleratesMissingAndBrokenMethods(t *testing.T) {
	t.Parallel()
	meta := Introspect(&fakeSDK{})

	assert.Equal(t, "JoinConnector", meta.Name)
	assert.Equal(t, "data:image/svg+xml,logo", meta.Logo)
	assert.Empty(t, meta.Description, "wrong result type")
	assert.Empty(t, meta.CollectionName, "panicking probe")
	assert.Nil(t, meta.Outputs, "wrong signature")

	require.Len(t, meta.Inputs, 3)
	assert.Equal(t, Parameter{Name: "a", Label: "A", Kind: ValueString, Level: LevelRequired, Visible: true}, meta.Inputs[0])
	assert.Equal(t, ValueAny, meta.Inputs[1].Kind)
	assert.Equal(t, LevelOptional, meta.Inputs[1].Level)
	assert.Equal(t, "z", meta.Inputs[1].Default)
	assert.False(t, meta.Inputs[1].Visible)
	require.NotNil(t, meta.Inputs[2].Condition)
	assert.Equal(t, Condition{Property: "a", OneOf: []string{"x", "y"}}, *meta.Inputs[2].Condition)
	assert.Equal(t, []Choice{{Code: "x", Explanation: "Ex"}}, meta.Inputs[2].Choices)

	assert.Equal(t, []ErrorDecl{
		{Code: "AUTH", Description: "bad credentials"},
		{Code: "TIMEOUT", Description: "took too long"},
	}, meta.Errors)
}

func TestIntrospectPlainObject(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Metadata{}, Introspect(struct{}{}))
	assert.Equal(t, Metadata{}, Introspect(nil))
}

func TestNewSDKConnectorPrefersExplicitMetadata(t *testing.T) {
	t.Parallel()
	def := NewSDKConnector(Metadata{Type: "c-join", Description: "joins a and b"}, &fakeSDK{})

	assert.Equal(t, KindSDKConnector, def.Kind)
	assert.Equal(t, "JoinConnector", def.ID)
	assert.Equal(t, "joins a and b", def.Description)
	assert.Equal(t, DefaultCollection, def.CollectionName)
	assert.Equal(t, "Join connector", def.DisplayLabel())
	assert.Len(t, def.Inputs, 3)

	r := NewRegistry()
	r.Register(def)
	r.Validate()
	assert.True(t, def.Valid, def.DefinitionErrors)
}

func TestInputsResolution(t *testing.T) {
	t.Parallel()
	job := &queue.Job{
		Variables: map[string]any{
			"a":     "x",
			"n":     float64(5),
			"flag":  "YES",
			"no":    "no",
			"nullv": nil,
			"obj":   map[string]any{"k": "v"},
			"delay": float64(250),
		},
		CustomHeaders: map[string]string{"h": "hv", "n": "7", "count": "12", "timeout": "2s"},
	}
	in := NewInputs(job, []Parameter{
		Param("d", "D", ValueString, LevelOptional, "").WithDefault("dv"),
		Param("on", "On", ValueBoolean, LevelOptional, "").WithDefault(true),
	})

	assert.Equal(t, "x", in.String("a", ""))
	assert.Equal(t, "hv", in.String("h", ""))
	assert.Equal(t, "dv", in.String("d", ""))
	assert.Equal(t, "fb", in.String("missing", "fb"))
	assert.Equal(t, "caller", in.String("d", "caller"), "caller default wins over declared")

	assert.Equal(t, int64(5), in.Int("n", 0), "variables shadow headers")
	assert.Equal(t, int64(12), in.Int("count", 0))
	assert.Equal(t, int64(9), in.Int("a", 9), "unparseable yields default")
	assert.Equal(t, 5.0, in.Float("n", 0))

	assert.True(t, in.Bool("flag", false))
	assert.False(t, in.Bool("no", true))
	assert.False(t, in.Bool("h", true))
	assert.True(t, in.Bool("on", false))

	assert.Equal(t, int64(250), in.Duration("delay", 0).Milliseconds())
	assert.Equal(t, int64(2000), in.Duration("timeout", 0).Milliseconds())

	assert.True(t, in.Has("nullv"))
	assert.Nil(t, in.Value("nullv"))
	assert.False(t, in.Has("d"))
	assert.Equal(t, map[string]any{"k": "v"}, in.Map("obj"))
	assert.Nil(t, in.Map("a"))
	assert.Len(t, in.All(), 7)
}

func TestTemplateRoundTrip(t *testing.T) {
	t.Parallel()
	def := NewWorker(Metadata{
		Type: "c-template",
		Name: "TemplateWorker",
		Inputs: []Parameter{
			Param("message", "Message", ValueString, LevelRequired, "text to send"),
			Param("delay", "Delay", ValueNumber, LevelOptional, "").WithDefault("100").Hidden(),
			Param("mode", "Mode", ValueString, LevelOptional, "").
				WithChoices(Choice{Code: "fast"}, Choice{Code: "slow"}).
				WithCondition("message", "go"),
			Param("limit", "Limit", ValueNumber, LevelOptional, "").WithDefault(500),
			Param("ratio", "Ratio", ValueNumber, LevelOptional, "").WithDefault(0.25),
		},
		Outputs: []Parameter{Param("timestamp", "Timestamp", ValueString, LevelRequired, "")},
		Errors:  []ErrorDecl{{Code: "BAD_WEATHER", Description: "too cold"}},
	}, noopWorker())

	tmpl := ExportTemplate(def)
	assert.Equal(t, "TemplateWorker", tmpl.Name)
	assert.Equal(t, "Template worker", tmpl.Label)
	assert.Empty(t, tmpl.OutputParameters[0].Level)

	raw, err := tmpl.Encode("json")
	require.NoError(t, err)
	var decoded Template
	require.NoError(t, json.Unmarshal(raw, &decoded))

	inputs, outputs := decoded.Parameters()
	assert.Equal(t, def.Inputs, inputs)
	require.Len(t, outputs, 1)
	assert.Equal(t, "timestamp", outputs[0].Name)
	assert.Equal(t, []TemplateError{{Code: "BAD_WEATHER", Description: "too cold"}}, decoded.DeclaredErrors)

	raw, err = tmpl.Encode("yaml")
	require.NoError(t, err)
	var fromYAML Template
	require.NoError(t, yaml.Unmarshal(raw, &fromYAML))
	yamlInputs, _ := fromYAML.Parameters()
	assert.Equal(t, def.Inputs, yamlInputs)

	_, err = tmpl.Encode("xml")
	assert.Error(t, err)
}

func TestTemplateDefaultsKeepNumericType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"float from json", float64(500), 500},
		{"fraction", 0.25, 0.25},
		{"wide", float64(1 << 40), int64(1 << 40)},
		{"number int", json.Number("42"), 42},
		{"number float", json.Number("1.5"), 1.5},
		{"string", "100", "100"},
		{"absent", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := Template{InputParameters: []TemplateParameter{{Name: "p", Kind: ValueNumber, Default: tt.in}}}
			inputs, _ := tmpl.Parameters()
			require.Len(t, inputs, 1)
			assert.Equal(t, tt.want, inputs[0].Default)
		})
	}
}
