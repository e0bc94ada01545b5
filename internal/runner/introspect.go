package runner

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/mattjoyce/stevedore/internal/log"
)

// SDKFunction is the execute entry point of a connector written against the
// outbound SDK. Its metadata is discovered by Introspect.
type SDKFunction interface {
	Execute(ctx context.Context, variables map[string]any) (any, error)
}

type sdkObject struct {
	fn SDKFunction
}

// NewSDKConnector defines an SdkConnector-kind runner for fn. Metadata the
// object exposes fills the fields meta leaves empty.
func NewSDKConnector(meta Metadata, fn SDKFunction) *Definition {
	probed := Introspect(fn)
	if meta.Name == "" {
		meta.Name = probed.Name
	}
	if meta.Description == "" {
		meta.Description = probed.Description
	}
	if meta.Logo == "" {
		meta.Logo = probed.Logo
	}
	if meta.CollectionName == "" {
		meta.CollectionName = probed.CollectionName
	}
	if meta.Inputs == nil {
		meta.Inputs = probed.Inputs
	}
	if meta.Outputs == nil {
		meta.Outputs = probed.Outputs
	}
	if meta.Errors == nil {
		meta.Errors = probed.Errors
	}
	return newDefinition(meta, KindSDKConnector, func(d *Definition) { d.sdk = &sdkObject{fn: fn} })
}

// Introspect reads metadata from obj by method name. Each probe is
// independent: a missing method, a wrong signature, a wrong result type or a
// panic leaves that field empty.
func Introspect(obj any) Metadata {
	var meta Metadata
	if obj == nil {
		return meta
	}
	meta.Name, _ = probe[string](obj, "Name")
	meta.Logo, _ = probe[string](obj, "Logo")
	meta.Description, _ = probe[string](obj, "Description")
	meta.CollectionName, _ = probe[string](obj, "CollectionName")

	if raw, ok := probe[[]map[string]any](obj, "InputParameters"); ok {
		meta.Inputs = parametersFromMaps(raw, meta.Name)
	}
	if raw, ok := probe[[]map[string]any](obj, "OutputParameters"); ok {
		meta.Outputs = parametersFromMaps(raw, meta.Name)
	}
	if codes, ok := probe[map[string]string](obj, "ErrorCodes"); ok {
		meta.Errors = errorsFromMap(codes)
	}
	return meta
}

func probe[T any](obj any, method string) (result T, ok bool) {
	logger := log.WithComponent("introspect")
	m := reflect.ValueOf(obj).MethodByName(method)
	if !m.IsValid() {
		return result, false
	}
	if m.Type().NumIn() != 0 || m.Type().NumOut() != 1 {
		logger.Error("method has an unexpected signature", "method", method, "signature", m.Type().String())
		return result, false
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("method panicked", "method", method, "panic", fmt.Sprint(r))
			var zero T
			result, ok = zero, false
		}
	}()
	out := m.Call(nil)[0].Interface()
	v, ok := out.(T)
	if !ok {
		logger.Error("method returned an unexpected type", "method", method, "type", fmt.Sprintf("%T", out))
		return result, false
	}
	return v, true
}

// ParameterFromMap converts one map-encoded parameter. Keys are name, label,
// type (or kind), level, defaultValue, explanation, visibleInTemplate,
// conditionProperty (or condition), conditionOneOf and choiceList.
func ParameterFromMap(m map[string]any) Parameter {
	p := Parameter{
		Name:        mapString(m, "name"),
		Label:       mapString(m, "label"),
		Kind:        ValueKind(firstNonEmpty(mapString(m, "type"), mapString(m, "kind"))),
		Level:       Level(strings.ToUpper(mapString(m, "level"))),
		Default:     m["defaultValue"],
		Explanation: mapString(m, "explanation"),
	}
	if p.Kind == "" {
		p.Kind = ValueAny
	}
	if p.Level != LevelRequired {
		p.Level = LevelOptional
	}
	if v, ok := m["visibleInTemplate"].(bool); ok {
		p.Visible = v
	}

	_, hasProperty := m["conditionProperty"]
	_, hasCondition := m["condition"]
	if hasProperty || hasCondition {
		p.Condition = &Condition{
			Property: firstNonEmpty(mapString(m, "conditionProperty"), mapString(m, "condition")),
			OneOf:    stringList(m["conditionOneOf"]),
		}
	}

	if list, ok := m["choiceList"].([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			p.Choices = append(p.Choices, Choice{
				Code:        mapString(entry, "code"),
				Explanation: mapString(entry, "displayName"),
			})
		}
	}
	return p
}

func parametersFromMaps(raw []map[string]any, owner string) []Parameter {
	params := make([]Parameter, 0, len(raw))
	for _, m := range raw {
		if m == nil {
			log.WithComponent("introspect").Error("parameter list holds a nil entry", "runner", owner)
			continue
		}
		params = append(params, ParameterFromMap(m))
	}
	return params
}

func errorsFromMap(codes map[string]string) []ErrorDecl {
	out := make([]ErrorDecl, 0, len(codes))
	for code, desc := range codes {
		out = append(out, ErrorDecl{Code: code, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func mapString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
