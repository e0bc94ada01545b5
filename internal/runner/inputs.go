package runner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/stevedore/internal/queue"
)

// Inputs resolves a runner's input values for one job. A name is looked up
// in the job variables, then in the custom headers, then in the declared
// default. A value present but null stays nil.
type Inputs struct {
	variables map[string]any
	headers   map[string]string
	declared  []Parameter
}

// NewInputs binds a job to the declared inputs of a runner.
func NewInputs(job *queue.Job, declared []Parameter) Inputs {
	in := Inputs{declared: declared}
	if job != nil {
		in.variables = job.Variables
		in.headers = job.CustomHeaders
	}
	return in
}

// Has reports whether the job carries name as a variable or header.
func (in Inputs) Has(name string) bool {
	if _, ok := in.variables[name]; ok {
		return true
	}
	_, ok := in.headers[name]
	return ok
}

func (in Inputs) lookup(name string) (any, bool) {
	if v, ok := in.variables[name]; ok {
		return v, true
	}
	if v, ok := in.headers[name]; ok {
		return v, true
	}
	return nil, false
}

// fallback is the caller default when given, else the declared default.
func (in Inputs) fallback(name string, def any) any {
	if def != nil {
		return def
	}
	for _, p := range in.declared {
		if p.Name == name {
			return p.Default
		}
	}
	return nil
}

// Value returns the raw value of name.
func (in Inputs) Value(name string) any {
	if v, ok := in.lookup(name); ok {
		return v
	}
	return in.fallback(name, nil)
}

// String returns name rendered as a string, or def when absent.
func (in Inputs) String(name, def string) string {
	v, ok := in.lookup(name)
	if !ok {
		return asString(in.fallback(name, nonZero(def)))
	}
	return asString(v)
}

// Int returns name as an integer; unparseable values yield def.
func (in Inputs) Int(name string, def int64) int64 {
	v, ok := in.lookup(name)
	if !ok {
		v = in.fallback(name, nonZero(def))
	}
	if v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	i, err := strconv.ParseInt(strings.TrimSpace(asString(v)), 10, 64)
	if err != nil {
		return def
	}
	return i
}

// Float returns name as a float; unparseable values yield def.
func (in Inputs) Float(name string, def float64) float64 {
	v, ok := in.lookup(name)
	if !ok {
		v = in.fallback(name, nonZero(def))
	}
	if v == nil {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(asString(v)), 64)
	if err != nil {
		return def
	}
	return f
}

// Bool returns name as a boolean. "true" and "yes" in any case are true,
// every other present value is false.
func (in Inputs) Bool(name string, def bool) bool {
	v, ok := in.lookup(name)
	if !ok {
		v = in.fallback(name, nonZero(def))
	}
	if v == nil {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	s := strings.TrimSpace(asString(v))
	return strings.EqualFold(s, "true") || strings.EqualFold(s, "yes")
}

// Duration returns name as a duration. Numbers are milliseconds, strings
// use time.ParseDuration syntax.
func (in Inputs) Duration(name string, def time.Duration) time.Duration {
	v, ok := in.lookup(name)
	if !ok {
		v = in.fallback(name, nonZero(def))
	}
	switch d := v.(type) {
	case nil:
		return def
	case time.Duration:
		return d
	case float64:
		return time.Duration(d) * time.Millisecond
	case int:
		return time.Duration(d) * time.Millisecond
	case int64:
		return time.Duration(d) * time.Millisecond
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(asString(v)))
	if err != nil {
		return def
	}
	return parsed
}

// Map returns name as an object, or nil when it is not one.
func (in Inputs) Map(name string) map[string]any {
	v, ok := in.lookup(name)
	if !ok {
		v = in.fallback(name, nil)
	}
	m, _ := v.(map[string]any)
	return m
}

// All returns every job variable, for runners declaring a "*" input.
func (in Inputs) All() map[string]any {
	out := make(map[string]any, len(in.variables))
	for k, v := range in.variables {
		out[k] = v
	}
	return out
}

// nonZero turns a zero caller default into nil so the declared default
// applies.
func nonZero[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(b)
	default:
		return fmt.Sprint(s)
	}
}
