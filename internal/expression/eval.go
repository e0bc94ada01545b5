package expression

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	fnDate          = "date"
	fnDateTime      = "datetime"
	fnLocalDate     = "localdate"
	fnLocalTime     = "localtime"
	fnZonedDateTime = "zoneddatetime"
	fnJSON          = "json"

	now = "now"

	layoutDate     = "2006-01-02"
	layoutDateTime = "2006-01-02T15:04:05Z"
)

type function func(e *Engine, call FunctionCall, vars map[string]any) (any, error)

var functions map[string]function

func init() {
	functions = map[string]function{
		fnDate:          evalDate,
		fnDateTime:      evalDateTime,
		fnLocalDate:     evalLocalDate,
		fnLocalTime:     evalLocalTime,
		fnZonedDateTime: evalZonedDateTime,
		fnJSON:          evalJSON,
	}
}

// Engine evaluates programs against a job's variables.
type Engine struct {
	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for "now" arguments.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// New returns an Engine using the system clock.
func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate parses and runs src with the default engine.
func Evaluate(src string, vars map[string]any) (map[string]any, error) {
	return New().Evaluate(src, vars)
}

// Evaluate parses and runs src.
func (e *Engine) Evaluate(src string, vars map[string]any) (map[string]any, error) {
	prog, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return e.Run(prog, vars)
}

// Run evaluates every assignment. Lookups read vars only, never earlier
// assignments. On error nothing is returned.
func (e *Engine) Run(prog Program, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(prog))
	for _, a := range prog {
		v, err := e.resolve(a.Value, vars)
		if err != nil {
			return nil, err
		}
		out[a.Target] = v
	}
	return out, nil
}

func (e *Engine) resolve(v Value, vars map[string]any) (any, error) {
	switch v := v.(type) {
	case Literal:
		return v.Value, nil
	case VariableRef:
		return vars[v.Name], nil
	case FunctionCall:
		fn, ok := functions[v.Name]
		if !ok {
			return nil, unknownFunctionf("function [%s] unknown", v.Name)
		}
		return fn(e, v, vars)
	default:
		return nil, syntaxErrorf("unsupported value %T", v)
	}
}

// firstArg resolves argument 0. The second return is true when the argument
// means "now": absent, nil, or the string "now".
func (e *Engine) firstArg(call FunctionCall, vars map[string]any) (string, bool, error) {
	if len(call.Args) == 0 {
		return "", true, nil
	}
	v, err := e.resolve(call.Args[0], vars)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", true, nil
	}
	s, ok := v.(string)
	if !ok {
		s = stringify(v)
	}
	return s, s == now, nil
}

func evalDate(e *Engine, call FunctionCall, vars map[string]any) (any, error) {
	s, isNow, err := e.firstArg(call, vars)
	if err != nil || isNow {
		return e.now(), err
	}
	t, err := time.ParseInLocation(layoutDate, s, time.Local)
	if err != nil {
		return nil, dateParsef("can't parse date [%s] pattern [yyyy-MM-dd]", s)
	}
	return t, nil
}

func evalDateTime(e *Engine, call FunctionCall, vars map[string]any) (any, error) {
	s, isNow, err := e.firstArg(call, vars)
	if err != nil || isNow {
		return e.now(), err
	}
	t, err := time.ParseInLocation(layoutDateTime, s, time.Local)
	if err != nil {
		return nil, dateParsef("can't parse date [%s] pattern [yyyy-MM-dd'T'HH:mm:ss'Z']", s)
	}
	return t, nil
}

func evalLocalDate(e *Engine, call FunctionCall, vars map[string]any) (any, error) {
	s, isNow, err := e.firstArg(call, vars)
	if err != nil {
		return nil, err
	}
	if isNow {
		return LocalDateOf(e.now()), nil
	}
	d, err := ParseLocalDate(s)
	if err != nil {
		return nil, dateParsef("can't parse local date [%s] pattern [yyyy-MM-dd]", s)
	}
	return d, nil
}

// evalLocalTime returns a LocalDate, not a LocalDateTime, for "now".
func evalLocalTime(e *Engine, call FunctionCall, vars map[string]any) (any, error) {
	s, isNow, err := e.firstArg(call, vars)
	if err != nil {
		return nil, err
	}
	if isNow {
		return LocalDateOf(e.now()), nil
	}
	dt, err := ParseLocalDateTime(s)
	if err != nil {
		return nil, dateParsef("can't parse local date-time [%s] pattern [yyyy-MM-dd'T'HH:mm:ss]", s)
	}
	return dt, nil
}

func evalZonedDateTime(e *Engine, call FunctionCall, vars map[string]any) (any, error) {
	s, isNow, err := e.firstArg(call, vars)
	if err != nil || isNow {
		return e.now(), err
	}
	t, err := ParseZonedDateTime(s)
	if err != nil {
		return nil, dateParsef("can't parse zoned date-time [%s] pattern [yyyy-MM-dd'T'HH:mm:ss[+-]hh:mm]", s)
	}
	return t, nil
}

func evalJSON(_ *Engine, call FunctionCall, _ map[string]any) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(call.Raw)), &v); err != nil {
		return nil, syntaxErrorf("json(%s): %v", call.Raw, err)
	}
	return v, nil
}

func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}
