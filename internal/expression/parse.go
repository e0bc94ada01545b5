// Package expression implements the assignment language used by the
// set-variables runner:
//
//	program    := assignment (";" assignment)*
//	assignment := IDENT "=" value
//	value      := STRING | NUMBER | NAME "(" arg ("," arg)* ")" | IDENT
//
// A statement is split on its first "=", so a value that itself contains "="
// is taken verbatim up to the next ";".
package expression

import (
	"regexp"
	"strconv"
	"strings"
)

// Program is a parsed list of assignments, evaluated in order.
type Program []Assignment

// Assignment binds the value of one expression to a target variable.
type Assignment struct {
	Target string
	Value  Value
}

// Value is a parsed right-hand side: Literal, VariableRef or FunctionCall.
type Value interface {
	isValue()
}

// Literal is a quoted string or a number.
type Literal struct {
	Value any
}

// VariableRef names a job variable; missing variables resolve to nil.
type VariableRef struct {
	Name string
}

// FunctionCall is NAME(args). Raw keeps the text between the parentheses
// for functions that interpret it themselves.
type FunctionCall struct {
	Name string
	Args []Value
	Raw  string
}

func (Literal) isValue()      {}
func (VariableRef) isValue()  {}
func (FunctionCall) isValue() {}

// Parse splits src into assignments. Escaped quotes (\") are unescaped first.
func Parse(src string) (Program, error) {
	src = strings.ReplaceAll(src, `\"`, `"`)

	var prog Program
	for _, stmt := range strings.Split(src, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		target, raw, _ := strings.Cut(stmt, "=")
		target = strings.TrimSpace(target)
		raw = strings.TrimSpace(raw)
		if target == "" {
			return nil, syntaxErrorf("operation [%s] must have name=value: name is missing", stmt)
		}
		if raw == "" {
			return nil, syntaxErrorf("operation [%s] must have name=value: value is missing", stmt)
		}

		v, err := parseValue(raw)
		if err != nil {
			return nil, err
		}
		prog = append(prog, Assignment{Target: target, Value: v})
	}
	return prog, nil
}

func parseValue(raw string) (Value, error) {
	open := strings.Index(raw, "(")
	closing := strings.LastIndex(raw, ")")
	if open >= 0 && closing > open {
		return parseCall(raw[:open], raw[open+1:closing])
	}
	return parseOperand(raw)
}

func parseCall(name, args string) (Value, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := functions[name]; !ok {
		return nil, unknownFunctionf("function [%s] unknown", name)
	}

	call := FunctionCall{Name: name, Raw: args}
	if name == fnJSON {
		return call, nil
	}
	for _, arg := range strings.Split(args, ",") {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		v, err := parseOperand(arg)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, v)
	}
	return call, nil
}

// parseOperand resolves a plain value: quoted string, int32, int64, float64,
// else a variable reference.
func parseOperand(raw string) (Value, error) {
	if strings.HasPrefix(raw, `"`) {
		if len(raw) < 2 || !strings.HasSuffix(raw, `"`) {
			return nil, syntaxErrorf("value [%s]: a string must start and end with \"", raw)
		}
		return Literal{Value: raw[1 : len(raw)-1]}, nil
	}
	if !decimalNumber.MatchString(raw) {
		return VariableRef{Name: raw}, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 32); err == nil {
		return Literal{Value: int(n)}, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Literal{Value: n}, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Literal{Value: f}, nil
	}
	return VariableRef{Name: raw}, nil
}

// decimalNumber is the only number syntax accepted as a literal. Anything
// else ParseFloat understands (inf, nan, hex floats) stays a variable name.
var decimalNumber = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
