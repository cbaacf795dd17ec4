package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// timeInstant exposes the utc/local constants' fields: .second/.minute/
// .hour/.dayofweek/.day/.month.
type timeInstant struct {
	second, minute, hour, dayofweek, day, month int
}

func (t timeInstant) field(name string) (any, error) {
	switch strings.ToLower(name) {
	case "second":
		return float64(t.second), nil
	case "minute":
		return float64(t.minute), nil
	case "hour":
		return float64(t.hour), nil
	case "dayofweek":
		return float64(t.dayofweek), nil
	case "day":
		return float64(t.day), nil
	case "month":
		return float64(t.month), nil
	default:
		return nil, fmt.Errorf("rules: time instant has no field %q", name)
	}
}

type literalNode struct{ v any }

func (n *literalNode) eval(env *evalEnv) (any, error) { return n.v, nil }

type identNode struct{ name string }

func (n *identNode) eval(env *evalEnv) (any, error) {
	v, ok := env.vars[n.name]
	if !ok {
		return nil, nil // unknown variables evaluate to nil/false rather than erroring
	}
	return v, nil
}

type negNode struct{ inner node }

func (n *negNode) eval(env *evalEnv) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	return -toFloat(v), nil
}

type notNode struct{ inner node }

func (n *notNode) eval(env *evalEnv) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logicalNode struct {
	op          string
	left, right node
}

func (n *logicalNode) eval(env *evalEnv) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	if n.op == "&&" && !truthy(l) {
		return false, nil
	}
	if n.op == "||" && truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type arithNode struct {
	op          string
	left, right node
}

func (n *arithNode) eval(env *evalEnv) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	lf, rf := toFloat(l), toFloat(r)
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return 0.0, nil
		}
		return lf / rf, nil
	default:
		return nil, fmt.Errorf("rules: unknown arithmetic operator %q", n.op)
	}
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(env *evalEnv) (any, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return compareValues(n.op, l, r), nil
}

func compareValues(op string, l, r any) bool {
	if lf, rf, ok := bothNumeric(l, r); ok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
	}

	ls, rs := toString(l), toString(r)
	switch op {
	case "==":
		return ls == rs
	case "!=":
		return ls != rs
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

type memberNode struct {
	recv  node
	field string
}

func (n *memberNode) eval(env *evalEnv) (any, error) {
	recv, err := n.recv.eval(env)
	if err != nil {
		return nil, err
	}
	if t, ok := recv.(timeInstant); ok {
		return t.field(n.field)
	}
	return nil, fmt.Errorf("rules: cannot access field %q on %T", n.field, recv)
}

type methodCallNode struct {
	recv   node
	method string
	args   []node
}

func (n *methodCallNode) eval(env *evalEnv) (any, error) {
	recv, err := n.recv.eval(env)
	if err != nil {
		return nil, err
	}
	args, err := evalArgs(env, n.args)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(n.method) {
	case "contains":
		if len(args) != 1 {
			return nil, fmt.Errorf("rules: Contains expects 1 argument, got %d", len(args))
		}
		return containsValue(recv, args[0]), nil
	default:
		return nil, fmt.Errorf("rules: unknown method %q", n.method)
	}
}

// containsValue reports whether needle appears in haystack, which may be
// a comma-joined string (the common case for Knowledge-sourced address
// lists) or a []any.
func containsValue(haystack, needle any) bool {
	needleStr := toString(needle)
	switch h := haystack.(type) {
	case []any:
		for _, e := range h {
			if toString(e) == needleStr {
				return true
			}
		}
		return false
	case string:
		for _, part := range strings.Split(h, ",") {
			if strings.TrimSpace(part) == needleStr {
				return true
			}
		}
		return false
	default:
		return false
	}
}

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(env *evalEnv) (any, error) {
	args, err := evalArgs(env, n.args)
	if err != nil {
		return nil, err
	}

	switch n.name {
	case "utc", "local":
		// Bare references without field access are handled by identNode;
		// calling them as functions is not meaningful.
		return nil, fmt.Errorf("rules: %q is not callable", n.name)
	case "Equal":
		if len(args) != 2 {
			return nil, fmt.Errorf("rules: Equal expects 2 arguments, got %d", len(args))
		}
		return predicateCompare("==", args[0], args[1]), nil
	case "GreaterThan":
		if len(args) != 2 {
			return nil, fmt.Errorf("rules: GreaterThan expects 2 arguments, got %d", len(args))
		}
		return predicateCompare(">", args[0], args[1]), nil
	case "LessThan":
		if len(args) != 2 {
			return nil, fmt.Errorf("rules: LessThan expects 2 arguments, got %d", len(args))
		}
		return predicateCompare("<", args[0], args[1]), nil
	default:
		return nil, fmt.Errorf("rules: unknown function %q", n.name)
	}
}

// predicateCompare implements the three auxiliary predicates: the first
// argument is parsed as an integer when possible, otherwise the
// comparison falls back to string comparison.
func predicateCompare(op string, a, b any) bool {
	as := toString(a)
	if ai, err := strconv.ParseInt(strings.TrimSpace(as), 10, 64); err == nil {
		bf := toFloat(b)
		af := float64(ai)
		switch op {
		case "==":
			return af == bf
		case ">":
			return af > bf
		case "<":
			return af < bf
		}
	}
	return compareValues(op, a, b)
}

func evalArgs(env *evalEnv, nodes []node) ([]any, error) {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		v, err := n.eval(env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f
		}
		return 0
	default:
		return 0
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func bothNumeric(a, b any) (float64, float64, bool) {
	af, aok := asNumeric(a)
	bf, bok := asNumeric(b)
	if aok && bok {
		return af, bf, true
	}
	return 0, 0, false
}

func asNumeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
