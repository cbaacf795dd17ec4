// Package command implements the declared-parameter grammar, parsing, and
// delayed-dispatch model used by every plugin command and by the system
// commands reserved under the "RIO" target.
package command

import (
	"fmt"
	"strconv"
)

// Kind identifies the shape of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// Value is a tagged variant over the types a parsed parameter or a
// Knowledge/rule-engine constant can hold.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value                  { return Value{kind: KindNull} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Int(i int64) Value            { return Value{kind: KindInt, i: i} }
func Float(f float64) Value        { return Value{kind: KindFloat, f: f} }
func String(s string) Value        { return Value{kind: KindString, s: s} }
func List(vs []Value) Value        { return Value{kind: KindList, list: vs} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the value as a bool. Non-bool kinds coerce: non-zero
// numbers and non-empty strings ("" and "false"/"0"/"no"/"off" excepted)
// are true.
func (v Value) AsBool() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		switch v.s {
		case "", "false", "0", "no", "off":
			return false
		default:
			return true
		}
	default:
		return false
	}
}

// AsInt returns the value as an int64, parsing strings and truncating floats.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return int64(v.f)
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindString:
		if n, err := strconv.ParseInt(v.s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(v.s, 64); err == nil {
			return int64(f)
		}
		return 0
	default:
		return 0
	}
}

// AsFloat returns the value as a float64, parsing strings.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return float64(v.i)
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindString:
		if f, err := strconv.ParseFloat(v.s, 64); err == nil {
			return f
		}
		return 0
	default:
		return 0
	}
}

// AsString renders the value as a string.
func (v Value) AsString() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	default:
		return fmt.Sprintf("%v", v.Raw())
	}
}

// AsList returns the value's elements, or nil if it is not a list.
func (v Value) AsList() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// AsMap returns the value's fields, or nil if it is not a map.
func (v Value) AsMap() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	return v.m
}

// Raw returns the value unwrapped into a plain Go type (bool, int64,
// float64, string, []any, map[string]any, or nil), suitable for JSON
// encoding.
func (v Value) Raw() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Raw()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Raw()
		}
		return out
	default:
		return nil
	}
}

// FromAny wraps a decoded JSON value (or any Go-native equivalent) as a
// Value.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		return Float(t)
	case string:
		return String(t)
	case []any:
		list := make([]Value, len(t))
		for i, e := range t {
			list[i] = FromAny(e)
		}
		return List(list)
	case []Value:
		return List(t)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Map(m)
	case map[string]Value:
		return Map(t)
	case Value:
		return t
	default:
		return String(fmt.Sprintf("%v", t))
	}
}
