package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ParamType names the declared type grammar for a command parameter:
// int|bool|string|real|parameters|* or array(<element>).
type ParamType string

const (
	TypeInt        ParamType = "int"
	TypeBool       ParamType = "bool"
	TypeString     ParamType = "string"
	TypeReal       ParamType = "real"
	TypeParameters ParamType = "parameters"
	TypeWildcard   ParamType = "*"
)

// ArrayOf builds the array(<element>) type name for a ParamSpec.
func ArrayOf(element ParamType) ParamType {
	return ParamType("array(" + string(element) + ")")
}

// arrayElement reports whether t is an array(<element>) type and returns
// its element type.
func arrayElement(t ParamType) (ParamType, bool) {
	s := string(t)
	if !strings.HasPrefix(s, "array(") || !strings.HasSuffix(s, ")") {
		return "", false
	}
	return ParamType(s[len("array(") : len(s)-1]), true
}

// ParamSpec declares one parameter of a Command.
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
	// Domain optionally restricts values to an allowed set. Only TypeString
	// parameters are checked against it; int and real values are not.
	Domain []string
}

// ParameterMissing is returned by Parse when a required parameter is absent.
type ParameterMissing struct {
	Name string
}

func (e *ParameterMissing) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Name)
}

// Parse validates raw against the declared specs and returns a Value
// record: one field per declared parameter, plus (if a "*" parameter is
// declared) a sub-record of unrecognised names under that parameter's
// name.
func Parse(specs []ParamSpec, raw map[string]any) (map[string]Value, error) {
	out := make(map[string]Value, len(specs))
	consumed := make(map[string]bool, len(raw))

	var wildcardName string
	for _, spec := range specs {
		if spec.Type == TypeWildcard {
			wildcardName = spec.Name
			continue
		}

		v, present := raw[spec.Name]
		if !present {
			if spec.Required {
				return nil, &ParameterMissing{Name: spec.Name}
			}
			continue
		}
		consumed[spec.Name] = true

		parsed, err := parseOne(spec, v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
		}
		out[spec.Name] = parsed
	}

	if wildcardName != "" {
		leftovers := make(map[string]Value)
		for k, v := range raw {
			if consumed[k] {
				continue
			}
			leftovers[k] = FromAny(v)
		}
		out[wildcardName] = Map(leftovers)
	}

	return out, nil
}

func parseOne(spec ParamSpec, v any) (Value, error) {
	if elem, ok := arrayElement(spec.Type); ok {
		return parseArray(elem, v)
	}

	switch spec.Type {
	case TypeInt:
		return parseInt(v)
	case TypeReal:
		return parseReal(v)
	case TypeBool:
		return parseBool(v)
	case TypeString:
		sv := FromAny(v).AsString()
		if len(spec.Domain) > 0 && !contains(spec.Domain, sv) {
			return Value{}, fmt.Errorf("value %q not in domain %v", sv, spec.Domain)
		}
		return String(sv), nil
	case TypeParameters:
		m, ok := v.(map[string]any)
		if !ok {
			return Value{}, errors.New("expected a parameter mapping")
		}
		return FromAny(m), nil
	default:
		return FromAny(v), nil
	}
}

func parseInt(v any) (Value, error) {
	switch t := v.(type) {
	case float64:
		return Int(int64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return Int(0), nil // non-parseable numerics become zero, per grammar
		}
		return Int(n), nil
	default:
		return Int(0), nil
	}
}

func parseReal(v any) (Value, error) {
	switch t := v.(type) {
	case float64:
		return Float(t), nil
	case int:
		return Float(float64(t)), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return Float(0), nil
		}
		return Float(f), nil
	default:
		return Float(0), nil
	}
}

func parseBool(v any) (Value, error) {
	switch t := v.(type) {
	case bool:
		return Bool(t), nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1", "on":
			return Bool(true), nil
		case "false", "no", "0", "off", "":
			return Bool(false), nil
		}
		return Bool(false), nil
	case float64:
		return Bool(t != 0), nil
	default:
		return Bool(false), nil
	}
}

// parseArray accepts a native array, a JSON array decoded to []any, or a
// bracketed/parenthesized comma list string. Elements parse per elemType;
// non-parseable numeric elements become zero rather than failing the
// whole array.
func parseArray(elemType ParamType, v any) (Value, error) {
	var raw []any

	switch t := v.(type) {
	case []any:
		raw = t
	case []string:
		raw = make([]any, len(t))
		for i, s := range t {
			raw[i] = s
		}
	case string:
		raw = splitBracketedList(t)
	default:
		return List(nil), nil
	}

	out := make([]Value, 0, len(raw))
	for _, e := range raw {
		parsed, err := parseOne(ParamSpec{Type: elemType}, e)
		if err != nil {
			return Value{}, err
		}
		out = append(out, parsed)
	}
	return List(out), nil
}

// splitBracketedList parses "[a, b, c]", "(a, b, c)", or a bare
// comma-separated string into its elements.
func splitBracketedList(s string) []any {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
