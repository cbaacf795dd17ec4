package command

import (
	"errors"
	"testing"
)

func TestParse_RequiredMissing(t *testing.T) {
	specs := []ParamSpec{{Name: "level", Type: TypeInt, Required: true}}
	_, err := Parse(specs, map[string]any{})

	var missing *ParameterMissing
	if !errors.As(err, &missing) {
		t.Fatalf("expected ParameterMissing, got %v", err)
	}
	if missing.Name != "level" {
		t.Errorf("missing.Name = %q, want level", missing.Name)
	}
}

func TestParse_WildcardCollectsLeftovers(t *testing.T) {
	specs := []ParamSpec{
		{Name: "target", Type: TypeString, Required: true},
		{Name: "extra", Type: TypeWildcard},
	}
	out, err := Parse(specs, map[string]any{
		"target": "light-1",
		"color":  "red",
		"dim":    float64(50),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out["target"].AsString() != "light-1" {
		t.Errorf("target = %v", out["target"])
	}
	extras := out["extra"].AsMap()
	if extras["color"].AsString() != "red" {
		t.Errorf("extra.color = %v", extras["color"])
	}
	if extras["dim"].AsFloat() != 50 {
		t.Errorf("extra.dim = %v", extras["dim"])
	}
}

func TestParse_ArrayFromBracketedString(t *testing.T) {
	specs := []ParamSpec{{Name: "ids", Type: ArrayOf(TypeInt)}}
	out, err := Parse(specs, map[string]any{"ids": "[1, 2, 3]"})
	if err != nil {
		t.Fatal(err)
	}
	list := out["ids"].AsList()
	if len(list) != 3 || list[1].AsInt() != 2 {
		t.Errorf("ids = %v", list)
	}
}

func TestParse_ArrayFromJSONArray(t *testing.T) {
	specs := []ParamSpec{{Name: "names", Type: ArrayOf(TypeString)}}
	out, err := Parse(specs, map[string]any{"names": []any{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	list := out["names"].AsList()
	if len(list) != 2 || list[0].AsString() != "a" {
		t.Errorf("names = %v", list)
	}
}

func TestParse_NonParseableIntBecomesZero(t *testing.T) {
	specs := []ParamSpec{{Name: "count", Type: TypeInt}}
	out, err := Parse(specs, map[string]any{"count": "not-a-number"})
	if err != nil {
		t.Fatal(err)
	}
	if out["count"].AsInt() != 0 {
		t.Errorf("count = %v, want 0", out["count"].AsInt())
	}
}

func TestParse_DomainRestriction(t *testing.T) {
	specs := []ParamSpec{{Name: "mode", Type: TypeString, Domain: []string{"on", "off"}}}
	if _, err := Parse(specs, map[string]any{"mode": "blink"}); err == nil {
		t.Error("expected domain violation error")
	}
	if _, err := Parse(specs, map[string]any{"mode": "on"}); err != nil {
		t.Errorf("unexpected error for in-domain value: %v", err)
	}
}

func TestParse_BoolCoercion(t *testing.T) {
	specs := []ParamSpec{{Name: "flag", Type: TypeBool}}
	out, err := Parse(specs, map[string]any{"flag": "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if !out["flag"].AsBool() {
		t.Error("expected flag to be true")
	}
}
