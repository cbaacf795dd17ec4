package command

import "testing"

func TestValueCoercions(t *testing.T) {
	if !String("yes").AsBool() {
		t.Error("String(yes).AsBool() should be true")
	}
	if String("0").AsBool() {
		t.Error("String(0).AsBool() should be false")
	}
	if Int(42).AsFloat() != 42 {
		t.Errorf("Int(42).AsFloat() = %v, want 42", Int(42).AsFloat())
	}
	if Float(3.7).AsInt() != 3 {
		t.Errorf("Float(3.7).AsInt() = %v, want 3 (truncated)", Float(3.7).AsInt())
	}
	if String("7").AsInt() != 7 {
		t.Errorf("String(7).AsInt() = %v, want 7", String("7").AsInt())
	}
}

func TestFromAnyRoundTrip(t *testing.T) {
	raw := map[string]any{
		"name":  "porch",
		"count": float64(3),
		"tags":  []any{"a", "b"},
	}
	v := FromAny(raw)
	if v.Kind() != KindMap {
		t.Fatalf("expected KindMap, got %v", v.Kind())
	}
	back := v.Raw().(map[string]any)
	if back["name"] != "porch" {
		t.Errorf("round-tripped name = %v, want porch", back["name"])
	}
	tags := back["tags"].([]any)
	if len(tags) != 2 || tags[0] != "a" {
		t.Errorf("round-tripped tags = %v", tags)
	}
}
