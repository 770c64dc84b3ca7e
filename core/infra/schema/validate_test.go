package schema

import (
	"encoding/json"
	"testing"
)

var optionsSchema = []byte(`{
  "type": "object",
  "properties": {
    "historyMax": {"type": "integer", "minimum": 1},
    "disablePermissions": {"type": "array", "items": {"type": "string"}}
  }
}`)

func TestValidateSchema(t *testing.T) {
	if err := ValidateSchema("opts", optionsSchema, map[string]any{"historyMax": 10}); err != nil {
		t.Fatalf("expected valid payload: %v", err)
	}
	if err := ValidateSchema("opts", optionsSchema, map[string]any{"historyMax": 0}); err == nil {
		t.Fatalf("expected minimum violation")
	}
}

func TestValidatorReuseWithTypedValue(t *testing.T) {
	v, err := Compile("opts", optionsSchema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	type opts struct {
		HistoryMax         int      `json:"historyMax"`
		DisablePermissions []string `json:"disablePermissions"`
	}
	if err := v.Validate(opts{HistoryMax: 5, DisablePermissions: []string{"tabs"}}); err != nil {
		t.Fatalf("typed value should validate: %v", err)
	}
	if err := v.Validate(json.RawMessage(`{"disablePermissions":"tabs"}`)); err == nil {
		t.Fatalf("expected type error for string list")
	}
}

func TestCompileEmpty(t *testing.T) {
	if _, err := Compile("x", nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
}

func TestNormalizeValue(t *testing.T) {
	val, err := normalizeValue(json.RawMessage(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value: %#v", val)
	}
	if _, err := normalizeValue([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}
