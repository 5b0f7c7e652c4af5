package registry

import (
	"context"
	"strings"
	"testing"

	"ingestpipe/internal/config"
)

func TestCallFieldNative(t *testing.T) {
	r := New(nil)
	r.RegisterField("validators.Upper", func(_ context.Context, _ []interface{}, value string) (string, error) {
		return strings.ToUpper(value), nil
	})

	fn := &config.Function{ID: "upper", Kind: config.FunctionFieldValidation, Source: config.FunctionSourceNative, Symbol: "validators.Upper"}
	cfg := &config.FunctionConfig{ID: 1, FunctionID: "upper"}

	got, err := r.CallField(context.Background(), fn, cfg, "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ABC" {
		t.Errorf("got %q, want ABC", got)
	}
}

func TestCallFieldUnknownSymbolIsConfigurationError(t *testing.T) {
	r := New(nil)
	fn := &config.Function{ID: "missing", Kind: config.FunctionFieldValidation, Source: config.FunctionSourceNative, Symbol: "nope"}
	cfg := &config.FunctionConfig{ID: 1, FunctionID: "missing"}

	_, err := r.CallField(context.Background(), fn, cfg, "x")
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestCoerceParamsMismatchCount(t *testing.T) {
	r := New(nil)
	r.RegisterField("f", func(context.Context, []interface{}, string) (string, error) { return "", nil })
	fn := &config.Function{
		ID: "f", Kind: config.FunctionFieldValidation, Source: config.FunctionSourceNative, Symbol: "f",
		Parameters: []config.FunctionParam{{Name: "n", DataType: config.ParamTypeInteger}},
	}
	cfg := &config.FunctionConfig{ID: 1, FunctionID: "f"} // zero parameters supplied

	_, err := r.CallField(context.Background(), fn, cfg, "x")
	if err == nil {
		t.Fatal("expected a parameter-count mismatch error")
	}
}

func TestCoerceParamTypes(t *testing.T) {
	var seen []interface{}
	r := New(nil)
	r.RegisterField("f", func(_ context.Context, params []interface{}, value string) (string, error) {
		seen = params
		return value, nil
	})
	fn := &config.Function{
		ID: "f", Kind: config.FunctionFieldValidation, Source: config.FunctionSourceNative, Symbol: "f",
		Parameters: []config.FunctionParam{
			{Name: "n", DataType: config.ParamTypeInteger},
			{Name: "b", DataType: config.ParamTypeBoolean},
		},
	}
	cfg := &config.FunctionConfig{ID: 1, FunctionID: "f", Parameters: []string{"42", "true"}}

	if _, err := r.CallField(context.Background(), fn, cfg, "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen[0] != 42 || seen[1] != true {
		t.Errorf("coerced params = %v, want [42 true]", seen)
	}
}
