package validators

import (
	"context"
	"testing"

	"ingestpipe/internal/registry"
	"ingestpipe/internal/rierrors"
)

func TestRequiredRejectsEmpty(t *testing.T) {
	_, err := required(context.Background(), nil, "  ")
	if err == nil {
		t.Fatal("expected validation error for blank value")
	}
	if kind, _, _, _ := rierrors.Classify(err); kind != "validation" {
		t.Errorf("kind = %s, want validation", kind)
	}
}

func TestRequiredAcceptsNonEmpty(t *testing.T) {
	v, err := required(context.Background(), nil, "x")
	if err != nil || v != "x" {
		t.Fatalf("got (%q, %v), want (x, nil)", v, err)
	}
}

func TestNumericRangeRejectsOutOfBounds(t *testing.T) {
	_, err := numericRange(context.Background(), []interface{}{1.0, 10.0}, "42")
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestAllowedValuesAcceptsMember(t *testing.T) {
	v, err := allowedValues(context.Background(), []interface{}{"A, B, C"}, "B")
	if err != nil || v != "B" {
		t.Fatalf("got (%q, %v), want (B, nil)", v, err)
	}
}

func TestExprRejectsFalseExpression(t *testing.T) {
	_, err := expr(context.Background(), []interface{}{"amount > 100"}, map[string]string{"amount": "50"})
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestRegisterAllWiresSymbols(t *testing.T) {
	r := registry.New(nil)
	RegisterAll(r)
	// registering twice must not panic and must overwrite cleanly
	RegisterAll(r)
}
