// Package validators provides the built-in FIELD_VALIDATION and
// RECORD_VALIDATION functions available out of the box, the concrete set
// spec.md §1 leaves unspecified. Signatures and error-return style are
// grounded on the teacher's own internal/transform/transform.go
// validateRequired/validateRegex/validateNumericRange/validateAllowedValues.
package validators

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ingestpipe/internal/registry"
	"ingestpipe/internal/rierrors"

	"github.com/Knetic/govaluate"
)

// Symbol names under which these functions are registered; Function
// configuration entries reference these as their native `symbol`.
const (
	SymbolRequired      = "validators.Required"
	SymbolRegex         = "validators.Regex"
	SymbolNumericRange  = "validators.NumericRange"
	SymbolAllowedValues = "validators.AllowedValues"
	SymbolExpr          = "validators.Expr"
)

// RegisterAll attaches every built-in validator to r. Called once at
// startup after the registry is constructed.
func RegisterAll(r *registry.Registry) {
	r.RegisterField(SymbolRequired, required)
	r.RegisterField(SymbolRegex, matchesRegex)
	r.RegisterField(SymbolNumericRange, numericRange)
	r.RegisterField(SymbolAllowedValues, allowedValues)
	r.RegisterRecord(SymbolExpr, expr)
}

// required rejects an empty or whitespace-only value. No parameters.
func required(_ context.Context, _ []interface{}, value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return value, rierrors.NewValidationError("required value is empty or whitespace")
	}
	return value, nil
}

// matchesRegex rejects a value that doesn't match params[0] (a pattern string).
func matchesRegex(_ context.Context, params []interface{}, value string) (string, error) {
	if len(params) != 1 {
		return value, rierrors.NewConfigurationError("validators.Regex requires exactly one parameter: pattern")
	}
	pattern, ok := params[0].(string)
	if !ok {
		return value, rierrors.NewConfigurationError("validators.Regex parameter must be a string pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return value, rierrors.NewConfigurationError(fmt.Sprintf("invalid regex pattern %q: %v", pattern, err))
	}
	if !re.MatchString(value) {
		return value, rierrors.NewValidationError(fmt.Sprintf("value %q does not match pattern %q", value, pattern))
	}
	return value, nil
}

// numericRange rejects a value outside [params[0], params[1]] (floats).
func numericRange(_ context.Context, params []interface{}, value string) (string, error) {
	if len(params) != 2 {
		return value, rierrors.NewConfigurationError("validators.NumericRange requires exactly two parameters: min, max")
	}
	min, minOK := params[0].(float64)
	max, maxOK := params[1].(float64)
	if !minOK || !maxOK {
		return value, rierrors.NewConfigurationError("validators.NumericRange parameters must be floats")
	}
	num, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value, rierrors.NewValidationError(fmt.Sprintf("value %q is not numeric", value))
	}
	if num < min || num > max {
		return value, rierrors.NewValidationError(fmt.Sprintf("value %v is outside range [%v, %v]", num, min, max))
	}
	return value, nil
}

// allowedValues rejects a value not present in the comma-separated
// params[0] list.
func allowedValues(_ context.Context, params []interface{}, value string) (string, error) {
	if len(params) != 1 {
		return value, rierrors.NewConfigurationError("validators.AllowedValues requires exactly one parameter: a comma-separated list")
	}
	list, ok := params[0].(string)
	if !ok {
		return value, rierrors.NewConfigurationError("validators.AllowedValues parameter must be a string")
	}
	for _, allowed := range strings.Split(list, ",") {
		if strings.TrimSpace(allowed) == value {
			return value, nil
		}
	}
	return value, rierrors.NewValidationError(fmt.Sprintf("value %q is not one of the allowed values %q", value, list))
}

// expr evaluates params[0] as a govaluate expression against the
// record's field map (the Go analogue of original_source's SQL-snippet
// record_validation handler, grounded on the teacher's own govaluate
// usage in internal/app/app.go). A falsy result raises a ValidationError.
func expr(_ context.Context, params []interface{}, fields map[string]string) (map[string]string, error) {
	if len(params) != 1 {
		return fields, rierrors.NewConfigurationError("validators.Expr requires exactly one parameter: the expression")
	}
	exprStr, ok := params[0].(string)
	if !ok {
		return fields, rierrors.NewConfigurationError("validators.Expr parameter must be a string expression")
	}

	expression, err := govaluate.NewEvaluableExpression(exprStr)
	if err != nil {
		return fields, rierrors.NewConfigurationError(fmt.Sprintf("invalid expression %q: %v", exprStr, err))
	}

	params2 := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		params2[k] = v
	}

	result, err := expression.Evaluate(params2)
	if err != nil {
		return fields, rierrors.NewValidationError(fmt.Sprintf("expression %q failed to evaluate: %v", exprStr, err))
	}

	ok, isBool := result.(bool)
	if !isBool {
		return fields, rierrors.NewConfigurationError(fmt.Sprintf("expression %q did not evaluate to a boolean", exprStr))
	}
	if !ok {
		return fields, rierrors.NewValidationError(fmt.Sprintf("record rejected by expression %q", exprStr))
	}
	return fields, nil
}
