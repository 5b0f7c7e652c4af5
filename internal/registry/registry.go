// Package registry implements the Function Registry & Dispatcher
// (spec.md §4.8): it looks up a registered handler by function kind and
// source — native Go code vs. a SQL snippet — and invokes it with
// typed, coerced parameters.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ingestpipe/internal/config"
	"ingestpipe/internal/rierrors"
)

// The four function-input/return shapes, named after
// original_source's validation/typing.py contracts and reimplemented as
// plain Go aliases rather than a runtime type-check helper.
type (
	FieldFunc       func(ctx context.Context, params []interface{}, value string) (string, error)
	RecordFunc      func(ctx context.Context, params []interface{}, fields map[string]string) (map[string]string, error)
	UploadFunc      func(ctx context.Context, params []interface{}, fields map[string]string) (string, error)
	UploadBatchFunc func(ctx context.Context, params []interface{}, fields []map[string]string) (string, error)
)

// SQLExecutor is the minimal surface the "sql" function source needs;
// implemented by internal/store's pgx-backed pool wrapper so this
// package never imports pgx directly.
type SQLExecutor interface {
	FieldValidation(ctx context.Context, sqlCode, value string) (result string, errMsg string, err error)
	RecordValidation(ctx context.Context, sqlCode string, fields map[string]string) (result map[string]string, errMsg string, err error)
}

// Registry maps a Function's native symbol to its Go implementation.
// Functions are registered explicitly after construction, not from
// init(): internal/app's startup calls validators.RegisterAll on the new
// Registry.
type Registry struct {
	fields       map[string]FieldFunc
	records      map[string]RecordFunc
	uploads      map[string]UploadFunc
	uploadBatch  map[string]UploadBatchFunc
	sql          SQLExecutor
}

// New returns an empty Registry. sql may be nil if no Function uses the
// "sql" source.
func New(sql SQLExecutor) *Registry {
	return &Registry{
		fields:      map[string]FieldFunc{},
		records:     map[string]RecordFunc{},
		uploads:     map[string]UploadFunc{},
		uploadBatch: map[string]UploadBatchFunc{},
		sql:         sql,
	}
}

func (r *Registry) RegisterField(symbol string, fn FieldFunc)            { r.fields[symbol] = fn }
func (r *Registry) RegisterRecord(symbol string, fn RecordFunc)          { r.records[symbol] = fn }
func (r *Registry) RegisterUpload(symbol string, fn UploadFunc)          { r.uploads[symbol] = fn }
func (r *Registry) RegisterUploadBatch(symbol string, fn UploadBatchFunc) { r.uploadBatch[symbol] = fn }

// CallField dispatches a FIELD_VALIDATION function.
func (r *Registry) CallField(ctx context.Context, fn *config.Function, cfg *config.FunctionConfig, value string) (string, error) {
	if fn.Kind != config.FunctionFieldValidation {
		return "", rierrors.NewConfigurationError(fmt.Sprintf("function %s is not a FIELD_VALIDATION function", fn.ID))
	}
	switch fn.Source {
	case config.FunctionSourceNative:
		impl, ok := r.fields[fn.Symbol]
		if !ok {
			return "", rierrors.NewConfigurationError(fmt.Sprintf("no native field-validation function registered for symbol %q", fn.Symbol))
		}
		params, err := coerceParams(fn, cfg)
		if err != nil {
			return "", err
		}
		return impl(ctx, params, value)
	case config.FunctionSourceSQL:
		if r.sql == nil {
			return "", rierrors.NewConfigurationError("no SQL executor configured for sql-source functions")
		}
		result, errMsg, err := r.sql.FieldValidation(ctx, fn.SQLCode, value)
		if err != nil {
			return "", rierrors.NewExecutionError(fmt.Sprintf("SQL statement error: %v", err), false)
		}
		if errMsg != "" {
			return "", rierrors.NewValidationError(errMsg)
		}
		if result == "" {
			return value, nil
		}
		return result, nil
	default:
		return "", rierrors.NewConfigurationError(fmt.Sprintf("unknown function source %q", fn.Source))
	}
}

// CallRecord dispatches a RECORD_VALIDATION function.
func (r *Registry) CallRecord(ctx context.Context, fn *config.Function, cfg *config.FunctionConfig, fields map[string]string) (map[string]string, error) {
	if fn.Kind != config.FunctionRecordValidation {
		return nil, rierrors.NewConfigurationError(fmt.Sprintf("function %s is not a RECORD_VALIDATION function", fn.ID))
	}
	switch fn.Source {
	case config.FunctionSourceNative:
		impl, ok := r.records[fn.Symbol]
		if !ok {
			return nil, rierrors.NewConfigurationError(fmt.Sprintf("no native record-validation function registered for symbol %q", fn.Symbol))
		}
		params, err := coerceParams(fn, cfg)
		if err != nil {
			return nil, err
		}
		return impl(ctx, params, fields)
	case config.FunctionSourceSQL:
		if r.sql == nil {
			return nil, rierrors.NewConfigurationError("no SQL executor configured for sql-source functions")
		}
		result, errMsg, err := r.sql.RecordValidation(ctx, fn.SQLCode, fields)
		if err != nil {
			return nil, rierrors.NewExecutionError(fmt.Sprintf("SQL statement error: %v", err), false)
		}
		if errMsg != "" {
			return nil, rierrors.NewValidationError(errMsg)
		}
		if result == nil {
			return fields, nil
		}
		return result, nil
	default:
		return nil, rierrors.NewConfigurationError(fmt.Sprintf("unknown function source %q", fn.Source))
	}
}

// CallUpload dispatches a RECORD_UPLOAD function (single record).
func (r *Registry) CallUpload(ctx context.Context, fn *config.Function, cfg *config.FunctionConfig, fields map[string]string) (string, error) {
	if fn.Kind != config.FunctionRecordUpload {
		return "", rierrors.NewConfigurationError(fmt.Sprintf("function %s is not a RECORD_UPLOAD function", fn.ID))
	}
	if fn.Source != config.FunctionSourceNative {
		return "", rierrors.NewConfigurationError("upload functions must use the native source")
	}
	impl, ok := r.uploads[fn.Symbol]
	if !ok {
		return "", rierrors.NewConfigurationError(fmt.Sprintf("no native upload function registered for symbol %q", fn.Symbol))
	}
	params, err := coerceParams(fn, cfg)
	if err != nil {
		return "", err
	}
	return impl(ctx, params, fields)
}

// CallUploadBatch dispatches a RECORD_UPLOAD_BATCH function.
func (r *Registry) CallUploadBatch(ctx context.Context, fn *config.Function, cfg *config.FunctionConfig, fields []map[string]string) (string, error) {
	if fn.Kind != config.FunctionRecordUploadBatch {
		return "", rierrors.NewConfigurationError(fmt.Sprintf("function %s is not a RECORD_UPLOAD_BATCH function", fn.ID))
	}
	if fn.Source != config.FunctionSourceNative {
		return "", rierrors.NewConfigurationError("upload functions must use the native source")
	}
	impl, ok := r.uploadBatch[fn.Symbol]
	if !ok {
		return "", rierrors.NewConfigurationError(fmt.Sprintf("no native batch-upload function registered for symbol %q", fn.Symbol))
	}
	params, err := coerceParams(fn, cfg)
	if err != nil {
		return "", err
	}
	return impl(ctx, params, fields)
}

// coerceParams type-converts a FunctionConfig's string-encoded parameter
// values per the Function's declared parameter datatypes (the Go
// equivalent of python_function.py's PARAM_TYPE_CONVERTERS table).
func coerceParams(fn *config.Function, cfg *config.FunctionConfig) ([]interface{}, error) {
	if len(cfg.Parameters) != len(fn.Parameters) {
		return nil, rierrors.NewConfigurationError(fmt.Sprintf(
			"function %s expects %d parameters, FunctionConfig %d provides %d",
			fn.ID, len(fn.Parameters), cfg.ID, len(cfg.Parameters)))
	}

	params := make([]interface{}, len(cfg.Parameters))
	for i, raw := range cfg.Parameters {
		decl := fn.Parameters[i]
		val, err := coerceParam(decl, raw)
		if err != nil {
			return nil, rierrors.NewConfigurationError(fmt.Sprintf(
				"function %s parameter %q: %v", fn.ID, decl.Name, err))
		}
		params[i] = val
	}
	return params, nil
}

func coerceParam(decl config.FunctionParam, raw string) (interface{}, error) {
	switch decl.DataType {
	case config.ParamTypeString:
		return raw, nil
	case config.ParamTypeInteger:
		return strconv.Atoi(raw)
	case config.ParamTypeFloat:
		return strconv.ParseFloat(raw, 64)
	case config.ParamTypeBoolean:
		return strings.ToUpper(raw) == "TRUE", nil
	case config.ParamTypeEnum:
		upper := strings.ToUpper(raw)
		for _, e := range decl.Enum {
			if strings.ToUpper(e) == upper {
				return upper, nil
			}
		}
		return nil, fmt.Errorf("value %q is not one of the declared enum values %v", raw, decl.Enum)
	case config.ParamTypeDict:
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("invalid DICT parameter: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown parameter datatype %q", decl.DataType)
	}
}
