package validator

import (
	"context"
	"testing"

	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/registry"
	"ingestpipe/internal/store"
	"ingestpipe/internal/validators"
)

// fakeCache is a minimal admincache.Cache backed by plain maps, built
// directly from test fixtures rather than a YAML document.
type fakeCache struct {
	functions map[string]*config.Function
	configs   map[int]*config.FunctionConfig
}

func (f *fakeCache) Partner(int) (*config.Partner, bool)                         { return nil, false }
func (f *fakeCache) FileType(int, int) (*config.FileType, bool)                  { return nil, false }
func (f *fakeCache) RecordType(int, int, int) (*config.RecordType, bool)         { return nil, false }
func (f *fakeCache) Function(id string) (*config.Function, bool)                { fn, ok := f.functions[id]; return fn, ok }
func (f *fakeCache) FunctionConfig(id int) (*config.FunctionConfig, bool)        { c, ok := f.configs[id]; return c, ok }

func newTestRegistry() *registry.Registry {
	r := registry.New(nil)
	validators.RegisterAll(r)
	return r
}

func requiredCache() *fakeCache {
	return &fakeCache{
		functions: map[string]*config.Function{
			"required": {ID: "required", Kind: config.FunctionFieldValidation, Source: config.FunctionSourceNative, Symbol: validators.SymbolRequired},
		},
		configs: map[int]*config.FunctionConfig{
			1: {ID: 1, FunctionID: "required"},
		},
	}
}

func TestValidatorSuccessRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileParsed}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1001, FieldTypes: []config.FieldType{
				{ID: 1, Name: "id", Active: true},
				{ID: 2, Name: "name", Active: true},
			}, FieldValidations: map[string][]int{"id": {1}}},
		},
	}

	rec := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordParsed,
		RecordType: 1001, ParsedFields: map[string]string{"id": "7", "name": "Alice"}}
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	v := New(st, file, ft, requiredCache(), newTestRegistry(), 1)
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.File.Status != model.FileValidated {
		t.Fatalf("File.Status = %s, want %s", v.File.Status, model.FileValidated)
	}

	got, _ := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	if got[0].Status != model.RecordValidated {
		t.Fatalf("status = %s, want %s", got[0].Status, model.RecordValidated)
	}
	if got[0].ValidatedFields["id"] != "7" || got[0].ValidatedFields["name"] != "Alice" {
		t.Errorf("validatedFields = %v", got[0].ValidatedFields)
	}
	if len(got[0].RecentErrors) != 0 {
		t.Errorf("expected no recentErrors, got %v", got[0].RecentErrors)
	}
}

func TestValidatorFailingFieldRetainsOriginalValue(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileParsed}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1001, FieldTypes: []config.FieldType{
				{ID: 1, Name: "id", Active: true},
			}, FieldValidations: map[string][]int{"id": {1}}},
		},
	}

	rec := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordParsed,
		RecordType: 1001, ParsedFields: map[string]string{"id": ""}}
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	v := New(st, file, ft, requiredCache(), newTestRegistry(), 1)
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	if got[0].Status != model.RecordValidationError {
		t.Fatalf("status = %s, want %s", got[0].Status, model.RecordValidationError)
	}
	if got[0].ValidatedFields["id"] != "" {
		t.Errorf("validatedFields[id] = %q, want empty (original retained)", got[0].ValidatedFields["id"])
	}
	if len(got[0].RecentErrors) != 1 {
		t.Fatalf("expected one recentErrors entry, got %d", len(got[0].RecentErrors))
	}
	if got[0].RecentErrors[0].ErrorCode != "OTHER_VALIDATION_ERROR" {
		t.Errorf("errorCode = %s, want OTHER_VALIDATION_ERROR", got[0].RecentErrors[0].ErrorCode)
	}
}

func TestValidatorSkipsSecondFieldValidationAfterFirstFails(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileParsed}
	_ = st.InsertFile(context.Background(), file)

	cache := requiredCache()
	cache.functions["alwaysFails"] = &config.Function{ID: "alwaysFails", Kind: config.FunctionFieldValidation,
		Source: config.FunctionSourceNative, Symbol: validators.SymbolAllowedValues}
	cache.configs[2] = &config.FunctionConfig{ID: 2, FunctionID: "alwaysFails", Parameters: []string{"ZZ"}}

	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1001, FieldTypes: []config.FieldType{
				{ID: 1, Name: "id", Active: true},
			}, FieldValidations: map[string][]int{"id": {1, 2}}},
		},
	}

	rec := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordParsed,
		RecordType: 1001, ParsedFields: map[string]string{"id": ""}}
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	v := New(st, file, ft, cache, newTestRegistry(), 1)
	if err := v.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	statKey := v.StepStatKey("1001", "1", "2")
	if stat, ok := file.Stats.Steps[statKey]; ok && (stat.Input > 0 || stat.Success > 0 || stat.Failure > 0) {
		t.Errorf("second field validation should not have run, got stat %+v for key %s", stat, statKey)
	}
}

func TestValidatorUnregisteredFunctionAbortsFile(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileParsed}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1001, FieldTypes: []config.FieldType{
				{ID: 1, Name: "id", Active: true},
			}, FieldValidations: map[string][]int{"id": {99}}},
		},
	}

	rec := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordParsed,
		RecordType: 1001, ParsedFields: map[string]string{"id": "1"}}
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	v := New(st, file, ft, &fakeCache{functions: map[string]*config.Function{}, configs: map[int]*config.FunctionConfig{}}, newTestRegistry(), 1)
	if err := v.Run(context.Background()); err == nil {
		t.Fatal("expected a configuration-type error for an unresolvable FunctionConfig")
	}
	if v.File.Status != model.FileValidateError {
		t.Errorf("File.Status = %s, want %s", v.File.Status, model.FileValidateError)
	}
}
