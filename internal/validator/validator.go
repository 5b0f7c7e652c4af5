// Package validator implements the Validator stage (spec.md §4.5): it
// runs field- then record-level validation functions against every
// PARSED record, producing validatedFields and a VALIDATED/
// VALIDATION_ERROR status. Grounded on
// original_source/.../validator.py's Validator._process_one_record /
// _call_function.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"ingestpipe/internal/admincache"
	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/processor"
	"ingestpipe/internal/registry"
	"ingestpipe/internal/rierrors"
	"ingestpipe/internal/store"
)

// Validator runs field- and record-level validations for every RecordType
// declared by FileType. Unlike the Loader/Parser it does not vary by file
// type, so there is a single concrete implementation.
type Validator struct {
	*processor.Base
	FileType *config.FileType
	Cache    admincache.Cache
	Registry *registry.Registry

	// fieldOrderByRecordType holds each RecordType's active field names in
	// FieldType declaration order; parsedFields is a Go map with no
	// ordering of its own, so this stands in for original_source's
	// reliance on Python dict insertion order.
	fieldOrderByRecordType map[int][]string
	// fieldIDByRecordType maps a field name to its FieldType id, used to
	// build the per-field/per-function-config step-stat keys.
	fieldIDByRecordType map[int]map[string]int
	// outputTypeByRecordType / outputEphemeralByRecordType hold each
	// FieldType's declared output coercion and ephemeral-drop flag.
	outputTypeByRecordType      map[int]map[string]string
	outputEphemeralByRecordType map[int]map[string]bool
}

// New constructs a Validator.
func New(st store.Store, file *model.File, ft *config.FileType, cache admincache.Cache, reg *registry.Registry, maxPendingRecords int) *Validator {
	return &Validator{
		Base:                        processor.NewBase(st, file, "VALIDATOR", "VALIDATE", maxPendingRecords),
		FileType:                    ft,
		Cache:                       cache,
		Registry:                    reg,
		fieldOrderByRecordType:      map[int][]string{},
		fieldIDByRecordType:         map[int]map[string]int{},
		outputTypeByRecordType:      map[int]map[string]string{},
		outputEphemeralByRecordType: map[int]map[string]bool{},
	}
}

func (v *Validator) buildFieldIndexes() {
	for _, rt := range v.FileType.RecordTypes {
		var order []string
		ids := map[string]int{}
		outTypes := map[string]string{}
		ephemeral := map[string]bool{}
		for _, f := range rt.FieldTypes {
			if !f.Active {
				continue
			}
			order = append(order, f.Name)
			ids[f.Name] = f.ID
			outTypes[f.Name] = f.OutputType
			ephemeral[f.Name] = f.OutputEphemeral
		}
		v.fieldOrderByRecordType[rt.ID] = order
		v.fieldIDByRecordType[rt.ID] = ids
		v.outputTypeByRecordType[rt.ID] = outTypes
		v.outputEphemeralByRecordType[rt.ID] = ephemeral
	}
}

func (v *Validator) beginProcessing(ctx context.Context) error {
	if err := v.ClaimStatus(ctx, []string{model.FileParsed}, model.FileValidating); err != nil {
		return err
	}
	v.ClearStats("VALIDATE")
	if v.File.Times == nil {
		v.File.Times = model.Times{}
	}
	v.buildFieldIndexes()
	return nil
}

func (v *Validator) closeProcessing() {
	v.AppendFileLog(v.MakeLog(false, "Validated records", "", ""))
}

// Run drives the chunked loop over every PARSED record.
func (v *Validator) Run(ctx context.Context) error {
	return processor.Process(ctx, v.Base, model.FileValidateError, func(ctx context.Context) error {
		if err := v.beginProcessing(ctx); err != nil {
			return err
		}
		offset := 0
		for {
			filter := v.RecordFilterForRange(model.RecordParsed)
			chunk, err := v.FetchChunk(ctx, filter, offset)
			if err != nil {
				return fmt.Errorf("validator: fetch chunk: %w", err)
			}
			if len(chunk) == 0 {
				break
			}
			for _, rec := range chunk {
				upd, err := v.validateOne(ctx, rec)
				if err != nil {
					// A configuration-type (or otherwise unclassified) error is
					// file-level: queue the partial update already prepared for
					// this record, then abort (spec.md §4.5 "Non-domain
					// exceptions are re-raised after attaching the prepared
					// update; they abort the file").
					v.QueueRecordUpdate(upd)
					_ = v.MaybeFlush(ctx)
					return err
				}
				v.QueueRecordUpdate(upd)
				if err := v.MaybeFlush(ctx); err != nil {
					return err
				}
			}
			// Flushed records have left the PARSED set; only the
			// still-pending ones remain ahead of the unprocessed records.
			offset = v.PendingUpdateCount()
		}
		if err := v.Flush(ctx); err != nil {
			return err
		}
		v.closeProcessing()
		v.File.Status = model.FileValidated
		return nil
	})
}

// validateOne applies field then record validations to one record and
// returns the queued store update. validatedFields is always written,
// even when the record ends in VALIDATION_ERROR. A non-nil error return
// is always a configuration-type (or otherwise unclassified) failure:
// the caller must abort the whole file after queuing the returned
// update, per spec.md §4.5's "non-domain exceptions abort the file".
func (v *Validator) validateOne(ctx context.Context, rec *model.Record) (store.RecordUpdate, error) {
	fieldStatBase := v.StepStatKey(fmt.Sprint(rec.RecordType))
	v.IncrStepStat(fieldStatBase, "input")

	fieldOrder := v.fieldOrderByRecordType[rec.RecordType]
	fieldIDs := v.fieldIDByRecordType[rec.RecordType]
	rt := v.recordType(rec.RecordType)

	var errs []model.ProcessingLog
	working := map[string]string{}

	for _, name := range fieldOrder {
		value, present := rec.ParsedFields[name]
		if !present {
			continue
		}
		fieldID := fieldIDs[name]
		fieldKey := v.StepStatKey(fmt.Sprint(rec.RecordType), fmt.Sprint(fieldID))
		v.IncrStepStat(fieldKey, "input")

		original := value
		fieldFailed := false
		for _, cfgID := range rt.FieldValidations[name] {
			cfgKey := v.StepStatKey(fmt.Sprint(rec.RecordType), fmt.Sprint(fieldID), strconv.Itoa(cfgID))
			v.IncrStepStat(cfgKey, "input")

			newValue, err := v.callField(ctx, cfgID, value)
			if err != nil {
				v.IncrStepStat(cfgKey, "failure")
				kind, _, _, _ := rierrors.Classify(err)
				if kind == "configuration" {
					working[name] = original
					return v.finalizeRecord(rec, working, errs), err
				}
				errs = append(errs, v.errorLog(err, cfgID))
				fieldFailed = true
				break // no additional validations for this field
			}
			v.IncrStepStat(cfgKey, "success")
			value = newValue
		}

		if fieldFailed {
			// Spec.md §4.5 step 1: the *original* value is retained when a
			// field validation fails, not the partially-transformed one.
			working[name] = original
		} else {
			working[name] = value
		}
	}

	if len(errs) == 0 {
		for _, cfgID := range rt.RecordValidations {
			result, err := v.callRecord(ctx, cfgID, working)
			if err != nil {
				kind, _, _, _ := rierrors.Classify(err)
				if kind == "configuration" {
					return v.finalizeRecord(rec, working, errs), err
				}
				errs = append(errs, v.errorLog(err, cfgID))
				break // no additional validations for this record
			}
			if result != nil {
				working = result
			}
		}
	}

	return v.finalizeRecord(rec, working, errs), nil
}

// finalizeRecord writes validatedFields, status and logs, and returns
// the store update; shared by the success path and the file-aborting
// configuration-error path (which still persists whatever was validated
// so far for this record).
func (v *Validator) finalizeRecord(rec *model.Record, working map[string]string, errs []model.ProcessingLog) store.RecordUpdate {
	validated := v.coerceOutputs(rec.RecordType, working)
	rec.ValidatedFields = validated
	rec.RecentErrors = nil
	v.mergeValidatedColumns(validated)

	fieldStatBase := v.StepStatKey(fmt.Sprint(rec.RecordType))
	upd := store.NewUpdate()
	upd.SetField("validatedFields", rec.ValidatedFields)

	if len(errs) == 0 {
		rec.Status = model.RecordValidated
		v.IncrStepStat(fieldStatBase, "success")
	} else {
		rec.Status = model.RecordValidationError
		rec.Log = append(rec.Log, errs...)
		rec.RecentErrors = errs
		v.IncrStepStat(fieldStatBase, "failure")
	}
	upd.SetField("status", rec.Status)
	upd.SetField("log", rec.Log)
	upd.SetField("recentErrors", rec.RecentErrors)
	return store.RecordUpdate{ID: rec.ID, Update: *upd}
}

func (v *Validator) recordType(id int) *config.RecordType {
	for i := range v.FileType.RecordTypes {
		if v.FileType.RecordTypes[i].ID == id {
			return &v.FileType.RecordTypes[i]
		}
	}
	return &config.RecordType{}
}

func (v *Validator) callField(ctx context.Context, cfgID int, value string) (string, error) {
	cfg, ok := v.Cache.FunctionConfig(cfgID)
	if !ok {
		return value, rierrors.NewConfigurationError(fmt.Sprintf("no FunctionConfig with id %d", cfgID))
	}
	fn, ok := v.Cache.Function(cfg.FunctionID)
	if !ok {
		return value, rierrors.NewConfigurationError(fmt.Sprintf("no Function with id %q", cfg.FunctionID))
	}
	return v.Registry.CallField(ctx, fn, cfg, value)
}

func (v *Validator) callRecord(ctx context.Context, cfgID int, fields map[string]string) (map[string]string, error) {
	cfg, ok := v.Cache.FunctionConfig(cfgID)
	if !ok {
		return nil, rierrors.NewConfigurationError(fmt.Sprintf("no FunctionConfig with id %d", cfgID))
	}
	fn, ok := v.Cache.Function(cfg.FunctionID)
	if !ok {
		return nil, rierrors.NewConfigurationError(fmt.Sprintf("no Function with id %q", cfg.FunctionID))
	}
	return v.Registry.CallRecord(ctx, fn, cfg, fields)
}

// errorLog builds a record-level ProcessingLog for a ValidationError or
// ExecutionError (the caller has already routed configuration-type
// errors down a separate, file-aborting path before reaching here).
func (v *Validator) errorLog(err error, cfgID int) model.ProcessingLog {
	_, code, summary, _ := rierrors.Classify(err)
	entry := v.MakeLog(true, summary, code, "")
	entry.FunctionConfigID = cfgID
	return entry
}

// coerceOutputs JSON-encodes values whose FieldType's declared outputType
// is DICT and drops outputEphemeral fields (spec.md §4.5 step 3). Values
// of every other outputType are stored unchanged as strings.
func (v *Validator) coerceOutputs(recordType int, working map[string]string) map[string]string {
	outTypes := v.outputTypeByRecordType[recordType]
	ephemeral := v.outputEphemeralByRecordType[recordType]

	out := map[string]string{}
	for name, value := range working {
		if ephemeral[name] {
			continue
		}
		switch outTypes[name] {
		case "DICT":
			encoded, err := json.Marshal(value)
			if err != nil {
				out[name] = value
			} else {
				out[name] = string(encoded)
			}
		default:
			out[name] = value
		}
	}
	return out
}

// mergeValidatedColumns maintains File.ValidatedColumns as the ordered
// union of keys observed across all records (spec.md §4.5 step 5).
func (v *Validator) mergeValidatedColumns(fields map[string]string) {
	seen := map[string]bool{}
	for _, c := range v.File.ValidatedColumns {
		seen[c] = true
	}
	// Deterministic order: sort rather than rely on Go's randomized map
	// iteration, for stable results across runs with the same field set.
	for _, name := range stableSortedKeys(fields) {
		if !seen[name] {
			v.File.ValidatedColumns = append(v.File.ValidatedColumns, name)
			seen[name] = true
		}
	}
}

func stableSortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
