// Package uploader implements the Uploader stage (spec.md §4.6): it
// batches VALIDATED records by group key, de-duplicates by content hash
// against both the current chunk and the whole store, and dispatches
// each batch through a RECORD_UPLOAD or RECORD_UPLOAD_BATCH function.
// Grounded on original_source/.../uploader.py's RecordUploader.
package uploader

import (
	"context"
	"fmt"
	"time"

	"ingestpipe/internal/admincache"
	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/processor"
	"ingestpipe/internal/registry"
	"ingestpipe/internal/rierrors"
	"ingestpipe/internal/store"
)

// MaxAutoRetries bounds how many times an UPLOAD_ERROR record with
// autoRetry set is reverted to VALIDATED for another attempt (spec.md
// §4.6 "Retry reset").
const MaxAutoRetries = 4

// Uploader drives the batch-upload loop for one file.
type Uploader struct {
	*processor.Base
	FileType *config.FileType
	Cache    admincache.Cache
	Registry *registry.Registry

	groupKey string

	pendingBatch   []*model.Record
	pendingGroup   string
	pendingRecType int
	hasPendingGroup bool

	retriableCount int
}

// New constructs an Uploader. maxPendingRecords is FileType.UploadBatchSize
// (at least 1).
func New(st store.Store, file *model.File, ft *config.FileType, cache admincache.Cache, reg *registry.Registry) *Uploader {
	size := ft.UploadBatchSize
	if size < 1 {
		size = 1
	}
	return &Uploader{
		Base:     processor.NewBase(st, file, "UPLOADER", "UPLOAD", size),
		FileType: ft,
		Cache:    cache,
		Registry: reg,
		groupKey: ft.UploadBatchGroupKey,
	}
}

func (u *Uploader) beginProcessing(ctx context.Context) error {
	// Unlike the other stages, stats are NOT cleared: an upload run may be
	// a continuation after a retry-reset, and earlier counters still
	// describe real completed work (original_source's own comment:
	// "Don't clear stats because this might be a retry or continuation").
	// Entry is either the direct no-review path straight from VALIDATED or
	// the human-reviewed path through APPROVED_TO_UPLOAD (the status
	// scheduler decides which; both are legal here) and also
	// UPLOADING_RETRY_PAUSE, for a retry run scheduled after a previous
	// auto-retry pause.
	allowed := []string{model.FileValidated, model.FileApprovedToUpload, model.FileUploadingRetryPause}
	if err := u.ClaimStatus(ctx, allowed, model.FileUploading); err != nil {
		return err
	}
	if u.File.Times == nil {
		u.File.Times = model.Times{}
	}
	u.File.Times["uploadingStart"] = time.Now()
	return u.FlushFile(ctx)
}

func (u *Uploader) recordType(id int) *config.RecordType {
	for i := range u.FileType.RecordTypes {
		if u.FileType.RecordTypes[i].ID == id {
			return &u.FileType.RecordTypes[i]
		}
	}
	return nil
}

// Run executes the chunked upload loop over every VALIDATED record.
func (u *Uploader) Run(ctx context.Context) error {
	return processor.Process(ctx, u.Base, model.FileUploadError, func(ctx context.Context) error {
		if err := u.beginProcessing(ctx); err != nil {
			return err
		}

		offset := 0
		for {
			filter := u.RecordFilterForRange(model.RecordValidated)
			filter.SortByValidatedField = u.groupKey
			chunk, err := u.FetchChunk(ctx, filter, offset)
			if err != nil {
				return fmt.Errorf("uploader: fetch chunk: %w", err)
			}
			if len(chunk) == 0 {
				break
			}

			if err := u.processChunk(ctx, chunk); err != nil {
				return err
			}
			offset += len(chunk)
		}

		if err := u.flushPendingBatch(ctx); err != nil {
			return err
		}
		if err := u.Flush(ctx); err != nil {
			return err
		}

		if err := u.resetRetriableRecords(ctx); err != nil {
			return err
		}

		u.File.Times["uploadingEnd"] = time.Now()
		u.AppendFileLog(u.MakeLog(false, "Uploaded records", "", ""))
		if u.retriableCount > 0 {
			u.File.Status = model.FileUploadingRetryPause
		} else {
			u.File.Status = model.FileCompleted
		}
		return nil
	})
}

// processChunk de-duplicates a chunk against both the store and the
// chunk itself, then admits each survivor into the group-key batch.
func (u *Uploader) processChunk(ctx context.Context, chunk []*model.Record) error {
	var hashes []string
	for _, rec := range chunk {
		if rec.Hash != "" {
			hashes = append(hashes, rec.Hash)
		}
	}
	uploadedHashes, err := u.Store.HashesWithStatusAtLeast(ctx, hashes, model.RecordUploaded)
	if err != nil {
		return fmt.Errorf("uploader: duplicate check: %w", err)
	}
	chunkHashes := map[string]bool{}

	for _, rec := range chunk {
		statKey := u.StepStatKey(fmt.Sprint(rec.RecordType))
		u.IncrStepStat(statKey, "input")

		rt := u.recordType(rec.RecordType)
		if rt == nil || rt.UploadFunctionConfigID == 0 {
			u.IncrStepStat(statKey, "failure")
			continue
		}

		if uploadedHashes[rec.Hash] || chunkHashes[rec.Hash] {
			msg := "Duplicate record data found in previous row"
			if uploadedHashes[rec.Hash] {
				msg = "Record data already uploaded"
			}
			entry := u.MakeLog(true, msg, rierrors.CodeOtherValidation, "")
			upd := store.NewUpdate()
			upd.SetField("status", model.RecordUploadError)
			upd.SetField("recentErrors", []model.ProcessingLog{entry})
			upd.AppendToSet("log", entry)
			u.QueueRecordUpdate(store.RecordUpdate{ID: rec.ID, Update: *upd})
			u.IncrStepStat(statKey, "failure")
			continue
		}
		chunkHashes[rec.Hash] = true

		groupValue := rec.ValidatedFields[u.groupKey]
		if u.groupKey != "" && u.hasPendingGroup && u.pendingGroup != groupValue {
			if err := u.flushPendingBatch(ctx); err != nil {
				return err
			}
		}
		if len(u.pendingBatch) > 0 && u.pendingRecType != rec.RecordType {
			if err := u.flushPendingBatch(ctx); err != nil {
				return err
			}
		}

		u.pendingBatch = append(u.pendingBatch, rec)
		u.pendingRecType = rec.RecordType
		u.pendingGroup = groupValue
		u.hasPendingGroup = true

		if len(u.pendingBatch) >= u.MaxPendingRecords {
			if err := u.flushPendingBatch(ctx); err != nil {
				return err
			}
		}
		if err := u.MaybeFlush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// flushPendingBatch invokes the upload function for the pending batch
// and queues the resulting representative update for every record id in
// it (spec.md §4.6 "Invocation").
func (u *Uploader) flushPendingBatch(ctx context.Context) error {
	batch := u.pendingBatch
	u.pendingBatch = nil
	u.hasPendingGroup = false
	if len(batch) == 0 {
		return nil
	}

	rt := u.recordType(batch[0].RecordType)
	cfg, ok := u.Cache.FunctionConfig(rt.UploadFunctionConfigID)
	if !ok {
		return rierrors.NewConfigurationError(fmt.Sprintf("no FunctionConfig with id %d", rt.UploadFunctionConfigID))
	}
	fn, ok := u.Cache.Function(cfg.FunctionID)
	if !ok {
		return rierrors.NewConfigurationError(fmt.Sprintf("no Function with id %q", cfg.FunctionID))
	}

	typeKey := u.StepStatKey(fmt.Sprint(batch[0].RecordType))
	fnKey := u.StepStatKey(fmt.Sprint(batch[0].RecordType), fmt.Sprint(rt.UploadFunctionConfigID))
	u.IncrStepStat(fnKey, "input")

	var response string
	var callErr error
	switch fn.Kind {
	case config.FunctionRecordUploadBatch:
		fields := make([]map[string]string, len(batch))
		for i, rec := range batch {
			fields[i] = rec.ValidatedFields
		}
		response, callErr = u.Registry.CallUploadBatch(ctx, fn, cfg, fields)
	case config.FunctionRecordUpload:
		if len(batch) > 1 {
			return rierrors.NewConfigurationError(fmt.Sprintf(
				"function %s doesn't support batch mode but received %d records", fn.ID, len(batch)))
		}
		response, callErr = u.Registry.CallUpload(ctx, fn, cfg, batch[0].ValidatedFields)
	default:
		return rierrors.NewConfigurationError(fmt.Sprintf("function %s is not an upload function", fn.ID))
	}

	upd := store.NewUpdate()
	var status string
	if callErr == nil {
		status = model.RecordUploaded
		entry := u.MakeLog(false, "Uploaded", "", "")
		upd.SetField("status", status)
		upd.SetField("uploadConfirmationId", response)
		upd.SetField("autoRetry", false)
		upd.SetField("recentErrors", []model.ProcessingLog(nil))
		upd.AppendToSet("log", entry)
		u.IncrStepStat(typeKey, "success")
		u.IncrStepStat(fnKey, "success")
	} else {
		kind, code, summary, autoRetry := rierrors.Classify(callErr)
		if kind == "configuration" {
			return callErr
		}
		status = model.RecordUploadError
		entry := u.MakeLog(true, summary, code, "")
		upd.SetField("status", status)
		upd.SetField("uploadConfirmationId", "")
		upd.SetField("autoRetry", autoRetry)
		upd.SetField("recentErrors", []model.ProcessingLog{entry})
		upd.AppendToSet("log", entry)
		u.IncrStepStat(typeKey, "failure")
		u.IncrStepStat(fnKey, "failure")
		if autoRetry {
			u.retriableCount += len(batch)
		}
	}

	for _, rec := range batch {
		u.QueueRecordUpdate(store.RecordUpdate{ID: rec.ID, Update: *upd})
	}
	return u.MaybeFlush(ctx)
}

// resetRetriableRecords reverts UPLOAD_ERROR records with autoRetry set
// and retryCount below MaxAutoRetries back to VALIDATED, as a single
// batched store write (spec.md §9 Open Question decision: one bulk call
// plus a queue re-enqueue — the re-enqueue itself is the Status
// Scheduler's job once it observes UPLOADING_RETRY_PAUSE).
func (u *Uploader) resetRetriableRecords(ctx context.Context) error {
	offset := 0
	for {
		filter := u.RecordFilterForRange(model.RecordUploadError)
		chunk, err := u.FetchChunk(ctx, filter, offset)
		if err != nil {
			return fmt.Errorf("uploader: fetch retriable records: %w", err)
		}
		if len(chunk) == 0 {
			break
		}
		for _, rec := range chunk {
			if !rec.AutoRetry || rec.RetryCount >= MaxAutoRetries {
				continue
			}
			entry := u.MakeLog(false, "Reverted status to VALIDATED for auto-retry", "", "")
			upd := store.NewUpdate()
			upd.SetField("status", model.RecordValidated)
			upd.SetField("retryCount", rec.RetryCount+1)
			upd.UnsetField("recentErrors")
			upd.UnsetField("autoRetry")
			upd.AppendToSet("log", entry)
			u.QueueRecordUpdate(store.RecordUpdate{ID: rec.ID, Update: *upd})
			u.retriableCount++
		}
		offset += len(chunk)
	}
	return u.Flush(ctx)
}
