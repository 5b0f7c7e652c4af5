// Package processor implements the Stage Base shared by the Parser,
// Validator, Uploader and Reporter stages (spec.md §4.2); the Loader
// builds on the same primitives even though it reads from the on-disk
// file rather than from persisted records. This is the most heavily
// grounded package in the repository — grounded on
// original_source/.../record_processor/record_processor.py
// (process/_update_status_to_processing/_clear_stats/_get_step_stat/
// _make_log_entry) and .../record_processor/db_chunk_processor.py
// (_set_max_pending_records, _process_chunk's batching/flush algorithm).
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ingestpipe/internal/model"
	"ingestpipe/internal/rierrors"
	"ingestpipe/internal/store"
)

// FlushInterval is the maximum wall-time between file-document updates
// during active processing (spec.md §5).
const FlushInterval = 30 * time.Second

// stageOrder is the canonical stage sequence used by ClearStats to erase
// the current stage and every later one (spec.md §4.2's step-clearing
// table).
var stageOrder = []string{"LOAD", "PARSE", "VALIDATE", "UPLOAD", "REPORT"}

// Base is the shared machinery every stage embeds: status claim,
// step-stat counters, log-entry construction, pending-update batching
// with time/size-bounded flush, and the top-level Process wrapper.
type Base struct {
	Store          store.Store
	File           *model.File
	StageSource    string // ProcessingLog.Source for this stage
	StepStatPrefix string

	MaxPendingRecords int
	MaxPendingUpdates int
	DbChunkSize       int

	pendingUpdates []store.RecordUpdate
	lastFlush      time.Time
}

// NewBase derives MaxPendingUpdates and DbChunkSize from
// maxPendingRecords per spec.md §4.2's tuning rule:
//
//	maxPendingUpdates = min(floor(5000/m), 1000)
//	dbChunkSize       = max(floor(1000/m), 1) * m
func NewBase(st store.Store, file *model.File, stageSource, stepStatPrefix string, maxPendingRecords int) *Base {
	m := maxPendingRecords
	if m < 1 {
		m = 1
	}
	maxPendingUpdates := 5000 / m
	if maxPendingUpdates > 1000 {
		maxPendingUpdates = 1000
	}
	if maxPendingUpdates < 1 {
		maxPendingUpdates = 1
	}
	chunkUnit := 1000 / m
	if chunkUnit < 1 {
		chunkUnit = 1
	}
	return &Base{
		Store:             st,
		File:              file,
		StageSource:       stageSource,
		StepStatPrefix:    stepStatPrefix,
		MaxPendingRecords: m,
		MaxPendingUpdates: maxPendingUpdates,
		DbChunkSize:       chunkUnit * m,
		lastFlush:         time.Now(),
	}
}

// ValidateMaxPendingRecords enforces "m>1 is disallowed when the file
// type has more than one record type" (spec.md §4.2).
func ValidateMaxPendingRecords(maxPendingRecords, recordTypeCount int) error {
	if maxPendingRecords > 1 && recordTypeCount > 1 {
		return rierrors.NewConfigurationError(
			"maxPendingRecords > 1 is not allowed for file types with more than one record type")
	}
	return nil
}

// ClaimStatus atomically transitions File.Status from one of `from` to
// `to`, failing with a ConfigurationError (spec.md §4.1) if no
// transition matched.
func (b *Base) ClaimStatus(ctx context.Context, from []string, to string) error {
	ok, err := b.Store.CASFileStatus(ctx, b.File.ID, from, to)
	if err != nil {
		return fmt.Errorf("claim status: %w", err)
	}
	if !ok {
		return rierrors.NewConfigurationError(fmt.Sprintf(
			"file %d: status transition from %v to %s failed (status is %q)", b.File.ID, from, to, b.File.Status))
	}
	b.File.Status = to
	return nil
}

// ClearStats erases every step-stat counter and stage timing for `step`
// and every stage at or after it in stageOrder.
func (b *Base) ClearStats(step string) {
	idx := -1
	for i, s := range stageOrder {
		if s == step {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	if b.File.Stats.Steps == nil {
		b.File.Stats.Steps = map[string]model.StepStat{}
	}
	for key := range b.File.Stats.Steps {
		for _, s := range stageOrder[idx:] {
			if key == s || strings.HasPrefix(key, s+":") {
				delete(b.File.Stats.Steps, key)
				break
			}
		}
	}
	if b.File.Times == nil {
		b.File.Times = model.Times{}
	}
	// Stages stamp their timings as e.g. "loadingStart"/"loadingEnd".
	timingName := map[string]string{
		"LOAD": "loading", "PARSE": "parsing", "VALIDATE": "validating",
		"UPLOAD": "uploading", "REPORT": "reporting",
	}
	for _, s := range stageOrder[idx:] {
		delete(b.File.Times, timingName[s]+"Start")
		delete(b.File.Times, timingName[s]+"End")
	}
}

// StepStatKey joins this stage's prefix with the given parts, e.g.
// StepStatKey("1001", "7", "42") -> "VALIDATE:1001:7:42".
func (b *Base) StepStatKey(parts ...string) string {
	key := b.StepStatPrefix
	for _, p := range parts {
		if p == "" {
			continue
		}
		key += ":" + p
	}
	return key
}

// IncrStepStat bumps one of input/success/failure for key.
func (b *Base) IncrStepStat(key, kind string) {
	if b.File.Stats.Steps == nil {
		b.File.Stats.Steps = map[string]model.StepStat{}
	}
	stat := b.File.Stats.Steps[key]
	switch kind {
	case "input":
		stat.Input++
	case "success":
		stat.Success++
	case "failure":
		stat.Failure++
	}
	b.File.Stats.Steps[key] = stat
}

// MakeLog builds a ProcessingLog stamped with this stage's source.
func (b *Base) MakeLog(isError bool, message, errorCode, apiLogID string) model.ProcessingLog {
	return model.ProcessingLog{
		Timestamp: time.Now(),
		Source:    b.StageSource,
		IsError:   isError,
		Message:   message,
		ErrorCode: errorCode,
		APILogID:  apiLogID,
	}
}

// MakeExcLog derives a ProcessingLog's summary/code from err via
// rierrors.Classify.
func (b *Base) MakeExcLog(err error) model.ProcessingLog {
	_, code, summary, _ := rierrors.Classify(err)
	return b.MakeLog(true, summary, code, "")
}

// AppendFileLog appends to the append-only File.Log.
func (b *Base) AppendFileLog(entry model.ProcessingLog) {
	b.File.Log = append(b.File.Log, entry)
}

// ReplaceRecentErrors replaces File.RecentErrors wholesale, as every
// stage run does at its start (spec.md §7).
func (b *Base) ReplaceRecentErrors(entries []model.ProcessingLog) {
	b.File.RecentErrors = entries
}

// QueueRecordUpdate adds one record update to the pending batch.
func (b *Base) QueueRecordUpdate(u store.RecordUpdate) {
	b.pendingUpdates = append(b.pendingUpdates, u)
}

// PendingUpdateCount reports how many record updates are queued.
func (b *Base) PendingUpdateCount() int { return len(b.pendingUpdates) }

// MaybeFlush flushes the pending updates (and the file document) once
// MaxPendingUpdates is reached or FlushInterval has elapsed since the
// last flush (spec.md §4.2/§5).
func (b *Base) MaybeFlush(ctx context.Context) error {
	if len(b.pendingUpdates) >= b.MaxPendingUpdates || time.Since(b.lastFlush) >= FlushInterval {
		return b.Flush(ctx)
	}
	return nil
}

// Flush unconditionally writes any pending record updates via one
// unordered bulk write, then persists the file document's
// status/log/recentErrors/times/stats.
func (b *Base) Flush(ctx context.Context) error {
	if len(b.pendingUpdates) > 0 {
		if err := b.Store.BulkUpdateRecords(ctx, b.pendingUpdates); err != nil {
			return fmt.Errorf("flush record updates: %w", err)
		}
		b.pendingUpdates = b.pendingUpdates[:0]
	}
	b.lastFlush = time.Now()
	return b.FlushFile(ctx)
}

// FlushFile persists {status, log, recentErrors, times, stats} to the
// file document, independent of the record-update queue.
func (b *Base) FlushFile(ctx context.Context) error {
	upd := store.NewUpdate()
	upd.SetField("status", b.File.Status)
	upd.SetField("log", b.File.Log)
	upd.SetField("recentErrors", b.File.RecentErrors)
	upd.SetField("times", b.File.Times)
	upd.SetField("stats", b.File.Stats)
	if err := b.Store.UpdateFile(ctx, b.File.ID, *upd); err != nil {
		return fmt.Errorf("flush file %d: %w", b.File.ID, err)
	}
	return nil
}

// FetchChunk fetches the next page of records per filter, sized
// DbChunkSize, starting at offset.
func (b *Base) FetchChunk(ctx context.Context, filter store.RecordFilter, offset int) ([]*model.Record, error) {
	return b.Store.FindRecords(ctx, filter, offset, b.DbChunkSize)
}

// RecordFilterForRange builds the canonical record-range filter for this
// file, narrowed to the given input status set.
func (b *Base) RecordFilterForRange(statusIn ...string) store.RecordFilter {
	return store.RecordFilter{FileID: b.File.ID, StatusIn: statusIn}
}

// Process is the top-level process() entry point (spec.md §4.2):
// invokes runFn; on any error it appends an error log entry, replaces
// recentErrors, sets the file's error status (if one is configured for
// this stage), and always runs the final flush, persisting the file.
func Process(ctx context.Context, b *Base, errorStatus string, runFn func(ctx context.Context) error) error {
	runErr := runFn(ctx)
	if runErr != nil {
		entry := b.MakeExcLog(runErr)
		b.AppendFileLog(entry)
		b.ReplaceRecentErrors([]model.ProcessingLog{entry})
		if errorStatus != "" {
			b.File.Status = errorStatus
		}
	}
	if err := b.Flush(ctx); err != nil {
		if runErr != nil {
			return runErr
		}
		return err
	}
	return runErr
}
