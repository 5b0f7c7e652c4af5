// Package reporter implements the Reporter stage (spec.md §4.7): it
// streams a filtered, column-projected view of a file's records to a
// CSV or XLSX output, then records the result on the owning
// OutputInstance without touching the file's top-level status.
// Grounded on original_source/.../reporter.py (itself mostly a stub —
// see DESIGN.md for what spec.md supplies that the source does not).
package reporter

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/processor"
	"ingestpipe/internal/store"
)

// Reporter drives one Output/OutputInstance pair for one file.
type Reporter struct {
	*processor.Base
	Partner    *config.Partner
	Output     *config.Output
	InstanceID string
	RootDir    string

	fieldNames []string
	generators []fieldGenerator
	recordErrs int
}

// fieldGenerator returns the output cell(s) for one record; a column
// family (original columns, errors) can expand to more than one cell.
type fieldGenerator func(rec *model.Record) []string

// New constructs a Reporter for one output instance. rootDir is the
// output tree's base directory (the deployment's configured files
// root, analogous to original_source's config.get('FILES')).
func New(st store.Store, file *model.File, partner *config.Partner, output *config.Output, instanceID, rootDir string) *Reporter {
	return &Reporter{
		Base:       processor.NewBase(st, file, "REPORTER", "REPORT", config.DefaultMaxPendingRecords),
		Partner:    partner,
		Output:     output,
		InstanceID: instanceID,
		RootDir:    rootDir,
	}
}

// Run generates the report. Unlike the other stages it never changes
// File.Status (spec.md §4.7 step 5: "the file's top-level status is not
// changed by the reporter") — it passes an empty errorStatus so Process
// leaves File.Status untouched even on failure.
func (r *Reporter) Run(ctx context.Context) error {
	var path string
	runErr := processor.Process(ctx, r.Base, "", func(ctx context.Context) error {
		if r.Output.Header && r.Output.DuplicateInputFields && len(r.File.HeaderColumns) == 0 {
			return fmt.Errorf("reporter: output %q requires header columns but file has none", r.Output.Name)
		}

		var err error
		path, err = r.resolvePath()
		if err != nil {
			return err
		}

		writer, err := newRowWriter(r.Output.Format, path)
		if err != nil {
			return err
		}

		r.buildColumns()
		if r.Output.Header {
			if err := writer.WriteHeader(r.fieldNames); err != nil {
				_ = writer.Close()
				return err
			}
		}

		filter := r.recordFilter()
		offset := 0
		for {
			chunk, err := r.FetchChunk(ctx, filter, offset)
			if err != nil {
				_ = writer.Close()
				return fmt.Errorf("reporter: fetch chunk: %w", err)
			}
			if len(chunk) == 0 {
				break
			}
			for _, rec := range chunk {
				row := r.renderRow(rec)
				if err := writer.WriteRow(row); err != nil {
					_ = writer.Close()
					return fmt.Errorf("reporter: write row: %w", err)
				}
			}
			offset += len(chunk)
		}

		if err := writer.Close(); err != nil {
			return fmt.Errorf("reporter: close writer: %w", err)
		}

		msg := fmt.Sprintf("Generated %s and saved to %s", r.Output.Name, strings.ToUpper(r.Output.Format))
		if r.recordErrs > 0 {
			msg += fmt.Sprintf(" (%d record(s) failed to render)", r.recordErrs)
		}
		r.AppendFileLog(r.MakeLog(false, msg, "", ""))
		r.IncrStepStat(r.StepStatKey(r.InstanceID), "success")
		if r.recordErrs > 0 {
			for i := 0; i < r.recordErrs; i++ {
				r.IncrStepStat(r.StepStatKey(r.InstanceID), "failure")
			}
		}
		return nil
	})

	status := model.OutputInstanceSuccess
	if runErr != nil {
		status = model.OutputInstanceError
	}
	instance := r.markInstance(path, status)
	upd := store.NewUpdate().SetField("outputs."+r.InstanceID, instance)
	if err := r.Store.UpdateFile(ctx, r.File.ID, *upd); err != nil && runErr == nil {
		return fmt.Errorf("reporter: persist output instance: %w", err)
	}
	return runErr
}

// resolvePath renders Output.FilePathPattern against RootDir and
// Partner.OutgoingDirectory, substituting {NOW_TS}, {NOW_TS_HEX} and
// {ORIG_FILE_STEM} (spec.md §4.7 step 1).
func (r *Reporter) resolvePath() (string, error) {
	now := time.Now()
	stem := strings.TrimSuffix(filepath.Base(r.File.Name), filepath.Ext(r.File.Name))
	replacer := strings.NewReplacer(
		"{NOW_TS}", strconv.FormatInt(now.Unix(), 10),
		"{NOW_TS_HEX}", strconv.FormatInt(now.Unix(), 16),
		"{ORIG_FILE_STEM}", stem,
	)
	rendered := strings.TrimPrefix(replacer.Replace(r.Output.FilePathPattern), "/")
	if rendered == "" {
		return "", fmt.Errorf("reporter: output %q has no filePathPattern", r.Output.Name)
	}
	outgoing := ""
	if r.Partner != nil {
		outgoing = r.Partner.OutgoingDirectory
	}
	return filepath.Join(r.RootDir, outgoing, rendered), nil
}

// buildColumns assembles the ordered field-name list and the matching
// value generators (spec.md §4.7 step 2).
func (r *Reporter) buildColumns() {
	r.fieldNames = nil
	r.generators = nil
	if r.Output.DuplicateInputFields {
		r.fieldNames = append(r.fieldNames, r.File.HeaderColumns...)
		r.generators = append(r.generators, func(rec *model.Record) []string {
			return rec.RawColumns
		})
	}
	if r.Output.IncludeRecentErrors {
		r.fieldNames = append(r.fieldNames, "Errors")
		r.generators = append(r.generators, func(rec *model.Record) []string {
			msgs := make([]string, len(rec.RecentErrors))
			for i, e := range rec.RecentErrors {
				msgs[i] = e.Message
			}
			return []string{strings.Join(msgs, ", ")}
		})
	}
}

// recordFilter builds the store filter from Output.RecordStatuses and
// Output.FailedFunctionConfigs (spec.md §4.7 step 3).
func (r *Reporter) recordFilter() store.RecordFilter {
	filter := store.RecordFilter{FileID: r.File.ID}
	if len(r.Output.RecordStatuses) > 0 {
		filter.StatusIn = r.Output.RecordStatuses
	}
	if len(r.Output.FailedFunctionConfigs) > 0 {
		filter.RecentErrorFunctionConfigIDs = r.Output.FailedFunctionConfigs
	}
	return filter
}

// renderRow calls every generator for rec, concatenating their cells; a
// generator panic is recovered into a single error cell so one bad
// record never aborts the report (spec.md §4.7 step 4).
func (r *Reporter) renderRow(rec *model.Record) (cells []string) {
	defer func() {
		if p := recover(); p != nil {
			r.recordErrs++
			cells = []string{fmt.Sprintf("<error rendering record: %v>", p)}
		}
	}()
	for _, gen := range r.generators {
		cells = append(cells, gen(rec)...)
	}
	return cells
}

// markInstance sets the terminal status/timing/filename on the owning
// OutputInstance, both in File.Outputs (for the caller's convenience)
// and as the returned value Run persists via the store's positional
// `outputs.<instanceId>` set path (spec.md §4.7 step 5's targeted
// `outputs.$` update).
func (r *Reporter) markInstance(path, status string) model.OutputInstance {
	now := time.Now()
	for i := range r.File.Outputs {
		if r.File.Outputs[i].InstanceID == r.InstanceID {
			r.File.Outputs[i].Status = status
			r.File.Outputs[i].EndTime = &now
			r.File.Outputs[i].OutputFilename = path
			return r.File.Outputs[i]
		}
	}
	return model.OutputInstance{InstanceID: r.InstanceID, Status: status, EndTime: &now, OutputFilename: path}
}
