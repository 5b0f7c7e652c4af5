// Package loader implements the Loader stage (spec.md §4.3): it reads an
// on-disk partner file, determines each line's RecordType, and persists
// LOADED (or LOAD_ERROR) Records — the first stage the pipeline runs on
// a NEW file. Grounded directly on
// original_source/.../loader.py's Loader/DelimitedLoader/FixedWidthLoader.
package loader

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/processor"
	"ingestpipe/internal/rierrors"
	"ingestpipe/internal/store"
)

// Loader holds the shared state for both the delimited and fixed-width
// variants: the stage-base machinery plus the FileType/Partner this file
// belongs to.
type Loader struct {
	*processor.Base
	FileType *config.FileType
	lineNum  int
	matchers []recordTypeMatcher
}

// recordTypeMatcher pairs a RecordType's id with its compiled
// recordMatches patterns, in the declaration order they must be tried.
type recordTypeMatcher struct {
	recordTypeID int
	patterns     []*regexp.Regexp
}

// New constructs a Loader for file, claiming no status yet (Process does
// that). maxPendingRecords is typically 1 for the Loader, since batching
// several raw lines per DB round-trip doesn't change semantics.
func New(st store.Store, file *model.File, ft *config.FileType, maxPendingRecords int) *Loader {
	return &Loader{
		Base:     processor.NewBase(st, file, "LOADER", "LOAD", maxPendingRecords),
		FileType: ft,
		lineNum:  1,
		matchers: compileRecordMatchers(ft),
	}
}

// compileRecordMatchers precompiles every RecordType's recordMatches
// patterns, in declaration order, for later use by matchRecordType. A
// pattern is anchored and made a fullmatch (spec.md §4.4); config
// validation does not inspect recordMatches patterns.
func compileRecordMatchers(ft *config.FileType) []recordTypeMatcher {
	matchers := make([]recordTypeMatcher, 0, len(ft.RecordTypes))
	for _, rt := range ft.RecordTypes {
		m := recordTypeMatcher{recordTypeID: rt.ID}
		for _, pattern := range rt.RecordMatches {
			m.patterns = append(m.patterns, regexp.MustCompile("^(?:"+pattern+")$"))
		}
		matchers = append(matchers, m)
	}
	return matchers
}

// lineRecord is one physical line plus, for delimited files, its
// already-split columns (nil for fixed-width).
type lineRecord struct {
	raw     string
	columns []string
}

// beginProcessing claims NEW->LOADING, wipes any previously-loaded
// records for this file (the Loader's idempotent re-run contract), and
// clears LOAD-stage stats.
func (l *Loader) beginProcessing(ctx context.Context) error {
	if err := l.ClaimStatus(ctx, []string{model.FileNew}, model.FileLoading); err != nil {
		return err
	}
	if err := l.Store.DeleteRecordRange(ctx, l.File.ID); err != nil {
		return fmt.Errorf("loader: delete existing records: %w", err)
	}
	l.ClearStats("LOAD")
	l.File.HeaderColumns = nil
	if l.File.Times == nil {
		l.File.Times = model.Times{}
	}
	l.File.Times["loadingStart"] = time.Now()
	return nil
}

// closeProcessing finalizes stats/log once every line has been read.
func (l *Loader) closeProcessing() {
	l.File.Stats.TotalRows = l.lineNum - 1
	key := l.StepStatKey()
	stat := l.File.Stats.Steps[key]
	stat.Input = l.lineNum - 1
	l.File.Stats.Steps[key] = stat

	l.AppendFileLog(l.MakeLog(false, "Loaded records", "", ""))
	l.File.Times["loadingEnd"] = time.Now()
}

func hashColumns(columns []string) string {
	sum := md5.Sum([]byte(strings.Join(columns, ",")))
	return hex.EncodeToString(sum[:])
}

// newRecord builds one Record for line lineNum. recordType is nil for a
// LOAD_ERROR line (no RecordType matched).
func (l *Loader) newRecord(lineNum int, line lineRecord, recordType *int, status, logMsg string) *model.Record {
	columns := line.columns
	var hashCols []string
	if columns != nil {
		hashCols = columns
	} else {
		hashCols = []string{line.raw}
	}

	rec := &model.Record{
		ID:     model.RecordID(l.File.ID, lineNum),
		FileID: l.File.ID,
		Hash:   hashColumns(hashCols),
		Status: status,
	}
	if columns == nil {
		rec.RawLine = line.raw
	} else {
		rec.RawColumns = columns
	}
	if recordType != nil {
		rec.RecordType = *recordType
	}

	if logMsg != "" {
		entry := l.MakeLog(true, logMsg, "", "")
		rec.Log = append(rec.Log, entry)
		rec.RecentErrors = append(rec.RecentErrors, entry)
	}
	return rec
}

// createRecords consumes lines in chunks of MaxPendingUpdates, creating a
// Record per line and flushing each chunk to the store.
func (l *Loader) createRecords(ctx context.Context, lines func() (lineRecord, bool, error)) error {
	for {
		chunk := make([]lineRecord, 0, l.MaxPendingUpdates)
		for len(chunk) < l.MaxPendingUpdates {
			ln, ok, err := lines()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			chunk = append(chunk, ln)
		}
		if len(chunk) == 0 {
			return nil
		}

		records := make([]*model.Record, 0, len(chunk))
		for _, ln := range chunk {
			rt := l.matchRecordType(ln)
			if rt != nil {
				records = append(records, l.newRecord(l.lineNum, ln, rt, model.RecordLoaded, ""))
				key := l.StepStatKey(fmt.Sprint(*rt))
				l.IncrStepStat(key, "input")
				l.IncrStepStat(key, "success")
			} else {
				records = append(records, l.newRecord(l.lineNum, ln, nil, model.RecordLoadError, "No record type match found"))
			}
			l.lineNum++
		}

		if err := l.Store.InsertRecords(ctx, records); err != nil {
			return fmt.Errorf("loader: insert records: %w", err)
		}
		if err := l.FlushFile(ctx); err != nil {
			return err
		}
	}
}

// matchRecordType picks line's RecordType: the FileType's single
// RecordType if it declares only one, otherwise the first RecordType
// (in declaration order) whose recordMatches fullmatches the line's
// joined raw content. nil means no RecordType matched, which the caller
// turns into a LOAD_ERROR record.
func (l *Loader) matchRecordType(line lineRecord) *int {
	if len(l.FileType.RecordTypes) == 1 {
		id := l.FileType.RecordTypes[0].ID
		return &id
	}

	for _, m := range l.matchers {
		for _, pattern := range m.patterns {
			if pattern.MatchString(line.raw) {
				id := m.recordTypeID
				return &id
			}
		}
	}
	return nil
}

// Process runs the whole Loader stage end to end.
func (l *Loader) Process(ctx context.Context, runBody func(ctx context.Context) error) error {
	return processor.Process(ctx, l.Base, model.FileLoadError, func(ctx context.Context) error {
		if err := l.beginProcessing(ctx); err != nil {
			return err
		}
		if err := runBody(ctx); err != nil {
			return err
		}
		l.closeProcessing()
		l.File.Status = model.FileLoaded
		return nil
	})
}

// DelimitedLoader loads a CSV/TSV-style file, optionally with a header
// row, sniffing the actual delimiter only to warn on mismatch per
// spec.md §9(a). Header presence is taken from FileType.HasHeader as
// configured; the file is not sniffed for a header row.
type DelimitedLoader struct {
	*Loader
	localPath string
}

// NewDelimited constructs a DelimitedLoader reading localPath.
func NewDelimited(st store.Store, file *model.File, ft *config.FileType, localPath string, maxPendingRecords int) *DelimitedLoader {
	return &DelimitedLoader{Loader: New(st, file, ft, maxPendingRecords), localPath: localPath}
}

// Run executes the delimited load.
func (d *DelimitedLoader) Run(ctx context.Context) error {
	return d.Process(ctx, func(ctx context.Context) error {
		f, err := os.Open(d.localPath)
		if err != nil {
			return rierrors.NewConfigurationError(fmt.Sprintf("loader: open %s: %v", d.localPath, err))
		}
		defer f.Close()

		sep := d.FileType.DelimitedSeparator
		if sep == "" {
			sep = ","
		}

		if err := d.sniffAndWarn(f, sep); err != nil {
			return err
		}

		reader := csv.NewReader(f)
		reader.Comma = []rune(sep)[0]
		reader.FieldsPerRecord = -1

		if d.FileType.HasHeader {
			header, err := reader.Read()
			if err == io.EOF {
				return rierrors.NewConfigurationError("loader: file configured with a header but is empty")
			}
			if err != nil {
				return fmt.Errorf("loader: read header: %w", err)
			}
			if err := d.handleHeaderRow(ctx, header); err != nil {
				return err
			}
		}

		return d.createRecords(ctx, delimitedLineFunc(reader, sep))
	})
}

// sniffAndWarn reads a small sample to detect the actual delimiter,
// logging a warning (not failing) on mismatch (Open Question (a)).
func (d *DelimitedLoader) sniffAndWarn(f *os.File, configured string) error {
	sample := make([]byte, 8192)
	n, err := f.Read(sample)
	if err != nil && err != io.EOF {
		return fmt.Errorf("loader: sniff sample: %w", err)
	}
	if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
		return fmt.Errorf("loader: seek after sniff: %w", seekErr)
	}

	detected := sniffDelimiter(string(sample[:n]))
	if detected != "" && detected != configured {
		d.AppendFileLog(d.MakeLog(false, fmt.Sprintf(
			"Unexpected delimiter: expected %q but detected %q", configured, detected), "", ""))
	}
	return nil
}

// sniffDelimiter picks the most frequent of a small candidate set on the
// sample's first line, the same lightweight heuristic csv.Sniffer
// implements in the original Python loader.
func sniffDelimiter(sample string) string {
	firstLine := sample
	if idx := strings.IndexByte(sample, '\n'); idx >= 0 {
		firstLine = sample[:idx]
	}
	candidates := []string{",", "\t", "|", ";"}
	best, bestCount := "", 0
	for _, c := range candidates {
		count := strings.Count(firstLine, c)
		if count > bestCount {
			best, bestCount = c, count
		}
	}
	return best
}

// handleHeaderRow persists the header record, records the header
// columns on the File, and asserts the configured field headers are a
// subset of what the file actually has.
func (d *DelimitedLoader) handleHeaderRow(ctx context.Context, header []string) error {
	rec := d.newRecord(d.lineNum, lineRecord{columns: header}, intPtr(model.RecordTypeHeader), model.RecordLoaded, "")
	if err := d.Store.InsertRecords(ctx, []*model.Record{rec}); err != nil {
		return fmt.Errorf("loader: insert header record: %w", err)
	}
	d.File.HeaderColumns = append([]string{}, header...)

	if len(d.FileType.RecordTypes) != 1 {
		return rierrors.NewConfigurationError("file types with a header must declare exactly one record type")
	}

	columns := map[string]bool{}
	for _, c := range header {
		columns[c] = true
	}
	var missing []string
	for _, ft := range d.FileType.RecordTypes[0].FieldTypes {
		if !ft.Active || ft.HeaderColumn == "" {
			continue
		}
		if !columns[ft.HeaderColumn] {
			missing = append(missing, ft.HeaderColumn)
		}
	}
	if len(missing) > 0 {
		return rierrors.NewConfigurationError(fmt.Sprintf(
			"Unexpected file header: missing columns %v", missing))
	}

	if err := d.FlushFile(ctx); err != nil {
		return err
	}
	d.lineNum++
	return nil
}

func intPtr(v int) *int { return &v }

// delimitedLineFunc adapts a csv.Reader into the createRecords iterator
// contract, re-joining each row with sep into the raw line that
// recordMatches patterns are tested against. Record.Hash is computed from
// the columns, not from this re-joined line.
func delimitedLineFunc(reader *csv.Reader, sep string) func() (lineRecord, bool, error) {
	return func() (lineRecord, bool, error) {
		row, err := reader.Read()
		if err == io.EOF {
			return lineRecord{}, false, nil
		}
		if err != nil {
			return lineRecord{}, false, fmt.Errorf("loader: read row: %w", err)
		}
		return lineRecord{raw: strings.Join(row, sep), columns: row}, true, nil
	}
}

// FixedWidthLoader loads a file with one record per physical line and no
// delimiter; fields are sliced out later by internal/parser.
type FixedWidthLoader struct {
	*Loader
	localPath string
}

// NewFixedWidth constructs a FixedWidthLoader reading localPath.
func NewFixedWidth(st store.Store, file *model.File, ft *config.FileType, localPath string, maxPendingRecords int) *FixedWidthLoader {
	return &FixedWidthLoader{Loader: New(st, file, ft, maxPendingRecords), localPath: localPath}
}

// Run executes the fixed-width load.
func (fw *FixedWidthLoader) Run(ctx context.Context) error {
	return fw.Process(ctx, func(ctx context.Context) error {
		f, err := os.Open(fw.localPath)
		if err != nil {
			return rierrors.NewConfigurationError(fmt.Sprintf("loader: open %s: %v", fw.localPath, err))
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		return fw.createRecords(ctx, func() (lineRecord, bool, error) {
			for scanner.Scan() {
				line := strings.TrimRight(scanner.Text(), "\r\n")
				if line == "" {
					return lineRecord{}, false, nil
				}
				return lineRecord{raw: line}, true, nil
			}
			if err := scanner.Err(); err != nil {
				return lineRecord{}, false, fmt.Errorf("loader: scan: %w", err)
			}
			return lineRecord{}, false, nil
		})
	})
}

// LocalFilePath mirrors the Python loader's `{stem}-{fileId}{suffix}`
// renamed-on-disk convention, used by callers (e.g. the Copier) that
// stage the file before handing it to a Loader.
func LocalFilePath(location, name string, fileID int64) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(location, fmt.Sprintf("%s-%d%s", stem, fileID, ext))
}
