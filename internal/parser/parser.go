// Package parser implements the Parser stage (spec.md §4.4): it turns
// each LOADED Record's raw columns/line into a named `parsedFields`
// map, keyed by each RecordType's FieldTypes, and computes the
// record's shared key. Grounded on
// original_source/.../parser.py's Parser/DelimitedParser/FixedWidthParser.
package parser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/processor"
	"ingestpipe/internal/rierrors"
	"ingestpipe/internal/store"
)

// Parser is the shared state for both variants: fieldnames-by-position
// and shared-key field names, computed once per RecordType before the
// chunked record loop begins.
type Parser struct {
	*processor.Base
	FileType *config.FileType

	// fieldnamesByRecordType maps a RecordType id to a position-indexed
	// list of field names (nil entries are unmapped columns).
	fieldnamesByRecordType map[int][]string
	sharedKeysByRecordType map[int][]string
}

func newParser(st store.Store, file *model.File, ft *config.FileType, maxPendingRecords int) *Parser {
	return &Parser{
		Base:                   processor.NewBase(st, file, "PARSER", "PARSE", maxPendingRecords),
		FileType:               ft,
		fieldnamesByRecordType: map[int][]string{},
		sharedKeysByRecordType: map[int][]string{},
	}
}

// buildSharedKeys populates sharedKeysByRecordType from each RecordType's
// active, isSharedKey FieldTypes, in FieldType declaration order.
func (p *Parser) buildSharedKeys() {
	for _, rt := range p.FileType.RecordTypes {
		var keys []string
		for _, f := range rt.FieldTypes {
			if f.Active && f.IsSharedKey {
				keys = append(keys, f.Name)
			}
		}
		p.sharedKeysByRecordType[rt.ID] = keys
	}
}

// sharedKeyFor joins the shared-key fields' parsed values with "++", the
// same separator original_source's parser.py uses.
func (p *Parser) sharedKeyFor(recordType int, parsed map[string]string) string {
	keys := p.sharedKeysByRecordType[recordType]
	if len(keys) == 0 {
		return ""
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = parsed[k]
	}
	return strings.Join(parts, "++")
}

func (p *Parser) beginProcessing(ctx context.Context) error {
	if len(p.File.HeaderColumns) > 0 && len(p.FileType.RecordTypes) > 1 {
		return rierrors.NewConfigurationError("file has a header row but its file type declares more than one record type")
	}
	if err := p.ClaimStatus(ctx, []string{model.FileLoaded}, model.FileParsing); err != nil {
		return err
	}
	p.ClearStats("PARSE")
	if p.File.Times == nil {
		p.File.Times = model.Times{}
	}
	p.File.Times["parsingStart"] = time.Now()
	p.buildSharedKeys()
	return nil
}

func (p *Parser) closeProcessing() {
	p.AppendFileLog(p.MakeLog(false, "Parsed records", "", ""))
	p.File.Times["parsingEnd"] = time.Now()
}

// run drives the chunked record loop: fetch a page of LOADED records,
// transform each via processOne, queue the resulting update, repeat
// until the store returns an empty page.
func (p *Parser) run(ctx context.Context, processOne func(*model.Record) store.RecordUpdate) error {
	offset := 0
	for {
		filter := p.RecordFilterForRange(model.RecordLoaded)
		chunk, err := p.FetchChunk(ctx, filter, offset)
		if err != nil {
			return fmt.Errorf("parser: fetch chunk: %w", err)
		}
		if len(chunk) == 0 {
			break
		}
		for _, rec := range chunk {
			upd := processOne(rec)
			p.QueueRecordUpdate(store.RecordUpdate{ID: rec.ID, Update: upd})
			if err := p.MaybeFlush(ctx); err != nil {
				return err
			}
		}
		// Flushed records have left the LOADED set; only the still-pending
		// ones remain ahead of the unprocessed records.
		offset = p.PendingUpdateCount()
	}
	return p.Flush(ctx)
}

// DelimitedParser parses CSV/TSV-style rows, either header-mapped (when
// File.HeaderColumns was populated by the Loader) or column-index-mapped.
type DelimitedParser struct {
	*Parser
}

// NewDelimited constructs a DelimitedParser.
func NewDelimited(st store.Store, file *model.File, ft *config.FileType, maxPendingRecords int) *DelimitedParser {
	return &DelimitedParser{Parser: newParser(st, file, ft, maxPendingRecords)}
}

// computeFieldnames builds the position-indexed fieldname list for every
// RecordType, either from the file's header columns or from each
// FieldType's declared ColumnIndex.
func (d *DelimitedParser) computeFieldnames() error {
	for _, rt := range d.FileType.RecordTypes {
		if len(d.File.HeaderColumns) > 0 {
			byHeader := map[string]string{}
			for _, f := range rt.FieldTypes {
				if f.Active {
					byHeader[f.HeaderColumn] = f.Name
				}
			}
			names := make([]string, len(d.File.HeaderColumns))
			for i, col := range d.File.HeaderColumns {
				names[i] = byHeader[col]
			}
			d.fieldnamesByRecordType[rt.ID] = names

			var parsedColumns []string
			for _, name := range byHeader {
				parsedColumns = append(parsedColumns, name)
			}
			d.File.ParsedColumns = parsedColumns
		} else {
			if len(rt.FieldTypes) == 0 {
				return rierrors.NewConfigurationError(fmt.Sprintf("record type %d declares no field types", rt.ID))
			}
			maxIdx := -1
			byIndex := map[int]string{}
			for _, f := range rt.FieldTypes {
				if !f.Active || f.ColumnIndex == nil {
					continue
				}
				byIndex[*f.ColumnIndex] = f.Name
				if *f.ColumnIndex > maxIdx {
					maxIdx = *f.ColumnIndex
				}
			}
			names := make([]string, maxIdx+1)
			for idx, name := range byIndex {
				names[idx] = name
			}
			d.fieldnamesByRecordType[rt.ID] = names
		}
	}
	return nil
}

// Run executes the delimited parse over every LOADED record.
func (d *DelimitedParser) Run(ctx context.Context) error {
	return processor.Process(ctx, d.Base, model.FileParseError, func(ctx context.Context) error {
		if err := d.beginProcessing(ctx); err != nil {
			return err
		}
		if err := d.computeFieldnames(); err != nil {
			return err
		}
		if err := d.run(ctx, d.parseOne); err != nil {
			return err
		}
		d.closeProcessing()
		d.File.Status = model.FileParsed
		return nil
	})
}

func (d *DelimitedParser) parseOne(rec *model.Record) store.RecordUpdate {
	statKey := d.StepStatKey(fmt.Sprint(rec.RecordType))
	d.IncrStepStat(statKey, "input")

	fieldnames := d.fieldnamesByRecordType[rec.RecordType]
	row := rec.RawColumns

	if len(row) < len(fieldnames) {
		entry := d.MakeLog(true, fmt.Sprintf(
			"Fewer values than fields: found %d values but expected at least %d", len(row), len(fieldnames)),
			rierrors.CodeOtherConfiguration, "")
		rec.Status = model.RecordParseError
		rec.Log = append(rec.Log, entry)
		rec.RecentErrors = append(rec.RecentErrors, entry)
		d.IncrStepStat(statKey, "failure")

		upd := store.NewUpdate()
		upd.SetField("status", rec.Status)
		upd.SetField("log", rec.Log)
		upd.SetField("recentErrors", rec.RecentErrors)
		return *upd
	}

	parsed := map[string]string{}
	for i, v := range row {
		if i >= len(fieldnames) || fieldnames[i] == "" {
			continue
		}
		parsed[fieldnames[i]] = v
	}
	rec.ParsedFields = parsed
	rec.Status = model.RecordParsed
	rec.SharedKey = d.sharedKeyFor(rec.RecordType, parsed)
	d.IncrStepStat(statKey, "success")

	upd := store.NewUpdate()
	upd.SetField("parsedFields", rec.ParsedFields)
	upd.SetField("status", rec.Status)
	upd.SetField("sharedKey", rec.SharedKey)
	return *upd
}

// FixedWidthParser slices fixed character ranges out of each record's
// raw line.
type FixedWidthParser struct {
	*Parser
	fieldsByRecordType map[int][]fixedField
}

type fixedField struct {
	start, end int // zero-based, end-exclusive — already converted from 1-based inclusive
	name       string
}

// NewFixedWidth constructs a FixedWidthParser.
func NewFixedWidth(st store.Store, file *model.File, ft *config.FileType, maxPendingRecords int) *FixedWidthParser {
	return &FixedWidthParser{
		Parser:             newParser(st, file, ft, maxPendingRecords),
		fieldsByRecordType: map[int][]fixedField{},
	}
}

func (f *FixedWidthParser) computeFields() {
	for _, rt := range f.FileType.RecordTypes {
		var fields []fixedField
		for _, ft := range rt.FieldTypes {
			if !ft.Active || ft.CharRangeStart == nil || ft.CharRangeEnd == nil {
				continue
			}
			fields = append(fields, fixedField{
				start: *ft.CharRangeStart - 1,
				end:   *ft.CharRangeEnd,
				name:  ft.Name,
			})
		}
		f.fieldsByRecordType[rt.ID] = fields
	}
}

// Run executes the fixed-width parse over every LOADED record.
func (f *FixedWidthParser) Run(ctx context.Context) error {
	return processor.Process(ctx, f.Base, model.FileParseError, func(ctx context.Context) error {
		if err := f.beginProcessing(ctx); err != nil {
			return err
		}
		f.computeFields()
		if err := f.run(ctx, f.parseOne); err != nil {
			return err
		}
		f.closeProcessing()
		f.File.Status = model.FileParsed
		return nil
	})
}

func (f *FixedWidthParser) parseOne(rec *model.Record) store.RecordUpdate {
	statKey := f.StepStatKey(fmt.Sprint(rec.RecordType))
	f.IncrStepStat(statKey, "input")

	parsed := map[string]string{}
	for _, field := range f.fieldsByRecordType[rec.RecordType] {
		parsed[field.name] = sliceClamp(rec.RawLine, field.start, field.end)
	}
	rec.ParsedFields = parsed
	rec.Status = model.RecordParsed
	rec.SharedKey = f.sharedKeyFor(rec.RecordType, parsed)
	f.IncrStepStat(statKey, "success")

	upd := store.NewUpdate()
	upd.SetField("parsedFields", rec.ParsedFields)
	upd.SetField("status", rec.Status)
	upd.SetField("sharedKey", rec.SharedKey)
	return *upd
}

// sliceClamp returns strings.TrimSpace(line[start:end]), clamping both
// bounds to the line's length so a short line yields "" rather than
// panicking (original_source's line[f[0][0]:f[0][1]] relies on Python's
// forgiving slice semantics for the same case).
func sliceClamp(line string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if start > len(line) {
		return ""
	}
	if end > len(line) {
		end = len(line)
	}
	if end < start {
		return ""
	}
	return strings.TrimSpace(line[start:end])
}
