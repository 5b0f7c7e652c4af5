package parser

import (
	"context"
	"testing"

	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/store"
)

func columnIndex(i int) *int { return &i }
func charRange(a, b int) (*int, *int) { return &a, &b }

func TestDelimitedParserByColumnIndex(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileLoaded}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1001, FieldTypes: []config.FieldType{
				{Name: "id", ColumnIndex: columnIndex(0), Active: true, IsSharedKey: true},
				{Name: "name", ColumnIndex: columnIndex(1), Active: true},
			}},
		},
	}

	rec := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordLoaded,
		RecordType: 1001, RawColumns: []string{"7", "Alice"}}
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	p := NewDelimited(st, file, ft, 1)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.File.Status != model.FileParsed {
		t.Fatalf("File.Status = %s, want %s", p.File.Status, model.FileParsed)
	}

	got, err := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	if err != nil {
		t.Fatalf("find records: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if got[0].ParsedFields["id"] != "7" || got[0].ParsedFields["name"] != "Alice" {
		t.Errorf("parsedFields = %v", got[0].ParsedFields)
	}
	if got[0].SharedKey != "7" {
		t.Errorf("sharedKey = %q, want 7", got[0].SharedKey)
	}
	if got[0].Status != model.RecordParsed {
		t.Errorf("status = %s, want %s", got[0].Status, model.RecordParsed)
	}
}

func TestDelimitedParserByHeader(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileLoaded, HeaderColumns: []string{"ID", "Name", "Extra"}}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1001, FieldTypes: []config.FieldType{
				{Name: "id", HeaderColumn: "ID", Active: true},
				{Name: "name", HeaderColumn: "Name", Active: true},
			}},
		},
	}

	rec := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordLoaded,
		RecordType: 1001, RawColumns: []string{"9", "Bob", "ignored"}}
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	p := NewDelimited(st, file, ft, 1)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	if got[0].ParsedFields["id"] != "9" || got[0].ParsedFields["name"] != "Bob" {
		t.Errorf("parsedFields = %v", got[0].ParsedFields)
	}
}

func TestDelimitedParserShortRowIsParseError(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileLoaded}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1001, FieldTypes: []config.FieldType{
				{Name: "id", ColumnIndex: columnIndex(0), Active: true},
				{Name: "name", ColumnIndex: columnIndex(1), Active: true},
			}},
		},
	}

	rec := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordLoaded,
		RecordType: 1001, RawColumns: []string{"1"}}
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	p := NewDelimited(st, file, ft, 1)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	if got[0].Status != model.RecordParseError {
		t.Errorf("status = %s, want %s", got[0].Status, model.RecordParseError)
	}
	if len(got[0].RecentErrors) != 1 {
		t.Fatalf("expected one recentErrors entry, got %d", len(got[0].RecentErrors))
	}
}

func TestFixedWidthParserSlicesFields(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileLoaded}
	_ = st.InsertFile(context.Background(), file)

	idStart, idEnd := charRange(1, 3)
	nameStart, nameEnd := charRange(4, 5)
	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1001, FieldTypes: []config.FieldType{
				{Name: "id", CharRangeStart: idStart, CharRangeEnd: idEnd, Active: true},
				{Name: "name", CharRangeStart: nameStart, CharRangeEnd: nameEnd, Active: true},
			}},
		},
	}

	rec := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordLoaded,
		RecordType: 1001, RawLine: "007Al  "}
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	p := NewFixedWidth(st, file, ft, 1)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	if got[0].ParsedFields["id"] != "007" {
		t.Errorf("id = %q, want 007", got[0].ParsedFields["id"])
	}
	if got[0].ParsedFields["name"] != "Al" {
		t.Errorf("name = %q, want Al", got[0].ParsedFields["name"])
	}
}

func TestParserRejectsHeaderWithMultipleRecordTypes(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileLoaded, HeaderColumns: []string{"a"}}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{
		ID: 1,
		RecordTypes: []config.RecordType{
			{ID: 1, FieldTypes: []config.FieldType{{Name: "a", Active: true}}},
			{ID: 2, FieldTypes: []config.FieldType{{Name: "b", Active: true}}},
		},
	}

	p := NewDelimited(st, file, ft, 1)
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected a ConfigurationError for header + multiple record types")
	}
}
