package reporter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/store"
)

func TestReporterWritesExceptionCSVWithHeaderAndErrorsColumn(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{
		Status:        model.FileUploaded,
		Name:          "partner-20260101.csv",
		HeaderColumns: []string{"ID", "COL_2", "COL_3", "COL_4"},
		Outputs: []model.OutputInstance{
			{InstanceID: "inst-1", OutputName: "Exception Report", Status: model.OutputInstanceRunning},
		},
	}
	_ = st.InsertFile(context.Background(), file)

	ok := &model.Record{ID: model.RecordID(file.ID, 1), FileID: file.ID, Status: model.RecordValidated,
		RawColumns: []string{"1", "a", "b", "c"}}
	bad := &model.Record{ID: model.RecordID(file.ID, 2), FileID: file.ID, Status: model.RecordValidationError,
		RawColumns: []string{"2", "d", "e", "f"},
		RecentErrors: []model.ProcessingLog{{Message: "bad id"}}}
	if err := st.InsertRecords(context.Background(), []*model.Record{ok, bad}); err != nil {
		t.Fatalf("insert records: %v", err)
	}

	root := t.TempDir()
	partner := &config.Partner{OutgoingDirectory: "outgoing"}
	output := &config.Output{
		Name:                 "Exception Report",
		Format:               "csv",
		Header:               true,
		FilePathPattern:      "{ORIG_FILE_STEM}-EXCEPTIONS.CSV",
		DuplicateInputFields: true,
		IncludeRecentErrors:  true,
		RecordStatuses:       []string{model.RecordValidationError, model.RecordUploadError},
	}

	r := New(st, file, partner, output, "inst-1", root)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := filepath.Join(root, "outgoing", "partner-20260101-EXCEPTIONS.CSV")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	contents := string(data)
	if !strings.Contains(contents, "ID,COL_2,COL_3,COL_4,Errors") {
		t.Errorf("missing header in output:\n%s", contents)
	}
	if !strings.Contains(contents, "bad id") {
		t.Errorf("missing error message in output:\n%s", contents)
	}
	if strings.Contains(contents, "1,a,b,c") {
		t.Errorf("expected only the VALIDATION_ERROR record, got the VALIDATED one too:\n%s", contents)
	}

	if file.Status != model.FileUploaded {
		t.Errorf("File.Status = %s, want unchanged %s", file.Status, model.FileUploaded)
	}
	if file.Outputs[0].Status != model.OutputInstanceSuccess {
		t.Errorf("OutputInstance.Status = %s, want %s", file.Outputs[0].Status, model.OutputInstanceSuccess)
	}
	if file.Outputs[0].OutputFilename != path {
		t.Errorf("OutputInstance.OutputFilename = %q, want %q", file.Outputs[0].OutputFilename, path)
	}
}

func TestReporterMissingFilePathPatternFailsInstanceNotFile(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{
		Status: model.FileUploaded,
		Name:   "x.csv",
		Outputs: []model.OutputInstance{
			{InstanceID: "inst-1", Status: model.OutputInstanceRunning},
		},
	}
	_ = st.InsertFile(context.Background(), file)

	output := &config.Output{Name: "broken", Format: "csv"}
	r := New(st, file, &config.Partner{}, output, "inst-1", t.TempDir())
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected an error for a missing filePathPattern")
	}
	if file.Status != model.FileUploaded {
		t.Errorf("File.Status = %s, want unchanged %s", file.Status, model.FileUploaded)
	}
	if file.Outputs[0].Status != model.OutputInstanceError {
		t.Errorf("OutputInstance.Status = %s, want %s", file.Outputs[0].Status, model.OutputInstanceError)
	}
}
