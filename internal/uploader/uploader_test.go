package uploader

import (
	"context"
	"fmt"
	"testing"

	"ingestpipe/internal/config"
	"ingestpipe/internal/model"
	"ingestpipe/internal/registry"
	"ingestpipe/internal/rierrors"
	"ingestpipe/internal/store"
)

type fakeCache struct {
	functions map[string]*config.Function
	configs   map[int]*config.FunctionConfig
}

func (f *fakeCache) Partner(int) (*config.Partner, bool)                 { return nil, false }
func (f *fakeCache) FileType(int, int) (*config.FileType, bool)          { return nil, false }
func (f *fakeCache) RecordType(int, int, int) (*config.RecordType, bool) { return nil, false }
func (f *fakeCache) Function(id string) (*config.Function, bool)         { fn, ok := f.functions[id]; return fn, ok }
func (f *fakeCache) FunctionConfig(id int) (*config.FunctionConfig, bool) {
	c, ok := f.configs[id]
	return c, ok
}

func singleUploadCache() *fakeCache {
	return &fakeCache{
		functions: map[string]*config.Function{
			"echo": {ID: "echo", Kind: config.FunctionRecordUpload, Source: config.FunctionSourceNative, Symbol: "echo"},
		},
		configs: map[int]*config.FunctionConfig{
			1: {ID: 1, FunctionID: "echo"},
		},
	}
}

func batchUploadCache() *fakeCache {
	return &fakeCache{
		functions: map[string]*config.Function{
			"batch": {ID: "batch", Kind: config.FunctionRecordUploadBatch, Source: config.FunctionSourceNative, Symbol: "batch"},
		},
		configs: map[int]*config.FunctionConfig{
			1: {ID: 1, FunctionID: "batch"},
		},
	}
}

func newRecord(file *model.File, line int, recType int, id, group string) *model.Record {
	return &model.Record{
		ID:         model.RecordID(file.ID, line),
		FileID:     file.ID,
		Status:     model.RecordValidated,
		RecordType: recType,
		Hash:       fmt.Sprintf("hash-%d", line),
		ValidatedFields: map[string]string{
			"id":    id,
			"group": group,
		},
	}
}

func TestUploaderSingleRecordUploadSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileApprovedToUpload}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{ID: 1, RecordTypes: []config.RecordType{
		{ID: 1001, UploadFunctionConfigID: 1},
	}}

	rec := newRecord(file, 1, 1001, "7", "")
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	reg := registry.New(nil)
	reg.RegisterUpload("echo", func(ctx context.Context, params []interface{}, fields map[string]string) (string, error) {
		return "conf-" + fields["id"], nil
	})

	u := New(st, file, ft, singleUploadCache(), reg)
	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.File.Status != model.FileCompleted {
		t.Fatalf("File.Status = %s, want %s", u.File.Status, model.FileCompleted)
	}

	got, _ := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	if got[0].Status != model.RecordUploaded {
		t.Fatalf("status = %s, want %s", got[0].Status, model.RecordUploaded)
	}
	if got[0].UploadConfirmationID != "conf-7" {
		t.Errorf("uploadConfirmationId = %q, want conf-7", got[0].UploadConfirmationID)
	}
}

func TestUploaderBatchGroupsByGroupKeyAndSplitsOnChange(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileApprovedToUpload}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{
		ID:                  1,
		UploadBatchGroupKey: "group",
		UploadBatchSize:     10,
		RecordTypes: []config.RecordType{
			{ID: 1001, UploadFunctionConfigID: 1},
		},
	}

	recs := []*model.Record{
		newRecord(file, 1, 1001, "1", "A"),
		newRecord(file, 2, 1001, "2", "A"),
		newRecord(file, 3, 1001, "3", "B"),
	}
	if err := st.InsertRecords(context.Background(), recs); err != nil {
		t.Fatalf("insert records: %v", err)
	}

	var batchSizes []int
	reg := registry.New(nil)
	reg.RegisterUploadBatch("batch", func(ctx context.Context, params []interface{}, fields []map[string]string) (string, error) {
		batchSizes = append(batchSizes, len(fields))
		return "ok", nil
	})

	u := New(st, file, ft, batchUploadCache(), reg)
	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(batchSizes) != 2 || batchSizes[0] != 2 || batchSizes[1] != 1 {
		t.Fatalf("batchSizes = %v, want [2 1]", batchSizes)
	}
}

func TestUploaderDuplicateHashWithinChunkIsRecordError(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileApprovedToUpload}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{ID: 1, RecordTypes: []config.RecordType{
		{ID: 1001, UploadFunctionConfigID: 1},
	}}

	rec1 := newRecord(file, 1, 1001, "1", "")
	rec2 := newRecord(file, 2, 1001, "2", "")
	rec2.Hash = rec1.Hash // force duplicate
	if err := st.InsertRecords(context.Background(), []*model.Record{rec1, rec2}); err != nil {
		t.Fatalf("insert records: %v", err)
	}

	reg := registry.New(nil)
	reg.RegisterUpload("echo", func(ctx context.Context, params []interface{}, fields map[string]string) (string, error) {
		return "conf", nil
	})

	u := New(st, file, ft, singleUploadCache(), reg)
	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	var uploaded, failed int
	for _, r := range got {
		switch r.Status {
		case model.RecordUploaded:
			uploaded++
		case model.RecordUploadError:
			failed++
		}
	}
	if uploaded != 1 || failed != 1 {
		t.Fatalf("uploaded=%d failed=%d, want 1 and 1", uploaded, failed)
	}
}

func TestUploaderAutoRetryErrorPausesFileForRetry(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileApprovedToUpload}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{ID: 1, RecordTypes: []config.RecordType{
		{ID: 1001, UploadFunctionConfigID: 1},
	}}

	rec := newRecord(file, 1, 1001, "1", "")
	if err := st.InsertRecords(context.Background(), []*model.Record{rec}); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	reg := registry.New(nil)
	reg.RegisterUpload("echo", func(ctx context.Context, params []interface{}, fields map[string]string) (string, error) {
		return "", rierrors.NewExecutionError("connection refused", true)
	})

	u := New(st, file, ft, singleUploadCache(), reg)
	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.File.Status != model.FileUploadingRetryPause {
		t.Fatalf("File.Status = %s, want %s", u.File.Status, model.FileUploadingRetryPause)
	}

	got, _ := st.FindRecords(context.Background(), store.RecordFilter{FileID: file.ID}, 0, 10)
	if got[0].Status != model.RecordValidated {
		t.Fatalf("status = %s, want %s (reset for retry)", got[0].Status, model.RecordValidated)
	}
	if got[0].RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", got[0].RetryCount)
	}
}

func TestUploaderBatchFunctionRejectsMultiRecordOnSingleKind(t *testing.T) {
	st := store.NewMemoryStore()
	file := &model.File{Status: model.FileApprovedToUpload}
	_ = st.InsertFile(context.Background(), file)

	ft := &config.FileType{ID: 1, UploadBatchSize: 10, RecordTypes: []config.RecordType{
		{ID: 1001, UploadFunctionConfigID: 1},
	}}

	recs := []*model.Record{
		newRecord(file, 1, 1001, "1", ""),
		newRecord(file, 2, 1001, "2", ""),
	}
	if err := st.InsertRecords(context.Background(), recs); err != nil {
		t.Fatalf("insert records: %v", err)
	}

	reg := registry.New(nil)
	reg.RegisterUpload("echo", func(ctx context.Context, params []interface{}, fields map[string]string) (string, error) {
		return "conf", nil
	})

	u := New(st, file, ft, singleUploadCache(), reg)
	if err := u.Run(context.Background()); err == nil {
		t.Fatal("expected a configuration error for a non-batch function receiving multiple records")
	}
	if u.File.Status != model.FileUploadError {
		t.Errorf("File.Status = %s, want %s", u.File.Status, model.FileUploadError)
	}
}
