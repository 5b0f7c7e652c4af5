// Package model holds the wire/storage types persisted to the document
// store: File, Record, and their nested structures, mirroring the data
// model described for the pipeline.
package model

import "time"

// File status values. Transitions are enforced by the status scheduler
// and the stage-base CAS claim, never asserted here.
const (
	FileNew                     = "NEW"
	FileLoading                 = "LOADING"
	FileLoaded                  = "LOADED"
	FileLoadError               = "LOAD_ERROR"
	FileParsing                 = "PARSING"
	FileParsed                  = "PARSED"
	FileParseError              = "PARSE_ERROR"
	FileValidating              = "VALIDATING"
	FileValidated               = "VALIDATED"
	FileValidateError           = "VALIDATE_ERROR"
	FileWaitingApprovalToUpload = "WAITING_APPROVAL_TO_UPLOAD"
	FileApprovedToUpload        = "APPROVED_TO_UPLOAD"
	FileUploading               = "UPLOADING"
	FileUploaded                = "UPLOADED"
	FileUploadError              = "UPLOAD_ERROR"
	FileUploadingRetryPause      = "UPLOADING_RETRY_PAUSE"
	FileReporting                = "REPORTING"
	FileReportError               = "REPORT_ERROR"
	FileCompleted                 = "COMPLETED"
)

// Record status values, in ascending order per spec.md §4.1. The integer
// Rank below gives the "successful predecessor" ordering stages filter on.
const (
	RecordLoadError       = "LOAD_ERROR"
	RecordLoaded          = "LOADED"
	RecordParseError      = "PARSE_ERROR"
	RecordParsed          = "PARSED"
	RecordValidationError = "VALIDATION_ERROR"
	RecordValidated       = "VALIDATED"
	RecordUploadError     = "UPLOAD_ERROR"
	RecordUploaded        = "UPLOADED"
)

// RecordTypeHeader is the sentinel RecordType id assigned to header rows.
const RecordTypeHeader = -1

// RecordStatusRank orders record statuses for ">="-style comparisons
// (e.g. the Uploader's duplicate check: "status >= UPLOADED").
var RecordStatusRank = map[string]int{
	RecordLoadError:       0,
	RecordLoaded:          1,
	RecordParseError:      2,
	RecordParsed:          3,
	RecordValidationError: 4,
	RecordValidated:       5,
	RecordUploadError:     6,
	RecordUploaded:        7,
}

// ProcessingLog is one append-only log entry attached to a File or Record.
type ProcessingLog struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	IsError   bool      `json:"isError"`
	Message   string    `json:"message"`
	ErrorCode string    `json:"errorCode,omitempty"`
	APILogID  string    `json:"apiLogId,omitempty"`
	// FunctionConfigID identifies which validation/upload attachment
	// raised this log entry, if any; used by the Reporter's
	// failedFunctionConfigs filter. Zero means "not applicable".
	FunctionConfigID int `json:"functionConfigId,omitempty"`
}

// StepStat is one counter triple under File.Stats.Steps, keyed by
// "stagePrefix:recordTypeId[:fieldId[:functionConfigId]]".
type StepStat struct {
	Input   int `json:"input"`
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Stats is the aggregate counter block on a File.
type Stats struct {
	TotalRows int                 `json:"totalRows"`
	Steps     map[string]StepStat `json:"steps"`
}

// Times records start/end timestamps per stage, e.g. "loadingStart".
type Times map[string]time.Time

// OutputInstance is one scheduled/run instance of a File's Reporter output.
type OutputInstance struct {
	InstanceID       string     `json:"instanceId"`
	OutputName       string     `json:"outputName"`
	Status           string     `json:"status"` // PENDING, RUNNING, SUCCESS, ERROR
	StartTime        *time.Time `json:"startTime,omitempty"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	OutputFilename   string     `json:"outputFilename,omitempty"`
}

const (
	OutputInstancePending = "PENDING"
	OutputInstanceRunning = "RUNNING"
	OutputInstanceSuccess = "SUCCESS"
	OutputInstanceError   = "ERROR"
)

// IsTerminal reports whether this output instance no longer has work
// pending (used by the Status Scheduler to decide REPORTING -> COMPLETED).
func (o OutputInstance) IsTerminal() bool {
	return o.Status == OutputInstanceSuccess || o.Status == OutputInstanceError
}

// File is one ingested partner file.
type File struct {
	ID                int64                  `json:"_id"`
	PartnerID         int                    `json:"partnerId"`
	FileTypeID        int                    `json:"fileTypeId"`
	Name              string                 `json:"name"`
	Location          string                 `json:"location"`
	ByteSize          int64                  `json:"byteSize"`
	ContentHash       string                 `json:"contentHash"`
	Tags              map[string]string      `json:"tags"`
	Status            string                 `json:"status"`
	HeaderColumns     []string               `json:"headerColumns"`
	ParsedColumns     []string               `json:"parsedColumns"`
	ValidatedColumns  []string               `json:"validatedColumns"`
	Stats             Stats                  `json:"stats"`
	Times             Times                  `json:"times"`
	Log               []ProcessingLog        `json:"log"`
	RecentErrors      []ProcessingLog        `json:"recentErrors"`
	Outputs           []OutputInstance       `json:"outputs"`
	Updated           time.Time              `json:"updated"`
}

// RecordRange returns the canonical [lo, hi] _id range for all records
// belonging to this file (spec.md §6's "record-range filter").
func RecordRange(fileID int64) (lo, hi int64) {
	lo = fileID << 32
	hi = lo + (1<<32 - 1)
	return lo, hi
}

// RecordID builds the composite record id (fileId<<32)|lineNumber.
func RecordID(fileID int64, lineNumber int) int64 {
	return (fileID << 32) | int64(lineNumber)
}

// FileIDOf extracts the owning file id from a composite record id.
func FileIDOf(recordID int64) int64 {
	return recordID >> 32
}

// LineNumberOf extracts the line number from a composite record id.
func LineNumberOf(recordID int64) int {
	return int(recordID & 0xFFFFFFFF)
}

// Record is one row of one file.
type Record struct {
	ID                   int64             `json:"_id"`
	FileID               int64             `json:"fileId"`
	RawLine              string            `json:"rawLine,omitempty"`
	RawColumns           []string          `json:"rawColumns,omitempty"`
	Hash                 string            `json:"hash"`
	RecordType           int               `json:"recordType"`
	Status               string            `json:"status"`
	ParsedFields         map[string]string `json:"parsedFields"`
	ParsedFieldOrder     []string          `json:"-"`
	ValidatedFields      map[string]string `json:"validatedFields"`
	SharedKey            string            `json:"sharedKey,omitempty"`
	UploadConfirmationID string            `json:"uploadConfirmationId,omitempty"`
	AutoRetry            bool              `json:"autoRetry"`
	RetryCount           int               `json:"retryCount"`
	Log                  []ProcessingLog   `json:"log"`
	RecentErrors         []ProcessingLog   `json:"recentErrors"`
}
