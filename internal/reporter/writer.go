package reporter

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// rowWriter is the minimal streaming sink a Reporter writes through;
// implementations own directory creation and file lifecycle. Grounded
// on the teacher's internal/io/{csv,xlsx}.go writer shape, adapted from
// their buffer-then-flush whole-slice API to per-record streaming,
// since Reporter already knows every column ahead of time and may walk
// more records than comfortably fit in memory.
type rowWriter interface {
	WriteHeader(fields []string) error
	WriteRow(cells []string) error
	Close() error
}

// newRowWriter opens path for writing and returns the row writer for
// format ("csv" or "xlsx"), creating any missing parent directories.
func newRowWriter(format, path string) (rowWriter, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("reporter: create output directory %q: %w", dir, err)
		}
	}
	switch strings.ToLower(format) {
	case "", "csv":
		return newCSVRowWriter(path)
	case "xlsx":
		return newXLSXRowWriter(path)
	default:
		return nil, fmt.Errorf("reporter: unknown output format %q", format)
	}
}

type csvRowWriter struct {
	file   *os.File
	writer *csv.Writer
}

func newCSVRowWriter(path string) (*csvRowWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("reporter: create csv file %q: %w", path, err)
	}
	return &csvRowWriter{file: f, writer: csv.NewWriter(f)}, nil
}

func (w *csvRowWriter) WriteHeader(fields []string) error { return w.writer.Write(fields) }

func (w *csvRowWriter) WriteRow(cells []string) error { return w.writer.Write(cells) }

func (w *csvRowWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// xlsxRowWriter buffers rows in memory and saves once on Close;
// excelize has no incremental-flush writer, so this matches the
// teacher's own XLSXWriter.Write, which builds the whole sheet before
// one SaveAs call.
type xlsxRowWriter struct {
	path      string
	file      *excelize.File
	sheetName string
	nextRow   int
}

const defaultSheetName = "Sheet1"

func newXLSXRowWriter(path string) (*xlsxRowWriter, error) {
	f := excelize.NewFile()
	return &xlsxRowWriter{path: path, file: f, sheetName: defaultSheetName, nextRow: 1}, nil
}

func (w *xlsxRowWriter) writeRow(cells []string) error {
	values := make([]interface{}, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	cellName, err := excelize.CoordinatesToCellName(1, w.nextRow)
	if err != nil {
		return fmt.Errorf("reporter: coordinates for row %d: %w", w.nextRow, err)
	}
	if err := w.file.SetSheetRow(w.sheetName, cellName, &values); err != nil {
		return fmt.Errorf("reporter: write row %d: %w", w.nextRow, err)
	}
	w.nextRow++
	return nil
}

func (w *xlsxRowWriter) WriteHeader(fields []string) error { return w.writeRow(fields) }

func (w *xlsxRowWriter) WriteRow(cells []string) error { return w.writeRow(cells) }

func (w *xlsxRowWriter) Close() error {
	if err := w.file.SaveAs(w.path); err != nil {
		return fmt.Errorf("reporter: save xlsx file %q: %w", w.path, err)
	}
	return nil
}
