package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"workledger/internal/domain"
	"workledger/internal/report"
)

// ReportFormat selects the encoding of written reports.
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatYAML ReportFormat = "yaml"
)

// EncodeReport renders a report in the given format.
func EncodeReport(report *domain.AuditReport, format ReportFormat) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to generate JSON report: %w", err)
	}
	switch format {
	case FormatJSON, "":
		return append(data, '\n'), nil
	case FormatYAML:
		out, err := yaml.JSONToYAML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to generate YAML report: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown report format %q", format)
}

// WriterReportStore writes each report to an io.Writer.
type WriterReportStore struct {
	w      io.Writer
	format ReportFormat
}

// NewWriterReportStore creates a store writing to w, e.g. os.Stdout.
func NewWriterReportStore(w io.Writer, format ReportFormat) *WriterReportStore {
	return &WriterReportStore{w: w, format: format}
}

// Save implements report.ReportStore.
func (s *WriterReportStore) Save(_ context.Context, report *domain.AuditReport) error {
	data, err := EncodeReport(report, s.format)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// FileReportStore writes each report to its own file in a directory, named
// after the run id. Files are created exclusively so history is never
// overwritten.
type FileReportStore struct {
	dir    string
	format ReportFormat
}

// NewFileReportStore creates a store writing into dir.
func NewFileReportStore(dir string, format ReportFormat) *FileReportStore {
	return &FileReportStore{dir: dir, format: format}
}

// Save implements report.ReportStore.
func (s *FileReportStore) Save(_ context.Context, report *domain.AuditReport) error {
	data, err := EncodeReport(report, s.format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	ext := string(s.format)
	if ext == "" {
		ext = string(FormatJSON)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("report-%s.%s", report.RunID, ext))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write report file: %w", err)
	}
	return f.Close()
}

var (
	_ report.ReportStore = (*WriterReportStore)(nil)
	_ report.ReportStore = (*FileReportStore)(nil)
	_ report.ReportStore = (*PostgresReportStore)(nil)
	_ report.ReportStore = (*KafkaReportStore)(nil)
	_ report.ReportStore = MultiReportStore(nil)
)

// MultiReportStore saves a report to several stores in order and stops at the
// first failure.
type MultiReportStore []report.ReportStore

// Save implements report.ReportStore.
func (m MultiReportStore) Save(ctx context.Context, report *domain.AuditReport) error {
	for _, s := range m {
		if err := s.Save(ctx, report); err != nil {
			return err
		}
	}
	return nil
}
