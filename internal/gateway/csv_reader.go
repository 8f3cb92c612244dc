package gateway

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"workledger/internal/domain"
)

// schemaVersionColumn, when present, overrides the input's schema version for
// the rows that fill it.
const schemaVersionColumn = "schema_version"

// CSVRecordRepository implements the RecordRepository interface for CSV exports.
// Each file has a header row naming the fields of its source schema.
type CSVRecordRepository struct{}

// NewCSVRecordRepository creates a new repository instance.
func NewCSVRecordRepository() *CSVRecordRepository {
	return &CSVRecordRepository{}
}

// GetRawRecords reads and parses one source export.
func (r *CSVRecordRepository) GetRawRecords(ctx context.Context, input domain.SourceInput) ([]domain.RawRecord, error) {
	file, err := os.Open(input.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s export %s: %w", input.Source, input.Path, err)
	}
	defer file.Close()

	return ReadRawRecords(ctx, file, input, filepath.Base(input.Path))
}

// ReadRawRecords parses CSV rows into raw records. name prefixes each record's
// reference, which points at the 1-based line of the row.
func ReadRawRecords(ctx context.Context, src io.Reader, input domain.SourceInput, name string) ([]domain.RawRecord, error) {
	reader := csv.NewReader(src)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header from %s: %w", name, err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var records []domain.RawRecord
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading record from %s: %w", name, err)
		}

		line, _ := reader.FieldPos(0)
		fields := make(map[string]string, len(header))
		for i, column := range header {
			fields[column] = row[i]
		}

		version := input.SchemaVersion
		if v := strings.TrimSpace(fields[schemaVersionColumn]); v != "" {
			version = v
		}
		records = append(records, domain.RawRecord{
			SourceSystem:  input.Source,
			SchemaVersion: version,
			Reference:     name + "#" + strconv.Itoa(line),
			Fields:        fields,
		})
	}
	return records, nil
}
