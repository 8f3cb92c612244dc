package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workledger/internal/domain"
)

func sampleReport() *domain.AuditReport {
	return &domain.AuditReport{
		RunID:       "7d3f0a52-8f0e-4c1b-9a55-0d2b7d9b6c11",
		GeneratedAt: time.Date(2025, 2, 1, 9, 30, 0, 0, time.UTC),
		Digest:      "abc123",
		Config:      domain.DefaultRunConfig(),
		Summary: domain.Summary{
			RecordsReconciled: 2,
			Groups:            1,
			ByStatus:          map[domain.GroupStatus]int{domain.StatusMatched: 1},
		},
		Groups: []domain.ReconciliationGroup{{
			Key:    domain.MatchKey{SubjectID: "E-100", WorkItemID: "PAY-12", PeriodBucket: "2025-01-06"},
			Status: domain.StatusMatched,
			Unit:   domain.UnitHours,
		}},
	}
}

func TestEncodeReport(t *testing.T) {
	report := sampleReport()

	t.Run("json", func(t *testing.T) {
		data, err := EncodeReport(report, FormatJSON)
		require.NoError(t, err)

		var decoded domain.AuditReport
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, report.RunID, decoded.RunID)
		assert.Equal(t, report.Groups[0].Key, decoded.Groups[0].Key)
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := EncodeReport(report, FormatYAML)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, yaml.Unmarshal(data, &decoded))
		assert.Equal(t, report.RunID, decoded["run_id"])
		assert.Equal(t, "abc123", decoded["digest"])
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := EncodeReport(report, ReportFormat("xml"))
		assert.Error(t, err)
	})
}

func TestWriterReportStore_Save(t *testing.T) {
	var buf bytes.Buffer
	store := NewWriterReportStore(&buf, FormatJSON)

	require.NoError(t, store.Save(context.Background(), sampleReport()))
	assert.Contains(t, buf.String(), `"run_id": "7d3f0a52-8f0e-4c1b-9a55-0d2b7d9b6c11"`)
}

func TestFileReportStore_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	store := NewFileReportStore(dir, FormatYAML)
	report := sampleReport()

	require.NoError(t, store.Save(context.Background(), report))

	path := filepath.Join(dir, "report-"+report.RunID+".yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, report.RunID, decoded["run_id"])

	// a report file is written once
	err = store.Save(context.Background(), report)
	assert.ErrorIs(t, err, os.ErrExist)
}

type recordingStore struct {
	saved []string
	err   error
}

func (s *recordingStore) Save(_ context.Context, report *domain.AuditReport) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, report.RunID)
	return nil
}

func TestMultiReportStore_Save(t *testing.T) {
	report := sampleReport()

	t.Run("saves to every store", func(t *testing.T) {
		a, b := &recordingStore{}, &recordingStore{}
		require.NoError(t, MultiReportStore{a, b}.Save(context.Background(), report))
		assert.Equal(t, []string{report.RunID}, a.saved)
		assert.Equal(t, []string{report.RunID}, b.saved)
	})

	t.Run("stops at first failure", func(t *testing.T) {
		boom := errors.New("disk full")
		a, b := &recordingStore{err: boom}, &recordingStore{}
		err := MultiReportStore{a, b}.Save(context.Background(), report)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, b.saved)
	})
}
