package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workledger/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.DefaultRunConfig(), cfg.Run)
	assert.Equal(t, "-", cfg.Report.Output)
	assert.Equal(t, "json", cfg.Report.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_File(t *testing.T) {
	path := writeFile(t, "reconciler.yaml", `
reconciliation:
  tolerance:
    absolute: 0.5
    relative: 0.1
  bucket_width: month
  expected_sources:
    default: [timesheet, BILLING]
    by_work_item_type:
      OPS: [TIMESHEET]
  error_mode: fail-fast
  workers: 2
  timeout: 30s
aliases:
  file: aliases.yaml
report:
  output: reports
  format: yaml
log:
  level: debug
  format: json
`)

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, domain.RunConfig{
		Tolerance:   domain.Tolerance{Absolute: 0.5, Relative: 0.1},
		BucketWidth: domain.BucketMonth,
		ExpectedSources: domain.ExpectedSources{
			Default:        []domain.SourceSystem{domain.SourceTimesheet, domain.SourceBilling},
			ByWorkItemType: map[string][]domain.SourceSystem{"OPS": {domain.SourceTimesheet}},
		},
		ErrorMode: domain.ErrorModeFailFast,
		Workers:   2,
		Timeout:   30 * time.Second,
	}, cfg.Run)
	assert.Equal(t, "aliases.yaml", cfg.Aliases.File)
	assert.Equal(t, "reports", cfg.Report.Output)
	assert.Equal(t, "yaml", cfg.Report.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "reconciler.yaml", "reconciliation:\n  workers: 2\n")
	t.Setenv("RECONCILER_RECONCILIATION_WORKERS", "8")
	t.Setenv("RECONCILER_REPORT_KAFKA_BROKERS", "localhost:9092,localhost:9093")

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Run.Workers)
	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, cfg.Report.Kafka.Brokers)
}

func TestLoader_EnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "RECONCILER_RECONCILIATION_ERROR_MODE=fail-fast\n")
	t.Cleanup(func() { os.Unsetenv("RECONCILER_RECONCILIATION_ERROR_MODE") })

	cfg, err := NewLoader(envFile, filepath.Join(t.TempDir(), "missing.env")).Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorModeFailFast, cfg.Run.ErrorMode)
}

func TestLoader_FlagOverridesEnv(t *testing.T) {
	t.Setenv("RECONCILER_REPORT_FORMAT", "json")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("format", "json", "")
	require.NoError(t, flags.Parse([]string{"--format", "yaml"}))

	loader := NewLoader()
	require.NoError(t, loader.BindFlag("report.format", flags.Lookup("format")))
	cfg, err := loader.Load("")
	require.NoError(t, err)
	assert.Equal(t, "yaml", cfg.Report.Format)

	assert.Error(t, loader.BindFlag("report.output", flags.Lookup("missing")))
}

func TestLoader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{
			name:    "negative tolerance",
			content: "reconciliation:\n  tolerance:\n    absolute: -1\n",
			field:   "tolerance.absolute",
		},
		{
			name:    "unknown bucket width",
			content: "reconciliation:\n  bucket_width: fortnight\n",
			field:   "bucket_width",
		},
		{
			name:    "unknown source",
			content: "reconciliation:\n  expected_sources:\n    default: [PAYROLL]\n",
			field:   "reconciliation.expected_sources.default",
		},
		{
			name:    "unknown report format",
			content: "report:\n  format: xml\n",
			field:   "report.format",
		},
		{
			name:    "kafka without topic",
			content: "report:\n  kafka:\n    brokers: [localhost:9092]\n    topic: \"\"\n",
			field:   "report.kafka.topic",
		},
		{
			name:    "no sink",
			content: "report:\n  output: \"\"\n",
			field:   "report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "reconciler.yaml", tt.content)
			_, err := NewLoader().Load(path)
			require.ErrorIs(t, err, domain.ErrConfigurationInvalid)

			var cfgErr *domain.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
