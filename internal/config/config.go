// Package config loads reconciler configuration from, in increasing order of
// precedence, defaults, a YAML config file, .env files, RECONCILER_*
// environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"workledger/internal/domain"
	"workledger/internal/logging"
)

// EnvPrefix prefixes every environment variable read by the loader, e.g.
// RECONCILER_RECONCILIATION_WORKERS.
const EnvPrefix = "RECONCILER"

// Config is the full configuration of one reconciler process.
type Config struct {
	Run     domain.RunConfig
	Aliases AliasConfig
	Report  ReportConfig
	Log     logging.Config
	Metrics MetricsConfig
}

// AliasConfig locates the alias stores. Both may be set; the file is seeded
// into Redis when both are.
type AliasConfig struct {
	File     string `mapstructure:"file"`
	RedisURL string `mapstructure:"redis_url"`
}

// ReportConfig selects the report sinks. Every configured sink receives the
// report.
type ReportConfig struct {
	// Output is "-" for stdout, a directory for one file per run, or empty.
	Output      string      `mapstructure:"output"`
	Format      string      `mapstructure:"format"`
	PostgresDSN string      `mapstructure:"postgres_dsn"`
	Kafka       KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig configures the report publisher.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	Topic             string   `mapstructure:"topic"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
}

// MetricsConfig configures run metrics export.
type MetricsConfig struct {
	// TextFile, when set, receives the registry in Prometheus text format
	// after each run, for the node exporter textfile collector.
	TextFile string `mapstructure:"textfile"`
}

// fileConfig mirrors the YAML layout.
type fileConfig struct {
	Reconciliation struct {
		Tolerance struct {
			Absolute float64 `mapstructure:"absolute"`
			Relative float64 `mapstructure:"relative"`
		} `mapstructure:"tolerance"`
		BucketWidth     string `mapstructure:"bucket_width"`
		ExpectedSources struct {
			Default        []string            `mapstructure:"default"`
			ByWorkItemType map[string][]string `mapstructure:"by_work_item_type"`
		} `mapstructure:"expected_sources"`
		ErrorMode string        `mapstructure:"error_mode"`
		Workers   int           `mapstructure:"workers"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"reconciliation"`
	Aliases AliasConfig    `mapstructure:"aliases"`
	Report  ReportConfig   `mapstructure:"report"`
	Log     logging.Config `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

// Loader reads configuration through its own viper instance.
type Loader struct {
	v        *viper.Viper
	envFiles []string
}

// NewLoader creates a loader with defaults applied. envFiles are loaded into
// the process environment before reading; missing files are skipped.
func NewLoader(envFiles ...string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, envFiles: envFiles}
}

func setDefaults(v *viper.Viper) {
	run := domain.DefaultRunConfig()
	v.SetDefault("reconciliation.tolerance.absolute", run.Tolerance.Absolute)
	v.SetDefault("reconciliation.tolerance.relative", run.Tolerance.Relative)
	v.SetDefault("reconciliation.bucket_width", string(run.BucketWidth))
	v.SetDefault("reconciliation.expected_sources.default", sourceStrings(run.ExpectedSources.Default))
	v.SetDefault("reconciliation.error_mode", string(run.ErrorMode))
	v.SetDefault("reconciliation.workers", run.Workers)
	v.SetDefault("reconciliation.timeout", run.Timeout)

	v.SetDefault("aliases.file", "")
	v.SetDefault("aliases.redis_url", "")

	v.SetDefault("report.output", "-")
	v.SetDefault("report.format", "json")
	v.SetDefault("report.postgres_dsn", "")
	v.SetDefault("report.kafka.brokers", []string{})
	v.SetDefault("report.kafka.topic", "workledger.reports")
	v.SetDefault("report.kafka.partitions", 1)
	v.SetDefault("report.kafka.replication_factor", 1)

	logDefaults := logging.DefaultConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.no_color", logDefaults.NoColor)

	v.SetDefault("metrics.textfile", "")
}

// BindFlag makes a command-line flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not defined", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the optional config file at path and returns the validated
// configuration. Validation failures wrap domain.ErrConfigurationInvalid.
func (l *Loader) Load(path string) (*Config, error) {
	for _, f := range l.envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var fc fileConfig
	if err := l.v.Unmarshal(&fc); err != nil {
		return nil, domain.NewConfigError("config", err.Error())
	}

	cfg, err := fc.toConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (fc fileConfig) toConfig() (*Config, error) {
	rc := fc.Reconciliation
	def, err := parseSources("reconciliation.expected_sources.default", rc.ExpectedSources.Default)
	if err != nil {
		return nil, err
	}
	var byType map[string][]domain.SourceSystem
	if len(rc.ExpectedSources.ByWorkItemType) > 0 {
		byType = make(map[string][]domain.SourceSystem, len(rc.ExpectedSources.ByWorkItemType))
		for typ, sources := range rc.ExpectedSources.ByWorkItemType {
			// viper lowercases keys; work item types are upper-case ticket prefixes
			key := strings.ToUpper(typ)
			parsed, err := parseSources("reconciliation.expected_sources.by_work_item_type."+key, sources)
			if err != nil {
				return nil, err
			}
			byType[key] = parsed
		}
	}

	return &Config{
		Run: domain.RunConfig{
			Tolerance: domain.Tolerance{
				Absolute: rc.Tolerance.Absolute,
				Relative: rc.Tolerance.Relative,
			},
			BucketWidth:     domain.BucketWidth(strings.ToLower(rc.BucketWidth)),
			ExpectedSources: domain.ExpectedSources{Default: def, ByWorkItemType: byType},
			ErrorMode:       domain.ErrorMode(strings.ToLower(rc.ErrorMode)),
			Workers:         rc.Workers,
			Timeout:         rc.Timeout,
		},
		Aliases: fc.Aliases,
		Report:  fc.Report,
		Log:     fc.Log,
		Metrics: fc.Metrics,
	}, nil
}

func parseSources(field string, values []string) ([]domain.SourceSystem, error) {
	sources := make([]domain.SourceSystem, 0, len(values))
	for _, v := range values {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		s := domain.SourceSystem(v)
		if !s.Valid() {
			return nil, domain.NewConfigError(field, fmt.Sprintf("unknown source system %q", v))
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// Validate checks the run configuration and the sink settings.
func (c *Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}
	switch c.Report.Format {
	case "json", "yaml":
	default:
		return domain.NewConfigError("report.format", fmt.Sprintf("unknown report format %q", c.Report.Format))
	}
	if len(c.Report.Kafka.Brokers) > 0 {
		if c.Report.Kafka.Topic == "" {
			return domain.NewConfigError("report.kafka.topic", "required when brokers are set")
		}
		if c.Report.Kafka.Partitions < 1 || c.Report.Kafka.ReplicationFactor < 1 {
			return domain.NewConfigError("report.kafka", "partitions and replication_factor must be >= 1")
		}
	}
	if c.Report.Output == "" && c.Report.PostgresDSN == "" && len(c.Report.Kafka.Brokers) == 0 {
		return domain.NewConfigError("report", "at least one report sink is required")
	}
	return nil
}

func sourceStrings(sources []domain.SourceSystem) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}
