package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// BucketWidth is the canonical period length records are bucketed into.
type BucketWidth string

const (
	BucketDay   BucketWidth = "day"
	BucketWeek  BucketWidth = "week"
	BucketMonth BucketWidth = "month"
)

// ErrorMode selects how per-record failures affect a run.
type ErrorMode string

const (
	// ErrorModeFailFast aborts the run on the first record failure.
	ErrorModeFailFast ErrorMode = "fail-fast"
	// ErrorModeQuarantine excludes bad records and lists them in the report.
	ErrorModeQuarantine ErrorMode = "quarantine"
)

// Tolerance is the allowed deviation between two quantities. The looser of the
// absolute and relative thresholds governs; the bound is inclusive.
type Tolerance struct {
	Absolute float64 `json:"absolute" yaml:"absolute"`
	Relative float64 `json:"relative" yaml:"relative"`
}

// Allows reports whether a and b agree within the tolerance.
func (t Tolerance) Allows(a, b float64) bool {
	diff := math.Abs(a - b)
	limit := math.Max(t.Absolute, t.Relative*math.Max(math.Abs(a), math.Abs(b)))
	return diff <= limit+toleranceEpsilon
}

// toleranceEpsilon absorbs float rounding so values sitting exactly on the
// threshold stay inside it.
const toleranceEpsilon = 1e-9

// ExpectedSources selects which source systems should report a work item.
type ExpectedSources struct {
	Default        []SourceSystem            `json:"default" yaml:"default"`
	ByWorkItemType map[string][]SourceSystem `json:"by_work_item_type,omitempty" yaml:"by_work_item_type"`
}

// For returns the expected sources for a work item, in canonical order. The
// work item type is the prefix before the first '-' (e.g. "OPS" for "OPS-12").
func (e ExpectedSources) For(workItemID string) []SourceSystem {
	sources := e.Default
	if typ, _, ok := strings.Cut(workItemID, "-"); ok {
		if byType, found := e.ByWorkItemType[typ]; found {
			sources = byType
		}
	}
	out := make([]SourceSystem, len(sources))
	copy(out, sources)
	SortSources(out)
	return out
}

// RunConfig is the immutable configuration supplied at the start of a run.
type RunConfig struct {
	Tolerance       Tolerance       `json:"tolerance"`
	BucketWidth     BucketWidth     `json:"bucket_width"`
	ExpectedSources ExpectedSources `json:"expected_sources"`
	ErrorMode       ErrorMode       `json:"error_mode"`
	Workers         int             `json:"workers"`
	Timeout         time.Duration   `json:"timeout"`
}

// DefaultRunConfig returns placeholder thresholds to be tuned per deployment.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Tolerance:   Tolerance{Absolute: 0.25, Relative: 0.05},
		BucketWidth: BucketWeek,
		ExpectedSources: ExpectedSources{
			Default: []SourceSystem{SourceDelivery, SourceTimesheet, SourceBilling},
		},
		ErrorMode: ErrorModeQuarantine,
		Workers:   4,
		Timeout:   5 * time.Minute,
	}
}

// Validate checks the configuration and returns a *ConfigError wrapping
// ErrConfigurationInvalid on the first violation.
func (c RunConfig) Validate() error {
	if c.Tolerance.Absolute < 0 {
		return NewConfigError("tolerance.absolute", fmt.Sprintf("must be >= 0, got %v", c.Tolerance.Absolute))
	}
	if c.Tolerance.Relative < 0 {
		return NewConfigError("tolerance.relative", fmt.Sprintf("must be >= 0, got %v", c.Tolerance.Relative))
	}
	switch c.BucketWidth {
	case BucketDay, BucketWeek, BucketMonth:
	default:
		return NewConfigError("bucket_width", fmt.Sprintf("unknown bucket width %q", c.BucketWidth))
	}
	switch c.ErrorMode {
	case ErrorModeFailFast, ErrorModeQuarantine:
	default:
		return NewConfigError("error_mode", fmt.Sprintf("unknown error mode %q", c.ErrorMode))
	}
	if c.Workers < 0 {
		return NewConfigError("workers", "must be >= 0")
	}
	if c.Timeout < 0 {
		return NewConfigError("timeout", "must be >= 0")
	}
	if err := validateSources("expected_sources.default", c.ExpectedSources.Default); err != nil {
		return err
	}
	for typ, sources := range c.ExpectedSources.ByWorkItemType {
		if typ == "" {
			return NewConfigError("expected_sources.by_work_item_type", "empty work item type")
		}
		if err := validateSources("expected_sources.by_work_item_type."+typ, sources); err != nil {
			return err
		}
	}
	return nil
}

func validateSources(field string, sources []SourceSystem) error {
	if len(sources) == 0 {
		return NewConfigError(field, "at least one source system is required")
	}
	seen := make(map[SourceSystem]bool, len(sources))
	for _, s := range sources {
		if !s.Valid() {
			return NewConfigError(field, fmt.Sprintf("unknown source system %q", s))
		}
		if seen[s] {
			return NewConfigError(field, fmt.Sprintf("source system %q listed twice", s))
		}
		seen[s] = true
	}
	return nil
}
