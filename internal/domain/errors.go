package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors of the reconciliation taxonomy. Typed errors below wrap
// them so callers can match with errors.Is and still read the context.
var (
	ErrMalformedRecord          = errors.New("malformed record")
	ErrUnsupportedSchemaVersion = errors.New("unsupported schema version")
	ErrUnresolvableKey          = errors.New("unresolvable key")
	ErrIncomparableUnits        = errors.New("incomparable units")
	ErrRunTimedOut              = errors.New("run timed out")
	ErrConfigurationInvalid     = errors.New("configuration invalid")
)

// RecordError describes a failure tied to a single source record.
type RecordError struct {
	Kind       error // one of the sentinels above
	Source     SourceSystem
	ExternalID string
	Reference  string
	Rule       string // the rule the record violated, e.g. "hours_spent in (0,24]"
	Err        error
}

// Error implements the error interface
func (e *RecordError) Error() string {
	id := e.ExternalID
	if id == "" {
		id = "?"
	}
	msg := fmt.Sprintf("%v: %s record %s (%s): %s", e.Kind, e.Source, id, e.Reference, e.Rule)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements errors.Unwrap
func (e *RecordError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *RecordError) Is(target error) bool {
	return target == e.Kind
}

// Unresolved converts the error into report provenance.
func (e *RecordError) Unresolved() UnresolvedRecord {
	return UnresolvedRecord{
		SourceSystem: e.Source,
		ExternalID:   e.ExternalID,
		Reference:    e.Reference,
		Kind:         e.Kind.Error(),
		Rule:         e.Rule,
		Message:      e.Error(),
	}
}

// NewMalformedRecordError reports a missing or invalid field.
func NewMalformedRecordError(raw RawRecord, externalID, rule string, err error) *RecordError {
	return &RecordError{
		Kind:       ErrMalformedRecord,
		Source:     raw.SourceSystem,
		ExternalID: externalID,
		Reference:  raw.Reference,
		Rule:       rule,
		Err:        err,
	}
}

// NewUnsupportedSchemaError reports an unknown schema version for a source.
// supported lists the versions the source does accept.
func NewUnsupportedSchemaError(raw RawRecord, supported []string) *RecordError {
	rule := fmt.Sprintf("schema version %q is not supported", raw.SchemaVersion)
	if len(supported) > 0 {
		rule += " (supported: " + strings.Join(supported, ", ") + ")"
	}
	return &RecordError{
		Kind:      ErrUnsupportedSchemaVersion,
		Source:    raw.SourceSystem,
		Reference: raw.Reference,
		Rule:      rule,
	}
}

// NewUnresolvableKeyError reports a record whose match key cannot be derived.
func NewUnresolvableKeyError(rec EffortRecord, rule string, err error) *RecordError {
	return &RecordError{
		Kind:       ErrUnresolvableKey,
		Source:     rec.SourceSystem,
		ExternalID: rec.ExternalID,
		Reference:  rec.RawPayloadReference,
		Rule:       rule,
		Err:        err,
	}
}

// GroupError is a run-fatal failure raised while comparing a group.
type GroupError struct {
	Key   MatchKey
	Units []Unit
	Err   error
}

// Error implements the error interface
func (e *GroupError) Error() string {
	return fmt.Sprintf("group %s: %v %v", e.Key, e.Err, e.Units)
}

// Unwrap implements errors.Unwrap
func (e *GroupError) Unwrap() error {
	return e.Err
}

// ConfigError represents an invalid run configuration value.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrConfigurationInvalid, e.Field, e.Message)
}

// Is implements errors.Is support
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigurationInvalid
}

// NewConfigError creates a new ConfigError
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}
