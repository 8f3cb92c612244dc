package domain

import (
	"sort"
	"time"
)

// SourceSystem identifies the system an effort record was exported from.
type SourceSystem string

const (
	SourceDelivery  SourceSystem = "DELIVERY"
	SourceTimesheet SourceSystem = "TIMESHEET"
	SourceBilling   SourceSystem = "BILLING"
)

// AllSources lists every known source system in canonical order.
var AllSources = []SourceSystem{SourceDelivery, SourceTimesheet, SourceBilling}

// Valid reports whether s is a known source system.
func (s SourceSystem) Valid() bool {
	switch s {
	case SourceDelivery, SourceTimesheet, SourceBilling:
		return true
	}
	return false
}

// SortSources sorts sources in place by their canonical order.
func SortSources(sources []SourceSystem) {
	sort.Slice(sources, func(i, j int) bool {
		return sourceRank(sources[i]) < sourceRank(sources[j])
	})
}

func sourceRank(s SourceSystem) int {
	for i, known := range AllSources {
		if known == s {
			return i
		}
	}
	return len(AllSources)
}

// Unit is the measurement unit of a quantity. Durations are always expressed
// in UnitHours after normalization; monetary amounts carry their ISO-4217 code.
type Unit string

const UnitHours Unit = "HOURS"

// UnitFamily groups units that can be compared after normalization.
type UnitFamily string

const (
	FamilyDuration UnitFamily = "duration"
	FamilyCurrency UnitFamily = "currency"
)

// Family returns the comparison family of the unit.
func (u Unit) Family() UnitFamily {
	if u == UnitHours {
		return FamilyDuration
	}
	return FamilyCurrency
}

// RawRecord is a source record as delivered by an ingestion adapter, before
// any typing or validation.
type RawRecord struct {
	SourceSystem  SourceSystem      `json:"source_system"`
	SchemaVersion string            `json:"schema_version"`
	Reference     string            `json:"reference"` // e.g. "timesheet.csv#12"
	Fields        map[string]string `json:"fields"`
}

// EffortRecord is the canonical shape every source record is normalized into.
// Values are passed by copy and never modified after normalization.
type EffortRecord struct {
	SourceSystem        SourceSystem `json:"source_system"`
	ExternalID          string       `json:"external_id"`
	SubjectID           string       `json:"subject_id,omitempty"`
	WorkItemID          string       `json:"work_item_id,omitempty"`
	PeriodStart         time.Time    `json:"period_start"`
	PeriodEnd           time.Time    `json:"period_end"`
	Quantity            float64      `json:"quantity"`
	Unit                Unit         `json:"unit"`
	RawPayloadReference string       `json:"raw_payload_reference"`

	// Conversion names the rule applied to reach Quantity/Unit, if any.
	Conversion string `json:"conversion,omitempty"`
}

// Less orders records by source, external id and raw reference.
func (r EffortRecord) Less(o EffortRecord) bool {
	if r.SourceSystem != o.SourceSystem {
		return sourceRank(r.SourceSystem) < sourceRank(o.SourceSystem)
	}
	if r.ExternalID != o.ExternalID {
		return r.ExternalID < o.ExternalID
	}
	return r.RawPayloadReference < o.RawPayloadReference
}

// ProvenanceID identifies the record uniquely within a run.
func (r EffortRecord) ProvenanceID() string {
	return string(r.SourceSystem) + ":" + r.ExternalID + "@" + r.RawPayloadReference
}

// SourceInput points an ingestion adapter at one export of a source system.
type SourceInput struct {
	Source        SourceSystem `json:"source"`
	SchemaVersion string       `json:"schema_version"`
	Path          string       `json:"path"`
}
