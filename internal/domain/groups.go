package domain

// MatchKey unites records believed to describe the same unit of work.
type MatchKey struct {
	SubjectID    string `json:"subject_id"`
	WorkItemID   string `json:"work_item_id"`
	PeriodBucket string `json:"period_bucket"` // ISO date of the bucket start
}

// Less orders keys by subject, work item and bucket.
func (k MatchKey) Less(o MatchKey) bool {
	if k.SubjectID != o.SubjectID {
		return k.SubjectID < o.SubjectID
	}
	if k.WorkItemID != o.WorkItemID {
		return k.WorkItemID < o.WorkItemID
	}
	return k.PeriodBucket < o.PeriodBucket
}

func (k MatchKey) String() string {
	return k.SubjectID + "/" + k.WorkItemID + "/" + k.PeriodBucket
}

// GroupStatus is the classification outcome of a reconciliation group.
type GroupStatus string

const (
	StatusMatched  GroupStatus = "MATCHED"
	StatusPartial  GroupStatus = "PARTIAL"
	StatusConflict GroupStatus = "CONFLICT"
	StatusMissing  GroupStatus = "MISSING"
)

// AllStatuses lists statuses in report order.
var AllStatuses = []GroupStatus{StatusMatched, StatusPartial, StatusConflict, StatusMissing}

// Severity ranks how urgently a group needs attention.
type Severity string

const (
	SeverityNone   Severity = "NONE"
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// ReconciliationGroup is the per-key outcome of a run.
type ReconciliationGroup struct {
	Key               MatchKey                 `json:"match_key"`
	Members           []EffortRecord           `json:"members"`
	Status            GroupStatus              `json:"status"`
	Duplicate         bool                     `json:"duplicate"`
	NeedsReview       bool                     `json:"needs_review"`
	Unit              Unit                     `json:"unit"`
	Totals            map[SourceSystem]float64 `json:"totals"`
	ExpectedSources   []SourceSystem           `json:"expected_sources"`
	MissingSources    []SourceSystem           `json:"missing_sources,omitempty"`
	VarianceMagnitude float64                  `json:"variance_magnitude"`
	Confidence        float64                  `json:"confidence"`
	Severity          Severity                 `json:"severity"`
}
