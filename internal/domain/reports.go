package domain

import "time"

// UnresolvedRecord is the provenance of a record excluded from grouping in
// quarantine mode.
type UnresolvedRecord struct {
	SourceSystem SourceSystem `json:"source_system"`
	ExternalID   string       `json:"external_id,omitempty"`
	Reference    string       `json:"reference"`
	Kind         string       `json:"kind"`
	Rule         string       `json:"rule"`
	Message      string       `json:"message"`
}

// Less orders unresolved records by source and reference.
func (u UnresolvedRecord) Less(o UnresolvedRecord) bool {
	if u.SourceSystem != o.SourceSystem {
		return sourceRank(u.SourceSystem) < sourceRank(o.SourceSystem)
	}
	if u.Reference != o.Reference {
		return u.Reference < o.Reference
	}
	return u.ExternalID < o.ExternalID
}

// Summary provides the counts of a reconciliation run.
type Summary struct {
	RecordsReconciled int                 `json:"records_reconciled"`
	RecordsUnresolved int                 `json:"records_unresolved"`
	Groups            int                 `json:"groups"`
	ByStatus          map[GroupStatus]int `json:"by_status"`
	Duplicates        int                 `json:"duplicates"`
	NeedsReview       int                 `json:"needs_review"`
	TotalVariance     float64             `json:"total_variance"`
}

// AuditReport is the terminal artifact of a run. It is never edited after it
// has been built; a new run produces a new report.
type AuditReport struct {
	RunID       string                `json:"run_id"`
	GeneratedAt time.Time             `json:"generated_at"`
	Digest      string                `json:"digest"`
	Config      RunConfig             `json:"config"`
	Summary     Summary               `json:"summary"`
	Groups      []ReconciliationGroup `json:"groups"`
	Unresolved  []UnresolvedRecord    `json:"unresolved"`
}
