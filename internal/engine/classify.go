package engine

import (
	"math"
	"sort"

	"workledger/internal/domain"
)

// Classify computes the outcome of a single group. The result depends only on
// the member set and cfg: member order does not matter.
func Classify(key domain.MatchKey, records []domain.EffortRecord, cfg domain.RunConfig) (domain.ReconciliationGroup, error) {
	members := make([]domain.EffortRecord, len(records))
	copy(members, records)
	sort.Slice(members, func(i, j int) bool { return members[i].Less(members[j]) })

	unit, err := commonUnit(key, members)
	if err != nil {
		return domain.ReconciliationGroup{}, err
	}

	totals := make(map[domain.SourceSystem]float64)
	counts := make(map[domain.SourceSystem]int)
	for _, m := range members {
		totals[m.SourceSystem] += m.Quantity
		counts[m.SourceSystem]++
	}

	present := make([]domain.SourceSystem, 0, len(totals))
	duplicate := false
	for s := range totals {
		present = append(present, s)
		if counts[s] > 1 {
			duplicate = true
		}
	}
	domain.SortSources(present)

	expected := cfg.ExpectedSources.For(key.WorkItemID)
	missing := difference(expected, present)

	agree := true
	variance := 0.0
	for i := 0; i < len(present); i++ {
		for j := i + 1; j < len(present); j++ {
			a, b := totals[present[i]], totals[present[j]]
			variance = math.Max(variance, math.Abs(a-b))
			if !cfg.Tolerance.Allows(a, b) {
				agree = false
			}
		}
	}

	var status domain.GroupStatus
	switch {
	case len(present) == 1 && len(missing) > 0:
		status = domain.StatusMissing
	case !agree:
		status = domain.StatusConflict
	case len(missing) > 0:
		status = domain.StatusPartial
	default:
		status = domain.StatusMatched
	}

	return domain.ReconciliationGroup{
		Key:               key,
		Members:           members,
		Status:            status,
		Duplicate:         duplicate,
		NeedsReview:       duplicate || status == domain.StatusConflict,
		Unit:              unit,
		Totals:            totals,
		ExpectedSources:   expected,
		MissingSources:    missing,
		VarianceMagnitude: variance,
		Confidence:        confidence(expected, missing, status, duplicate),
		Severity:          severity(status, duplicate),
	}, nil
}

// commonUnit returns the unit shared by every member or an IncomparableUnits
// group error.
func commonUnit(key domain.MatchKey, members []domain.EffortRecord) (domain.Unit, error) {
	seen := make(map[domain.Unit]bool)
	var units []domain.Unit
	for _, m := range members {
		if !seen[m.Unit] {
			seen[m.Unit] = true
			units = append(units, m.Unit)
		}
	}
	if len(units) > 1 {
		sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
		return "", &domain.GroupError{Key: key, Units: units, Err: domain.ErrIncomparableUnits}
	}
	if len(units) == 0 {
		return "", nil
	}
	return units[0], nil
}

func difference(expected, present []domain.SourceSystem) []domain.SourceSystem {
	var out []domain.SourceSystem
	for _, e := range expected {
		found := false
		for _, p := range present {
			if p == e {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}

// confidence is the share of expected sources that reported, halved for
// conflicts and again for duplicates.
func confidence(expected, missing []domain.SourceSystem, status domain.GroupStatus, duplicate bool) float64 {
	if len(expected) == 0 {
		return 0
	}
	c := float64(len(expected)-len(missing)) / float64(len(expected))
	if status == domain.StatusConflict {
		c /= 2
	}
	if duplicate {
		c /= 2
	}
	return math.Round(c*1e4) / 1e4
}

func severity(status domain.GroupStatus, duplicate bool) domain.Severity {
	var s domain.Severity
	switch status {
	case domain.StatusMatched:
		s = domain.SeverityNone
	case domain.StatusPartial:
		s = domain.SeverityLow
	case domain.StatusMissing:
		s = domain.SeverityMedium
	default:
		s = domain.SeverityHigh
	}
	if duplicate {
		switch s {
		case domain.SeverityNone:
			s = domain.SeverityLow
		case domain.SeverityLow:
			s = domain.SeverityMedium
		}
	}
	return s
}
