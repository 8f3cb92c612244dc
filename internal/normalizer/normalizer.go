// Package normalizer converts heterogeneous source records into canonical
// domain.EffortRecord values. Every conversion is pure.
package normalizer

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"workledger/internal/domain"
)

// Named conversion rules recorded on EffortRecord.Conversion.
const (
	RuleSecondsToHours = "seconds/3600"
	RuleMinutesToHours = "minutes/60"
	RuleAmountPerRate  = "amount/rate"
)

const maxHoursPerDay = 24.0

const ruleEndBeforeStart = "period end must not precede period start"

var ticketIDPattern = regexp.MustCompile(`^[A-Z]+-\d+$`)

type parseFunc func(raw domain.RawRecord) (domain.EffortRecord, error)

// Normalizer maps (source system, schema version) to a parser.
type Normalizer struct {
	parsers map[domain.SourceSystem]map[string]parseFunc
}

// New creates a Normalizer with every supported schema registered.
func New() *Normalizer {
	return &Normalizer{
		parsers: map[domain.SourceSystem]map[string]parseFunc{
			domain.SourceDelivery: {
				"1": parseDeliveryV1,
			},
			domain.SourceTimesheet: {
				"1": parseTimesheetV1,
				"2": parseTimesheetV2,
			},
			domain.SourceBilling: {
				"1": parseBillingV1,
			},
		},
	}
}

// SupportedVersions returns the schema versions known for a source.
func (n *Normalizer) SupportedVersions(source domain.SourceSystem) []string {
	var versions []string
	for v := range n.parsers[source] {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Normalize converts a raw record. It returns a *domain.RecordError wrapping
// domain.ErrMalformedRecord or domain.ErrUnsupportedSchemaVersion on failure.
func (n *Normalizer) Normalize(raw domain.RawRecord) (domain.EffortRecord, error) {
	if !raw.SourceSystem.Valid() {
		return domain.EffortRecord{}, domain.NewMalformedRecordError(raw, "", "source_system must be DELIVERY, TIMESHEET or BILLING", nil)
	}
	parse, ok := n.parsers[raw.SourceSystem][strings.TrimSpace(raw.SchemaVersion)]
	if !ok {
		return domain.EffortRecord{}, domain.NewUnsupportedSchemaError(raw, n.SupportedVersions(raw.SourceSystem))
	}
	rec, err := parse(raw)
	if err != nil {
		return domain.EffortRecord{}, err
	}
	if rec.PeriodEnd.Before(rec.PeriodStart) {
		return domain.EffortRecord{}, domain.NewMalformedRecordError(raw, rec.ExternalID, ruleEndBeforeStart, nil)
	}
	rec.SourceSystem = raw.SourceSystem
	rec.RawPayloadReference = raw.Reference
	return rec, nil
}

func parseDeliveryV1(raw domain.RawRecord) (domain.EffortRecord, error) {
	f := fields{raw: raw}
	id := f.required("worklog_id")
	f.id = id
	started := f.timestamp("started_at")
	seconds := f.positiveFloat("time_spent_seconds")
	if f.err != nil {
		return domain.EffortRecord{}, f.err
	}
	return domain.EffortRecord{
		ExternalID:  id,
		SubjectID:   f.optional("author"),
		WorkItemID:  f.optional("issue_key"),
		PeriodStart: started,
		PeriodEnd:   started.Add(time.Duration(seconds * float64(time.Second))),
		Quantity:    seconds / 3600,
		Unit:        domain.UnitHours,
		Conversion:  RuleSecondsToHours,
	}, nil
}

func parseTimesheetV1(raw domain.RawRecord) (domain.EffortRecord, error) {
	f := fields{raw: raw}
	rec := timesheetCommon(&f)
	hours := f.positiveFloat("hours_spent")
	if f.err == nil && hours > maxHoursPerDay {
		f.fail("hours_spent in (0,24]", fmt.Errorf("got %v", hours))
	}
	if f.err != nil {
		return domain.EffortRecord{}, f.err
	}
	rec.Quantity = hours
	rec.Unit = domain.UnitHours
	return rec, nil
}

func parseTimesheetV2(raw domain.RawRecord) (domain.EffortRecord, error) {
	f := fields{raw: raw}
	rec := timesheetCommon(&f)
	minutes := f.positiveFloat("duration_minutes")
	if f.err == nil && minutes > maxHoursPerDay*60 {
		f.fail("duration_minutes in (0,1440]", fmt.Errorf("got %v", minutes))
	}
	if f.err != nil {
		return domain.EffortRecord{}, f.err
	}
	rec.Quantity = minutes / 60
	rec.Unit = domain.UnitHours
	rec.Conversion = RuleMinutesToHours
	return rec, nil
}

// timesheetCommon parses the fields shared by every timesheet schema.
func timesheetCommon(f *fields) domain.EffortRecord {
	id := f.required("entry_id")
	f.id = id
	day := f.date("work_date")

	switch status := strings.ToUpper(f.optional("status")); status {
	case "", "SUBMITTED", "LOCKED":
	case "DRAFT":
		f.fail("status must be SUBMITTED or LOCKED", fmt.Errorf("entry is still a draft"))
	default:
		f.fail("status must be DRAFT, SUBMITTED or LOCKED", fmt.Errorf("got %q", status))
	}

	workItem := f.optional("ticket_id")
	if workItem != "" && !ticketIDPattern.MatchString(workItem) {
		f.fail("ticket_id must match "+ticketIDPattern.String(), fmt.Errorf("got %q", workItem))
	}
	if workItem == "" {
		workItem = f.optional("program_reference")
	}

	return domain.EffortRecord{
		ExternalID:  id,
		SubjectID:   f.optional("employee_id"),
		WorkItemID:  workItem,
		PeriodStart: day,
		PeriodEnd:   day.AddDate(0, 0, 1),
	}
}

func parseBillingV1(raw domain.RawRecord) (domain.EffortRecord, error) {
	f := fields{raw: raw}
	id := f.required("line_id")
	f.id = id
	start := f.date("period_start")
	end := f.date("period_end")
	quantity := f.float("quantity")
	unitText := f.required("unit")
	if f.err != nil {
		return domain.EffortRecord{}, f.err
	}
	// compared before period_end is widened to an exclusive bound
	if end.Before(start) {
		return domain.EffortRecord{}, domain.NewMalformedRecordError(raw, id, ruleEndBeforeStart, nil)
	}

	rec := domain.EffortRecord{
		ExternalID:  id,
		SubjectID:   f.optional("consultant_id"),
		WorkItemID:  f.optional("work_item"),
		PeriodStart: start,
		PeriodEnd:   end.AddDate(0, 0, 1), // period_end is an inclusive date
	}

	switch strings.ToUpper(unitText) {
	case string(domain.UnitHours):
		rec.Quantity = quantity
		rec.Unit = domain.UnitHours
		return rec, nil
	case "MINUTES":
		rec.Quantity = quantity / 60
		rec.Unit = domain.UnitHours
		rec.Conversion = RuleMinutesToHours
		return rec, nil
	}

	cur, err := currency.ParseISO(strings.ToUpper(unitText))
	if err != nil {
		return domain.EffortRecord{}, domain.NewMalformedRecordError(raw, id, "unit must be HOURS, MINUTES or an ISO-4217 currency code", err)
	}
	rec.Quantity = quantity
	rec.Unit = domain.Unit(cur.String())

	if rateText := f.optional("rate"); rateText != "" {
		rate := f.positiveFloat("rate")
		if f.err != nil {
			return domain.EffortRecord{}, f.err
		}
		rec.Quantity = quantity / rate
		rec.Unit = domain.UnitHours
		rec.Conversion = fmt.Sprintf("%s (%s %s/hour)", RuleAmountPerRate, strconv.FormatFloat(rate, 'f', -1, 64), cur.String())
	}
	return rec, nil
}

// fields reads typed values out of a raw record, keeping the first failure.
type fields struct {
	raw domain.RawRecord
	id  string
	err error
}

func (f *fields) fail(rule string, err error) {
	if f.err == nil {
		f.err = domain.NewMalformedRecordError(f.raw, f.id, rule, err)
	}
}

func (f *fields) optional(name string) string {
	return strings.TrimSpace(f.raw.Fields[name])
}

func (f *fields) required(name string) string {
	v := f.optional(name)
	if v == "" {
		f.fail(name+" is required", nil)
	}
	return v
}

func (f *fields) float(name string) float64 {
	v := f.required(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		f.fail(name+" must be a finite number", err)
		return 0
	}
	return n
}

func (f *fields) positiveFloat(name string) float64 {
	n := f.float(name)
	if f.err == nil && n <= 0 {
		f.fail(name+" must be greater than 0", fmt.Errorf("got %v", n))
	}
	return n
}

func (f *fields) timestamp(name string) time.Time {
	v := f.required(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		f.fail(name+" must be an RFC3339 timestamp", err)
	}
	return t.UTC()
}

func (f *fields) date(name string) time.Time {
	v := f.required(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		f.fail(name+" must be a YYYY-MM-DD date", err)
	}
	return t
}
