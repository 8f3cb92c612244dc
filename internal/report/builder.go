// Package report assembles reconciliation groups into immutable, reproducible
// audit reports and hands them to the persistence layer.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"workledger/internal/domain"
)

// ErrInconsistentGroups is returned when the group list violates the
// one-record-one-group invariant.
var ErrInconsistentGroups = errors.New("inconsistent group list")

// Builder produces AuditReports.
type Builder struct {
	store  ReportStore
	clock  func() time.Time
	newID  func() uuid.UUID
	logger zerolog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock sets the clock used for GeneratedAt.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithIDGenerator sets the run id generator.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(b *Builder) {
		if newID != nil {
			b.newID = newID
		}
	}
}

// WithLogger sets the builder logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a Builder that persists through store. A nil store
// makes Emit equivalent to Build.
func NewBuilder(store ReportStore, opts ...Option) *Builder {
	b := &Builder{
		store:  store,
		clock:  time.Now,
		newID:  uuid.New,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build assembles the report for a completed run. Groups and unresolved
// records are sorted so the output does not depend on arrival order.
func (b *Builder) Build(cfg domain.RunConfig, groups []domain.ReconciliationGroup, unresolved []domain.UnresolvedRecord) (*domain.AuditReport, error) {
	sorted := make([]domain.ReconciliationGroup, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key.Less(sorted[j].Key) })

	if err := checkMembership(sorted); err != nil {
		return nil, err
	}

	quarantined := make([]domain.UnresolvedRecord, len(unresolved))
	copy(quarantined, unresolved)
	sort.Slice(quarantined, func(i, j int) bool { return quarantined[i].Less(quarantined[j]) })

	report := &domain.AuditReport{
		RunID:       b.newID().String(),
		GeneratedAt: b.clock().UTC(),
		Config:      cfg,
		Summary:     summarize(sorted, quarantined),
		Groups:      sorted,
		Unresolved:  quarantined,
	}

	digest, err := Digest(report)
	if err != nil {
		return nil, err
	}
	report.Digest = digest
	return report, nil
}

// Emit builds the report and saves it. Nothing is returned unless the store
// accepted the report.
func (b *Builder) Emit(ctx context.Context, cfg domain.RunConfig, groups []domain.ReconciliationGroup, unresolved []domain.UnresolvedRecord) (*domain.AuditReport, error) {
	report, err := b.Build(cfg, groups, unresolved)
	if err != nil {
		return nil, err
	}
	if b.store != nil {
		if err := b.store.Save(ctx, report); err != nil {
			return nil, fmt.Errorf("persist report %s: %w", report.RunID, err)
		}
	}
	b.logger.Info().
		Str("run_id", report.RunID).
		Str("digest", report.Digest).
		Int("groups", report.Summary.Groups).
		Int("unresolved", report.Summary.RecordsUnresolved).
		Msg("audit report emitted")
	return report, nil
}

// Digest hashes the run-independent content of a report: everything except
// RunID, GeneratedAt and the digest itself. Two runs over the same batch with
// the same configuration produce the same digest.
func Digest(report *domain.AuditReport) (string, error) {
	content := struct {
		Config     domain.RunConfig             `json:"config"`
		Summary    domain.Summary               `json:"summary"`
		Groups     []domain.ReconciliationGroup `json:"groups"`
		Unresolved []domain.UnresolvedRecord    `json:"unresolved"`
	}{report.Config, report.Summary, report.Groups, report.Unresolved}

	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshal report content: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func checkMembership(groups []domain.ReconciliationGroup) error {
	seenRecords := make(map[string]domain.MatchKey)
	for i, g := range groups {
		if i > 0 && groups[i-1].Key == g.Key {
			return fmt.Errorf("%w: key %s appears twice", ErrInconsistentGroups, g.Key)
		}
		if len(g.Members) == 0 {
			return fmt.Errorf("%w: group %s has no members", ErrInconsistentGroups, g.Key)
		}
		// exact duplicates inside one group are retained members
		for _, m := range g.Members {
			id := m.ProvenanceID()
			if other, dup := seenRecords[id]; dup && other != g.Key {
				return fmt.Errorf("%w: record %s in groups %s and %s", ErrInconsistentGroups, id, other, g.Key)
			}
			seenRecords[id] = g.Key
		}
	}
	return nil
}

func summarize(groups []domain.ReconciliationGroup, unresolved []domain.UnresolvedRecord) domain.Summary {
	s := domain.Summary{
		RecordsUnresolved: len(unresolved),
		Groups:            len(groups),
		ByStatus:          make(map[domain.GroupStatus]int, len(domain.AllStatuses)),
	}
	for _, status := range domain.AllStatuses {
		s.ByStatus[status] = 0
	}
	for _, g := range groups {
		s.RecordsReconciled += len(g.Members)
		s.ByStatus[g.Status]++
		s.TotalVariance += g.VarianceMagnitude
		if g.Duplicate {
			s.Duplicates++
		}
		if g.NeedsReview {
			s.NeedsReview++
		}
	}
	return s
}
