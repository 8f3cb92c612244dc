// Package keyresolver derives the match key that groups effort records
// describing the same person, work item and period.
package keyresolver

import (
	"context"
	"fmt"
	"time"

	"workledger/internal/domain"
)

// Resolver derives MatchKeys. It holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	aliases AliasStore
	width   domain.BucketWidth
}

// New creates a Resolver. aliases may be nil, in which case no fallback
// mapping is consulted.
func New(aliases AliasStore, width domain.BucketWidth) (*Resolver, error) {
	if _, err := BucketStart(time.Time{}, width); err != nil {
		return nil, err
	}
	return &Resolver{aliases: aliases, width: width}, nil
}

// Resolve returns the match key of rec. Present identifiers are canonicalized
// through the alias store; an absent identifier is looked up by the record's
// external id and fails with domain.ErrUnresolvableKey when no alias exists.
// Alias store failures are returned unwrapped by the record error taxonomy.
func (r *Resolver) Resolve(ctx context.Context, rec domain.EffortRecord) (domain.MatchKey, error) {
	subject, err := r.resolveID(ctx, domain.AliasSubject, rec, rec.SubjectID)
	if err != nil {
		return domain.MatchKey{}, err
	}
	workItem, err := r.resolveID(ctx, domain.AliasWorkItem, rec, rec.WorkItemID)
	if err != nil {
		return domain.MatchKey{}, err
	}
	start, err := BucketStart(rec.PeriodStart, r.width)
	if err != nil {
		return domain.MatchKey{}, err
	}
	return domain.MatchKey{
		SubjectID:    subject,
		WorkItemID:   workItem,
		PeriodBucket: start.Format(time.DateOnly),
	}, nil
}

func (r *Resolver) resolveID(ctx context.Context, kind domain.AliasKind, rec domain.EffortRecord, id string) (string, error) {
	lookupID := id
	if lookupID == "" {
		lookupID = rec.ExternalID
	}
	if r.aliases != nil && lookupID != "" {
		canonical, found, err := r.aliases.Lookup(ctx, kind, rec.SourceSystem, lookupID)
		if err != nil {
			return "", fmt.Errorf("lookup %s alias %q: %w", kind, lookupID, err)
		}
		if found && canonical != "" {
			return canonical, nil
		}
	}
	if id == "" {
		return "", domain.NewUnresolvableKeyError(rec, fmt.Sprintf("%s id absent and no alias for external id %q", kind, rec.ExternalID), nil)
	}
	return id, nil
}
