// Package engine groups keyed effort records and classifies every group by
// comparing the quantities reported by each source system.
package engine

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"workledger/internal/domain"
)

// KeyedRecord is a normalized record with its resolved match key attached.
type KeyedRecord struct {
	Key    domain.MatchKey
	Record domain.EffortRecord
}

// Engine reconciles one batch of keyed records. It keeps no state between
// calls, so a single Engine may serve concurrent runs.
type Engine struct {
	cfg    domain.RunConfig
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for per-run diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine for the given run configuration.
func New(cfg domain.RunConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Reconcile groups records by key and classifies each group. All records
// must be supplied at once: grouping is the barrier after which groups are
// compared in parallel. Cancellation stops scheduling new groups; groups
// already being compared finish, and the context error is returned. A group
// with incomparable units fails the whole call.
func (e *Engine) Reconcile(ctx context.Context, records []KeyedRecord) ([]domain.ReconciliationGroup, error) {
	members := make(map[domain.MatchKey][]domain.EffortRecord)
	for _, kr := range records {
		members[kr.Key] = append(members[kr.Key], kr.Record)
	}

	keys := make([]domain.MatchKey, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	groups := make([]domain.ReconciliationGroup, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Workers > 0 {
		g.SetLimit(e.cfg.Workers)
	}

	for i, key := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			group, err := Classify(key, members[key], e.cfg)
			if err != nil {
				return err
			}
			groups[i] = group
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.logger.Debug().
		Int("records", len(records)).
		Int("groups", len(groups)).
		Msg("groups classified")
	return groups, nil
}
