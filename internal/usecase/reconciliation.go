package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"workledger/internal/domain"
	"workledger/internal/engine"
	"workledger/internal/metrics"
)

// RecordNormalizer turns raw records into canonical effort records.
type RecordNormalizer interface {
	Normalize(raw domain.RawRecord) (domain.EffortRecord, error)
}

// KeyResolver derives the match key of a canonical record.
type KeyResolver interface {
	Resolve(ctx context.Context, rec domain.EffortRecord) (domain.MatchKey, error)
}

// Reconciler groups keyed records and classifies the groups.
type Reconciler interface {
	Reconcile(ctx context.Context, records []engine.KeyedRecord) ([]domain.ReconciliationGroup, error)
}

// ReportEmitter builds and persists the audit report of a run.
type ReportEmitter interface {
	Emit(ctx context.Context, cfg domain.RunConfig, groups []domain.ReconciliationGroup, unresolved []domain.UnresolvedRecord) (*domain.AuditReport, error)
}

// Run outcomes reported to metrics.
const (
	outcomeSuccess  = "success"
	outcomeFailed   = "failed"
	outcomeTimedOut = "timed_out"
)

// ReconciliationUseCase orchestrates one reconciliation run from raw records
// to a persisted audit report.
type ReconciliationUseCase struct {
	cfg        domain.RunConfig
	repo       RecordRepository
	normalizer RecordNormalizer
	resolver   KeyResolver
	reconciler Reconciler
	emitter    ReportEmitter

	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a ReconciliationUseCase.
type Option func(*ReconciliationUseCase)

// WithLogger sets the run logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(uc *ReconciliationUseCase) {
		uc.logger = logger
	}
}

// WithMetrics enables run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(uc *ReconciliationUseCase) {
		uc.metrics = m
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(uc *ReconciliationUseCase) {
		if tracer != nil {
			uc.tracer = tracer
		}
	}
}

// NewReconciliationUseCase creates a new instance of the usecase. cfg is the
// immutable configuration every run of this instance uses.
func NewReconciliationUseCase(
	cfg domain.RunConfig,
	repo RecordRepository,
	normalizer RecordNormalizer,
	resolver KeyResolver,
	reconciler Reconciler,
	emitter ReportEmitter,
	opts ...Option,
) (*ReconciliationUseCase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	uc := &ReconciliationUseCase{
		cfg:        cfg,
		repo:       repo,
		normalizer: normalizer,
		resolver:   resolver,
		reconciler: reconciler,
		emitter:    emitter,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("workledger/reconciliation"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(uc)
		}
	}
	return uc, nil
}

// Reconcile ingests every input through the repository and reconciles the
// resulting batch. The run timeout covers ingestion.
func (uc *ReconciliationUseCase) Reconcile(ctx context.Context, inputs []domain.SourceInput) (*domain.AuditReport, error) {
	return uc.run(ctx, func(ctx context.Context) ([]domain.RawRecord, error) {
		var batch []domain.RawRecord
		for _, input := range inputs {
			records, err := uc.repo.GetRawRecords(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("could not get %s records: %w", input.Source, err)
			}
			batch = append(batch, records...)
		}
		return batch, nil
	})
}

// ReconcileBatch runs normalization, key resolution, reconciliation and
// report emission over a finite batch. It either returns a persisted report
// or an error, never a partial report.
func (uc *ReconciliationUseCase) ReconcileBatch(ctx context.Context, batch []domain.RawRecord) (*domain.AuditReport, error) {
	return uc.run(ctx, func(context.Context) ([]domain.RawRecord, error) {
		return batch, nil
	})
}

// run applies the run deadline, then loads the batch and reconciles it.
func (uc *ReconciliationUseCase) run(ctx context.Context, load func(context.Context) ([]domain.RawRecord, error)) (report *domain.AuditReport, err error) {
	start := time.Now()
	ctx, span := uc.tracer.Start(ctx, "reconciliation.run", trace.WithAttributes(
		attribute.String("error_mode", string(uc.cfg.ErrorMode)),
		attribute.String("bucket_width", string(uc.cfg.BucketWidth)),
	))
	defer span.End()

	if uc.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.cfg.Timeout)
		defer cancel()
	}

	var batch []domain.RawRecord
	defer func() {
		outcome := outcomeSuccess
		if err != nil {
			err = uc.classifyRunError(ctx, err)
			outcome = outcomeFailed
			if errors.Is(err, domain.ErrRunTimedOut) {
				outcome = outcomeTimedOut
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			uc.logger.Error().Err(err).Int("records", len(batch)).Msg("reconciliation run failed")
		}
		if uc.metrics != nil {
			uc.metrics.ObserveRun(outcome, start)
		}
	}()

	batch, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("records", len(batch)))

	keyed, unresolved, err := uc.prepare(ctx, batch)
	if err != nil {
		return nil, err
	}

	groups, err := uc.reconciler.Reconcile(ctx, keyed)
	if err != nil {
		return nil, fmt.Errorf("reconcile groups: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report, err = uc.emitter.Emit(ctx, uc.cfg, groups, unresolved)
	if err != nil {
		return nil, fmt.Errorf("emit report: %w", err)
	}

	if uc.metrics != nil {
		uc.metrics.ObserveReport(report)
	}
	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("groups", report.Summary.Groups),
		attribute.Int("unresolved", report.Summary.RecordsUnresolved),
	)
	uc.logger.Info().
		Str("run_id", report.RunID).
		Int("records", report.Summary.RecordsReconciled).
		Int("groups", report.Summary.Groups).
		Int("unresolved", report.Summary.RecordsUnresolved).
		Dur("elapsed", time.Since(start)).
		Msg("reconciliation run completed")
	return report, nil
}

// classifyRunError maps the run deadline to domain.ErrRunTimedOut.
func (uc *ReconciliationUseCase) classifyRunError(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrRunTimedOut) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", domain.ErrRunTimedOut, uc.cfg.Timeout, err)
	}
	return err
}

type prepared struct {
	keyed engine.KeyedRecord
	err   error
}

// prepare normalizes and resolves every record on a bounded worker pool.
// Each worker writes only its own slot, so no locking is needed.
func (uc *ReconciliationUseCase) prepare(ctx context.Context, batch []domain.RawRecord) ([]engine.KeyedRecord, []domain.UnresolvedRecord, error) {
	results := make([]prepared, len(batch))
	failFast := uc.cfg.ErrorMode == domain.ErrorModeFailFast

	g, gctx := errgroup.WithContext(ctx)
	if uc.cfg.Workers > 0 {
		g.SetLimit(uc.cfg.Workers)
	}
	for i, raw := range batch {
		if gctx.Err() != nil {
			break
		}
		// records without a source reference are told apart by batch position
		if raw.Reference == "" {
			raw.Reference = fmt.Sprintf("batch#%d", i+1)
		}
		g.Go(func() error {
			rec, err := uc.normalizer.Normalize(raw)
			var key domain.MatchKey
			if err == nil {
				key, err = uc.resolver.Resolve(gctx, rec)
			}
			results[i] = prepared{keyed: engine.KeyedRecord{Key: key, Record: rec}, err: err}

			var recErr *domain.RecordError
			if err != nil && (failFast || !errors.As(err, &recErr)) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, uc.firstRecordError(results, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	keyed := make([]engine.KeyedRecord, 0, len(results))
	var unresolved []domain.UnresolvedRecord
	for _, r := range results {
		if r.err != nil {
			var recErr *domain.RecordError
			errors.As(r.err, &recErr)
			u := recErr.Unresolved()
			unresolved = append(unresolved, u)
			if uc.metrics != nil {
				uc.metrics.IncrementQuarantined(u)
			}
			uc.logger.Warn().
				Str("source", string(u.SourceSystem)).
				Str("external_id", u.ExternalID).
				Str("reference", u.Reference).
				Str("rule", u.Rule).
				Msg("record quarantined")
			continue
		}
		keyed = append(keyed, r.keyed)
		if uc.metrics != nil {
			uc.metrics.IncrementAccepted(r.keyed.Record.SourceSystem)
		}
	}
	return keyed, unresolved, nil
}

// firstRecordError returns the record error with the lowest batch index so
// fail-fast runs report the same record regardless of worker scheduling.
// Non-record failures are returned as-is.
func (uc *ReconciliationUseCase) firstRecordError(results []prepared, err error) error {
	var recErr *domain.RecordError
	if !errors.As(err, &recErr) {
		return fmt.Errorf("prepare records: %w", err)
	}
	for _, r := range results {
		if r.err != nil && errors.As(r.err, &recErr) {
			return r.err
		}
	}
	return err
}
