package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workledger/internal/domain"
	"workledger/internal/engine"
	"workledger/internal/keyresolver"
	"workledger/internal/metrics"
	"workledger/internal/normalizer"
	"workledger/internal/report"
	mock_report "workledger/internal/report/mocks"
	"workledger/internal/usecase"
	mock_usecase "workledger/internal/usecase/mocks"
)

var (
	deliveryInput  = domain.SourceInput{Source: domain.SourceDelivery, SchemaVersion: "1", Path: "/exports/delivery.csv"}
	timesheetInput = domain.SourceInput{Source: domain.SourceTimesheet, SchemaVersion: "1", Path: "/exports/timesheet.csv"}
	billingInput   = domain.SourceInput{Source: domain.SourceBilling, SchemaVersion: "1", Path: "/exports/billing.csv"}
)

func delivery(id string, hours string) domain.RawRecord {
	seconds := map[string]string{"8": "28800", "5": "18000", "4": "14400"}[hours]
	return domain.RawRecord{
		SourceSystem:  domain.SourceDelivery,
		SchemaVersion: "1",
		Reference:     "delivery.csv#" + id,
		Fields: map[string]string{
			"worklog_id":         id,
			"author":             "E-100",
			"issue_key":          "PAY-42",
			"started_at":         "2025-01-07T09:00:00Z",
			"time_spent_seconds": seconds,
		},
	}
}

func timesheet(id string, hours string) domain.RawRecord {
	return domain.RawRecord{
		SourceSystem:  domain.SourceTimesheet,
		SchemaVersion: "1",
		Reference:     "timesheet.csv#" + id,
		Fields: map[string]string{
			"entry_id":    id,
			"employee_id": "E-100",
			"ticket_id":   "PAY-42",
			"work_date":   "2025-01-08",
			"hours_spent": hours,
		},
	}
}

func billing(id string, quantity, unit string) domain.RawRecord {
	return domain.RawRecord{
		SourceSystem:  domain.SourceBilling,
		SchemaVersion: "1",
		Reference:     "billing.csv#" + id,
		Fields: map[string]string{
			"line_id":       id,
			"consultant_id": "E-100",
			"work_item":     "PAY-42",
			"period_start":  "2025-01-06",
			"period_end":    "2025-01-10",
			"quantity":      quantity,
			"unit":          unit,
		},
	}
}

func runConfig(mode domain.ErrorMode) domain.RunConfig {
	cfg := domain.DefaultRunConfig()
	cfg.Tolerance = domain.Tolerance{Absolute: 1}
	cfg.ErrorMode = mode
	cfg.Workers = 3
	cfg.Timeout = 5 * time.Second
	return cfg
}

type fixture struct {
	uc    *usecase.ReconciliationUseCase
	repo  *mock_usecase.MockRecordRepository
	store *mock_report.MockReportStore
}

func newFixture(t *testing.T, cfg domain.RunConfig, resolver usecase.KeyResolver, opts ...usecase.Option) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mock_usecase.NewMockRecordRepository(ctrl)
	store := mock_report.NewMockReportStore(ctrl)

	if resolver == nil {
		r, err := keyresolver.New(nil, cfg.BucketWidth)
		require.NoError(t, err)
		resolver = r
	}
	eng, err := engine.New(cfg)
	require.NoError(t, err)

	uc, err := usecase.NewReconciliationUseCase(cfg, repo, normalizer.New(), resolver, eng, report.NewBuilder(store), opts...)
	require.NoError(t, err)
	return fixture{uc: uc, repo: repo, store: store}
}

func TestReconciliationUseCase_Reconcile(t *testing.T) {
	tests := []struct {
		name          string
		mode          domain.ErrorMode
		delivery      []domain.RawRecord
		timesheet     []domain.RawRecord
		billing       []domain.RawRecord
		repoErr       error
		wantErr       error
		wantStatus    domain.GroupStatus
		wantVariance  float64
		wantDuplicate bool
		wantMembers   int
		wantUnresolve int
	}{
		{
			name:        "delivery and timesheet agree without billing is partial",
			mode:        domain.ErrorModeQuarantine,
			delivery:    []domain.RawRecord{delivery("WL-1", "8")},
			timesheet:   []domain.RawRecord{timesheet("TS-1", "8")},
			wantStatus:  domain.StatusPartial,
			wantMembers: 2,
		},
		{
			name:         "delivery 8h against timesheet 5h is a conflict of 3h",
			mode:         domain.ErrorModeQuarantine,
			delivery:     []domain.RawRecord{delivery("WL-1", "8")},
			timesheet:    []domain.RawRecord{timesheet("TS-1", "5")},
			wantStatus:   domain.StatusConflict,
			wantVariance: 3,
			wantMembers:  2,
		},
		{
			name:          "two timesheet entries on the same key are duplicates",
			mode:          domain.ErrorModeQuarantine,
			delivery:      []domain.RawRecord{delivery("WL-1", "8")},
			timesheet:     []domain.RawRecord{timesheet("TS-1", "4"), timesheet("TS-2", "4")},
			billing:       []domain.RawRecord{billing("INV-1", "8", "HOURS")},
			wantStatus:    domain.StatusMatched,
			wantDuplicate: true,
			wantMembers:   4,
		},
		{
			name:          "malformed billing line is quarantined",
			mode:          domain.ErrorModeQuarantine,
			delivery:      []domain.RawRecord{delivery("WL-1", "8")},
			timesheet:     []domain.RawRecord{timesheet("TS-1", "8")},
			billing:       []domain.RawRecord{billing("INV-1", "eight", "HOURS")},
			wantStatus:    domain.StatusPartial,
			wantMembers:   2,
			wantUnresolve: 1,
		},
		{
			name:      "malformed billing line aborts a fail-fast run",
			mode:      domain.ErrorModeFailFast,
			delivery:  []domain.RawRecord{delivery("WL-1", "8")},
			timesheet: []domain.RawRecord{timesheet("TS-1", "8")},
			billing:   []domain.RawRecord{billing("INV-1", "eight", "HOURS")},
			wantErr:   domain.ErrMalformedRecord,
		},
		{
			name:      "billing in currency cannot be compared with hours",
			mode:      domain.ErrorModeQuarantine,
			delivery:  []domain.RawRecord{delivery("WL-1", "8")},
			timesheet: []domain.RawRecord{timesheet("TS-1", "8")},
			billing:   []domain.RawRecord{billing("INV-1", "1200", "EUR")},
			wantErr:   domain.ErrIncomparableUnits,
		},
		{
			name:    "repository error",
			mode:    domain.ErrorModeQuarantine,
			repoErr: errors.New("failed to read delivery export"),
			wantErr: errors.New("any"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, runConfig(tt.mode), nil)

			if tt.repoErr != nil {
				f.repo.EXPECT().GetRawRecords(gomock.Any(), deliveryInput).Return(nil, tt.repoErr)
			} else {
				f.repo.EXPECT().GetRawRecords(gomock.Any(), deliveryInput).Return(tt.delivery, nil)
				f.repo.EXPECT().GetRawRecords(gomock.Any(), timesheetInput).Return(tt.timesheet, nil)
				f.repo.EXPECT().GetRawRecords(gomock.Any(), billingInput).Return(tt.billing, nil)
			}
			if tt.wantErr == nil {
				f.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil).Times(1)
			}

			got, err := f.uc.Reconcile(context.Background(), []domain.SourceInput{deliveryInput, timesheetInput, billingInput})

			if tt.wantErr != nil {
				assert.Error(t, err)
				if tt.repoErr == nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				assert.Nil(t, got)
				return
			}

			require.NoError(t, err)
			require.Len(t, got.Groups, 1)
			g := got.Groups[0]
			assert.Equal(t, domain.MatchKey{SubjectID: "E-100", WorkItemID: "PAY-42", PeriodBucket: "2025-01-06"}, g.Key)
			assert.Equal(t, tt.wantStatus, g.Status)
			assert.InDelta(t, tt.wantVariance, g.VarianceMagnitude, 1e-9)
			assert.Equal(t, tt.wantDuplicate, g.Duplicate)
			assert.Len(t, g.Members, tt.wantMembers)
			assert.Len(t, got.Unresolved, tt.wantUnresolve)
			assert.Equal(t, tt.wantMembers, got.Summary.RecordsReconciled)
		})
	}
}

func TestReconciliationUseCase_QuarantineProvenance(t *testing.T) {
	f := newFixture(t, runConfig(domain.ErrorModeQuarantine), nil)
	f.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)

	got, err := f.uc.ReconcileBatch(context.Background(), []domain.RawRecord{
		delivery("WL-1", "8"),
		billing("INV-9", "eight", "HOURS"),
		timesheet("TS-1", "8"),
	})
	require.NoError(t, err)

	require.Len(t, got.Unresolved, 1)
	u := got.Unresolved[0]
	assert.Equal(t, domain.SourceBilling, u.SourceSystem)
	assert.Equal(t, "INV-9", u.ExternalID)
	assert.Equal(t, "billing.csv#INV-9", u.Reference)
	assert.Equal(t, domain.ErrMalformedRecord.Error(), u.Kind)
	assert.Equal(t, "quantity must be a finite number", u.Rule)
	assert.Equal(t, 1, got.Summary.RecordsUnresolved)
	assert.Equal(t, domain.StatusPartial, got.Groups[0].Status)
}

func TestReconciliationUseCase_Idempotent(t *testing.T) {
	batch := []domain.RawRecord{
		delivery("WL-1", "8"),
		timesheet("TS-1", "5"),
		billing("INV-1", "8", "HOURS"),
		billing("INV-2", "eight", "HOURS"),
	}
	reversed := make([]domain.RawRecord, len(batch))
	for i := range batch {
		reversed[len(batch)-1-i] = batch[i]
	}

	f := newFixture(t, runConfig(domain.ErrorModeQuarantine), nil)
	f.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	first, err := f.uc.ReconcileBatch(context.Background(), batch)
	require.NoError(t, err)
	second, err := f.uc.ReconcileBatch(context.Background(), reversed)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Groups, second.Groups)
	assert.Equal(t, first.Unresolved, second.Unresolved)
	assert.Equal(t, first.Summary, second.Summary)
}

// blockingResolver never resolves before the run context ends.
type blockingResolver struct{}

func (blockingResolver) Resolve(ctx context.Context, _ domain.EffortRecord) (domain.MatchKey, error) {
	<-ctx.Done()
	return domain.MatchKey{}, ctx.Err()
}

func TestReconciliationUseCase_Timeout(t *testing.T) {
	cfg := runConfig(domain.ErrorModeQuarantine)
	cfg.Timeout = 20 * time.Millisecond
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// No Save expectation: a timed out run must never reach the store.
	f := newFixture(t, cfg, blockingResolver{}, usecase.WithMetrics(m))

	got, err := f.uc.ReconcileBatch(context.Background(), []domain.RawRecord{delivery("WL-1", "8")})
	assert.ErrorIs(t, err, domain.ErrRunTimedOut)
	assert.Nil(t, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("timed_out")))
}

func TestReconciliationUseCase_IngestionTimeout(t *testing.T) {
	cfg := runConfig(domain.ErrorModeQuarantine)
	cfg.Timeout = 20 * time.Millisecond
	f := newFixture(t, cfg, nil)

	f.repo.EXPECT().GetRawRecords(gomock.Any(), deliveryInput).
		DoAndReturn(func(ctx context.Context, _ domain.SourceInput) ([]domain.RawRecord, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	got, err := f.uc.Reconcile(context.Background(), []domain.SourceInput{deliveryInput, timesheetInput})
	assert.ErrorIs(t, err, domain.ErrRunTimedOut)
	assert.Nil(t, got)
}

func TestReconciliationUseCase_ExactDuplicateWithoutReference(t *testing.T) {
	entry := timesheet("TS-1", "8")
	entry.Reference = ""
	twin := timesheet("TS-1", "8")
	twin.Reference = ""

	f := newFixture(t, runConfig(domain.ErrorModeQuarantine), nil)
	f.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil)

	got, err := f.uc.ReconcileBatch(context.Background(), []domain.RawRecord{entry, twin, delivery("WL-1", "8")})
	require.NoError(t, err)

	require.Len(t, got.Groups, 1)
	g := got.Groups[0]
	assert.True(t, g.Duplicate)
	assert.True(t, g.NeedsReview)
	require.Len(t, g.Members, 3)
	assert.Empty(t, got.Unresolved)

	refs := map[string]bool{}
	for _, m := range g.Members {
		refs[m.RawPayloadReference] = true
	}
	assert.Len(t, refs, 3)
	assert.True(t, refs["batch#1"])
	assert.True(t, refs["batch#2"])
}

func TestReconciliationUseCase_ParentCancellation(t *testing.T) {
	f := newFixture(t, runConfig(domain.ErrorModeQuarantine), blockingResolver{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	got, err := f.uc.ReconcileBatch(ctx, []domain.RawRecord{delivery("WL-1", "8")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrRunTimedOut)
	assert.Nil(t, got)
}

func TestReconciliationUseCase_StoreFailure(t *testing.T) {
	f := newFixture(t, runConfig(domain.ErrorModeQuarantine), nil)
	f.store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

	got, err := f.uc.ReconcileBatch(context.Background(), []domain.RawRecord{delivery("WL-1", "8")})
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestNewReconciliationUseCase_InvalidConfig(t *testing.T) {
	cfg := runConfig(domain.ErrorModeQuarantine)
	cfg.BucketWidth = "fortnight"
	_, err := usecase.NewReconciliationUseCase(cfg, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfigurationInvalid)
}
