//go:build integration

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"workledger/internal/domain"
	"workledger/internal/testutil/containers"
)

func TestRedisAliasStore_Integration(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	store := NewRedisAliasStore(rc.Client)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx,
		domain.Alias{Kind: domain.AliasSubject, Source: domain.SourceDelivery, ExternalID: "jdoe", CanonicalID: "E-100"},
		domain.Alias{Kind: domain.AliasSubject, Source: domain.AnySource, ExternalID: "C-7", CanonicalID: "E-100"},
		domain.Alias{Kind: domain.AliasWorkItem, Source: domain.SourceBilling, ExternalID: "LINE-9", CanonicalID: "PAY-12"},
	))

	tests := []struct {
		name      string
		kind      domain.AliasKind
		source    domain.SourceSystem
		id        string
		wantID    string
		wantFound bool
	}{
		{"source specific", domain.AliasSubject, domain.SourceDelivery, "jdoe", "E-100", true},
		{"other source does not see it", domain.AliasSubject, domain.SourceBilling, "jdoe", "", false},
		{"wildcard source", domain.AliasSubject, domain.SourceTimesheet, "C-7", "E-100", true},
		{"work item kind", domain.AliasWorkItem, domain.SourceBilling, "LINE-9", "PAY-12", true},
		{"unknown", domain.AliasWorkItem, domain.SourceBilling, "nope", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, found, err := store.Lookup(ctx, tt.kind, tt.source, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestPostgresReportStore_Integration(t *testing.T) {
	pc := containers.NewPostgresContainer(t)
	store := NewPostgresReportStore(pc.DB)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	// migrations are idempotent
	require.NoError(t, store.Migrate(ctx))

	report := sampleReport()
	report.Groups[0].Members = []domain.EffortRecord{
		{SourceSystem: domain.SourceDelivery, ExternalID: "WL-1", RawPayloadReference: "delivery.csv#2", Unit: domain.UnitHours},
		{SourceSystem: domain.SourceTimesheet, ExternalID: "TS-1", RawPayloadReference: "timesheet.csv#2", Unit: domain.UnitHours},
	}
	require.NoError(t, store.Save(ctx, report))

	t.Run("load returns the stored report", func(t *testing.T) {
		got, err := store.Load(ctx, report.RunID)
		require.NoError(t, err)
		assert.Equal(t, report.Digest, got.Digest)
		assert.True(t, report.GeneratedAt.Equal(got.GeneratedAt))
		require.Len(t, got.Groups, 1)
		assert.Equal(t, report.Groups[0].Key, got.Groups[0].Key)
		assert.Len(t, got.Groups[0].Members, 2)
	})

	t.Run("groups are stored as rows", func(t *testing.T) {
		var status string
		var members int
		err := pc.DB.QueryRowContext(ctx,
			`SELECT status, cardinality(member_ids) FROM audit_report_groups WHERE run_id = $1`,
			report.RunID).Scan(&status, &members)
		require.NoError(t, err)
		assert.Equal(t, string(domain.StatusMatched), status)
		assert.Equal(t, 2, members)
	})

	t.Run("a run is never overwritten", func(t *testing.T) {
		err := store.Save(ctx, report)
		assert.ErrorIs(t, err, ErrReportExists)
	})

	t.Run("list runs", func(t *testing.T) {
		runs, err := store.ListRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, report.RunID, runs[0].RunID)
		assert.Equal(t, 1, runs[0].Groups)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := store.Load(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrReportNotFound)
	})
}

func TestKafkaReportStore_Integration(t *testing.T) {
	rp := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const topic = "workledger.reports"
	store, err := NewKafkaReportStore([]string{rp.Broker}, topic)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureTopic(ctx, 1, 1))
	require.NoError(t, store.EnsureTopic(ctx, 1, 1))

	report := sampleReport()
	require.NoError(t, store.Save(ctx, report))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.Empty(t, fetches.Errors())
	records := fetches.Records()
	require.Len(t, records, 1)
	assert.Equal(t, report.RunID, string(records[0].Key))
	assert.Contains(t, string(records[0].Value), report.Digest)
	require.NotEmpty(t, records[0].Headers)
	assert.Equal(t, HeaderDigest, records[0].Headers[0].Key)
	assert.Equal(t, report.Digest, string(records[0].Headers[0].Value))
}
