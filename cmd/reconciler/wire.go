package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"workledger/internal/config"
	"workledger/internal/engine"
	"workledger/internal/gateway"
	"workledger/internal/keyresolver"
	"workledger/internal/metrics"
	"workledger/internal/normalizer"
	"workledger/internal/report"
	"workledger/internal/usecase"
)

// runtime holds the wired usecase and the resources it borrows.
type runtime struct {
	usecase  *usecase.ReconciliationUseCase
	registry *prometheus.Registry
	textfile string
	closers  []func()
}

// Close releases every opened resource in reverse order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (rt *runtime) exportMetrics() error {
	if rt.textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(rt.textfile, rt.registry)
}

// buildRuntime wires the adapters selected by cfg into a usecase.
func buildRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, stdout io.Writer) (*runtime, error) {
	rt := &runtime{registry: prometheus.NewRegistry(), textfile: cfg.Metrics.TextFile}
	if err := rt.wire(ctx, cfg, logger, stdout); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context, cfg *config.Config, logger zerolog.Logger, stdout io.Writer) error {
	aliases, err := rt.aliasStore(ctx, cfg.Aliases, logger)
	if err != nil {
		return err
	}
	resolver, err := keyresolver.New(aliases, cfg.Run.BucketWidth)
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg.Run, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	sinks, err := rt.reportSinks(ctx, cfg.Report, stdout)
	if err != nil {
		return err
	}

	uc, err := usecase.NewReconciliationUseCase(
		cfg.Run,
		gateway.NewCSVRecordRepository(),
		normalizer.New(),
		resolver,
		eng,
		report.NewBuilder(sinks, report.WithLogger(logger)),
		usecase.WithLogger(logger),
		usecase.WithMetrics(metrics.New(rt.registry)),
	)
	if err != nil {
		return err
	}
	rt.usecase = uc
	return nil
}

// aliasStore returns the configured alias store, or nil when none is set.
// When both a file and Redis are configured the file seeds Redis.
func (rt *runtime) aliasStore(ctx context.Context, cfg config.AliasConfig, logger zerolog.Logger) (keyresolver.AliasStore, error) {
	var table *gateway.AliasTable
	if cfg.File != "" {
		t, err := gateway.LoadAliasTable(cfg.File)
		if err != nil {
			return nil, err
		}
		table = t
		logger.Debug().Str("file", cfg.File).Int("aliases", t.Len()).Msg("alias table loaded")
	}

	if cfg.RedisURL == "" {
		if table == nil {
			return nil, nil
		}
		return table, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	store := gateway.NewRedisAliasStore(client)
	if table != nil {
		if err := store.Put(ctx, table.Aliases()...); err != nil {
			return nil, err
		}
		logger.Info().Int("aliases", table.Len()).Msg("alias table seeded into redis")
	}
	return store, nil
}

// reportSinks opens every configured report sink.
func (rt *runtime) reportSinks(ctx context.Context, cfg config.ReportConfig, stdout io.Writer) (gateway.MultiReportStore, error) {
	format := gateway.ReportFormat(cfg.Format)

	var sinks gateway.MultiReportStore
	switch cfg.Output {
	case "":
	case "-":
		sinks = append(sinks, gateway.NewWriterReportStore(stdout, format))
	default:
		sinks = append(sinks, gateway.NewFileReportStore(cfg.Output, format))
	}

	if cfg.PostgresDSN != "" {
		db, err := openPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		store := gateway.NewPostgresReportStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, store)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		store, err := gateway.NewKafkaReportStore(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
		if err := store.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			return nil, err
		}
		sinks = append(sinks, store)
	}
	return sinks, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}
