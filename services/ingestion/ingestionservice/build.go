package ingestionservice

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/machine-telemetry/pkg/bqstore"
	"github.com/illmade-knight/machine-telemetry/pkg/flusher"
	"github.com/illmade-knight/machine-telemetry/pkg/metrics"
	"github.com/illmade-knight/machine-telemetry/pkg/mqttsession"
	"github.com/illmade-knight/machine-telemetry/pkg/registry"
	"github.com/illmade-knight/machine-telemetry/pkg/sqlstore"
	"github.com/illmade-knight/machine-telemetry/pkg/topics"
)

// BuildRegistry creates the registry selected by cfg. The returned *sql.DB is
// non-nil when the registry opened a database connection.
func BuildRegistry(ctx context.Context, cfg *Config, db *sql.DB, logger zerolog.Logger) (registry.Registry, *sql.DB, error) {
	switch cfg.Registry.Source {
	case RegistrySourceFile:
		return registry.NewFileRegistry(cfg.Registry.File), db, nil
	case RegistrySourceSQL:
		if db == nil {
			var err error
			if db, err = sqlstore.Open(ctx, cfg.Database.DSN); err != nil {
				return nil, nil, err
			}
		}
		return registry.NewSQLRegistry(db, cfg.Registry.Table, cfg.Registry.ActiveColumn, logger), db, nil
	default:
		return nil, db, fmt.Errorf("unknown registry source %q", cfg.Registry.Source)
	}
}

// Build assembles a Coordinator and its backends from configuration. The
// returned cleanup releases every client that was opened, and must be called
// after the coordinator has stopped.
func Build(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Coordinator, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Coordinator, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	var db *sql.DB
	if cfg.Registry.Source == RegistrySourceSQL || cfg.Sink.Backend == SinkPostgres {
		var err error
		if db, err = sqlstore.Open(ctx, cfg.Database.DSN); err != nil {
			return fail(err)
		}
		closers = append(closers, func() {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("Error closing database")
			}
		})
	}

	reg, _, err := BuildRegistry(ctx, cfg, db, logger)
	if err != nil {
		return fail(err)
	}

	var inserter flusher.ReadingInserter
	switch cfg.Sink.Backend {
	case SinkPostgres:
		inserter = sqlstore.NewReadingSink(db, cfg.Sink.Table, cfg.Sink.Returning, logger)
	case SinkBigQuery:
		bqCfg := cfg.BigQueryConfig()
		client, err := bqstore.NewClient(ctx, bqCfg, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = client.Close() })
		if inserter, err = bqstore.NewInserter(ctx, client, bqCfg, logger); err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("unknown sink backend %q", cfg.Sink.Backend))
	}
	closers = append(closers, func() { _ = inserter.Close() })

	m := metrics.New()
	snapshot := registry.NewSnapshot()
	deps := Dependencies{
		Registry: reg,
		Snapshot: snapshot,
		Flusher:  flusher.New(cfg.FlusherConfig(), inserter, m, logger),
		Resolver: topics.NewResolver(cfg.Topics.VariantAPrefix),
		Metrics:  m,
	}

	if cfg.Registry.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Registry.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse registry.redis_url: %w", err))
		}
		rdb := redis.NewClient(opts)
		closers = append(closers, func() { _ = rdb.Close() })
		lookup := registry.NewRedisLookup(rdb, cfg.Registry.CacheTTL, snapshot, logger)
		deps.Lookup = lookup
		deps.Primer = lookup
	}

	session := mqttsession.New(cfg.SessionConfig(), logger)
	session.OnStateChange(func(s mqttsession.State) {
		m.SetConnected(s >= mqttsession.StateConnected && s != mqttsession.StateClosed)
	})
	deps.Session = session

	coordinator, err := NewCoordinator(cfg.CoordinatorConfig(), deps, logger)
	if err != nil {
		return fail(err)
	}
	return coordinator, cleanup, nil
}
