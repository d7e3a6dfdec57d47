// Package backend opens the configured storage backend.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidzk3/perps-ops-control-tower/internal/config"
	"github.com/davidzk3/perps-ops-control-tower/internal/logging"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
	chstore "github.com/davidzk3/perps-ops-control-tower/internal/storage/clickhouse"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage/memory"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage/migrations"
	pgstore "github.com/davidzk3/perps-ops-control-tower/internal/storage/postgres"
)

// Stores bundles the stores of one backend.
type Stores struct {
	Raw      storage.RawEventStore
	Features storage.FeatureStore
	Risk     storage.RiskStore // nil for clickhouse
	close    func() error
}

// Close releases the backend connection.
func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open connects to cfg.Backend, applying migrations first if cfg.Migrate is set.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*Stores, error) {
	logger = logging.OrNop(logger).With(zap.String("component", "storage"), zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage, data is lost on exit")
		return &Stores{
			Raw:      memory.NewRawEventStore(),
			Features: memory.NewFeatureStore(),
			Risk:     memory.NewRiskStore(),
		}, nil

	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.Migrate {
			applied, err := migrations.RunPostgresMigrations(ctx, pool)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("postgres migrations: %w", err)
			}
			logger.Info("migrations applied", zap.Strings("files", applied))
		}
		return &Stores{
			Raw:      pgstore.NewRawEventStore(pool),
			Features: pgstore.NewFeatureStore(pool),
			Risk:     pgstore.NewRiskStore(pool),
			close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	case config.BackendClickHouse:
		var (
			conn *chstore.Conn
			err  error
		)
		if cfg.Migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
			if err != nil {
				return nil, fmt.Errorf("clickhouse migrations: %w", err)
			}
			logger.Info("migrations applied")
		} else {
			conn, err = chstore.NewConn(ctx, cfg.ClickHouseDSN)
			if err != nil {
				return nil, fmt.Errorf("connect clickhouse: %w", err)
			}
		}
		return &Stores{
			Raw:      chstore.NewRawEventStore(conn),
			Features: chstore.NewFeatureStore(conn),
			close:    conn.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
