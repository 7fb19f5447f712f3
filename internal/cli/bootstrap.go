package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/helphut/ticket-service/internal/config"
	"github.com/helphut/ticket-service/internal/logging"
	"github.com/helphut/ticket-service/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// runtime bundles what every command needs: settings, logger and an open store.
type runtime struct {
	cfg    config.Config
	logger zerolog.Logger
	repo   store.Repository
	pool   *pgxpool.Pool
	sqlite *sql.DB
}

// loadRuntime reads configuration, builds the logger and loads .env files for
// local development before viper reads the environment.
func loadRuntime(forServe bool) (*runtime, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(forServe); err != nil {
		return nil, err
	}

	logger := logging.New(cfg.AppEnv, cfg.LogLevel)
	return &runtime{cfg: cfg, logger: logger}, nil
}

// openStore connects the configured driver and optionally applies migrations.
func (rt *runtime) openStore(ctx context.Context, migrate bool) error {
	log := rt.logger.With().Str("component", "bootstrap").Logger()

	switch rt.cfg.DatabaseDriver {
	case config.DriverSQLite:
		db, err := store.OpenSQLite(rt.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		rt.sqlite = db
		log.Info().Str("path", rt.cfg.SQLitePath).Msg("sqlite store opened")
		if migrate {
			applied, err := store.MigrateSQLite(ctx, db)
			if err != nil {
				return fmt.Errorf("migrate sqlite: %w", err)
			}
			log.Info().Strs("applied", applied).Msg("migrations applied")
		}
		rt.repo = store.NewSQLiteRepository(db, rt.cfg.NotificationExchange)

	default:
		poolConfig, err := pgxpool.ParseConfig(rt.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("parse database url: %w", err)
		}
		poolConfig.MaxConns = rt.cfg.DBMaxConns
		poolConfig.MinConns = rt.cfg.DBMinConns
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return fmt.Errorf("ping database: %w", err)
		}
		rt.pool = pool
		log.Info().Int32("max_conns", poolConfig.MaxConns).Msg("database connected")
		if migrate {
			applied, err := store.MigratePostgres(ctx, pool)
			if err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
			log.Info().Strs("applied", applied).Msg("migrations applied")
		}
		rt.repo = store.NewPostgresRepository(pool, rt.cfg.NotificationExchange)
	}
	return nil
}

func (rt *runtime) close() {
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.sqlite != nil {
		_ = rt.sqlite.Close()
	}
}
