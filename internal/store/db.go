package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ledgerlens/ledgerlens/internal/common"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Open connects the SQL-backed document store. Postgres DSNs
// (postgres://, postgresql://) go through a pgx pool; anything else is
// treated as a sqlite path (":memory:" included) via modernc.org/sqlite.
func Open(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		return openPostgres(ctx, cfg, logger)
	}
	return openSQLite(ctx, cfg.DSN, logger)
}

func openPostgres(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (*SQLStore, error) {
	logger.Info("store.connect", "dialect", "postgres")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("store.connect_failed", "error", err)
		return nil, err
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "ledgerlens"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = cfg.StatementTimeout.String()
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("store.connect_failed", "error", err)
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	s := &SQLStore{db: db, pool: pool, dialect: dialectPostgres, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("store.connected", "dialect", "postgres")
	return s, nil
}

func openSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	logger.Info("store.connect", "dialect", "sqlite", "dsn", dsn)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error("store.connect_failed", "error", err)
		return nil, err
	}
	// modernc sqlite handles are not safe for concurrent writes over
	// multiple connections.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: dialectSQLite, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store.connected", "dialect", "sqlite")
	return s, nil
}

// Close closes the database connections gracefully.
func (s *SQLStore) Close() error {
	s.logger.Info("store.closing")
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// HealthCheck pings the store to catch DSN issues early.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
