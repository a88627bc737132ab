package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/coursecal/syllabus-ingest/internal/common"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Store owns the database handle shared by the typed repositories. Postgres
// runs through a pgx pool wrapped as database/sql; sqlite through the pure-Go
// driver, used for single-node deployments and tests.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect string
	log     *slog.Logger
}

// Open creates the database handle for the configured driver.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case DialectPostgres:
		return openPostgres(ctx, cfg, logger)
	case DialectSQLite:
		return openSQLite(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	logger.Info("connecting to database", "driver", cfg.Driver)
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database config", "error", err)
		return nil, err
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "syllabus-ingest"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = cfg.StatementTimeout.String()
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dctx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	logger.Info("successfully connected to database")
	return &Store{
		db:      stdlib.OpenDBFromPool(pool),
		pool:    pool,
		dialect: DialectPostgres,
		log:     logger,
	}, nil
}

func openSQLite(cfg common.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error("failed to open sqlite database", "error", err)
		return nil, err
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	logger.Info("opened sqlite database", "dsn", dsn)
	return &Store{db: db, dialect: DialectSQLite, log: logger}, nil
}

// Close closes the database connections gracefully.
func (s *Store) Close() {
	s.log.Info("closing database connections")
	if err := s.db.Close(); err != nil {
		s.log.Error("failed to close database handle", "error", err)
	}
	if s.pool != nil {
		s.pool.Close()
	}
	s.log.Info("database connections closed")
}

// HealthCheck pings the database to catch DSN issues early.
func (s *Store) HealthCheck(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Dialect() string { return s.dialect }

// rebind rewrites ? placeholders to $n for postgres. Queries are written
// once in sqlite style and rebound per dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
