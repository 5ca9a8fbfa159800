package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentplane/internal/common/config"
)

const (
	postgresApplicationName = "agentplane"
	postgresConnectTimeout  = 10 * time.Second
	postgresMaxIdleTime     = 5 * time.Minute
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5
)

// openPostgres opens a pgx-backed pool tagged with the application name so
// the orchestrator's sessions are recognisable in pg_stat_activity. Reader
// and writer share it.
func openPostgres(cfg config.DatabaseConfig) (*Pool, error) {
	connCfg, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("invalid postgres configuration: %w", err)
	}
	connCfg.RuntimeParams["application_name"] = postgresApplicationName
	if connCfg.ConnectTimeout == 0 {
		connCfg.ConnectTimeout = postgresConnectTimeout
	}

	conn := stdlib.OpenDB(*connCfg)
	maxConns, minConns := cfg.MaxConns, cfg.MinConns
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)
	conn.SetConnMaxIdleTime(postgresMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to reach postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	x := sqlx.NewDb(conn, DriverPostgres)
	return NewPool(x, x), nil
}
