package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultMaxConns = 25
	defaultAppName  = "labnotify"
)

// DB is the Postgres pool behind the notification, activity, settings and
// user repositories. The gateway shares one DB between the activity engine,
// the API handlers and the SQS intake; backfill opens its own.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Config locates the labnotify database. MaxConns and AppName fall back to
// 25 and "labnotify" when zero.
type Config struct {
	Host     string
	Password string
	User     string
	Database string
	SSLMode  string
	Port     int
	MaxConns int32
	// AppName is reported as application_name so pg_stat_activity tells the
	// gateway and backfill connections apart.
	AppName string
}

// DSN renders the key/value connection string, omitting an empty password.
func (c Config) DSN() string {
	parts := []string{
		"host=" + c.Host,
		fmt.Sprintf("port=%d", c.Port),
		"user=" + c.User,
	}
	if c.Password != "" {
		parts = append(parts, "password="+c.Password)
	}
	parts = append(parts, "dbname="+c.Database, "sslmode="+c.SSLMode)
	return strings.Join(parts, " ")
}

func (c Config) appName() string {
	if c.AppName == "" {
		return defaultAppName
	}
	return c.AppName
}

// New opens the pool and pings it once; a database that is down fails
// startup instead of the first activity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolConfig.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.appName()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("notification store connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("application_name", cfg.appName()),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{pool: pool, logger: logger}, nil
}

// Close releases the pool after the dispatcher has drained.
func (db *DB) Close() {
	db.logger.Info("closing notification store")
	db.pool.Close()
}

// Pool is used by Repository for its queries.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Health backs the gateway's /health check.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
