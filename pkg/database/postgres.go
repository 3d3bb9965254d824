package database

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL represents a PostgreSQL database connection
type PostgreSQL struct {
	pool *pgxpool.Pool
}

// PostgreSQLConfig holds connection parameters for one database. The Database
// field is treated as a base name; ForRealm derives the per-realm database
// from it, since every realm is backed by its own database.
type PostgreSQLConfig struct {
	User              string
	Password          string
	Host              string
	Port              int
	Database          string
	SSLMode           string
	MaxConnections    int32
	ConnectionTimeout time.Duration
}

// ForRealm returns a copy of the config pointing at the realm's database.
// An empty realm keeps the base database name.
func (cfg PostgreSQLConfig) ForRealm(realm string) PostgreSQLConfig {
	out := cfg
	if realm != "" {
		out.Database = fmt.Sprintf("%s_%s", cfg.Database, realm)
	}
	return out
}

// New creates a new PostgreSQL instance
func New(ctx context.Context, cfg PostgreSQLConfig) (*PostgreSQL, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required - must be provided in config or TABLECAT_DATABASE_NAME environment variable")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("database user is required")
	}

	// Use pgxpool.ParseConfig to handle special characters in passwords
	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("failed to create connection config: %w", err)
	}

	// Set connection parameters individually to avoid URL parsing issues
	poolConfig.ConnConfig.Host = cfg.Host
	poolConfig.ConnConfig.Port = uint16(cfg.Port)
	poolConfig.ConnConfig.Database = cfg.Database
	poolConfig.ConnConfig.User = cfg.User
	poolConfig.ConnConfig.Password = cfg.Password
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout

	// Set SSL mode through TLS config
	switch cfg.SSLMode {
	case "disable":
		poolConfig.ConnConfig.TLSConfig = nil
	case "require", "prefer":
		// pgx handles the TLS negotiation automatically for these modes
	default:
	}

	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MaxConnIdleTime = cfg.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgreSQL{pool: pool}, nil
}

// FromEnv builds a config from TABLECAT_DATABASE_* environment variables,
// falling back to local defaults for anything unset.
func FromEnv() PostgreSQLConfig {
	cfg := PostgreSQLConfig{
		User:              envOr("TABLECAT_DATABASE_USER", "tablecat"),
		Password:          envOr("TABLECAT_DATABASE_PASSWORD", "tablecat"),
		Host:              envOr("TABLECAT_DATABASE_HOST", "localhost"),
		Port:              5432,
		Database:          envOr("TABLECAT_DATABASE_NAME", "tablecat"),
		SSLMode:           envOr("TABLECAT_DATABASE_SSLMODE", "disable"),
		MaxConnections:    40,
		ConnectionTimeout: 5 * time.Second,
	}
	if port := os.Getenv("TABLECAT_DATABASE_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Port = parsed
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Pool returns the underlying connection pool
func (db *PostgreSQL) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the database connection
func (db *PostgreSQL) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}
