package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// DB is the shared connection pool. It stays nil when auditing is disabled;
// callers treat a nil pool as "no persistence configured".
var DB *sql.DB

// DBConfig holds postgres connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c DBConfig) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// InitDB opens the connection pool and verifies the server is reachable.
func InitDB(cfg DBConfig) error {
	pool, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(25)
	pool.SetConnMaxLifetime(5 * time.Minute)

	if err := pool.Ping(); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}

	DB = pool
	log.Info().Str("host", cfg.Host).Str("dbname", cfg.DBName).Msg("Connected to postgres")
	return nil
}

// CloseDB closes the pool if one was opened.
func CloseDB() {
	if DB == nil {
		return
	}
	if err := DB.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing database connection")
	}
}

// EnsureSchema creates the audit journal tables when they do not exist yet.
func EnsureSchema() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	schemaSQL := `
		CREATE TABLE IF NOT EXISTS audit_events (
			event_id SERIAL PRIMARY KEY,
			event_timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			kind VARCHAR(50) NOT NULL,
			commitment_id BIGINT,
			actor VARCHAR(255),
			attributes JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(event_timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_events_commitment ON audit_events(commitment_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_kind ON audit_events(kind);
	`
	if _, err := DB.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema DDL: %w", err)
	}
	log.Info().Msg("Database schema ensured")
	return nil
}

// TestDBConnection pings with a short deadline; used by the health endpoint.
func TestDBConnection() error {
	if DB == nil {
		return fmt.Errorf("database not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
