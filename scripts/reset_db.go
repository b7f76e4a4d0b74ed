package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/commitlabs/clm/internal/logger"
	"github.com/commitlabs/clm/internal/state"
)

// Drops and recreates the audit schema. Destructive: every recorded event
// is lost, so this is for development databases only.
func main() {
	logger.Initialize(envOr("LOG_LEVEL", "info"))

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on OS environment variables")
	}

	port, err := strconv.Atoi(envOr("DB_PORT", "5432"))
	if err != nil {
		log.Fatal().Err(err).Msg("DB_PORT must be an integer")
	}

	cfg := state.DBConfig{
		Host:     envOr("DB_HOST", "localhost"),
		Port:     port,
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		DBName:   os.Getenv("DB_NAME"),
		SSLMode:  envOr("DB_SSLMODE", "disable"),
	}
	if cfg.User == "" || cfg.DBName == "" {
		log.Fatal().Msg("DB_USER and DB_NAME must be set")
	}

	if err := state.InitDB(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer state.CloseDB()

	log.Info().Str("dbname", cfg.DBName).Msg("Dropping audit tables")
	if _, err := state.DB.Exec(`DROP TABLE IF EXISTS audit_events CASCADE`); err != nil {
		log.Fatal().Err(err).Msg("Failed to drop tables")
	}

	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to recreate schema")
	}
	log.Info().Msg("Database reset complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
