package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/commitlabs/clm/internal/types"
)

// AppConfig holds all application configuration loaded from environment variables.
// These are populated at startup by the LoadConfig function.
var (
	// AdminAddress is the protocol admin: pool registration, verifier
	// management, rate limit tuning, pause.
	AdminAddress types.Address

	// OracleAddress is the designated value updater for commitments.
	OracleAddress types.Address

	// JWTSecret signs and verifies bearer tokens on the web surface.
	JWTSecret string

	// CacheBackend selects the health metrics cache: "memory" or "redis".
	CacheBackend string

	// RedisAddr is the redis endpoint, required when CacheBackend is "redis".
	RedisAddr string

	// AuditEnabled controls whether the postgres audit recorder is wired in.
	AuditEnabled bool

	// ComplianceThreshold overrides the default minimum verify_compliance
	// score when CLM_COMPLIANCE_THRESHOLD is set.
	ComplianceThreshold int
)

// LoadConfig loads configuration from environment variables and sets the global config vars.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	admin, err := getEnv("CLM_ADMIN_ADDRESS")
	if err != nil {
		return err
	}
	AdminAddress = types.Address(admin)

	oracle, err := getEnv("CLM_ORACLE_ADDRESS")
	if err != nil {
		return err
	}
	OracleAddress = types.Address(oracle)

	JWTSecret, err = getEnv("CLM_JWT_SECRET")
	if err != nil {
		return err
	}

	CacheBackend = getEnvOr("CLM_CACHE_BACKEND", "memory")
	if CacheBackend == "redis" {
		RedisAddr, err = getEnv("CLM_REDIS_ADDR")
		if err != nil {
			return err
		}
	}

	AuditEnabled = getEnvOr("CLM_AUDIT_ENABLED", "false") == "true"

	ComplianceThreshold = DefaultEngineParameters.ComplianceThreshold
	if _, exists := os.LookupEnv("CLM_COMPLIANCE_THRESHOLD"); exists {
		ComplianceThreshold, err = getEnvAsInt("CLM_COMPLIANCE_THRESHOLD")
		if err != nil {
			return err
		}
		if ComplianceThreshold < 0 || ComplianceThreshold > 100 {
			return errors.New("CLM_COMPLIANCE_THRESHOLD must be 0-100")
		}
	}

	log.Debug().
		Str("admin", admin).
		Str("oracle", oracle).
		Str("cacheBackend", CacheBackend).
		Bool("auditEnabled", AuditEnabled).
		Msg("Configuration loaded successfully.")

	return nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOr retrieves a string environment variable with a default.
func getEnvOr(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as an int. Returns error if not set or invalid.
func getEnvAsInt(key string) (int, error) {
	valueStr, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errors.New("environment variable " + key + " must be a valid int, got: " + valueStr)
	}
	return value, nil
}
