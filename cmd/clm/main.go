package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/commitlabs/clm/internal/allocation"
	"github.com/commitlabs/clm/internal/attestation"
	"github.com/commitlabs/clm/internal/cache"
	"github.com/commitlabs/clm/internal/certificates"
	"github.com/commitlabs/clm/internal/config"
	"github.com/commitlabs/clm/internal/custody"
	"github.com/commitlabs/clm/internal/lifecycle"
	"github.com/commitlabs/clm/internal/logger"
	"github.com/commitlabs/clm/internal/ratelimit"
	"github.com/commitlabs/clm/internal/state"
	"github.com/commitlabs/clm/internal/web"
)

const SWEEP_INTERVAL = 10 * time.Minute

// main is the entry point for the CLM service.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("CLM Core Logic Starting...")

	// Initialize Database Connection (audit journal)
	var recorder *state.AuditRecorder
	if config.AuditEnabled {
		dbCfg := state.DBConfig{
			Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
			User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
			DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
		}
		if err := state.InitDB(dbCfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		defer state.CloseDB()
		if err := state.EnsureSchema(); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}
		recorder = state.NewAuditRecorder()
	}

	// Select the health metrics cache backend
	var metricsCache cache.Store
	if config.CacheBackend == "redis" {
		store := cache.NewRedisStore(&redis.Options{Addr: config.RedisAddr})
		if err := store.Client.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", config.RedisAddr).Msg("Failed to connect to redis")
		}
		metricsCache = store
		log.Info().Str("addr", config.RedisAddr).Msg("Using redis health metrics cache")
	} else {
		metricsCache = cache.NewMemoryStore()
		log.Info().Msg("Using in-memory health metrics cache")
	}

	// --- 2. Engine Initialization with Dependency Injection ---
	params := config.DefaultEngineParameters
	params.ComplianceThreshold = config.ComplianceThreshold
	if err := params.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid engine parameters")
	}
	limiter := ratelimit.New(map[string]ratelimit.Limit{
		config.OpCreate:      {Window: params.CreateLimit.Window, MaxCalls: params.CreateLimit.MaxCalls},
		config.OpAttest:      {Window: params.AttestLimit.Window, MaxCalls: params.AttestLimit.MaxCalls},
		config.OpAllocate:    {Window: params.AllocateLimit.Window, MaxCalls: params.AllocateLimit.MaxCalls},
		config.OpUpdateValue: {Window: params.UpdateLimit.Window, MaxCalls: params.UpdateLimit.MaxCalls},
	})
	limiter.SetExempt(config.AdminAddress, true)

	ledger := custody.NewLedger()
	registry := certificates.NewRegistry()

	allocCfg := allocation.Config{Parameters: params}
	if recorder != nil {
		allocCfg.Recorder = recorder
	}
	allocEngine, err := allocation.NewEngine(allocCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create allocation engine")
	}

	managerCfg := lifecycle.Config{
		Assets:     ledger,
		Certs:      registry,
		Allocator:  allocEngine,
		Limiter:    limiter,
		Parameters: params,
	}
	if recorder != nil {
		managerCfg.Recorder = recorder
	}
	manager, err := lifecycle.NewManager(managerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create lifecycle manager")
	}

	attestCfg := attestation.Config{
		Commitments: manager,
		Store:       metricsCache,
		Limiter:     limiter,
		Parameters:  params,
	}
	if recorder != nil {
		attestCfg.Recorder = recorder
	}
	attestEngine, err := attestation.NewEngine(attestCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create attestation engine")
	}

	if err := manager.Initialize(config.AdminAddress, config.OracleAddress); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize lifecycle manager")
	}
	if err := attestEngine.Initialize(config.AdminAddress); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize attestation engine")
	}
	if err := allocEngine.Initialize(config.AdminAddress); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize allocation engine")
	}
	log.Info().Msg("Engines created successfully")

	// --- 3. Start Web Server ---
	webPort := os.Getenv("WEB_PORT")
	if webPort == "" {
		webPort = "8080"
	}

	webServer := web.NewWebServer(webPort, []byte(config.JWTSecret), manager, attestEngine, allocEngine)
	go func() {
		log.Info().Str("port", webPort).Str("url", "http://localhost:"+webPort).Msg("Starting CLM API server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 4. Run Violation Sweep Loop ---
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	manager.RunViolationSweep(ctx, SWEEP_INTERVAL)
}

// Helper to convert string to int with a default value
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
