package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/commitlabs/clm/internal/allocation"
	"github.com/commitlabs/clm/internal/attestation"
	"github.com/commitlabs/clm/internal/cerrors"
	"github.com/commitlabs/clm/internal/lifecycle"
	"github.com/commitlabs/clm/internal/logger"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer exposes the engines over HTTP. Mutating endpoints require a
// bearer token; the token subject is the caller address handed to the
// engines, which enforce ownership and admin rules themselves.
type WebServer struct {
	router    *mux.Router
	port      string
	jwtSecret []byte

	lifecycle *lifecycle.Manager
	attest    *attestation.Engine
	alloc     *allocation.Engine
}

// NewWebServer creates a new web server instance
func NewWebServer(port string, jwtSecret []byte, manager *lifecycle.Manager, attest *attestation.Engine, alloc *allocation.Engine) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router:    mux.NewRouter(),
		port:      port,
		jwtSecret: jwtSecret,
		lifecycle: manager,
		attest:    attest,
		alloc:     alloc,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()

	// Commitment lifecycle
	api.HandleFunc("/commitments", ws.handleCreateCommitment).Methods("POST")
	api.HandleFunc("/commitments/{id}", ws.handleGetCommitment).Methods("GET")
	api.HandleFunc("/commitments/{id}/violations", ws.handleCheckViolations).Methods("GET")
	api.HandleFunc("/commitments/{id}/violations", ws.handleRecordViolation).Methods("POST")
	api.HandleFunc("/commitments/{id}/settle", ws.handleSettle).Methods("POST")
	api.HandleFunc("/commitments/{id}/early-exit", ws.handleEarlyExit).Methods("POST")
	api.HandleFunc("/commitments/{id}/value", ws.handleUpdateValue).Methods("POST")
	api.HandleFunc("/commitments/{id}/allocate", ws.handleAllocate).Methods("POST")
	api.HandleFunc("/commitments/{id}/rebalance", ws.handleRebalance).Methods("POST")
	api.HandleFunc("/commitments/{id}/allocation", ws.handleGetAllocation).Methods("GET")
	api.HandleFunc("/owners/{address}/commitments", ws.handleOwnerCommitments).Methods("GET")
	api.HandleFunc("/violations", ws.handleActiveViolations).Methods("GET")

	// Attestations and health
	api.HandleFunc("/commitments/{id}/attestations", ws.handleGetAttestations).Methods("GET")
	api.HandleFunc("/commitments/{id}/attestations", ws.handleAttest).Methods("POST")
	api.HandleFunc("/commitments/{id}/health-metrics", ws.handleHealthMetrics).Methods("GET")
	api.HandleFunc("/commitments/{id}/compliance", ws.handleCompliance).Methods("GET")
	api.HandleFunc("/verifiers", ws.handleAddVerifier).Methods("POST")
	api.HandleFunc("/verifiers/{address}", ws.handleRemoveVerifier).Methods("DELETE")

	// Pools
	api.HandleFunc("/pools", ws.handleListPools).Methods("GET")
	api.HandleFunc("/pools", ws.handleRegisterPool).Methods("POST")
	api.HandleFunc("/pools/{id}", ws.handleGetPool).Methods("GET")
	api.HandleFunc("/pools/{id}/status", ws.handleUpdatePoolStatus).Methods("POST")
	api.HandleFunc("/pools/{id}/capacity", ws.handleUpdatePoolCapacity).Methods("POST")

	// Protocol
	api.HandleFunc("/stats", ws.handleStats).Methods("GET")
	api.HandleFunc("/audit/events", ws.handleAuditEvents).Methods("GET")
	api.HandleFunc("/pause", ws.handlePause).Methods("POST")
	api.HandleFunc("/unpause", ws.handleUnpause).Methods("POST")

	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// writeEngineError maps an engine error code to an HTTP status.
func (ws *WebServer) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch cerrors.CodeOf(err) {
	case cerrors.CodeNotFound:
		status = http.StatusNotFound
	case cerrors.CodeUnauthorized:
		status = http.StatusForbidden
	case cerrors.CodeRateLimited:
		status = http.StatusTooManyRequests
	case cerrors.CodeAlreadyExists, cerrors.CodeAlreadySettled,
		cerrors.CodeAlreadyInitialized, cerrors.CodeReentrancy:
		status = http.StatusConflict
	case cerrors.CodePaused:
		status = http.StatusServiceUnavailable
	case "":
		status = http.StatusInternalServerError
	}
	ws.writeJSONResponse(w, status, map[string]interface{}{
		"error":     true,
		"message":   err.Error(),
		"code":      string(cerrors.CodeOf(err)),
		"retryable": cerrors.Retryable(err),
		"timestamp": time.Now().UTC(),
	})
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		wrapper.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", requestID).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
