package attestation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/commitlabs/clm/internal/cache"
	"github.com/commitlabs/clm/internal/cerrors"
	"github.com/commitlabs/clm/internal/config"
	"github.com/commitlabs/clm/internal/logger"
	"github.com/commitlabs/clm/internal/ratelimit"
	"github.com/commitlabs/clm/internal/types"
)

// CommitmentReader is the lifecycle manager surface the attestation engine
// needs: resolve commitments and ask for their live violation state.
type CommitmentReader interface {
	Get(id types.CommitmentID) (types.Commitment, error)
	CheckViolations(id types.CommitmentID) (types.ViolationReport, error)
}

// Recorder persists engine events to the audit journal. A nil Recorder
// disables auditing.
type Recorder interface {
	RecordEvent(event types.Event) error
}

// aggregates is the running tally over a commitment's attestation history.
// It is the authoritative source the cached HealthMetrics are derived from.
type aggregates struct {
	fees           sdkmath.Int
	maxDrawdown    int64
	violationCount int
	lastAttestedAt time.Time
}

// Engine maintains verifier authorization, the append-only attestation log,
// and the derived health metrics per commitment.
type Engine struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	commitments CommitmentReader
	store       cache.Store
	limiter     *ratelimit.Limiter
	recorder    Recorder
	params      config.EngineParameters
	now         func() time.Time

	admin       types.Address
	initialized bool

	verifiers    map[types.Address]bool
	attestations map[types.CommitmentID][]types.Attestation
	totals       map[types.CommitmentID]*aggregates
}

// Config holds the dependencies for creating a new Engine instance.
type Config struct {
	Commitments CommitmentReader
	Store       cache.Store
	Limiter     *ratelimit.Limiter
	Recorder    Recorder // optional
	Parameters  config.EngineParameters
	Now         func() time.Time // optional, defaults to time.Now
}

// NewEngine creates a new attestation Engine instance with dependency
// injection. Initialize must be called before any operation is accepted.
func NewEngine(cfg Config) (*Engine, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("attestation engine configuration validation failed: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		logger:       logger.GetForComponent("attestation_engine"),
		commitments:  cfg.Commitments,
		store:        cfg.Store,
		limiter:      cfg.Limiter,
		recorder:     cfg.Recorder,
		params:       cfg.Parameters,
		now:          now,
		verifiers:    make(map[types.Address]bool),
		attestations: make(map[types.CommitmentID][]types.Attestation),
		totals:       make(map[types.CommitmentID]*aggregates),
	}, nil
}

func validateConfig(cfg Config) error {
	if cfg.Commitments == nil {
		return fmt.Errorf("commitment reader cannot be nil")
	}
	if cfg.Store == nil {
		return fmt.Errorf("cache store cannot be nil")
	}
	if cfg.Limiter == nil {
		return fmt.Errorf("rate limiter cannot be nil")
	}
	if err := cfg.Parameters.Validate(); err != nil {
		return err
	}
	return nil
}

// Initialize sets the admin address. Calling it twice fails with
// AlreadyInitialized.
func (e *Engine) Initialize(admin types.Address) error {
	const op = "attestation.Initialize"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return cerrors.New(cerrors.CodeAlreadyInitialized, op, "")
	}
	if admin == "" {
		return cerrors.New(cerrors.CodeUnauthorized, op, "")
	}
	e.admin = admin
	e.initialized = true
	e.logger.Info().Str("admin", string(admin)).Msg("Attestation engine initialized")
	return nil
}

// AddVerifier authorizes an address to submit attestations. Admin only.
func (e *Engine) AddVerifier(caller, verifier types.Address) error {
	const op = "attestation.AddVerifier"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdminLocked(op, caller); err != nil {
		return err
	}
	if verifier == "" {
		return cerrors.New(cerrors.CodeUnauthorized, op, "")
	}
	if e.verifiers[verifier] {
		return cerrors.New(cerrors.CodeAlreadyExists, op, string(verifier))
	}
	e.verifiers[verifier] = true
	e.logger.Info().Str("verifier", string(verifier)).Msg("Verifier authorized")
	return nil
}

// RemoveVerifier revokes an address's attestation authority. Admin only.
// Existing attestations by the verifier stay in the log.
func (e *Engine) RemoveVerifier(caller, verifier types.Address) error {
	const op = "attestation.RemoveVerifier"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireAdminLocked(op, caller); err != nil {
		return err
	}
	if !e.verifiers[verifier] {
		return cerrors.New(cerrors.CodeNotFound, op, string(verifier))
	}
	delete(e.verifiers, verifier)
	e.logger.Info().Str("verifier", string(verifier)).Msg("Verifier removed")
	return nil
}

// IsVerifier reports whether an address may attest. The admin is implicitly
// authorized.
func (e *Engine) IsVerifier(addr types.Address) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isVerifierLocked(addr)
}

func (e *Engine) isVerifierLocked(addr types.Address) bool {
	return e.initialized && (addr == e.admin || e.verifiers[addr])
}

func (e *Engine) requireAdminLocked(op string, caller types.Address) error {
	if !e.initialized || caller != e.admin {
		return cerrors.New(cerrors.CodeUnauthorized, op, string(caller))
	}
	return nil
}

// Attest appends an attestation for a commitment and folds it into the
// running health aggregates. The log is append-only: records are never
// rewritten or removed.
func (e *Engine) Attest(ctx context.Context, verifier types.Address, id types.CommitmentID, payload types.AttestationPayload, isCompliant bool) error {
	const op = "attestation.Attest"

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isVerifierLocked(verifier) {
		return cerrors.New(cerrors.CodeUnauthorized, op, string(verifier))
	}
	if !e.limiter.Allow(verifier, config.OpAttest) {
		return cerrors.New(cerrors.CodeRateLimited, op, string(verifier))
	}
	commitment, err := e.commitments.Get(id)
	if err != nil {
		return err
	}
	if err := validatePayload(payload); err != nil {
		return cerrors.Wrap(cerrors.CodeInvalidAmount, op, idStr(id), err)
	}

	e.appendLocked(types.Attestation{
		CommitmentID: id,
		Verifier:     verifier,
		Payload:      payload,
		IsCompliant:  isCompliant,
		Timestamp:    e.now(),
	})

	// A drawdown past the commitment's loss rule is itself a violation and
	// gets its own record in the log.
	if payload.Type == types.AttestDrawdown && payload.DrawdownPercent > commitment.Rules.MaxLossPercent {
		e.appendLocked(types.Attestation{
			CommitmentID: id,
			Verifier:     verifier,
			Payload: types.AttestationPayload{
				Type: types.AttestViolation,
				Note: fmt.Sprintf("drawdown %d%% exceeds max loss %d%%", payload.DrawdownPercent, commitment.Rules.MaxLossPercent),
			},
			IsCompliant: false,
			Timestamp:   e.now(),
		})
	}

	e.invalidateMetrics(ctx, id)

	e.logger.Info().
		Uint64("commitmentID", uint64(id)).
		Str("verifier", string(verifier)).
		Str("type", string(payload.Type)).
		Bool("compliant", isCompliant).
		Msg("Attestation recorded")
	e.emit(types.Event{
		Kind:         types.EventAttested,
		CommitmentID: id,
		Actor:        verifier,
		Attributes: map[string]string{
			"type":      string(payload.Type),
			"compliant": strconv.FormatBool(isCompliant),
		},
		Timestamp: e.now(),
	})
	return nil
}

// appendLocked adds one record to the log and updates the running aggregates.
func (e *Engine) appendLocked(a types.Attestation) {
	e.attestations[a.CommitmentID] = append(e.attestations[a.CommitmentID], a)

	agg, ok := e.totals[a.CommitmentID]
	if !ok {
		agg = &aggregates{fees: sdkmath.ZeroInt()}
		e.totals[a.CommitmentID] = agg
	}
	agg.lastAttestedAt = a.Timestamp
	// A violation record or any non-compliant record counts against the
	// commitment, so a failed health check is never scored as clean.
	if a.Payload.Type == types.AttestViolation || !a.IsCompliant {
		agg.violationCount++
	}
	switch a.Payload.Type {
	case types.AttestFeeGeneration:
		agg.fees = agg.fees.Add(a.Payload.FeeAmount)
	case types.AttestDrawdown:
		if a.Payload.DrawdownPercent > agg.maxDrawdown {
			agg.maxDrawdown = a.Payload.DrawdownPercent
		}
	}
}

func validatePayload(p types.AttestationPayload) error {
	switch p.Type {
	case types.AttestHealthCheck, types.AttestViolation:
		return nil
	case types.AttestFeeGeneration:
		if p.FeeAmount.IsNil() || p.FeeAmount.IsNegative() {
			return fmt.Errorf("fee amount must be a non-negative integer")
		}
		return nil
	case types.AttestDrawdown:
		if p.DrawdownPercent < 0 || p.DrawdownPercent > 100 {
			return fmt.Errorf("drawdown percent must be 0-100, got %d", p.DrawdownPercent)
		}
		return nil
	}
	return fmt.Errorf("unrecognized attestation type %q", p.Type)
}

// RecordFees attests that a commitment generated fee income.
func (e *Engine) RecordFees(ctx context.Context, verifier types.Address, id types.CommitmentID, amount sdkmath.Int) error {
	return e.Attest(ctx, verifier, id, types.AttestationPayload{
		Type:      types.AttestFeeGeneration,
		FeeAmount: amount,
	}, true)
}

// RecordDrawdown attests an observed peak-to-trough drawdown. The record is
// marked non-compliant (and a violation appended) when it breaks the
// commitment's loss rule.
func (e *Engine) RecordDrawdown(ctx context.Context, verifier types.Address, id types.CommitmentID, percent int64) error {
	commitment, err := e.commitments.Get(id)
	if err != nil {
		return err
	}
	return e.Attest(ctx, verifier, id, types.AttestationPayload{
		Type:            types.AttestDrawdown,
		DrawdownPercent: percent,
	}, percent <= commitment.Rules.MaxLossPercent)
}

// GetAttestations returns the full attestation history for a commitment,
// oldest first.
func (e *Engine) GetAttestations(id types.CommitmentID) ([]types.Attestation, error) {
	const op = "attestation.GetAttestations"
	if _, err := e.commitments.Get(id); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := e.attestations[id]
	out := make([]types.Attestation, len(history))
	copy(out, history)
	return out, nil
}

func (e *Engine) emit(event types.Event) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordEvent(event); err != nil {
		e.logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("Failed to record audit event")
	}
}

func idStr(id types.CommitmentID) string {
	return strconv.FormatUint(uint64(id), 10)
}
