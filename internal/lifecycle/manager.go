package lifecycle

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/commitlabs/clm/internal/cerrors"
	"github.com/commitlabs/clm/internal/certificates"
	"github.com/commitlabs/clm/internal/config"
	"github.com/commitlabs/clm/internal/custody"
	"github.com/commitlabs/clm/internal/guard"
	"github.com/commitlabs/clm/internal/logger"
	"github.com/commitlabs/clm/internal/ratelimit"
	"github.com/commitlabs/clm/internal/safemath"
	"github.com/commitlabs/clm/internal/types"
)

// Allocator is the allocation engine contract the lifecycle manager depends
// on. Pool state is mutated only behind this interface.
type Allocator interface {
	// Allocate distributes amount across pools per strategy, all-or-nothing.
	Allocate(caller types.Address, commitmentID types.CommitmentID, owner types.Address, amount sdkmath.Int, strategy types.AllocationStrategy) (types.AllocationSummary, error)

	// Release undoes the live allocation record for a commitment,
	// returning its pool liquidity. Used as compensation when a custody
	// transfer fails after the engine accepted the request.
	Release(commitmentID types.CommitmentID) error

	// PoolCustody returns the custody address funds move to for a pool.
	PoolCustody(id types.PoolID) (types.Address, error)
}

// Recorder persists engine events to the audit journal. A nil Recorder
// disables auditing.
type Recorder interface {
	RecordEvent(event types.Event) error
}

// Manager owns Commitment records and their state machine. All mutating
// entry points serialize behind the manager mutex; reads take the read lock
// and therefore never observe partial writes.
type Manager struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	// Core dependencies
	assets   custody.AssetTransfer
	certs    certificates.Issuer
	alloc    Allocator
	guard    *guard.Keyed
	limiter  *ratelimit.Limiter
	recorder Recorder
	params   config.EngineParameters
	now      func() time.Time

	// Access control, set by Initialize
	admin       types.Address
	oracle      types.Address
	initialized bool
	paused      bool

	// Runtime state
	commitments map[types.CommitmentID]*types.Commitment
	ownerIndex  map[types.Address][]types.CommitmentID
	active      map[types.CommitmentID]bool
	nextID      types.CommitmentID
	tvl         map[string]sdkmath.Int // asset -> locked value
	feePool     map[string]sdkmath.Int // asset -> protocol revenue
}

// Config holds the dependencies for creating a new Manager instance.
type Config struct {
	Assets     custody.AssetTransfer
	Certs      certificates.Issuer
	Allocator  Allocator
	Limiter    *ratelimit.Limiter
	Recorder   Recorder // optional
	Parameters config.EngineParameters
	Now        func() time.Time // optional, defaults to time.Now
}

// NewManager creates a new Manager instance with dependency injection.
// Initialize must be called before any operation is accepted.
func NewManager(cfg Config) (*Manager, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("lifecycle manager configuration validation failed: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		logger:      logger.GetForComponent("lifecycle_manager"),
		assets:      cfg.Assets,
		certs:       cfg.Certs,
		alloc:       cfg.Allocator,
		guard:       guard.NewKeyed(),
		limiter:     cfg.Limiter,
		recorder:    cfg.Recorder,
		params:      cfg.Parameters,
		now:         now,
		commitments: make(map[types.CommitmentID]*types.Commitment),
		ownerIndex:  make(map[types.Address][]types.CommitmentID),
		active:      make(map[types.CommitmentID]bool),
		tvl:         make(map[string]sdkmath.Int),
		feePool:     make(map[string]sdkmath.Int),
	}
	return m, nil
}

func validateConfig(cfg Config) error {
	if cfg.Assets == nil {
		return fmt.Errorf("asset transfer collaborator cannot be nil")
	}
	if cfg.Certs == nil {
		return fmt.Errorf("certificate issuer cannot be nil")
	}
	if cfg.Allocator == nil {
		return fmt.Errorf("allocator cannot be nil")
	}
	if cfg.Limiter == nil {
		return fmt.Errorf("rate limiter cannot be nil")
	}
	if err := cfg.Parameters.Validate(); err != nil {
		return err
	}
	return nil
}

// Initialize sets the admin and oracle addresses. Calling it twice fails
// with AlreadyInitialized.
func (m *Manager) Initialize(admin, oracle types.Address) error {
	const op = "lifecycle.Initialize"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return cerrors.New(cerrors.CodeAlreadyInitialized, op, "")
	}
	if admin == "" {
		return cerrors.New(cerrors.CodeUnauthorized, op, "")
	}
	m.admin = admin
	m.oracle = oracle
	m.initialized = true
	m.logger.Info().
		Str("admin", string(admin)).
		Str("oracle", string(oracle)).
		Msg("Lifecycle manager initialized")
	return nil
}

// Pause stops all mutating operations. Admin only.
func (m *Manager) Pause(caller types.Address) error {
	const op = "lifecycle.Pause"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireAdminLocked(op, caller); err != nil {
		return err
	}
	m.paused = true
	m.logger.Warn().Str("caller", string(caller)).Msg("Lifecycle manager paused")
	return nil
}

// Unpause resumes mutating operations. Admin only.
func (m *Manager) Unpause(caller types.Address) error {
	const op = "lifecycle.Unpause"
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireAdminLocked(op, caller); err != nil {
		return err
	}
	m.paused = false
	m.logger.Info().Str("caller", string(caller)).Msg("Lifecycle manager unpaused")
	return nil
}

func (m *Manager) requireAdminLocked(op string, caller types.Address) error {
	if !m.initialized || caller != m.admin {
		return cerrors.New(cerrors.CodeUnauthorized, op, string(caller))
	}
	return nil
}

func (m *Manager) requireRunningLocked(op string) error {
	if !m.initialized {
		return cerrors.New(cerrors.CodeUnauthorized, op, "")
	}
	if m.paused {
		return cerrors.New(cerrors.CodePaused, op, "")
	}
	return nil
}

// Create locks amount of asset for owner under the given rules and returns
// the new commitment id. The transfer into custody and the certificate mint
// either both happen or the operation leaves no trace.
func (m *Manager) Create(owner types.Address, amount sdkmath.Int, asset string, rules types.CommitmentRules) (types.CommitmentID, error) {
	const op = "lifecycle.Create"

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunningLocked(op); err != nil {
		return 0, err
	}
	if !m.limiter.Allow(owner, config.OpCreate) {
		return 0, cerrors.New(cerrors.CodeRateLimited, op, string(owner))
	}

	// CHECKS
	if err := safemath.RequirePositive(amount); err != nil {
		return 0, cerrors.Wrap(cerrors.CodeInvalidAmount, op, "", err)
	}
	if err := validateRules(rules); err != nil {
		return 0, cerrors.Wrap(cerrors.CodeInvalidRules, op, "", err)
	}
	balance, err := m.assets.GetBalance(owner, asset)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.CodeInsufficientBalance, op, string(owner), err)
	}
	if balance.LT(amount) {
		return 0, cerrors.New(cerrors.CodeInsufficientBalance, op, string(owner))
	}

	// INTERACTIONS before commit: pull funds, mint certificate. Any failure
	// aborts with compensation so no partial state is persisted.
	if err := m.assets.TransferIn(owner, amount, asset); err != nil {
		return 0, cerrors.Wrap(cerrors.CodeInsufficientBalance, op, string(owner), err)
	}

	id := m.nextID + 1
	createdAt := m.now()
	certID, err := m.certs.Mint(owner, certificates.Metadata{
		CommitmentID:   id,
		DurationDays:   rules.DurationDays,
		MaxLossPercent: rules.MaxLossPercent,
		CommitmentType: rules.CommitmentType,
		InitialAmount:  amount.String(),
		Asset:          asset,
	})
	if err != nil {
		if refundErr := m.assets.TransferOut(owner, amount, asset); refundErr != nil {
			m.logger.Error().Err(refundErr).
				Str("owner", string(owner)).
				Msg("Refund after failed certificate mint also failed")
		}
		return 0, cerrors.Wrap(cerrors.CodeInvalidRules, op, "", err)
	}

	// EFFECTS
	m.nextID = id
	commitment := &types.Commitment{
		ID:            id,
		Owner:         owner,
		Asset:         asset,
		AmountLocked:  amount,
		InitialValue:  amount,
		CurrentValue:  amount,
		Allocated:     sdkmath.ZeroInt(),
		Rules:         rules,
		Status:        types.StatusActive,
		CertificateID: certID,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.AddDate(0, 0, rules.DurationDays),
	}
	m.commitments[id] = commitment
	m.ownerIndex[owner] = append(m.ownerIndex[owner], id)
	m.active[id] = true
	m.tvl[asset] = m.assetTVLLocked(asset).Add(amount)

	m.logger.Info().
		Uint64("commitmentID", uint64(id)).
		Str("owner", string(owner)).
		Str("asset", asset).
		Str("amount", amount.String()).
		Str("certificateID", certID).
		Msg("Commitment created")

	m.emit(types.Event{
		Kind:         types.EventCommitmentCreated,
		CommitmentID: id,
		Actor:        owner,
		Attributes: map[string]string{
			"asset":  asset,
			"amount": amount.String(),
		},
		Timestamp: createdAt,
	})

	return id, nil
}

func validateRules(rules types.CommitmentRules) error {
	if err := safemath.RequireValidDuration(rules.DurationDays); err != nil {
		return err
	}
	if err := safemath.RequireValidPercent(rules.MaxLossPercent); err != nil {
		return err
	}
	if err := safemath.RequireValidPercent(rules.EarlyExitPenaltyPercent); err != nil {
		return err
	}
	if !rules.CommitmentType.Valid() {
		return fmt.Errorf("unrecognized commitment type %q", rules.CommitmentType)
	}
	if !rules.MinFeeThreshold.IsNil() && rules.MinFeeThreshold.IsNegative() {
		return fmt.Errorf("min fee threshold must be >= 0")
	}
	return nil
}

// Get returns the commitment by id.
func (m *Manager) Get(id types.CommitmentID) (types.Commitment, error) {
	const op = "lifecycle.Get"
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commitments[id]
	if !ok {
		return types.Commitment{}, cerrors.New(cerrors.CodeNotFound, op, idStr(id))
	}
	return *c, nil
}

// GetOwnerCommitments returns all commitment ids created by owner.
func (m *Manager) GetOwnerCommitments(owner types.Address) []types.CommitmentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]types.CommitmentID, len(m.ownerIndex[owner]))
	copy(ids, m.ownerIndex[owner])
	return ids
}

// GetActiveCommitments returns the ids of all unresolved commitments.
func (m *Manager) GetActiveCommitments() []types.CommitmentID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]types.CommitmentID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// TotalCommitments returns the number of commitments ever created.
func (m *Manager) TotalCommitments() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(m.nextID)
}

// TotalValueLocked returns the aggregate locked value for an asset.
func (m *Manager) TotalValueLocked(asset string) sdkmath.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assetTVLLocked(asset)
}

// FeePool returns the accumulated protocol revenue for an asset.
func (m *Manager) FeePool(asset string) sdkmath.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.feePool[asset]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

func (m *Manager) assetTVLLocked(asset string) sdkmath.Int {
	if v, ok := m.tvl[asset]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

// CheckViolations computes the violation report for a commitment. Pure read.
func (m *Manager) CheckViolations(id types.CommitmentID) (types.ViolationReport, error) {
	const op = "lifecycle.CheckViolations"
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commitments[id]
	if !ok {
		return types.ViolationReport{}, cerrors.New(cerrors.CodeNotFound, op, idStr(id))
	}
	return m.violationReportLocked(c), nil
}

func (m *Manager) violationReportLocked(c *types.Commitment) types.ViolationReport {
	now := m.now()
	lossPercent := safemath.LossPercent(c.InitialValue, c.CurrentValue)
	lossViolated := lossPercent > c.Rules.MaxLossPercent
	durationViolated := now.After(c.ExpiresAt)

	var remaining time.Duration
	if now.Before(c.ExpiresAt) {
		remaining = c.ExpiresAt.Sub(now)
	}
	return types.ViolationReport{
		CommitmentID:     c.ID,
		LossViolated:     lossViolated,
		DurationViolated: durationViolated,
		Violated:         lossViolated || durationViolated,
		LossPercent:      lossPercent,
		TimeRemaining:    remaining,
	}
}

// RecordViolation transitions a violated commitment to the advisory Violated
// status. The transition does not block settlement or early exit. A
// commitment that is not currently violated is left untouched.
func (m *Manager) RecordViolation(id types.CommitmentID) (types.ViolationReport, error) {
	const op = "lifecycle.RecordViolation"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunningLocked(op); err != nil {
		return types.ViolationReport{}, err
	}
	c, ok := m.commitments[id]
	if !ok {
		return types.ViolationReport{}, cerrors.New(cerrors.CodeNotFound, op, idStr(id))
	}
	if !c.Status.Resolvable() {
		return types.ViolationReport{}, cerrors.New(cerrors.CodeAlreadySettled, op, idStr(id))
	}

	report := m.violationReportLocked(c)
	if report.Violated && c.Status == types.StatusActive {
		c.Status = types.StatusViolated
		m.logger.Warn().
			Uint64("commitmentID", uint64(id)).
			Int64("lossPercent", report.LossPercent).
			Bool("durationViolated", report.DurationViolated).
			Msg("Commitment violation recorded")
		m.emit(types.Event{
			Kind:         types.EventViolationRecorded,
			CommitmentID: id,
			Attributes: map[string]string{
				"loss_percent":      strconv.FormatInt(report.LossPercent, 10),
				"duration_violated": strconv.FormatBool(report.DurationViolated),
			},
			Timestamp: m.now(),
		})
	}
	return report, nil
}

// UpdateValue persists a new current value for a commitment. Restricted to
// the admin or the configured oracle.
func (m *Manager) UpdateValue(caller types.Address, id types.CommitmentID, newValue sdkmath.Int) error {
	const op = "lifecycle.UpdateValue"
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunningLocked(op); err != nil {
		return err
	}
	if !m.limiter.Allow(caller, config.OpUpdateValue) {
		return cerrors.New(cerrors.CodeRateLimited, op, string(caller))
	}
	if caller != m.admin && caller != m.oracle {
		return cerrors.New(cerrors.CodeUnauthorized, op, string(caller))
	}
	if err := safemath.RequireNonNegative(newValue); err != nil {
		return cerrors.Wrap(cerrors.CodeInvalidAmount, op, idStr(id), err)
	}
	c, ok := m.commitments[id]
	if !ok {
		return cerrors.New(cerrors.CodeNotFound, op, idStr(id))
	}
	if !c.Status.Resolvable() {
		return cerrors.New(cerrors.CodeAlreadySettled, op, idStr(id))
	}

	c.CurrentValue = newValue
	m.logger.Info().
		Uint64("commitmentID", uint64(id)).
		Str("newValue", newValue.String()).
		Msg("Commitment value updated")
	m.emit(types.Event{
		Kind:         types.EventValueUpdated,
		CommitmentID: id,
		Actor:        caller,
		Attributes:   map[string]string{"new_value": newValue.String()},
		Timestamp:    m.now(),
	})
	return nil
}

func (m *Manager) emit(event types.Event) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordEvent(event); err != nil {
		m.logger.Error().Err(err).Str("kind", string(event.Kind)).Msg("Failed to record audit event")
	}
}

func idStr(id types.CommitmentID) string {
	return strconv.FormatUint(uint64(id), 10)
}
