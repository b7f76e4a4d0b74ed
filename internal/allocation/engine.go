package allocation

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/commitlabs/clm/internal/cerrors"
	"github.com/commitlabs/clm/internal/config"
	"github.com/commitlabs/clm/internal/logger"
	"github.com/commitlabs/clm/internal/types"
)

// Recorder persists engine events to the audit journal. A nil Recorder
// disables auditing.
type Recorder interface {
	RecordEvent(event types.Event) error
}

// Engine owns the risk-tiered pool registry and the per-commitment
// allocation records. Every mutation runs under the engine mutex, so the
// pool invariant 0 <= total_liquidity <= max_capacity can be checked and
// restored atomically.
type Engine struct {
	mu     sync.RWMutex
	logger zerolog.Logger

	recorder Recorder
	params   config.EngineParameters
	now      func() time.Time

	admin       types.Address
	initialized bool

	pools   map[types.PoolID]*types.Pool
	order   []types.PoolID // registration order, keeps planning deterministic
	records map[types.CommitmentID]*types.AllocationRecord
}

// Config holds the dependencies for creating a new Engine instance.
type Config struct {
	Recorder   Recorder // optional
	Parameters config.EngineParameters
	Now        func() time.Time // optional, defaults to time.Now
}

// NewEngine creates a new allocation Engine instance. Initialize must be
// called before any operation is accepted.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Parameters.Validate(); err != nil {
		return nil, fmt.Errorf("allocation engine configuration validation failed: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		logger:   logger.GetForComponent("allocation_engine"),
		recorder: cfg.Recorder,
		params:   cfg.Parameters,
		now:      now,
		pools:    make(map[types.PoolID]*types.Pool),
		records:  make(map[types.CommitmentID]*types.AllocationRecord),
	}, nil
}

// Initialize sets the admin address. Calling it twice fails with
// AlreadyInitialized.
func (e *Engine) Initialize(admin types.Address) error {
	const op = "allocation.Initialize"
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
	e.logger.Info().Str("admin", string(admin)).Msg("Allocation engine initialized")
	return nil
}

func (e *Engine) requireAdminLocked(op string, caller types.Address) error {
	if !e.initialized || caller != e.admin {
		return cerrors.New(cerrors.CodeUnauthorized, op, string(caller))
	}
	return nil
}

// RegisterPool adds a pool to the registry. Admin only; pool ids are unique
// and capacity must be positive. New pools start active with no liquidity.
func (e *Engine) RegisterPool(caller types.Address, id types.PoolID, riskLevel types.RiskLevel, apy float64, maxCapacity sdkmath.Int, custodyAddr types.Address) error {
	const op = "allocation.RegisterPool"
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdminLocked(op, caller); err != nil {
		return err
	}
	if !riskLevel.Valid() {
		return cerrors.New(cerrors.CodeInvalidRules, op, string(id))
	}
	if maxCapacity.IsNil() || !maxCapacity.IsPositive() {
		return cerrors.New(cerrors.CodeInvalidAmount, op, string(id))
	}
	if apy < 0 {
		return cerrors.New(cerrors.CodeInvalidRules, op, string(id))
	}
	if custodyAddr == "" {
		return cerrors.New(cerrors.CodeInvalidRules, op, string(id))
	}
	if _, exists := e.pools[id]; exists {
		return cerrors.New(cerrors.CodeAlreadyExists, op, string(id))
	}

	e.pools[id] = &types.Pool{
		ID:             id,
		RiskLevel:      riskLevel,
		APY:            apy,
		MaxCapacity:    maxCapacity,
		TotalLiquidity: sdkmath.ZeroInt(),
		CustodyAddress: custodyAddr,
		Active:         true,
		UpdatedAt:      e.now(),
	}
	e.order = append(e.order, id)

	e.logger.Info().
		Str("poolID", string(id)).
		Str("riskLevel", string(riskLevel)).
		Float64("apy", apy).
		Str("maxCapacity", maxCapacity.String()).
		Msg("Pool registered")
	e.emit(types.Event{
		Kind:  types.EventPoolRegistered,
		Actor: caller,
		Attributes: map[string]string{
			"pool_id":      string(id),
			"risk_level":   string(riskLevel),
			"max_capacity": maxCapacity.String(),
		},
		Timestamp: e.now(),
	})
	return nil
}

// UpdatePoolStatus activates or deactivates a pool. Inactive pools keep
// their liquidity but receive no new allocations. Admin only.
func (e *Engine) UpdatePoolStatus(caller types.Address, id types.PoolID, active bool) error {
	const op = "allocation.UpdatePoolStatus"
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdminLocked(op, caller); err != nil {
		return err
	}
	pool, ok := e.pools[id]
	if !ok {
		return cerrors.New(cerrors.CodeNotFound, op, string(id))
	}
	pool.Active = active
	pool.UpdatedAt = e.now()
	e.logger.Info().Str("poolID", string(id)).Bool("active", active).Msg("Pool status updated")
	return nil
}

// UpdatePoolCapacity changes a pool's capacity. The new capacity cannot be
// below the liquidity already committed. Admin only.
func (e *Engine) UpdatePoolCapacity(caller types.Address, id types.PoolID, maxCapacity sdkmath.Int) error {
	const op = "allocation.UpdatePoolCapacity"
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdminLocked(op, caller); err != nil {
		return err
	}
	pool, ok := e.pools[id]
	if !ok {
		return cerrors.New(cerrors.CodeNotFound, op, string(id))
	}
	if maxCapacity.IsNil() || !maxCapacity.IsPositive() {
		return cerrors.New(cerrors.CodeInvalidAmount, op, string(id))
	}
	if maxCapacity.LT(pool.TotalLiquidity) {
		return cerrors.New(cerrors.CodeInvalidAmount, op, string(id))
	}
	pool.MaxCapacity = maxCapacity
	pool.UpdatedAt = e.now()
	e.logger.Info().Str("poolID", string(id)).Str("maxCapacity", maxCapacity.String()).Msg("Pool capacity updated")
	return nil
}

// GetPool returns a pool by id.
func (e *Engine) GetPool(id types.PoolID) (types.Pool, error) {
	const op = "allocation.GetPool"
	e.mu.RLock()
	defer e.mu.RUnlock()
	pool, ok := e.pools[id]
	if !ok {
		return types.Pool{}, cerrors.New(cerrors.CodeNotFound, op, string(id))
	}
	return *pool, nil
}

// ListPools returns all registered pools in registration order.
func (e *Engine) ListPools() []types.Pool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Pool, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.pools[id])
	}
	return out
}

// PoolCustody returns the custody address funds move to for a pool.
func (e *Engine) PoolCustody(id types.PoolID) (types.Address, error) {
	const op = "allocation.PoolCustody"
	e.mu.RLock()
	defer e.mu.RUnlock()
	pool, ok := e.pools[id]
	if !ok {
		return "", cerrors.New(cerrors.CodeNotFound, op, string(id))
	}
	return pool.CustodyAddress, nil
}

// GetAllocation returns the live allocation record for a commitment.
func (e *Engine) GetAllocation(id types.CommitmentID) (types.AllocationRecord, error) {
	const op = "allocation.GetAllocation"
	e.mu.RLock()
	defer e.mu.RUnlock()
	record, ok := e.records[id]
	if !ok {
		return types.AllocationRecord{}, cerrors.New(cerrors.CodeNotFound, op, idStr(id))
	}
	return copyRecord(*record), nil
}

func copyRecord(r types.AllocationRecord) types.AllocationRecord {
	amounts := make(map[types.PoolID]sdkmath.Int, len(r.PoolAmounts))
	for id, amount := range r.PoolAmounts {
		amounts[id] = amount
	}
	r.PoolAmounts = amounts
	return r
}

// poolsByTierLocked returns the active pools of a tier in registration order.
func (e *Engine) poolsByTierLocked(level types.RiskLevel) []*types.Pool {
	out := make([]*types.Pool, 0, len(e.order))
	for _, id := range e.order {
		pool := e.pools[id]
		if pool.Active && pool.RiskLevel == level {
			out = append(out, pool)
		}
	}
	return out
}

func sortedPoolIDs(amounts map[types.PoolID]sdkmath.Int) []types.PoolID {
	ids := make([]types.PoolID, 0, len(amounts))
	for id := range amounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
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
