/*

This file contains the strategy planner and the operations that move
liquidity: Allocate, Rebalance, and Release. Plans are computed against the
current pool state and applied only when the full amount fits, so a rejected
request leaves every pool untouched.

*/

package allocation

import (
	sdkmath "cosmossdk.io/math"

	"github.com/commitlabs/clm/internal/cerrors"
	"github.com/commitlabs/clm/internal/safemath"
	"github.com/commitlabs/clm/internal/types"
)

// tierTarget is one step of a strategy: a risk tier and the percent of the
// requested amount aimed at it before spill-over.
type tierTarget struct {
	level   types.RiskLevel
	percent int64
}

// strategyTargets returns the tier sequence for a strategy. Unplaced funds
// spill from each tier into the next; the last tier absorbs any rounding
// remainder.
func (e *Engine) strategyTargets(s types.AllocationStrategy) []tierTarget {
	switch s {
	case types.StrategySafe:
		return []tierTarget{{types.RiskLow, 100}}
	case types.StrategyAggressive:
		return []tierTarget{{types.RiskMedium, 100}, {types.RiskHigh, 0}}
	case types.StrategyBalanced:
		return []tierTarget{
			{types.RiskLow, e.params.BalancedTierPercent(types.RiskLow)},
			{types.RiskMedium, e.params.BalancedTierPercent(types.RiskMedium)},
			{types.RiskHigh, e.params.BalancedTierPercent(types.RiskHigh)},
		}
	}
	return nil
}

// planLocked computes the per-pool split for amount under strategy against
// current pool state, without mutating anything. It fails with
// PoolCapacityExceeded when the eligible pools cannot absorb the full amount.
func (e *Engine) planLocked(op string, amount sdkmath.Int, strategy types.AllocationStrategy) (map[types.PoolID]sdkmath.Int, error) {
	targets := e.strategyTargets(strategy)

	// Per-tier targets; the last tier takes the remainder so truncation in
	// the percent math never strands funds.
	tierAmounts := make([]sdkmath.Int, len(targets))
	assigned := sdkmath.ZeroInt()
	for i, target := range targets {
		if i == len(targets)-1 {
			tierAmounts[i] = amount.Sub(assigned)
			break
		}
		share, err := safemath.MulPercent(amount, target.percent)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.CodeArithmeticOverflow, op, "", err)
		}
		tierAmounts[i] = share
		assigned = assigned.Add(share)
	}

	plan := make(map[types.PoolID]sdkmath.Int)
	carry := sdkmath.ZeroInt()
	for i, target := range targets {
		remaining := tierAmounts[i].Add(carry)
		for _, pool := range e.poolsByTierLocked(target.level) {
			if remaining.IsZero() {
				break
			}
			headroom := pool.Headroom()
			if !headroom.IsPositive() {
				continue
			}
			fill := sdkmath.MinInt(remaining, headroom)
			plan[pool.ID] = fill
			remaining = remaining.Sub(fill)
		}
		carry = remaining
	}

	// Whatever the forward spill could not place goes into any eligible pool
	// that still has headroom, in tier order. The request only fails when the
	// strategy's tiers are exhausted as a whole, not because a later tier ran
	// out while an earlier one had room.
	if carry.IsPositive() {
		for _, target := range targets {
			if carry.IsZero() {
				break
			}
			for _, pool := range e.poolsByTierLocked(target.level) {
				if carry.IsZero() {
					break
				}
				headroom := pool.Headroom()
				if planned, ok := plan[pool.ID]; ok {
					headroom = headroom.Sub(planned)
				}
				if !headroom.IsPositive() {
					continue
				}
				fill := sdkmath.MinInt(carry, headroom)
				if planned, ok := plan[pool.ID]; ok {
					plan[pool.ID] = planned.Add(fill)
				} else {
					plan[pool.ID] = fill
				}
				carry = carry.Sub(fill)
			}
		}
	}
	if carry.IsPositive() {
		return nil, cerrors.New(cerrors.CodePoolCapacityExceeded, op, "")
	}
	return plan, nil
}

// applyPlanLocked commits a plan to the pools. The capacity invariant is
// re-checked per pool; planLocked already guarantees it, so a failure here
// means corrupted state and aborts before any pool is touched.
func (e *Engine) applyPlanLocked(op string, plan map[types.PoolID]sdkmath.Int) error {
	for _, id := range sortedPoolIDs(plan) {
		pool := e.pools[id]
		if pool.TotalLiquidity.Add(plan[id]).GT(pool.MaxCapacity) {
			return cerrors.New(cerrors.CodePoolCapacityExceeded, op, string(id))
		}
	}
	now := e.now()
	for id, fill := range plan {
		pool := e.pools[id]
		pool.TotalLiquidity = pool.TotalLiquidity.Add(fill)
		pool.UpdatedAt = now
	}
	return nil
}

// releaseLiquidityLocked subtracts a record's amounts back out of the pools.
func (e *Engine) releaseLiquidityLocked(op string, record *types.AllocationRecord) error {
	// Validate first so a failure leaves the pools untouched.
	for id, amount := range record.PoolAmounts {
		pool, ok := e.pools[id]
		if !ok {
			return cerrors.New(cerrors.CodeNotFound, op, string(id))
		}
		if _, err := safemath.CheckedSub(pool.TotalLiquidity, amount); err != nil {
			return cerrors.Wrap(cerrors.CodeArithmeticOverflow, op, string(id), err)
		}
	}
	now := e.now()
	for id, amount := range record.PoolAmounts {
		pool := e.pools[id]
		pool.TotalLiquidity = pool.TotalLiquidity.Sub(amount)
		pool.UpdatedAt = now
	}
	return nil
}

// Allocate distributes amount across eligible pools per strategy. The split
// is all-or-nothing: either every unit lands in a pool or no pool changes.
// A commitment keeps one live record; repeated allocations fold into it.
func (e *Engine) Allocate(caller types.Address, commitmentID types.CommitmentID, owner types.Address, amount sdkmath.Int, strategy types.AllocationStrategy) (types.AllocationSummary, error) {
	const op = "allocation.Allocate"

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeUnauthorized, op, string(caller))
	}
	if !strategy.Valid() {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeInvalidRules, op, idStr(commitmentID))
	}
	if amount.IsNil() || !amount.IsPositive() {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeInvalidAmount, op, idStr(commitmentID))
	}

	plan, err := e.planLocked(op, amount, strategy)
	if err != nil {
		return types.AllocationSummary{}, err
	}
	if err := e.applyPlanLocked(op, plan); err != nil {
		return types.AllocationSummary{}, err
	}

	record, ok := e.records[commitmentID]
	if !ok {
		record = &types.AllocationRecord{
			CommitmentID: commitmentID,
			Owner:        owner,
			PoolAmounts:  make(map[types.PoolID]sdkmath.Int),
			Total:        sdkmath.ZeroInt(),
		}
		e.records[commitmentID] = record
	}
	for id, fill := range plan {
		if existing, ok := record.PoolAmounts[id]; ok {
			record.PoolAmounts[id] = existing.Add(fill)
		} else {
			record.PoolAmounts[id] = fill
		}
	}
	record.Strategy = strategy
	record.Total = record.Total.Add(amount)
	record.Timestamp = e.now()

	e.logger.Info().
		Uint64("commitmentID", uint64(commitmentID)).
		Str("amount", amount.String()).
		Str("strategy", string(strategy)).
		Int("pools", len(plan)).
		Msg("Allocation committed")

	return types.AllocationSummary{
		CommitmentID: commitmentID,
		Strategy:     strategy,
		PoolAmounts:  plan,
		Total:        amount,
		Timestamp:    record.Timestamp,
	}, nil
}

// Release removes the live record for a commitment and returns its
// liquidity to the pools' headroom.
func (e *Engine) Release(commitmentID types.CommitmentID) error {
	const op = "allocation.Release"

	e.mu.Lock()
	defer e.mu.Unlock()

	record, ok := e.records[commitmentID]
	if !ok {
		return cerrors.New(cerrors.CodeNotFound, op, idStr(commitmentID))
	}
	if err := e.releaseLiquidityLocked(op, record); err != nil {
		return err
	}
	delete(e.records, commitmentID)
	e.logger.Info().
		Uint64("commitmentID", uint64(commitmentID)).
		Str("total", record.Total.String()).
		Msg("Allocation released")
	return nil
}

// Rebalance re-runs a commitment's allocated total through its strategy
// against current pool state and swaps the record atomically. If the new
// plan does not fit, the old allocation stays exactly as it was.
func (e *Engine) Rebalance(caller types.Address, commitmentID types.CommitmentID) (types.AllocationSummary, error) {
	const op = "allocation.Rebalance"

	e.mu.Lock()
	defer e.mu.Unlock()

	record, ok := e.records[commitmentID]
	if !ok {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeNotFound, op, idStr(commitmentID))
	}
	if caller != record.Owner {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeUnauthorized, op, string(caller))
	}

	if err := e.releaseLiquidityLocked(op, record); err != nil {
		return types.AllocationSummary{}, err
	}
	plan, err := e.planLocked(op, record.Total, record.Strategy)
	if err == nil {
		err = e.applyPlanLocked(op, plan)
	}
	if err != nil {
		// Restore the released liquidity so the failed rebalance is invisible.
		now := e.now()
		for id, amount := range record.PoolAmounts {
			pool := e.pools[id]
			pool.TotalLiquidity = pool.TotalLiquidity.Add(amount)
			pool.UpdatedAt = now
		}
		return types.AllocationSummary{}, err
	}

	record.PoolAmounts = make(map[types.PoolID]sdkmath.Int, len(plan))
	for id, fill := range plan {
		record.PoolAmounts[id] = fill
	}
	record.Timestamp = e.now()

	e.logger.Info().
		Uint64("commitmentID", uint64(commitmentID)).
		Str("total", record.Total.String()).
		Str("strategy", string(record.Strategy)).
		Int("pools", len(plan)).
		Msg("Allocation rebalanced")
	e.emit(types.Event{
		Kind:         types.EventRebalanced,
		CommitmentID: commitmentID,
		Actor:        caller,
		Attributes: map[string]string{
			"total":    record.Total.String(),
			"strategy": string(record.Strategy),
		},
		Timestamp: record.Timestamp,
	})

	return types.AllocationSummary{
		CommitmentID: commitmentID,
		Strategy:     record.Strategy,
		PoolAmounts:  copyRecord(*record).PoolAmounts,
		Total:        record.Total,
		Timestamp:    record.Timestamp,
	}, nil
}
