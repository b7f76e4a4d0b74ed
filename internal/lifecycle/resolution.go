/*

This file contains the operations that resolve a commitment or move its
funds: Settle, EarlyExit, and Allocate. Each one acquires the per-commitment
guard on top of the manager mutex so resolution and allocation for the same
commitment can never interleave, and compensates any completed external
transfer when a later step fails.

*/

package lifecycle

import (
	"strconv"

	sdkmath "cosmossdk.io/math"

	"github.com/commitlabs/clm/internal/cerrors"
	"github.com/commitlabs/clm/internal/config"
	"github.com/commitlabs/clm/internal/safemath"
	"github.com/commitlabs/clm/internal/types"
)

// Settle pays out the current value of an expired commitment to its owner
// and marks both the commitment and its certificate settled. Violated
// commitments settle normally; violations are advisory.
func (m *Manager) Settle(caller types.Address, id types.CommitmentID) (sdkmath.Int, error) {
	const op = "lifecycle.Settle"

	release, err := m.guard.Acquire(guardKey(id))
	if err != nil {
		return sdkmath.Int{}, cerrors.Wrap(cerrors.CodeReentrancy, op, idStr(id), err)
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunningLocked(op); err != nil {
		return sdkmath.Int{}, err
	}
	c, ok := m.commitments[id]
	if !ok {
		return sdkmath.Int{}, cerrors.New(cerrors.CodeNotFound, op, idStr(id))
	}
	if !c.Status.Resolvable() {
		return sdkmath.Int{}, cerrors.New(cerrors.CodeAlreadySettled, op, idStr(id))
	}
	if m.now().Before(c.ExpiresAt) {
		return sdkmath.Int{}, cerrors.New(cerrors.CodeNotExpired, op, idStr(id))
	}

	payout := c.CurrentValue
	if payout.IsPositive() {
		if err := m.assets.TransferOut(c.Owner, payout, c.Asset); err != nil {
			return sdkmath.Int{}, cerrors.Wrap(cerrors.CodeInsufficientBalance, op, idStr(id), err)
		}
	}
	if err := m.certs.Settle(c.CertificateID); err != nil {
		// Pull the payout back so the failed operation leaves no trace.
		if payout.IsPositive() {
			if refundErr := m.assets.TransferIn(c.Owner, payout, c.Asset); refundErr != nil {
				m.logger.Error().Err(refundErr).
					Uint64("commitmentID", uint64(id)).
					Msg("Payout reversal after failed certificate settle also failed")
			}
		}
		return sdkmath.Int{}, cerrors.Wrap(cerrors.CodeAlreadySettled, op, idStr(id), err)
	}

	c.Status = types.StatusSettled
	delete(m.active, id)
	m.tvl[c.Asset] = m.assetTVLLocked(c.Asset).Sub(c.AmountLocked)

	m.logger.Info().
		Uint64("commitmentID", uint64(id)).
		Str("owner", string(c.Owner)).
		Str("payout", payout.String()).
		Msg("Commitment settled")
	m.emit(types.Event{
		Kind:         types.EventSettled,
		CommitmentID: id,
		Actor:        caller,
		Attributes:   map[string]string{"payout": payout.String()},
		Timestamp:    m.now(),
	})
	return payout, nil
}

// EarlyExit resolves a commitment before expiry. The configured penalty
// percentage of the current value accrues to the protocol fee pool and the
// remainder is returned to the owner. Owner only.
func (m *Manager) EarlyExit(caller types.Address, id types.CommitmentID) (sdkmath.Int, error) {
	const op = "lifecycle.EarlyExit"

	release, err := m.guard.Acquire(guardKey(id))
	if err != nil {
		return sdkmath.Int{}, cerrors.Wrap(cerrors.CodeReentrancy, op, idStr(id), err)
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunningLocked(op); err != nil {
		return sdkmath.Int{}, err
	}
	c, ok := m.commitments[id]
	if !ok {
		return sdkmath.Int{}, cerrors.New(cerrors.CodeNotFound, op, idStr(id))
	}
	if caller != c.Owner {
		return sdkmath.Int{}, cerrors.New(cerrors.CodeUnauthorized, op, string(caller))
	}
	if !c.Status.Resolvable() {
		return sdkmath.Int{}, cerrors.New(cerrors.CodeAlreadySettled, op, idStr(id))
	}

	penalty, err := safemath.MulPercent(c.CurrentValue, c.Rules.EarlyExitPenaltyPercent)
	if err != nil {
		return sdkmath.Int{}, cerrors.Wrap(cerrors.CodeArithmeticOverflow, op, idStr(id), err)
	}
	remaining, err := safemath.CheckedSub(c.CurrentValue, penalty)
	if err != nil {
		return sdkmath.Int{}, cerrors.Wrap(cerrors.CodeArithmeticOverflow, op, idStr(id), err)
	}

	if remaining.IsPositive() {
		if err := m.assets.TransferOut(c.Owner, remaining, c.Asset); err != nil {
			return sdkmath.Int{}, cerrors.Wrap(cerrors.CodeInsufficientBalance, op, idStr(id), err)
		}
	}

	c.Status = types.StatusEarlyExit
	delete(m.active, id)
	m.tvl[c.Asset] = m.assetTVLLocked(c.Asset).Sub(c.AmountLocked)
	m.feePool[c.Asset] = m.feePoolLocked(c.Asset).Add(penalty)

	m.logger.Info().
		Uint64("commitmentID", uint64(id)).
		Str("owner", string(c.Owner)).
		Str("penalty", penalty.String()).
		Str("returned", remaining.String()).
		Msg("Commitment exited early")
	m.emit(types.Event{
		Kind:         types.EventEarlyExit,
		CommitmentID: id,
		Actor:        caller,
		Attributes: map[string]string{
			"penalty":  penalty.String(),
			"returned": remaining.String(),
		},
		Timestamp: m.now(),
	})
	return remaining, nil
}

func (m *Manager) feePoolLocked(asset string) sdkmath.Int {
	if v, ok := m.feePool[asset]; ok {
		return v
	}
	return sdkmath.ZeroInt()
}

// Allocate deploys part of a commitment's locked funds into risk pools using
// the given strategy. The allocation engine decides the per-pool split
// all-or-nothing; custody transfers to the pool addresses happen only after
// it accepts, and are unwound in full if any transfer fails.
func (m *Manager) Allocate(caller types.Address, id types.CommitmentID, amount sdkmath.Int, strategy types.AllocationStrategy) (types.AllocationSummary, error) {
	const op = "lifecycle.Allocate"

	release, err := m.guard.Acquire(guardKey(id))
	if err != nil {
		return types.AllocationSummary{}, cerrors.Wrap(cerrors.CodeReentrancy, op, idStr(id), err)
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireRunningLocked(op); err != nil {
		return types.AllocationSummary{}, err
	}
	if !m.limiter.Allow(caller, config.OpAllocate) {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeRateLimited, op, string(caller))
	}
	c, ok := m.commitments[id]
	if !ok {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeNotFound, op, idStr(id))
	}
	if caller != c.Owner {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeUnauthorized, op, string(caller))
	}
	if c.Status != types.StatusActive {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeAlreadySettled, op, idStr(id))
	}
	if amount.IsNil() || !amount.IsPositive() {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeInvalidAmount, op, idStr(id))
	}
	available, err := safemath.CheckedSub(c.AmountLocked, c.Allocated)
	if err != nil {
		return types.AllocationSummary{}, cerrors.Wrap(cerrors.CodeArithmeticOverflow, op, idStr(id), err)
	}
	if amount.GT(available) {
		return types.AllocationSummary{}, cerrors.New(cerrors.CodeInvalidAmount, op, idStr(id))
	}

	summary, err := m.alloc.Allocate(caller, id, c.Owner, amount, strategy)
	if err != nil {
		return types.AllocationSummary{}, err
	}

	if err := m.fundPoolsLocked(c, summary); err != nil {
		if releaseErr := m.alloc.Release(id); releaseErr != nil {
			m.logger.Error().Err(releaseErr).
				Uint64("commitmentID", uint64(id)).
				Msg("Allocation release after failed pool funding also failed")
		}
		return types.AllocationSummary{}, cerrors.Wrap(cerrors.CodeInsufficientBalance, op, idStr(id), err)
	}

	c.Allocated = c.Allocated.Add(amount)
	m.logger.Info().
		Uint64("commitmentID", uint64(id)).
		Str("amount", amount.String()).
		Str("strategy", string(strategy)).
		Int("pools", len(summary.PoolAmounts)).
		Msg("Commitment funds allocated")
	m.emit(types.Event{
		Kind:         types.EventAllocated,
		CommitmentID: id,
		Actor:        caller,
		Attributes: map[string]string{
			"amount":   amount.String(),
			"strategy": string(strategy),
			"pools":    strconv.Itoa(len(summary.PoolAmounts)),
		},
		Timestamp: m.now(),
	})
	return summary, nil
}

// fundPoolsLocked moves the accepted per-pool amounts from custody to each
// pool's custody address. Completed transfers are reversed if a later one
// fails so the operation stays all-or-nothing.
func (m *Manager) fundPoolsLocked(c *types.Commitment, summary types.AllocationSummary) error {
	funded := make([]struct {
		addr   types.Address
		amount sdkmath.Int
	}, 0, len(summary.PoolAmounts))

	for poolID, poolAmount := range summary.PoolAmounts {
		addr, err := m.alloc.PoolCustody(poolID)
		if err == nil {
			err = m.assets.TransferOut(addr, poolAmount, c.Asset)
		}
		if err != nil {
			for _, f := range funded {
				if undoErr := m.assets.TransferIn(f.addr, f.amount, c.Asset); undoErr != nil {
					m.logger.Error().Err(undoErr).
						Str("pool_custody", string(f.addr)).
						Msg("Pool funding reversal failed")
				}
			}
			return err
		}
		funded = append(funded, struct {
			addr   types.Address
			amount sdkmath.Int
		}{addr: addr, amount: poolAmount})
	}
	return nil
}

func guardKey(id types.CommitmentID) string {
	return "commitment:" + idStr(id)
}
