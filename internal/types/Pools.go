/*

This is a custom type for pools which contains all the state needed for
allocation decisions, plus the per-commitment allocation records produced
by the allocation engine.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

type PoolID string

// RiskLevel tiers pools for strategy-driven selection.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether the risk level is one of the recognized tiers.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Pool is a risk-tiered liquidity destination with bounded capacity.
// 0 <= TotalLiquidity <= MaxCapacity holds after every allocation.
type Pool struct {
	ID             PoolID      `json:"id"`
	RiskLevel      RiskLevel   `json:"risk_level"`
	APY            float64     `json:"apy"`
	MaxCapacity    sdkmath.Int `json:"max_capacity"`    // > 0
	TotalLiquidity sdkmath.Int `json:"total_liquidity"` // Committed amount across all records
	CustodyAddress Address     `json:"custody_address"` // Destination for allocated funds
	Active         bool        `json:"active"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Headroom returns the remaining capacity the pool can absorb.
func (p Pool) Headroom() sdkmath.Int {
	return p.MaxCapacity.Sub(p.TotalLiquidity)
}

// AllocationStrategy selects eligible pools per risk tier.
type AllocationStrategy string

const (
	StrategySafe       AllocationStrategy = "safe"       // Low-risk pools only
	StrategyBalanced   AllocationStrategy = "balanced"   // All tiers, fixed weighting
	StrategyAggressive AllocationStrategy = "aggressive" // Medium and High only
)

// Valid reports whether the strategy is recognized.
func (s AllocationStrategy) Valid() bool {
	switch s {
	case StrategySafe, StrategyBalanced, StrategyAggressive:
		return true
	}
	return false
}

// AllocationRecord is the single live record of where a commitment's value
// sits across pools. Rebalancing replaces it atomically.
type AllocationRecord struct {
	CommitmentID CommitmentID           `json:"commitment_id"`
	Owner        Address                `json:"owner"`
	Strategy     AllocationStrategy     `json:"strategy"`
	PoolAmounts  map[PoolID]sdkmath.Int `json:"pool_amounts"` // Sums to Total
	Total        sdkmath.Int            `json:"total"`
	Timestamp    time.Time              `json:"timestamp"`
}

// AllocationSummary is the caller-facing view of an allocation or rebalance.
type AllocationSummary struct {
	CommitmentID CommitmentID           `json:"commitment_id"`
	Strategy     AllocationStrategy     `json:"strategy"`
	PoolAmounts  map[PoolID]sdkmath.Int `json:"pool_amounts"`
	Total        sdkmath.Int            `json:"total"`
	Timestamp    time.Time              `json:"timestamp"`
}
