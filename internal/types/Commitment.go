/*

This file contains the core commitment types: the commitment record itself,
the immutable rules attached to it at creation, and the lifecycle status enum.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// Address identifies a party (owner, verifier, admin, pool custody account).
type Address string

// CommitmentID is assigned from a monotonically increasing counter and never reused.
type CommitmentID uint64

// CommitmentType selects the allocation strategy a commitment is allowed to use.
type CommitmentType string

const (
	CommitmentSafe       CommitmentType = "safe"
	CommitmentBalanced   CommitmentType = "balanced"
	CommitmentAggressive CommitmentType = "aggressive"
)

// Valid reports whether the commitment type is one of the three recognized values.
func (t CommitmentType) Valid() bool {
	switch t {
	case CommitmentSafe, CommitmentBalanced, CommitmentAggressive:
		return true
	}
	return false
}

// CommitmentStatus is the lifecycle state machine position.
// Violated is advisory: it does not block settlement or early exit.
type CommitmentStatus string

const (
	StatusActive    CommitmentStatus = "active"
	StatusSettled   CommitmentStatus = "settled"
	StatusEarlyExit CommitmentStatus = "early_exit"
	StatusViolated  CommitmentStatus = "violated"
)

// Resolvable reports whether a settle or early exit may still succeed.
func (s CommitmentStatus) Resolvable() bool {
	return s == StatusActive || s == StatusViolated
}

// CommitmentRules are agreed at creation and never change afterwards.
type CommitmentRules struct {
	DurationDays            int            `json:"duration_days"`              // Lock duration, > 0
	MaxLossPercent          int64          `json:"max_loss_percent"`           // 0-100 inclusive
	CommitmentType          CommitmentType `json:"commitment_type"`            // safe | balanced | aggressive
	EarlyExitPenaltyPercent int64          `json:"early_exit_penalty_percent"` // 0-100 inclusive
	MinFeeThreshold         sdkmath.Int    `json:"min_fee_threshold"`          // >= 0, used by compliance scoring
}

// Commitment is a locked asset amount under time and risk rules.
// Records are never deleted; resolved commitments remain as an audit trail.
type Commitment struct {
	ID            CommitmentID     `json:"id"`
	Owner         Address          `json:"owner"`
	Asset         string           `json:"asset"`
	AmountLocked  sdkmath.Int      `json:"amount_locked"`  // Fixed at creation, > 0
	InitialValue  sdkmath.Int      `json:"initial_value"`  // == AmountLocked at creation
	CurrentValue  sdkmath.Int      `json:"current_value"`  // >= 0, mutated only by UpdateValue
	Allocated     sdkmath.Int      `json:"allocated"`      // Total placed into pools, <= AmountLocked
	Rules         CommitmentRules  `json:"rules"`
	Status        CommitmentStatus `json:"status"`
	CertificateID string           `json:"certificate_id"` // Issued by the certificate collaborator
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"` // CreatedAt + DurationDays
}

// ViolationReport is the result of a pure rule check against a commitment.
type ViolationReport struct {
	CommitmentID     CommitmentID  `json:"commitment_id"`
	LossViolated     bool          `json:"loss_violated"`
	DurationViolated bool          `json:"duration_violated"`
	Violated         bool          `json:"violated"`
	LossPercent      int64         `json:"loss_percent"`   // Integer percent, truncated
	TimeRemaining    time.Duration `json:"time_remaining"` // 0 once expired
}
