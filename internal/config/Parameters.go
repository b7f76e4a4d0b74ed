/*

This file contains the tunable engine parameters and their defaults. A single
EngineParameters value is injected into the three engines at construction so
different deployments (or tests) can run different policies.

*/

package config

import (
	"time"

	"github.com/commitlabs/clm/internal/types"
)

// EngineParameters holds all tunable thresholds, weights, and windows used by
// the lifecycle, attestation, and allocation engines.
type EngineParameters struct {
	// --- Compliance Scoring ---
	ComplianceThreshold int           `json:"compliance_threshold"` // Minimum score for verify_compliance (0-100).
	ViolationPenalty    int           `json:"violation_penalty"`    // Score deduction per recorded violation.
	StalenessWindow     time.Duration `json:"staleness_window"`     // Attestations older than this incur the staleness penalty.
	StalenessPenalty    int           `json:"staleness_penalty"`    // Flat deduction when the last attestation is stale.

	// --- Balanced Strategy Tier Weights ---
	// Percent of the requested amount targeted at each tier before spill-over.
	// Must sum to 100.
	BalancedLowPercent    int64 `json:"balanced_low_percent"`
	BalancedMediumPercent int64 `json:"balanced_medium_percent"`
	BalancedHighPercent   int64 `json:"balanced_high_percent"`

	// --- Rate Limiting Defaults ---
	// Window/max per operation; admins can retune at runtime.
	CreateLimit   RateLimit `json:"create_limit"`
	AttestLimit   RateLimit `json:"attest_limit"`
	AllocateLimit RateLimit `json:"allocate_limit"`
	UpdateLimit   RateLimit `json:"update_limit"`
}

// RateLimit is a fixed-window budget for one operation.
type RateLimit struct {
	Window   time.Duration `json:"window"`
	MaxCalls int           `json:"max_calls"`
}

// Operation names used as rate limiter keys.
const (
	OpCreate      = "create"
	OpAttest      = "attest"
	OpAllocate    = "allocate"
	OpUpdateValue = "update_value"
)

// DefaultEngineParameters is the baseline policy used when no override is supplied.
var DefaultEngineParameters = EngineParameters{
	ComplianceThreshold: 70,
	ViolationPenalty:    20,
	StalenessWindow:     7 * 24 * time.Hour,
	StalenessPenalty:    10,

	BalancedLowPercent:    50,
	BalancedMediumPercent: 30,
	BalancedHighPercent:   20,

	CreateLimit:   RateLimit{Window: time.Hour, MaxCalls: 10},
	AttestLimit:   RateLimit{Window: time.Minute, MaxCalls: 30},
	AllocateLimit: RateLimit{Window: time.Hour, MaxCalls: 20},
	UpdateLimit:   RateLimit{Window: time.Minute, MaxCalls: 60},
}

// Validate checks internal consistency of the parameter set.
func (p EngineParameters) Validate() error {
	if p.ComplianceThreshold < 0 || p.ComplianceThreshold > 100 {
		return errInvalidParameters("compliance_threshold must be 0-100")
	}
	if p.BalancedLowPercent+p.BalancedMediumPercent+p.BalancedHighPercent != 100 {
		return errInvalidParameters("balanced tier weights must sum to 100")
	}
	return nil
}

type errInvalidParameters string

func (e errInvalidParameters) Error() string { return "invalid engine parameters: " + string(e) }

// BalancedTierPercent returns the configured weighting for a risk tier.
func (p EngineParameters) BalancedTierPercent(level types.RiskLevel) int64 {
	switch level {
	case types.RiskLow:
		return p.BalancedLowPercent
	case types.RiskMedium:
		return p.BalancedMediumPercent
	case types.RiskHigh:
		return p.BalancedHighPercent
	}
	return 0
}
