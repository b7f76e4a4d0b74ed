/*

This file contains the attestation types: verifier-submitted records about a
commitment's health, the tagged payload variants, and the cached health metrics
derived from the attestation history.

*/

package types

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// AttestationType tags the payload variant carried by an attestation.
type AttestationType string

const (
	AttestHealthCheck   AttestationType = "health_check"
	AttestViolation     AttestationType = "violation"
	AttestFeeGeneration AttestationType = "fee_generation"
	AttestDrawdown      AttestationType = "drawdown"
)

// AttestationPayload is the tagged variant decided at the interface boundary.
// FeeAmount is set only for fee_generation, DrawdownPercent only for drawdown.
type AttestationPayload struct {
	Type            AttestationType `json:"type"`
	FeeAmount       sdkmath.Int     `json:"fee_amount,omitempty"`
	DrawdownPercent int64           `json:"drawdown_percent,omitempty"`
	Note            string          `json:"note,omitempty"` // Free-form context for health checks
}

// Attestation is append-only: never mutated or deleted after creation.
type Attestation struct {
	CommitmentID CommitmentID       `json:"commitment_id"`
	Verifier     Address            `json:"verifier"`
	Payload      AttestationPayload `json:"payload"`
	IsCompliant  bool               `json:"is_compliant"`
	Timestamp    time.Time          `json:"timestamp"`
}

// HealthMetrics is the cached aggregate over a commitment's attestation history.
// It is recomputed whenever the history grows or the commitment's value changes
// outside the attestation flow.
type HealthMetrics struct {
	CommitmentID       CommitmentID `json:"commitment_id"`
	FeesGenerated      sdkmath.Int  `json:"fees_generated"`
	MaxDrawdownPercent int64        `json:"max_drawdown_percent"`
	ViolationCount     int          `json:"violation_count"`
	ComplianceScore    int          `json:"compliance_score"` // 0-100
	LastAttestedAt     time.Time    `json:"last_attested_at"` // Zero if never attested
}
