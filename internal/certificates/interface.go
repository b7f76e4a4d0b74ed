package certificates

import (
	"github.com/commitlabs/clm/internal/types"
)

// Metadata describes the commitment a certificate represents.
type Metadata struct {
	CommitmentID   types.CommitmentID   `json:"commitment_id"`
	DurationDays   int                  `json:"duration_days"`
	MaxLossPercent int64                `json:"max_loss_percent"`
	CommitmentType types.CommitmentType `json:"commitment_type"`
	InitialAmount  string               `json:"initial_amount"`
	Asset          string               `json:"asset"`
}

// Issuer defines the interface for the certificate collaborator: it mints a
// tradable receipt per commitment and marks it settled at resolution.
// Secondary-market transfers happen outside the engines but flow through
// Transfer so ownership tracking stays consistent.
type Issuer interface {
	// Mint issues a certificate for owner and returns its id.
	Mint(owner types.Address, meta Metadata) (string, error)

	// Settle marks a certificate as settled. Idempotent settles are rejected.
	Settle(certificateID string) error

	// Transfer reassigns certificate ownership.
	Transfer(from, to types.Address, certificateID string) error
}
