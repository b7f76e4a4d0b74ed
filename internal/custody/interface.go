package custody

import (
	sdkmath "cosmossdk.io/math"

	"github.com/commitlabs/clm/internal/types"
)

// AssetTransfer defines the interface for the asset-transfer collaborator.
// This interface abstracts away the specific implementation details of moving
// funds in and out of custody, allowing for different backends (in-memory
// ledger, external settlement system, etc.).
//
// Every transfer either completes or fails with no partial effect; callers
// abort their whole operation on failure.
type AssetTransfer interface {
	// GetBalance returns the available balance of asset held by address.
	GetBalance(address types.Address, asset string) (sdkmath.Int, error)

	// TransferIn moves amount of asset from the owner into protocol custody.
	// Fails on insufficient balance or missing authorization.
	TransferIn(from types.Address, amount sdkmath.Int, asset string) error

	// TransferOut moves amount of asset from protocol custody to the recipient.
	TransferOut(to types.Address, amount sdkmath.Int, asset string) error
}
