/*

This file contains the in-memory ledger implementation of the AssetTransfer
collaborator. It tracks per-(address, asset) balances plus a single custody
account, and is the reference implementation used by the composed service
and the engine tests.

*/

package custody

import (
	"errors"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/commitlabs/clm/internal/logger"
	"github.com/commitlabs/clm/internal/safemath"
	"github.com/commitlabs/clm/internal/types"
)

// ErrInsufficientBalance is returned when a transfer exceeds the source balance.
var ErrInsufficientBalance = errors.New("insufficient balance")

type balanceKey struct {
	addr  types.Address
	asset string
}

// Ledger is an in-memory AssetTransfer backend. Custody holdings are tracked
// per asset under a reserved internal account.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]sdkmath.Int
	custody  map[string]sdkmath.Int // asset -> amount held in custody
	logger   zerolog.Logger
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]sdkmath.Int),
		custody:  make(map[string]sdkmath.Int),
		logger:   logger.GetForComponent("custody_ledger"),
	}
}

// Credit adds amount to an address balance. Used to seed accounts.
func (l *Ledger) Credit(addr types.Address, asset string, amount sdkmath.Int) error {
	if err := safemath.RequirePositive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{addr: addr, asset: asset}
	l.balances[key] = l.balanceLocked(key).Add(amount)
	return nil
}

func (l *Ledger) balanceLocked(key balanceKey) sdkmath.Int {
	if b, ok := l.balances[key]; ok {
		return b
	}
	return sdkmath.ZeroInt()
}

func (l *Ledger) custodyLocked(asset string) sdkmath.Int {
	if b, ok := l.custody[asset]; ok {
		return b
	}
	return sdkmath.ZeroInt()
}

// GetBalance returns the available balance of asset held by address.
func (l *Ledger) GetBalance(address types.Address, asset string) (sdkmath.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(balanceKey{addr: address, asset: asset}), nil
}

// CustodyBalance returns the amount of asset currently held in custody.
func (l *Ledger) CustodyBalance(asset string) sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.custodyLocked(asset)
}

// TransferIn moves amount from the owner's balance into custody.
func (l *Ledger) TransferIn(from types.Address, amount sdkmath.Int, asset string) error {
	if err := safemath.RequirePositive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey{addr: from, asset: asset}
	balance := l.balanceLocked(key)
	if balance.LT(amount) {
		l.logger.Warn().
			Str("from", string(from)).
			Str("asset", asset).
			Str("balance", balance.String()).
			Str("amount", amount.String()).
			Msg("Transfer in rejected: insufficient balance")
		return ErrInsufficientBalance
	}

	l.balances[key] = balance.Sub(amount)
	l.custody[asset] = l.custodyLocked(asset).Add(amount)
	return nil
}

// TransferOut moves amount from custody to the recipient's balance.
func (l *Ledger) TransferOut(to types.Address, amount sdkmath.Int, asset string) error {
	if err := safemath.RequirePositive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.custodyLocked(asset)
	if held.LT(amount) {
		l.logger.Error().
			Str("asset", asset).
			Str("held", held.String()).
			Str("amount", amount.String()).
			Msg("Transfer out rejected: custody underfunded")
		return ErrInsufficientBalance
	}

	l.custody[asset] = held.Sub(amount)
	key := balanceKey{addr: to, asset: asset}
	l.balances[key] = l.balanceLocked(key).Add(amount)
	return nil
}
