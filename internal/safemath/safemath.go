/*
This file contains checked arithmetic and validation helpers for financial
amounts. All amounts are sdkmath.Int; every operation that could overflow,
underflow, or divide by zero returns an explicit error instead of panicking.
*/

package safemath

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// BpsScale is the basis point scale: 10000 bps = 100%.
const BpsScale = 10000

// Error definitions for zero-tolerance error handling
var (
	ErrOverflow        = errors.New("arithmetic overflow")
	ErrUnderflow       = errors.New("arithmetic underflow")
	ErrAmountNil       = errors.New("amount is nil")
	ErrAmountNegative  = errors.New("amount is negative")
	ErrAmountZero      = errors.New("amount must be positive")
	ErrInvalidPercent  = errors.New("percent must be between 0 and 100")
	ErrInvalidBps      = errors.New("bps must be between 0 and 10000")
	ErrInvalidDuration = errors.New("duration must be positive")
)

// checked runs an sdkmath operation and converts its overflow panic into an error.
func checked(f func() sdkmath.Int) (result sdkmath.Int, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = sdkmath.ZeroInt()
			err = fmt.Errorf("%w: %v", ErrOverflow, r)
		}
	}()
	return f(), nil
}

// CheckedAdd returns a + b, erroring on nil inputs or overflow.
func CheckedAdd(a, b sdkmath.Int) (sdkmath.Int, error) {
	if a.IsNil() || b.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	return checked(func() sdkmath.Int { return a.Add(b) })
}

// CheckedSub returns a - b, erroring if the result would be negative.
func CheckedSub(a, b sdkmath.Int) (sdkmath.Int, error) {
	if a.IsNil() || b.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if b.GT(a) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s - %s", ErrUnderflow, a, b)
	}
	return checked(func() sdkmath.Int { return a.Sub(b) })
}

// CheckedMul returns a * b, erroring on nil inputs or overflow.
func CheckedMul(a, b sdkmath.Int) (sdkmath.Int, error) {
	if a.IsNil() || b.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	return checked(func() sdkmath.Int { return a.Mul(b) })
}

// MulPercent returns value * percent / 100 using checked multiplication and
// integer division that rounds toward zero. Percent must be 0-100.
func MulPercent(value sdkmath.Int, percent int64) (sdkmath.Int, error) {
	if value.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if percent < 0 || percent > 100 {
		return sdkmath.ZeroInt(), ErrInvalidPercent
	}
	product, err := CheckedMul(value, sdkmath.NewInt(percent))
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return product.Quo(sdkmath.NewInt(100)), nil
}

// LossPercent returns max(0, (initial - current) * 100 / initial) truncated.
// A zero (or negative) initial value short-circuits to 0: such a commitment
// cannot meaningfully violate a loss rule and must not divide by zero.
func LossPercent(initial, current sdkmath.Int) int64 {
	if initial.IsNil() || current.IsNil() || !initial.IsPositive() {
		return 0
	}
	if current.GTE(initial) {
		return 0
	}
	loss := initial.Sub(current)
	return loss.Mul(sdkmath.NewInt(100)).Quo(initial).Int64()
}

// FeeFromBps returns (amount * bps) / 10000, rounding down.
func FeeFromBps(amount sdkmath.Int, bps int64) (sdkmath.Int, error) {
	if amount.IsNil() {
		return sdkmath.ZeroInt(), ErrAmountNil
	}
	if bps < 0 || bps > BpsScale {
		return sdkmath.ZeroInt(), ErrInvalidBps
	}
	if bps == 0 {
		return sdkmath.ZeroInt(), nil
	}
	product, err := CheckedMul(amount, sdkmath.NewInt(bps))
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return product.Quo(sdkmath.NewInt(BpsScale)), nil
}

// NetAfterFeeBps returns amount - FeeFromBps(amount, bps).
func NetAfterFeeBps(amount sdkmath.Int, bps int64) (sdkmath.Int, error) {
	fee, err := FeeFromBps(amount, bps)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return CheckedSub(amount, fee)
}

// RequirePositive errors unless amount is a non-nil positive Int.
func RequirePositive(amount sdkmath.Int) error {
	if amount.IsNil() {
		return ErrAmountNil
	}
	if amount.IsNegative() {
		return ErrAmountNegative
	}
	if amount.IsZero() {
		return ErrAmountZero
	}
	return nil
}

// RequireNonNegative errors unless amount is a non-nil Int >= 0.
func RequireNonNegative(amount sdkmath.Int) error {
	if amount.IsNil() {
		return ErrAmountNil
	}
	if amount.IsNegative() {
		return ErrAmountNegative
	}
	return nil
}

// RequireValidPercent errors unless 0 <= percent <= 100.
func RequireValidPercent(percent int64) error {
	if percent < 0 || percent > 100 {
		return ErrInvalidPercent
	}
	return nil
}

// RequireValidDuration errors unless days > 0.
func RequireValidDuration(days int) error {
	if days <= 0 {
		return ErrInvalidDuration
	}
	return nil
}
