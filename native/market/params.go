package market

import (
	"fmt"
	"math/big"
)

// Params bundles the tunable limits governing purchases, refunds and
// withdrawals. The daemon loads overrides from its TOML config; tests shrink
// the windows for deterministic clocks.
type Params struct {
	// MaxPrice is the exclusive upper bound on course prices.
	MaxPrice *big.Int
	// MinHoldTime is the anti-abuse interval after purchase before a refund
	// may be requested, in seconds.
	MinHoldTime int64
	// RefundWindow is the maximum interval after purchase during which a
	// refund may be requested, in seconds.
	RefundWindow int64
	// RefundThreshold is the consumption percentage at or above which a
	// refund is denied.
	RefundThreshold uint32
	// RefundFraction is the percentage of the price paid returned to the
	// buyer on an approved refund.
	RefundFraction uint32
	// MinWithdrawal is the smallest pending balance a seller may withdraw.
	MinWithdrawal *big.Int
	// WithdrawCooldown is the minimum interval between withdrawals by the
	// same seller, in seconds.
	WithdrawCooldown int64
}

const day = 24 * 60 * 60

// DefaultParams returns the platform launch limits: one-day hold, seven-day
// refund window, 30% consumption threshold, 70% refund fraction, one-day
// withdrawal cooldown.
func DefaultParams() Params {
	return Params{
		MaxPrice:         new(big.Int).Lsh(big.NewInt(1), 96),
		MinHoldTime:      day,
		RefundWindow:     7 * day,
		RefundThreshold:  30,
		RefundFraction:   70,
		MinWithdrawal:    big.NewInt(1),
		WithdrawCooldown: day,
	}
}

// Validate rejects parameter sets that would wedge the refund state machine.
func (p Params) Validate() error {
	if p.MaxPrice == nil || p.MaxPrice.Sign() <= 0 {
		return fmt.Errorf("market: max price must be positive")
	}
	if p.MinHoldTime < 0 || p.RefundWindow < 0 || p.WithdrawCooldown < 0 {
		return fmt.Errorf("market: intervals must be non-negative")
	}
	if p.MinHoldTime > p.RefundWindow {
		return fmt.Errorf("market: hold time %d exceeds refund window %d", p.MinHoldTime, p.RefundWindow)
	}
	if p.RefundThreshold > 100 {
		return fmt.Errorf("market: refund threshold %d out of range", p.RefundThreshold)
	}
	if p.RefundFraction > 100 {
		return fmt.Errorf("market: refund fraction %d out of range", p.RefundFraction)
	}
	if p.MinWithdrawal == nil || p.MinWithdrawal.Sign() <= 0 {
		return fmt.Errorf("market: minimum withdrawal must be positive")
	}
	return nil
}
