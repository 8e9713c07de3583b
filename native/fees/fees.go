package fees

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrRateSum flags a configuration whose percentage rates do not sum to
	// exactly 100. A config that fails validation must never reach Split.
	ErrRateSum = errors.New("fees: rates must sum to 100")
	// ErrNilPrice flags a missing or non-positive price.
	ErrNilPrice = errors.New("fees: price must be positive")
)

var hundred = big.NewInt(100)

// Config captures the three-way percentage split applied to every sale. The
// referrer rate may be zero when referrals are disabled; the sum invariant
// always holds.
type Config struct {
	SellerRate   uint32 `json:"sellerRate"`
	PlatformRate uint32 `json:"platformRate"`
	ReferrerRate uint32 `json:"referrerRate"`
}

// DefaultConfig returns the platform launch split: 90% seller, 10% platform,
// referrals disabled.
func DefaultConfig() Config {
	return Config{SellerRate: 90, PlatformRate: 10, ReferrerRate: 0}
}

// Validate enforces the sum invariant.
func (c Config) Validate() error {
	sum := uint64(c.SellerRate) + uint64(c.PlatformRate) + uint64(c.ReferrerRate)
	if sum != 100 {
		return fmt.Errorf("%w: got %d", ErrRateSum, sum)
	}
	return nil
}

// Distribution is the exact decomposition of a sale price.
type Distribution struct {
	Seller   *big.Int
	Platform *big.Int
	Referrer *big.Int
}

// Total returns the sum of all shares.
func (d Distribution) Total() *big.Int {
	total := new(big.Int).Add(d.Seller, d.Platform)
	return total.Add(total, d.Referrer)
}

// Split decomposes price into seller, platform and referrer shares. The
// seller and referrer shares use floor division; the platform share is always
// the remainder, so the three shares reconstruct the price exactly for every
// price and every valid config. When no referrer is attached the configured
// referrer rate folds into the seller share before the remainder is taken.
func Split(price *big.Int, hasReferrer bool, cfg Config) (Distribution, error) {
	if err := cfg.Validate(); err != nil {
		return Distribution{}, err
	}
	if price == nil || price.Sign() <= 0 {
		return Distribution{}, ErrNilPrice
	}
	sellerRate := uint64(cfg.SellerRate)
	referrerRate := uint64(cfg.ReferrerRate)
	if !hasReferrer {
		sellerRate += referrerRate
		referrerRate = 0
	}
	seller := new(big.Int).Mul(price, new(big.Int).SetUint64(sellerRate))
	seller.Div(seller, hundred)
	referrer := big.NewInt(0)
	if referrerRate > 0 {
		referrer = new(big.Int).Mul(price, new(big.Int).SetUint64(referrerRate))
		referrer.Div(referrer, hundred)
	}
	platform := new(big.Int).Sub(price, seller)
	platform.Sub(platform, referrer)
	if platform.Sign() < 0 {
		// Unreachable for a validated config; kept as a defensive assertion
		// because a negative platform share means silent fund leakage.
		return Distribution{}, fmt.Errorf("fees: negative platform share for price %s", price)
	}
	return Distribution{Seller: seller, Platform: platform, Referrer: referrer}, nil
}
