package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"coursemarket/native/fees"
	"coursemarket/native/market"
)

// Config is the daemon configuration, loaded from TOML with defaults applied
// for anything unset.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	JournalPath   string `toml:"JournalPath"`
	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`

	// AdminAddress is the platform administrator identity (0x-prefixed hex).
	AdminAddress string `toml:"AdminAddress"`
	// EscrowAddress holds escrowed funds between purchase and settlement.
	EscrowAddress string `toml:"EscrowAddress"`
	// PlatformAddress receives the platform share of every sale.
	PlatformAddress string `toml:"PlatformAddress"`
	// JWTSecret signs and verifies admin bearer tokens for the RPC surface.
	JWTSecret string `toml:"JWTSecret"`
	// RateLimitPerMinute caps RPC requests per client. Zero disables the
	// limiter.
	RateLimitPerMinute float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	Fees   FeesConfig   `toml:"fees"`
	Market MarketConfig `toml:"market"`
}

// FeesConfig mirrors fees.Config in TOML form.
type FeesConfig struct {
	SellerRate   uint32 `toml:"SellerRate"`
	PlatformRate uint32 `toml:"PlatformRate"`
	ReferrerRate uint32 `toml:"ReferrerRate"`
}

// MarketConfig overrides the engine limits. Durations are in seconds; zero
// values fall back to the engine defaults.
type MarketConfig struct {
	MaxPrice         string `toml:"MaxPrice"`
	MinHoldTime      int64  `toml:"MinHoldTime"`
	RefundWindow     int64  `toml:"RefundWindow"`
	RefundThreshold  uint32 `toml:"RefundThreshold"`
	RefundFraction   uint32 `toml:"RefundFraction"`
	MinWithdrawal    string `toml:"MinWithdrawal"`
	WithdrawCooldown int64  `toml:"WithdrawCooldown"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	defaults := fees.DefaultConfig()
	return &Config{
		ListenAddress:      ":8661",
		Environment:        "dev",
		JournalPath:        "coursemarket-events.db",
		RateLimitPerMinute: 600,
		RateLimitBurst:     30,
		Fees: FeesConfig{
			SellerRate:   defaults.SellerRate,
			PlatformRate: defaults.PlatformRate,
			ReferrerRate: defaults.ReferrerRate,
		},
	}
}

// Load reads the configuration from path, or returns defaults when path is
// empty or missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engines would refuse at wiring time.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: listen address required")
	}
	if err := c.FeeConfig().Validate(); err != nil {
		return err
	}
	params, err := c.MarketParams()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"AdminAddress", c.AdminAddress},
		{"EscrowAddress", c.EscrowAddress},
		{"PlatformAddress", c.PlatformAddress},
	} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		if _, err := ParseAddress(field.value); err != nil {
			return fmt.Errorf("config: %s: %w", field.name, err)
		}
	}
	return nil
}

// FeeConfig converts the TOML fee section to the engine's form.
func (c *Config) FeeConfig() fees.Config {
	return fees.Config{
		SellerRate:   c.Fees.SellerRate,
		PlatformRate: c.Fees.PlatformRate,
		ReferrerRate: c.Fees.ReferrerRate,
	}
}

// MarketParams merges the TOML overrides onto the engine defaults.
func (c *Config) MarketParams() (market.Params, error) {
	params := market.DefaultParams()
	if strings.TrimSpace(c.Market.MaxPrice) != "" {
		value, ok := new(big.Int).SetString(strings.TrimSpace(c.Market.MaxPrice), 10)
		if !ok {
			return params, fmt.Errorf("config: invalid MaxPrice %q", c.Market.MaxPrice)
		}
		params.MaxPrice = value
	}
	if c.Market.MinHoldTime > 0 {
		params.MinHoldTime = c.Market.MinHoldTime
	}
	if c.Market.RefundWindow > 0 {
		params.RefundWindow = c.Market.RefundWindow
	}
	if c.Market.RefundThreshold > 0 {
		params.RefundThreshold = c.Market.RefundThreshold
	}
	if c.Market.RefundFraction > 0 {
		params.RefundFraction = c.Market.RefundFraction
	}
	if strings.TrimSpace(c.Market.MinWithdrawal) != "" {
		value, ok := new(big.Int).SetString(strings.TrimSpace(c.Market.MinWithdrawal), 10)
		if !ok {
			return params, fmt.Errorf("config: invalid MinWithdrawal %q", c.Market.MinWithdrawal)
		}
		params.MinWithdrawal = value
	}
	if c.Market.WithdrawCooldown > 0 {
		params.WithdrawCooldown = c.Market.WithdrawCooldown
	}
	return params, nil
}

// ParseAddress decodes a 0x-prefixed 20-byte hex address.
func ParseAddress(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid address %q: %w", value, err)
	}
	if len(decoded) != 20 {
		return out, fmt.Errorf("invalid address %q: want 20 bytes, got %d", value, len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
