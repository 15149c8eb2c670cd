package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// MaxFeeRateWad caps the settlement fee at 5% in 18 decimal fixed point.
var MaxFeeRateWad = new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))

// RampLimits represents the parsed runtime values of RampParams.
type RampLimits struct {
	MinDeposit        *big.Int
	MaxIntent         *big.Int
	CooldownSeconds   uint64
	ExpirationSeconds uint64
	FeeRateWad        *big.Int
	FeeRecipient      [20]byte
}

// Limits parses the wire form parameters into runtime values and rejects
// combinations the engine must never observe.
func (p RampParams) Limits() (RampLimits, error) {
	limits := RampLimits{
		CooldownSeconds:   p.CooldownSeconds,
		ExpirationSeconds: p.ExpirationSeconds,
	}
	minDeposit, err := parseUintAmount(p.MinDeposit)
	if err != nil {
		return limits, fmt.Errorf("invalid ramp.MinDeposit: %w", err)
	}
	limits.MinDeposit = minDeposit
	maxIntent, err := parseUintAmount(p.MaxIntent)
	if err != nil {
		return limits, fmt.Errorf("invalid ramp.MaxIntent: %w", err)
	}
	limits.MaxIntent = maxIntent
	feeRate, err := parseUintAmount(p.FeeRateWad)
	if err != nil {
		return limits, fmt.Errorf("invalid ramp.FeeRateWad: %w", err)
	}
	if feeRate.Cmp(MaxFeeRateWad) > 0 {
		return limits, fmt.Errorf("ramp.FeeRateWad exceeds maximum of %s", MaxFeeRateWad)
	}
	limits.FeeRateWad = feeRate

	recipient := strings.TrimSpace(p.FeeRecipient)
	if recipient != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(recipient, "0x"))
		if err != nil {
			return limits, fmt.Errorf("invalid ramp.FeeRecipient: %w", err)
		}
		if len(raw) != 20 {
			return limits, fmt.Errorf("invalid ramp.FeeRecipient: want 20 bytes, got %d", len(raw))
		}
		copy(limits.FeeRecipient[:], raw)
	}
	if feeRate.Sign() > 0 && limits.FeeRecipient == ([20]byte{}) {
		return limits, fmt.Errorf("ramp.FeeRecipient required when FeeRateWad is non-zero")
	}
	if p.ExpirationSeconds == 0 {
		return limits, fmt.Errorf("ramp.ExpirationSeconds must be positive")
	}
	return limits, nil
}

// DefaultRampParams returns the parameters seeded on a fresh ledger.
func DefaultRampParams() RampParams {
	return RampParams{
		MinDeposit:        "20000000000000000000",
		MaxIntent:         "10000000000000000000000",
		CooldownSeconds:   3600,
		ExpirationSeconds: 86400,
		FeeRateWad:        "0",
		FeeRecipient:      "",
	}
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("not a base 10 integer: %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("must not be negative: %q", raw)
	}
	return value, nil
}
