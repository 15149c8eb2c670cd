package config

// Pauses flags modules whose state-changing operations are administratively
// halted. Reads stay available while a module is paused.
type Pauses struct {
	Ramp     bool `json:"ramp"`
	Registry bool `json:"registry"`
	Bank     bool `json:"bank"`
}

// IsPaused reports whether the named module is paused. Unknown names are
// never paused.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case "ramp":
		return p.Ramp
	case "registry":
		return p.Registry
	case "bank":
		return p.Bank
	default:
		return false
	}
}

// RampParams carries the governance values for the deposit and reservation
// engine in their wire form. Amounts and the fee rate are decimal strings in
// base units; the fee rate is an 18 decimal fixed-point fraction. The fee
// recipient is a hex encoded 20 byte address and may be empty while the fee
// rate is zero.
type RampParams struct {
	MinDeposit        string `json:"minDeposit"`
	MaxIntent         string `json:"maxIntent"`
	CooldownSeconds   uint64 `json:"cooldownSeconds"`
	ExpirationSeconds uint64 `json:"expirationSeconds"`
	FeeRateWad        string `json:"feeRateWad"`
	FeeRecipient      string `json:"feeRecipient"`
}
