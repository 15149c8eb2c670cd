package bank

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"rampledger/core/types"
)

// EventTypeMinted marks balance issued by the operator faucet.
const EventTypeMinted = "bank.minted"

// NewMintedEvent returns the payload for freshly issued balance.
func NewMintedEvent(to [20]byte, amount *big.Int, at int64) *types.Event {
	value := "0"
	if amount != nil {
		value = amount.String()
	}
	attrs := map[string]string{
		"to":       hex.EncodeToString(to[:]),
		"amount":   value,
		"mintedAt": strconv.FormatInt(at, 10),
	}
	return &types.Event{Type: EventTypeMinted, Attributes: attrs}
}
