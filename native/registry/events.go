package registry

import (
	"encoding/hex"
	"strconv"

	"rampledger/core/types"
)

const (
	EventTypeRegistered = "identity.registered"
	EventTypeAliasSet   = "identity.alias_set"
)

// NewRegisteredEvent returns the canonical payload for a fresh identity
// binding.
func NewRegisteredEvent(principal [20]byte, identity [32]byte, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeRegistered,
		Attributes: map[string]string{
			"principal":    hex.EncodeToString(principal[:]),
			"identity":     hex.EncodeToString(identity[:]),
			"registeredAt": strconv.FormatInt(at, 10),
		},
	}
}

// NewAliasSetEvent returns the payload emitted when a principal binds or
// replaces its display alias.
func NewAliasSetEvent(principal [20]byte, alias string, at int64) *types.Event {
	return &types.Event{
		Type: EventTypeAliasSet,
		Attributes: map[string]string{
			"principal": hex.EncodeToString(principal[:]),
			"alias":     alias,
			"updatedAt": strconv.FormatInt(at, 10),
		},
	}
}
