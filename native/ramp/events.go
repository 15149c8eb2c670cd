package ramp

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"rampledger/core/types"
)

const (
	EventTypeDepositCreated   = "ramp.deposit.created"
	EventTypeDepositWithdrawn = "ramp.deposit.withdrawn"
	EventTypeDepositClosed    = "ramp.deposit.closed"
	EventTypeIntentSignaled   = "ramp.intent.signaled"
	EventTypeIntentPruned     = "ramp.intent.pruned"
	EventTypeIntentFulfilled  = "ramp.intent.fulfilled"
	EventTypeDenylistUpdated  = "ramp.denylist.updated"
)

// Prune reasons recorded on intent.pruned events.
const (
	PruneReasonCancelled = "cancelled"
	PruneReasonExpired   = "expired"
)

// NewDepositCreatedEvent returns the canonical payload for a freshly opened
// deposit.
func NewDepositCreatedEvent(d *Deposit) *types.Event {
	attrs := make(map[string]string)
	if d == nil {
		return &types.Event{Type: EventTypeDepositCreated, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(d.ID, 10)
	attrs["depositor"] = hex.EncodeToString(d.Depositor[:])
	attrs["supplied"] = bigIntString(d.Supplied)
	attrs["remaining"] = bigIntString(d.Remaining)
	attrs["rate"] = bigIntString(d.Rate)
	attrs["createdAt"] = strconv.FormatInt(d.CreatedAt, 10)
	return &types.Event{Type: EventTypeDepositCreated, Attributes: attrs}
}

// NewDepositWithdrawnEvent returns the payload for liquidity reclaimed by the
// depositor from a single deposit. Batch withdrawals emit one event per
// touched deposit.
func NewDepositWithdrawnEvent(d *Deposit, amount *big.Int, at int64) *types.Event {
	attrs := make(map[string]string)
	if d == nil {
		return &types.Event{Type: EventTypeDepositWithdrawn, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(d.ID, 10)
	attrs["depositor"] = hex.EncodeToString(d.Depositor[:])
	attrs["amount"] = bigIntString(amount)
	attrs["withdrawnAt"] = strconv.FormatInt(at, 10)
	return &types.Event{Type: EventTypeDepositWithdrawn, Attributes: attrs}
}

// NewDepositClosedEvent returns the payload emitted when an empty deposit is
// deleted from the ledger.
func NewDepositClosedEvent(d *Deposit, at int64) *types.Event {
	attrs := make(map[string]string)
	if d == nil {
		return &types.Event{Type: EventTypeDepositClosed, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(d.ID, 10)
	attrs["depositor"] = hex.EncodeToString(d.Depositor[:])
	attrs["closedAt"] = strconv.FormatInt(at, 10)
	return &types.Event{Type: EventTypeDepositClosed, Attributes: attrs}
}

// NewIntentSignaledEvent returns the canonical payload for a new reservation.
func NewIntentSignaledEvent(i *Intent) *types.Event {
	attrs := make(map[string]string)
	if i == nil {
		return &types.Event{Type: EventTypeIntentSignaled, Attributes: attrs}
	}
	attrs["key"] = hex.EncodeToString(i.Key[:])
	attrs["depositId"] = strconv.FormatUint(i.DepositID, 10)
	attrs["buyer"] = hex.EncodeToString(i.Buyer[:])
	attrs["buyerIdentity"] = hex.EncodeToString(i.BuyerIdentity[:])
	attrs["payoutTo"] = hex.EncodeToString(i.PayoutTo[:])
	attrs["amount"] = bigIntString(i.Amount)
	attrs["createdAt"] = strconv.FormatInt(i.CreatedAt, 10)
	return &types.Event{Type: EventTypeIntentSignaled, Attributes: attrs}
}

// NewIntentPrunedEvent returns the payload emitted when a reservation is
// removed without settling, either by the buyer cancelling or by the lazy
// expiration sweep.
func NewIntentPrunedEvent(i *Intent, reason string, at int64) *types.Event {
	attrs := make(map[string]string)
	if i == nil {
		return &types.Event{Type: EventTypeIntentPruned, Attributes: attrs}
	}
	attrs["key"] = hex.EncodeToString(i.Key[:])
	attrs["depositId"] = strconv.FormatUint(i.DepositID, 10)
	attrs["buyerIdentity"] = hex.EncodeToString(i.BuyerIdentity[:])
	attrs["amount"] = bigIntString(i.Amount)
	attrs["reason"] = reason
	attrs["prunedAt"] = strconv.FormatInt(at, 10)
	return &types.Event{Type: EventTypeIntentPruned, Attributes: attrs}
}

// NewIntentFulfilledEvent returns the payload for a settled reservation with
// its fee split breakdown.
func NewIntentFulfilledEvent(i *Intent, fee, payout *big.Int, at int64) *types.Event {
	attrs := make(map[string]string)
	if i == nil {
		return &types.Event{Type: EventTypeIntentFulfilled, Attributes: attrs}
	}
	attrs["key"] = hex.EncodeToString(i.Key[:])
	attrs["depositId"] = strconv.FormatUint(i.DepositID, 10)
	attrs["buyer"] = hex.EncodeToString(i.Buyer[:])
	attrs["buyerIdentity"] = hex.EncodeToString(i.BuyerIdentity[:])
	attrs["payoutTo"] = hex.EncodeToString(i.PayoutTo[:])
	attrs["amount"] = bigIntString(i.Amount)
	attrs["fee"] = bigIntString(fee)
	attrs["payout"] = bigIntString(payout)
	attrs["settledAt"] = strconv.FormatInt(at, 10)
	return &types.Event{Type: EventTypeIntentFulfilled, Attributes: attrs}
}

// NewDenylistUpdatedEvent returns the payload for a denylist mutation. Action
// is "add" or "remove".
func NewDenylistUpdatedEvent(owner, barred [32]byte, action string, at int64) *types.Event {
	attrs := map[string]string{
		"identity":  hex.EncodeToString(owner[:]),
		"barred":    hex.EncodeToString(barred[:]),
		"action":    action,
		"updatedAt": strconv.FormatInt(at, 10),
	}
	return &types.Event{Type: EventTypeDenylistUpdated, Attributes: attrs}
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
