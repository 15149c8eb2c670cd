package ramp

import "errors"

var (
	// ErrNotRegistered indicates the caller has no identity bound.
	ErrNotRegistered = errors.New("ramp: principal not registered")
	// ErrUnauthorized indicates the caller is not permitted to act on the
	// targeted record.
	ErrUnauthorized = errors.New("ramp: caller not authorized")
	// ErrInvalidAmount covers zero or negative amounts.
	ErrInvalidAmount = errors.New("ramp: invalid amount")
	// ErrInvalidPayout indicates the payout destination is the zero address.
	ErrInvalidPayout = errors.New("ramp: invalid payout destination")
	// ErrDepositNotFound indicates the referenced deposit does not exist.
	ErrDepositNotFound = errors.New("ramp: deposit not found")
	// ErrDepositBelowMinimum indicates the supplied amount is under the
	// configured floor.
	ErrDepositBelowMinimum = errors.New("ramp: deposit below minimum")
	// ErrDepositCapExceeded indicates the depositor already holds the maximum
	// number of open deposits.
	ErrDepositCapExceeded = errors.New("ramp: open deposit cap exceeded")
	// ErrIntentNotFound indicates the referenced reservation does not exist.
	ErrIntentNotFound = errors.New("ramp: intent not found")
	// ErrIntentExists indicates the buyer already holds a reservation against
	// the same deposit.
	ErrIntentExists = errors.New("ramp: intent already exists for deposit")
	// ErrIntentOutstanding indicates the buyer already holds a live
	// reservation somewhere in the ledger.
	ErrIntentOutstanding = errors.New("ramp: outstanding intent in progress")
	// ErrAmountAboveMax indicates the reservation exceeds the configured cap.
	ErrAmountAboveMax = errors.New("ramp: amount above maximum intent size")
	// ErrDenylisted indicates the depositor has barred the buyer's identity.
	ErrDenylisted = errors.New("ramp: identity denylisted by depositor")
	// ErrDenylistEntryExists indicates the identity is already barred.
	ErrDenylistEntryExists = errors.New("ramp: identity already denylisted")
	// ErrDenylistEntryMissing indicates the identity is not on the denylist.
	ErrDenylistEntryMissing = errors.New("ramp: identity not denylisted")
	// ErrCooldownActive indicates the buyer settled too recently to signal
	// again.
	ErrCooldownActive = errors.New("ramp: cooldown not elapsed")
	// ErrSelfDeal indicates the buyer and depositor resolve to the same
	// identity.
	ErrSelfDeal = errors.New("ramp: self dealing barred")
	// ErrInsufficientLiquidity indicates the deposit cannot cover the
	// requested amount even after sweeping expired reservations.
	ErrInsufficientLiquidity = errors.New("ramp: insufficient liquidity")
)
