package ramp

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"rampledger/core/events"
	"rampledger/core/types"
	"rampledger/native/common"
)

// MaxOpenDeposits caps how many deposits a single depositor may hold open at
// once.
const MaxOpenDeposits = 5

var (
	errNilState   = errors.New("ramp engine: state not configured")
	errNilGateway = errors.New("ramp engine: settlement gateway not configured")
	errNilParams  = errors.New("ramp engine: parameter source not configured")
)

type engineState interface {
	GetAccount(addr []byte) (*types.Account, error)
	RampNextDepositID() (uint64, error)
	RampOwnerDeposits(addr [20]byte) ([]uint64, error)
	RampOwnerDepositAdd(addr [20]byte, id uint64) error
	RampOwnerDepositRemove(addr [20]byte, id uint64) error
	RampDepositGet(id uint64) (*Deposit, bool, error)
	RampDepositPut(deposit *Deposit) error
	RampDepositDelete(id uint64) error
	RampIntentGet(key [32]byte) (*Intent, bool, error)
	RampIntentPut(intent *Intent) error
	RampIntentDelete(key [32]byte) error
	RampIdentityGet(identity [32]byte) (*IdentityState, error)
	RampIdentityPut(identity [32]byte, state *IdentityState) error
}

// SettlementGateway is the asset custody boundary. Pull locks funds into
// custody when a deposit opens; Push releases custody funds on settlement and
// withdrawal. The engine only calls Push after all ledger mutations for the
// operation have been applied.
type SettlementGateway interface {
	Pull(from [20]byte, amount *big.Int) error
	Push(to [20]byte, amount *big.Int) error
}

// Params carries the governance values consulted by the engine. The engine
// re-reads them on every operation rather than caching.
type Params struct {
	MinDeposit       *big.Int
	MaxIntent        *big.Int
	CooldownPeriod   int64
	ExpirationPeriod int64
	FeeRate          *big.Int
	FeeRecipient     [20]byte
}

// ParamSource supplies the current governance parameters.
type ParamSource interface {
	RampParams() (Params, error)
}

type rampEvent struct {
	evt *types.Event
}

func (e rampEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e rampEvent) Event() *types.Event { return e.evt }

// Engine implements the deposit and reservation lifecycle. All mutating entry
// points assume the caller serializes access and runs them against a state
// that can be discarded wholesale on error.
type Engine struct {
	state   engineState
	gateway SettlementGateway
	params  ParamSource
	pauses  common.PauseView
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a ramp engine with a no-op emitter. Callers wire state,
// gateway and parameters via the Set helpers before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetGateway configures the settlement gateway used for custody transfers.
func (e *Engine) SetGateway(gateway SettlementGateway) { e.gateway = gateway }

// SetParamSource configures where the engine reads governance values from.
func (e *Engine) SetParamSource(source ParamSource) { e.params = source }

// SetPauses configures the pause switchboard consulted before mutations.
func (e *Engine) SetPauses(pauses common.PauseView) { e.pauses = pauses }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(rampEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.gateway == nil {
		return errNilGateway
	}
	if e.params == nil {
		return errNilParams
	}
	return common.Guard(e.pauses, common.ModuleRamp)
}

func (e *Engine) currentParams() (Params, error) {
	p, err := e.params.RampParams()
	if err != nil {
		return Params{}, fmt.Errorf("ramp: load params: %w", err)
	}
	if p.MinDeposit == nil {
		p.MinDeposit = big.NewInt(0)
	}
	if p.MaxIntent == nil {
		p.MaxIntent = big.NewInt(0)
	}
	if p.FeeRate == nil {
		p.FeeRate = big.NewInt(0)
	}
	return p, nil
}

func (e *Engine) identityOf(principal [20]byte) ([32]byte, error) {
	account, err := e.state.GetAccount(principal[:])
	if err != nil {
		return [32]byte{}, err
	}
	if !account.Registered() {
		return [32]byte{}, ErrNotRegistered
	}
	return account.Identity, nil
}

// OpenDeposit locks supplied liquidity into a new deposit. The conversion
// rate is fixed at creation from the supplied and requested receive amounts.
// Custody funds are pulled from the depositor only after the deposit record
// and the depositor's account reference are written.
func (e *Engine) OpenDeposit(depositor [20]byte, supplied, requestedReceive *big.Int) (*Deposit, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if supplied == nil || supplied.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if requestedReceive == nil || requestedReceive.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	params, err := e.currentParams()
	if err != nil {
		return nil, err
	}
	if supplied.Cmp(params.MinDeposit) < 0 {
		return nil, ErrDepositBelowMinimum
	}
	account, err := e.state.GetAccount(depositor[:])
	if err != nil {
		return nil, err
	}
	if !account.Registered() {
		return nil, ErrNotRegistered
	}
	open, err := e.state.RampOwnerDeposits(depositor)
	if err != nil {
		return nil, err
	}
	if len(open) >= MaxOpenDeposits {
		return nil, ErrDepositCapExceeded
	}
	rate := new(big.Int).Mul(supplied, Scale)
	rate.Quo(rate, requestedReceive)
	if rate.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	id, err := e.state.RampNextDepositID()
	if err != nil {
		return nil, err
	}
	deposit := &Deposit{
		ID:          id,
		Depositor:   depositor,
		Supplied:    cloneBigInt(supplied),
		Remaining:   cloneBigInt(supplied),
		Reserved:    big.NewInt(0),
		Rate:        rate,
		OpenIntents: make([][32]byte, 0),
		CreatedAt:   e.now(),
	}
	if err := e.state.RampDepositPut(deposit); err != nil {
		return nil, err
	}
	if err := e.state.RampOwnerDepositAdd(depositor, id); err != nil {
		return nil, err
	}
	if err := e.gateway.Pull(depositor, supplied); err != nil {
		return nil, err
	}
	e.emit(NewDepositCreatedEvent(deposit))
	return deposit.Clone(), nil
}

// SignalIntent reserves liquidity on a deposit for the buyer. When the
// deposit cannot cover the amount outright the engine first sweeps that
// deposit's expired reservations; the signal fails only if liquidity is still
// short afterwards.
func (e *Engine) SignalIntent(buyer [20]byte, depositID uint64, amount *big.Int, payoutTo [20]byte) (*Intent, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if payoutTo == ([20]byte{}) {
		return nil, ErrInvalidPayout
	}
	params, err := e.currentParams()
	if err != nil {
		return nil, err
	}
	if params.MaxIntent.Sign() > 0 && amount.Cmp(params.MaxIntent) > 0 {
		return nil, ErrAmountAboveMax
	}
	buyerIdentity, err := e.identityOf(buyer)
	if err != nil {
		return nil, err
	}
	deposit, ok, err := e.state.RampDepositGet(depositID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDepositNotFound
	}
	ownerIdentity, err := e.identityOf(deposit.Depositor)
	if err != nil {
		return nil, err
	}
	ownerState, err := e.state.RampIdentityGet(ownerIdentity)
	if err != nil {
		return nil, err
	}
	if ownerState.Denies(buyerIdentity) {
		return nil, ErrDenylisted
	}
	now := e.now()
	buyerState, err := e.state.RampIdentityGet(buyerIdentity)
	if err != nil {
		return nil, err
	}
	if buyerState.LastSettlement > 0 && now < buyerState.LastSettlement+params.CooldownPeriod {
		return nil, ErrCooldownActive
	}
	if buyerState.HasCurrentIntent() {
		return nil, ErrIntentOutstanding
	}
	if buyerIdentity == ownerIdentity {
		return nil, ErrSelfDeal
	}
	key := DeriveIntentKey(buyer, depositID)
	if _, exists, err := e.state.RampIntentGet(key); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrIntentExists
	}
	if deposit.Remaining.Cmp(amount) < 0 {
		prunable, reclaimable, err := e.expiredIntents(deposit, now, params.ExpirationPeriod)
		if err != nil {
			return nil, err
		}
		available := new(big.Int).Add(deposit.Remaining, reclaimable)
		if available.Cmp(amount) < 0 {
			return nil, ErrInsufficientLiquidity
		}
		if err := e.applySweep(deposit, prunable, now); err != nil {
			return nil, err
		}
	}
	intent := &Intent{
		Key:           key,
		DepositID:     depositID,
		Buyer:         buyer,
		BuyerIdentity: buyerIdentity,
		PayoutTo:      payoutTo,
		Amount:        cloneBigInt(amount),
		CreatedAt:     now,
	}
	if err := e.state.RampIntentPut(intent); err != nil {
		return nil, err
	}
	buyerState.CurrentIntent = key
	if err := e.state.RampIdentityPut(buyerIdentity, buyerState); err != nil {
		return nil, err
	}
	deposit.Remaining.Sub(deposit.Remaining, amount)
	deposit.Reserved.Add(deposit.Reserved, amount)
	deposit.OpenIntents = append(deposit.OpenIntents, key)
	if err := e.state.RampDepositPut(deposit); err != nil {
		return nil, err
	}
	e.emit(NewIntentSignaledEvent(intent))
	return intent.Clone(), nil
}

// CancelIntent removes the caller's reservation and returns the reserved
// amount to the deposit's spendable remainder. Cancellation never settles and
// never starts a cooldown.
func (e *Engine) CancelIntent(caller [20]byte, key [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	intent, ok, err := e.state.RampIntentGet(key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrIntentNotFound
	}
	callerIdentity, err := e.identityOf(caller)
	if err != nil {
		return err
	}
	if callerIdentity != intent.BuyerIdentity {
		return ErrUnauthorized
	}
	deposit, ok, err := e.state.RampDepositGet(intent.DepositID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDepositNotFound
	}
	if _, err := e.pruneIntent(deposit, key); err != nil {
		return err
	}
	deposit.Remaining.Add(deposit.Remaining, intent.Amount)
	deposit.Reserved.Sub(deposit.Reserved, intent.Amount)
	if err := e.state.RampDepositPut(deposit); err != nil {
		return err
	}
	e.emit(NewIntentPrunedEvent(intent, PruneReasonCancelled, e.now()))
	return nil
}

// CompleteIntent settles a reservation on proof of the off-chain transfer.
// Proof validation happens upstream, so completion carries no caller
// restriction.
func (e *Engine) CompleteIntent(key [32]byte) (*Intent, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.settle(key, [20]byte{}, false)
}

// ReleaseIntent settles a reservation at the depositor's initiative. Only the
// recorded depositor of the reserved deposit may release.
func (e *Engine) ReleaseIntent(caller [20]byte, key [32]byte) (*Intent, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.settle(key, caller, true)
}

func (e *Engine) settle(key [32]byte, caller [20]byte, requireOwner bool) (*Intent, error) {
	intent, ok, err := e.state.RampIntentGet(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrIntentNotFound
	}
	deposit, ok, err := e.state.RampDepositGet(intent.DepositID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDepositNotFound
	}
	if requireOwner && caller != deposit.Depositor {
		return nil, ErrUnauthorized
	}
	params, err := e.currentParams()
	if err != nil {
		return nil, err
	}
	if _, err := e.pruneIntent(deposit, key); err != nil {
		return nil, err
	}
	deposit.Reserved.Sub(deposit.Reserved, intent.Amount)
	if err := e.state.RampDepositPut(deposit); err != nil {
		return nil, err
	}
	now := e.now()
	buyerState, err := e.state.RampIdentityGet(intent.BuyerIdentity)
	if err != nil {
		return nil, err
	}
	buyerState.LastSettlement = now
	if err := e.state.RampIdentityPut(intent.BuyerIdentity, buyerState); err != nil {
		return nil, err
	}
	if err := e.closeIfEmpty(deposit, now); err != nil {
		return nil, err
	}
	fee, payout := FeeSplit(intent.Amount, params.FeeRate)
	if fee.Sign() > 0 {
		if err := e.gateway.Push(params.FeeRecipient, fee); err != nil {
			return nil, err
		}
	}
	if payout.Sign() > 0 {
		if err := e.gateway.Push(intent.PayoutTo, payout); err != nil {
			return nil, err
		}
	}
	e.emit(NewIntentFulfilledEvent(intent, fee, payout, now))
	return intent.Clone(), nil
}

// Withdraw reclaims the spendable remainder of the supplied deposits in one
// aggregate payout. Expired reservations are swept first so their amounts are
// withdrawable; live reservations stay untouched and keep the deposit open.
// Deposit ids that no longer exist are skipped.
func (e *Engine) Withdraw(depositor [20]byte, depositIDs []uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	params, err := e.currentParams()
	if err != nil {
		return nil, err
	}
	now := e.now()
	total := big.NewInt(0)
	for _, id := range depositIDs {
		deposit, ok, err := e.state.RampDepositGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if deposit.Depositor != depositor {
			return nil, ErrUnauthorized
		}
		prunable, _, err := e.expiredIntents(deposit, now, params.ExpirationPeriod)
		if err != nil {
			return nil, err
		}
		if err := e.applySweep(deposit, prunable, now); err != nil {
			return nil, err
		}
		amount := cloneBigInt(deposit.Remaining)
		total.Add(total, amount)
		deposit.Remaining = big.NewInt(0)
		if err := e.state.RampDepositPut(deposit); err != nil {
			return nil, err
		}
		e.emit(NewDepositWithdrawnEvent(deposit, amount, now))
		if err := e.closeIfEmpty(deposit, now); err != nil {
			return nil, err
		}
	}
	if total.Sign() > 0 {
		if err := e.gateway.Push(depositor, total); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// DenylistAdd bars an identity from signaling against the caller's deposits.
func (e *Engine) DenylistAdd(caller [20]byte, barred [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	ownerIdentity, err := e.identityOf(caller)
	if err != nil {
		return err
	}
	if barred == ([32]byte{}) {
		return fmt.Errorf("ramp: barred identity must not be zero")
	}
	ownerState, err := e.state.RampIdentityGet(ownerIdentity)
	if err != nil {
		return err
	}
	if ownerState.Denies(barred) {
		return ErrDenylistEntryExists
	}
	ownerState.Denylist = append(ownerState.Denylist, barred)
	if err := e.state.RampIdentityPut(ownerIdentity, ownerState); err != nil {
		return err
	}
	e.emit(NewDenylistUpdatedEvent(ownerIdentity, barred, "add", e.now()))
	return nil
}

// DenylistRemove lifts a previously added bar.
func (e *Engine) DenylistRemove(caller [20]byte, barred [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	ownerIdentity, err := e.identityOf(caller)
	if err != nil {
		return err
	}
	ownerState, err := e.state.RampIdentityGet(ownerIdentity)
	if err != nil {
		return err
	}
	if !ownerState.Denies(barred) {
		return ErrDenylistEntryMissing
	}
	filtered := ownerState.Denylist[:0]
	for _, entry := range ownerState.Denylist {
		if entry != barred {
			filtered = append(filtered, entry)
		}
	}
	ownerState.Denylist = filtered
	if err := e.state.RampIdentityPut(ownerIdentity, ownerState); err != nil {
		return err
	}
	e.emit(NewDenylistUpdatedEvent(ownerIdentity, barred, "remove", e.now()))
	return nil
}

// expiredIntents reports which reservations of a deposit are prunable at the
// supplied instant and the amount pruning them would reclaim. State is not
// mutated, so callers can decide whether sweeping is worthwhile before
// committing to it. Open set entries whose record is missing count as
// prunable with a zero amount.
func (e *Engine) expiredIntents(deposit *Deposit, now, expirationPeriod int64) ([][32]byte, *big.Int, error) {
	prunable := make([][32]byte, 0)
	reclaimable := big.NewInt(0)
	for _, key := range deposit.OpenIntents {
		intent, ok, err := e.state.RampIntentGet(key)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			prunable = append(prunable, key)
			continue
		}
		if now > intent.ExpiresAt(expirationPeriod) {
			prunable = append(prunable, key)
			reclaimable.Add(reclaimable, intent.Amount)
		}
	}
	return prunable, reclaimable, nil
}

// applySweep prunes the supplied reservation keys and folds the reclaimed
// amounts back into the deposit's remainder. The deposit record is not
// persisted here; callers write it once their own mutation is complete.
func (e *Engine) applySweep(deposit *Deposit, keys [][32]byte, now int64) error {
	for _, key := range keys {
		intent, err := e.pruneIntent(deposit, key)
		if err != nil {
			return err
		}
		if intent == nil {
			continue
		}
		deposit.Remaining.Add(deposit.Remaining, intent.Amount)
		deposit.Reserved.Sub(deposit.Reserved, intent.Amount)
		e.emit(NewIntentPrunedEvent(intent, PruneReasonExpired, now))
	}
	return nil
}

// pruneIntent removes every reference to a reservation: the record itself,
// the buyer's current-reservation slot when it still points at the key, and
// the entry in the deposit's open set. All removal paths (cancel, settle,
// sweep) route through here so the dual references never diverge. Pruning a
// key with no record only clears the open set entry.
func (e *Engine) pruneIntent(deposit *Deposit, key [32]byte) (*Intent, error) {
	filtered := deposit.OpenIntents[:0]
	for _, entry := range deposit.OpenIntents {
		if entry != key {
			filtered = append(filtered, entry)
		}
	}
	deposit.OpenIntents = filtered
	intent, ok, err := e.state.RampIntentGet(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := e.state.RampIntentDelete(key); err != nil {
		return nil, err
	}
	buyerState, err := e.state.RampIdentityGet(intent.BuyerIdentity)
	if err != nil {
		return nil, err
	}
	if buyerState.CurrentIntent == key {
		buyerState.CurrentIntent = [32]byte{}
		if err := e.state.RampIdentityPut(intent.BuyerIdentity, buyerState); err != nil {
			return nil, err
		}
	}
	return intent, nil
}

// closeIfEmpty deletes a deposit that holds no value and no reservations and
// drops it from the owner's open-deposit index. Deposits with live
// reservations or a spendable remainder stay open.
func (e *Engine) closeIfEmpty(deposit *Deposit, now int64) error {
	if deposit.Remaining.Sign() != 0 || deposit.Reserved.Sign() != 0 {
		return nil
	}
	if err := e.state.RampDepositDelete(deposit.ID); err != nil {
		return err
	}
	if err := e.state.RampOwnerDepositRemove(deposit.Depositor, deposit.ID); err != nil {
		return err
	}
	e.emit(NewDepositClosedEvent(deposit, now))
	return nil
}

// FeeSplit returns the fee and payout portions for a settlement amount at the
// supplied fixed-point rate. The fee rounds down, so fee plus payout always
// equals the amount exactly. A nil or zero rate yields a zero fee.
func FeeSplit(amount, rate *big.Int) (*big.Int, *big.Int) {
	total := cloneBigInt(amount)
	if rate == nil || rate.Sign() <= 0 || total.Sign() <= 0 {
		return big.NewInt(0), total
	}
	fee := new(big.Int).Mul(total, rate)
	fee.Quo(fee, Scale)
	payout := new(big.Int).Sub(total, fee)
	return fee, payout
}
