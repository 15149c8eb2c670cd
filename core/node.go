package core

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"rampledger/config"
	"rampledger/core/events"
	"rampledger/core/state"
	"rampledger/core/types"
	"rampledger/native/bank"
	"rampledger/native/params"
	"rampledger/native/ramp"
	"rampledger/native/registry"
	"rampledger/observability"
	"rampledger/storage"
)

// ErrNotOwner is returned when a governance entry point is invoked by a
// principal other than the configured owner.
var ErrNotOwner = errors.New("node: caller is not the configured owner")

// Node is the single ownership root of the ledger. Every mutating entry point
// serializes on stateMu, runs against an overlay of the durable state and
// commits only when the whole operation succeeded, so partial mutations are
// never observable. Events buffered during an operation reach the durable log
// and live subscribers strictly after the commit.
type Node struct {
	db    storage.Database
	owner [20]byte
	nowFn func() int64

	stateMu sync.Mutex

	streamMu     sync.Mutex
	streamSubs   map[uint64]chan types.EventRecord
	streamNextID uint64
}

// NewNode creates a ledger node over the supplied database. The owner address
// gates parameter changes and minting.
func NewNode(db storage.Database, owner [20]byte) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database required")
	}
	return &Node{
		db:         db,
		owner:      owner,
		nowFn:      func() int64 { return time.Now().Unix() },
		streamSubs: make(map[uint64]chan types.EventRecord),
	}, nil
}

// SetNowFunc overrides the node's time source. Engines constructed per
// operation inherit it, so tests can pin every timestamp in the system.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		n.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	n.nowFn = now
}

// eventCarrier is implemented by the module event wrappers so the node can
// recover the canonical payload for the durable log.
type eventCarrier interface {
	Event() *types.Event
}

type collectingEmitter struct {
	collected []*types.Event
}

func (c *collectingEmitter) Emit(evt events.Event) {
	if carrier, ok := evt.(eventCarrier); ok {
		if payload := carrier.Event(); payload != nil {
			c.collected = append(c.collected, payload)
		}
	}
}

// paramSource adapts the typed parameter store to the engine's read surface.
// A fresh store is built per operation, so the engine always observes the
// values current at that operation.
type paramSource struct {
	store *params.Store
}

func (p paramSource) RampParams() (ramp.Params, error) {
	cfg, err := p.store.Ramp()
	if err != nil {
		return ramp.Params{}, err
	}
	limits, err := cfg.Limits()
	if err != nil {
		return ramp.Params{}, err
	}
	return ramp.Params{
		MinDeposit:       limits.MinDeposit,
		MaxIntent:        limits.MaxIntent,
		CooldownPeriod:   int64(limits.CooldownSeconds),
		ExpirationPeriod: int64(limits.ExpirationSeconds),
		FeeRate:          limits.FeeRateWad,
		FeeRecipient:     limits.FeeRecipient,
	}, nil
}

// pauseView reads the pause switchboard from state on every check. A read
// failure blocks the mutation rather than bypassing the switchboard.
type pauseView struct {
	store *params.Store
}

func (p pauseView) IsPaused(module string) bool {
	pauses, err := p.store.Pauses()
	if err != nil {
		return true
	}
	return pauses.IsPaused(module)
}

// operation bundles everything a mutating entry point needs: the overlay
// manager, the buffering emitter and ready-wired module engines.
type operation struct {
	manager  *state.Manager
	emitter  *collectingEmitter
	store    *params.Store
	ramp     *ramp.Engine
	registry *registry.Engine
	vault    *bank.Vault
}

func (n *Node) newOperation(manager *state.Manager) *operation {
	emitter := &collectingEmitter{}
	store := params.NewStore(manager)
	pauses := pauseView{store: store}

	vault := bank.NewVault()
	vault.SetState(manager)
	vault.SetPauses(pauses)
	vault.SetEmitter(emitter)
	vault.SetNowFunc(n.nowFn)

	rampEngine := ramp.NewEngine()
	rampEngine.SetState(manager)
	rampEngine.SetGateway(vault)
	rampEngine.SetParamSource(paramSource{store: store})
	rampEngine.SetPauses(pauses)
	rampEngine.SetEmitter(emitter)
	rampEngine.SetNowFunc(n.nowFn)

	registryEngine := registry.NewEngine()
	registryEngine.SetState(manager)
	registryEngine.SetPauses(pauses)
	registryEngine.SetEmitter(emitter)
	registryEngine.SetNowFunc(n.nowFn)

	return &operation{
		manager:  manager,
		emitter:  emitter,
		store:    store,
		ramp:     rampEngine,
		registry: registryEngine,
		vault:    vault,
	}
}

// runOperation executes fn against an overlay of the durable state. On
// success the buffered events are appended to the durable log, the overlay is
// committed and subscribers are notified. On error the overlay is dropped and
// nothing the operation did survives.
func (n *Node) runOperation(name string, fn func(op *operation) error) (err error) {
	started := time.Now()
	defer func() {
		observability.Ledger().ObserveOperation(name, err, time.Since(started))
	}()

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	overlay := state.NewManager(n.db).Overlay()
	op := n.newOperation(overlay)
	if err = fn(op); err != nil {
		return err
	}
	now := n.nowFn()
	records := make([]types.EventRecord, 0, len(op.emitter.collected))
	for _, evt := range op.emitter.collected {
		record, appendErr := overlay.EventLogAppend(*evt, now)
		if appendErr != nil {
			err = appendErr
			return err
		}
		records = append(records, record)
	}
	if err = overlay.Commit(); err != nil {
		return err
	}
	n.recordEventMetrics(records)
	n.publishEvents(records)
	return nil
}

// recordEventMetrics mirrors committed transitions into the Prometheus
// registry after the commit, so a dropped overlay never moves a counter.
func (n *Node) recordEventMetrics(records []types.EventRecord) {
	ledger := observability.Ledger()
	openDelta := 0.0
	for _, record := range records {
		switch record.Event.Type {
		case ramp.EventTypeDepositCreated:
			openDelta++
		case ramp.EventTypeDepositClosed:
			openDelta--
		case ramp.EventTypeIntentPruned:
			ledger.RecordPrune(record.Event.Attributes["reason"])
		}
	}
	ledger.AddOpenDeposits(openDelta)
}

// readState hands fn a manager over the durable state under the operation
// lock. Reads never mutate, so no overlay is needed.
func (n *Node) readState(fn func(m *state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn(state.NewManager(n.db))
}

// --- Identity directory ---

// Register binds the principal to its derived identity.
func (n *Node) Register(principal [20]byte) ([32]byte, error) {
	var identity [32]byte
	err := n.runOperation("register", func(op *operation) error {
		var innerErr error
		identity, innerErr = op.registry.Register(principal)
		return innerErr
	})
	return identity, err
}

// SetAlias binds a display alias to a registered principal.
func (n *Node) SetAlias(principal [20]byte, alias string) (string, error) {
	var normalized string
	err := n.runOperation("set_alias", func(op *operation) error {
		var innerErr error
		normalized, innerErr = op.registry.SetAlias(principal, alias)
		return innerErr
	})
	return normalized, err
}

// IdentityOf resolves a principal to its identity. The zero identity means
// unregistered.
func (n *Node) IdentityOf(principal [20]byte) ([32]byte, error) {
	var identity [32]byte
	err := n.readState(func(m *state.Manager) error {
		account, err := m.GetAccount(principal[:])
		if err != nil {
			return err
		}
		identity = account.Identity
		return nil
	})
	return identity, err
}

// ResolveAlias returns the principal bound to a display alias.
func (n *Node) ResolveAlias(alias string) ([20]byte, bool, error) {
	var (
		principal [20]byte
		found     bool
	)
	err := n.readState(func(m *state.Manager) error {
		engine := registry.NewEngine()
		engine.SetState(m)
		var innerErr error
		principal, found, innerErr = engine.Resolve(alias)
		return innerErr
	})
	return principal, found, err
}

// --- Deposit ledger and reservation engine ---

// OpenDeposit locks supplied liquidity into a new deposit.
func (n *Node) OpenDeposit(depositor [20]byte, supplied, requestedReceive *big.Int) (*ramp.Deposit, error) {
	var deposit *ramp.Deposit
	err := n.runOperation("open_deposit", func(op *operation) error {
		var innerErr error
		deposit, innerErr = op.ramp.OpenDeposit(depositor, supplied, requestedReceive)
		return innerErr
	})
	return deposit, err
}

// SignalIntent reserves liquidity on a deposit for the buyer.
func (n *Node) SignalIntent(buyer [20]byte, depositID uint64, amount *big.Int, payoutTo [20]byte) (*ramp.Intent, error) {
	var intent *ramp.Intent
	err := n.runOperation("signal_intent", func(op *operation) error {
		var innerErr error
		intent, innerErr = op.ramp.SignalIntent(buyer, depositID, amount, payoutTo)
		return innerErr
	})
	return intent, err
}

// CancelIntent removes the caller's reservation without settling.
func (n *Node) CancelIntent(caller [20]byte, key [32]byte) error {
	return n.runOperation("cancel_intent", func(op *operation) error {
		return op.ramp.CancelIntent(caller, key)
	})
}

// CompleteIntent settles a reservation on proof of the off-chain transfer.
func (n *Node) CompleteIntent(key [32]byte) (*ramp.Intent, error) {
	var intent *ramp.Intent
	err := n.runOperation("complete_intent", func(op *operation) error {
		var innerErr error
		intent, innerErr = op.ramp.CompleteIntent(key)
		return innerErr
	})
	return intent, err
}

// ReleaseIntent settles a reservation at the depositor's initiative.
func (n *Node) ReleaseIntent(caller [20]byte, key [32]byte) (*ramp.Intent, error) {
	var intent *ramp.Intent
	err := n.runOperation("release_intent", func(op *operation) error {
		var innerErr error
		intent, innerErr = op.ramp.ReleaseIntent(caller, key)
		return innerErr
	})
	return intent, err
}

// Withdraw reclaims the spendable remainder of the supplied deposits.
func (n *Node) Withdraw(depositor [20]byte, depositIDs []uint64) (*big.Int, error) {
	var total *big.Int
	err := n.runOperation("withdraw", func(op *operation) error {
		var innerErr error
		total, innerErr = op.ramp.Withdraw(depositor, depositIDs)
		return innerErr
	})
	return total, err
}

// DenylistAdd bars an identity from signaling against the caller's deposits.
func (n *Node) DenylistAdd(caller [20]byte, barred [32]byte) error {
	return n.runOperation("denylist_add", func(op *operation) error {
		return op.ramp.DenylistAdd(caller, barred)
	})
}

// DenylistRemove lifts a previously added bar.
func (n *Node) DenylistRemove(caller [20]byte, barred [32]byte) error {
	return n.runOperation("denylist_remove", func(op *operation) error {
		return op.ramp.DenylistRemove(caller, barred)
	})
}

// GetDeposit loads a deposit by id.
func (n *Node) GetDeposit(id uint64) (*ramp.Deposit, bool, error) {
	var (
		deposit *ramp.Deposit
		found   bool
	)
	err := n.readState(func(m *state.Manager) error {
		var innerErr error
		deposit, found, innerErr = m.RampDepositGet(id)
		return innerErr
	})
	return deposit, found, err
}

// ListDeposits returns the open deposits owned by a depositor in id order.
func (n *Node) ListDeposits(depositor [20]byte) ([]*ramp.Deposit, error) {
	deposits := make([]*ramp.Deposit, 0)
	err := n.readState(func(m *state.Manager) error {
		ids, err := m.RampOwnerDeposits(depositor)
		if err != nil {
			return err
		}
		for _, id := range ids {
			deposit, found, err := m.RampDepositGet(id)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			deposits = append(deposits, deposit)
		}
		return nil
	})
	return deposits, err
}

// GetIntent loads a reservation by key.
func (n *Node) GetIntent(key [32]byte) (*ramp.Intent, bool, error) {
	var (
		intent *ramp.Intent
		found  bool
	)
	err := n.readState(func(m *state.Manager) error {
		var innerErr error
		intent, found, innerErr = m.RampIntentGet(key)
		return innerErr
	})
	return intent, found, err
}

// IdentityState loads the per-identity reservation state. Identities never
// written yield the zero state.
func (n *Node) IdentityState(identity [32]byte) (*ramp.IdentityState, error) {
	var identityState *ramp.IdentityState
	err := n.readState(func(m *state.Manager) error {
		var innerErr error
		identityState, innerErr = m.RampIdentityGet(identity)
		return innerErr
	})
	return identityState, err
}

// --- Bank ---

// Balance reports the spendable balance of a principal.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.readState(func(m *state.Manager) error {
		account, err := m.GetAccount(addr[:])
		if err != nil {
			return err
		}
		balance = new(big.Int).Set(account.Balance)
		return nil
	})
	return balance, err
}

// Mint credits freshly issued balance to a principal. Owner only.
func (n *Node) Mint(caller, to [20]byte, amount *big.Int) error {
	if caller != n.owner {
		return ErrNotOwner
	}
	return n.runOperation("mint", func(op *operation) error {
		return op.vault.Mint(to, amount)
	})
}

// --- Governance parameters ---

// RampParams returns the current engine parameters together with the
// parameter store version.
func (n *Node) RampParams() (config.RampParams, uint64, error) {
	var (
		current config.RampParams
		version uint64
	)
	err := n.readState(func(m *state.Manager) error {
		store := params.NewStore(m)
		var innerErr error
		if current, innerErr = store.Ramp(); innerErr != nil {
			return innerErr
		}
		version, innerErr = store.Version()
		return innerErr
	})
	return current, version, err
}

// Pauses returns the current pause switchboard configuration.
func (n *Node) Pauses() (config.Pauses, error) {
	var pauses config.Pauses
	err := n.readState(func(m *state.Manager) error {
		var innerErr error
		pauses, innerErr = params.NewStore(m).Pauses()
		return innerErr
	})
	return pauses, err
}

// SetRampParams replaces the engine parameters. Owner only.
func (n *Node) SetRampParams(caller [20]byte, next config.RampParams) error {
	if caller != n.owner {
		return ErrNotOwner
	}
	return n.runOperation("set_params", func(op *operation) error {
		if err := op.store.SetRamp(next); err != nil {
			return err
		}
		version, err := op.store.Version()
		if err != nil {
			return err
		}
		op.emitter.Emit(params.NewUpdatedEvent(params.ParamsKeyRamp, version, n.nowFn()))
		return nil
	})
}

// SetPauses replaces the pause switchboard configuration. Owner only.
func (n *Node) SetPauses(caller [20]byte, next config.Pauses) error {
	if caller != n.owner {
		return ErrNotOwner
	}
	return n.runOperation("set_pauses", func(op *operation) error {
		if err := op.store.SetPauses(next); err != nil {
			return err
		}
		version, err := op.store.Version()
		if err != nil {
			return err
		}
		op.emitter.Emit(params.NewUpdatedEvent(params.ParamsKeyPauses, version, n.nowFn()))
		return nil
	})
}

// --- Event log ---

// EventsSince returns up to limit committed events with sequences strictly
// greater than after.
func (n *Node) EventsSince(after uint64, limit int) ([]types.EventRecord, error) {
	var records []types.EventRecord
	err := n.readState(func(m *state.Manager) error {
		var innerErr error
		records, innerErr = m.EventLogRange(after, limit)
		return innerErr
	})
	return records, err
}

// EventLogHead returns the sequence of the newest committed event.
func (n *Node) EventLogHead() (uint64, error) {
	var head uint64
	err := n.readState(func(m *state.Manager) error {
		var innerErr error
		head, innerErr = m.EventLogHead()
		return innerErr
	})
	return head, err
}
