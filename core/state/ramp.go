package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"rampledger/native/ramp"
)

var (
	rampDepositPrefix       = []byte("ramp/deposit/")
	rampIntentPrefix        = []byte("ramp/intent/")
	rampIdentityPrefix      = []byte("ramp/identity/")
	rampOwnerDepositsPrefix = []byte("ramp/deposits-by-owner/")
	rampDepositCounterKey   = []byte("ramp/deposit-counter")
)

// RLP has no signed integer support, so records are persisted through stored
// mirrors carrying unsigned timestamps.
type storedDeposit struct {
	ID          uint64
	Depositor   [20]byte
	Supplied    *big.Int
	Remaining   *big.Int
	Reserved    *big.Int
	Rate        *big.Int
	OpenIntents [][32]byte
	CreatedAt   uint64
}

type storedIntent struct {
	Key           [32]byte
	DepositID     uint64
	Buyer         [20]byte
	BuyerIdentity [32]byte
	PayoutTo      [20]byte
	Amount        *big.Int
	CreatedAt     uint64
}

type storedIdentityState struct {
	CurrentIntent  [32]byte
	LastSettlement uint64
	Denylist       [][32]byte
}

func rampDepositKey(id uint64) []byte {
	buf := make([]byte, len(rampDepositPrefix)+8)
	copy(buf, rampDepositPrefix)
	binary.BigEndian.PutUint64(buf[len(rampDepositPrefix):], id)
	return buf
}

func rampIntentKey(key [32]byte) []byte {
	buf := make([]byte, len(rampIntentPrefix)+len(key))
	copy(buf, rampIntentPrefix)
	copy(buf[len(rampIntentPrefix):], key[:])
	return buf
}

func rampIdentityKey(identity [32]byte) []byte {
	buf := make([]byte, len(rampIdentityPrefix)+len(identity))
	copy(buf, rampIdentityPrefix)
	copy(buf[len(rampIdentityPrefix):], identity[:])
	return buf
}

func rampOwnerDepositsKey(addr [20]byte) []byte {
	buf := make([]byte, len(rampOwnerDepositsPrefix)+len(addr))
	copy(buf, rampOwnerDepositsPrefix)
	copy(buf[len(rampOwnerDepositsPrefix):], addr[:])
	return buf
}

func encodeDepositRef(id uint64) []byte {
	ref := make([]byte, 8)
	binary.BigEndian.PutUint64(ref, id)
	return ref
}

func normalizeBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// RampNextDepositID allocates the next deposit identifier. Identifiers start
// at one and are never reused; zero stays free as a sentinel.
func (m *Manager) RampNextDepositID() (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(rampDepositCounterKey, &counter); err != nil {
		return 0, err
	}
	next := counter + 1
	if err := m.KVPut(rampDepositCounterKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// RampDepositPut persists a deposit record.
func (m *Manager) RampDepositPut(deposit *ramp.Deposit) error {
	if deposit == nil {
		return fmt.Errorf("state: deposit must not be nil")
	}
	if deposit.CreatedAt < 0 {
		return fmt.Errorf("state: deposit timestamp must not be negative")
	}
	stored := storedDeposit{
		ID:          deposit.ID,
		Depositor:   deposit.Depositor,
		Supplied:    normalizeBigInt(deposit.Supplied),
		Remaining:   normalizeBigInt(deposit.Remaining),
		Reserved:    normalizeBigInt(deposit.Reserved),
		Rate:        normalizeBigInt(deposit.Rate),
		OpenIntents: append([][32]byte(nil), deposit.OpenIntents...),
		CreatedAt:   uint64(deposit.CreatedAt),
	}
	return m.KVPut(rampDepositKey(deposit.ID), &stored)
}

// RampDepositGet loads a deposit record by id.
func (m *Manager) RampDepositGet(id uint64) (*ramp.Deposit, bool, error) {
	var stored storedDeposit
	ok, err := m.KVGet(rampDepositKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	deposit := &ramp.Deposit{
		ID:          stored.ID,
		Depositor:   stored.Depositor,
		Supplied:    normalizeBigInt(stored.Supplied),
		Remaining:   normalizeBigInt(stored.Remaining),
		Reserved:    normalizeBigInt(stored.Reserved),
		Rate:        normalizeBigInt(stored.Rate),
		OpenIntents: append([][32]byte(nil), stored.OpenIntents...),
		CreatedAt:   int64(stored.CreatedAt),
	}
	return deposit, true, nil
}

// RampDepositDelete removes a deposit record. Deleting an unknown id is not
// an error.
func (m *Manager) RampDepositDelete(id uint64) error {
	return m.KVDelete(rampDepositKey(id))
}

// RampOwnerDepositAdd appends a deposit id to the owner's open-deposit index.
// Appending an id that is already present is a no-op.
func (m *Manager) RampOwnerDepositAdd(addr [20]byte, id uint64) error {
	return m.KVAppend(rampOwnerDepositsKey(addr), encodeDepositRef(id))
}

// RampOwnerDepositRemove drops a deposit id from the owner's open-deposit
// index. Removing an absent id is not an error.
func (m *Manager) RampOwnerDepositRemove(addr [20]byte, id uint64) error {
	return m.KVRemove(rampOwnerDepositsKey(addr), encodeDepositRef(id))
}

// RampOwnerDeposits returns the ids of the owner's open deposits. Ids are
// appended at creation and never reused, so the list comes back in ascending
// id order.
func (m *Manager) RampOwnerDeposits(addr [20]byte) ([]uint64, error) {
	var refs [][]byte
	if err := m.KVGetList(rampOwnerDepositsKey(addr), &refs); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(refs))
	for _, ref := range refs {
		if len(ref) != 8 {
			return nil, fmt.Errorf("state: deposit index entry malformed")
		}
		ids = append(ids, binary.BigEndian.Uint64(ref))
	}
	return ids, nil
}

// RampIntentPut persists a reservation record under its content-derived key.
func (m *Manager) RampIntentPut(intent *ramp.Intent) error {
	if intent == nil {
		return fmt.Errorf("state: intent must not be nil")
	}
	if intent.CreatedAt < 0 {
		return fmt.Errorf("state: intent timestamp must not be negative")
	}
	stored := storedIntent{
		Key:           intent.Key,
		DepositID:     intent.DepositID,
		Buyer:         intent.Buyer,
		BuyerIdentity: intent.BuyerIdentity,
		PayoutTo:      intent.PayoutTo,
		Amount:        normalizeBigInt(intent.Amount),
		CreatedAt:     uint64(intent.CreatedAt),
	}
	return m.KVPut(rampIntentKey(intent.Key), &stored)
}

// RampIntentGet loads a reservation record by key.
func (m *Manager) RampIntentGet(key [32]byte) (*ramp.Intent, bool, error) {
	var stored storedIntent
	ok, err := m.KVGet(rampIntentKey(key), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	intent := &ramp.Intent{
		Key:           stored.Key,
		DepositID:     stored.DepositID,
		Buyer:         stored.Buyer,
		BuyerIdentity: stored.BuyerIdentity,
		PayoutTo:      stored.PayoutTo,
		Amount:        normalizeBigInt(stored.Amount),
		CreatedAt:     int64(stored.CreatedAt),
	}
	return intent, true, nil
}

// RampIntentDelete removes a reservation record. Deleting an unknown key is
// not an error.
func (m *Manager) RampIntentDelete(key [32]byte) error {
	return m.KVDelete(rampIntentKey(key))
}

// RampIdentityGet loads the per-identity reservation state. Identities that
// were never written yield the zero state.
func (m *Manager) RampIdentityGet(identity [32]byte) (*ramp.IdentityState, error) {
	var stored storedIdentityState
	ok, err := m.KVGet(rampIdentityKey(identity), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ramp.IdentityState{Denylist: make([][32]byte, 0)}, nil
	}
	return &ramp.IdentityState{
		CurrentIntent:  stored.CurrentIntent,
		LastSettlement: int64(stored.LastSettlement),
		Denylist:       append([][32]byte(nil), stored.Denylist...),
	}, nil
}

// RampIdentityPut persists the per-identity reservation state.
func (m *Manager) RampIdentityPut(identity [32]byte, state *ramp.IdentityState) error {
	if state == nil {
		return fmt.Errorf("state: identity state must not be nil")
	}
	if state.LastSettlement < 0 {
		return fmt.Errorf("state: settlement timestamp must not be negative")
	}
	stored := storedIdentityState{
		CurrentIntent:  state.CurrentIntent,
		LastSettlement: uint64(state.LastSettlement),
		Denylist:       append([][32]byte(nil), state.Denylist...),
	}
	return m.KVPut(rampIdentityKey(identity), &stored)
}
