package ramp

import (
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Scale is the fixed-point denominator used for conversion rates and fee
// rates. A rate of Scale means 1.0.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var intentDomain = []byte("rampledger/intent/v1")

// DeriveIntentKey computes the reservation key for a buyer and deposit pair.
// The key is content derived, so a second signal by the same buyer against the
// same deposit lands on the same record instead of minting a new one.
func DeriveIntentKey(buyer [20]byte, depositID uint64) [32]byte {
	buf := make([]byte, 0, len(intentDomain)+len(buyer)+8)
	buf = append(buf, intentDomain...)
	buf = append(buf, buyer[:]...)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], depositID)
	buf = append(buf, id[:]...)
	var key [32]byte
	copy(key[:], ethcrypto.Keccak256(buf))
	return key
}

// Deposit is a lot of locked liquidity offered by a single depositor. The
// record exists only while it holds value: once remaining and reserved are
// both zero the record is deleted rather than archived.
type Deposit struct {
	ID          uint64
	Depositor   [20]byte
	Supplied    *big.Int
	Remaining   *big.Int
	Reserved    *big.Int
	Rate        *big.Int
	OpenIntents [][32]byte
	CreatedAt   int64
}

// Clone returns a deep copy of the deposit.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	copyDeposit := *d
	copyDeposit.Supplied = cloneBigInt(d.Supplied)
	copyDeposit.Remaining = cloneBigInt(d.Remaining)
	copyDeposit.Reserved = cloneBigInt(d.Reserved)
	copyDeposit.Rate = cloneBigInt(d.Rate)
	copyDeposit.OpenIntents = append([][32]byte(nil), d.OpenIntents...)
	return &copyDeposit
}

// Intent is a live reservation of deposit liquidity. Terminal transitions
// (settle, cancel, expiry prune) delete the record.
type Intent struct {
	Key           [32]byte
	DepositID     uint64
	Buyer         [20]byte
	BuyerIdentity [32]byte
	PayoutTo      [20]byte
	Amount        *big.Int
	CreatedAt     int64
}

// Clone returns a deep copy of the intent.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	copyIntent := *i
	copyIntent.Amount = cloneBigInt(i.Amount)
	return &copyIntent
}

// ExpiresAt reports the instant the intent stops being live. The intent is
// prunable strictly after this instant, never at it.
func (i *Intent) ExpiresAt(expirationPeriod int64) int64 {
	return i.CreatedAt + expirationPeriod
}

// IdentityState carries the per-identity bookkeeping the engine consults on
// every signal. The zero value is meaningful: no current reservation, never
// settled, nobody barred.
type IdentityState struct {
	CurrentIntent  [32]byte
	LastSettlement int64
	Denylist       [][32]byte
}

// Clone returns a deep copy of the identity state.
func (s *IdentityState) Clone() *IdentityState {
	if s == nil {
		return nil
	}
	copyState := *s
	copyState.Denylist = append([][32]byte(nil), s.Denylist...)
	return &copyState
}

// HasCurrentIntent reports whether the identity holds a live reservation.
func (s *IdentityState) HasCurrentIntent() bool {
	if s == nil {
		return false
	}
	return s.CurrentIntent != ([32]byte{})
}

// Denies reports whether the supplied identity is on this identity's denylist.
// Membership is a linear scan; denylists stay small in practice.
func (s *IdentityState) Denies(identity [32]byte) bool {
	if s == nil {
		return false
	}
	for _, barred := range s.Denylist {
		if barred == identity {
			return true
		}
	}
	return false
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
