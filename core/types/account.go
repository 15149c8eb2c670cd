package types

import "math/big"

// Account is the per-principal ledger record. Identity is assigned once at
// registration and never changes. The ids of the principal's open deposits
// live in a separate state index keyed by address, not on the record itself.
type Account struct {
	Nonce    uint64   `json:"nonce"`
	Balance  *big.Int `json:"balance"`
	Identity [32]byte `json:"identity"`
	Alias    string   `json:"alias,omitempty"`
}

// Registered reports whether the account carries a non-zero identity.
func (a *Account) Registered() bool {
	if a == nil {
		return false
	}
	return a.Identity != [32]byte{}
}

// Clone returns a deep copy so callers can mutate without aliasing state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := &Account{
		Nonce:    a.Nonce,
		Identity: a.Identity,
		Alias:    a.Alias,
	}
	if a.Balance != nil {
		cp.Balance = new(big.Int).Set(a.Balance)
	}
	return cp
}
