package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rampledger/core/types"
)

var accountPrefix = []byte("account:")

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func ensureAccountDefaults(account *types.Account) {
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
}

// GetAccount loads the account stored for the supplied address. Unknown
// addresses yield a zeroed account rather than an error so callers can treat
// every address as implicitly existing.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) != 20 {
		return nil, fmt.Errorf("state: account address must be 20 bytes")
	}
	account := new(types.Account)
	ok, err := m.KVGet(accountKey(addr), account)
	if err != nil {
		return nil, err
	}
	if !ok {
		account = &types.Account{}
	}
	ensureAccountDefaults(account)
	return account, nil
}

// PutAccount persists the supplied account under the given address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) != 20 {
		return fmt.Errorf("state: account address must be 20 bytes")
	}
	if account == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	ensureAccountDefaults(account)
	return m.KVPut(accountKey(addr), account)
}
