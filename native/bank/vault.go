package bank

import (
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rampledger/core/events"
	"rampledger/core/types"
	"rampledger/native/common"
)

var (
	errNilState = errors.New("bank vault: state not configured")

	// ErrInsufficientFunds is returned by Pull when the source account cannot
	// cover the requested amount.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrVaultUnderflow is returned by Push when custody would go negative.
	// This is a bookkeeping inconsistency, never a user error.
	ErrVaultUnderflow = errors.New("bank: vault balance underflow")
	// ErrInvalidAmount covers nil, zero or negative transfer amounts.
	ErrInvalidAmount = errors.New("bank: invalid amount")
)

var vaultDomain = []byte("rampledger/vault/v1")

// VaultAddress returns the custody account every deposit's supplied liquidity
// is held under. The address is derived, so no key can ever spend it directly.
func VaultAddress() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256(vaultDomain)[:20])
	return addr
}

type vaultState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type bankEvent struct {
	evt *types.Event
}

func (e bankEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bankEvent) Event() *types.Event { return e.evt }

// Vault is the settlement gateway: it moves balances between principal
// accounts and the derived custody account. All movements are plain account
// mutations in the same state the engine writes, so the caller's atomic
// commit covers custody and ledger bookkeeping together.
type Vault struct {
	state   vaultState
	pauses  common.PauseView
	emitter events.Emitter
	nowFn   func() int64
}

// NewVault creates a vault with a no-op emitter.
func NewVault() *Vault {
	return &Vault{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the vault.
func (v *Vault) SetState(state vaultState) { v.state = state }

// SetPauses configures the pause switchboard consulted before minting.
func (v *Vault) SetPauses(pauses common.PauseView) { v.pauses = pauses }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

// SetNowFunc overrides the time source used for event timestamps.
func (v *Vault) SetNowFunc(now func() int64) {
	if now == nil {
		v.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	v.nowFn = now
}

func (v *Vault) emit(event *types.Event) {
	if v == nil || v.emitter == nil || event == nil {
		return
	}
	v.emitter.Emit(bankEvent{evt: event})
}

func (v *Vault) now() int64 {
	if v == nil || v.nowFn == nil {
		return time.Now().Unix()
	}
	return v.nowFn()
}

// Pull moves the amount from the principal into custody. Called when a
// deposit opens.
func (v *Vault) Pull(from [20]byte, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	account, err := v.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	account.Balance = new(big.Int).Sub(account.Balance, amount)
	if err := v.state.PutAccount(from[:], account); err != nil {
		return err
	}
	vaultAddr := VaultAddress()
	vault, err := v.state.GetAccount(vaultAddr[:])
	if err != nil {
		return err
	}
	vault.Balance = new(big.Int).Add(vault.Balance, amount)
	return v.state.PutAccount(vaultAddr[:], vault)
}

// Push moves the amount out of custody to the principal. Called on settlement
// payouts and withdrawals, strictly after the ledger records the movement.
func (v *Vault) Push(to [20]byte, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	vaultAddr := VaultAddress()
	vault, err := v.state.GetAccount(vaultAddr[:])
	if err != nil {
		return err
	}
	if vault.Balance.Cmp(amount) < 0 {
		return ErrVaultUnderflow
	}
	vault.Balance = new(big.Int).Sub(vault.Balance, amount)
	if err := v.state.PutAccount(vaultAddr[:], vault); err != nil {
		return err
	}
	account, err := v.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return v.state.PutAccount(to[:], account)
}

// Mint credits freshly issued balance to a principal. The owner gate lives at
// the node layer; the vault only enforces the module pause.
func (v *Vault) Mint(to [20]byte, amount *big.Int) error {
	if v == nil || v.state == nil {
		return errNilState
	}
	if err := common.Guard(v.pauses, common.ModuleBank); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	account, err := v.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	if err := v.state.PutAccount(to[:], account); err != nil {
		return err
	}
	v.emit(NewMintedEvent(to, amount, v.now()))
	return nil
}

// Balance reports the spendable balance of a principal.
func (v *Vault) Balance(addr [20]byte) (*big.Int, error) {
	if v == nil || v.state == nil {
		return nil, errNilState
	}
	account, err := v.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Balance), nil
}
