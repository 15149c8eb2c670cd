package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"

	"rampledger/core/events"
	"rampledger/core/types"
	"rampledger/native/common"
)

const (
	aliasMinLength = 3
	aliasMaxLength = 32
)

var (
	aliasPattern   = regexp.MustCompile(`^[a-z0-9._-]+$`)
	identityDomain = []byte("rampledger/identity/v1")

	errNilState = errors.New("registry engine: state not configured")

	// ErrAlreadyRegistered is returned when the principal already has an
	// identity bound. Registration is permanent and 1:1.
	ErrAlreadyRegistered = errors.New("registry: principal already registered")
	// ErrNotRegistered is returned when an operation requires a bound
	// identity the principal does not have.
	ErrNotRegistered = errors.New("registry: principal not registered")
	// ErrInvalidAlias is returned when the supplied alias does not satisfy
	// the naming constraints.
	ErrInvalidAlias = errors.New("registry: invalid alias")
	// ErrAliasTaken is returned when the alias is already owned by another
	// principal.
	ErrAliasTaken = errors.New("registry: alias already registered")
)

// DeriveIdentity maps a principal address onto its opaque identity hash. The
// derivation is deterministic, so registering twice always resolves to the
// same value and the directory never needs a reverse index.
func DeriveIdentity(principal [20]byte) [32]byte {
	buf := make([]byte, 0, len(identityDomain)+len(principal))
	buf = append(buf, identityDomain...)
	buf = append(buf, principal[:]...)
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256(buf))
	return id
}

// NormalizeAlias folds, lowercases and validates the supplied alias.
func NormalizeAlias(alias string) (string, error) {
	folded := norm.NFKC.String(strings.TrimSpace(alias))
	lower := strings.ToLower(folded)
	length := len(lower)
	if length < aliasMinLength || length > aliasMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidAlias, aliasMinLength, aliasMaxLength)
	}
	if !aliasPattern.MatchString(lower) {
		return "", fmt.Errorf("%w: allowed characters are [a-z0-9._-]", ErrInvalidAlias)
	}
	return lower, nil
}

type engineState interface {
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	IdentityAliasSet(alias string, addr [20]byte) error
	IdentityAliasGet(alias string) ([20]byte, bool, error)
	IdentityAliasDelete(alias string) error
}

type registryEvent struct {
	evt *types.Event
}

func (e registryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e registryEvent) Event() *types.Event { return e.evt }

// Engine implements the identity directory: permanent principal-to-identity
// bindings plus optional display aliases. Aliases are indexing metadata only
// and never participate in ledger checks.
type Engine struct {
	state   engineState
	pauses  common.PauseView
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a registry engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

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

// SetNowFunc overrides the time source used by the engine.
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
	e.emitter.Emit(registryEvent{evt: event})
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
	return common.Guard(e.pauses, common.ModuleRegistry)
}

// Register binds the principal to its derived identity. The binding is
// immutable; registering an already bound principal fails.
func (e *Engine) Register(principal [20]byte) ([32]byte, error) {
	if err := e.ready(); err != nil {
		return [32]byte{}, err
	}
	account, err := e.state.GetAccount(principal[:])
	if err != nil {
		return [32]byte{}, err
	}
	if account.Registered() {
		return [32]byte{}, ErrAlreadyRegistered
	}
	identity := DeriveIdentity(principal)
	account.Identity = identity
	if err := e.state.PutAccount(principal[:], account); err != nil {
		return [32]byte{}, err
	}
	e.emit(NewRegisteredEvent(principal, identity, e.now()))
	return identity, nil
}

// IdentityOf resolves a principal to its identity. Unregistered principals
// yield the zero identity, which callers treat as a sentinel rather than an
// error.
func (e *Engine) IdentityOf(principal [20]byte) ([32]byte, error) {
	if e == nil || e.state == nil {
		return [32]byte{}, errNilState
	}
	account, err := e.state.GetAccount(principal[:])
	if err != nil {
		return [32]byte{}, err
	}
	return account.Identity, nil
}

// SetAlias binds a display alias to a registered principal, replacing the
// principal's previous alias if any. The freed alias becomes available again.
func (e *Engine) SetAlias(principal [20]byte, alias string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	normalized, err := NormalizeAlias(alias)
	if err != nil {
		return "", err
	}
	account, err := e.state.GetAccount(principal[:])
	if err != nil {
		return "", err
	}
	if !account.Registered() {
		return "", ErrNotRegistered
	}
	if owner, taken, err := e.state.IdentityAliasGet(normalized); err != nil {
		return "", err
	} else if taken && owner != principal {
		return "", ErrAliasTaken
	}
	if account.Alias != "" && account.Alias != normalized {
		if err := e.state.IdentityAliasDelete(account.Alias); err != nil {
			return "", err
		}
	}
	account.Alias = normalized
	if err := e.state.PutAccount(principal[:], account); err != nil {
		return "", err
	}
	if err := e.state.IdentityAliasSet(normalized, principal); err != nil {
		return "", err
	}
	e.emit(NewAliasSetEvent(principal, normalized, e.now()))
	return normalized, nil
}

// Resolve returns the principal bound to a display alias.
func (e *Engine) Resolve(alias string) ([20]byte, bool, error) {
	if e == nil || e.state == nil {
		return [20]byte{}, false, errNilState
	}
	normalized, err := NormalizeAlias(alias)
	if err != nil {
		return [20]byte{}, false, err
	}
	return e.state.IdentityAliasGet(normalized)
}
