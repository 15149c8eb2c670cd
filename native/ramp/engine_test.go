package ramp

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"rampledger/core/events"
	"rampledger/core/types"
	"rampledger/native/common"
)

type mockState struct {
	accounts   map[[20]byte]*types.Account
	deposits   map[uint64]*Deposit
	owned      map[[20]byte][]uint64
	intents    map[[32]byte]*Intent
	identities map[[32]byte]*IdentityState
	counter    uint64
}

func newMockState() *mockState {
	return &mockState{
		accounts:   make(map[[20]byte]*types.Account),
		deposits:   make(map[uint64]*Deposit),
		owned:      make(map[[20]byte][]uint64),
		intents:    make(map[[32]byte]*Intent),
		identities: make(map[[32]byte]*IdentityState),
	}
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if account, ok := m.accounts[key]; ok {
		return account.Clone(), nil
	}
	return &types.Account{Balance: big.NewInt(0)}, nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) RampNextDepositID() (uint64, error) {
	m.counter++
	return m.counter, nil
}

func (m *mockState) RampDepositGet(id uint64) (*Deposit, bool, error) {
	deposit, ok := m.deposits[id]
	if !ok {
		return nil, false, nil
	}
	return deposit.Clone(), true, nil
}

func (m *mockState) RampDepositPut(deposit *Deposit) error {
	if deposit == nil {
		return fmt.Errorf("nil deposit")
	}
	m.deposits[deposit.ID] = deposit.Clone()
	return nil
}

func (m *mockState) RampDepositDelete(id uint64) error {
	delete(m.deposits, id)
	return nil
}

func (m *mockState) RampOwnerDeposits(addr [20]byte) ([]uint64, error) {
	return append([]uint64(nil), m.owned[addr]...), nil
}

func (m *mockState) RampOwnerDepositAdd(addr [20]byte, id uint64) error {
	for _, existing := range m.owned[addr] {
		if existing == id {
			return nil
		}
	}
	m.owned[addr] = append(m.owned[addr], id)
	return nil
}

func (m *mockState) RampOwnerDepositRemove(addr [20]byte, id uint64) error {
	kept := m.owned[addr][:0]
	for _, existing := range m.owned[addr] {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	m.owned[addr] = kept
	return nil
}

func (m *mockState) RampIntentGet(key [32]byte) (*Intent, bool, error) {
	intent, ok := m.intents[key]
	if !ok {
		return nil, false, nil
	}
	return intent.Clone(), true, nil
}

func (m *mockState) RampIntentPut(intent *Intent) error {
	if intent == nil {
		return fmt.Errorf("nil intent")
	}
	m.intents[intent.Key] = intent.Clone()
	return nil
}

func (m *mockState) RampIntentDelete(key [32]byte) error {
	delete(m.intents, key)
	return nil
}

func (m *mockState) RampIdentityGet(identity [32]byte) (*IdentityState, error) {
	if state, ok := m.identities[identity]; ok {
		return state.Clone(), nil
	}
	return &IdentityState{Denylist: make([][32]byte, 0)}, nil
}

func (m *mockState) RampIdentityPut(identity [32]byte, state *IdentityState) error {
	if state == nil {
		return fmt.Errorf("nil identity state")
	}
	m.identities[identity] = state.Clone()
	return nil
}

type transferCall struct {
	addr   [20]byte
	amount *big.Int
}

type mockGateway struct {
	pulls   []transferCall
	pushes  []transferCall
	pullErr error
	pushErr error
}

func (g *mockGateway) Pull(from [20]byte, amount *big.Int) error {
	if g.pullErr != nil {
		return g.pullErr
	}
	g.pulls = append(g.pulls, transferCall{addr: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (g *mockGateway) Push(to [20]byte, amount *big.Int) error {
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushes = append(g.pushes, transferCall{addr: to, amount: new(big.Int).Set(amount)})
	return nil
}

type stubParams struct {
	params Params
	err    error
}

func (s *stubParams) RampParams() (Params, error) {
	if s.err != nil {
		return Params{}, s.err
	}
	return s.params, nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		if wrapper, ok := evt.(rampEvent); ok && wrapper.evt != nil {
			out = append(out, wrapper.evt)
		}
	}
	return out
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

type testHarness struct {
	engine  *Engine
	state   *mockState
	gateway *mockGateway
	params  *stubParams
	emitter *capturingEmitter
	now     int64
}

const testBaseTime = int64(1_700_000_000)

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		state:   newMockState(),
		gateway: &mockGateway{},
		params: &stubParams{params: Params{
			MinDeposit:       big.NewInt(100),
			MaxIntent:        big.NewInt(100_000),
			CooldownPeriod:   3600,
			ExpirationPeriod: 86400,
			FeeRate:          big.NewInt(0),
		}},
		emitter: &capturingEmitter{},
		now:     testBaseTime,
	}
	engine := NewEngine()
	engine.SetState(h.state)
	engine.SetGateway(h.gateway)
	engine.SetParamSource(h.params)
	engine.SetEmitter(h.emitter)
	engine.SetNowFunc(func() int64 { return h.now })
	h.engine = engine
	return h
}

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func (h *testHarness) register(addr [20]byte) [32]byte {
	var identity [32]byte
	copy(identity[:], addr[:])
	identity[31] = 0xEE
	account, _ := h.state.GetAccount(addr[:])
	account.Identity = identity
	_ = h.state.PutAccount(addr[:], account)
	return identity
}

// checkConservation asserts remaining + reserved never exceeds supplied and
// neither side ever goes negative.
func checkConservation(t *testing.T, d *Deposit) {
	t.Helper()
	if d.Remaining.Sign() < 0 || d.Reserved.Sign() < 0 {
		t.Fatalf("negative balance on deposit %d: remaining=%s reserved=%s", d.ID, d.Remaining, d.Reserved)
	}
	held := new(big.Int).Add(d.Remaining, d.Reserved)
	if held.Cmp(d.Supplied) > 0 {
		t.Fatalf("deposit %d holds more than supplied: %s > %s", d.ID, held, d.Supplied)
	}
}

func TestOpenDeposit(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	h.register(depositor)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	if deposit.ID != 1 {
		t.Fatalf("unexpected id: %d", deposit.ID)
	}
	wantRate := new(big.Int).Mul(big.NewInt(2), Scale)
	if deposit.Rate.Cmp(wantRate) != 0 {
		t.Fatalf("unexpected rate: %s", deposit.Rate)
	}
	if deposit.Remaining.Cmp(big.NewInt(1000)) != 0 || deposit.Reserved.Sign() != 0 {
		t.Fatalf("unexpected balances: remaining=%s reserved=%s", deposit.Remaining, deposit.Reserved)
	}
	checkConservation(t, deposit)

	if len(h.gateway.pulls) != 1 {
		t.Fatalf("expected 1 custody pull, got %d", len(h.gateway.pulls))
	}
	if h.gateway.pulls[0].addr != depositor || h.gateway.pulls[0].amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected pull: %+v", h.gateway.pulls[0])
	}

	owned, _ := h.state.RampOwnerDeposits(depositor)
	if len(owned) != 1 || owned[0] != deposit.ID {
		t.Fatalf("deposit not indexed for owner: %v", owned)
	}

	kinds := h.emitter.eventTypes()
	if len(kinds) != 1 || kinds[0] != EventTypeDepositCreated {
		t.Fatalf("unexpected events: %v", kinds)
	}
}

func TestOpenDepositValidation(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)

	if _, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500)); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	h.register(depositor)

	if _, err := h.engine.OpenDeposit(depositor, big.NewInt(0), big.NewInt(500)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for receive amount, got %v", err)
	}
	if _, err := h.engine.OpenDeposit(depositor, big.NewInt(99), big.NewInt(50)); !errors.Is(err, ErrDepositBelowMinimum) {
		t.Fatalf("expected ErrDepositBelowMinimum, got %v", err)
	}

	for i := 0; i < MaxOpenDeposits; i++ {
		if _, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500)); err != nil {
			t.Fatalf("open deposit %d: %v", i, err)
		}
	}
	if _, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500)); !errors.Is(err, ErrDepositCapExceeded) {
		t.Fatalf("expected ErrDepositCapExceeded, got %v", err)
	}
}

func TestOpenDepositPullFailure(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	h.register(depositor)
	h.gateway.pullErr = fmt.Errorf("custody rejected")

	if _, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500)); err == nil {
		t.Fatal("expected pull failure to propagate")
	}
	if len(h.emitter.events) != 0 {
		t.Fatal("no events should fire on a failed operation")
	}
}

func TestSignalAndCancel(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	buyerIdentity := h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}

	intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if intent.Key != DeriveIntentKey(buyer, deposit.ID) {
		t.Fatal("intent key not content derived")
	}

	stored, ok, _ := h.state.RampDepositGet(deposit.ID)
	if !ok {
		t.Fatal("deposit missing")
	}
	if stored.Remaining.Cmp(big.NewInt(600)) != 0 || stored.Reserved.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected balances after signal: remaining=%s reserved=%s", stored.Remaining, stored.Reserved)
	}
	if len(stored.OpenIntents) != 1 || stored.OpenIntents[0] != intent.Key {
		t.Fatalf("open set not updated: %v", stored.OpenIntents)
	}
	buyerState, _ := h.state.RampIdentityGet(buyerIdentity)
	if buyerState.CurrentIntent != intent.Key {
		t.Fatal("buyer slot not set")
	}
	checkConservation(t, stored)

	if err := h.engine.CancelIntent(buyer, intent.Key); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, ok, _ = h.state.RampDepositGet(deposit.ID)
	if !ok {
		t.Fatal("deposit missing after cancel")
	}
	if stored.Remaining.Cmp(big.NewInt(1000)) != 0 || stored.Reserved.Sign() != 0 {
		t.Fatalf("unexpected balances after cancel: remaining=%s reserved=%s", stored.Remaining, stored.Reserved)
	}
	if len(stored.OpenIntents) != 0 {
		t.Fatalf("open set not cleared: %v", stored.OpenIntents)
	}
	if _, ok, _ := h.state.RampIntentGet(intent.Key); ok {
		t.Fatal("intent record survived cancel")
	}
	buyerState, _ = h.state.RampIdentityGet(buyerIdentity)
	if buyerState.HasCurrentIntent() {
		t.Fatal("buyer slot not cleared")
	}
	if buyerState.LastSettlement != 0 {
		t.Fatal("cancel must not start a cooldown")
	}
	checkConservation(t, stored)

	kinds := h.emitter.eventTypes()
	want := []string{EventTypeDepositCreated, EventTypeIntentSignaled, EventTypeIntentPruned}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events: %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: want %s, got %s", i, want[i], kinds[i])
		}
	}
	pruned := h.emitter.typesEvents()[2]
	if pruned.Attributes["reason"] != PruneReasonCancelled {
		t.Fatalf("unexpected prune reason: %s", pruned.Attributes["reason"])
	}
}

func TestSignalSweepsExpired(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyerA := testAddress(0x02)
	buyerB := testAddress(0x03)
	h.register(depositor)
	identityA := h.register(buyerA)
	h.register(buyerB)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	intentA, err := h.engine.SignalIntent(buyerA, deposit.ID, big.NewInt(1000), buyerA)
	if err != nil {
		t.Fatalf("signal A: %v", err)
	}

	// Before expiry the deposit is fully reserved.
	if _, err := h.engine.SignalIntent(buyerB, deposit.ID, big.NewInt(500), buyerB); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	h.now = testBaseTime + 86400 + 1
	intentB, err := h.engine.SignalIntent(buyerB, deposit.ID, big.NewInt(500), buyerB)
	if err != nil {
		t.Fatalf("signal B after expiry: %v", err)
	}

	stored, ok, _ := h.state.RampDepositGet(deposit.ID)
	if !ok {
		t.Fatal("deposit missing")
	}
	if stored.Remaining.Cmp(big.NewInt(500)) != 0 || stored.Reserved.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected balances after sweep: remaining=%s reserved=%s", stored.Remaining, stored.Reserved)
	}
	if len(stored.OpenIntents) != 1 || stored.OpenIntents[0] != intentB.Key {
		t.Fatalf("open set should hold only B: %v", stored.OpenIntents)
	}
	if _, ok, _ := h.state.RampIntentGet(intentA.Key); ok {
		t.Fatal("expired intent record survived sweep")
	}
	stateA, _ := h.state.RampIdentityGet(identityA)
	if stateA.HasCurrentIntent() {
		t.Fatal("expired buyer slot not cleared")
	}
	checkConservation(t, stored)

	kinds := h.emitter.eventTypes()
	want := []string{EventTypeDepositCreated, EventTypeIntentSignaled, EventTypeIntentPruned, EventTypeIntentSignaled}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events: %v", kinds)
	}
	pruned := h.emitter.typesEvents()[2]
	if pruned.Attributes["reason"] != PruneReasonExpired {
		t.Fatalf("unexpected prune reason: %s", pruned.Attributes["reason"])
	}
}

func TestExpirationBoundary(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	other := testAddress(0x03)
	h.register(depositor)
	h.register(buyer)
	h.register(other)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(1000), buyer); err != nil {
		t.Fatalf("signal: %v", err)
	}

	// At exactly createdAt + expirationPeriod the reservation is still live.
	h.now = testBaseTime + 86400
	if _, err := h.engine.SignalIntent(other, deposit.ID, big.NewInt(100), other); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("reservation pruned at the boundary: %v", err)
	}

	h.now = testBaseTime + 86400 + 1
	if _, err := h.engine.SignalIntent(other, deposit.ID, big.NewInt(100), other); err != nil {
		t.Fatalf("reservation not prunable after the boundary: %v", err)
	}
}

func TestSignalValidation(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	depositorIdentity := h.register(depositor)
	buyerIdentity := h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}

	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(0), buyer); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(100), [20]byte{}); !errors.Is(err, ErrInvalidPayout) {
		t.Fatalf("expected ErrInvalidPayout, got %v", err)
	}
	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(200_000), buyer); !errors.Is(err, ErrAmountAboveMax) {
		t.Fatalf("expected ErrAmountAboveMax, got %v", err)
	}
	if _, err := h.engine.SignalIntent(testAddress(0x09), deposit.ID, big.NewInt(100), buyer); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := h.engine.SignalIntent(buyer, 404, big.NewInt(100), buyer); !errors.Is(err, ErrDepositNotFound) {
		t.Fatalf("expected ErrDepositNotFound, got %v", err)
	}
	if _, err := h.engine.SignalIntent(depositor, deposit.ID, big.NewInt(100), depositor); !errors.Is(err, ErrSelfDeal) {
		t.Fatalf("expected ErrSelfDeal, got %v", err)
	}

	// A live reservation blocks further signals system-wide, even against
	// other deposits.
	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(100), buyer); err != nil {
		t.Fatalf("signal: %v", err)
	}
	second, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open second deposit: %v", err)
	}
	if _, err := h.engine.SignalIntent(buyer, second.ID, big.NewInt(100), buyer); !errors.Is(err, ErrIntentOutstanding) {
		t.Fatalf("expected ErrIntentOutstanding, got %v", err)
	}

	_ = depositorIdentity
	_ = buyerIdentity
}

func TestCompleteIntentFeeSplit(t *testing.T) {
	h := newTestHarness(t)
	feeRecipient := testAddress(0x0F)
	h.params.params.FeeRate = new(big.Int).Div(Scale, big.NewInt(50)) // 2%
	h.params.params.FeeRecipient = feeRecipient

	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	payout := testAddress(0x03)
	h.register(depositor)
	buyerIdentity := h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(1000), payout)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}

	h.now = testBaseTime + 100
	settled, err := h.engine.CompleteIntent(intent.Key)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if settled.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected settled amount: %s", settled.Amount)
	}

	if len(h.gateway.pushes) != 2 {
		t.Fatalf("expected fee and payout pushes, got %d", len(h.gateway.pushes))
	}
	fee := h.gateway.pushes[0]
	pay := h.gateway.pushes[1]
	if fee.addr != feeRecipient || fee.amount.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("unexpected fee transfer: %+v", fee)
	}
	if pay.addr != payout || pay.amount.Cmp(big.NewInt(980)) != 0 {
		t.Fatalf("unexpected payout transfer: %+v", pay)
	}
	if new(big.Int).Add(fee.amount, pay.amount).Cmp(big.NewInt(1000)) != 0 {
		t.Fatal("fee and payout do not sum to the settled amount")
	}

	// The deposit drained to zero and closed.
	if _, ok, _ := h.state.RampDepositGet(deposit.ID); ok {
		t.Fatal("empty deposit should close after settlement")
	}
	owned, _ := h.state.RampOwnerDeposits(depositor)
	if len(owned) != 0 {
		t.Fatalf("closed deposit still indexed for owner: %v", owned)
	}
	if _, ok, _ := h.state.RampIntentGet(intent.Key); ok {
		t.Fatal("intent record survived settlement")
	}
	buyerState, _ := h.state.RampIdentityGet(buyerIdentity)
	if buyerState.HasCurrentIntent() {
		t.Fatal("buyer slot not cleared by settlement")
	}
	if buyerState.LastSettlement != h.now {
		t.Fatalf("lastSettlement not recorded: %d", buyerState.LastSettlement)
	}

	kinds := h.emitter.eventTypes()
	want := []string{EventTypeDepositCreated, EventTypeIntentSignaled, EventTypeDepositClosed, EventTypeIntentFulfilled}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events: %v", kinds)
	}
	fulfilled := h.emitter.typesEvents()[3]
	if fulfilled.Attributes["fee"] != "20" || fulfilled.Attributes["payout"] != "980" {
		t.Fatalf("fulfilled event split wrong: %+v", fulfilled.Attributes)
	}
}

func TestCompleteIntentZeroFee(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if _, err := h.engine.CompleteIntent(intent.Key); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(h.gateway.pushes) != 1 {
		t.Fatalf("zero fee must skip the fee transfer, got %d pushes", len(h.gateway.pushes))
	}
	if h.gateway.pushes[0].amount.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected payout: %s", h.gateway.pushes[0].amount)
	}

	// 600 stays spendable, so the deposit survives.
	stored, ok, _ := h.state.RampDepositGet(deposit.ID)
	if !ok {
		t.Fatal("deposit closed despite spendable remainder")
	}
	if stored.Remaining.Cmp(big.NewInt(600)) != 0 || stored.Reserved.Sign() != 0 {
		t.Fatalf("unexpected balances: remaining=%s reserved=%s", stored.Remaining, stored.Reserved)
	}
	checkConservation(t, stored)
}

func TestReleaseIntentRequiresDepositor(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}

	if _, err := h.engine.ReleaseIntent(buyer, intent.Key); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.ReleaseIntent(depositor, intent.Key); err != nil {
		t.Fatalf("release by depositor: %v", err)
	}
	if _, ok, _ := h.state.RampIntentGet(intent.Key); ok {
		t.Fatal("intent record survived release")
	}
}

func TestCancelValidation(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	stranger := testAddress(0x03)
	h.register(depositor)
	h.register(buyer)
	h.register(stranger)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}

	if err := h.engine.CancelIntent(buyer, [32]byte{0x99}); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
	if err := h.engine.CancelIntent(stranger, intent.Key); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := h.engine.CancelIntent(buyer, intent.Key); err != nil {
		t.Fatalf("cancel by buyer: %v", err)
	}
}

func TestCancelIsRepeatable(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	for i := 0; i < 3; i++ {
		intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer)
		if err != nil {
			t.Fatalf("signal round %d: %v", i, err)
		}
		if err := h.engine.CancelIntent(buyer, intent.Key); err != nil {
			t.Fatalf("cancel round %d: %v", i, err)
		}
	}
	stored, ok, _ := h.state.RampDepositGet(deposit.ID)
	if !ok {
		t.Fatal("deposit missing")
	}
	if stored.Remaining.Cmp(big.NewInt(1000)) != 0 || stored.Reserved.Sign() != 0 {
		t.Fatalf("repeated signal/cancel drifted balances: remaining=%s reserved=%s", stored.Remaining, stored.Reserved)
	}
}

func TestWithdrawWithLiveReservation(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(300), buyer)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}

	total, err := h.engine.Withdraw(depositor, []uint64{deposit.ID})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if total.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("expected 700 withdrawn, got %s", total)
	}
	if len(h.gateway.pushes) != 1 || h.gateway.pushes[0].amount.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("unexpected payout: %+v", h.gateway.pushes)
	}

	// Live reservation keeps the deposit open with zero remaining.
	stored, ok, _ := h.state.RampDepositGet(deposit.ID)
	if !ok {
		t.Fatal("deposit with live reservation must stay open")
	}
	if stored.Remaining.Sign() != 0 || stored.Reserved.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected balances: remaining=%s reserved=%s", stored.Remaining, stored.Reserved)
	}

	// Settlement drains the reservation and closes the deposit.
	if _, err := h.engine.CompleteIntent(intent.Key); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok, _ := h.state.RampDepositGet(deposit.ID); ok {
		t.Fatal("deposit should close once the last reservation settles")
	}

	// A later withdraw of the closed id has nothing to return.
	total, err = h.engine.Withdraw(depositor, []uint64{deposit.ID})
	if err != nil {
		t.Fatalf("withdraw closed id: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("closed deposit yielded funds: %s", total)
	}
	if len(h.gateway.pushes) != 2 {
		// 700 withdrawal and 300 settlement payout only; the zero-value
		// withdraw must not reach the gateway.
		t.Fatalf("zero withdrawal must not push: %+v", h.gateway.pushes)
	}
}

func TestWithdrawSweepsExpired(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	buyerIdentity := h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer); err != nil {
		t.Fatalf("signal: %v", err)
	}

	h.now = testBaseTime + 86400 + 1
	total, err := h.engine.Withdraw(depositor, []uint64{deposit.ID})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// The expired reservation is swept first, so the full 1000 comes back and
	// nothing is double counted.
	if total.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected 1000 withdrawn, got %s", total)
	}
	if _, ok, _ := h.state.RampDepositGet(deposit.ID); ok {
		t.Fatal("fully drained deposit should close")
	}
	buyerState, _ := h.state.RampIdentityGet(buyerIdentity)
	if buyerState.HasCurrentIntent() {
		t.Fatal("expired buyer slot not cleared by withdraw sweep")
	}
}

func TestWithdrawAggregatesAcrossDeposits(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	h.register(depositor)

	first, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := h.engine.OpenDeposit(depositor, big.NewInt(250), big.NewInt(125))
	if err != nil {
		t.Fatalf("open second: %v", err)
	}

	total, err := h.engine.Withdraw(depositor, []uint64{first.ID, second.ID})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if total.Cmp(big.NewInt(1250)) != 0 {
		t.Fatalf("expected aggregate 1250, got %s", total)
	}
	if len(h.gateway.pushes) != 1 {
		t.Fatalf("aggregate withdraw must issue a single payout, got %d", len(h.gateway.pushes))
	}
	owned, _ := h.state.RampOwnerDeposits(depositor)
	if len(owned) != 0 {
		t.Fatalf("closed deposits still indexed: %v", owned)
	}
}

func TestWithdrawSkipsUnknownIDs(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	h.register(depositor)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}

	// Never-allocated ids and duplicates of a just-closed id resolve to no
	// record and fall out of the batch without failing it.
	total, err := h.engine.Withdraw(depositor, []uint64{99, deposit.ID, deposit.ID})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if total.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected 1000 withdrawn, got %s", total)
	}
	if len(h.gateway.pushes) != 1 {
		t.Fatalf("expected one aggregate payout, got %d", len(h.gateway.pushes))
	}
}

func TestWithdrawUnauthorized(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	stranger := testAddress(0x02)
	h.register(depositor)
	h.register(stranger)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	if _, err := h.engine.Withdraw(stranger, []uint64{deposit.ID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDenylistBlocksSignal(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	buyerIdentity := h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}

	if err := h.engine.DenylistAdd(depositor, buyerIdentity); err != nil {
		t.Fatalf("denylist add: %v", err)
	}
	if err := h.engine.DenylistAdd(depositor, buyerIdentity); !errors.Is(err, ErrDenylistEntryExists) {
		t.Fatalf("expected ErrDenylistEntryExists, got %v", err)
	}
	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(100), buyer); !errors.Is(err, ErrDenylisted) {
		t.Fatalf("expected ErrDenylisted, got %v", err)
	}

	if err := h.engine.DenylistRemove(depositor, buyerIdentity); err != nil {
		t.Fatalf("denylist remove: %v", err)
	}
	if err := h.engine.DenylistRemove(depositor, buyerIdentity); !errors.Is(err, ErrDenylistEntryMissing) {
		t.Fatalf("expected ErrDenylistEntryMissing, got %v", err)
	}
	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(100), buyer); err != nil {
		t.Fatalf("signal after removal: %v", err)
	}

	kinds := h.emitter.eventTypes()
	var denylistEvents int
	for _, kind := range kinds {
		if kind == EventTypeDenylistUpdated {
			denylistEvents++
		}
	}
	if denylistEvents != 2 {
		t.Fatalf("expected 2 denylist events, got %d", denylistEvents)
	}
}

func TestCooldownAfterSettlement(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(10_000), big.NewInt(5000))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	h.now = testBaseTime + 10
	if _, err := h.engine.CompleteIntent(intent.Key); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}

	h.now = testBaseTime + 10 + 3600
	if _, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer); err != nil {
		t.Fatalf("signal after cooldown: %v", err)
	}
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	h.register(depositor)
	h.engine.SetPauses(stubPauses{paused: true})

	if _, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := h.engine.Withdraw(depositor, []uint64{1}); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

type stubPauses struct {
	paused bool
}

func (s stubPauses) IsPaused(module string) bool { return s.paused && module == common.ModuleRamp }

func TestFeeSplit(t *testing.T) {
	cases := []struct {
		amount  int64
		rate    *big.Int
		fee     int64
		payout  int64
		summary string
	}{
		{1000, new(big.Int).Div(Scale, big.NewInt(50)), 20, 980, "2 percent"},
		{1000, big.NewInt(0), 0, 1000, "zero rate"},
		{1000, nil, 0, 1000, "nil rate"},
		{33, new(big.Int).Div(Scale, big.NewInt(50)), 0, 33, "fee rounds down to zero"},
		{999, new(big.Int).Div(Scale, big.NewInt(20)), 49, 950, "5 percent floors"},
	}
	for _, tc := range cases {
		fee, payout := FeeSplit(big.NewInt(tc.amount), tc.rate)
		if fee.Cmp(big.NewInt(tc.fee)) != 0 || payout.Cmp(big.NewInt(tc.payout)) != 0 {
			t.Fatalf("%s: fee=%s payout=%s", tc.summary, fee, payout)
		}
		if new(big.Int).Add(fee, payout).Cmp(big.NewInt(tc.amount)) != 0 {
			t.Fatalf("%s: split does not conserve the amount", tc.summary)
		}
	}
}

func TestSettlePushFailurePropagates(t *testing.T) {
	h := newTestHarness(t)
	depositor := testAddress(0x01)
	buyer := testAddress(0x02)
	h.register(depositor)
	h.register(buyer)

	deposit, err := h.engine.OpenDeposit(depositor, big.NewInt(1000), big.NewInt(500))
	if err != nil {
		t.Fatalf("open deposit: %v", err)
	}
	intent, err := h.engine.SignalIntent(buyer, deposit.ID, big.NewInt(400), buyer)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	h.gateway.pushErr = fmt.Errorf("custody unavailable")
	if _, err := h.engine.CompleteIntent(intent.Key); err == nil {
		t.Fatal("push failure must fail the settlement")
	}
}
