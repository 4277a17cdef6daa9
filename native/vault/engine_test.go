package vault

import (
	"errors"
	"math/big"
	"testing"

	"rainchain/core/types"
)

type mockState struct {
	seq       uint64
	vaults    map[[32]byte]*UserVault
	custodies map[[32]byte]*CustodyVault
	auths     map[[32]byte]*RepaymentAuthorization
	accounts  map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		vaults:    make(map[[32]byte]*UserVault),
		custodies: make(map[[32]byte]*CustodyVault),
		auths:     make(map[[32]byte]*RepaymentAuthorization),
		accounts:  make(map[[20]byte]*types.Account),
	}
}

func (m *mockState) NextSequence() (uint64, error) {
	m.seq++
	return m.seq, nil
}

func (m *mockState) VaultGet(id [32]byte) (*UserVault, error) {
	return m.vaults[id].Clone(), nil
}

func (m *mockState) VaultPut(v *UserVault) error {
	m.vaults[v.ID] = v.Clone()
	return nil
}

func (m *mockState) CustodyGet(id [32]byte) (*CustodyVault, error) {
	return m.custodies[id].Clone(), nil
}

func (m *mockState) CustodyPut(c *CustodyVault) error {
	m.custodies[c.ID] = c.Clone()
	return nil
}

func (m *mockState) AuthGet(id [32]byte) (*RepaymentAuthorization, error) {
	return m.auths[id].Clone(), nil
}

func (m *mockState) AuthPut(a *RepaymentAuthorization) error {
	m.auths[a.ID] = a.Clone()
	return nil
}

func (m *mockState) AuthDelete(id [32]byte) error {
	delete(m.auths, id)
	return nil
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return nil, nil
}

func (m *mockState) PutAccount(addr [20]byte, acc *types.Account) error {
	m.accounts[addr] = acc.Clone()
	return nil
}

var (
	testOwner   = [20]byte{0x01}
	otherCaller = [20]byte{0x02}
	custodyAddr = [20]byte{0xcc}
)

func newTestEngine(state *mockState) *Engine {
	engine := NewEngine(custodyAddr)
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine
}

func fund(state *mockState, addr [20]byte, rain int64) {
	state.accounts[addr] = &types.Account{
		BalanceRUSD: big.NewInt(0),
		BalanceRAIN: big.NewInt(rain),
	}
}

func TestCreateVaultLinksCustody(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)

	userVault, custody, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if userVault.CustodyID != custody.ID || custody.VaultID != userVault.ID {
		t.Fatalf("vault and custody not linked")
	}
	if userVault.ID == custody.ID {
		t.Fatalf("vault and custody share an id")
	}
	if userVault.LiquidationThresholdBps != 8_000 {
		t.Fatalf("threshold = %d, want 8000", userVault.LiquidationThresholdBps)
	}
	if userVault.CollateralBalance.Sign() != 0 || userVault.Debt.Sign() != 0 {
		t.Fatalf("new vault must start empty")
	}

	second, _, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID == userVault.ID {
		t.Fatalf("vault ids must be unique per owner")
	}
}

func TestCreateVaultRejectsThresholdOutOfRange(t *testing.T) {
	engine := newTestEngine(newMockState())

	for _, bps := range []uint64{0, 999, 10_001} {
		if _, _, err := engine.CreateVault(testOwner, bps); !errors.Is(err, ErrThresholdOutOfRange) {
			t.Fatalf("threshold %d: expected ErrThresholdOutOfRange, got %v", bps, err)
		}
	}
	if _, _, err := engine.CreateVault(testOwner, 1_000); err != nil {
		t.Fatalf("threshold 1000 must be accepted: %v", err)
	}
	if _, _, err := engine.CreateVault(testOwner, 10_000); err != nil {
		t.Fatalf("threshold 10000 must be accepted: %v", err)
	}
}

func TestDepositCollateralMovesFundsAndMirrors(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	fund(state, testOwner, 1_000)

	userVault, custody, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := engine.DepositCollateral(testOwner, userVault.ID, custody.ID, big.NewInt(400)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.DepositCollateral(testOwner, userVault.ID, custody.ID, big.NewInt(100)); err != nil {
		t.Fatalf("second deposit: %v", err)
	}

	if got := state.accounts[testOwner].BalanceRAIN; got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("owner balance = %s, want 500", got)
	}
	if got := state.accounts[custodyAddr].BalanceRAIN; got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("custody account = %s, want 500", got)
	}
	if got := state.custodies[custody.ID].LockedBalance; got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("locked = %s, want 500", got)
	}
	if got := state.vaults[userVault.ID].CollateralBalance; got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("mirror = %s, want 500", got)
	}
}

func TestDepositCollateralValidation(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	fund(state, testOwner, 100)

	userVault, custody, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}

	if err := engine.DepositCollateral(testOwner, userVault.ID, custody.ID, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if err := engine.DepositCollateral(otherCaller, userVault.ID, custody.ID, big.NewInt(10)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign caller: expected ErrNotOwner, got %v", err)
	}
	if err := engine.DepositCollateral(testOwner, userVault.ID, custody.ID, big.NewInt(101)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("underfunded: expected ErrInsufficientBalance, got %v", err)
	}

	_, foreignCustody, err := engine.CreateVault(otherCaller, 8_000)
	if err != nil {
		t.Fatalf("create foreign vault: %v", err)
	}
	if err := engine.DepositCollateral(testOwner, userVault.ID, foreignCustody.ID, big.NewInt(10)); !errors.Is(err, ErrCustodyMismatch) {
		t.Fatalf("unlinked custody: expected ErrCustodyMismatch, got %v", err)
	}

	huge := new(big.Int).Lsh(big.NewInt(1), 129)
	if err := engine.DepositCollateral(testOwner, userVault.ID, custody.ID, huge); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("oversized amount: expected ErrAmountOverflow, got %v", err)
	}
}

func TestRequestRepaymentAuthRequiresZeroDebt(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)

	userVault, _, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}

	state.vaults[userVault.ID].Debt = big.NewInt(1)
	if _, err := engine.RequestRepaymentAuth(testOwner, userVault.ID); !errors.Is(err, ErrDebtOutstanding) {
		t.Fatalf("expected ErrDebtOutstanding, got %v", err)
	}

	state.vaults[userVault.ID].Debt = big.NewInt(0)
	auth, err := engine.RequestRepaymentAuth(testOwner, userVault.ID)
	if err != nil {
		t.Fatalf("request auth: %v", err)
	}
	if auth.VaultID != userVault.ID {
		t.Fatalf("auth vault mismatch")
	}
	if auth.IssuedAt != 1_700_000_000 {
		t.Fatalf("issued at = %d", auth.IssuedAt)
	}

	if _, err := engine.RequestRepaymentAuth(otherCaller, userVault.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign caller: expected ErrNotOwner, got %v", err)
	}
}

func TestDepositReleaseRoundTrip(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	fund(state, testOwner, 1_000)

	userVault, custody, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := engine.DepositCollateral(testOwner, userVault.ID, custody.ID, big.NewInt(750)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	auth, err := engine.RequestRepaymentAuth(testOwner, userVault.ID)
	if err != nil {
		t.Fatalf("request auth: %v", err)
	}

	released, err := engine.ReleaseToOwner(testOwner, custody.ID, auth.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("released = %s, want 750", released)
	}
	if got := state.accounts[testOwner].BalanceRAIN; got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("owner balance = %s, want full 1000 back", got)
	}
	if got := state.custodies[custody.ID].LockedBalance; got.Sign() != 0 {
		t.Fatalf("locked = %s, want 0", got)
	}
	if got := state.vaults[userVault.ID].CollateralBalance; got.Sign() != 0 {
		t.Fatalf("mirror = %s, want 0", got)
	}
}

func TestReleaseToOwnerAuthIsSingleUse(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	fund(state, testOwner, 500)

	userVault, custody, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := engine.DepositCollateral(testOwner, userVault.ID, custody.ID, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	auth, err := engine.RequestRepaymentAuth(testOwner, userVault.ID)
	if err != nil {
		t.Fatalf("request auth: %v", err)
	}
	if _, err := engine.ReleaseToOwner(testOwner, custody.ID, auth.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := engine.ReleaseToOwner(testOwner, custody.ID, auth.ID); !errors.Is(err, ErrAuthConsumed) {
		t.Fatalf("second release: expected ErrAuthConsumed, got %v", err)
	}
}

func TestReleaseToOwnerBlockedByNewDebt(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	fund(state, testOwner, 500)

	userVault, custody, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := engine.DepositCollateral(testOwner, userVault.ID, custody.ID, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	auth, err := engine.RequestRepaymentAuth(testOwner, userVault.ID)
	if err != nil {
		t.Fatalf("request auth: %v", err)
	}

	// Debt taken on between authorization and release voids the release.
	state.vaults[userVault.ID].Debt = big.NewInt(10)
	if _, err := engine.ReleaseToOwner(testOwner, custody.ID, auth.ID); !errors.Is(err, ErrDebtOutstanding) {
		t.Fatalf("expected ErrDebtOutstanding, got %v", err)
	}
}

func TestReleaseToOwnerAuthVaultMismatch(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	fund(state, testOwner, 500)

	userVault, _, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	_, otherCustody, err := engine.CreateVault(testOwner, 8_000)
	if err != nil {
		t.Fatalf("create second vault: %v", err)
	}
	auth, err := engine.RequestRepaymentAuth(testOwner, userVault.ID)
	if err != nil {
		t.Fatalf("request auth: %v", err)
	}

	if _, err := engine.ReleaseToOwner(testOwner, otherCustody.ID, auth.ID); !errors.Is(err, ErrAuthMismatch) {
		t.Fatalf("expected ErrAuthMismatch, got %v", err)
	}
}
