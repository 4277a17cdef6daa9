package liquidation

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"rainchain/core/types"
	"rainchain/native/oracle"
	"rainchain/native/vault"
)

type mockState struct {
	vaults    map[[32]byte]*vault.UserVault
	custodies map[[32]byte]*vault.CustodyVault
	seizures  map[[32]byte]*Seizure
	deficits  map[[32]byte]*Deficit
	accounts  map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		vaults:    make(map[[32]byte]*vault.UserVault),
		custodies: make(map[[32]byte]*vault.CustodyVault),
		seizures:  make(map[[32]byte]*Seizure),
		deficits:  make(map[[32]byte]*Deficit),
		accounts:  make(map[[20]byte]*types.Account),
	}
}

func (m *mockState) VaultGet(id [32]byte) (*vault.UserVault, error) {
	return m.vaults[id].Clone(), nil
}

func (m *mockState) VaultPut(v *vault.UserVault) error {
	m.vaults[v.ID] = v.Clone()
	return nil
}

func (m *mockState) CustodyGet(id [32]byte) (*vault.CustodyVault, error) {
	return m.custodies[id].Clone(), nil
}

func (m *mockState) CustodyPut(c *vault.CustodyVault) error {
	m.custodies[c.ID] = c.Clone()
	return nil
}

func (m *mockState) SeizureGet(vaultID [32]byte) (*Seizure, error) {
	return m.seizures[vaultID].Clone(), nil
}

func (m *mockState) SeizurePut(s *Seizure) error {
	m.seizures[s.VaultID] = s.Clone()
	return nil
}

func (m *mockState) SeizureDelete(vaultID [32]byte) error {
	delete(m.seizures, vaultID)
	return nil
}

func (m *mockState) DeficitGet(vaultID [32]byte) (*Deficit, error) {
	return m.deficits[vaultID].Clone(), nil
}

func (m *mockState) DeficitPut(d *Deficit) error {
	m.deficits[d.VaultID] = d.Clone()
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

type mockVenue struct {
	out     *big.Int
	err     error
	poolRef [32]byte
	input   *big.Int
}

func (v *mockVenue) Swap(poolRef [32]byte, input, feeBudget, minOut *big.Int) (*big.Int, error) {
	v.poolRef = poolRef
	v.input = new(big.Int).Set(input)
	if v.err != nil {
		return nil, v.err
	}
	return new(big.Int).Set(v.out), nil
}

var (
	testOwner      = [20]byte{0x01}
	testLiquidator = [20]byte{0x02}
	custodyAddr    = [20]byte{0xcc}
	moduleAddr     = [20]byte{0xdd}
	testFeedID     = []byte("rain/RAIN-RUSD")
	testVaultID    = [32]byte{0xaa}
	testCustodyID  = [32]byte{0xbb}
	testPoolRef    = [32]byte{0x99}
)

const testMaxAge = 60 * time.Second

type fixture struct {
	engine *Engine
	state  *mockState
	feed   *oracle.StaticFeed
	venue  *mockVenue
	now    time.Time
}

// newFixture seeds a vault with 1_000 collateral, 850 debt and an 8000 bps
// threshold. At a 1:1 price the vault sits at 85% LTV, past the threshold.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	state := newMockState()
	feed := oracle.NewStaticFeed()
	now := time.Unix(1_700_000_000, 0)
	feed.SetPrice(testFeedID, big.NewRat(1, 1), now)

	state.vaults[testVaultID] = &vault.UserVault{
		ID:                      testVaultID,
		Owner:                   testOwner,
		CustodyID:               testCustodyID,
		CollateralBalance:       big.NewInt(1_000),
		Debt:                    big.NewInt(850),
		LiquidationThresholdBps: 8_000,
	}
	state.custodies[testCustodyID] = &vault.CustodyVault{
		ID:            testCustodyID,
		Owner:         testOwner,
		VaultID:       testVaultID,
		LockedBalance: big.NewInt(1_000),
	}
	state.accounts[custodyAddr] = &types.Account{
		BalanceRUSD: big.NewInt(0),
		BalanceRAIN: big.NewInt(1_000),
	}

	venue := &mockVenue{out: big.NewInt(1_000)}
	engine := NewEngine(custodyAddr, moduleAddr)
	engine.SetState(state)
	engine.SetFeed(feed)
	engine.SetVenue(venue)
	if err := engine.SetBonusBps(500); err != nil {
		t.Fatalf("set bonus: %v", err)
	}
	return &fixture{engine: engine, state: state, feed: feed, venue: venue, now: now}
}

func (f *fixture) liquidate(t *testing.T) *Seizure {
	t.Helper()
	seizure, err := f.engine.Liquidate(testLiquidator, testVaultID, testCustodyID, testFeedID, testMaxAge, f.now)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	return seizure
}

func TestLiquidateSeizesPastThreshold(t *testing.T) {
	f := newFixture(t)
	seizure := f.liquidate(t)

	if seizure.Collateral.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("seized = %s, want 1000", seizure.Collateral)
	}
	if seizure.DebtAtSeizure.Cmp(big.NewInt(850)) != 0 {
		t.Fatalf("debt at seizure = %s, want 850", seizure.DebtAtSeizure)
	}
	if seizure.Liquidator != testLiquidator {
		t.Fatalf("liquidator mismatch")
	}
	if got := f.state.vaults[testVaultID].CollateralBalance; got.Sign() != 0 {
		t.Fatalf("vault collateral = %s, want 0", got)
	}
	if got := f.state.vaults[testVaultID].Debt; got.Cmp(big.NewInt(850)) != 0 {
		t.Fatalf("vault debt = %s, want untouched 850", got)
	}
	if got := f.state.custodies[testCustodyID].LockedBalance; got.Sign() != 0 {
		t.Fatalf("custody balance = %s, want 0", got)
	}
	if got := f.state.accounts[moduleAddr].BalanceRAIN; got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("module collateral = %s, want 1000", got)
	}
	if got := f.state.accounts[custodyAddr].BalanceRAIN; got.Sign() != 0 {
		t.Fatalf("custody account = %s, want 0", got)
	}
}

func TestLiquidateRejectsHealthyVault(t *testing.T) {
	f := newFixture(t)
	// 750 debt against 1_000 collateral at 1:1 is 75% LTV, under the
	// 8000 bps threshold.
	f.state.vaults[testVaultID].Debt = big.NewInt(750)

	_, err := f.engine.Liquidate(testLiquidator, testVaultID, testCustodyID, testFeedID, testMaxAge, f.now)
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
}

func TestLiquidateBoundaryLTVEqualsThreshold(t *testing.T) {
	f := newFixture(t)
	// 800 debt is exactly 8000 bps; the threshold is inclusive.
	f.state.vaults[testVaultID].Debt = big.NewInt(800)

	if _, err := f.engine.Liquidate(testLiquidator, testVaultID, testCustodyID, testFeedID, testMaxAge, f.now); err != nil {
		t.Fatalf("liquidate at boundary: %v", err)
	}
}

func TestLiquidateRejectsStalePriceAndZeroDebt(t *testing.T) {
	f := newFixture(t)

	late := f.now.Add(2 * time.Minute)
	_, err := f.engine.Liquidate(testLiquidator, testVaultID, testCustodyID, testFeedID, testMaxAge, late)
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}

	f.state.vaults[testVaultID].Debt = big.NewInt(0)
	_, err = f.engine.Liquidate(testLiquidator, testVaultID, testCustodyID, testFeedID, testMaxAge, f.now)
	if !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestLiquidateRejectsSecondSeizure(t *testing.T) {
	f := newFixture(t)
	f.liquidate(t)

	_, err := f.engine.Liquidate(testLiquidator, testVaultID, testCustodyID, testFeedID, testMaxAge, f.now)
	if !errors.Is(err, ErrSeizureExists) {
		t.Fatalf("expected ErrSeizureExists, got %v", err)
	}
}

func TestSellCollateralAndSettleSplitsProceeds(t *testing.T) {
	f := newFixture(t)
	f.liquidate(t)

	// 1_000 proceeds: 50 bonus (500 bps), 850 debt, 100 surplus.
	settlement, err := f.engine.SellCollateralAndSettle(testLiquidator, testVaultID, testPoolRef, big.NewInt(10), big.NewInt(900))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	if settlement.Bonus.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("bonus = %s, want 50", settlement.Bonus)
	}
	if settlement.DebtRepaid.Cmp(big.NewInt(850)) != 0 {
		t.Fatalf("debt repaid = %s, want 850", settlement.DebtRepaid)
	}
	if settlement.Surplus.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("surplus = %s, want 100", settlement.Surplus)
	}
	if settlement.Shortfall.Sign() != 0 {
		t.Fatalf("shortfall = %s, want 0", settlement.Shortfall)
	}
	if got := f.state.accounts[testLiquidator].BalanceRUSD; got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("liquidator balance = %s, want 50", got)
	}
	if got := f.state.accounts[testOwner].BalanceRUSD; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("owner balance = %s, want 100", got)
	}
	if got := f.state.accounts[moduleAddr].BalanceRUSD; got.Cmp(big.NewInt(850)) != 0 {
		t.Fatalf("module pool = %s, want 850", got)
	}
	if got := f.state.accounts[moduleAddr].BalanceRAIN; got.Sign() != 0 {
		t.Fatalf("module collateral = %s, want 0", got)
	}
	if got := f.state.vaults[testVaultID].Debt; got.Sign() != 0 {
		t.Fatalf("vault debt = %s, want 0", got)
	}
	if f.venue.input.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("venue input = %s, want 1000", f.venue.input)
	}
	if _, ok := f.state.seizures[testVaultID]; ok {
		t.Fatalf("seizure not consumed")
	}
}

func TestSellCollateralAndSettleEnforcesSlippageFloor(t *testing.T) {
	f := newFixture(t)
	f.liquidate(t)
	f.venue.out = big.NewInt(800)

	_, err := f.engine.SellCollateralAndSettle(testLiquidator, testVaultID, testPoolRef, big.NewInt(10), big.NewInt(900))
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if _, ok := f.state.seizures[testVaultID]; !ok {
		t.Fatalf("seizure must survive a failed sale")
	}
}

func TestSellCollateralAndSettleCarriesShortfall(t *testing.T) {
	f := newFixture(t)
	f.liquidate(t)
	// 500 proceeds: 25 bonus, 475 toward the 850 debt, 375 carried.
	f.venue.out = big.NewInt(500)

	settlement, err := f.engine.SellCollateralAndSettle(testLiquidator, testVaultID, testPoolRef, big.NewInt(10), big.NewInt(500))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.DebtRepaid.Cmp(big.NewInt(475)) != 0 {
		t.Fatalf("debt repaid = %s, want 475", settlement.DebtRepaid)
	}
	if settlement.Shortfall.Cmp(big.NewInt(375)) != 0 {
		t.Fatalf("shortfall = %s, want 375", settlement.Shortfall)
	}
	if got := f.state.vaults[testVaultID].Debt; got.Cmp(big.NewInt(375)) != 0 {
		t.Fatalf("carried debt = %s, want 375", got)
	}
	if _, ok := f.state.deficits[testVaultID]; ok {
		t.Fatalf("carry mode must not book a deficit")
	}
}

func TestSellCollateralAndSettleAbsorbsShortfall(t *testing.T) {
	f := newFixture(t)
	f.liquidate(t)
	f.venue.out = big.NewInt(500)
	if err := f.engine.SetShortfallPolicy(ShortfallAbsorb); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	settlement, err := f.engine.SellCollateralAndSettle(testLiquidator, testVaultID, testPoolRef, big.NewInt(10), big.NewInt(500))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.Shortfall.Cmp(big.NewInt(375)) != 0 {
		t.Fatalf("shortfall = %s, want 375", settlement.Shortfall)
	}
	if got := f.state.vaults[testVaultID].Debt; got.Sign() != 0 {
		t.Fatalf("absorbed debt = %s, want 0", got)
	}
	deficit := f.state.deficits[testVaultID]
	if deficit == nil || deficit.Amount.Cmp(big.NewInt(375)) != 0 {
		t.Fatalf("deficit = %v, want 375", deficit)
	}
}

func TestSellCollateralAndSettleRejectsForeignCaller(t *testing.T) {
	f := newFixture(t)
	f.liquidate(t)

	_, err := f.engine.SellCollateralAndSettle(testOwner, testVaultID, testPoolRef, big.NewInt(10), big.NewInt(900))
	if !errors.Is(err, ErrNotLiquidator) {
		t.Fatalf("expected ErrNotLiquidator, got %v", err)
	}
}

func TestSetBonusAndPolicyValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.SetBonusBps(10_001); !errors.Is(err, ErrInvalidBonus) {
		t.Fatalf("expected ErrInvalidBonus, got %v", err)
	}
	if err := f.engine.SetShortfallPolicy("refund"); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}
