package core

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"rainchain/config"
	"rainchain/crypto"
	"rainchain/native/escrow"
	"rainchain/native/market"
	"rainchain/native/oracle"
	"rainchain/storage"
)

var (
	alice      = [20]byte{0x01} // borrower
	bob        = [20]byte{0x02} // lender
	carol      = [20]byte{0x03} // liquidator
	testFeedID = []byte("rain/RAIN-RUSD")
)

type stubVenue struct {
	out *big.Int
}

func (v *stubVenue) Swap(poolRef [32]byte, input, feeBudget, minOut *big.Int) (*big.Int, error) {
	return new(big.Int).Set(v.out), nil
}

func bech32Of(t *testing.T, addr [20]byte) string {
	t.Helper()
	return crypto.NewAddress(crypto.RainPrefix, addr[:]).String()
}

func testConfig() *config.Config {
	return &config.Config{
		RPCAddress:            ":0",
		DataDir:               "",
		OracleMaxAgeSecs:      60,
		FillRequestExpirySecs: 300,
		LiquidatorBonusBps:    500,
		LiquidationShortfall:  "carry",
	}
}

func newTestLedger(t *testing.T) (*Ledger, *oracle.StaticFeed, *time.Time) {
	t.Helper()
	feed := oracle.NewStaticFeed()
	now := time.Unix(1_700_000_000, 0)
	feed.SetPrice(testFeedID, big.NewRat(2, 1), now)

	ledger, err := NewLedger(storage.NewMemDB(), feed, testConfig())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	clock := now
	ledger.SetNowFunc(func() time.Time { return clock })
	return ledger, feed, &clock
}

// The full happy path: vault funded, orders matched directly, loan repaid,
// collateral released. Alice should end exactly where she started on the
// collateral asset.
func TestLedgerDirectFillLifecycle(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	if err := ledger.FundAccount(alice, "RAIN", big.NewInt(10_000)); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	if err := ledger.FundAccount(bob, "RUSD", big.NewInt(5_000)); err != nil {
		t.Fatalf("fund bob: %v", err)
	}

	userVault, custody, err := ledger.CreateVault(alice, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := ledger.DepositCollateral(alice, userVault.ID, custody.ID, big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	borrow, err := ledger.SubmitBorrowOrder(alice, userVault.ID, big.NewInt(1_000), 700, 86_400)
	if err != nil {
		t.Fatalf("submit borrow: %v", err)
	}
	lend, err := ledger.SubmitLendOrder(bob, big.NewInt(1_000), 500, 86_400)
	if err != nil {
		t.Fatalf("submit lend: %v", err)
	}

	position, err := ledger.FillOrder(bob, borrow.ID, lend.ID, userVault.ID, big.NewInt(1_000), testFeedID)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if position.RateBps != 500 {
		t.Fatalf("rate = %d, want 500", position.RateBps)
	}

	aliceAcc, err := ledger.Account(alice)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if aliceAcc.BalanceRUSD.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("alice RUSD = %s, want 1000", aliceAcc.BalanceRUSD)
	}

	// The book no longer lists either order as open.
	openBorrows, openLends, err := ledger.OpenOrders()
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(openBorrows) != 0 || len(openLends) != 0 {
		t.Fatalf("book not empty: %d borrow, %d lend", len(openBorrows), len(openLends))
	}

	if err := ledger.TransferPosition(bob, position.ID, alice); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := ledger.RepayPosition(alice, userVault.ID, position.ID, big.NewInt(1_000)); err != nil {
		t.Fatalf("repay: %v", err)
	}

	auth, err := ledger.RequestRepaymentAuth(alice, userVault.ID)
	if err != nil {
		t.Fatalf("request auth: %v", err)
	}
	released, err := ledger.ReleaseToOwner(alice, custody.ID, auth.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("released = %s, want 10000", released)
	}

	aliceAcc, err = ledger.Account(alice)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if aliceAcc.BalanceRAIN.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("alice RAIN = %s, want full 10000 back", aliceAcc.BalanceRAIN)
	}
}

// Failed operations must leave no partial state behind.
func TestLedgerFailedOperationRollsBack(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	if err := ledger.FundAccount(alice, "RAIN", big.NewInt(1_000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	userVault, custody, err := ledger.CreateVault(alice, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}

	// Deposit more than Alice holds.
	err = ledger.DepositCollateral(alice, userVault.ID, custody.ID, big.NewInt(2_000))
	if err == nil {
		t.Fatalf("expected deposit failure")
	}

	acc, err := ledger.Account(alice)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acc.BalanceRAIN.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("alice RAIN = %s, want untouched 1000", acc.BalanceRAIN)
	}
	reloaded, err := ledger.Custody(custody.ID)
	if err != nil {
		t.Fatalf("custody: %v", err)
	}
	if reloaded.LockedBalance.Sign() != 0 {
		t.Fatalf("locked = %s, want 0", reloaded.LockedBalance)
	}
}

// Two-phase fill through the ledger: commit, advance the clock past expiry,
// observe completion fail and cancellation restore capacity.
func TestLedgerEscrowFillExpiryFlow(t *testing.T) {
	ledger, feed, clock := newTestLedger(t)

	if err := ledger.FundAccount(alice, "RAIN", big.NewInt(10_000)); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	if err := ledger.FundAccount(bob, "RUSD", big.NewInt(5_000)); err != nil {
		t.Fatalf("fund bob: %v", err)
	}
	userVault, custody, err := ledger.CreateVault(alice, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := ledger.DepositCollateral(alice, userVault.ID, custody.ID, big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	borrow, err := ledger.SubmitBorrowOrder(alice, userVault.ID, big.NewInt(1_000), 700, 86_400)
	if err != nil {
		t.Fatalf("submit borrow: %v", err)
	}
	lend, err := ledger.SubmitLendOrder(bob, big.NewInt(1_000), 500, 86_400)
	if err != nil {
		t.Fatalf("submit lend: %v", err)
	}

	request, err := ledger.LenderCommitFill(bob, borrow.ID, lend.ID, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The committed request shows up in both participants' event views.
	for _, who := range []string{"lender", "borrower"} {
		attrs := map[string][20]byte{"lender": bob, "borrower": alice}
		addr := bech32Of(t, attrs[who])
		evts, err := ledger.EventsByParticipant(addr)
		if err != nil {
			t.Fatalf("events for %s: %v", who, err)
		}
		found := false
		for _, evt := range evts {
			if evt.Type == escrow.EventTypeFillCommitted {
				found = true
			}
		}
		if !found {
			t.Fatalf("fill.committed not visible to %s", who)
		}
	}

	// Past expiry: completion fails, cancellation succeeds.
	*clock = clock.Add(301 * time.Second)
	feed.SetPrice(testFeedID, big.NewRat(2, 1), *clock)

	if _, err := ledger.BorrowerCompleteFill(alice, request.ID, userVault.ID, testFeedID); !errors.Is(err, escrow.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if err := ledger.LenderCancelFill(bob, request.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	reloaded, err := ledger.BorrowOrder(borrow.ID)
	if err != nil {
		t.Fatalf("borrow order: %v", err)
	}
	if reloaded.Remaining().Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("remaining = %s, want restored 1000", reloaded.Remaining())
	}
	bobAcc, err := ledger.Account(bob)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if bobAcc.BalanceRUSD.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("bob RUSD = %s, want refunded 5000", bobAcc.BalanceRUSD)
	}
}

// Liquidation through the ledger: undercollateralize via price drop, seize,
// settle through the venue.
func TestLedgerLiquidationFlow(t *testing.T) {
	ledger, feed, clock := newTestLedger(t)
	venue := &stubVenue{out: big.NewInt(1_000)}
	ledger.SetVenue(venue)

	if err := ledger.FundAccount(alice, "RAIN", big.NewInt(1_000)); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	if err := ledger.FundAccount(bob, "RUSD", big.NewInt(5_000)); err != nil {
		t.Fatalf("fund bob: %v", err)
	}
	userVault, custody, err := ledger.CreateVault(alice, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := ledger.DepositCollateral(alice, userVault.ID, custody.ID, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	borrow, err := ledger.SubmitBorrowOrder(alice, userVault.ID, big.NewInt(1_000), 700, 86_400)
	if err != nil {
		t.Fatalf("submit borrow: %v", err)
	}
	lend, err := ledger.SubmitLendOrder(bob, big.NewInt(1_000), 500, 86_400)
	if err != nil {
		t.Fatalf("submit lend: %v", err)
	}
	if _, err := ledger.FillOrder(bob, borrow.ID, lend.ID, userVault.ID, big.NewInt(1_000), testFeedID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// At 2:1 the vault is healthy; carol cannot liquidate yet.
	if _, err := ledger.Liquidate(carol, userVault.ID, custody.ID, testFeedID); err == nil {
		t.Fatalf("expected healthy vault to resist liquidation")
	}

	// Price drops to 1:1: 1_000 debt on 1_000 collateral value is 100% LTV.
	feed.SetPrice(testFeedID, big.NewRat(1, 1), *clock)
	seizure, err := ledger.Liquidate(carol, userVault.ID, custody.ID, testFeedID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seizure.Collateral.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("seized = %s, want 1000", seizure.Collateral)
	}

	settlement, err := ledger.SellCollateralAndSettle(carol, userVault.ID, [32]byte{0x99}, big.NewInt(10), big.NewInt(900))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settlement.Bonus.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("bonus = %s, want 50", settlement.Bonus)
	}
	carolAcc, err := ledger.Account(carol)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if carolAcc.BalanceRUSD.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("carol RUSD = %s, want 50", carolAcc.BalanceRUSD)
	}
	reloaded, err := ledger.Vault(userVault.ID)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	if reloaded.Debt.Sign() != 0 {
		t.Fatalf("debt = %s, want fully covered", reloaded.Debt)
	}
}

func TestLedgerEscrowReservationBlocksDirectFill(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	if err := ledger.FundAccount(alice, "RAIN", big.NewInt(10_000)); err != nil {
		t.Fatalf("fund alice: %v", err)
	}
	if err := ledger.FundAccount(bob, "RUSD", big.NewInt(5_000)); err != nil {
		t.Fatalf("fund bob: %v", err)
	}
	userVault, custody, err := ledger.CreateVault(alice, 8_000)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	if err := ledger.DepositCollateral(alice, userVault.ID, custody.ID, big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	borrow, err := ledger.SubmitBorrowOrder(alice, userVault.ID, big.NewInt(1_000), 700, 86_400)
	if err != nil {
		t.Fatalf("submit borrow: %v", err)
	}
	lend, err := ledger.SubmitLendOrder(bob, big.NewInt(1_000), 500, 86_400)
	if err != nil {
		t.Fatalf("submit lend: %v", err)
	}

	if _, err := ledger.LenderCommitFill(bob, borrow.ID, lend.ID, big.NewInt(800)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The reservation leaves only 200 of capacity for the direct path.
	_, err = ledger.FillOrder(bob, borrow.ID, lend.ID, userVault.ID, big.NewInt(300), testFeedID)
	if !errors.Is(err, market.ErrInsufficientRemaining) {
		t.Fatalf("expected ErrInsufficientRemaining, got %v", err)
	}
	if _, err := ledger.FillOrder(bob, borrow.ID, lend.ID, userVault.ID, big.NewInt(200), testFeedID); err != nil {
		t.Fatalf("fill within remaining capacity: %v", err)
	}
}
