package core

import (
	"errors"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"rainchain/config"
	"rainchain/core/events"
	"rainchain/core/state"
	"rainchain/core/types"
	"rainchain/native/escrow"
	"rainchain/native/liquidation"
	"rainchain/native/market"
	"rainchain/native/oracle"
	"rainchain/native/vault"
	"rainchain/observability/metrics"
	"rainchain/storage"
)

// ErrUnknownAsset rejects faucet credits for assets the ledger does not
// track.
var ErrUnknownAsset = errors.New("ledger: unknown asset")

// Module account addresses, derived from fixed labels. No key pair exists
// for them, so the balances they hold can only move through engine logic.
var (
	CustodyAddress     = moduleAddress("rain/module/custody")
	EscrowAddress      = moduleAddress("rain/module/escrow")
	LiquidationAddress = moduleAddress("rain/module/liquidation")
)

func moduleAddress(label string) [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte(label))
	copy(addr[:], hash[12:])
	return addr
}

// pauseSet adapts the config pause switches to the engines' PauseView.
type pauseSet map[string]bool

func (p pauseSet) IsPaused(module string) bool { return p[module] }

// Ledger is the transaction boundary around the state manager and the native
// engines. Every operation runs under the ledger lock against the write
// buffer; on error nothing is flushed, on success state and buffered events
// commit together.
type Ledger struct {
	mu      sync.Mutex
	manager *state.Manager
	buffer  *events.Buffer

	vault       *vault.Engine
	market      *market.Engine
	escrow      *escrow.Engine
	liquidation *liquidation.Engine

	maxAge     time.Duration
	fillExpiry time.Duration
	nowFn      func() time.Time
}

// NewLedger assembles the engines over a shared state manager. The oracle
// feed gates fills and liquidations; the venue may be wired later via
// SetVenue.
func NewLedger(db storage.Database, feed oracle.Feed, cfg *config.Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	manager := state.NewManager(db)
	buffer := events.NewBuffer()
	pauses := pauseSet{
		"vault":       cfg.PauseVault,
		"market":      cfg.PauseMarket,
		"escrow":      cfg.PauseEscrow,
		"liquidation": cfg.PauseLiquidation,
	}

	vaultEngine := vault.NewEngine(CustodyAddress)
	vaultEngine.SetState(manager)
	vaultEngine.SetEmitter(buffer)
	vaultEngine.SetPauses(pauses)

	marketEngine := market.NewEngine()
	marketEngine.SetState(manager)
	marketEngine.SetEmitter(buffer)
	marketEngine.SetPauses(pauses)
	marketEngine.SetFeed(feed)

	escrowEngine := escrow.NewEngine(EscrowAddress)
	escrowEngine.SetState(manager)
	escrowEngine.SetEmitter(buffer)
	escrowEngine.SetPauses(pauses)
	escrowEngine.SetFeed(feed)

	liquidationEngine := liquidation.NewEngine(CustodyAddress, LiquidationAddress)
	liquidationEngine.SetState(manager)
	liquidationEngine.SetEmitter(buffer)
	liquidationEngine.SetPauses(pauses)
	liquidationEngine.SetFeed(feed)
	if err := liquidationEngine.SetBonusBps(cfg.LiquidatorBonusBps); err != nil {
		return nil, err
	}
	if err := liquidationEngine.SetShortfallPolicy(cfg.ShortfallPolicy()); err != nil {
		return nil, err
	}

	return &Ledger{
		manager:     manager,
		buffer:      buffer,
		vault:       vaultEngine,
		market:      marketEngine,
		escrow:      escrowEngine,
		liquidation: liquidationEngine,
		maxAge:      time.Duration(cfg.OracleMaxAgeSecs) * time.Second,
		fillExpiry:  time.Duration(cfg.FillRequestExpirySecs) * time.Second,
		nowFn:       time.Now,
	}, nil
}

// SetVenue wires the external matching venue used by settlement.
func (l *Ledger) SetVenue(v liquidation.Venue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.liquidation.SetVenue(v)
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		l.nowFn = time.Now
		return
	}
	l.nowFn = now
}

// run executes fn inside the transaction boundary. On error the staged state
// and buffered events are both discarded, so a failed operation leaves no
// trace.
func (l *Ledger) run(op string, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := time.Now()
	err := l.apply(fn)
	metrics.Ledger().ObserveOp(op, time.Since(start).Seconds(), err)
	return err
}

func (l *Ledger) apply(fn func() error) error {
	l.buffer.Reset()
	if err := fn(); err != nil {
		l.manager.Discard()
		l.buffer.Reset()
		return err
	}
	for _, evt := range l.buffer.Events() {
		if err := l.manager.AppendEvent(evt.Event()); err != nil {
			l.manager.Discard()
			l.buffer.Reset()
			return err
		}
		metrics.Ledger().ObserveEvent(evt.EventType())
	}
	l.buffer.Reset()
	return l.manager.Commit()
}

// CreateVault creates a user vault and its linked custody vault.
func (l *Ledger) CreateVault(owner [20]byte, thresholdBps uint64) (userVault *vault.UserVault, custody *vault.CustodyVault, err error) {
	err = l.run("create_vault", func() error {
		userVault, custody, err = l.vault.CreateVault(owner, thresholdBps)
		return err
	})
	return userVault, custody, err
}

// DepositCollateral locks collateral into the custody vault.
func (l *Ledger) DepositCollateral(owner [20]byte, vaultID, custodyID [32]byte, amount *big.Int) error {
	return l.run("deposit_collateral", func() error {
		return l.vault.DepositCollateral(owner, vaultID, custodyID, amount)
	})
}

// RequestRepaymentAuth issues a one-shot release authorization.
func (l *Ledger) RequestRepaymentAuth(owner [20]byte, vaultID [32]byte) (auth *vault.RepaymentAuthorization, err error) {
	err = l.run("request_repayment_auth", func() error {
		auth, err = l.vault.RequestRepaymentAuth(owner, vaultID)
		return err
	})
	return auth, err
}

// ReleaseToOwner consumes the authorization and returns all collateral.
func (l *Ledger) ReleaseToOwner(owner [20]byte, custodyID, authID [32]byte) (released *big.Int, err error) {
	err = l.run("release_to_owner", func() error {
		released, err = l.vault.ReleaseToOwner(owner, custodyID, authID)
		return err
	})
	return released, err
}

// SubmitBorrowOrder posts a vault-backed borrow order to the book.
func (l *Ledger) SubmitBorrowOrder(borrower [20]byte, vaultID [32]byte, amount *big.Int, maxInterestBps, durationSecs uint64) (order *market.BorrowOrder, err error) {
	err = l.run("submit_borrow_order", func() error {
		draft, err := market.NewBorrowOrder(borrower, vaultID, amount, maxInterestBps, durationSecs)
		if err != nil {
			return err
		}
		order, err = l.market.SubmitBorrowOrder(borrower, draft)
		return err
	})
	return order, err
}

// SubmitLendOrder posts a lend order to the book.
func (l *Ledger) SubmitLendOrder(lender [20]byte, amount *big.Int, minInterestBps, durationSecs uint64) (order *market.LendOrder, err error) {
	err = l.run("submit_lend_order", func() error {
		draft, err := market.NewLendOrder(lender, amount, minInterestBps, durationSecs)
		if err != nil {
			return err
		}
		order, err = l.market.SubmitLendOrder(lender, draft)
		return err
	})
	return order, err
}

// FillOrder executes a direct atomic fill between two orders.
func (l *Ledger) FillOrder(filler [20]byte, borrowOrderID, lendOrderID, vaultID [32]byte, amount *big.Int, feedID []byte) (position *market.LoanPosition, err error) {
	err = l.run("fill_order", func() error {
		position, err = l.market.FillOrder(filler, borrowOrderID, lendOrderID, vaultID, amount, feedID, l.maxAge, l.nowFn())
		return err
	})
	return position, err
}

// LenderCommitFill locks lender funds and opens a fill request with the
// configured expiry window.
func (l *Ledger) LenderCommitFill(lender [20]byte, borrowOrderID, lendOrderID [32]byte, amount *big.Int) (request *escrow.FillRequest, err error) {
	err = l.run("lender_commit_fill", func() error {
		request, err = l.escrow.LenderCommitFill(lender, borrowOrderID, lendOrderID, amount, l.fillExpiry, l.nowFn())
		return err
	})
	return request, err
}

// BorrowerCompleteFill claims a pending fill request before expiry.
func (l *Ledger) BorrowerCompleteFill(borrower [20]byte, fillRequestID, vaultID [32]byte, feedID []byte) (position *market.LoanPosition, err error) {
	err = l.run("borrower_complete_fill", func() error {
		position, err = l.escrow.BorrowerCompleteFill(borrower, fillRequestID, vaultID, feedID, l.maxAge, l.nowFn())
		return err
	})
	return position, err
}

// LenderCancelFill reclaims an expired fill request.
func (l *Ledger) LenderCancelFill(lender [20]byte, fillRequestID [32]byte) error {
	return l.run("lender_cancel_fill", func() error {
		return l.escrow.LenderCancelFill(lender, fillRequestID, l.nowFn())
	})
}

// RepayPosition pays down debt through a held position.
func (l *Ledger) RepayPosition(caller [20]byte, vaultID, positionID [32]byte, amount *big.Int) error {
	return l.run("repay_position", func() error {
		return l.market.RepayPosition(caller, vaultID, positionID, amount)
	})
}

// TransferPosition moves the bearer receivable to a new holder.
func (l *Ledger) TransferPosition(holder [20]byte, positionID [32]byte, recipient [20]byte) error {
	return l.run("transfer_position", func() error {
		return l.market.TransferPosition(holder, positionID, recipient)
	})
}

// Liquidate seizes an undercollateralized vault's custody balance.
func (l *Ledger) Liquidate(liquidator [20]byte, vaultID, custodyID [32]byte, feedID []byte) (seizure *liquidation.Seizure, err error) {
	err = l.run("liquidate", func() error {
		seizure, err = l.liquidation.Liquidate(liquidator, vaultID, custodyID, feedID, l.maxAge, l.nowFn())
		return err
	})
	return seizure, err
}

// SellCollateralAndSettle sells a pending seizure and splits the proceeds.
func (l *Ledger) SellCollateralAndSettle(liquidator [20]byte, vaultID, poolRef [32]byte, feeBudget, minQuoteOut *big.Int) (settlement *liquidation.Settlement, err error) {
	err = l.run("sell_collateral_and_settle", func() error {
		settlement, err = l.liquidation.SellCollateralAndSettle(liquidator, vaultID, poolRef, feeBudget, minQuoteOut)
		return err
	})
	return settlement, err
}

// FundAccount credits an account balance outside the protocol flows. It backs
// the development faucet; asset is "RUSD" or "RAIN".
func (l *Ledger) FundAccount(addr [20]byte, asset string, amount *big.Int) error {
	return l.run("fund_account", func() error {
		if amount == nil || amount.Sign() <= 0 {
			return vault.ErrInvalidAmount
		}
		acc, err := l.manager.GetAccount(addr)
		if err != nil {
			return err
		}
		acc = types.EnsureAccount(acc)
		switch asset {
		case "RUSD":
			acc.BalanceRUSD = new(big.Int).Add(acc.BalanceRUSD, amount)
		case "RAIN":
			acc.BalanceRAIN = new(big.Int).Add(acc.BalanceRAIN, amount)
		default:
			return ErrUnknownAsset
		}
		return l.manager.PutAccount(addr, acc)
	})
}

// Account returns the balance record for an address.
func (l *Ledger) Account(addr [20]byte) (*types.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.manager.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return types.EnsureAccount(acc), nil
}

// Vault returns the user vault record, or nil when absent.
func (l *Ledger) Vault(id [32]byte) (*vault.UserVault, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.VaultGet(id)
}

// Custody returns the custody vault record, or nil when absent.
func (l *Ledger) Custody(id [32]byte) (*vault.CustodyVault, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.CustodyGet(id)
}

// VaultsByOwner returns all vaults created by the owner.
func (l *Ledger) VaultsByOwner(owner [20]byte) ([]*vault.UserVault, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.VaultsByOwner(owner)
}

// AuthsByOwner returns the outstanding repayment authorizations for the
// owner's vaults.
func (l *Ledger) AuthsByOwner(owner [20]byte) ([]*vault.RepaymentAuthorization, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.AuthsByOwner(owner)
}

// BorrowOrder returns the borrow order, or nil when absent.
func (l *Ledger) BorrowOrder(id [32]byte) (*market.BorrowOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.BorrowOrderGet(id)
}

// LendOrder returns the lend order, or nil when absent.
func (l *Ledger) LendOrder(id [32]byte) (*market.LendOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.LendOrderGet(id)
}

// OpenOrders enumerates orders with remaining capacity on both sides.
func (l *Ledger) OpenOrders() ([]*market.BorrowOrder, []*market.LendOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	borrows, err := l.manager.OpenBorrowOrders()
	if err != nil {
		return nil, nil, err
	}
	lends, err := l.manager.OpenLendOrders()
	if err != nil {
		return nil, nil, err
	}
	return borrows, lends, nil
}

// Position returns the loan position, or nil when absent.
func (l *Ledger) Position(id [32]byte) (*market.LoanPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.PositionGet(id)
}

// PositionsByBorrower returns all positions drawn against the borrower's
// vaults.
func (l *Ledger) PositionsByBorrower(borrower [20]byte) ([]*market.LoanPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.PositionsByBorrower(borrower)
}

// FillRequest returns the fill request, or nil when absent.
func (l *Ledger) FillRequest(id [32]byte) (*escrow.FillRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.FillRequestGet(id)
}

// Seizure returns the pending seizure for a vault, or nil when absent.
func (l *Ledger) Seizure(vaultID [32]byte) (*liquidation.Seizure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.SeizureGet(vaultID)
}

// EventsByParticipant returns the event log entries naming the bech32
// address as a participant. This is the discovery path for pending fill
// requests.
func (l *Ledger) EventsByParticipant(addr string) ([]*types.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.manager.EventsByParticipant(addr)
}
