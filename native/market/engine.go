package market

import (
	"errors"
	"math/big"
	"time"

	"rainchain/core/events"
	"rainchain/core/types"
	nativecommon "rainchain/native/common"
	"rainchain/native/oracle"
	"rainchain/native/vault"
)

var (
	errNilState = errors.New("market engine: state not configured")
	errNilFeed  = errors.New("market engine: oracle feed not configured")

	// ErrOrderNotFound indicates a referenced order is not in the book.
	ErrOrderNotFound = errors.New("market engine: order not found")
	// ErrVaultNotFound indicates the referenced borrower vault is unknown.
	ErrVaultNotFound = errors.New("market engine: vault not found")
	// ErrVaultMismatch indicates the supplied vault is not the one the
	// borrow order was posted against.
	ErrVaultMismatch = errors.New("market engine: vault does not back order")
	// ErrNotOwner indicates the caller does not own the referenced vault.
	ErrNotOwner = errors.New("market engine: caller does not own vault")
	// ErrNotHolder indicates the caller does not hold the position.
	ErrNotHolder = errors.New("market engine: caller does not hold position")
	// ErrInsufficientFunds indicates the filling party does not hold the
	// loan-asset amount being disbursed.
	ErrInsufficientFunds = errors.New("market engine: filler lacks funds")
	// ErrUndercollateralized blocks fills that would push the borrower's
	// loan-to-value at or above the vault's liquidation threshold.
	ErrUndercollateralized = errors.New("market engine: fill would breach liquidation threshold")
	// ErrPositionNotFound indicates the referenced position is unknown.
	ErrPositionNotFound = errors.New("market engine: position not found")
	// ErrPositionMismatch indicates the position is not backed by the
	// supplied vault.
	ErrPositionMismatch = errors.New("market engine: position not backed by vault")
	// ErrPositionSettled indicates the position has been fully repaid.
	ErrPositionSettled = errors.New("market engine: position already settled")
	// ErrOverRepayment rejects repayments above the outstanding debt. The
	// excess is never silently refunded.
	ErrOverRepayment = errors.New("market engine: repayment exceeds outstanding debt")
)

const moduleName = "market"

var basisPoints = big.NewInt(10_000)

type engineState interface {
	NextSequence() (uint64, error)
	BorrowOrderGet(id [32]byte) (*BorrowOrder, error)
	BorrowOrderPut(o *BorrowOrder) error
	LendOrderGet(id [32]byte) (*LendOrder, error)
	LendOrderPut(o *LendOrder) error
	PositionGet(id [32]byte) (*LoanPosition, error)
	PositionPut(p *LoanPosition) error
	VaultGet(id [32]byte) (*vault.UserVault, error)
	VaultPut(v *vault.UserVault) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine runs the shared order book: submissions, the single-transaction
// direct fill, repayment and bearer transfer of loan positions.
type Engine struct {
	state   engineState
	feed    oracle.Feed
	emitter events.Emitter
	pauses  nativecommon.PauseView
}

// NewEngine constructs a market engine.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetFeed wires the oracle consulted on fills.
func (e *Engine) SetFeed(feed oracle.Feed) { e.feed = feed }

// SetPauses wires the administrative pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

// SubmitBorrowOrder assigns an identifier to the validated order and inserts
// it into the book. The backing vault must exist and belong to the borrower.
func (e *Engine) SubmitBorrowOrder(borrower [20]byte, order *BorrowOrder) (*BorrowOrder, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrInvalidAmount
	}
	if err := validateOrderTerms(order.Amount, order.MaxInterestBps, order.DurationSecs); err != nil {
		return nil, err
	}
	backing, err := e.state.VaultGet(order.VaultID)
	if err != nil {
		return nil, err
	}
	if backing == nil {
		return nil, ErrVaultNotFound
	}
	if backing.Owner != borrower {
		return nil, ErrNotOwner
	}

	seq, err := e.state.NextSequence()
	if err != nil {
		return nil, err
	}
	stored := order.Clone()
	stored.ID = nativecommon.DeriveID("rain/order/borrow", borrower, seq)
	stored.Borrower = borrower
	stored.FilledAmount = big.NewInt(0)
	stored.Version = 0
	if err := e.state.BorrowOrderPut(stored); err != nil {
		return nil, err
	}
	e.emit(NewBorrowOrderSubmittedEvent(stored))
	return stored.Clone(), nil
}

// SubmitLendOrder assigns an identifier to the validated order and inserts it
// into the book.
func (e *Engine) SubmitLendOrder(lender [20]byte, order *LendOrder) (*LendOrder, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrInvalidAmount
	}
	if err := validateOrderTerms(order.Amount, order.MinInterestBps, order.DurationSecs); err != nil {
		return nil, err
	}

	seq, err := e.state.NextSequence()
	if err != nil {
		return nil, err
	}
	stored := order.Clone()
	stored.ID = nativecommon.DeriveID("rain/order/lend", lender, seq)
	stored.Lender = lender
	stored.FilledAmount = big.NewInt(0)
	stored.Version = 0
	if err := e.state.LendOrderPut(stored); err != nil {
		return nil, err
	}
	e.emit(NewLendOrderSubmittedEvent(stored))
	return stored.Clone(), nil
}

// FillOrder matches a borrow order against a lend order in a single atomic
// transaction: the filler's funds move to the borrower, both filled counters
// advance, the borrower's debt grows and a loan position is created. The
// filler must already hold the loan-asset funds.
func (e *Engine) FillOrder(filler [20]byte, borrowOrderID, lendOrderID, vaultID [32]byte, fillAmount *big.Int, feedID []byte, maxAge time.Duration, now time.Time) (*LoanPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.feed == nil {
		return nil, errNilFeed
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	borrowOrder, err := e.state.BorrowOrderGet(borrowOrderID)
	if err != nil {
		return nil, err
	}
	if borrowOrder == nil {
		return nil, ErrOrderNotFound
	}
	lendOrder, err := e.state.LendOrderGet(lendOrderID)
	if err != nil {
		return nil, err
	}
	if lendOrder == nil {
		return nil, ErrOrderNotFound
	}
	if err := CheckCompatibility(borrowOrder, lendOrder, fillAmount); err != nil {
		return nil, err
	}

	borrowerVault, err := e.state.VaultGet(vaultID)
	if err != nil {
		return nil, err
	}
	if borrowerVault == nil {
		return nil, ErrVaultNotFound
	}
	if borrowOrder.VaultID != borrowerVault.ID {
		return nil, ErrVaultMismatch
	}

	price, err := e.feed.Price(feedID)
	if err != nil {
		return nil, err
	}
	if err := oracle.Fresh(price, now, maxAge); err != nil {
		return nil, err
	}

	projectedDebt := new(big.Int).Add(borrowerVault.Debt, fillAmount)
	if !PositionHealthy(borrowerVault, projectedDebt, price) {
		return nil, ErrUndercollateralized
	}

	fillerAcc, err := e.loadAccount(filler)
	if err != nil {
		return nil, err
	}
	if fillerAcc.BalanceRUSD.Cmp(fillAmount) < 0 {
		return nil, ErrInsufficientFunds
	}
	borrowerAcc, err := e.loadAccount(borrowOrder.Borrower)
	if err != nil {
		return nil, err
	}

	fillerAcc.BalanceRUSD = new(big.Int).Sub(fillerAcc.BalanceRUSD, fillAmount)
	borrowerAcc.BalanceRUSD = new(big.Int).Add(borrowerAcc.BalanceRUSD, fillAmount)

	if err := e.state.PutAccount(filler, fillerAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(borrowOrder.Borrower, borrowerAcc); err != nil {
		return nil, err
	}

	borrowOrder.FilledAmount = new(big.Int).Add(borrowOrder.FilledAmount, fillAmount)
	lendOrder.FilledAmount = new(big.Int).Add(lendOrder.FilledAmount, fillAmount)
	borrowerVault.Debt = projectedDebt

	position, err := e.createPosition(borrowOrder, lendOrder, borrowerVault.ID, fillAmount)
	if err != nil {
		return nil, err
	}

	if err := e.state.BorrowOrderPut(borrowOrder); err != nil {
		return nil, err
	}
	if err := e.state.LendOrderPut(lendOrder); err != nil {
		return nil, err
	}
	if err := e.state.VaultPut(borrowerVault); err != nil {
		return nil, err
	}
	e.emit(NewOrderFilledEvent(borrowOrder.ID, lendOrder.ID, position, fillAmount.String()))
	return position.Clone(), nil
}

// CreatePositionFor creates and persists a loan position for a fill settled
// outside the direct path (the escrow completion). The applied rate follows
// the same policy as FillOrder.
func (e *Engine) CreatePositionFor(borrowOrder *BorrowOrder, lendOrder *LendOrder, vaultID [32]byte, fillAmount *big.Int) (*LoanPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	position, err := e.createPosition(borrowOrder, lendOrder, vaultID, fillAmount)
	if err != nil {
		return nil, err
	}
	return position.Clone(), nil
}

func (e *Engine) createPosition(borrowOrder *BorrowOrder, lendOrder *LendOrder, vaultID [32]byte, fillAmount *big.Int) (*LoanPosition, error) {
	seq, err := e.state.NextSequence()
	if err != nil {
		return nil, err
	}
	position := &LoanPosition{
		ID:          nativecommon.DeriveID("rain/position", lendOrder.Lender, seq),
		Borrower:    borrowOrder.Borrower,
		Lender:      lendOrder.Lender,
		Holder:      lendOrder.Lender,
		VaultID:     vaultID,
		Principal:   new(big.Int).Set(fillAmount),
		Outstanding: new(big.Int).Set(fillAmount),
		RateBps:     SettledRateBps(borrowOrder, lendOrder),
		TermSecs:    borrowOrder.DurationSecs,
	}
	if err := e.state.PositionPut(position); err != nil {
		return nil, err
	}
	return position, nil
}

// RepayPosition pays down the borrower's debt through a held position. The
// repayment moves loan-asset funds from the vault owner to the lender of
// record; amounts above the outstanding debt are rejected outright.
func (e *Engine) RepayPosition(caller [20]byte, vaultID, positionID [32]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	borrowerVault, err := e.state.VaultGet(vaultID)
	if err != nil {
		return err
	}
	if borrowerVault == nil {
		return ErrVaultNotFound
	}
	if borrowerVault.Owner != caller {
		return ErrNotOwner
	}
	position, err := e.state.PositionGet(positionID)
	if err != nil {
		return err
	}
	if position == nil {
		return ErrPositionNotFound
	}
	if position.VaultID != borrowerVault.ID {
		return ErrPositionMismatch
	}
	if position.Settled {
		return ErrPositionSettled
	}
	if position.Holder != caller {
		return ErrNotHolder
	}
	if amount.Cmp(borrowerVault.Debt) > 0 || amount.Cmp(position.Outstanding) > 0 {
		return ErrOverRepayment
	}

	callerAcc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if callerAcc.BalanceRUSD.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	lenderAcc, err := e.loadAccount(position.Lender)
	if err != nil {
		return err
	}

	callerAcc.BalanceRUSD = new(big.Int).Sub(callerAcc.BalanceRUSD, amount)
	lenderAcc.BalanceRUSD = new(big.Int).Add(lenderAcc.BalanceRUSD, amount)

	if err := e.state.PutAccount(caller, callerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(position.Lender, lenderAcc); err != nil {
		return err
	}

	borrowerVault.Debt = new(big.Int).Sub(borrowerVault.Debt, amount)
	position.Outstanding = new(big.Int).Sub(position.Outstanding, amount)
	if position.Outstanding.Sign() == 0 {
		position.Settled = true
	}

	if err := e.state.VaultPut(borrowerVault); err != nil {
		return err
	}
	if err := e.state.PositionPut(position); err != nil {
		return err
	}
	e.emit(NewPositionRepaidEvent(position, amount.String()))
	return nil
}

// TransferPosition moves the bearer receivable to a new holder, typically
// from the lender to the borrower ahead of self-repayment bookkeeping.
func (e *Engine) TransferPosition(holder [20]byte, positionID [32]byte, recipient [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	position, err := e.state.PositionGet(positionID)
	if err != nil {
		return err
	}
	if position == nil {
		return ErrPositionNotFound
	}
	if position.Holder != holder {
		return ErrNotHolder
	}
	if position.Settled {
		return ErrPositionSettled
	}
	position.Holder = recipient
	if err := e.state.PositionPut(position); err != nil {
		return err
	}
	e.emit(NewPositionTransferredEvent(position, holder, recipient))
	return nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return types.EnsureAccount(acc), nil
}

// PositionHealthy reports whether the projected debt stays strictly below
// the vault's liquidation threshold at the supplied price. The escrow
// completion path applies the same health gate.
func PositionHealthy(v *vault.UserVault, projectedDebt *big.Int, price oracle.Price) bool {
	if projectedDebt == nil || projectedDebt.Sign() == 0 {
		return true
	}
	value := oracle.CollateralValue(v.CollateralBalance, price)
	if value.Sign() == 0 {
		return false
	}
	// debt*10000 < value*threshold keeps LTV under the threshold.
	ltv := new(big.Int).Mul(projectedDebt, basisPoints)
	bound := new(big.Int).Mul(value, new(big.Int).SetUint64(v.LiquidationThresholdBps))
	return ltv.Cmp(bound) < 0
}
