package escrow

import (
	"errors"
	"math/big"
	"time"

	"rainchain/core/events"
	"rainchain/core/types"
	nativecommon "rainchain/native/common"
	"rainchain/native/market"
	"rainchain/native/oracle"
	"rainchain/native/vault"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilFeed  = errors.New("escrow engine: oracle feed not configured")

	// ErrOrderNotFound indicates a referenced order is not in the book.
	ErrOrderNotFound = errors.New("escrow engine: order not found")
	// ErrInvalidExpiry rejects non-positive expiry windows.
	ErrInvalidExpiry = errors.New("escrow engine: expiry must be positive")
	// ErrFillRequestNotFound indicates the referenced request is unknown.
	ErrFillRequestNotFound = errors.New("escrow engine: fill request not found")
	// ErrAlreadyResolved indicates the request reached a terminal state;
	// Completed and Cancelled admit no further transitions.
	ErrAlreadyResolved = errors.New("escrow engine: fill request already resolved")
	// ErrNotBorrower indicates the caller is not the borrower of record.
	ErrNotBorrower = errors.New("escrow engine: caller is not the borrower")
	// ErrNotLender indicates the caller is not the lender of record.
	ErrNotLender = errors.New("escrow engine: caller is not the lender")
	// ErrExpired blocks completion at or past the expiry instant.
	ErrExpired = errors.New("escrow engine: fill request expired")
	// ErrNotExpired blocks cancellation before the expiry instant.
	ErrNotExpired = errors.New("escrow engine: fill request not yet expired")
	// ErrInsufficientFunds indicates the lender does not hold the amount
	// being locked.
	ErrInsufficientFunds = errors.New("escrow engine: lender lacks funds")
	// ErrVaultNotFound indicates the borrower vault is unknown.
	ErrVaultNotFound = errors.New("escrow engine: vault not found")
	// ErrVaultMismatch indicates the supplied vault is not the one the
	// committed borrow order is backed by.
	ErrVaultMismatch = errors.New("escrow engine: vault does not back fill request")
	// ErrUndercollateralized blocks completions that would push the
	// borrower past the liquidation threshold.
	ErrUndercollateralized = errors.New("escrow engine: fill would breach liquidation threshold")
)

const moduleName = "escrow"

type engineState interface {
	NextSequence() (uint64, error)
	FillRequestGet(id [32]byte) (*FillRequest, error)
	FillRequestPut(f *FillRequest) error
	BorrowOrderGet(id [32]byte) (*market.BorrowOrder, error)
	BorrowOrderPut(o *market.BorrowOrder) error
	LendOrderGet(id [32]byte) (*market.LendOrder, error)
	LendOrderPut(o *market.LendOrder) error
	PositionPut(p *market.LoanPosition) error
	VaultGet(id [32]byte) (*vault.UserVault, error)
	VaultPut(v *vault.UserVault) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine runs the two-phase fill protocol. A lender locks funds first; the
// borrower completes at will before expiry, or the lender reclaims after.
// Order capacity is reserved at commit time so pending requests and direct
// fills can never double-allocate the same remaining capacity.
type Engine struct {
	state         engineState
	feed          oracle.Feed
	escrowAddress [20]byte
	emitter       events.Emitter
	pauses        nativecommon.PauseView
}

// NewEngine constructs an escrow engine. escrowAddr is the module account
// that holds the locked lender funds of pending fill requests.
func NewEngine(escrowAddr [20]byte) *Engine {
	return &Engine{
		escrowAddress: escrowAddr,
		emitter:       events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetFeed wires the oracle consulted on completion.
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
	e.emitter.Emit(escrowEvent{evt: event})
}

// LenderCommitFill locks the lender's funds against an order pairing and
// reserves the fill amount on both orders' capacity immediately. The
// reservation is undone only by LenderCancelFill.
func (e *Engine) LenderCommitFill(lender [20]byte, borrowOrderID, lendOrderID [32]byte, fillAmount *big.Int, expiry time.Duration, now time.Time) (*FillRequest, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if expiry <= 0 {
		return nil, ErrInvalidExpiry
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
	if lendOrder.Lender != lender {
		return nil, ErrNotLender
	}
	if err := market.CheckCompatibility(borrowOrder, lendOrder, fillAmount); err != nil {
		return nil, err
	}

	lenderAcc, err := e.loadAccount(lender)
	if err != nil {
		return nil, err
	}
	if lenderAcc.BalanceRUSD.Cmp(fillAmount) < 0 {
		return nil, ErrInsufficientFunds
	}
	escrowAcc, err := e.loadAccount(e.escrowAddress)
	if err != nil {
		return nil, err
	}

	lenderAcc.BalanceRUSD = new(big.Int).Sub(lenderAcc.BalanceRUSD, fillAmount)
	escrowAcc.BalanceRUSD = new(big.Int).Add(escrowAcc.BalanceRUSD, fillAmount)

	if err := e.state.PutAccount(lender, lenderAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.escrowAddress, escrowAcc); err != nil {
		return nil, err
	}

	// Reservation: the committed amount counts as filled from this moment.
	borrowOrder.FilledAmount = new(big.Int).Add(borrowOrder.FilledAmount, fillAmount)
	lendOrder.FilledAmount = new(big.Int).Add(lendOrder.FilledAmount, fillAmount)

	if err := e.state.BorrowOrderPut(borrowOrder); err != nil {
		return nil, err
	}
	if err := e.state.LendOrderPut(lendOrder); err != nil {
		return nil, err
	}

	seq, err := e.state.NextSequence()
	if err != nil {
		return nil, err
	}
	request := &FillRequest{
		ID:            nativecommon.DeriveID("rain/fill", lender, seq),
		BorrowOrderID: borrowOrder.ID,
		LendOrderID:   lendOrder.ID,
		Lender:        lender,
		Borrower:      borrowOrder.Borrower,
		VaultID:       borrowOrder.VaultID,
		FillAmount:    new(big.Int).Set(fillAmount),
		LockedAmount:  new(big.Int).Set(fillAmount),
		RateBps:       market.SettledRateBps(borrowOrder, lendOrder),
		TermSecs:      borrowOrder.DurationSecs,
		ExpiryMs:      uint64(now.UnixMilli()) + uint64(expiry.Milliseconds()),
		Status:        FillPending,
	}
	if err := e.state.FillRequestPut(request); err != nil {
		return nil, err
	}
	e.emit(NewFillCommittedEvent(request))
	return request.Clone(), nil
}

// BorrowerCompleteFill releases the locked funds to the borrower before
// expiry, records the debt and creates the loan position.
func (e *Engine) BorrowerCompleteFill(borrower [20]byte, fillRequestID, vaultID [32]byte, feedID []byte, maxAge time.Duration, now time.Time) (*market.LoanPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.feed == nil {
		return nil, errNilFeed
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	request, err := e.state.FillRequestGet(fillRequestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, ErrFillRequestNotFound
	}
	if request.Status != FillPending {
		return nil, ErrAlreadyResolved
	}
	if request.Borrower != borrower {
		return nil, ErrNotBorrower
	}
	if uint64(now.UnixMilli()) >= request.ExpiryMs {
		return nil, ErrExpired
	}

	borrowerVault, err := e.state.VaultGet(vaultID)
	if err != nil {
		return nil, err
	}
	if borrowerVault == nil {
		return nil, ErrVaultNotFound
	}
	if request.VaultID != borrowerVault.ID {
		return nil, ErrVaultMismatch
	}
	if borrowerVault.Owner != borrower {
		return nil, ErrNotBorrower
	}

	price, err := e.feed.Price(feedID)
	if err != nil {
		return nil, err
	}
	if err := oracle.Fresh(price, now, maxAge); err != nil {
		return nil, err
	}

	projectedDebt := new(big.Int).Add(borrowerVault.Debt, request.FillAmount)
	if !market.PositionHealthy(borrowerVault, projectedDebt, price) {
		return nil, ErrUndercollateralized
	}

	escrowAcc, err := e.loadAccount(e.escrowAddress)
	if err != nil {
		return nil, err
	}
	if escrowAcc.BalanceRUSD.Cmp(request.LockedAmount) < 0 {
		return nil, ErrInsufficientFunds
	}
	borrowerAcc, err := e.loadAccount(borrower)
	if err != nil {
		return nil, err
	}

	escrowAcc.BalanceRUSD = new(big.Int).Sub(escrowAcc.BalanceRUSD, request.LockedAmount)
	borrowerAcc.BalanceRUSD = new(big.Int).Add(borrowerAcc.BalanceRUSD, request.LockedAmount)

	if err := e.state.PutAccount(e.escrowAddress, escrowAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(borrower, borrowerAcc); err != nil {
		return nil, err
	}

	borrowerVault.Debt = projectedDebt
	if err := e.state.VaultPut(borrowerVault); err != nil {
		return nil, err
	}

	seq, err := e.state.NextSequence()
	if err != nil {
		return nil, err
	}
	position := &market.LoanPosition{
		ID:          nativecommon.DeriveID("rain/position", request.Lender, seq),
		Borrower:    request.Borrower,
		Lender:      request.Lender,
		Holder:      request.Lender,
		VaultID:     borrowerVault.ID,
		Principal:   new(big.Int).Set(request.FillAmount),
		Outstanding: new(big.Int).Set(request.FillAmount),
		RateBps:     request.RateBps,
		TermSecs:    request.TermSecs,
	}
	if err := e.state.PositionPut(position); err != nil {
		return nil, err
	}

	request.LockedAmount = big.NewInt(0)
	request.Status = FillCompleted
	if err := e.state.FillRequestPut(request); err != nil {
		return nil, err
	}
	e.emit(NewFillCompletedEvent(request))
	return position.Clone(), nil
}

// LenderCancelFill returns the locked funds to the lender once the request
// has expired and restores the reserved capacity on both orders. This is the
// only transition that ever decreases a filled-amount counter.
func (e *Engine) LenderCancelFill(lender [20]byte, fillRequestID [32]byte, now time.Time) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}

	request, err := e.state.FillRequestGet(fillRequestID)
	if err != nil {
		return err
	}
	if request == nil {
		return ErrFillRequestNotFound
	}
	if request.Status != FillPending {
		return ErrAlreadyResolved
	}
	if request.Lender != lender {
		return ErrNotLender
	}
	if uint64(now.UnixMilli()) < request.ExpiryMs {
		return ErrNotExpired
	}

	escrowAcc, err := e.loadAccount(e.escrowAddress)
	if err != nil {
		return err
	}
	if escrowAcc.BalanceRUSD.Cmp(request.LockedAmount) < 0 {
		return ErrInsufficientFunds
	}
	lenderAcc, err := e.loadAccount(lender)
	if err != nil {
		return err
	}

	escrowAcc.BalanceRUSD = new(big.Int).Sub(escrowAcc.BalanceRUSD, request.LockedAmount)
	lenderAcc.BalanceRUSD = new(big.Int).Add(lenderAcc.BalanceRUSD, request.LockedAmount)

	if err := e.state.PutAccount(e.escrowAddress, escrowAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(lender, lenderAcc); err != nil {
		return err
	}

	borrowOrder, err := e.state.BorrowOrderGet(request.BorrowOrderID)
	if err != nil {
		return err
	}
	lendOrder, err := e.state.LendOrderGet(request.LendOrderID)
	if err != nil {
		return err
	}
	if borrowOrder == nil || lendOrder == nil {
		return ErrOrderNotFound
	}

	borrowOrder.FilledAmount = clampSub(borrowOrder.FilledAmount, request.FillAmount)
	lendOrder.FilledAmount = clampSub(lendOrder.FilledAmount, request.FillAmount)

	if err := e.state.BorrowOrderPut(borrowOrder); err != nil {
		return err
	}
	if err := e.state.LendOrderPut(lendOrder); err != nil {
		return err
	}

	request.LockedAmount = big.NewInt(0)
	request.Status = FillCancelled
	if err := e.state.FillRequestPut(request); err != nil {
		return err
	}
	e.emit(NewFillCancelledEvent(request))
	return nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return types.EnsureAccount(acc), nil
}

func clampSub(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}
