package market

import (
	"errors"
	"math/big"

	nativecommon "rainchain/native/common"
)

var (
	// ErrInvalidAmount rejects zero or negative order and fill amounts.
	ErrInvalidAmount = errors.New("market: amount must be positive")
	// ErrAmountOverflow rejects amounts outside the ledger range.
	ErrAmountOverflow = errors.New("market: amount exceeds ledger range")
	// ErrInvalidRateBps rejects interest bounds above 10000 basis points.
	ErrInvalidRateBps = errors.New("market: interest rate out of range")
	// ErrInvalidDuration rejects zero-length loan terms.
	ErrInvalidDuration = errors.New("market: duration must be positive")
	// ErrIncompatibleOrders indicates the borrow and lend orders disagree on
	// duration or their rate bounds do not overlap.
	ErrIncompatibleOrders = errors.New("market: orders are not compatible")
	// ErrInsufficientRemaining indicates the fill amount exceeds an order's
	// unfilled capacity.
	ErrInsufficientRemaining = errors.New("market: fill exceeds remaining capacity")
)

// BorrowOrder is a borrower's open request for funds, backed by a vault.
// FilledAmount never exceeds Amount and only moves down when an escrow
// reservation is cancelled.
type BorrowOrder struct {
	ID             [32]byte
	Borrower       [20]byte
	VaultID        [32]byte
	Amount         *big.Int
	FilledAmount   *big.Int
	MaxInterestBps uint64
	DurationSecs   uint64
	Version        uint64
}

// NewBorrowOrder validates and constructs an unsubmitted borrow order. The
// identifier is assigned at submission time.
func NewBorrowOrder(borrower [20]byte, vaultID [32]byte, amount *big.Int, maxInterestBps, durationSecs uint64) (*BorrowOrder, error) {
	if err := validateOrderTerms(amount, maxInterestBps, durationSecs); err != nil {
		return nil, err
	}
	return &BorrowOrder{
		Borrower:       borrower,
		VaultID:        vaultID,
		Amount:         new(big.Int).Set(amount),
		FilledAmount:   big.NewInt(0),
		MaxInterestBps: maxInterestBps,
		DurationSecs:   durationSecs,
	}, nil
}

// Remaining reports the unfilled capacity of the order.
func (o *BorrowOrder) Remaining() *big.Int {
	return remaining(o.Amount, o.FilledAmount)
}

// Clone returns a deep copy of the order.
func (o *BorrowOrder) Clone() *BorrowOrder {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneBigInt(o.Amount)
	clone.FilledAmount = cloneBigInt(o.FilledAmount)
	return &clone
}

// LendOrder mirrors BorrowOrder for the lending side.
type LendOrder struct {
	ID             [32]byte
	Lender         [20]byte
	Amount         *big.Int
	FilledAmount   *big.Int
	MinInterestBps uint64
	DurationSecs   uint64
	Version        uint64
}

// NewLendOrder validates and constructs an unsubmitted lend order.
func NewLendOrder(lender [20]byte, amount *big.Int, minInterestBps, durationSecs uint64) (*LendOrder, error) {
	if err := validateOrderTerms(amount, minInterestBps, durationSecs); err != nil {
		return nil, err
	}
	return &LendOrder{
		Lender:         lender,
		Amount:         new(big.Int).Set(amount),
		FilledAmount:   big.NewInt(0),
		MinInterestBps: minInterestBps,
		DurationSecs:   durationSecs,
	}, nil
}

// Remaining reports the unfilled capacity of the order.
func (o *LendOrder) Remaining() *big.Int {
	return remaining(o.Amount, o.FilledAmount)
}

// Clone returns a deep copy of the order.
func (o *LendOrder) Clone() *LendOrder {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneBigInt(o.Amount)
	clone.FilledAmount = cloneBigInt(o.FilledAmount)
	return &clone
}

// LoanPosition is the receivable created when orders match. The settled rate
// is recorded on the position so rate selection stays auditable. Holder
// tracks the bearer, which changes on transfer; Lender remains the lender of
// record for repayment routing.
type LoanPosition struct {
	ID          [32]byte
	Borrower    [20]byte
	Lender      [20]byte
	Holder      [20]byte
	VaultID     [32]byte
	Principal   *big.Int
	Outstanding *big.Int
	RateBps     uint64
	TermSecs    uint64
	Settled     bool
	Version     uint64
}

// Clone returns a deep copy of the position.
func (p *LoanPosition) Clone() *LoanPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Principal = cloneBigInt(p.Principal)
	clone.Outstanding = cloneBigInt(p.Outstanding)
	return &clone
}

// CheckCompatibility verifies the fill preconditions shared by the direct
// fill and the escrow commit: equal durations, overlapping rate bounds and
// sufficient remaining capacity on both sides.
func CheckCompatibility(borrow *BorrowOrder, lend *LendOrder, fillAmount *big.Int) error {
	if fillAmount == nil || fillAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !nativecommon.FitsAmount(fillAmount) {
		return ErrAmountOverflow
	}
	if borrow.DurationSecs != lend.DurationSecs {
		return ErrIncompatibleOrders
	}
	if lend.MinInterestBps > borrow.MaxInterestBps {
		return ErrIncompatibleOrders
	}
	if borrow.Remaining().Cmp(fillAmount) < 0 {
		return ErrInsufficientRemaining
	}
	if lend.Remaining().Cmp(fillAmount) < 0 {
		return ErrInsufficientRemaining
	}
	return nil
}

// SettledRateBps returns the rate applied when the two orders match. The
// resting lend order's minimum bound is the settled rate; it is stored on
// the resulting position and echoed in events.
func SettledRateBps(borrow *BorrowOrder, lend *LendOrder) uint64 {
	return lend.MinInterestBps
}

func validateOrderTerms(amount *big.Int, rateBps, durationSecs uint64) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !nativecommon.FitsAmount(amount) {
		return ErrAmountOverflow
	}
	if rateBps > 10_000 {
		return ErrInvalidRateBps
	}
	if durationSecs == 0 {
		return ErrInvalidDuration
	}
	return nil
}

func remaining(amount, filled *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	if filled == nil {
		return new(big.Int).Set(amount)
	}
	rem := new(big.Int).Sub(amount, filled)
	if rem.Sign() < 0 {
		return big.NewInt(0)
	}
	return rem
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
