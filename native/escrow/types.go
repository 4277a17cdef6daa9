package escrow

import "math/big"

// FillStatus is the lifecycle state of a two-phase fill request.
type FillStatus uint8

const (
	// FillPending means lender funds are locked and the borrower may still
	// complete the fill.
	FillPending FillStatus = iota
	// FillCompleted is terminal: the borrower claimed the funds.
	FillCompleted
	// FillCancelled is terminal: the lender reclaimed the funds after
	// expiry.
	FillCancelled
)

// Valid reports whether the status value is within the supported range.
func (s FillStatus) Valid() bool {
	switch s {
	case FillPending, FillCompleted, FillCancelled:
		return true
	default:
		return false
	}
}

// String renders the canonical lowercase status name.
func (s FillStatus) String() string {
	switch s {
	case FillPending:
		return "pending"
	case FillCompleted:
		return "completed"
	case FillCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FillRequest locks a lender's funds against a specific order pairing until
// the borrower completes the fill or the lender reclaims after expiry. The
// remaining capacity of both orders is reserved at commit time, so a pending
// request already counts as filled for capacity purposes. Rate and term are
// captured at commit so the eventual position settles on audited values.
type FillRequest struct {
	ID            [32]byte
	BorrowOrderID [32]byte
	LendOrderID   [32]byte
	Lender        [20]byte
	Borrower      [20]byte
	VaultID       [32]byte
	FillAmount    *big.Int
	LockedAmount  *big.Int
	RateBps       uint64
	TermSecs      uint64
	ExpiryMs      uint64
	Status        FillStatus
	Version       uint64
}

// Clone returns a deep copy of the fill request.
func (f *FillRequest) Clone() *FillRequest {
	if f == nil {
		return nil
	}
	clone := *f
	clone.FillAmount = cloneBigInt(f.FillAmount)
	clone.LockedAmount = cloneBigInt(f.LockedAmount)
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
