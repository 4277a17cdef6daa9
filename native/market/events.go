package market

import (
	"encoding/hex"
	"strconv"

	"rainchain/core/types"
	"rainchain/crypto"
)

const (
	EventTypeBorrowOrderSubmitted = "market.borrow_order.submitted"
	EventTypeLendOrderSubmitted   = "market.lend_order.submitted"
	EventTypeOrderFilled          = "market.order.filled"
	EventTypePositionRepaid       = "market.position.repaid"
	EventTypePositionTransferred  = "market.position.transferred"
)

// NewBorrowOrderSubmittedEvent returns the payload for a borrow order
// entering the book.
func NewBorrowOrderSubmittedEvent(o *BorrowOrder) *types.Event {
	attrs := make(map[string]string)
	if o != nil {
		attrs["orderId"] = hex.EncodeToString(o.ID[:])
		attrs["borrower"] = addressString(o.Borrower)
		attrs["vaultId"] = hex.EncodeToString(o.VaultID[:])
		attrs["amount"] = o.Amount.String()
		attrs["maxInterestBps"] = strconv.FormatUint(o.MaxInterestBps, 10)
		attrs["durationSecs"] = strconv.FormatUint(o.DurationSecs, 10)
	}
	return &types.Event{Type: EventTypeBorrowOrderSubmitted, Attributes: attrs}
}

// NewLendOrderSubmittedEvent returns the payload for a lend order entering
// the book.
func NewLendOrderSubmittedEvent(o *LendOrder) *types.Event {
	attrs := make(map[string]string)
	if o != nil {
		attrs["orderId"] = hex.EncodeToString(o.ID[:])
		attrs["lender"] = addressString(o.Lender)
		attrs["amount"] = o.Amount.String()
		attrs["minInterestBps"] = strconv.FormatUint(o.MinInterestBps, 10)
		attrs["durationSecs"] = strconv.FormatUint(o.DurationSecs, 10)
	}
	return &types.Event{Type: EventTypeLendOrderSubmitted, Attributes: attrs}
}

// NewOrderFilledEvent returns the payload for a match, carrying the applied
// rate so the selection policy stays auditable downstream.
func NewOrderFilledEvent(borrowID, lendID [32]byte, position *LoanPosition, fillAmount string) *types.Event {
	attrs := map[string]string{
		"borrowOrderId": hex.EncodeToString(borrowID[:]),
		"lendOrderId":   hex.EncodeToString(lendID[:]),
		"fillAmount":    fillAmount,
	}
	if position != nil {
		attrs["positionId"] = hex.EncodeToString(position.ID[:])
		attrs["borrower"] = addressString(position.Borrower)
		attrs["lender"] = addressString(position.Lender)
		attrs["rateBps"] = strconv.FormatUint(position.RateBps, 10)
		attrs["termSecs"] = strconv.FormatUint(position.TermSecs, 10)
	}
	return &types.Event{Type: EventTypeOrderFilled, Attributes: attrs}
}

// NewPositionRepaidEvent returns the payload for a repayment.
func NewPositionRepaidEvent(p *LoanPosition, amount string) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["positionId"] = hex.EncodeToString(p.ID[:])
		attrs["borrower"] = addressString(p.Borrower)
		attrs["outstanding"] = p.Outstanding.String()
		attrs["settled"] = strconv.FormatBool(p.Settled)
	}
	attrs["amount"] = amount
	return &types.Event{Type: EventTypePositionRepaid, Attributes: attrs}
}

// NewPositionTransferredEvent returns the payload for a bearer transfer.
func NewPositionTransferredEvent(p *LoanPosition, from, to [20]byte) *types.Event {
	attrs := map[string]string{
		"from": addressString(from),
		"to":   addressString(to),
	}
	if p != nil {
		attrs["positionId"] = hex.EncodeToString(p.ID[:])
	}
	return &types.Event{Type: EventTypePositionTransferred, Attributes: attrs}
}

func addressString(addr [20]byte) string {
	return crypto.NewAddress(crypto.RainPrefix, addr[:]).String()
}
