package escrow

import (
	"encoding/hex"
	"strconv"

	"rainchain/core/types"
	"rainchain/crypto"
)

const (
	EventTypeFillCommitted = "escrow.fill.committed"
	EventTypeFillCompleted = "escrow.fill.completed"
	EventTypeFillCancelled = "escrow.fill.cancelled"
)

// NewFillCommittedEvent returns the payload appended when a lender locks
// funds. This creation event is the discovery record for pending fill
// requests, so it carries both participants.
func NewFillCommittedEvent(f *FillRequest) *types.Event {
	return newFillEvent(EventTypeFillCommitted, f)
}

// NewFillCompletedEvent returns the payload for a borrower completion.
func NewFillCompletedEvent(f *FillRequest) *types.Event {
	return newFillEvent(EventTypeFillCompleted, f)
}

// NewFillCancelledEvent returns the payload for a lender cancellation.
func NewFillCancelledEvent(f *FillRequest) *types.Event {
	return newFillEvent(EventTypeFillCancelled, f)
}

func newFillEvent(eventType string, f *FillRequest) *types.Event {
	attrs := make(map[string]string)
	if f != nil {
		attrs["id"] = hex.EncodeToString(f.ID[:])
		attrs["borrowOrderId"] = hex.EncodeToString(f.BorrowOrderID[:])
		attrs["lendOrderId"] = hex.EncodeToString(f.LendOrderID[:])
		attrs["lender"] = crypto.NewAddress(crypto.RainPrefix, f.Lender[:]).String()
		attrs["borrower"] = crypto.NewAddress(crypto.RainPrefix, f.Borrower[:]).String()
		attrs["fillAmount"] = f.FillAmount.String()
		attrs["rateBps"] = strconv.FormatUint(f.RateBps, 10)
		attrs["expiryMs"] = strconv.FormatUint(f.ExpiryMs, 10)
		attrs["status"] = f.Status.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
