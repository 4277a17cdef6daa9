package liquidation

import (
	"encoding/hex"
	"strconv"

	"rainchain/core/types"
	"rainchain/crypto"
)

const (
	EventTypeSeized  = "liquidation.seized"
	EventTypeSettled = "liquidation.settled"
)

// NewSeizedEvent returns the payload appended when a vault's collateral is
// seized.
func NewSeizedEvent(s *Seizure) *types.Event {
	attrs := make(map[string]string)
	if s != nil {
		attrs["vaultId"] = hex.EncodeToString(s.VaultID[:])
		attrs["custodyId"] = hex.EncodeToString(s.CustodyID[:])
		attrs["owner"] = crypto.NewAddress(crypto.RainPrefix, s.Owner[:]).String()
		attrs["liquidator"] = crypto.NewAddress(crypto.RainPrefix, s.Liquidator[:]).String()
		attrs["collateral"] = s.Collateral.String()
		attrs["debtAtSeizure"] = s.DebtAtSeizure.String()
		attrs["seizedAtMs"] = strconv.FormatUint(s.SeizedAtMs, 10)
	}
	return &types.Event{Type: EventTypeSeized, Attributes: attrs}
}

// NewSettledEvent returns the payload appended when seized collateral is
// sold and the proceeds split.
func NewSettledEvent(s *Settlement) *types.Event {
	attrs := make(map[string]string)
	if s != nil {
		attrs["vaultId"] = hex.EncodeToString(s.VaultID[:])
		attrs["liquidator"] = crypto.NewAddress(crypto.RainPrefix, s.Liquidator[:]).String()
		attrs["proceeds"] = s.Proceeds.String()
		attrs["bonus"] = s.Bonus.String()
		attrs["debtRepaid"] = s.DebtRepaid.String()
		attrs["surplus"] = s.Surplus.String()
		attrs["shortfall"] = s.Shortfall.String()
	}
	return &types.Event{Type: EventTypeSettled, Attributes: attrs}
}
