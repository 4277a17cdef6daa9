package vault

import (
	"encoding/hex"
	"strconv"

	"rainchain/core/types"
	"rainchain/crypto"
)

const (
	EventTypeVaultCreated = "vault.created"
	EventTypeDeposited    = "vault.deposited"
	EventTypeAuthIssued   = "vault.auth_issued"
	EventTypeReleased     = "vault.released"
)

// NewCreatedEvent returns the canonical payload for a freshly created vault
// pair.
func NewCreatedEvent(v *UserVault, c *CustodyVault) *types.Event {
	attrs := vaultAttributes(v)
	if c != nil {
		attrs["custodyId"] = hex.EncodeToString(c.ID[:])
	}
	return &types.Event{Type: EventTypeVaultCreated, Attributes: attrs}
}

// NewDepositedEvent returns the payload emitted after a collateral deposit.
func NewDepositedEvent(v *UserVault, amount string) *types.Event {
	attrs := vaultAttributes(v)
	attrs["amount"] = amount
	return &types.Event{Type: EventTypeDeposited, Attributes: attrs}
}

// NewAuthIssuedEvent returns the payload emitted when a repayment
// authorization is granted.
func NewAuthIssuedEvent(a *RepaymentAuthorization, owner [20]byte) *types.Event {
	attrs := map[string]string{
		"owner": crypto.NewAddress(crypto.RainPrefix, owner[:]).String(),
	}
	if a != nil {
		attrs["id"] = hex.EncodeToString(a.ID[:])
		attrs["vaultId"] = hex.EncodeToString(a.VaultID[:])
		attrs["issuedAt"] = strconv.FormatUint(a.IssuedAt, 10)
	}
	return &types.Event{Type: EventTypeAuthIssued, Attributes: attrs}
}

// NewReleasedEvent returns the payload emitted when custody funds return to
// the vault owner.
func NewReleasedEvent(v *UserVault, amount string) *types.Event {
	attrs := vaultAttributes(v)
	attrs["amount"] = amount
	return &types.Event{Type: EventTypeReleased, Attributes: attrs}
}

func vaultAttributes(v *UserVault) map[string]string {
	attrs := make(map[string]string)
	if v == nil {
		return attrs
	}
	attrs["vaultId"] = hex.EncodeToString(v.ID[:])
	attrs["owner"] = crypto.NewAddress(crypto.RainPrefix, v.Owner[:]).String()
	attrs["collateral"] = v.CollateralBalance.String()
	attrs["debt"] = v.Debt.String()
	attrs["thresholdBps"] = strconv.FormatUint(v.LiquidationThresholdBps, 10)
	return attrs
}
