package vault

import "math/big"

// UserVault is the per-borrower bookkeeping record: outstanding debt, the
// liquidation threshold chosen at creation and a mirror of the collateral
// held by the linked custody vault. Vaults are never destroyed; a fully
// released vault persists at zero balances and may be reused.
type UserVault struct {
	ID                      [32]byte
	Owner                   [20]byte
	CustodyID               [32]byte
	CollateralBalance       *big.Int
	Debt                    *big.Int
	LiquidationThresholdBps uint64
	Version                 uint64
}

// Clone returns a deep copy of the vault record.
func (v *UserVault) Clone() *UserVault {
	if v == nil {
		return nil
	}
	clone := *v
	clone.CollateralBalance = cloneBigInt(v.CollateralBalance)
	clone.Debt = cloneBigInt(v.Debt)
	return &clone
}

// CustodyVault actually holds the locked collateral for one user vault. Its
// balance only grows via owner deposits and only shrinks via an authorized
// release or a liquidation seizure.
type CustodyVault struct {
	ID            [32]byte
	Owner         [20]byte
	VaultID       [32]byte
	LockedBalance *big.Int
	Version       uint64
}

// Clone returns a deep copy of the custody record.
func (c *CustodyVault) Clone() *CustodyVault {
	if c == nil {
		return nil
	}
	clone := *c
	clone.LockedBalance = cloneBigInt(c.LockedBalance)
	return &clone
}

// RepaymentAuthorization is a one-shot capability issued when a vault's debt
// is verified to be zero. Consuming it (release) deletes the record, so a
// fresh authorization must be requested for every withdrawal cycle.
type RepaymentAuthorization struct {
	ID       [32]byte
	VaultID  [32]byte
	IssuedAt uint64
	Version  uint64
}

// Clone returns a copy of the authorization record.
func (a *RepaymentAuthorization) Clone() *RepaymentAuthorization {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
