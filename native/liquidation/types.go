package liquidation

import "math/big"

// ShortfallPolicy controls what happens to debt the sale proceeds cannot
// cover.
type ShortfallPolicy string

const (
	// ShortfallCarry leaves uncovered debt on the vault so future deposits
	// still back it.
	ShortfallCarry ShortfallPolicy = "carry"
	// ShortfallAbsorb zeroes the vault debt and books the uncovered amount
	// on a module deficit record.
	ShortfallAbsorb ShortfallPolicy = "absorb"
)

// Valid reports whether the policy is one of the supported modes.
func (p ShortfallPolicy) Valid() bool {
	return p == ShortfallCarry || p == ShortfallAbsorb
}

// Seizure is the pending-settlement lot created when a vault is liquidated.
// The seized collateral sits on the liquidation module account until the
// liquidator sells it; the vault debt stays in place until then. At most one
// seizure per vault is outstanding, keyed by the vault id.
type Seizure struct {
	VaultID       [32]byte
	CustodyID     [32]byte
	Owner         [20]byte
	Liquidator    [20]byte
	Collateral    *big.Int
	DebtAtSeizure *big.Int
	SeizedAtMs    uint64
	Version       uint64
}

// Clone returns a deep copy of the seizure.
func (s *Seizure) Clone() *Seizure {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Collateral = cloneBigInt(s.Collateral)
	clone.DebtAtSeizure = cloneBigInt(s.DebtAtSeizure)
	return &clone
}

// Deficit accumulates debt written off under the absorb shortfall policy,
// per vault. It is an accounting record only; nothing draws on it.
type Deficit struct {
	VaultID [32]byte
	Amount  *big.Int
	Version uint64
}

// Clone returns a deep copy of the deficit record.
func (d *Deficit) Clone() *Deficit {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneBigInt(d.Amount)
	return &clone
}

// Settlement summarises one completed collateral sale.
type Settlement struct {
	VaultID    [32]byte
	Liquidator [20]byte
	Proceeds   *big.Int
	Bonus      *big.Int
	DebtRepaid *big.Int
	Surplus    *big.Int
	Shortfall  *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
