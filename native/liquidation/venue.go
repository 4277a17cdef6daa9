package liquidation

import "math/big"

// Venue sells seized collateral for the debt asset on an external matching
// venue. poolRef names the venue-side pool, feeBudget caps venue fees and
// minOut is the venue-enforced slippage floor. The engine re-checks the
// returned amount against minOut regardless.
type Venue interface {
	Swap(poolRef [32]byte, input, feeBudget, minOut *big.Int) (*big.Int, error)
}
