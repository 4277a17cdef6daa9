package common

import "math/big"

// MaxAmountBits caps every ledger amount at 128 bits. Balances are sums of
// such amounts and stay well inside what the RLP codec and downstream
// consumers handle, so the cap doubles as the overflow guard required on
// deposits and fills.
const MaxAmountBits = 128

// FitsAmount reports whether v is a non-negative integer within the ledger's
// amount range.
func FitsAmount(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.BitLen() <= MaxAmountBits
}
