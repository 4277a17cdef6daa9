package types

import "math/big"

// Account tracks the spendable balances for one address. RUSD is the debt
// asset loans are denominated in; RAIN is the collateral asset. Both balances
// are integers in the smallest unit of their asset and never go negative.
type Account struct {
	Nonce       uint64   `json:"nonce"`
	BalanceRUSD *big.Int `json:"balanceRUSD"`
	BalanceRAIN *big.Int `json:"balanceRAIN"`
}

// EnsureAccount returns the account with nil balances replaced by zero so
// callers can operate on it without nil checks.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{BalanceRUSD: big.NewInt(0), BalanceRAIN: big.NewInt(0)}
	}
	if acc.BalanceRUSD == nil {
		acc.BalanceRUSD = big.NewInt(0)
	}
	if acc.BalanceRAIN == nil {
		acc.BalanceRAIN = big.NewInt(0)
	}
	return acc
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return EnsureAccount(nil)
	}
	clone := &Account{Nonce: a.Nonce, BalanceRUSD: big.NewInt(0), BalanceRAIN: big.NewInt(0)}
	if a.BalanceRUSD != nil {
		clone.BalanceRUSD = new(big.Int).Set(a.BalanceRUSD)
	}
	if a.BalanceRAIN != nil {
		clone.BalanceRAIN = new(big.Int).Set(a.BalanceRAIN)
	}
	return clone
}
