package types

import "math/big"

// Account tracks the single-asset balance held by a marketplace participant.
// Balances live outside the settlement core; the in-memory store keeps them
// only so the token collaborator can be exercised without an external chain.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}

// EnsureAccount normalises a possibly-nil account into a usable value.
func EnsureAccount(a *Account) *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}
