package token

import "math/big"

// Ledger is the external asset collaborator the settlement core moves funds
// through. Transfer results report success as a boolean; callers must treat a
// false return as a fatal transfer failure for the enclosing operation and
// roll back every effect already applied.
type Ledger interface {
	// BalanceOf reports the current balance of the supplied account. A nil
	// result is treated as zero.
	BalanceOf(addr [20]byte) *big.Int
	// Transfer moves amount between two accounts held by the collaborator.
	Transfer(from, to [20]byte, amount *big.Int) bool
	// TransferFrom pulls amount from a third party account into to. The
	// marketplace uses it to draw the purchase price into escrow.
	TransferFrom(from, to [20]byte, amount *big.Int) bool
}
