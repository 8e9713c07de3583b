package market

import (
	"fmt"
	"math/big"
)

// Withdraw drains a seller's pending earnings to their external balance. The
// pending balance must meet the configured minimum and the per-seller
// cooldown must have elapsed. The drain is all-or-nothing: Pending goes to
// zero, Withdrawn absorbs the full amount, and a failed transfer unwinds
// both.
func (e *Engine) Withdraw(seller [20]byte) (*big.Int, error) {
	if e.tokens == nil {
		return nil, ErrNilTokens
	}
	var amount *big.Int
	err := e.runTx(func() error {
		acct, ok, err := e.state.EarningsGet(seller)
		if err != nil {
			return err
		}
		if !ok || acct == nil || acct.Pending.Sign() == 0 {
			return ErrInsufficientEarnings
		}
		if acct.Pending.Cmp(e.params.MinWithdrawal) < 0 {
			return fmt.Errorf("%w: pending %s, minimum %s", ErrBelowMinWithdrawal, acct.Pending, e.params.MinWithdrawal)
		}
		now := e.now()
		if acct.LastWithdrawal != 0 && now < acct.LastWithdrawal+e.params.WithdrawCooldown {
			return fmt.Errorf("%w: next withdrawal at %d", ErrCooldownActive, acct.LastWithdrawal+e.params.WithdrawCooldown)
		}

		// Effects.
		drained := new(big.Int).Set(acct.Pending)
		acct.Withdrawn = new(big.Int).Add(acct.Withdrawn, drained)
		acct.Pending = big.NewInt(0)
		acct.LastWithdrawal = now
		acct.WithdrawalTimes = append(acct.WithdrawalTimes, now)
		if err := e.state.EarningsPut(acct); err != nil {
			return err
		}

		// Interaction.
		if !e.tokens.Transfer(e.escrow, seller, drained) {
			return fmt.Errorf("%w: withdrawal payout", ErrTransferFailed)
		}

		e.emit(withdrawalCompletedEvent(seller, drained.String()))
		e.emit(earningsUpdatedEvent(acct))
		amount = drained
		return nil
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}
