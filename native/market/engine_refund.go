package market

import (
	"errors"
	"fmt"
	"math/big"
)

var hundred = big.NewInt(100)

// CanRefund reports whether a refund request by buyer for courseID would be
// approved right now. The answer is advisory: RequestRefund re-validates from
// scratch because no snapshot consistency holds across calls.
func (e *Engine) CanRefund(buyer [20]byte, courseID uint64) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	if err := e.rlock(); err != nil {
		return false, err
	}
	defer e.mu.RUnlock()
	err := e.checkRefundEligibility(buyer, courseID, e.now())
	if err == nil {
		return true, nil
	}
	switch {
	case isEligibilityError(err):
		return false, nil
	default:
		return false, err
	}
}

// RefundDenialReason returns the eligibility error a refund request would
// currently fail with, or nil when a refund would be approved. Advisory, like
// CanRefund.
func (e *Engine) RefundDenialReason(buyer [20]byte, courseID uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	return e.checkRefundEligibility(buyer, courseID, e.now())
}

func isEligibilityError(err error) bool {
	for _, candidate := range []error{
		ErrNotPurchased, ErrAlreadyRefunded, ErrHoldTimeActive,
		ErrWindowExpired, ErrProgressTooHigh,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

func (e *Engine) checkRefundEligibility(buyer [20]byte, courseID uint64, now int64) error {
	rec, ok, err := e.state.PurchaseGet(buyer, courseID)
	if err != nil {
		return err
	}
	if !ok || !rec.Purchased {
		return ErrNotPurchased
	}
	if rec.Refunded {
		return ErrAlreadyRefunded
	}
	if now < rec.PurchasedAt+e.params.MinHoldTime {
		return ErrHoldTimeActive
	}
	if now > rec.PurchasedAt+e.params.RefundWindow {
		return ErrWindowExpired
	}
	progress, ok, err := e.state.ProgressGet(buyer, courseID)
	if err != nil {
		return err
	}
	if ok && progress.Percent >= e.params.RefundThreshold {
		return fmt.Errorf("%w: %d%%", ErrProgressTooHigh, progress.Percent)
	}
	return nil
}

// RequestRefund files and synchronously processes a refund. Eligibility is
// re-checked defensively, the seller's frozen purchase-time share is clawed
// back from pending earnings, and the refund fraction of the price paid is
// returned to the buyer from escrow. A seller who already withdrew cannot be
// driven negative: the clawback failure refuses the refund instead.
func (e *Engine) RequestRefund(buyer [20]byte, courseID uint64) (*RefundRequest, error) {
	if e.tokens == nil {
		return nil, ErrNilTokens
	}
	var result *RefundRequest
	err := e.runTx(func() error {
		now := e.now()
		if err := e.checkRefundEligibility(buyer, courseID, now); err != nil {
			return err
		}
		rec, _, err := e.state.PurchaseGet(buyer, courseID)
		if err != nil {
			return err
		}

		fraction := new(big.Int).SetUint64(uint64(e.params.RefundFraction))
		refundAmount := new(big.Int).Mul(rec.PricePaid, fraction)
		refundAmount.Div(refundAmount, hundred)
		clawback := new(big.Int).Mul(rec.SellerShare, fraction)
		clawback.Div(clawback, hundred)

		course, ok, err := e.state.CourseGet(courseID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrCourseNotFound
		}

		// Effects.
		if err := e.debitSeller(course.Owner, clawback); err != nil {
			return err
		}
		if rec.ReferrerShare != nil && rec.ReferrerShare.Sign() > 0 {
			referralClaw := new(big.Int).Mul(rec.ReferrerShare, fraction)
			referralClaw.Div(referralClaw, hundred)
			if err := e.reduceReferrer(rec.Referrer, referralClaw); err != nil {
				return err
			}
		}
		rec.Refunded = true
		if err := e.state.PurchasePut(rec); err != nil {
			return err
		}
		id, err := e.state.RefundNextID()
		if err != nil {
			return err
		}
		req := &RefundRequest{
			ID:          id,
			CourseID:    courseID,
			Buyer:       buyer,
			Amount:      refundAmount,
			RequestedAt: now,
			Processed:   true,
			Approved:    true,
		}
		if err := e.state.RefundPut(req); err != nil {
			return err
		}

		// Interaction.
		if refundAmount.Sign() > 0 && !e.tokens.Transfer(e.escrow, buyer, refundAmount) {
			return fmt.Errorf("%w: refund payout", ErrTransferFailed)
		}

		e.emit(refundRequestedEvent(req))
		e.emit(refundProcessedEvent(req))
		if acct, ok, err := e.state.EarningsGet(course.Owner); err == nil && ok {
			e.emit(earningsUpdatedEvent(acct))
		}
		result = req.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// debitSeller claws amount back from both Pending and TotalEarned. The debit
// is refused, not clamped, when pending funds are short: a seller who already
// withdrew must not push the ledger negative.
func (e *Engine) debitSeller(seller [20]byte, amount *big.Int) error {
	acct, ok, err := e.state.EarningsGet(seller)
	if err != nil {
		return err
	}
	if !ok || acct == nil {
		acct = newEarnings(seller)
	}
	if acct.Pending.Cmp(amount) < 0 {
		return fmt.Errorf("%w: pending %s, clawback %s", ErrInsufficientEarnings, acct.Pending, amount)
	}
	acct.Pending = new(big.Int).Sub(acct.Pending, amount)
	acct.TotalEarned = new(big.Int).Sub(acct.TotalEarned, amount)
	if acct.TotalEarned.Sign() < 0 {
		return fmt.Errorf("%w: seller %s", ErrLedgerUnderflow, hexAddr(seller))
	}
	return e.state.EarningsPut(acct)
}

// reduceReferrer walks a referral reward back after a refund. The reduction
// floors at zero; referral rewards were paid out immediately so both sides of
// the ledger identity shrink together.
func (e *Engine) reduceReferrer(referrer [20]byte, amount *big.Int) error {
	if isZeroAddress(referrer) || amount.Sign() <= 0 {
		return nil
	}
	acct, ok, err := e.state.EarningsGet(referrer)
	if err != nil {
		return err
	}
	if !ok || acct == nil {
		return nil
	}
	reduction := new(big.Int).Set(amount)
	if acct.Withdrawn.Cmp(reduction) < 0 {
		reduction.Set(acct.Withdrawn)
	}
	if acct.TotalEarned.Cmp(reduction) < 0 {
		reduction.Set(acct.TotalEarned)
	}
	acct.Withdrawn = new(big.Int).Sub(acct.Withdrawn, reduction)
	acct.TotalEarned = new(big.Int).Sub(acct.TotalEarned, reduction)
	return e.state.EarningsPut(acct)
}

// RefundRequestOf returns a copy of a processed refund request.
func (e *Engine) RefundRequestOf(id uint64) (*RefundRequest, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	req, ok, err := e.state.RefundGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("market: refund request %d not found", id)
	}
	return req.Clone(), nil
}
