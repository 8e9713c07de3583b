package market

import "errors"

var (
	ErrNilState             = errors.New("market: state not configured")
	ErrNilTokens            = errors.New("market: token ledger not configured")
	ErrCourseNotFound       = errors.New("market: course not found")
	ErrNotOwner             = errors.New("market: caller is not the course owner")
	ErrNotCertified         = errors.New("market: instructor not certified")
	ErrPriceOutOfRange      = errors.New("market: price out of range")
	ErrActivePurchasers     = errors.New("market: course has active purchasers")
	ErrAlreadyPurchased     = errors.New("market: already purchased")
	ErrSelfPurchase         = errors.New("market: cannot purchase own course")
	ErrNotPublished         = errors.New("market: course not published")
	ErrInsufficientBalance  = errors.New("market: insufficient buyer balance")
	ErrNotPurchased         = errors.New("market: course not purchased")
	ErrAlreadyRefunded      = errors.New("market: purchase already refunded")
	ErrHoldTimeActive       = errors.New("market: refund hold time has not elapsed")
	ErrWindowExpired        = errors.New("market: refund window expired")
	ErrProgressTooHigh      = errors.New("market: course progress above refund threshold")
	ErrInsufficientEarnings = errors.New("market: insufficient pending earnings")
	ErrBelowMinWithdrawal   = errors.New("market: amount below minimum withdrawal")
	ErrCooldownActive       = errors.New("market: withdrawal cooldown active")
	ErrProgressOverflow     = errors.New("market: completed lessons exceed course total")
	ErrReferrerSet          = errors.New("market: referrer already set")
	ErrInvalidReferrer      = errors.New("market: invalid referrer")
	ErrTransferFailed       = errors.New("market: token transfer failed")
	ErrUnauthorized         = errors.New("market: unauthorized")
	ErrLedgerUnderflow      = errors.New("market: earnings ledger underflow")
)
