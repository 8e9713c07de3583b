package market

import "math/big"

// Course is the digital good traded on the marketplace. Retirement is a soft
// flag; a retired course keeps its purchase history but accepts no new buyers.
type Course struct {
	ID           uint64   `json:"id"`
	Owner        [20]byte `json:"owner"`
	Price        *big.Int `json:"price"`
	TotalLessons uint32   `json:"totalLessons"`
	Published    bool     `json:"published"`
	Retired      bool     `json:"retired"`
	CreatedAt    int64    `json:"createdAt"`
}

// Clone returns a deep copy of the course.
func (c *Course) Clone() *Course {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Price != nil {
		clone.Price = new(big.Int).Set(c.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// PurchaseRecord captures one buyer/course sale. It is written exactly once;
// Refunded is the only field mutated afterwards. The purchase-time fee split
// is frozen in SellerShare/ReferrerShare so a later fee-config change can
// never alter what a refund claws back.
type PurchaseRecord struct {
	Buyer         [20]byte `json:"buyer"`
	CourseID      uint64   `json:"courseId"`
	Purchased     bool     `json:"purchased"`
	Refunded      bool     `json:"refunded"`
	PricePaid     *big.Int `json:"pricePaid"`
	SellerShare   *big.Int `json:"sellerShare"`
	ReferrerShare *big.Int `json:"referrerShare"`
	Referrer      [20]byte `json:"referrer"`
	Receipt       [32]byte `json:"receipt"`
	PurchasedAt   int64    `json:"purchasedAt"`
}

// Clone returns a deep copy of the purchase record.
func (p *PurchaseRecord) Clone() *PurchaseRecord {
	if p == nil {
		return nil
	}
	clone := *p
	clone.PricePaid = cloneOrZero(p.PricePaid)
	clone.SellerShare = cloneOrZero(p.SellerShare)
	clone.ReferrerShare = cloneOrZero(p.ReferrerShare)
	return &clone
}

// Progress tracks per-buyer course consumption. Total == 0 is the sentinel
// for "never purchased"; Completed <= Total holds on every write.
type Progress struct {
	Buyer     [20]byte `json:"buyer"`
	CourseID  uint64   `json:"courseId"`
	Completed uint64   `json:"completed"`
	Total     uint64   `json:"total"`
	Percent   uint32   `json:"percent"`
	UpdatedAt int64    `json:"updatedAt"`
}

// Clone returns a copy of the progress entry.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// EarningsAccount is a seller's running settlement ledger. The invariant
// TotalEarned == Withdrawn + Pending holds after every mutation.
type EarningsAccount struct {
	Seller          [20]byte `json:"seller"`
	TotalEarned     *big.Int `json:"totalEarned"`
	Withdrawn       *big.Int `json:"withdrawn"`
	Pending         *big.Int `json:"pending"`
	LastWithdrawal  int64    `json:"lastWithdrawal"`
	WithdrawalTimes []int64  `json:"withdrawalTimes,omitempty"`
}

// Clone returns a deep copy of the earnings account.
func (a *EarningsAccount) Clone() *EarningsAccount {
	if a == nil {
		return nil
	}
	clone := *a
	clone.TotalEarned = cloneOrZero(a.TotalEarned)
	clone.Withdrawn = cloneOrZero(a.Withdrawn)
	clone.Pending = cloneOrZero(a.Pending)
	if a.WithdrawalTimes != nil {
		clone.WithdrawalTimes = append([]int64(nil), a.WithdrawalTimes...)
	}
	return &clone
}

// RefundRequest is the audit record of one refund decision. Requests are
// processed synchronously with their creation, so an unprocessed request is
// never observable from outside the engine.
type RefundRequest struct {
	ID          uint64   `json:"id"`
	CourseID    uint64   `json:"courseId"`
	Buyer       [20]byte `json:"buyer"`
	Amount      *big.Int `json:"amount"`
	RequestedAt int64    `json:"requestedAt"`
	Processed   bool     `json:"processed"`
	Approved    bool     `json:"approved"`
}

// Clone returns a deep copy of the refund request.
func (r *RefundRequest) Clone() *RefundRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneOrZero(r.Amount)
	return &clone
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func newEarnings(seller [20]byte) *EarningsAccount {
	return &EarningsAccount{
		Seller:      seller,
		TotalEarned: big.NewInt(0),
		Withdrawn:   big.NewInt(0),
		Pending:     big.NewInt(0),
	}
}

func isZeroAddress(addr [20]byte) bool {
	var zero [20]byte
	return addr == zero
}
