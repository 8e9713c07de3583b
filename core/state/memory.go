package state

import (
	"math/big"

	"coursemarket/core/types"
	"coursemarket/native/market"
)

type progressKey struct {
	buyer    [20]byte
	courseID uint64
}

type purchaseKey struct {
	buyer    [20]byte
	courseID uint64
}

// Memory is the single exclusive owner of every ledger map in the settlement
// core. It also hosts the in-memory token ledger so the daemon and tests can
// exercise the asset collaborator without an external chain. The store is not
// safe for concurrent use: the transaction model serializes every operation,
// and the engines' reentrancy guard rejects nested entry.
type Memory struct {
	accounts     map[[20]byte]*types.Account
	courses      map[uint64]*market.Course
	nextCourseID uint64
	purchases    map[purchaseKey]*market.PurchaseRecord
	buyerCourses map[[20]byte][]uint64
	courseBuyers map[uint64][][20]byte
	progress     map[progressKey]*market.Progress
	earnings     map[[20]byte]*market.EarningsAccount
	refunds      map[uint64]*market.RefundRequest
	nextRefundID uint64
	referrers    map[[20]byte][20]byte
	certified    map[[20]byte]bool

	snapshots []*Memory
}

// NewMemory returns an empty store. Course and refund ids start at 1 so zero
// stays a reliable "unset" sentinel.
func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[[20]byte]*types.Account),
		courses:      make(map[uint64]*market.Course),
		nextCourseID: 1,
		purchases:    make(map[purchaseKey]*market.PurchaseRecord),
		buyerCourses: make(map[[20]byte][]uint64),
		courseBuyers: make(map[uint64][][20]byte),
		progress:     make(map[progressKey]*market.Progress),
		earnings:     make(map[[20]byte]*market.EarningsAccount),
		refunds:      make(map[uint64]*market.RefundRequest),
		nextRefundID: 1,
		referrers:    make(map[[20]byte][20]byte),
		certified:    make(map[[20]byte]bool),
	}
}

func (m *Memory) copyState() *Memory {
	clone := NewMemory()
	clone.nextCourseID = m.nextCourseID
	clone.nextRefundID = m.nextRefundID
	for addr, acc := range m.accounts {
		clone.accounts[addr] = acc.Clone()
	}
	for id, course := range m.courses {
		clone.courses[id] = course.Clone()
	}
	for key, rec := range m.purchases {
		clone.purchases[key] = rec.Clone()
	}
	for buyer, ids := range m.buyerCourses {
		clone.buyerCourses[buyer] = append([]uint64(nil), ids...)
	}
	for id, buyers := range m.courseBuyers {
		clone.courseBuyers[id] = append([][20]byte(nil), buyers...)
	}
	for key, p := range m.progress {
		clone.progress[key] = p.Clone()
	}
	for seller, acct := range m.earnings {
		clone.earnings[seller] = acct.Clone()
	}
	for id, req := range m.refunds {
		clone.refunds[id] = req.Clone()
	}
	for buyer, referrer := range m.referrers {
		clone.referrers[buyer] = referrer
	}
	for addr := range m.certified {
		clone.certified[addr] = true
	}
	return clone
}

// Snapshot records the current state and returns a handle for RevertToSnapshot.
func (m *Memory) Snapshot() int {
	m.snapshots = append(m.snapshots, m.copyState())
	return len(m.snapshots) - 1
}

// RevertToSnapshot restores the state captured by the matching Snapshot call
// and discards any snapshots taken after it. Unknown handles are ignored.
func (m *Memory) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	restored := m.snapshots[id]
	m.accounts = restored.accounts
	m.courses = restored.courses
	m.nextCourseID = restored.nextCourseID
	m.purchases = restored.purchases
	m.buyerCourses = restored.buyerCourses
	m.courseBuyers = restored.courseBuyers
	m.progress = restored.progress
	m.earnings = restored.earnings
	m.refunds = restored.refunds
	m.nextRefundID = restored.nextRefundID
	m.referrers = restored.referrers
	m.certified = restored.certified
	m.snapshots = m.snapshots[:id]
}

// DiscardSnapshot drops the snapshot handle after a committed operation so
// memory does not grow with transaction count.
func (m *Memory) DiscardSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.snapshots = m.snapshots[:id]
}

// --- market engine state ---

func (m *Memory) CourseGet(id uint64) (*market.Course, bool, error) {
	course, ok := m.courses[id]
	if !ok {
		return nil, false, nil
	}
	return course.Clone(), true, nil
}

func (m *Memory) CoursePut(course *market.Course) error {
	if course == nil {
		return nil
	}
	m.courses[course.ID] = course.Clone()
	return nil
}

func (m *Memory) CourseNextID() (uint64, error) {
	id := m.nextCourseID
	m.nextCourseID++
	return id, nil
}

func (m *Memory) PurchaseGet(buyer [20]byte, courseID uint64) (*market.PurchaseRecord, bool, error) {
	rec, ok := m.purchases[purchaseKey{buyer: buyer, courseID: courseID}]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *Memory) PurchasePut(rec *market.PurchaseRecord) error {
	if rec == nil {
		return nil
	}
	m.purchases[purchaseKey{buyer: rec.Buyer, courseID: rec.CourseID}] = rec.Clone()
	return nil
}

func (m *Memory) BuyerCourses(buyer [20]byte) ([]uint64, error) {
	return append([]uint64(nil), m.buyerCourses[buyer]...), nil
}

func (m *Memory) BuyerCoursesAppend(buyer [20]byte, courseID uint64) error {
	m.buyerCourses[buyer] = append(m.buyerCourses[buyer], courseID)
	return nil
}

func (m *Memory) CourseBuyers(courseID uint64) ([][20]byte, error) {
	return append([][20]byte(nil), m.courseBuyers[courseID]...), nil
}

func (m *Memory) CourseBuyersAppend(courseID uint64, buyer [20]byte) error {
	m.courseBuyers[courseID] = append(m.courseBuyers[courseID], buyer)
	return nil
}

func (m *Memory) ProgressGet(buyer [20]byte, courseID uint64) (*market.Progress, bool, error) {
	p, ok := m.progress[progressKey{buyer: buyer, courseID: courseID}]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *Memory) ProgressPut(p *market.Progress) error {
	if p == nil {
		return nil
	}
	m.progress[progressKey{buyer: p.Buyer, courseID: p.CourseID}] = p.Clone()
	return nil
}

func (m *Memory) EarningsGet(seller [20]byte) (*market.EarningsAccount, bool, error) {
	acct, ok := m.earnings[seller]
	if !ok {
		return nil, false, nil
	}
	return acct.Clone(), true, nil
}

func (m *Memory) EarningsPut(acct *market.EarningsAccount) error {
	if acct == nil {
		return nil
	}
	m.earnings[acct.Seller] = acct.Clone()
	return nil
}

func (m *Memory) RefundNextID() (uint64, error) {
	id := m.nextRefundID
	m.nextRefundID++
	return id, nil
}

func (m *Memory) RefundGet(id uint64) (*market.RefundRequest, bool, error) {
	req, ok := m.refunds[id]
	if !ok {
		return nil, false, nil
	}
	return req.Clone(), true, nil
}

func (m *Memory) RefundPut(req *market.RefundRequest) error {
	if req == nil {
		return nil
	}
	m.refunds[req.ID] = req.Clone()
	return nil
}

func (m *Memory) ReferrerGet(buyer [20]byte) ([20]byte, bool, error) {
	referrer, ok := m.referrers[buyer]
	return referrer, ok, nil
}

func (m *Memory) ReferrerPut(buyer [20]byte, referrer [20]byte) error {
	m.referrers[buyer] = referrer
	return nil
}

// --- certification registry state ---

func (m *Memory) InstructorCertify(addr [20]byte) error {
	m.certified[addr] = true
	return nil
}

func (m *Memory) InstructorRevoke(addr [20]byte) error {
	delete(m.certified, addr)
	return nil
}

func (m *Memory) InstructorIsCertified(addr [20]byte) bool {
	return m.certified[addr]
}

// --- token ledger ---

// Mint credits a balance directly. Funding helper for the daemon genesis and
// tests; not part of the collaborator interface the engines see.
func (m *Memory) Mint(addr [20]byte, amount *big.Int) {
	acc := types.EnsureAccount(m.accounts[addr])
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	m.accounts[addr] = acc
}

// BalanceOf implements token.Ledger.
func (m *Memory) BalanceOf(addr [20]byte) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok || acc.Balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.Balance)
}

// Transfer implements token.Ledger. It reports false on a nil or negative
// amount and on insufficient funds.
func (m *Memory) Transfer(from, to [20]byte, amount *big.Int) bool {
	return m.move(from, to, amount)
}

// TransferFrom implements token.Ledger. The in-memory ledger trusts the
// settlement core as its sole operator, so no allowance bookkeeping exists.
func (m *Memory) TransferFrom(from, to [20]byte, amount *big.Int) bool {
	return m.move(from, to, amount)
}

func (m *Memory) move(from, to [20]byte, amount *big.Int) bool {
	if amount == nil || amount.Sign() < 0 {
		return false
	}
	if amount.Sign() == 0 {
		return true
	}
	fromAcc := types.EnsureAccount(m.accounts[from])
	if fromAcc.Balance.Cmp(amount) < 0 {
		return false
	}
	toAcc := types.EnsureAccount(m.accounts[to])
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	m.accounts[from] = fromAcc
	m.accounts[to] = toAcc
	return true
}
