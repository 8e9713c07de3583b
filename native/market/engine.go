package market

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"coursemarket/core/events"
	"coursemarket/core/types"
	nativecommon "coursemarket/native/common"
	"coursemarket/native/fees"
	"coursemarket/native/token"
)

const moduleName = "market"

type engineState interface {
	CourseGet(id uint64) (*Course, bool, error)
	CoursePut(course *Course) error
	CourseNextID() (uint64, error)
	PurchaseGet(buyer [20]byte, courseID uint64) (*PurchaseRecord, bool, error)
	PurchasePut(rec *PurchaseRecord) error
	BuyerCourses(buyer [20]byte) ([]uint64, error)
	BuyerCoursesAppend(buyer [20]byte, courseID uint64) error
	CourseBuyers(courseID uint64) ([][20]byte, error)
	CourseBuyersAppend(courseID uint64, buyer [20]byte) error
	ProgressGet(buyer [20]byte, courseID uint64) (*Progress, bool, error)
	ProgressPut(progress *Progress) error
	EarningsGet(seller [20]byte) (*EarningsAccount, bool, error)
	EarningsPut(acct *EarningsAccount) error
	RefundNextID() (uint64, error)
	RefundGet(id uint64) (*RefundRequest, bool, error)
	RefundPut(req *RefundRequest) error
	ReferrerGet(buyer [20]byte) ([20]byte, bool, error)
	ReferrerPut(buyer [20]byte, referrer [20]byte) error
}

// snapshotter is the optional capability the engine uses to make every public
// operation atomic. The in-memory store implements it; a state backend that
// does not is still safe for read paths but loses automatic rollback.
type snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// CertAuthority answers whether an identity may publish courses. The
// certification registry implements it.
type CertAuthority interface {
	IsAuthorized(addr [20]byte) bool
}

// Engine orchestrates purchases, refunds, withdrawals and progress tracking
// over the shared settlement ledger. All state-mutating entry points run
// inside runTx: pause check, reentrancy guard, snapshot, full rollback on any
// error. Effects are ordered strictly before token interactions.
type Engine struct {
	// mu serializes transactions: each public entry point runs to
	// completion before the next begins. Queries take the read side.
	mu        sync.RWMutex
	state     engineState
	tokens    token.Ledger
	emitter   events.Emitter
	pauses    *nativecommon.Pauses
	guard     nativecommon.ReentrancyGuard
	authority CertAuthority
	params    Params
	feeConfig fees.Config
	escrow    [20]byte
	platform  [20]byte
	admin     [20]byte
	nowFn     func() int64
}

// NewEngine constructs a market engine with default parameters, the default
// fee split and a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter:   events.NoopEmitter{},
		params:    DefaultParams(),
		feeConfig: fees.DefaultConfig(),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the ledger state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokens configures the external asset collaborator.
func (e *Engine) SetTokens(ledger token.Ledger) { e.tokens = ledger }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the operator pause switch consulted by every mutating entry
// point.
func (e *Engine) SetPauses(p *nativecommon.Pauses) { e.pauses = p }

// SetAuthority configures the certification registry consulted on course
// creation.
func (e *Engine) SetAuthority(a CertAuthority) { e.authority = a }

// SetParams replaces the engine limits. Invalid parameter sets are rejected.
func (e *Engine) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.params = p
	return nil
}

// Params returns the currently configured limits.
func (e *Engine) Params() Params {
	if e.guard.Reentered() {
		// The calling goroutine holds the transaction lock already.
		return e.params
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// SetFeeConfig installs the initial fee split without an admin check. Runtime
// replacement goes through UpdateFeeConfig.
func (e *Engine) SetFeeConfig(cfg fees.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.feeConfig = cfg
	return nil
}

// FeeConfig returns the active fee split.
func (e *Engine) FeeConfig() fees.Config {
	if e.guard.Reentered() {
		return e.feeConfig
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.feeConfig
}

// SetEscrowAccount configures the address holding escrowed funds.
func (e *Engine) SetEscrowAccount(addr [20]byte) { e.escrow = addr }

// SetPlatformAccount configures the platform treasury address.
func (e *Engine) SetPlatformAccount(addr [20]byte) { e.platform = addr }

// SetAdmin configures the platform administrator identity.
func (e *Engine) SetAdmin(addr [20]byte) { e.admin = addr }

// SetNowFunc overrides the time source. Primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

// runTx wraps a state-mutating operation with the transaction lock, the
// pause guard, the reentrancy guard and snapshot-based rollback. Any error
// unwinds every ledger write the operation performed. The reentrancy check
// precedes the lock: a callback re-entering mid-transaction must fail
// instead of deadlocking on the lock its own caller holds.
func (e *Engine) runTx(fn func() error) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.guard.Reentered() {
		return nativecommon.ErrReentrantCall
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()
	snap, ok := e.state.(snapshotter)
	var id int
	if ok {
		id = snap.Snapshot()
	}
	if err := fn(); err != nil {
		if ok {
			snap.RevertToSnapshot(id)
		}
		return err
	}
	if ok {
		snap.DiscardSnapshot(id)
	}
	return nil
}

// rlock takes the read side of the transaction lock for queries. A token
// callback querying mid-transaction is refused for the same reason runTx
// refuses it.
func (e *Engine) rlock() error {
	if e.guard.Reentered() {
		return nativecommon.ErrReentrantCall
	}
	e.mu.RLock()
	return nil
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func hexReceipt(receipt [32]byte) string {
	return "0x" + hex.EncodeToString(receipt[:])
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func formatBool(v bool) string { return strconv.FormatBool(v) }

func formatRate(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

func purchaseReceipt(buyer, owner [20]byte, courseID uint64) [32]byte {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], courseID)
	return ethcrypto.Keccak256Hash(buyer[:], owner[:], idBytes[:])
}

// CreateCourse registers a new course owned by a certified instructor. The
// course starts unpublished.
func (e *Engine) CreateCourse(owner [20]byte, price *big.Int, totalLessons uint32) (*Course, error) {
	var created *Course
	err := e.runTx(func() error {
		if e.authority == nil || !e.authority.IsAuthorized(owner) {
			return ErrNotCertified
		}
		if price == nil || price.Sign() <= 0 || price.Cmp(e.params.MaxPrice) >= 0 {
			return ErrPriceOutOfRange
		}
		id, err := e.state.CourseNextID()
		if err != nil {
			return err
		}
		course := &Course{
			ID:           id,
			Owner:        owner,
			Price:        new(big.Int).Set(price),
			TotalLessons: totalLessons,
			CreatedAt:    e.now(),
		}
		if err := e.state.CoursePut(course); err != nil {
			return err
		}
		created = course.Clone()
		e.emit(courseCreatedEvent(course))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SetPrice updates the course price. Owner only; the bound check matches
// creation.
func (e *Engine) SetPrice(caller [20]byte, courseID uint64, price *big.Int) error {
	return e.runTx(func() error {
		course, err := e.ownedCourse(caller, courseID)
		if err != nil {
			return err
		}
		if price == nil || price.Sign() <= 0 || price.Cmp(e.params.MaxPrice) >= 0 {
			return ErrPriceOutOfRange
		}
		course.Price = new(big.Int).Set(price)
		return e.state.CoursePut(course)
	})
}

// SetLessons updates the course lesson count. Existing Progress entries keep
// the total frozen at their purchase time.
func (e *Engine) SetLessons(caller [20]byte, courseID uint64, totalLessons uint32) error {
	return e.runTx(func() error {
		course, err := e.ownedCourse(caller, courseID)
		if err != nil {
			return err
		}
		course.TotalLessons = totalLessons
		return e.state.CoursePut(course)
	})
}

// SetPublished flips the course publish flag. Owner only.
func (e *Engine) SetPublished(caller [20]byte, courseID uint64, published bool) error {
	return e.runTx(func() error {
		course, err := e.ownedCourse(caller, courseID)
		if err != nil {
			return err
		}
		course.Published = published
		if err := e.state.CoursePut(course); err != nil {
			return err
		}
		e.emit(coursePublishedEvent(course, published))
		return nil
	})
}

// RetireCourse soft-deletes a course. It fails while any non-refunded
// purchase is outstanding.
func (e *Engine) RetireCourse(caller [20]byte, courseID uint64) error {
	return e.runTx(func() error {
		course, err := e.ownedCourse(caller, courseID)
		if err != nil {
			return err
		}
		active, err := e.activePurchasers(courseID)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: %d active", ErrActivePurchasers, active)
		}
		course.Retired = true
		course.Published = false
		if err := e.state.CoursePut(course); err != nil {
			return err
		}
		e.emit(courseRetiredEvent(course))
		return nil
	})
}

// UpdateFeeConfig replaces the fee split. Admin only; the sum invariant is
// enforced before the swap.
func (e *Engine) UpdateFeeConfig(caller [20]byte, cfg fees.Config) error {
	return e.runTx(func() error {
		if caller != e.admin {
			return ErrUnauthorized
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.feeConfig = cfg
		e.emit(feeConfigUpdatedEvent(cfg.SellerRate, cfg.PlatformRate, cfg.ReferrerRate))
		return nil
	})
}

// SetPaused toggles the emergency pause. Admin only. Queries stay available
// while paused, so the toggle itself bypasses the pause guard.
func (e *Engine) SetPaused(caller [20]byte, paused bool) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.guard.Reentered() {
		return nativecommon.ErrReentrantCall
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.admin {
		return ErrUnauthorized
	}
	if e.pauses == nil {
		e.pauses = nativecommon.NewPauses()
	}
	e.pauses.SetPaused(moduleName, paused)
	e.emit(pauseChangedEvent(paused))
	return nil
}

// SetReferrer records who referred a buyer. The edge is written at most once
// and may name neither the buyer nor the zero identity.
func (e *Engine) SetReferrer(buyer, referrer [20]byte) error {
	return e.runTx(func() error {
		if isZeroAddress(referrer) || referrer == buyer {
			return ErrInvalidReferrer
		}
		if _, ok, err := e.state.ReferrerGet(buyer); err != nil {
			return err
		} else if ok {
			return ErrReferrerSet
		}
		return e.state.ReferrerPut(buyer, referrer)
	})
}

// Purchase executes one sale. Checks run in the documented order, every
// ledger effect lands before the first token interaction, and any transfer
// failure rolls the whole operation back.
func (e *Engine) Purchase(buyer [20]byte, courseID uint64) (*PurchaseRecord, error) {
	if e.tokens == nil {
		return nil, ErrNilTokens
	}
	var result *PurchaseRecord
	err := e.runTx(func() error {
		course, ok, err := e.state.CourseGet(courseID)
		if err != nil {
			return err
		}
		if !ok || course.Retired {
			return ErrCourseNotFound
		}
		if rec, ok, err := e.state.PurchaseGet(buyer, courseID); err != nil {
			return err
		} else if ok && rec.Purchased {
			return ErrAlreadyPurchased
		}
		if buyer == course.Owner {
			return ErrSelfPurchase
		}
		if !course.Published {
			return ErrNotPublished
		}
		price := cloneOrZero(course.Price)
		balance := e.tokens.BalanceOf(buyer)
		if balance == nil || balance.Cmp(price) < 0 {
			return ErrInsufficientBalance
		}

		referrer, hasReferrer, err := e.state.ReferrerGet(buyer)
		if err != nil {
			return err
		}
		hasReferrer = hasReferrer && e.feeConfig.ReferrerRate > 0
		dist, err := fees.Split(price, hasReferrer, e.feeConfig)
		if err != nil {
			return err
		}

		// Effects. Everything below must precede the token interactions so a
		// reentrant callback observes fully consistent state.
		rec := &PurchaseRecord{
			Buyer:         buyer,
			CourseID:      courseID,
			Purchased:     true,
			PricePaid:     price,
			SellerShare:   dist.Seller,
			ReferrerShare: dist.Referrer,
			Receipt:       purchaseReceipt(buyer, course.Owner, courseID),
			PurchasedAt:   e.now(),
		}
		if hasReferrer {
			rec.Referrer = referrer
		}
		if err := e.state.PurchasePut(rec); err != nil {
			return err
		}
		if err := e.state.BuyerCoursesAppend(buyer, courseID); err != nil {
			return err
		}
		if err := e.state.CourseBuyersAppend(courseID, buyer); err != nil {
			return err
		}
		if err := e.state.ProgressPut(&Progress{
			Buyer:     buyer,
			CourseID:  courseID,
			Total:     uint64(course.TotalLessons),
			UpdatedAt: rec.PurchasedAt,
		}); err != nil {
			return err
		}
		acct, err := e.creditSeller(course.Owner, dist.Seller)
		if err != nil {
			return err
		}
		if hasReferrer && dist.Referrer.Sign() > 0 {
			if err := e.creditReferrer(referrer, dist.Referrer); err != nil {
				return err
			}
		}

		// Interactions.
		if !e.tokens.TransferFrom(buyer, e.escrow, price) {
			return fmt.Errorf("%w: purchase pull", ErrTransferFailed)
		}
		if dist.Platform.Sign() > 0 && !e.tokens.Transfer(e.escrow, e.platform, dist.Platform) {
			return fmt.Errorf("%w: platform share", ErrTransferFailed)
		}
		if hasReferrer && dist.Referrer.Sign() > 0 && !e.tokens.Transfer(e.escrow, referrer, dist.Referrer) {
			return fmt.Errorf("%w: referral reward", ErrTransferFailed)
		}

		e.emit(purchaseCompletedEvent(rec, course.Owner))
		e.emit(earningsUpdatedEvent(acct))
		if hasReferrer && dist.Referrer.Sign() > 0 {
			e.emit(referralRewardEvent(rec))
		}
		result = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// creditSeller adds the seller share to both TotalEarned and Pending,
// preserving the ledger identity.
func (e *Engine) creditSeller(seller [20]byte, amount *big.Int) (*EarningsAccount, error) {
	acct, ok, err := e.state.EarningsGet(seller)
	if err != nil {
		return nil, err
	}
	if !ok || acct == nil {
		acct = newEarnings(seller)
	}
	acct.TotalEarned = new(big.Int).Add(acct.TotalEarned, amount)
	acct.Pending = new(big.Int).Add(acct.Pending, amount)
	if err := e.state.EarningsPut(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// creditReferrer records a referral reward that is paid out immediately, so
// it lands in TotalEarned and Withdrawn with nothing pending.
func (e *Engine) creditReferrer(referrer [20]byte, amount *big.Int) error {
	acct, ok, err := e.state.EarningsGet(referrer)
	if err != nil {
		return err
	}
	if !ok || acct == nil {
		acct = newEarnings(referrer)
	}
	acct.TotalEarned = new(big.Int).Add(acct.TotalEarned, amount)
	acct.Withdrawn = new(big.Int).Add(acct.Withdrawn, amount)
	return e.state.EarningsPut(acct)
}

func (e *Engine) ownedCourse(caller [20]byte, courseID uint64) (*Course, error) {
	course, ok, err := e.state.CourseGet(courseID)
	if err != nil {
		return nil, err
	}
	if !ok || course.Retired {
		return nil, ErrCourseNotFound
	}
	if course.Owner != caller {
		return nil, ErrNotOwner
	}
	return course, nil
}

func (e *Engine) activePurchasers(courseID uint64) (int, error) {
	buyers, err := e.state.CourseBuyers(courseID)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, buyer := range buyers {
		rec, ok, err := e.state.PurchaseGet(buyer, courseID)
		if err != nil {
			return 0, err
		}
		if ok && rec.Purchased && !rec.Refunded {
			active++
		}
	}
	return active, nil
}

// Course returns a copy of the stored course.
func (e *Engine) Course(courseID uint64) (*Course, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	course, ok, err := e.state.CourseGet(courseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCourseNotFound
	}
	return course.Clone(), nil
}

// Purchase record lookup for queries and reconciliation.
func (e *Engine) PurchaseRecordOf(buyer [20]byte, courseID uint64) (*PurchaseRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	rec, ok, err := e.state.PurchaseGet(buyer, courseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotPurchased
	}
	return rec.Clone(), nil
}

// CoursesOf lists the course ids a buyer has purchased, in purchase order.
func (e *Engine) CoursesOf(buyer [20]byte) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	return e.state.BuyerCourses(buyer)
}

// BuyersOf lists the buyers of a course, in purchase order.
func (e *Engine) BuyersOf(courseID uint64) ([][20]byte, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	return e.state.CourseBuyers(courseID)
}

// Earnings returns a copy of the seller's ledger account.
func (e *Engine) Earnings(seller [20]byte) (*EarningsAccount, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	acct, ok, err := e.state.EarningsGet(seller)
	if err != nil {
		return nil, err
	}
	if !ok || acct == nil {
		acct = newEarnings(seller)
	}
	return acct.Clone(), nil
}
