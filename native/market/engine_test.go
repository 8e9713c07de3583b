package market_test

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"coursemarket/core/state"
	"coursemarket/native/certify"
	nativecommon "coursemarket/native/common"
	"coursemarket/native/fees"
	"coursemarket/native/market"
)

type env struct {
	t        *testing.T
	state    *state.Memory
	engine   *market.Engine
	registry *certify.Registry
	now      int64

	admin    [20]byte
	escrow   [20]byte
	platform [20]byte
	seller   [20]byte
	buyer    [20]byte
	referrer [20]byte
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[0] = 0x20
	out[19] = b
	return out
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:        t,
		state:    state.NewMemory(),
		now:      1_700_000_000,
		admin:    addr(0x01),
		escrow:   addr(0x02),
		platform: addr(0x03),
		seller:   addr(0x04),
		buyer:    addr(0x05),
		referrer: addr(0x06),
	}
	e.registry = certify.NewRegistry(e.state)
	e.registry.SetAdmin(e.admin)

	e.engine = market.NewEngine()
	e.engine.SetState(e.state)
	e.engine.SetTokens(e.state)
	e.engine.SetAuthority(e.registry)
	e.engine.SetPauses(nativecommon.NewPauses())
	e.engine.SetEscrowAccount(e.escrow)
	e.engine.SetPlatformAccount(e.platform)
	e.engine.SetAdmin(e.admin)
	e.engine.SetNowFunc(func() int64 { return e.now })

	e.state.Mint(e.buyer, big.NewInt(1_000))
	return e
}

func (e *env) advance(d time.Duration) { e.now += int64(d / time.Second) }

// createCourse certifies the seller, registers a course and publishes it.
func (e *env) createCourse(price int64, lessons uint32) uint64 {
	e.t.Helper()
	if err := e.registry.Certify(e.admin, e.seller); err != nil {
		e.t.Fatalf("certify seller: %v", err)
	}
	course, err := e.engine.CreateCourse(e.seller, big.NewInt(price), lessons)
	if err != nil {
		e.t.Fatalf("create course: %v", err)
	}
	if err := e.engine.SetPublished(e.seller, course.ID, true); err != nil {
		e.t.Fatalf("publish course: %v", err)
	}
	return course.ID
}

func (e *env) balance(a [20]byte) int64 { return e.state.BalanceOf(a).Int64() }

func (e *env) earnings(a [20]byte) *market.EarningsAccount {
	e.t.Helper()
	acct, err := e.engine.Earnings(a)
	if err != nil {
		e.t.Fatalf("earnings: %v", err)
	}
	return acct
}

// checkLedgerIdentity asserts TotalEarned == Withdrawn + Pending and
// non-negativity for the supplied accounts.
func (e *env) checkLedgerIdentity(addrs ...[20]byte) {
	e.t.Helper()
	for _, a := range addrs {
		acct := e.earnings(a)
		sum := new(big.Int).Add(acct.Withdrawn, acct.Pending)
		if acct.TotalEarned.Cmp(sum) != 0 {
			e.t.Fatalf("ledger identity broken for %x: earned=%s withdrawn=%s pending=%s",
				a, acct.TotalEarned, acct.Withdrawn, acct.Pending)
		}
		if acct.Pending.Sign() < 0 || acct.Withdrawn.Sign() < 0 || acct.TotalEarned.Sign() < 0 {
			e.t.Fatalf("negative ledger field for %x: %+v", a, acct)
		}
	}
}

func TestPurchaseSettlement(t *testing.T) {
	e := newEnv(t)
	courseID := e.createCourse(100, 10)

	rec, err := e.engine.Purchase(e.buyer, courseID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !rec.Purchased || rec.Refunded {
		t.Fatalf("unexpected record flags: %+v", rec)
	}
	if rec.PricePaid.Int64() != 100 || rec.SellerShare.Int64() != 90 {
		t.Fatalf("unexpected split: paid=%s seller=%s", rec.PricePaid, rec.SellerShare)
	}

	if got := e.balance(e.buyer); got != 900 {
		t.Fatalf("buyer balance = %d, want 900", got)
	}
	if got := e.balance(e.platform); got != 10 {
		t.Fatalf("platform balance = %d, want 10", got)
	}
	if got := e.balance(e.escrow); got != 90 {
		t.Fatalf("escrow balance = %d, want 90", got)
	}

	acct := e.earnings(e.seller)
	if acct.Pending.Int64() != 90 || acct.TotalEarned.Int64() != 90 || acct.Withdrawn.Int64() != 0 {
		t.Fatalf("unexpected seller ledger: %+v", acct)
	}
	e.checkLedgerIdentity(e.seller)

	progress, err := e.engine.ProgressOf(e.buyer, courseID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Total != 10 || progress.Completed != 0 || progress.Percent != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}

	courses, err := e.engine.CoursesOf(e.buyer)
	if err != nil || len(courses) != 1 || courses[0] != courseID {
		t.Fatalf("buyer index = %v (%v)", courses, err)
	}
	buyers, err := e.engine.BuyersOf(courseID)
	if err != nil || len(buyers) != 1 || buyers[0] != e.buyer {
		t.Fatalf("course index = %v (%v)", buyers, err)
	}
}

func TestPurchasePreconditionOrder(t *testing.T) {
	e := newEnv(t)
	courseID := e.createCourse(100, 10)

	if _, err := e.engine.Purchase(e.buyer, 999); !errors.Is(err, market.ErrCourseNotFound) {
		t.Fatalf("missing course: %v", err)
	}
	if _, err := e.engine.Purchase(e.seller, courseID); !errors.Is(err, market.ErrSelfPurchase) {
		t.Fatalf("self purchase: %v", err)
	}

	if err := e.engine.SetPublished(e.seller, courseID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.Purchase(e.buyer, courseID); !errors.Is(err, market.ErrNotPublished) {
		t.Fatalf("unpublished: %v", err)
	}
	if err := e.engine.SetPublished(e.seller, courseID, true); err != nil {
		t.Fatal(err)
	}

	poor := addr(0x33)
	e.state.Mint(poor, big.NewInt(99))
	if _, err := e.engine.Purchase(poor, courseID); !errors.Is(err, market.ErrInsufficientBalance) {
		t.Fatalf("insufficient balance: %v", err)
	}

	if _, err := e.engine.Purchase(e.buyer, courseID); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := e.engine.Purchase(e.buyer, courseID); !errors.Is(err, market.ErrAlreadyPurchased) {
		t.Fatalf("double purchase: %v", err)
	}
}

func TestPurchaseWithReferral(t *testing.T) {
	e := newEnv(t)
	if err := e.engine.UpdateFeeConfig(e.admin, fees.Config{SellerRate: 80, PlatformRate: 10, ReferrerRate: 10}); err != nil {
		t.Fatal(err)
	}
	if err := e.engine.SetReferrer(e.buyer, e.referrer); err != nil {
		t.Fatal(err)
	}
	courseID := e.createCourse(100, 10)

	rec, err := e.engine.Purchase(e.buyer, courseID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if rec.SellerShare.Int64() != 80 || rec.ReferrerShare.Int64() != 10 {
		t.Fatalf("unexpected split: %+v", rec)
	}
	if got := e.balance(e.referrer); got != 10 {
		t.Fatalf("referrer balance = %d, want 10", got)
	}
	if got := e.balance(e.escrow); got != 80 {
		t.Fatalf("escrow balance = %d, want 80", got)
	}
	refAcct := e.earnings(e.referrer)
	if refAcct.TotalEarned.Int64() != 10 || refAcct.Withdrawn.Int64() != 10 || refAcct.Pending.Sign() != 0 {
		t.Fatalf("unexpected referrer ledger: %+v", refAcct)
	}
	e.checkLedgerIdentity(e.seller, e.referrer)
}

func TestPurchaseWithoutReferrerFoldsShare(t *testing.T) {
	e := newEnv(t)
	if err := e.engine.UpdateFeeConfig(e.admin, fees.Config{SellerRate: 80, PlatformRate: 10, ReferrerRate: 10}); err != nil {
		t.Fatal(err)
	}
	courseID := e.createCourse(100, 10)

	rec, err := e.engine.Purchase(e.buyer, courseID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if rec.SellerShare.Int64() != 90 || rec.ReferrerShare.Sign() != 0 {
		t.Fatalf("referrer share should fold into seller: %+v", rec)
	}
	if got := e.balance(e.platform); got != 10 {
		t.Fatalf("platform balance = %d, want 10", got)
	}
}

// flakyLedger delegates to the memory ledger but fails transfers to a chosen
// destination, simulating a hostile or broken asset collaborator.
type flakyLedger struct {
	*state.Memory
	failTo [20]byte
}

func (f *flakyLedger) Transfer(from, to [20]byte, amount *big.Int) bool {
	if to == f.failTo {
		return false
	}
	return f.Memory.Transfer(from, to, amount)
}

func TestPurchaseTransferFailureRollsBack(t *testing.T) {
	e := newEnv(t)
	courseID := e.createCourse(100, 10)
	e.engine.SetTokens(&flakyLedger{Memory: e.state, failTo: e.platform})

	_, err := e.engine.Purchase(e.buyer, courseID)
	if !errors.Is(err, market.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	// Everything, including the buyer debit applied before the failing
	// platform push, must have been unwound.
	if got := e.balance(e.buyer); got != 1_000 {
		t.Fatalf("buyer balance = %d, want 1000", got)
	}
	if got := e.balance(e.escrow); got != 0 {
		t.Fatalf("escrow balance = %d, want 0", got)
	}
	if _, err := e.engine.PurchaseRecordOf(e.buyer, courseID); !errors.Is(err, market.ErrNotPurchased) {
		t.Fatalf("purchase record should not exist: %v", err)
	}
	acct := e.earnings(e.seller)
	if acct.TotalEarned.Sign() != 0 {
		t.Fatalf("seller ledger should be empty: %+v", acct)
	}

	// A retry against a healthy ledger succeeds.
	e.engine.SetTokens(e.state)
	if _, err := e.engine.Purchase(e.buyer, courseID); err != nil {
		t.Fatalf("retry purchase: %v", err)
	}
}

// reentrantLedger attempts to re-enter the engine from inside the transfer
// interaction, the way a malicious token callback would.
type reentrantLedger struct {
	*state.Memory
	engine    *market.Engine
	buyer     [20]byte
	courseID  uint64
	attempted bool
	innerErr  error
	queryErr  error
}

func (r *reentrantLedger) Transfer(from, to [20]byte, amount *big.Int) bool {
	if !r.attempted {
		r.attempted = true
		_, r.innerErr = r.engine.RequestRefund(r.buyer, r.courseID)
		_, r.queryErr = r.engine.Earnings(r.buyer)
	}
	return r.Memory.Transfer(from, to, amount)
}

func TestReentrantCallbackRejected(t *testing.T) {
	e := newEnv(t)
	courseID := e.createCourse(100, 10)
	ledger := &reentrantLedger{Memory: e.state, engine: e.engine, buyer: e.buyer, courseID: courseID}
	e.engine.SetTokens(ledger)

	if _, err := e.engine.Purchase(e.buyer, courseID); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if !ledger.attempted {
		t.Fatal("reentrant call never attempted")
	}
	if !errors.Is(ledger.innerErr, nativecommon.ErrReentrantCall) {
		t.Fatalf("inner call should fail with ErrReentrantCall, got %v", ledger.innerErr)
	}
	if !errors.Is(ledger.queryErr, nativecommon.ErrReentrantCall) {
		t.Fatalf("inner query should fail with ErrReentrantCall, got %v", ledger.queryErr)
	}
	// The outer purchase settled normally.
	if got := e.balance(e.escrow); got != 90 {
		t.Fatalf("escrow balance = %d, want 90", got)
	}
}

func TestConcurrentPurchasesSerialize(t *testing.T) {
	e := newEnv(t)
	courseID := e.createCourse(100, 10)

	const buyers = 16
	addrs := make([][20]byte, buyers)
	for i := range addrs {
		addrs[i] = addr(0x40 + byte(i))
		e.state.Mint(addrs[i], big.NewInt(1_000))
	}

	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := range addrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.engine.Purchase(addrs[i], courseID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("purchase %d: %v", i, err)
		}
	}

	acct := e.earnings(e.seller)
	if acct.Pending.Int64() != buyers*90 {
		t.Fatalf("seller pending = %s, want %d", acct.Pending, buyers*90)
	}
	if got := e.balance(e.escrow); got != buyers*90 {
		t.Fatalf("escrow balance = %d, want %d", got, buyers*90)
	}
	if got := e.balance(e.platform); got != buyers*10 {
		t.Fatalf("platform balance = %d, want %d", got, buyers*10)
	}
	e.checkLedgerIdentity(e.seller)

	buyerList, err := e.engine.BuyersOf(courseID)
	if err != nil {
		t.Fatalf("buyers: %v", err)
	}
	if len(buyerList) != buyers {
		t.Fatalf("recorded %d buyers, want %d", len(buyerList), buyers)
	}
}

func TestPauseSuspendsMutations(t *testing.T) {
	e := newEnv(t)
	courseID := e.createCourse(100, 10)

	if err := e.engine.SetPaused(e.buyer, true); !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("non-admin pause: %v", err)
	}
	if err := e.engine.SetPaused(e.admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := e.engine.Purchase(e.buyer, courseID); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("paused purchase: %v", err)
	}
	if _, err := e.engine.Withdraw(e.seller); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("paused withdraw: %v", err)
	}
	// Queries stay available while paused.
	if _, err := e.engine.Course(courseID); err != nil {
		t.Fatalf("query while paused: %v", err)
	}
	if _, err := e.engine.Earnings(e.seller); err != nil {
		t.Fatalf("earnings query while paused: %v", err)
	}
	if err := e.engine.SetPaused(e.admin, false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := e.engine.Purchase(e.buyer, courseID); err != nil {
		t.Fatalf("purchase after resume: %v", err)
	}
}

func TestCreateCourseRequiresCertification(t *testing.T) {
	e := newEnv(t)
	if _, err := e.engine.CreateCourse(e.seller, big.NewInt(100), 10); !errors.Is(err, market.ErrNotCertified) {
		t.Fatalf("uncertified create: %v", err)
	}
	if err := e.registry.Certify(e.admin, e.seller); err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.CreateCourse(e.seller, big.NewInt(0), 10); !errors.Is(err, market.ErrPriceOutOfRange) {
		t.Fatalf("zero price: %v", err)
	}
	params := e.engine.Params()
	if _, err := e.engine.CreateCourse(e.seller, params.MaxPrice, 10); !errors.Is(err, market.ErrPriceOutOfRange) {
		t.Fatalf("max price: %v", err)
	}
	course, err := e.engine.CreateCourse(e.seller, big.NewInt(100), 10)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if course.Published {
		t.Fatal("new course must start unpublished")
	}
}

func TestRetireCourseRequiresNoActivePurchasers(t *testing.T) {
	e := newEnv(t)
	courseID := e.createCourse(100, 10)
	if _, err := e.engine.Purchase(e.buyer, courseID); err != nil {
		t.Fatal(err)
	}
	if err := e.engine.RetireCourse(e.seller, courseID); !errors.Is(err, market.ErrActivePurchasers) {
		t.Fatalf("retire with active purchaser: %v", err)
	}

	// After the only buyer refunds, retirement is allowed.
	e.advance(2 * 24 * time.Hour)
	if _, err := e.engine.RequestRefund(e.buyer, courseID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := e.engine.RetireCourse(e.seller, courseID); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := e.engine.Purchase(e.buyer, courseID); !errors.Is(err, market.ErrCourseNotFound) {
		t.Fatalf("purchase of retired course: %v", err)
	}
}

func TestSetReferrerValidation(t *testing.T) {
	e := newEnv(t)
	var zero [20]byte
	if err := e.engine.SetReferrer(e.buyer, zero); !errors.Is(err, market.ErrInvalidReferrer) {
		t.Fatalf("zero referrer: %v", err)
	}
	if err := e.engine.SetReferrer(e.buyer, e.buyer); !errors.Is(err, market.ErrInvalidReferrer) {
		t.Fatalf("self referrer: %v", err)
	}
	if err := e.engine.SetReferrer(e.buyer, e.referrer); err != nil {
		t.Fatalf("set referrer: %v", err)
	}
	if err := e.engine.SetReferrer(e.buyer, addr(0x44)); !errors.Is(err, market.ErrReferrerSet) {
		t.Fatalf("second referrer: %v", err)
	}
}

func TestUpdateFeeConfigValidation(t *testing.T) {
	e := newEnv(t)
	bad := fees.Config{SellerRate: 90, PlatformRate: 20}
	if err := e.engine.UpdateFeeConfig(e.admin, bad); !errors.Is(err, fees.ErrRateSum) {
		t.Fatalf("invalid config: %v", err)
	}
	if err := e.engine.UpdateFeeConfig(e.buyer, fees.DefaultConfig()); !errors.Is(err, market.ErrUnauthorized) {
		t.Fatalf("non-admin config: %v", err)
	}
	good := fees.Config{SellerRate: 85, PlatformRate: 10, ReferrerRate: 5}
	if err := e.engine.UpdateFeeConfig(e.admin, good); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if e.engine.FeeConfig() != good {
		t.Fatalf("config not applied: %+v", e.engine.FeeConfig())
	}
}
