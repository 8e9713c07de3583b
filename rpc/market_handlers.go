package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"coursemarket/native/fees"
	"coursemarket/native/market"
)

type courseCreateParams struct {
	Owner        string `json:"owner"`
	Price        string `json:"price"`
	TotalLessons uint32 `json:"totalLessons"`
}

type coursePriceParams struct {
	Caller   string `json:"caller"`
	CourseID uint64 `json:"courseId"`
	Price    string `json:"price"`
}

type courseLessonsParams struct {
	Caller       string `json:"caller"`
	CourseID     uint64 `json:"courseId"`
	TotalLessons uint32 `json:"totalLessons"`
}

type coursePublishParams struct {
	Caller    string `json:"caller"`
	CourseID  uint64 `json:"courseId"`
	Published bool   `json:"published"`
}

type courseRetireParams struct {
	Caller   string `json:"caller"`
	CourseID uint64 `json:"courseId"`
}

type referrerParams struct {
	Buyer    string `json:"buyer"`
	Referrer string `json:"referrer"`
}

type purchaseParams struct {
	Buyer    string `json:"buyer"`
	CourseID uint64 `json:"courseId"`
}

type progressParams struct {
	Buyer     string `json:"buyer"`
	CourseID  uint64 `json:"courseId"`
	Completed uint64 `json:"completed"`
}

type withdrawParams struct {
	Seller string `json:"seller"`
}

type addressParams struct {
	Address string `json:"address"`
}

type courseIDParams struct {
	CourseID uint64 `json:"courseId"`
}

type feeConfigParams struct {
	Caller       string `json:"caller"`
	SellerRate   uint32 `json:"sellerRate"`
	PlatformRate uint32 `json:"platformRate"`
	ReferrerRate uint32 `json:"referrerRate"`
}

type pauseParams struct {
	Caller string `json:"caller"`
	Paused bool   `json:"paused"`
}

type courseResult struct {
	ID           uint64 `json:"id"`
	Owner        string `json:"owner"`
	Price        string `json:"price"`
	TotalLessons uint32 `json:"totalLessons"`
	Published    bool   `json:"published"`
	Retired      bool   `json:"retired"`
	CreatedAt    int64  `json:"createdAt"`
}

type purchaseResult struct {
	Buyer         string `json:"buyer"`
	CourseID      uint64 `json:"courseId"`
	Refunded      bool   `json:"refunded"`
	PricePaid     string `json:"pricePaid"`
	SellerShare   string `json:"sellerShare"`
	ReferrerShare string `json:"referrerShare,omitempty"`
	Referrer      string `json:"referrer,omitempty"`
	Receipt       string `json:"receipt"`
	PurchasedAt   int64  `json:"purchasedAt"`
}

type progressResult struct {
	Buyer     string `json:"buyer"`
	CourseID  uint64 `json:"courseId"`
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`
	Percent   uint32 `json:"percent"`
	UpdatedAt int64  `json:"updatedAt"`
}

type earningsResult struct {
	Seller         string `json:"seller"`
	TotalEarned    string `json:"totalEarned"`
	Withdrawn      string `json:"withdrawn"`
	Pending        string `json:"pending"`
	LastWithdrawal int64  `json:"lastWithdrawal"`
}

type refundResult struct {
	ID          uint64 `json:"id"`
	CourseID    uint64 `json:"courseId"`
	Buyer       string `json:"buyer"`
	Amount      string `json:"amount"`
	RequestedAt int64  `json:"requestedAt"`
	Processed   bool   `json:"processed"`
	Approved    bool   `json:"approved"`
}

type canRefundResult struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

type withdrawResult struct {
	Seller string `json:"seller"`
	Amount string `json:"amount"`
}

func decodeHexAddress(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid address %q", value)
	}
	if len(decoded) != 20 {
		return out, fmt.Errorf("invalid address %q: want 20 bytes", value)
	}
	copy(out[:], decoded)
	return out, nil
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// decodeParams unmarshals the single parameter object every method expects.
func decodeParams(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "exactly one parameter object expected", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return false
	}
	return true
}

func formatCourse(course *market.Course) courseResult {
	return courseResult{
		ID:           course.ID,
		Owner:        formatAddress(course.Owner),
		Price:        bigString(course.Price),
		TotalLessons: course.TotalLessons,
		Published:    course.Published,
		Retired:      course.Retired,
		CreatedAt:    course.CreatedAt,
	}
}

func formatPurchase(record *market.PurchaseRecord) purchaseResult {
	result := purchaseResult{
		Buyer:       formatAddress(record.Buyer),
		CourseID:    record.CourseID,
		Refunded:    record.Refunded,
		PricePaid:   bigString(record.PricePaid),
		SellerShare: bigString(record.SellerShare),
		Receipt:     "0x" + hex.EncodeToString(record.Receipt[:]),
		PurchasedAt: record.PurchasedAt,
	}
	if record.ReferrerShare != nil && record.ReferrerShare.Sign() > 0 {
		result.ReferrerShare = record.ReferrerShare.String()
		result.Referrer = formatAddress(record.Referrer)
	}
	return result
}

func formatEarnings(account *market.EarningsAccount) earningsResult {
	return earningsResult{
		Seller:         formatAddress(account.Seller),
		TotalEarned:    bigString(account.TotalEarned),
		Withdrawn:      bigString(account.Withdrawn),
		Pending:        bigString(account.Pending),
		LastWithdrawal: account.LastWithdrawal,
	}
}

func (s *Server) handleCreateCourse(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params courseCreateParams
	if !decodeParams(w, req, &params) {
		return
	}
	owner, err := decodeHexAddress(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	price, err := parseAmount(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	course, err := s.market.CreateCourse(owner, price, params.TotalLessons)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to create course", err.Error())
		return
	}
	writeResult(w, req.ID, formatCourse(course))
}

func (s *Server) handleSetPrice(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params coursePriceParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	price, err := parseAmount(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.market.SetPrice(caller, params.CourseID, price); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to set price", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSetLessons(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params courseLessonsParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.market.SetLessons(caller, params.CourseID, params.TotalLessons); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to set lessons", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSetPublished(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params coursePublishParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.market.SetPublished(caller, params.CourseID, params.Published); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to update publication", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleRetireCourse(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params courseRetireParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.market.RetireCourse(caller, params.CourseID); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to retire course", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSetReferrer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params referrerParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := decodeHexAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	referrer, err := decodeHexAddress(params.Referrer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.market.SetReferrer(buyer, referrer); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to set referrer", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handlePurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params purchaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := decodeHexAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	record, err := s.market.Purchase(buyer, params.CourseID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "purchase failed", err.Error())
		return
	}
	writeResult(w, req.ID, formatPurchase(record))
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params progressParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := decodeHexAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	progress, err := s.market.UpdateProgress(buyer, params.CourseID, params.Completed)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to update progress", err.Error())
		return
	}
	writeResult(w, req.ID, progressResult{
		Buyer:     formatAddress(progress.Buyer),
		CourseID:  progress.CourseID,
		Completed: progress.Completed,
		Total:     progress.Total,
		Percent:   progress.Percent,
		UpdatedAt: progress.UpdatedAt,
	})
}

func (s *Server) handleCanRefund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params purchaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := decodeHexAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	eligible, err := s.market.CanRefund(buyer, params.CourseID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "refund check failed", err.Error())
		return
	}
	result := canRefundResult{Eligible: eligible}
	if !eligible {
		if checkErr := s.market.RefundDenialReason(buyer, params.CourseID); checkErr != nil {
			result.Reason = checkErr.Error()
		}
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleRequestRefund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params purchaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := decodeHexAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	request, err := s.market.RequestRefund(buyer, params.CourseID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "refund refused", err.Error())
		return
	}
	writeResult(w, req.ID, refundResult{
		ID:          request.ID,
		CourseID:    request.CourseID,
		Buyer:       formatAddress(request.Buyer),
		Amount:      bigString(request.Amount),
		RequestedAt: request.RequestedAt,
		Processed:   request.Processed,
		Approved:    request.Approved,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params withdrawParams
	if !decodeParams(w, req, &params) {
		return
	}
	seller, err := decodeHexAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := s.market.Withdraw(seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "withdrawal refused", err.Error())
		return
	}
	writeResult(w, req.ID, withdrawResult{Seller: params.Seller, Amount: bigString(amount)})
}

func (s *Server) handleGetCourse(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params courseIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	course, err := s.market.Course(params.CourseID)
	if err != nil {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "course not found", err.Error())
		return
	}
	writeResult(w, req.ID, formatCourse(course))
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params purchaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := decodeHexAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	record, err := s.market.PurchaseRecordOf(buyer, params.CourseID)
	if err != nil {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "purchase not found", err.Error())
		return
	}
	writeResult(w, req.ID, formatPurchase(record))
}

func (s *Server) handleGetProgress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params purchaseParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := decodeHexAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	progress, err := s.market.ProgressOf(buyer, params.CourseID)
	if err != nil {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "progress not found", err.Error())
		return
	}
	writeResult(w, req.ID, progressResult{
		Buyer:     formatAddress(progress.Buyer),
		CourseID:  progress.CourseID,
		Completed: progress.Completed,
		Total:     progress.Total,
		Percent:   progress.Percent,
		UpdatedAt: progress.UpdatedAt,
	})
}

func (s *Server) handleGetEarnings(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if !decodeParams(w, req, &params) {
		return
	}
	seller, err := decodeHexAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	account, err := s.market.Earnings(seller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load earnings", err.Error())
		return
	}
	writeResult(w, req.ID, formatEarnings(account))
}

func (s *Server) handleListCourses(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params addressParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, err := decodeHexAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	ids, err := s.market.CoursesOf(buyer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to list courses", err.Error())
		return
	}
	writeResult(w, req.ID, ids)
}

func (s *Server) handleListBuyers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params courseIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyers, err := s.market.BuyersOf(params.CourseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to list buyers", err.Error())
		return
	}
	formatted := make([]string, 0, len(buyers))
	for _, addr := range buyers {
		formatted = append(formatted, formatAddress(addr))
	}
	writeResult(w, req.ID, formatted)
}

func (s *Server) handleUpdateFeeConfig(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params feeConfigParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	cfg := fees.Config{
		SellerRate:   params.SellerRate,
		PlatformRate: params.PlatformRate,
		ReferrerRate: params.ReferrerRate,
	}
	if err := s.market.UpdateFeeConfig(caller, cfg); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to update fee config", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}

func (s *Server) handleSetPaused(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params pauseParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, err := decodeHexAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.market.SetPaused(caller, params.Paused); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "failed to update pause state", err.Error())
		return
	}
	writeResult(w, req.ID, true)
}
