package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"coursemarket/native/certify"
	"coursemarket/native/market"
)

// JSON-RPC 2.0 error codes, plus server-specific codes in the reserved range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32002
)

// RPCRequest is a JSON-RPC 2.0 request envelope. Params carries at most one
// object per method.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a structured JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

// Server exposes the marketplace engines over JSON-RPC.
type Server struct {
	market   *market.Engine
	registry *certify.Registry
	logger   *slog.Logger

	jwtSecret []byte

	// stateMu serializes dispatch into the engines. The engine carries its
	// own transaction lock, but the certification registry shares the
	// underlying store and has none, so the server serializes everything
	// that can touch state.
	stateMu sync.Mutex

	limitMu    sync.Mutex
	limiters   map[string]*rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int
	adminOnly  map[string]bool
	handlers   map[string]handlerFunc
	trustProxy bool
}

// ServerOption configures optional server behaviour.
type ServerOption func(*Server)

// WithJWTSecret enables bearer-token authentication for admin methods.
func WithJWTSecret(secret string) ServerOption {
	return func(s *Server) {
		if trimmed := strings.TrimSpace(secret); trimmed != "" {
			s.jwtSecret = []byte(trimmed)
		}
	}
}

// WithRateLimit caps requests per client at perMinute with the given burst.
// A zero perMinute disables limiting.
func WithRateLimit(perMinute float64, burst int) ServerOption {
	return func(s *Server) {
		if perMinute <= 0 {
			s.rateLimit = rate.Inf
			return
		}
		s.rateLimit = rate.Limit(perMinute / 60)
		if burst < 1 {
			burst = 1
		}
		s.rateBurst = burst
	}
}

// WithTrustedProxy makes the server honour X-Forwarded-For when identifying
// clients for rate limiting.
func WithTrustedProxy() ServerOption {
	return func(s *Server) { s.trustProxy = true }
}

// NewServer wires the RPC surface over the market engine and certification
// registry.
func NewServer(engine *market.Engine, registry *certify.Registry, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		market:    engine,
		registry:  registry,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rate.Inf,
		rateBurst: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[string]handlerFunc{
		"market_createCourse":    s.handleCreateCourse,
		"market_setPrice":        s.handleSetPrice,
		"market_setLessons":      s.handleSetLessons,
		"market_setPublished":    s.handleSetPublished,
		"market_retireCourse":    s.handleRetireCourse,
		"market_setReferrer":     s.handleSetReferrer,
		"market_purchase":        s.handlePurchase,
		"market_updateProgress":  s.handleUpdateProgress,
		"market_canRefund":       s.handleCanRefund,
		"market_requestRefund":   s.handleRequestRefund,
		"market_withdraw":        s.handleWithdraw,
		"market_getCourse":       s.handleGetCourse,
		"market_getPurchase":     s.handleGetPurchase,
		"market_getProgress":     s.handleGetProgress,
		"market_getEarnings":     s.handleGetEarnings,
		"market_listCourses":     s.handleListCourses,
		"market_listBuyers":      s.handleListBuyers,
		"market_updateFeeConfig": s.handleUpdateFeeConfig,
		"market_setPaused":       s.handleSetPaused,
		"certify_certify":        s.handleCertify,
		"certify_batchCertify":   s.handleBatchCertify,
		"certify_revoke":         s.handleRevoke,
		"certify_isCertified":    s.handleIsCertified,
	}
	s.adminOnly = map[string]bool{
		"market_updateFeeConfig": true,
		"market_setPaused":       true,
		"certify_certify":        true,
		"certify_batchCertify":   true,
		"certify_revoke":         true,
	}
	return s
}

// Router builds the HTTP mux: the JSON-RPC endpoint, a liveness probe and the
// Prometheus scrape endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.correlate)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

// Start serves the router until the listener fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("rpc listening", "addr", addr)
	return srv.ListenAndServe()
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: "2.0", ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	source := s.clientSource(r)
	if !s.allowSource(source) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "request rate limit exceeded", source)
		return
	}

	var req RPCRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	handler, ok := s.handlers[method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", method), nil)
		return
	}
	if s.adminOnly[method] {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	handler(w, r, &req)
}

// correlate tags every request with an ID for log correlation.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientSource(r *http.Request) string {
	if s.trustProxy {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) allowSource(source string) bool {
	if s.rateLimit == rate.Inf {
		return true
	}
	s.limitMu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
		s.limiters[source] = limiter
	}
	s.limitMu.Unlock()
	return limiter.Allow()
}
