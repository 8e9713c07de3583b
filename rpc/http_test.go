package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coursemarket/core/state"
	"coursemarket/native/certify"
	nativecommon "coursemarket/native/common"
	"coursemarket/native/market"
)

type testEnv struct {
	server   *Server
	handler  http.Handler
	store    *state.Memory
	registry *certify.Registry
	engine   *market.Engine

	admin  [20]byte
	seller [20]byte
	buyer  [20]byte
}

func testAddr(b byte) [20]byte {
	var out [20]byte
	out[0] = 0x30
	out[19] = b
	return out
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  state.NewMemory(),
		admin:  testAddr(0x01),
		seller: testAddr(0x02),
		buyer:  testAddr(0x03),
	}
	env.registry = certify.NewRegistry(env.store)
	env.registry.SetAdmin(env.admin)

	env.engine = market.NewEngine()
	env.engine.SetState(env.store)
	env.engine.SetTokens(env.store)
	env.engine.SetAuthority(env.registry)
	env.engine.SetPauses(nativecommon.NewPauses())
	env.engine.SetEscrowAccount(testAddr(0x0e))
	env.engine.SetPlatformAccount(testAddr(0x0f))
	env.engine.SetAdmin(env.admin)

	env.store.Mint(env.buyer, big.NewInt(10_000))

	env.server = NewServer(env.engine, env.registry, nil, opts...)
	env.handler = env.server.Router()
	return env
}

func (env *testEnv) call(t *testing.T, method string, params interface{}, headers map[string]string) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func (env *testEnv) certifySeller(t *testing.T) {
	t.Helper()
	require.NoError(t, env.registry.Certify(env.admin, env.seller))
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	rec, resp := env.call(t, "market_doesNotExist", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestCreateCourseAndQuery(t *testing.T) {
	env := newTestEnv(t)
	env.certifySeller(t)

	rec, resp := env.call(t, "market_createCourse", map[string]interface{}{
		"owner":        hexAddr(env.seller),
		"price":        "100",
		"totalLessons": 10,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)

	var created courseResult
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &created))
	require.Equal(t, uint64(1), created.ID)
	require.Equal(t, "100", created.Price)

	_, resp = env.call(t, "market_getCourse", map[string]interface{}{"courseId": created.ID}, nil)
	require.Nil(t, resp.Error)
}

func TestPurchaseFlowOverRPC(t *testing.T) {
	env := newTestEnv(t)
	env.certifySeller(t)

	_, resp := env.call(t, "market_createCourse", map[string]interface{}{
		"owner":        hexAddr(env.seller),
		"price":        "100",
		"totalLessons": 4,
	}, nil)
	require.Nil(t, resp.Error)

	_, resp = env.call(t, "market_setPublished", map[string]interface{}{
		"caller":    hexAddr(env.seller),
		"courseId":  1,
		"published": true,
	}, nil)
	require.Nil(t, resp.Error)

	_, resp = env.call(t, "market_purchase", map[string]interface{}{
		"buyer":    hexAddr(env.buyer),
		"courseId": 1,
	}, nil)
	require.Nil(t, resp.Error)

	var record purchaseResult
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &record))
	require.Equal(t, "100", record.PricePaid)
	require.Equal(t, "90", record.SellerShare)

	_, resp = env.call(t, "market_getEarnings", map[string]interface{}{
		"address": hexAddr(env.seller),
	}, nil)
	require.Nil(t, resp.Error)
	var earnings earningsResult
	raw, err = json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &earnings))
	require.Equal(t, "90", earnings.Pending)
}

func TestPurchaseEngineErrorSurfaced(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.call(t, "market_purchase", map[string]interface{}{
		"buyer":    hexAddr(env.buyer),
		"courseId": 42,
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, resp.Error)
	require.Contains(t, fmt.Sprint(resp.Error.Data), "course not found")
}

func TestInvalidAddressRejected(t *testing.T) {
	env := newTestEnv(t)
	rec, resp := env.call(t, "market_getEarnings", map[string]interface{}{
		"address": "0xnothex",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestAdminMethodRequiresToken(t *testing.T) {
	secret := "test-secret"
	env := newTestEnv(t, WithJWTSecret(secret))

	params := map[string]interface{}{
		"caller":     hexAddr(env.admin),
		"instructor": hexAddr(env.seller),
	}

	rec, resp := env.call(t, "certify_certify", params, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	token, err := MintToken(secret, "ops", time.Minute)
	require.NoError(t, err)

	rec, resp = env.call(t, "certify_certify", params, map[string]string{
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)
	require.True(t, env.registry.IsAuthorized(env.seller))
}

func TestAdminMethodRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, WithJWTSecret("test-secret"))

	forged, err := MintToken("other-secret", "ops", time.Minute)
	require.NoError(t, err)

	rec, resp := env.call(t, "market_setPaused", map[string]interface{}{
		"caller": hexAddr(env.admin),
		"paused": true,
	}, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, codeUnauthorized, resp.Error.Code)
}

func TestBatchCertifyLimitSurfaced(t *testing.T) {
	secret := "test-secret"
	env := newTestEnv(t, WithJWTSecret(secret))
	token, err := MintToken(secret, "ops", time.Minute)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	instructors := make([]string, 0, certify.MaxBatchSize+1)
	for i := 0; i < certify.MaxBatchSize+1; i++ {
		var a [20]byte
		v := i + 1 // offset so the generator never yields the invalid zero address
		a[18] = byte(v >> 8)
		a[19] = byte(v)
		instructors = append(instructors, hexAddr(a))
	}

	rec, resp := env.call(t, "certify_batchCertify", map[string]interface{}{
		"caller":      hexAddr(env.admin),
		"instructors": instructors,
	}, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, fmt.Sprint(resp.Error.Data), "batch size exceeded")

	rec, resp = env.call(t, "certify_batchCertify", map[string]interface{}{
		"caller":      hexAddr(env.admin),
		"instructors": instructors[:certify.MaxBatchSize],
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, resp.Error)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(60, 2))

	params := map[string]interface{}{"courseId": 1}
	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec, _ := env.call(t, "market_getCourse", params, nil)
		statuses = append(statuses, rec.Code)
	}
	require.Equal(t, http.StatusTooManyRequests, statuses[2])
}

func TestConcurrentRequestsSerialize(t *testing.T) {
	env := newTestEnv(t)
	env.certifySeller(t)

	_, resp := env.call(t, "market_createCourse", map[string]interface{}{
		"owner":        hexAddr(env.seller),
		"price":        "100",
		"totalLessons": 4,
	}, nil)
	require.Nil(t, resp.Error)
	_, resp = env.call(t, "market_setPublished", map[string]interface{}{
		"caller": hexAddr(env.seller), "courseId": 1, "published": true,
	}, nil)
	require.Nil(t, resp.Error)

	const buyers = 8
	addrs := make([][20]byte, buyers)
	for i := range addrs {
		addrs[i] = testAddr(0x40 + byte(i))
		env.store.Mint(addrs[i], big.NewInt(1_000))
	}

	var wg sync.WaitGroup
	responses := make([]RPCResponse, buyers)
	for i := range addrs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, responses[i] = env.call(t, "market_purchase", map[string]interface{}{
				"buyer": hexAddr(addrs[i]), "courseId": 1,
			}, nil)
		}(i)
	}
	wg.Wait()

	for i, resp := range responses {
		require.Nilf(t, resp.Error, "purchase %d: %+v", i, resp.Error)
	}

	_, resp = env.call(t, "market_getEarnings", map[string]interface{}{
		"address": hexAddr(env.seller),
	}, nil)
	require.Nil(t, resp.Error)
	var earnings earningsResult
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &earnings))
	require.Equal(t, fmt.Sprint(buyers*90), earnings.Pending)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestCanRefundReportsReason(t *testing.T) {
	env := newTestEnv(t)
	env.certifySeller(t)

	_, resp := env.call(t, "market_createCourse", map[string]interface{}{
		"owner":        hexAddr(env.seller),
		"price":        "100",
		"totalLessons": 4,
	}, nil)
	require.Nil(t, resp.Error)
	_, resp = env.call(t, "market_setPublished", map[string]interface{}{
		"caller": hexAddr(env.seller), "courseId": 1, "published": true,
	}, nil)
	require.Nil(t, resp.Error)
	_, resp = env.call(t, "market_purchase", map[string]interface{}{
		"buyer": hexAddr(env.buyer), "courseId": 1,
	}, nil)
	require.Nil(t, resp.Error)

	// Inside the hold time: eligible=false with the hold-time reason.
	_, resp = env.call(t, "market_canRefund", map[string]interface{}{
		"buyer": hexAddr(env.buyer), "courseId": 1,
	}, nil)
	require.Nil(t, resp.Error)
	var result canRefundResult
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &result))
	require.False(t, result.Eligible)
	require.Contains(t, result.Reason, "hold time")
}
