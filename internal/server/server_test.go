package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/notification"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/creditmeter/internal/settlement/domain"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	walletdomain "github.com/smallbiznis/creditmeter/internal/wallet/domain"
	walletservice "github.com/smallbiznis/creditmeter/internal/wallet/service"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSettlementService struct {
	mu     sync.Mutex
	starts []settlementdomain.StartRequest
	ends   []settlementdomain.EndRequest
	start  *settlementdomain.StartResult
	end    *settlementdomain.EndResult
	err    error
}

func (f *fakeSettlementService) Start(_ context.Context, req settlementdomain.StartRequest) (*settlementdomain.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	return f.start, f.err
}

func (f *fakeSettlementService) End(_ context.Context, req settlementdomain.EndRequest) (*settlementdomain.EndResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, req)
	return f.end, f.err
}

func newRouter(srv *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	srv.engine = router
	srv.registerHealthRoutes()
	srv.registerAPIRoutes()
	srv.registerAdminRoutes()
	srv.registerFallback()
	return router
}

func doJSON(router http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestStartFeaturePassesCodeFromPath(t *testing.T) {
	settlement := &fakeSettlementService{start: &settlementdomain.StartResult{Accessible: true, UsageKey: "k-1", Balance: 100, RequiredCredits: 10}}
	router := newRouter(&Server{settlementSvc: settlement})

	resp := doJSON(router, http.MethodPost, "/v1/features/chat/start", `{"user_id":" u-1 "}`)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, settlement.starts, 1)
	assert.Equal(t, "u-1", settlement.starts[0].UserID)
	assert.Equal(t, "chat", settlement.starts[0].FeatureCode)

	var body struct {
		Data settlementdomain.StartResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.True(t, body.Data.Accessible)
	assert.Equal(t, "k-1", body.Data.UsageKey)
}

func TestEndFeatureStatusFollowsOutcome(t *testing.T) {
	cases := []struct {
		name   string
		result settlementdomain.EndResult
		status int
	}{
		{"settled", settlementdomain.EndResult{Status: settlementdomain.StatusSettled}, http.StatusOK},
		{"queued", settlementdomain.EndResult{Status: settlementdomain.StatusQueued}, http.StatusAccepted},
		{"insufficient", settlementdomain.EndResult{Status: settlementdomain.StatusRejected, Reason: settlementdomain.ReasonInsufficientBalance}, http.StatusPaymentRequired},
		{"unknown model", settlementdomain.EndResult{Status: settlementdomain.StatusRejected, Reason: "model_price_not_found"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := tc.result
			router := newRouter(&Server{settlementSvc: &fakeSettlementService{end: &result}})
			resp := doJSON(router, http.MethodPost, "/v1/features/chat/end",
				`{"user_id":"u-1","usage_key":"k-1","items":[{"model":"gpt-4o-mini","input_tokens":10}]}`)
			assert.Equal(t, tc.status, resp.Code)
		})
	}
}

func TestErrorsMapToStatusByKind(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{apperror.New(apperror.KindValidation, "invalid_items"), http.StatusBadRequest, "validation_error"},
		{apperror.New(apperror.KindNotFound, "wallet_not_found"), http.StatusNotFound, "not_found"},
		{apperror.New(apperror.KindInsufficientBalance, "insufficient_balance"), http.StatusPaymentRequired, "insufficient_balance"},
		{apperror.New(apperror.KindConflict, "duplicate_usage_key"), http.StatusConflict, "conflict"},
		{apperror.Wrap(apperror.KindUpstreamUnavailable, "ledger_timeout", context.DeadlineExceeded), http.StatusServiceUnavailable, "service_unavailable"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "service_unavailable"},
		{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.typ, payload.Type, tc.err.Error())
	}

	_, payload := mapError(apperror.New(apperror.KindValidation, "invalid_usage_key"))
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "usage_key", payload.Errors[0].Field)
}

func TestServiceErrorsAreRendered(t *testing.T) {
	router := newRouter(&Server{settlementSvc: &fakeSettlementService{err: settlementdomain.ErrInvalidUsageKey}})
	resp := doJSON(router, http.MethodPost, "/v1/features/chat/end", `{"user_id":"u-1"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	payload := decodeError(t, resp)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_usage_key", payload.Errors[0].Code)

	resp = doJSON(router, http.MethodGet, "/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func newWalletService(t *testing.T) walletdomain.Service {
	t.Helper()
	db := testutil.OpenDB(t, &walletdomain.Wallet{}, &walletdomain.Transaction{}, &walletdomain.UsageRecord{})
	return walletservice.New(walletservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  testutil.NewNode(t),
		Config: config.Config{},
		Clock:  testutil.NewClock(),
	})
}

func TestAdminRoutesRequireToken(t *testing.T) {
	wallets := newWalletService(t)
	router := newRouter(&Server{cfg: config.Config{AdminToken: "secret"}, walletSvc: wallets})

	resp := doJSON(router, http.MethodPost, "/v1/wallets/u-1/credits", `{"credits":50}`)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = doJSON(router, http.MethodPost, "/v1/wallets/u-1/credits", `{"credits":50}`, HeaderAdminToken, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = doJSON(router, http.MethodPost, "/v1/wallets/u-1/credits", `{"credits":50}`, "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(router, http.MethodGet, "/v1/wallets/u-1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Data walletdomain.Wallet `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, int64(50), body.Data.Balance)
}

func TestAdminRoutesClosedWithoutConfiguredToken(t *testing.T) {
	router := newRouter(&Server{walletSvc: newWalletService(t)})
	resp := doJSON(router, http.MethodPost, "/v1/wallets/u-1/credits", `{"credits":50}`, HeaderAdminToken, "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestWalletRoutes(t *testing.T) {
	wallets := newWalletService(t)
	router := newRouter(&Server{cfg: config.Config{AdminToken: "secret"}, walletSvc: wallets})

	resp := doJSON(router, http.MethodGet, "/v1/wallets/u-404", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doJSON(router, http.MethodPost, "/v1/wallets/u-1/credits", `{"credits":-5}`, HeaderAdminToken, "secret")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doJSON(router, http.MethodPost, "/v1/wallets/u-1/credits", `{"credits":50,"idempotency_key":"pay-1"}`, HeaderAdminToken, "secret")
	require.Equal(t, http.StatusOK, resp.Code)
	var credited struct {
		Data walletdomain.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &credited))

	resp = doJSON(router, http.MethodPost, "/v1/wallets/u-1/credits", `{"credits":50,"idempotency_key":"pay-1"}`, HeaderAdminToken, "secret")
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = doJSON(router, http.MethodGet, "/v1/wallets/u-1/transactions?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = doJSON(router, http.MethodGet, "/v1/wallets/u-1/transactions", "")
	require.Equal(t, http.StatusOK, resp.Code)

	id := credited.Data.Transaction.ID.String()
	resp = doJSON(router, http.MethodDelete, "/v1/transactions/"+id, "", HeaderAdminToken, "secret")
	require.Equal(t, http.StatusOK, resp.Code)
	resp = doJSON(router, http.MethodDelete, "/v1/transactions/"+id, "", HeaderAdminToken, "secret")
	assert.Equal(t, http.StatusConflict, resp.Code)
	resp = doJSON(router, http.MethodPost, "/v1/transactions/"+id+"/restore", "", HeaderAdminToken, "secret")
	require.Equal(t, http.StatusOK, resp.Code)
	resp = doJSON(router, http.MethodDelete, "/v1/transactions/not-an-id", "", HeaderAdminToken, "secret")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSettlementRateLimitPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := ratelimit.NewSettlementLimiter(ratelimit.Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, UserRate: 0.01, UserBurst: 2}},
		Redis:  client,
		Log:    zap.NewNop(),
	})
	require.NoError(t, err)

	settlement := &fakeSettlementService{start: &settlementdomain.StartResult{}}
	router := newRouter(&Server{settlementSvc: settlement, limiter: limiter})

	for i := 0; i < 2; i++ {
		resp := doJSON(router, http.MethodPost, "/v1/features/chat/start", `{"user_id":"u-1"}`)
		require.Equal(t, http.StatusOK, resp.Code)
	}
	resp := doJSON(router, http.MethodPost, "/v1/features/chat/start", `{"user_id":"u-1"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
	assert.Len(t, settlement.starts, 2)

	// body is still readable by the handler after the limiter peeked at it
	resp = doJSON(router, http.MethodPost, "/v1/features/chat/start", `{"user_id":"u-2"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "u-2", settlement.starts[2].UserID)
}

func TestBalanceEventsOverWebsocket(t *testing.T) {
	hub := notification.NewHub()
	router := newRouter(&Server{balanceEvents: hub})
	httpSrv := httptest.NewServer(router)
	t.Cleanup(httpSrv.Close)

	hub.Publish("u-1", notification.BalanceUpdated("u-1", 90, 10, time.Now()))

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/wallets/u-1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.Subscribers("u-1") == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish("u-1", notification.BalanceUpdated("u-1", 70, 20, time.Now()))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event notification.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, int64(70), event.Balance)
	assert.Equal(t, notification.EventBalanceUpdated, event.Type)
}
