package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/eventlog"
	"github.com/fatflowers/pointsledger/internal/app/service/expiry"
	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	"github.com/fatflowers/pointsledger/internal/app/service/payment"
	pointsvc "github.com/fatflowers/pointsledger/internal/app/service/points"
	"github.com/fatflowers/pointsledger/internal/app/service/statistics"
	subsvc "github.com/fatflowers/pointsledger/internal/app/service/subscription"
	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/response"
	"github.com/fatflowers/pointsledger/pkg/tool"
	"github.com/fatflowers/pointsledger/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := gorm.Open(sqlite.Open(t.TempDir()+"/ledger.db"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&models.UserBalance{},
		&models.PurchaseBatch{},
		&models.Subscription{},
		&models.SubscriptionLog{},
		&models.LedgerLog{},
		&models.PaymentEventLog{},
	))

	log := zap.NewNop().Sugar()
	cfg := &config.Config{
		Ledger: config.LedgerConfig{FreeTrialUses: 1, ExpiryLookaheadDays: 7},
		PointPackages: []*types.PointPackage{
			{ID: "pack_small", Points: 50, Price: 499, Currency: "USD", ValidityDays: 30, IsActive: true},
		},
		Plans: []*types.Plan{
			{ID: "plan_basic", Price: 999, Currency: "USD", Points: 100, DurationType: types.DurationTypeMonthly, IsActive: true},
		},
	}
	ledger := ledgerlog.New(gdb, log)
	rec := expiry.New(cfg, gdb, ledger, log)
	sub := subsvc.NewService(cfg, gdb, ledger, log)
	points := pointsvc.NewService(cfg, gdb, ledger, rec, sub, log)
	proc := payment.NewProcessor(cfg, gdb, ledger, points, sub, eventlog.New(gdb, log), log)
	stats := statistics.New(gdb)

	r := gin.New()
	api := r.Group("/api/v1")
	RegisterHealthRoutes(r)
	RegisterPointsRoutes(api.Group("/points"), points, rec)
	RegisterSubscriptionRoutes(api.Group("/subscription"), sub)
	RegisterPaymentWebhookRoutes(api.Group("/payment"), cfg, proc, log)
	RegisterAdminRoutes(api.Group("/admin"), points, sub, ledger, stats)
	return r, gdb
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestSpendAndBalanceRoutes(t *testing.T) {
	r, gdb := newTestRouter(t)
	require.NoError(t, gdb.Create(&models.UserBalance{
		ID:              tool.GenerateUUIDV7(),
		UserID:          "u1",
		TotalPoints:     10,
		AvailablePoints: 10,
	}).Error)

	w := doJSON(t, r, http.MethodPost, "/api/v1/points/spend", SpendRequest{UserID: "u1", Cost: 4, Reason: "render"})
	assert.Equal(t, http.StatusOK, w.Code)

	var spendResp response.APIResponse[*pointsvc.SpendResult]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &spendResp))
	assert.Equal(t, response.APIResponseCodeOK, spendResp.Code)
	assert.True(t, spendResp.Data.Granted)
	assert.Equal(t, int64(6), spendResp.Data.RemainingPoints)

	w = doJSON(t, r, http.MethodGet, "/api/v1/points/balance?user_id=u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var balResp response.APIResponse[*pointsvc.BalanceView]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balResp))
	assert.Equal(t, int64(6), balResp.Data.AvailablePoints)

	// Missing user id.
	w = doJSON(t, r, http.MethodPost, "/api/v1/points/spend", SpendRequest{Cost: 4})
	var errResp response.APIResponse[any]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, response.APIResponseCodeBadRequest, errResp.Code)
}

func TestWebhookRoute(t *testing.T) {
	r, _ := newTestRouter(t)

	evt := payment.Event{
		Type:      types.PaymentEventTypePointsPurchase,
		EventID:   "evt-1",
		UserID:    "u1",
		PackageID: "pack_small",
		Amount:    499,
		Currency:  "USD",
		EventTime: time.Now(),
	}
	w := doJSON(t, r, http.MethodPost, "/api/v1/payment/webhook", evt)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp response.APIResponse[*payment.ApplyResult]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, response.APIResponseCodeOK, resp.Code)
	assert.True(t, resp.Data.Applied)

	// Redelivery answers OK with the duplicate marker.
	w = doJSON(t, r, http.MethodPost, "/api/v1/payment/webhook", evt)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, response.APIResponseCodeOK, resp.Code)
	assert.Equal(t, payment.ApplyReasonDuplicate, resp.Data.Reason)
}

func TestEntitlementRoute(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/payment/webhook", payment.Event{
		Type:      types.PaymentEventTypeSubscriptionCreated,
		EventID:   "evt-sub-1",
		UserID:    "u1",
		PlanID:    "plan_basic",
		EventTime: time.Now(),
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/subscription/entitlement?user_id=u1", nil)
	var resp response.APIResponse[*types.Entitlement]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.HasActive)
	assert.Equal(t, "plan_basic", resp.Data.PlanID)
}

func TestAdminAdjustRoute(t *testing.T) {
	r, gdb := newTestRouter(t)
	require.NoError(t, gdb.Create(&models.UserBalance{
		ID:              tool.GenerateUUIDV7(),
		UserID:          "u1",
		TotalPoints:     10,
		AvailablePoints: 10,
	}).Error)

	w := doJSON(t, r, http.MethodPost, "/api/v1/admin/adjust_balance", AdjustBalanceRequest{
		UserID: "u1", Delta: 5, Reason: "goodwill", OperatorId: "op-1",
	})
	var resp response.APIResponse[*pointsvc.BalanceView]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, response.APIResponseCodeOK, resp.Code)
	assert.Equal(t, int64(15), resp.Data.AvailablePoints)

	// Below-zero rejection surfaces as a bad request.
	w = doJSON(t, r, http.MethodPost, "/api/v1/admin/adjust_balance", AdjustBalanceRequest{
		UserID: "u1", Delta: -100, Reason: "oops", OperatorId: "op-1",
	})
	var errResp response.APIResponse[any]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, response.APIResponseCodeBadRequest, errResp.Code)
}
