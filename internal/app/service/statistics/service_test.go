package statistics

import (
	"context"
	"testing"
	"time"

	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/tool"
	"github.com/fatflowers/pointsledger/pkg/types"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(t.TempDir()+"/ledger.db"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.LedgerLog{}, &models.PurchaseBatch{}, &models.Subscription{}))
	return New(gdb), gdb
}

func seedLedger(t *testing.T, gdb *gorm.DB, userID string, change int64, ct types.LedgerChangeType) {
	t.Helper()
	require.NoError(t, gdb.Create(&models.LedgerLog{
		ID:           tool.GenerateUUIDV7(),
		UserID:       userID,
		PointsChange: change,
		ChangeType:   ct,
	}).Error)
}

func TestGetLedgerStatistic_PointFlow(t *testing.T) {
	svc, gdb := newTestService(t)
	seedLedger(t, gdb, "u1", -10, types.LedgerChangeTypeConsume)
	seedLedger(t, gdb, "u1", -5, types.LedgerChangeTypeConsume)
	seedLedger(t, gdb, "u2", 50, types.LedgerChangeTypePurchase)
	seedLedger(t, gdb, "u1", -20, types.LedgerChangeTypeExpire)

	res, err := svc.GetLedgerStatistic(context.Background(), &LedgerStatisticRequest{
		DataItems: []*LedgerStatisticDataItem{
			{ID: StatisticTypeDailyConsumedPoints},
			{ID: StatisticTypeDailyGrantedPoints},
			{ID: StatisticTypeDailyExpiredPoints},
		},
	})
	require.NoError(t, err)

	consumed := res.DataItems[StatisticTypeDailyConsumedPoints]
	require.Len(t, consumed, 1)
	assert.Equal(t, int64(15), consumed[0].Value)

	granted := res.DataItems[StatisticTypeDailyGrantedPoints]
	require.Len(t, granted, 1)
	assert.Equal(t, int64(50), granted[0].Value)

	expired := res.DataItems[StatisticTypeDailyExpiredPoints]
	require.Len(t, expired, 1)
	assert.Equal(t, int64(20), expired[0].Value)
}

func TestGetLedgerStatistic_RevenueAndSubscriptions(t *testing.T) {
	svc, gdb := newTestService(t)
	require.NoError(t, gdb.Create(&models.PurchaseBatch{
		ID: tool.GenerateUUIDV7(), UserID: "u1", PackageID: "pack_small",
		GrantedPoints: 50, Price: 499, Currency: "USD",
		PaymentStatus: types.PaymentStatusCompleted, SourceTransactionID: "evt-1",
		ExpireAt: time.Now().Add(24 * time.Hour),
	}).Error)
	require.NoError(t, gdb.Create(&models.PurchaseBatch{
		ID: tool.GenerateUUIDV7(), UserID: "u2", PackageID: "pack_small",
		GrantedPoints: 50, Price: 499, Currency: "USD",
		PaymentStatus: types.PaymentStatusPending, SourceTransactionID: "evt-2",
		ExpireAt: time.Now().Add(24 * time.Hour),
	}).Error)
	require.NoError(t, gdb.Create(&models.Subscription{
		ID: tool.GenerateUUIDV7(), UserID: "u1", PlanID: "plan_basic",
		Status: types.SubscriptionStatusActive, SourceTransactionID: "evt-3",
		StartDate: time.Now().Add(-time.Hour), EndDate: time.Now().Add(24 * time.Hour),
	}).Error)

	res, err := svc.GetLedgerStatistic(context.Background(), &LedgerStatisticRequest{
		DataItems: []*LedgerStatisticDataItem{
			{ID: StatisticTypeDailyRevenue},
			{ID: StatisticTypeDailyNewSubscriptions},
			{ID: StatisticTypeActiveSubscriptionCount},
		},
	})
	require.NoError(t, err)

	// Pending purchases are not revenue.
	revenue := res.DataItems[StatisticTypeDailyRevenue]
	require.Len(t, revenue, 1)
	assert.Equal(t, int64(499), revenue[0].Value)
	assert.Equal(t, "USD", revenue[0].Label)

	subs := res.DataItems[StatisticTypeDailyNewSubscriptions]
	require.Len(t, subs, 1)
	assert.Equal(t, int64(1), subs[0].Value)

	active := res.DataItems[StatisticTypeActiveSubscriptionCount]
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].Value)
}

func TestGetLedgerStatistic_UnknownItem(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.GetLedgerStatistic(context.Background(), &LedgerStatisticRequest{
		DataItems: []*LedgerStatisticDataItem{{ID: StatisticType("bogus")}},
	})
	assert.Error(t, err)
}
