package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/tool"
	"github.com/fatflowers/pointsledger/pkg/types"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(t.TempDir()+"/ledger.db"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&models.UserBalance{},
		&models.Subscription{},
		&models.SubscriptionLog{},
		&models.LedgerLog{},
	))
	log := zap.NewNop().Sugar()
	cfg := &config.Config{
		Plans: []*types.Plan{
			{ID: "plan_basic", Price: 999, Currency: "USD", Points: 100, DurationType: types.DurationTypeMonthly, IsActive: true},
			{ID: "plan_pro", Price: 1999, Currency: "USD", Points: 300, DurationType: types.DurationTypeMonthly, IsActive: true},
			{ID: "plan_legacy", Price: 2999, Currency: "USD", DurationType: types.DurationTypeMonthly},
		},
	}
	return NewService(cfg, gdb, ledgerlog.New(gdb, log), log), gdb
}

func createActive(t *testing.T, svc *Service, userID, planID, eventID string, end time.Time) *models.Subscription {
	t.Helper()
	row, err := svc.Create(context.Background(), &CreateRequest{
		UserID:              userID,
		PlanID:              planID,
		StartDate:           time.Now().Add(-time.Hour),
		EndDate:             end,
		SourceTransactionID: eventID,
	})
	require.NoError(t, err)
	return row
}

func TestCreate_SecondActiveRejected(t *testing.T) {
	svc, _ := newTestService(t)
	end := time.Now().Add(30 * 24 * time.Hour)
	createActive(t, svc, "u1", "plan_basic", "evt-1", end)

	_, err := svc.Create(context.Background(), &CreateRequest{
		UserID:              "u1",
		PlanID:              "plan_pro",
		StartDate:           time.Now(),
		EndDate:             end,
		SourceTransactionID: "evt-2",
	})
	assert.ErrorIs(t, err, ErrSubscriptionExists)
}

func TestCreate_DuplicateEventID(t *testing.T) {
	svc, _ := newTestService(t)
	// The first period is already over, so the stale-active path clears
	// the way; the duplicate source transaction id must still collide.
	createActive(t, svc, "u1", "plan_basic", "evt-1", time.Now().Add(-time.Minute))

	_, err := svc.Create(context.Background(), &CreateRequest{
		UserID:              "u1",
		PlanID:              "plan_basic",
		StartDate:           time.Now(),
		EndDate:             time.Now().Add(30 * 24 * time.Hour),
		SourceTransactionID: "evt-1",
	})
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestCreate_LazilyExpiresStaleActive(t *testing.T) {
	svc, gdb := newTestService(t)
	stale := createActive(t, svc, "u1", "plan_basic", "evt-1", time.Now().Add(-time.Minute))

	fresh, err := svc.Create(context.Background(), &CreateRequest{
		UserID:              "u1",
		PlanID:              "plan_pro",
		StartDate:           time.Now(),
		EndDate:             time.Now().Add(30 * 24 * time.Hour),
		SourceTransactionID: "evt-2",
	})
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusActive, fresh.Status)

	var old models.Subscription
	require.NoError(t, gdb.Where("id = ?", stale.ID).First(&old).Error)
	assert.Equal(t, types.SubscriptionStatusExpired, old.Status)
}

func TestCreateInTx_RollbackLeavesNoAuditRow(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()
	sentinel := errors.New("grant failed")

	// A later step in the caller's transaction fails; the subscription
	// row rolls back and no transition may be recorded for it.
	err := gdb.Transaction(func(tx *gorm.DB) error {
		_, err := svc.CreateInTx(ctx, tx, &CreateRequest{
			UserID:              "u1",
			PlanID:              "plan_basic",
			StartDate:           time.Now(),
			EndDate:             time.Now().Add(30 * 24 * time.Hour),
			SourceTransactionID: "evt-1",
		}, types.SubscriptionChangeReasonCreated)
		require.NoError(t, err)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	var subs, logs int64
	require.NoError(t, gdb.Model(&models.Subscription{}).Count(&subs).Error)
	require.NoError(t, gdb.Model(&models.SubscriptionLog{}).Count(&logs).Error)
	assert.Equal(t, int64(0), subs)
	assert.Equal(t, int64(0), logs)

	// A committed create records exactly one transition.
	createActive(t, svc, "u1", "plan_basic", "evt-1", time.Now().Add(30*24*time.Hour))
	require.NoError(t, gdb.Model(&models.SubscriptionLog{}).Count(&logs).Error)
	assert.Equal(t, int64(1), logs)
}

func TestRequestCancellation(t *testing.T) {
	svc, gdb := newTestService(t)
	end := time.Now().Add(30 * 24 * time.Hour)
	row := createActive(t, svc, "u1", "plan_basic", "evt-1", end)

	after, err := svc.RequestCancellation(context.Background(), row.ID)
	require.NoError(t, err)
	assert.True(t, after.CancelAtPeriodEnd)
	assert.Equal(t, types.SubscriptionStatusActive, after.Status)

	// Entitlement continues until the period boundary.
	ent, err := svc.Entitlement(context.Background(), "u1", time.Now())
	require.NoError(t, err)
	assert.True(t, ent.HasActive)

	// Repeating the request is a no-op.
	again, err := svc.RequestCancellation(context.Background(), row.ID)
	require.NoError(t, err)
	assert.True(t, again.CancelAtPeriodEnd)

	var stored models.Subscription
	require.NoError(t, gdb.Where("id = ?", row.ID).First(&stored).Error)
	assert.True(t, stored.CancelAtPeriodEnd)
	require.NotNil(t, stored.CancelledAt)
}

func TestForceCancel_ZeroesBalance(t *testing.T) {
	svc, gdb := newTestService(t)
	require.NoError(t, gdb.Create(&models.UserBalance{
		ID:              tool.GenerateUUIDV7(),
		UserID:          "u1",
		TotalPoints:     40,
		AvailablePoints: 40,
	}).Error)
	row := createActive(t, svc, "u1", "plan_basic", "evt-1", time.Now().Add(30*24*time.Hour))

	after, err := svc.ForceCancel(context.Background(), row.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, types.SubscriptionStatusCancelled, after.Status)

	var b models.UserBalance
	require.NoError(t, gdb.Where("user_id = ?", "u1").First(&b).Error)
	assert.Equal(t, int64(0), b.AvailablePoints)
	assert.Equal(t, int64(40), b.ExpiredPoints)

	var entry models.LedgerLog
	require.NoError(t, gdb.Where("user_id = ? AND change_type = ?", "u1", types.LedgerChangeTypeExpire).First(&entry).Error)
	assert.Equal(t, int64(-40), entry.PointsChange)

	// Second cancel finds nothing active.
	_, err = svc.ForceCancel(context.Background(), row.ID, "op-1")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestExpireIfPastPeriod(t *testing.T) {
	svc, _ := newTestService(t)
	row := createActive(t, svc, "u1", "plan_basic", "evt-1", time.Now().Add(time.Hour))

	// Not due yet.
	expired, err := svc.ExpireIfPastPeriod(context.Background(), row.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, expired)

	expired, err = svc.ExpireIfPastPeriod(context.Background(), row.ID, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, expired)

	// Already terminal.
	expired, err = svc.ExpireIfPastPeriod(context.Background(), row.ID, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestExpireLapsed_Sweep(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Now()
	createActive(t, svc, "u1", "plan_basic", "evt-1", now.Add(-time.Minute))
	createActive(t, svc, "u2", "plan_basic", "evt-2", now.Add(-time.Hour))
	createActive(t, svc, "u3", "plan_basic", "evt-3", now.Add(time.Hour))

	n, err := svc.ExpireLapsed(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ent, err := svc.Entitlement(context.Background(), "u3", now)
	require.NoError(t, err)
	assert.True(t, ent.HasActive)
}

func TestValidateUpgrade(t *testing.T) {
	svc, _ := newTestService(t)
	current := &models.Subscription{PlanID: "plan_basic", Status: types.SubscriptionStatusActive}

	newPlan := svc.cfg.GetPlanByID("plan_pro")
	assert.NoError(t, svc.ValidateUpgrade(current, newPlan))

	// Same plan: not strictly more expensive.
	assert.ErrorIs(t, svc.ValidateUpgrade(current, svc.cfg.GetPlanByID("plan_basic")), ErrUpgradeNotAllowed)

	// Inactive plan cannot back an upgrade even at a higher price.
	assert.ErrorIs(t, svc.ValidateUpgrade(current, svc.cfg.GetPlanByID("plan_legacy")), ErrUpgradeNotAllowed)

	// Downgrade from pro.
	fromPro := &models.Subscription{PlanID: "plan_pro", Status: types.SubscriptionStatusActive}
	assert.ErrorIs(t, svc.ValidateUpgrade(fromPro, svc.cfg.GetPlanByID("plan_basic")), ErrUpgradeNotAllowed)

	assert.ErrorIs(t, svc.ValidateUpgrade(nil, newPlan), ErrNotFound)
}

func TestEntitlement(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// No subscription at all.
	ent, err := svc.Entitlement(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.False(t, ent.HasActive)
	assert.False(t, ent.CanPurchasePoints)

	createActive(t, svc, "u1", "plan_basic", "evt-1", time.Now().Add(time.Hour))
	ent, err = svc.Entitlement(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.True(t, ent.HasActive)
	assert.True(t, ent.CanPurchasePoints)
	assert.Equal(t, "plan_basic", ent.PlanID)

	// A stale active row past its end date grants nothing, even before
	// the lazy expiry pass has flipped its status.
	ent, err = svc.Entitlement(ctx, "u1", time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ent.HasActive)
}
