package expiry

import (
	"context"
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

func newTestReconciler(t *testing.T) (*Reconciler, *gorm.DB) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(t.TempDir()+"/ledger.db"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.UserBalance{}, &models.PurchaseBatch{}, &models.LedgerLog{}))
	log := zap.NewNop().Sugar()
	cfg := &config.Config{Ledger: config.LedgerConfig{ExpiryLookaheadDays: 7}}
	return New(cfg, gdb, ledgerlog.New(gdb, log), log), gdb
}

func seedBatch(t *testing.T, gdb *gorm.DB, userID string, points int64, expireAt time.Time) string {
	t.Helper()
	batch := &models.PurchaseBatch{
		ID:                  tool.GenerateUUIDV7(),
		UserID:              userID,
		PackageID:           "pack_small",
		GrantedPoints:       points,
		Price:               499,
		Currency:            "USD",
		PaymentStatus:       types.PaymentStatusCompleted,
		SourceTransactionID: tool.GenerateUUIDV7(),
		ExpireAt:            expireAt,
	}
	require.NoError(t, gdb.Create(batch).Error)
	return batch.ID
}

func seedUser(t *testing.T, gdb *gorm.DB, userID string, available int64) {
	t.Helper()
	require.NoError(t, gdb.Create(&models.UserBalance{
		ID:              tool.GenerateUUIDV7(),
		UserID:          userID,
		TotalPoints:     available,
		AvailablePoints: available,
	}).Error)
}

func TestReconcile_RetiresDueBatches(t *testing.T) {
	rec, gdb := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()
	seedUser(t, gdb, "u1", 80)
	due1 := seedBatch(t, gdb, "u1", 30, now.Add(-2*time.Hour))
	due2 := seedBatch(t, gdb, "u1", 20, now.Add(-time.Hour))
	seedBatch(t, gdb, "u1", 50, now.Add(24*time.Hour))

	res, err := rec.Reconcile(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExpiredBatches)
	assert.Equal(t, int64(50), res.ExpiredPoints)
	assert.Equal(t, int64(30), res.NewAvailable)
	assert.ElementsMatch(t, []string{due1, due2}, res.BatchIDs)

	var b models.UserBalance
	require.NoError(t, gdb.Where("user_id = ?", "u1").First(&b).Error)
	assert.Equal(t, int64(30), b.AvailablePoints)
	assert.Equal(t, int64(50), b.ExpiredPoints)
	assert.True(t, b.Reconciled())

	var entry models.LedgerLog
	require.NoError(t, gdb.Where("user_id = ? AND change_type = ?", "u1", types.LedgerChangeTypeExpire).First(&entry).Error)
	assert.Equal(t, int64(-50), entry.PointsChange)
	assert.Equal(t, int64(30), entry.BalanceAfter)
}

func TestReconcile_DebitCappedAtBalance(t *testing.T) {
	rec, gdb := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()
	// Part of the granted credit was already spent; expiring the batch
	// must not drive the balance negative.
	seedUser(t, gdb, "u1", 12)
	seedBatch(t, gdb, "u1", 50, now.Add(-time.Hour))

	res, err := rec.Reconcile(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.ExpiredPoints)
	assert.Equal(t, int64(0), res.NewAvailable)

	var b models.UserBalance
	require.NoError(t, gdb.Where("user_id = ?", "u1").First(&b).Error)
	assert.Equal(t, int64(0), b.AvailablePoints)
	assert.Equal(t, int64(12), b.ExpiredPoints)

	// The ledger records the actual debit, the metadata the uncapped total.
	var entry models.LedgerLog
	require.NoError(t, gdb.Where("user_id = ?", "u1").First(&entry).Error)
	assert.Equal(t, int64(-12), entry.PointsChange)
}

func TestReconcile_Idempotent(t *testing.T) {
	rec, gdb := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()
	seedUser(t, gdb, "u1", 40)
	seedBatch(t, gdb, "u1", 30, now.Add(-time.Hour))

	_, err := rec.Reconcile(ctx, "u1", now)
	require.NoError(t, err)

	// A processed batch is never debited twice, even with a later now.
	res, err := rec.Reconcile(ctx, "u1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExpiredBatches)
	assert.Equal(t, int64(10), res.NewAvailable)

	var b models.UserBalance
	require.NoError(t, gdb.Where("user_id = ?", "u1").First(&b).Error)
	assert.Equal(t, int64(10), b.AvailablePoints)
	assert.Equal(t, int64(30), b.ExpiredPoints)
}

func TestReconcile_NothingDue(t *testing.T) {
	rec, gdb := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()
	seedUser(t, gdb, "u1", 25)
	seedBatch(t, gdb, "u1", 25, now.Add(24*time.Hour))

	res, err := rec.Reconcile(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExpiredBatches)
	assert.Equal(t, int64(25), res.NewAvailable)

	var count int64
	require.NoError(t, gdb.Model(&models.LedgerLog{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestExpiringSoon(t *testing.T) {
	rec, gdb := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()
	seedUser(t, gdb, "u1", 100)
	within := seedBatch(t, gdb, "u1", 10, now.Add(3*24*time.Hour))
	seedBatch(t, gdb, "u1", 10, now.Add(30*24*time.Hour)) // beyond look-ahead
	seedBatch(t, gdb, "u1", 10, now.Add(-time.Hour))      // already due, not "soon"

	rows, err := rec.ExpiringSoon(ctx, "u1", now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, within, rows[0].ID)
}
