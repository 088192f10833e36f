package ledgerlog

import (
	"context"
	"testing"

	"github.com/fatflowers/pointsledger/internal/models"
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
	require.NoError(t, gdb.AutoMigrate(&models.UserBalance{}, &models.LedgerLog{}))
	return New(gdb, zap.NewNop().Sugar()), gdb
}

func appendEntry(t *testing.T, svc *Service, gdb *gorm.DB, userID string, change int64, ct types.LedgerChangeType, after int64) {
	t.Helper()
	require.NoError(t, gdb.Transaction(func(tx *gorm.DB) error {
		return svc.Append(context.Background(), tx, &Entry{
			UserID:       userID,
			PointsChange: change,
			ChangeType:   ct,
			Reason:       "test",
			BalanceAfter: after,
		})
	}))
}

func TestAppend_RejectsEmptyEntry(t *testing.T) {
	svc, gdb := newTestService(t)
	err := gdb.Transaction(func(tx *gorm.DB) error {
		return svc.Append(context.Background(), tx, &Entry{})
	})
	assert.Error(t, err)
}

func TestScan(t *testing.T) {
	svc, gdb := newTestService(t)
	appendEntry(t, svc, gdb, "u1", 50, types.LedgerChangeTypePurchase, 50)
	appendEntry(t, svc, gdb, "u1", -10, types.LedgerChangeTypeConsume, 40)
	appendEntry(t, svc, gdb, "u2", 20, types.LedgerChangeTypePurchase, 20)

	res, err := svc.Scan(context.Background(), &ScanRequest{
		Filters: []*types.CommonFilter{
			{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"u1"}},
		},
		Size: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
	assert.Len(t, res.Items, 2)

	// Pagination.
	res, err = svc.Scan(context.Background(), &ScanRequest{Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)
	assert.Len(t, res.Items, 2)

	// Typed filter.
	res, err = svc.Scan(context.Background(), &ScanRequest{
		Filters: []*types.CommonFilter{
			{Field: "change_type", Operator: types.CommonFilterOperatorEq, Values: []any{string(types.LedgerChangeTypeConsume)}},
		},
		Size: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)
	assert.Equal(t, int64(-10), res.Items[0].PointsChange)
}

func TestRebuild(t *testing.T) {
	svc, gdb := newTestService(t)
	require.NoError(t, gdb.Create(&models.UserBalance{
		ID:              tool.GenerateUUIDV7(),
		UserID:          "u1",
		TotalPoints:     50,
		AvailablePoints: 40,
		UsedPoints:      10,
	}).Error)
	appendEntry(t, svc, gdb, "u1", 50, types.LedgerChangeTypePurchase, 50)
	appendEntry(t, svc, gdb, "u1", -10, types.LedgerChangeTypeConsume, 40)

	// Counter matches the log: nothing to do.
	res, err := svc.Rebuild(context.Background(), "u1", true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Drift)
	assert.False(t, res.Repaired)

	// Introduce drift behind the ledger's back.
	require.NoError(t, gdb.Model(&models.UserBalance{}).
		Where("user_id = ?", "u1").
		Update("available_points", 47).Error)

	res, err = svc.Rebuild(context.Background(), "u1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.LoggedAvailable)
	assert.Equal(t, int64(47), res.StoredAvailable)
	assert.Equal(t, int64(7), res.Drift)
	assert.False(t, res.Repaired)

	// Repair resets the counter and logs the correction.
	res, err = svc.Rebuild(context.Background(), "u1", true)
	require.NoError(t, err)
	assert.True(t, res.Repaired)

	var b models.UserBalance
	require.NoError(t, gdb.Where("user_id = ?", "u1").First(&b).Error)
	assert.Equal(t, int64(40), b.AvailablePoints)

	var corrections int64
	require.NoError(t, gdb.Model(&models.LedgerLog{}).
		Where("user_id = ? AND change_type = ?", "u1", types.LedgerChangeTypeAdminAdjust).
		Count(&corrections).Error)
	assert.Equal(t, int64(1), corrections)
}
