package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/logctx"
	"github.com/fatflowers/pointsledger/pkg/metrics"
	"github.com/fatflowers/pointsledger/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reconciler retires credit from purchase batches past their validity
// window. It has no schedule of its own: callers invoke Reconcile
// lazily (before a spend, on login, or from the ledgerctl sweep).
type Reconciler struct {
	cfg    *config.Config
	db     *gorm.DB
	ledger *ledgerlog.Service
	log    *zap.SugaredLogger
}

func New(cfg *config.Config, db *gorm.DB, ledger *ledgerlog.Service, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{cfg: cfg, db: db, ledger: ledger, log: log}
}

type Result struct {
	ExpiredBatches int      `json:"expired_batches"`
	ExpiredPoints  int64    `json:"expired_points"`
	NewAvailable   int64    `json:"new_available"`
	BatchIDs       []string `json:"batch_ids,omitempty"`
}

// Reconcile retires every completed, unprocessed batch whose expire_at
// has passed. The debit against available points is capped at the
// current balance (spent credit cannot expire twice); the uncapped
// total is still recorded in the ledger entry for audit.
//
// Claiming a batch flips expired_processed from NULL to true with a
// conditional update, so a retried call can never re-debit a batch it
// already claimed: the whole operation is idempotent per batch.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, now time.Time) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("expiry: empty user id")
	}
	result := &Result{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []*models.PurchaseBatch
		if err := tx.
			Where("user_id = ? AND payment_status = ? AND expire_at < ? AND expired_processed IS NULL",
				userID, types.PaymentStatusCompleted, now).
			Find(&due).Error; err != nil {
			return fmt.Errorf("failed to select due batches: %w", err)
		}

		if len(due) == 0 {
			var balance models.UserBalance
			if err := tx.Where("user_id = ?", userID).First(&balance).Error; err == nil {
				result.NewAvailable = balance.AvailablePoints
			}
			return nil
		}

		// Claim each batch; a lost race (rows affected 0) just means a
		// concurrent reconcile already owns it.
		var claimedPoints int64
		for _, batch := range due {
			res := tx.Model(&models.PurchaseBatch{}).
				Where("id = ? AND expired_processed IS NULL", batch.ID).
				Updates(map[string]any{
					"expired_processed": true,
					"expired_at":        now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to claim batch %s: %w", batch.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			claimedPoints += batch.GrantedPoints
			result.BatchIDs = append(result.BatchIDs, batch.ID)
		}
		if claimedPoints == 0 {
			return nil
		}

		var before models.UserBalance
		if err := tx.Where("user_id = ?", userID).First(&before).Error; err != nil {
			return fmt.Errorf("failed to load balance: %w", err)
		}

		// Capped debit: both column references read the pre-update
		// available_points, so the pair stays consistent even if the
		// claimed total exceeds the spendable remainder.
		if err := tx.Model(&models.UserBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"available_points": gorm.Expr("CASE WHEN available_points > ? THEN available_points - ? ELSE 0 END", claimedPoints, claimedPoints),
				"expired_points":   gorm.Expr("expired_points + CASE WHEN available_points > ? THEN ? ELSE available_points END", claimedPoints, claimedPoints),
			}).Error; err != nil {
			return fmt.Errorf("failed to debit expired points: %w", err)
		}

		var after models.UserBalance
		if err := tx.Where("user_id = ?", userID).First(&after).Error; err != nil {
			return fmt.Errorf("failed to reload balance: %w", err)
		}

		result.ExpiredBatches = len(result.BatchIDs)
		result.ExpiredPoints = claimedPoints
		result.NewAvailable = after.AvailablePoints

		return r.ledger.Append(ctx, tx, &ledgerlog.Entry{
			UserID:       userID,
			PointsChange: -(before.AvailablePoints - after.AvailablePoints),
			ChangeType:   types.LedgerChangeTypeExpire,
			Reason:       "purchase batch validity window passed",
			BalanceAfter: after.AvailablePoints,
			Metadata: map[string]any{
				"batch_ids":       result.BatchIDs,
				"uncapped_points": claimedPoints,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if result.ExpiredBatches > 0 {
		metrics.ObserveExpiredPoints(result.ExpiredPoints)
		logctx.FromCtx(ctx, r.log).Infow("expired purchase batches",
			"user_id", userID, "batches", result.ExpiredBatches, "points", result.ExpiredPoints)
	}
	return result, nil
}

// ExpiringSoon returns completed, unprocessed batches whose expire_at
// falls inside the look-ahead window. Read-only; used for proactive
// notification surfaces.
func (r *Reconciler) ExpiringSoon(ctx context.Context, userID string, now time.Time) ([]*models.PurchaseBatch, error) {
	until := now.Add(r.cfg.ExpiryLookahead())
	var rows []*models.PurchaseBatch
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND payment_status = ? AND expired_processed IS NULL AND expire_at >= ? AND expire_at < ?",
			userID, types.PaymentStatusCompleted, now, until).
		Order("expire_at asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to select expiring batches: %w", err)
	}
	return lo.Filter(rows, func(b *models.PurchaseBatch, _ int) bool { return !b.Processed() }), nil
}
