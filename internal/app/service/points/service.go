package points

import (
	"context"
	"fmt"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/expiry"
	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	subsvc "github.com/fatflowers/pointsledger/internal/app/service/subscription"
	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/logctx"
	"github.com/fatflowers/pointsledger/pkg/metrics"
	"github.com/fatflowers/pointsledger/pkg/tool"
	"github.com/fatflowers/pointsledger/pkg/types"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DenialReason tells the caller what would unblock a denied spend.
type DenialReason string

const (
	DenialReasonNone DenialReason = ""
	// DenialReasonNeedsSubscription: no active subscription, so the user
	// cannot even purchase a top-up.
	DenialReasonNeedsSubscription DenialReason = "needs_subscription"
	// DenialReasonNeedsTopUp: subscribed but out of credit.
	DenialReasonNeedsTopUp DenialReason = "needs_top_up"
)

// Service is the spend path of the ledger. Every grant decision is one
// conditional update at the storage layer; concurrent requests for the
// same user serialize there, never in application code.
type Service struct {
	cfg        *config.Config
	db         *gorm.DB
	ledger     *ledgerlog.Service
	reconciler *expiry.Reconciler
	subSvc     *subsvc.Service
	log        *zap.SugaredLogger
}

func NewService(cfg *config.Config, db *gorm.DB, ledger *ledgerlog.Service, reconciler *expiry.Reconciler, sub *subsvc.Service, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, ledger: ledger, reconciler: reconciler, subSvc: sub, log: log}
}

type SpendResult struct {
	Granted         bool         `json:"granted"`
	UsedFreeTrial   bool         `json:"used_free_trial"`
	RemainingFree   int64        `json:"remaining_free"`
	RemainingPoints int64        `json:"remaining_points"`
	DenialReason    DenialReason `json:"denial_reason,omitempty"`
}

// TrySpend attempts to spend cost credits for the user: free-trial
// allowance first, then an atomic conditional decrement of the paid
// balance. Any storage error means not granted; the caller must not
// perform the metered action (fail closed).
//
// Expired batches are reconciled before the spend so credit past its
// validity window can never be spent just because the user was idle.
func (s *Service) TrySpend(ctx context.Context, userID string, cost int64, reason string) (*SpendResult, error) {
	if cost <= 0 {
		return nil, ErrInvalidCost
	}
	if userID == "" {
		return nil, fmt.Errorf("points: empty user id")
	}
	if err := s.EnsureBalance(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := s.reconciler.Reconcile(ctx, userID, time.Now()); err != nil {
		return nil, fmt.Errorf("points: pre-spend reconcile: %w", err)
	}

	// Free-trial allowance first; the grant is the conditional update
	// itself, so two concurrent calls cannot share the last free use.
	granted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UserBalance{}).
			Where("user_id = ? AND free_trial_remaining > 0", userID).
			Updates(map[string]any{
				"free_trial_remaining": gorm.Expr("free_trial_remaining - 1"),
				"free_trial_used":      gorm.Expr("free_trial_used + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		granted = true
		balance, err := s.loadTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		return s.ledger.Append(ctx, tx, &ledgerlog.Entry{
			UserID:       userID,
			PointsChange: 0,
			ChangeType:   types.LedgerChangeTypeConsume,
			Reason:       reason,
			BalanceAfter: balance.AvailablePoints,
			Metadata:     map[string]any{"free_trial": true},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("points: free trial spend: %w", err)
	}
	if granted {
		balance, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		metrics.ObserveSpend("granted_free_trial")
		return &SpendResult{
			Granted:         true,
			UsedFreeTrial:   true,
			RemainingFree:   balance.FreeTrialRemaining,
			RemainingPoints: balance.AvailablePoints,
		}, nil
	}

	// Paid balance: the guard available_points >= cost and the decrement
	// are one statement. At most one of N concurrent spends can win the
	// last sufficient remainder.
	var balanceAfter int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UserBalance{}).
			Where("user_id = ? AND available_points >= ?", userID, cost).
			Updates(map[string]any{
				"available_points": gorm.Expr("available_points - ?", cost),
				"used_points":      gorm.Expr("used_points + ?", cost),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		granted = true
		balance, err := s.loadTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		balanceAfter = balance.AvailablePoints
		return s.ledger.Append(ctx, tx, &ledgerlog.Entry{
			UserID:       userID,
			PointsChange: -cost,
			ChangeType:   types.LedgerChangeTypeConsume,
			Reason:       reason,
			BalanceAfter: balance.AvailablePoints,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("points: spend: %w", err)
	}

	balance, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if granted {
		metrics.ObserveSpend("granted")
		return &SpendResult{
			Granted:         true,
			RemainingFree:   balance.FreeTrialRemaining,
			RemainingPoints: balanceAfter,
		}, nil
	}

	result := &SpendResult{
		RemainingFree:   balance.FreeTrialRemaining,
		RemainingPoints: balance.AvailablePoints,
		DenialReason:    DenialReasonNeedsSubscription,
	}
	ent, err := s.subSvc.Entitlement(ctx, userID, time.Now())
	if err != nil {
		// The denial itself is already decided; entitlement only refines
		// the hint, so a lookup failure falls back to the stricter one.
		logctx.FromCtx(ctx, s.log).Errorw("entitlement lookup failed during spend denial",
			"user_id", userID, "error", err)
	} else if ent.CanPurchasePoints {
		result.DenialReason = DenialReasonNeedsTopUp
	}
	metrics.ObserveSpend(string(result.DenialReason))
	return result, nil
}

type BalanceView struct {
	UserID             string `json:"user_id"`
	TotalPoints        int64  `json:"total_points"`
	AvailablePoints    int64  `json:"available_points"`
	UsedPoints         int64  `json:"used_points"`
	ExpiredPoints      int64  `json:"expired_points"`
	TotalRecharge      int64  `json:"total_recharge"`
	FreeUsesRemaining  int64  `json:"free_uses_remaining"`
	ReconciledBatchIDs int    `json:"-"`
}

// GetBalance reconciles lazily, then returns the current counters.
func (s *Service) GetBalance(ctx context.Context, userID string) (*BalanceView, error) {
	if err := s.EnsureBalance(ctx, userID); err != nil {
		return nil, err
	}
	rec, err := s.reconciler.Reconcile(ctx, userID, time.Now())
	if err != nil {
		return nil, err
	}
	balance, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		UserID:             userID,
		TotalPoints:        balance.TotalPoints,
		AvailablePoints:    balance.AvailablePoints,
		UsedPoints:         balance.UsedPoints,
		ExpiredPoints:      balance.ExpiredPoints,
		TotalRecharge:      balance.TotalRecharge,
		FreeUsesRemaining:  balance.FreeTrialRemaining,
		ReconciledBatchIDs: rec.ExpiredBatches,
	}, nil
}

// AdminAdjust applies a manual correction. Positive deltas count as
// granted credit; negative deltas only reduce available points and are
// rejected rather than clamped when they would cross zero. Every
// adjustment lands in the ledger with the operator recorded.
func (s *Service) AdminAdjust(ctx context.Context, userID string, delta int64, reason, operatorID string) (*BalanceView, error) {
	if delta == 0 {
		return nil, fmt.Errorf("points: zero adjustment")
	}
	if err := s.EnsureBalance(ctx, userID); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"available_points": gorm.Expr("available_points + ?", delta),
		}
		if delta > 0 {
			updates["total_points"] = gorm.Expr("total_points + ?", delta)
		} else {
			updates["used_points"] = gorm.Expr("used_points + ?", -delta)
		}
		res := tx.Model(&models.UserBalance{}).
			Where("user_id = ? AND available_points + ? >= 0", userID, delta).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAdjustBelowZero
		}
		balance, err := s.loadTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		return s.ledger.Append(ctx, tx, &ledgerlog.Entry{
			UserID:       userID,
			PointsChange: delta,
			ChangeType:   types.LedgerChangeTypeAdminAdjust,
			Reason:       reason,
			BalanceAfter: balance.AvailablePoints,
			Metadata:     map[string]any{"operator_id": operatorID},
		})
	})
	if err != nil {
		return nil, err
	}
	balance, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		UserID:            userID,
		TotalPoints:       balance.TotalPoints,
		AvailablePoints:   balance.AvailablePoints,
		UsedPoints:        balance.UsedPoints,
		ExpiredPoints:     balance.ExpiredPoints,
		TotalRecharge:     balance.TotalRecharge,
		FreeUsesRemaining: balance.FreeTrialRemaining,
	}, nil
}

// EnsureBalance lazily creates the zero-balance row. Concurrent creates
// collapse into one row via DO NOTHING on the user_id unique index.
func (s *Service) EnsureBalance(ctx context.Context, userID string) error {
	freeUses := s.cfg.Ledger.FreeTrialUses
	if freeUses < 0 {
		freeUses = models.DefaultFreeTrialUses
	}
	row := &models.UserBalance{
		ID:                 tool.GenerateUUIDV7(),
		UserID:             userID,
		FreeTrialRemaining: freeUses,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(row).Error; err != nil {
		return fmt.Errorf("points: ensure balance: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, userID string) (*models.UserBalance, error) {
	return s.loadTx(ctx, s.db, userID)
}

func (s *Service) loadTx(ctx context.Context, tx *gorm.DB, userID string) (*models.UserBalance, error) {
	var balance models.UserBalance
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error; err != nil {
		return nil, fmt.Errorf("points: load balance: %w", err)
	}
	return &balance, nil
}
