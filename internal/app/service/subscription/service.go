package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/logctx"
	"github.com/fatflowers/pointsledger/pkg/tool"
	"github.com/fatflowers/pointsledger/pkg/types"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service owns the per-user subscription state machine:
//
//	none -> active -> active(cancel_at_period_end) -> expired
//	                active -> cancelled (administrative, immediate)
//
// Terminal transitions (expired, cancelled) zero the user's point
// balance, moving the remainder into expired_points.
type Service struct {
	cfg    *config.Config
	db     *gorm.DB
	ledger *ledgerlog.Service
	log    *zap.SugaredLogger
}

func NewService(cfg *config.Config, db *gorm.DB, ledger *ledgerlog.Service, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, ledger: ledger, log: log}
}

type CreateRequest struct {
	UserID              string
	PlanID              string
	StartDate           time.Time
	EndDate             time.Time
	SourceTransactionID string
	Extra               datatypes.JSON
}

// Create inserts a new active subscription. It fails with
// ErrSubscriptionExists while the user already holds a usable active
// row; a stale active row past its end date is lazily expired first.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*models.Subscription, error) {
	var created *models.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.CreateInTx(ctx, tx, req, types.SubscriptionChangeReasonCreated)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateInTx is Create inside a caller-owned transaction; the payment
// event processor uses it so the subscription row, the point grant, and
// the ledger entry commit as one unit.
func (s *Service) CreateInTx(ctx context.Context, tx *gorm.DB, req *CreateRequest, reason types.SubscriptionChangeReason) (*models.Subscription, error) {
	if req == nil || req.UserID == "" || req.PlanID == "" || req.SourceTransactionID == "" {
		return nil, fmt.Errorf("subscription: invalid create request")
	}
	now := time.Now()

	active, err := s.loadActiveTx(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if active.ActiveAt(now) {
			return nil, ErrSubscriptionExists
		}
		// Stale row: status still says active but the period is over.
		// Expire it here so the partial unique index does not block the
		// new period.
		if _, err := s.expireInTx(ctx, tx, active, now); err != nil {
			return nil, err
		}
	}

	row := &models.Subscription{
		ID:                  tool.GenerateUUIDV7(),
		UserID:              req.UserID,
		PlanID:              req.PlanID,
		Status:              types.SubscriptionStatusActive,
		SourceTransactionID: req.SourceTransactionID,
		StartDate:           req.StartDate,
		EndDate:             req.EndDate,
		Extra:               req.Extra,
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		// gorm.ErrDuplicatedKey here is either event redelivery (source
		// transaction id) or a lost create race (partial unique index);
		// both propagate untouched so the caller can classify.
		return nil, err
	}
	if err := s.logTransitionTx(ctx, tx, nil, row, reason, map[string]any{"event_id": req.SourceTransactionID}); err != nil {
		return nil, err
	}
	return row, nil
}

// RequestCancellation flags cancel-at-period-end. The row stays active
// and entitlement continues until the end date; repeating the request
// is a no-op.
func (s *Service) RequestCancellation(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	var after *models.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.loadTx(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if before.Status != types.SubscriptionStatusActive {
			return ErrNotActive
		}
		if before.CancelAtPeriodEnd {
			after = before
			return nil
		}
		now := time.Now()
		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND status = ? AND cancel_at_period_end = ?", subscriptionID, types.SubscriptionStatusActive, false).
			Updates(map[string]any{"cancel_at_period_end": true, "cancelled_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to request cancellation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost a race with another cancellation request; treat as done.
			after = before
			return nil
		}
		cp := *before
		cp.CancelAtPeriodEnd = true
		cp.CancelledAt = &now
		after = &cp
		s.logTransition(ctx, before, after, types.SubscriptionChangeReasonCancelRequested, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// ForceCancel terminates immediately (administrative path) and zeroes
// the user's available points.
func (s *Service) ForceCancel(ctx context.Context, subscriptionID, operatorID string) (*models.Subscription, error) {
	var after *models.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.loadTx(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		now := time.Now()
		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND status = ?", subscriptionID, types.SubscriptionStatusActive).
			Updates(map[string]any{"status": types.SubscriptionStatusCancelled, "cancelled_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to cancel subscription: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotActive
		}
		if err := s.zeroBalanceTx(ctx, tx, before.UserID, "subscription cancelled", map[string]any{
			"subscription_id": subscriptionID,
			"operator_id":     operatorID,
		}); err != nil {
			return err
		}
		cp := *before
		cp.Status = types.SubscriptionStatusCancelled
		cp.CancelledAt = &now
		after = &cp
		s.logTransition(ctx, before, after, types.SubscriptionChangeReasonForceCancelled, map[string]any{"operator_id": operatorID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return after, nil
}

// ExpireIfPastPeriod transitions a still-active row whose period has
// passed to expired and zeroes the balance. Returns false when the row
// is not yet due (or already terminal); callers treat that as a no-op.
func (s *Service) ExpireIfPastPeriod(ctx context.Context, subscriptionID string, now time.Time) (bool, error) {
	var expired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.loadTx(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		expired, err = s.expireInTx(ctx, tx, row, now)
		return err
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

func (s *Service) expireInTx(ctx context.Context, tx *gorm.DB, row *models.Subscription, now time.Time) (bool, error) {
	if row.Status != types.SubscriptionStatusActive || !row.EndDate.Before(now) {
		return false, nil
	}
	res := tx.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND status = ? AND end_date < ?", row.ID, types.SubscriptionStatusActive, now).
		Update("status", types.SubscriptionStatusExpired)
	if res.Error != nil {
		return false, fmt.Errorf("failed to expire subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err := s.zeroBalanceTx(ctx, tx, row.UserID, "subscription period lapsed", map[string]any{
		"subscription_id": row.ID,
	}); err != nil {
		return false, err
	}
	cp := *row
	cp.Status = types.SubscriptionStatusExpired
	if err := s.logTransitionTx(ctx, tx, row, &cp, types.SubscriptionChangeReasonExpired, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireLapsed sweeps every active subscription with a passed end date.
// Invoked by an external scheduler (ledgerctl), never by an in-process
// timer.
func (s *Service) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	var due []*models.Subscription
	if err := s.db.WithContext(ctx).
		Where("status = ? AND end_date < ?", types.SubscriptionStatusActive, now).
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("failed to select lapsed subscriptions: %w", err)
	}
	expired := 0
	for _, row := range due {
		ok, err := s.ExpireIfPastPeriod(ctx, row.ID, now)
		if err != nil {
			logctx.FromCtx(ctx, s.log).Errorw("failed to expire lapsed subscription",
				"subscription_id", row.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// ValidateUpgrade enforces the upgrade policy: the new plan must exist,
// be active, and cost strictly more than the current one.
func (s *Service) ValidateUpgrade(current *models.Subscription, newPlan *types.Plan) error {
	if current == nil {
		return ErrNotFound
	}
	if !newPlan.Usable() {
		return ErrUpgradeNotAllowed
	}
	currentPlan := s.cfg.GetPlanByID(current.PlanID)
	if currentPlan == nil {
		return fmt.Errorf("current plan not found: %s", current.PlanID)
	}
	if newPlan.Price <= currentPlan.Price {
		return ErrUpgradeNotAllowed
	}
	return nil
}

// UpgradeInTx closes the current subscription and creates the new-plan
// row. State only changes here, via a confirmed payment event; the
// price policy has already been checked by ValidateUpgrade.
func (s *Service) UpgradeInTx(ctx context.Context, tx *gorm.DB, current *models.Subscription, req *CreateRequest) (*models.Subscription, error) {
	now := time.Now()
	res := tx.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND status = ?", current.ID, types.SubscriptionStatusActive).
		Updates(map[string]any{"status": types.SubscriptionStatusCancelled, "cancelled_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to close subscription for upgrade: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotActive
	}
	cp := *current
	cp.Status = types.SubscriptionStatusCancelled
	cp.CancelledAt = &now
	if err := s.logTransitionTx(ctx, tx, current, &cp, types.SubscriptionChangeReasonUpgraded, map[string]any{"new_plan_id": req.PlanID}); err != nil {
		return nil, err
	}
	return s.CreateInTx(ctx, tx, req, types.SubscriptionChangeReasonUpgraded)
}

// Entitlement is the one authoritative purchase-gating check. A stale
// active row past its end date counts as no entitlement even before the
// lazy expiry pass has flipped its status.
func (s *Service) Entitlement(ctx context.Context, userID string, now time.Time) (*types.Entitlement, error) {
	active, err := s.LoadActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	ent := &types.Entitlement{}
	if active != nil && active.ActiveAt(now) {
		ent.HasActive = true
		ent.CanPurchasePoints = true
		ent.PlanID = active.PlanID
		end := active.EndDate
		ent.EndDate = &end
	}
	return ent, nil
}

// LoadActive returns the user's single status=active row, nil when none
// exists. Two active rows is a broken invariant: the caller gets
// ErrInvariantViolation and no automatic mutation may proceed.
func (s *Service) LoadActive(ctx context.Context, userID string) (*models.Subscription, error) {
	return s.loadActiveTx(ctx, s.db, userID)
}

func (s *Service) loadActiveTx(ctx context.Context, tx *gorm.DB, userID string) (*models.Subscription, error) {
	var rows []*models.Subscription
	if err := tx.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, types.SubscriptionStatusActive).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load active subscription: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		logctx.FromCtx(ctx, s.log).Errorw("subscription invariant violated",
			"user_id", userID, "active_rows", len(rows))
		return nil, fmt.Errorf("%w: user %s", ErrInvariantViolation, userID)
	}
}

func (s *Service) loadTx(ctx context.Context, tx *gorm.DB, subscriptionID string) (*models.Subscription, error) {
	var row models.Subscription
	if err := tx.WithContext(ctx).Where("id = ?", subscriptionID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &row, nil
}

// zeroBalanceTx moves the whole available balance into expired_points
// and appends the matching ledger entry. Both column expressions read
// pre-update values, so the pair is consistent without a prior read.
func (s *Service) zeroBalanceTx(ctx context.Context, tx *gorm.DB, userID, reason string, meta map[string]any) error {
	var before models.UserBalance
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&before).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load balance: %w", err)
	}
	if before.AvailablePoints == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).Model(&models.UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"available_points": 0,
			"expired_points":   gorm.Expr("expired_points + available_points"),
		}).Error; err != nil {
		return fmt.Errorf("failed to zero balance: %w", err)
	}
	return s.ledger.Append(ctx, tx, &ledgerlog.Entry{
		UserID:       userID,
		PointsChange: -before.AvailablePoints,
		ChangeType:   types.LedgerChangeTypeExpire,
		Reason:       reason,
		BalanceAfter: 0,
		Metadata:     meta,
	})
}

func transitionRow(before, after *models.Subscription, reason types.SubscriptionChangeReason, extra map[string]any) *models.SubscriptionLog {
	row := &models.SubscriptionLog{
		ID:     tool.GenerateUUIDV7(),
		UserID: after.UserID,
		Reason: reason,
		Before: datatypes.NewJSONType(before),
		After:  datatypes.NewJSONType(after),
		Extra:  datatypes.JSONMap{},
	}
	for k, v := range extra {
		row.Extra[k] = v
	}
	return row
}

// logTransition writes the audit row asynchronously; errors are logged
// but never fail the transition. Only safe when the transition has
// already committed, or commits right after with nothing left to fail.
func (s *Service) logTransition(ctx context.Context, before, after *models.Subscription, reason types.SubscriptionChangeReason, extra map[string]any) {
	go func() {
		if err := s.db.Save(transitionRow(before, after, reason, extra)).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save subscription log: %v", err)
		}
	}()
}

// logTransitionTx writes the audit row inside the caller's transaction.
// The InTx paths use it: their transaction keeps running after the
// transition (point grants, unique-index races), and an audit row must
// not survive a rollback of the transition it records.
func (s *Service) logTransitionTx(ctx context.Context, tx *gorm.DB, before, after *models.Subscription, reason types.SubscriptionChangeReason, extra map[string]any) error {
	if err := tx.WithContext(ctx).Save(transitionRow(before, after, reason, extra)).Error; err != nil {
		return fmt.Errorf("failed to save subscription log: %w", err)
	}
	return nil
}
