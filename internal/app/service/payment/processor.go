package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/eventlog"
	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	pointsvc "github.com/fatflowers/pointsledger/internal/app/service/points"
	subsvc "github.com/fatflowers/pointsledger/internal/app/service/subscription"
	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/logctx"
	"github.com/fatflowers/pointsledger/pkg/metrics"
	"github.com/fatflowers/pointsledger/pkg/tool"
	"github.com/fatflowers/pointsledger/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvalidReference marks events that name an unknown or unusable
// catalog entry, or violate a purchase policy. Such events mutate
// nothing and stay in the event log for manual investigation.
var ErrInvalidReference = errors.New("event references unknown or inactive catalog entry")

// Processor turns gateway notifications into ledger mutations, exactly
// once per external event id. Idempotency rests on unique indexes over
// source_transaction_id, not on application-level reads: two
// near-simultaneous deliveries race at the constraint and the loser
// rolls back whole.
type Processor struct {
	cfg      *config.Config
	db       *gorm.DB
	ledger   *ledgerlog.Service
	points   *pointsvc.Service
	subSvc   *subsvc.Service
	eventLog *eventlog.Service
	log      *zap.SugaredLogger
}

func NewProcessor(cfg *config.Config, db *gorm.DB, ledger *ledgerlog.Service, points *pointsvc.Service, sub *subsvc.Service, events *eventlog.Service, log *zap.SugaredLogger) *Processor {
	return &Processor{cfg: cfg, db: db, ledger: ledger, points: points, subSvc: sub, eventLog: events, log: log}
}

// ApplyEvent applies one gateway notification. All mutations for one
// event commit as a single transaction; any failure after validation
// leaves state exactly as before the call, so the gateway can retry
// with the same event id.
func (p *Processor) ApplyEvent(ctx context.Context, evt *Event) (result *ApplyResult, resErr error) {
	if evt == nil || evt.EventID == "" || evt.UserID == "" {
		return nil, fmt.Errorf("payment: event missing id or user")
	}
	if evt.EventTime.IsZero() {
		evt.EventTime = time.Now()
	}

	dataBytes, _ := json.Marshal(evt)
	traceID, _ := ctx.Value("traceID").(string)
	p.eventLog.Save(ctx, &models.PaymentEventLog{
		EventType: string(evt.Type),
		EventID:   evt.EventID,
		UserID:    lo.ToPtr(evt.UserID),
		TraceID:   traceID,
		EventTime: evt.EventTime,
		Data:      datatypes.JSON(dataBytes),
		Status:    models.PaymentEventLogStatusReceived,
	})

	defer func() {
		resMap := map[string]any{"result": result}
		status := models.PaymentEventLogStatusHandled
		if resErr != nil {
			resMap["error"] = resErr.Error()
			status = models.PaymentEventLogStatusHandleFailed
		}
		resBytes, _ := json.Marshal(resMap)
		p.eventLog.Save(ctx, &models.PaymentEventLog{
			EventType: string(evt.Type),
			EventID:   evt.EventID,
			UserID:    lo.ToPtr(evt.UserID),
			TraceID:   traceID,
			EventTime: time.Now(),
			Data:      datatypes.JSON(dataBytes),
			Result:    func() *datatypes.JSON { j := datatypes.JSON(resBytes); return &j }(),
			Status:    status,
		})
	}()

	switch evt.Type {
	case types.PaymentEventTypePointsPurchase:
		result, resErr = p.applyPointsPurchase(ctx, evt)
	case types.PaymentEventTypeSubscriptionCreated:
		result, resErr = p.applySubscriptionCreated(ctx, evt)
	case types.PaymentEventTypeSubscriptionUpgraded:
		result, resErr = p.applySubscriptionUpgraded(ctx, evt)
	case types.PaymentEventTypeSubscriptionCancelled:
		result, resErr = p.applySubscriptionCancelled(ctx, evt)
	default:
		result = &ApplyResult{Applied: false, Reason: ApplyReasonInvalidReference}
		resErr = fmt.Errorf("%w: unknown event type %q", ErrInvalidReference, evt.Type)
	}

	outcome := "error"
	switch {
	case result != nil && result.Applied:
		outcome = "applied"
	case result != nil && result.Reason != "":
		outcome = string(result.Reason)
	}
	metrics.ObservePaymentEvent(string(evt.Type), outcome)
	return result, resErr
}

func (p *Processor) applyPointsPurchase(ctx context.Context, evt *Event) (*ApplyResult, error) {
	pkg := p.cfg.GetPointPackageByID(evt.PackageID)
	if pkg == nil || !pkg.IsActive {
		return &ApplyResult{Reason: ApplyReasonInvalidReference},
			fmt.Errorf("%w: package %q", ErrInvalidReference, evt.PackageID)
	}

	if err := p.points.EnsureBalance(ctx, evt.UserID); err != nil {
		return nil, err
	}

	granted := pkg.GrantedPoints()
	price := evt.Amount
	if price == 0 {
		price = pkg.Price
	}
	currency := evt.Currency
	if currency == "" {
		currency = pkg.Currency
	}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch := &models.PurchaseBatch{
			ID:                  tool.GenerateUUIDV7(),
			UserID:              evt.UserID,
			PackageID:           pkg.ID,
			GrantedPoints:       granted,
			Price:               price,
			Currency:            currency,
			PaymentStatus:       types.PaymentStatusCompleted,
			SourceTransactionID: evt.EventID,
			ExpireAt:            evt.EventTime.Add(time.Duration(pkg.ValidityDays) * 24 * time.Hour),
			Extra:               datatypes.NewJSONType(&models.PurchaseBatchExtra{PackageSnapshot: pkg}),
		}
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		return p.creditTx(ctx, tx, evt.UserID, granted, price, evt.EventID, fmt.Sprintf("points package %s purchased", pkg.ID), map[string]any{
			"batch_id":   batch.ID,
			"package_id": pkg.ID,
			"event_id":   evt.EventID,
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		logctx.FromCtx(ctx, p.log).Infow("duplicate points purchase event", "event_id", evt.EventID)
		return &ApplyResult{Reason: ApplyReasonDuplicate}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payment: points purchase: %w", err)
	}
	return &ApplyResult{Applied: true}, nil
}

func (p *Processor) applySubscriptionCreated(ctx context.Context, evt *Event) (*ApplyResult, error) {
	plan := p.cfg.GetPlanByID(evt.PlanID)
	if !plan.Usable() {
		return &ApplyResult{Reason: ApplyReasonInvalidReference},
			fmt.Errorf("%w: plan %q", ErrInvalidReference, evt.PlanID)
	}
	if dup, err := p.alreadyApplied(ctx, evt.EventID); err != nil {
		return nil, err
	} else if dup {
		return &ApplyResult{Reason: ApplyReasonDuplicate}, nil
	}
	if err := p.points.EnsureBalance(ctx, evt.UserID); err != nil {
		return nil, err
	}

	start, end := periodFor(evt, plan)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := p.subSvc.CreateInTx(ctx, tx, &subsvc.CreateRequest{
			UserID:              evt.UserID,
			PlanID:              plan.ID,
			StartDate:           start,
			EndDate:             end,
			SourceTransactionID: evt.EventID,
		}, types.SubscriptionChangeReasonCreated)
		if err != nil {
			return err
		}
		if plan.Points <= 0 {
			return nil
		}
		return p.grantPlanPointsTx(ctx, tx, evt, plan, plan.Points, sub.ID, end)
	})
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return &ApplyResult{Reason: ApplyReasonDuplicate}, nil
	case errors.Is(err, subsvc.ErrSubscriptionExists):
		return &ApplyResult{Reason: ApplyReasonSubscriptionExists},
			fmt.Errorf("payment: subscription create: %w", err)
	case err != nil:
		return nil, fmt.Errorf("payment: subscription create: %w", err)
	}
	return &ApplyResult{Applied: true}, nil
}

func (p *Processor) applySubscriptionUpgraded(ctx context.Context, evt *Event) (*ApplyResult, error) {
	newPlan := p.cfg.GetPlanByID(evt.PlanID)
	if !newPlan.Usable() {
		return &ApplyResult{Reason: ApplyReasonInvalidReference},
			fmt.Errorf("%w: plan %q", ErrInvalidReference, evt.PlanID)
	}
	if dup, err := p.alreadyApplied(ctx, evt.EventID); err != nil {
		return nil, err
	} else if dup {
		return &ApplyResult{Reason: ApplyReasonDuplicate}, nil
	}

	current, err := p.subSvc.LoadActive(ctx, evt.UserID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return &ApplyResult{Reason: ApplyReasonNoActiveSubscription},
			fmt.Errorf("%w: no active subscription to upgrade", ErrInvalidReference)
	}
	if err := p.subSvc.ValidateUpgrade(current, newPlan); err != nil {
		return &ApplyResult{Reason: ApplyReasonInvalidReference},
			fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	if err := p.points.EnsureBalance(ctx, evt.UserID); err != nil {
		return nil, err
	}

	currentPlan := p.cfg.GetPlanByID(current.PlanID)
	start, end := periodFor(evt, newPlan)
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := p.subSvc.UpgradeInTx(ctx, tx, current, &subsvc.CreateRequest{
			UserID:              evt.UserID,
			PlanID:              newPlan.ID,
			StartDate:           start,
			EndDate:             end,
			SourceTransactionID: evt.EventID,
		})
		if err != nil {
			return err
		}
		delta := newPlan.Points
		if currentPlan != nil {
			delta = newPlan.Points - currentPlan.Points
		}
		if delta <= 0 {
			return nil
		}
		return p.grantPlanPointsTx(ctx, tx, evt, newPlan, delta, sub.ID, end)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &ApplyResult{Reason: ApplyReasonDuplicate}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payment: subscription upgrade: %w", err)
	}
	return &ApplyResult{Applied: true}, nil
}

func (p *Processor) applySubscriptionCancelled(ctx context.Context, evt *Event) (*ApplyResult, error) {
	current, err := p.subSvc.LoadActive(ctx, evt.UserID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		// Nothing left to cancel; redelivery after the row went terminal
		// lands here and stays a no-op.
		return &ApplyResult{Reason: ApplyReasonNoActiveSubscription}, nil
	}

	now := time.Now()
	switch {
	case evt.Immediate:
		if _, err := p.subSvc.ForceCancel(ctx, current.ID, "payment-gateway"); err != nil {
			if errors.Is(err, subsvc.ErrNotActive) {
				return &ApplyResult{Reason: ApplyReasonDuplicate}, nil
			}
			return nil, fmt.Errorf("payment: subscription cancel: %w", err)
		}
	case current.EndDate.Before(now):
		if _, err := p.subSvc.ExpireIfPastPeriod(ctx, current.ID, now); err != nil {
			return nil, fmt.Errorf("payment: subscription expire: %w", err)
		}
	default:
		if _, err := p.subSvc.RequestCancellation(ctx, current.ID); err != nil {
			return nil, fmt.Errorf("payment: cancellation request: %w", err)
		}
	}
	return &ApplyResult{Applied: true}, nil
}

// creditTx applies a point grant to the balance row and appends the
// purchase ledger entry, inside the caller's transaction.
func (p *Processor) creditTx(ctx context.Context, tx *gorm.DB, userID string, granted, price int64, eventID, reason string, meta map[string]any) error {
	if err := tx.Model(&models.UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"total_points":     gorm.Expr("total_points + ?", granted),
			"available_points": gorm.Expr("available_points + ?", granted),
			"total_recharge":   gorm.Expr("total_recharge + ?", price),
		}).Error; err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	var balance models.UserBalance
	if err := tx.Where("user_id = ?", userID).First(&balance).Error; err != nil {
		return fmt.Errorf("failed to reload balance: %w", err)
	}
	return p.ledger.Append(ctx, tx, &ledgerlog.Entry{
		UserID:       userID,
		PointsChange: granted,
		ChangeType:   types.LedgerChangeTypePurchase,
		Reason:       reason,
		BalanceAfter: balance.AvailablePoints,
		Metadata:     meta,
	})
}

// grantPlanPointsTx books plan-bundled credit as its own purchase batch
// expiring with the subscription period.
func (p *Processor) grantPlanPointsTx(ctx context.Context, tx *gorm.DB, evt *Event, plan *types.Plan, granted int64, subscriptionID string, periodEnd time.Time) error {
	batch := &models.PurchaseBatch{
		ID:                  tool.GenerateUUIDV7(),
		UserID:              evt.UserID,
		PackageID:           plan.ID,
		GrantedPoints:       granted,
		Price:               evt.Amount,
		Currency:            evt.Currency,
		PaymentStatus:       types.PaymentStatusCompleted,
		SourceTransactionID: evt.EventID,
		ExpireAt:            periodEnd,
	}
	if err := tx.Create(batch).Error; err != nil {
		return err
	}
	return p.creditTx(ctx, tx, evt.UserID, granted, evt.Amount, evt.EventID, fmt.Sprintf("plan %s points grant", plan.ID), map[string]any{
		"batch_id":        batch.ID,
		"plan_id":         plan.ID,
		"subscription_id": subscriptionID,
		"event_id":        evt.EventID,
	})
}

// alreadyApplied pre-checks redelivery so the common duplicate case
// answers without starting a transaction. The unique index remains the
// authoritative guard for the race between two first deliveries.
func (p *Processor) alreadyApplied(ctx context.Context, eventID string) (bool, error) {
	var count int64
	if err := p.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("source_transaction_id = ?", eventID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check event id: %w", err)
	}
	return count > 0, nil
}
