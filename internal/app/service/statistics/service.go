package statistics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StatisticType string

const (
	// Daily point flow, split by ledger change type.
	StatisticTypeDailyConsumedPoints StatisticType = "daily_consumed_points"
	StatisticTypeDailyGrantedPoints  StatisticType = "daily_granted_points"
	StatisticTypeDailyExpiredPoints  StatisticType = "daily_expired_points"

	// Purchase revenue, grouped by currency.
	StatisticTypeDailyRevenue StatisticType = "daily_revenue"

	// Subscription counts.
	StatisticTypeDailyNewSubscriptions   StatisticType = "daily_new_subscriptions"
	StatisticTypeActiveSubscriptionCount StatisticType = "active_subscription_count"
)

type LedgerStatisticDataItem struct {
	ID StatisticType `json:"id"`
}

type LedgerStatisticRequest struct {
	Filters   []*types.CommonFilter      `json:"filters"`
	DataItems []*LedgerStatisticDataItem `json:"data_items"`
}

// Build composes a WHERE clause from the request filters.
func (f *LedgerStatisticRequest) Build(builder clause.Builder) {
	if f == nil || len(f.Filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, filter := range f.Filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		filter.Build(builder)
	}
}

type LedgerStatisticResponseDataItem struct {
	Date  string `json:"date"`
	Label string `json:"label,omitempty"`
	Value int64  `json:"value"`
}

type LedgerStatisticResponse struct {
	DataItems map[StatisticType][]LedgerStatisticResponseDataItem `json:"data_items"`
}

// Service answers aggregate questions over the ledger log, purchase
// batches, and subscriptions. Queries stick to DATE() grouping so they
// run unchanged on postgres and the sqlite test store.
type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service { return &Service{db: db} }

func (s *Service) dailyPointFlow(ctx context.Context, request *LedgerStatisticRequest, changeType types.LedgerChangeType, negate bool) ([]LedgerStatisticResponseDataItem, error) {
	sel := "DATE(created_at) as date, COALESCE(SUM(points_change), 0) as value"
	if negate {
		sel = "DATE(created_at) as date, COALESCE(-SUM(points_change), 0) as value"
	}
	var results []LedgerStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.LedgerLog{}).TableName()).
		Select(sel).
		Where("change_type = ?", changeType).
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Group("DATE(created_at)").
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyRevenue(ctx context.Context, request *LedgerStatisticRequest) ([]LedgerStatisticResponseDataItem, error) {
	var results []LedgerStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.PurchaseBatch{}).TableName()).
		Select("DATE(created_at) as date, currency as label, COALESCE(SUM(price), 0) as value").
		Where("payment_status = ?", types.PaymentStatusCompleted).
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Group("DATE(created_at)").
		Group("currency").
		Order(clause.OrderByColumn{Column: clause.Column{Name: "date"}, Desc: true})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getDailyNewSubscriptions(ctx context.Context, request *LedgerStatisticRequest) ([]LedgerStatisticResponseDataItem, error) {
	var results []LedgerStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("DATE(created_at) as date, COUNT(DISTINCT user_id) as value").
		Where(clause.Where{Exprs: []clause.Expression{request}}).
		Group("DATE(created_at)").
		Order("date")
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getActiveSubscriptionCount(ctx context.Context, request *LedgerStatisticRequest) ([]LedgerStatisticResponseDataItem, error) {
	var results []LedgerStatisticResponseDataItem
	q := s.db.WithContext(ctx).Table((models.Subscription{}).TableName()).
		Select("COUNT(*) as value").
		Where("status = ?", types.SubscriptionStatusActive).
		Where("end_date >= ?", time.Now()).
		Where(clause.Where{Exprs: []clause.Expression{request}})
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) getLedgerStatistic(ctx context.Context, request *LedgerStatisticRequest, dataItem *LedgerStatisticDataItem) ([]LedgerStatisticResponseDataItem, error) {
	switch dataItem.ID {
	case StatisticTypeDailyConsumedPoints:
		return s.dailyPointFlow(ctx, request, types.LedgerChangeTypeConsume, true)
	case StatisticTypeDailyGrantedPoints:
		return s.dailyPointFlow(ctx, request, types.LedgerChangeTypePurchase, false)
	case StatisticTypeDailyExpiredPoints:
		return s.dailyPointFlow(ctx, request, types.LedgerChangeTypeExpire, true)
	case StatisticTypeDailyRevenue:
		return s.getDailyRevenue(ctx, request)
	case StatisticTypeDailyNewSubscriptions:
		return s.getDailyNewSubscriptions(ctx, request)
	case StatisticTypeActiveSubscriptionCount:
		return s.getActiveSubscriptionCount(ctx, request)
	default:
		return nil, fmt.Errorf("invalid data item id: %s", dataItem.ID)
	}
}

// GetLedgerStatistic resolves every requested data item in parallel and
// fails the whole request on the first error.
func (s *Service) GetLedgerStatistic(ctx context.Context, request *LedgerStatisticRequest) (*LedgerStatisticResponse, error) {
	var wg sync.WaitGroup
	errChan := make(chan error, len(request.DataItems))
	resChan := make(chan *lo.Entry[StatisticType, []LedgerStatisticResponseDataItem], len(request.DataItems))

	for _, item := range request.DataItems {
		wg.Add(1)
		go func(di *LedgerStatisticDataItem) {
			defer wg.Done()
			res, err := s.getLedgerStatistic(ctx, request, di)
			if err != nil {
				errChan <- err
				return
			}
			resChan <- &lo.Entry[StatisticType, []LedgerStatisticResponseDataItem]{Key: di.ID, Value: res}
		}(item)
	}

	go func() { wg.Wait(); close(errChan); close(resChan) }()

	results := make(map[StatisticType][]LedgerStatisticResponseDataItem)
	for i := 0; i < len(request.DataItems); i++ {
		select {
		case err := <-errChan:
			if err != nil {
				return nil, err
			}
		case entry := <-resChan:
			results[entry.Key] = entry.Value
		}
	}
	return &LedgerStatisticResponse{DataItems: results}, nil
}

var Module = fx.Options(
	fx.Provide(New),
)
