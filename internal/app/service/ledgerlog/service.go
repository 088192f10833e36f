package ledgerlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fatflowers/pointsledger/internal/models"
	"github.com/fatflowers/pointsledger/pkg/tool"
	"github.com/fatflowers/pointsledger/pkg/types"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

// Entry is the input for one append.
type Entry struct {
	UserID       string
	PointsChange int64
	ChangeType   types.LedgerChangeType
	Reason       string
	BalanceAfter int64
	Metadata     map[string]any
}

// Append writes one immutable log row inside the caller's transaction.
// Balance mutations and their log entries must commit together, so
// callers pass the same tx they mutate the balance with.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, entry *Entry) error {
	if entry == nil || entry.UserID == "" {
		return fmt.Errorf("ledgerlog: empty entry")
	}
	meta := datatypes.JSON("{}")
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("ledgerlog: marshal metadata: %w", err)
		}
		meta = datatypes.JSON(raw)
	}
	row := &models.LedgerLog{
		ID:           tool.GenerateUUIDV7(),
		UserID:       entry.UserID,
		PointsChange: entry.PointsChange,
		ChangeType:   entry.ChangeType,
		Reason:       entry.Reason,
		BalanceAfter: entry.BalanceAfter,
		Metadata:     meta,
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("ledgerlog: append: %w", err)
	}
	return nil
}

type ScanRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanResponse struct {
	Items []*models.LedgerLog `json:"items"`
	Total int64               `json:"total"`
}

// filtersAnd combines multiple CommonFilter into a single clause.Expression.
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

// Scan implements paginated/admin listing with filters.
func (s *Service) Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(&models.LedgerLog{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	var rows []*models.LedgerLog

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	if req.SortBy == "" {
		req.SortBy = "created_at"
	}
	q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	return &ScanResponse{Items: rows, Total: total}, nil
}

type RebuildResult struct {
	UserID          string `json:"user_id"`
	LoggedAvailable int64  `json:"logged_available"`
	StoredAvailable int64  `json:"stored_available"`
	Drift           int64  `json:"drift"`
	Repaired        bool   `json:"repaired"`
}

// Rebuild recomputes available points from the log alone and compares
// with the cached counter. With repair set, a drifted counter is reset
// to the log-derived value; the correction itself is logged so the log
// stays the sole source of truth.
func (s *Service) Rebuild(ctx context.Context, userID string, repair bool) (*RebuildResult, error) {
	result := &RebuildResult{UserID: userID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var logged *int64
		if err := tx.Model(&models.LedgerLog{}).
			Where("user_id = ?", userID).
			Select("SUM(points_change)").Scan(&logged).Error; err != nil {
			return fmt.Errorf("failed to sum ledger entries: %w", err)
		}
		if logged != nil {
			result.LoggedAvailable = *logged
		}

		var balance models.UserBalance
		if err := tx.Where("user_id = ?", userID).First(&balance).Error; err != nil {
			return fmt.Errorf("failed to load balance: %w", err)
		}
		result.StoredAvailable = balance.AvailablePoints
		result.Drift = result.StoredAvailable - result.LoggedAvailable
		if result.Drift == 0 || !repair {
			return nil
		}

		if err := tx.Model(&models.UserBalance{}).
			Where("user_id = ? AND available_points = ?", userID, result.StoredAvailable).
			Update("available_points", result.LoggedAvailable).Error; err != nil {
			return fmt.Errorf("failed to repair balance: %w", err)
		}
		result.Repaired = true
		// Zero delta: no credit moved, the cached counter was simply
		// wrong. A signed entry here would desync the log sum from the
		// counter it just repaired.
		return s.Append(ctx, tx, &Entry{
			UserID:       userID,
			PointsChange: 0,
			ChangeType:   types.LedgerChangeTypeAdminAdjust,
			Reason:       "rebuild from ledger log",
			BalanceAfter: result.LoggedAvailable,
			Metadata:     map[string]any{"drift": result.Drift},
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
