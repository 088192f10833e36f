package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	pointsvc "github.com/fatflowers/pointsledger/internal/app/service/points"
	"github.com/fatflowers/pointsledger/internal/app/service/statistics"
	subsvc "github.com/fatflowers/pointsledger/internal/app/service/subscription"
	"github.com/fatflowers/pointsledger/pkg/response"
	"github.com/fatflowers/pointsledger/pkg/types"

	"github.com/gin-gonic/gin"
)

type AdjustBalanceRequest struct {
	UserID     string `json:"user_id"`
	Delta      int64  `json:"delta"`
	Reason     string `json:"reason"`
	OperatorId string `json:"operator_id"`
}

// @Summary      Adjust balance (Admin)
// @Description  Applies a signed correction to a user's available points. Adjustments may never push the balance below zero.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body AdjustBalanceRequest true "Adjustment request"
// @Success      200  {object}  handlers.RespBalance
// @Router       /api/v1/admin/adjust_balance [post]
func ApiAdjustBalance(svc *pointsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AdjustBalanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" || req.OperatorId == "" || req.Delta == 0 {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id, operator_id or delta"))
			return
		}
		view, err := svc.AdminAdjust(c.Request.Context(), req.UserID, req.Delta, req.Reason, req.OperatorId)
		if err != nil {
			if errors.Is(err, pointsvc.ErrAdjustBelowZero) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(view))
	}
}

type ForceCancelRequest struct {
	UserID     string `json:"user_id"`
	OperatorId string `json:"operator_id"`
}

// @Summary      Force-cancel subscription (Admin)
// @Description  Immediately cancels a user's active subscription and zeroes remaining points.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ForceCancelRequest true "Force cancel request"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/force_cancel_subscription [post]
func ApiForceCancelSubscription(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ForceCancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" || req.OperatorId == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id or operator_id"))
			return
		}
		current, err := svc.LoadActive(c.Request.Context(), req.UserID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		if current == nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "no active subscription"))
			return
		}
		row, err := svc.ForceCancel(c.Request.Context(), current.ID, req.OperatorId)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(row))
	}
}

type ScanLedgerRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

// @Summary      Scan ledger log (Admin)
// @Description  Retrieves a paginated and filterable slice of the append-only point ledger.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ScanLedgerRequest true "Scan request with filters, pagination, and sorting"
// @Success      200  {object}  handlers.RespScanLedger
// @Router       /api/v1/admin/scan_ledger [post]
func ApiScanLedger(svc *ledgerlog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ScanLedgerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.Scan(c.Request.Context(), &ledgerlog.ScanRequest{
			Filters: req.Filters, From: req.From, Size: req.Size,
			SortBy: req.SortBy, SortOrder: req.SortOrder,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

type RebuildLedgerRequest struct {
	UserID string `json:"user_id"`
	Repair bool   `json:"repair"`
}

// @Summary      Rebuild balance from ledger (Admin)
// @Description  Recomputes a user's available points from the ledger log and reports drift against the cached counter, optionally repairing it.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body RebuildLedgerRequest true "Rebuild request"
// @Success      200  {object}  handlers.RespRebuild
// @Router       /api/v1/admin/rebuild_balance [post]
func ApiRebuildBalance(svc *ledgerlog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RebuildLedgerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		res, err := svc.Rebuild(c.Request.Context(), req.UserID, req.Repair)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Expire lapsed subscriptions (Admin)
// @Description  Transitions every active subscription whose period has passed to expired. Intended for the external scheduler.
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/expire_lapsed_subscriptions [post]
func ApiExpireLapsedSubscriptions(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.ExpireLapsed(c.Request.Context(), time.Now())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(map[string]int{"expired": n}))
	}
}

// @Summary      Get ledger statistics (Admin)
// @Description  Retrieves daily point flow, revenue, and subscription aggregates.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body statistics.LedgerStatisticRequest true "Statistic request parameters"
// @Success      200  {object}  handlers.RespLedgerStatistic
// @Router       /api/v1/admin/get_ledger_statistic [post]
func ApiGetLedgerStatistic(svc *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.LedgerStatisticRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.GetLedgerStatistic(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, points *pointsvc.Service, sub *subsvc.Service, ledger *ledgerlog.Service, stats *statistics.Service) {
	r.POST("/adjust_balance", ApiAdjustBalance(points))
	r.POST("/force_cancel_subscription", ApiForceCancelSubscription(sub))
	r.POST("/scan_ledger", ApiScanLedger(ledger))
	r.POST("/rebuild_balance", ApiRebuildBalance(ledger))
	r.POST("/expire_lapsed_subscriptions", ApiExpireLapsedSubscriptions(sub))
	r.POST("/get_ledger_statistic", ApiGetLedgerStatistic(stats))
}
