package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/fatflowers/pointsledger/internal/app/service/expiry"
	pointsvc "github.com/fatflowers/pointsledger/internal/app/service/points"
	"github.com/fatflowers/pointsledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type SpendRequest struct {
	UserID string `json:"user_id"`
	Cost   int64  `json:"cost"`
	Reason string `json:"reason"`
}

// @Summary      Spend points
// @Description  Atomically spends credit for one metered action. Free-trial uses are consumed before paid points. A denied spend reports whether the user needs a subscription or a top-up.
// @Tags         Points
// @Accept       json
// @Produce      json
// @Param        request body SpendRequest true "Spend request"
// @Success      200  {object}  handlers.RespSpend
// @Router       /api/v1/points/spend [post]
func ApiSpendPoints(svc *pointsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SpendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		res, err := svc.TrySpend(c.Request.Context(), req.UserID, req.Cost, req.Reason)
		if err != nil {
			if errors.Is(err, pointsvc.ErrInvalidCost) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Get balance
// @Description  Returns current point counters after lazily retiring any batches past their validity window.
// @Tags         Points
// @Produce      json
// @Param        user_id query string true "User id"
// @Success      200  {object}  handlers.RespBalance
// @Router       /api/v1/points/balance [get]
func ApiGetBalance(svc *pointsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		view, err := svc.GetBalance(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(view))
	}
}

// @Summary      List expiring batches
// @Description  Returns purchase batches whose validity window ends within the configured look-ahead.
// @Tags         Points
// @Produce      json
// @Param        user_id query string true "User id"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/points/expiring [get]
func ApiListExpiringBatches(rec *expiry.Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		batches, err := rec.ExpiringSoon(c.Request.Context(), userID, time.Now())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(batches))
	}
}

func RegisterPointsRoutes(r gin.IRouter, svc *pointsvc.Service, rec *expiry.Reconciler) {
	r.POST("/spend", ApiSpendPoints(svc))
	r.GET("/balance", ApiGetBalance(svc))
	r.GET("/expiring", ApiListExpiringBatches(rec))
}
