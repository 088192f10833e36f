package handlers

import (
	"errors"
	"net/http"
	"time"

	subsvc "github.com/fatflowers/pointsledger/internal/app/service/subscription"
	"github.com/fatflowers/pointsledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// @Summary      Get entitlement
// @Description  Reports whether the user currently holds an active subscription and may purchase point packages.
// @Tags         Subscription
// @Produce      json
// @Param        user_id query string true "User id"
// @Success      200  {object}  handlers.RespEntitlement
// @Router       /api/v1/subscription/entitlement [get]
func ApiGetEntitlement(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		ent, err := svc.Entitlement(c.Request.Context(), userID, time.Now())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(ent))
	}
}

type CancelSubscriptionRequest struct {
	UserID string `json:"user_id"`
}

// @Summary      Request cancellation
// @Description  Marks the user's active subscription to end at the current period boundary. Entitlement continues until then. Repeated calls are no-ops.
// @Tags         Subscription
// @Accept       json
// @Produce      json
// @Param        request body CancelSubscriptionRequest true "Cancellation request"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/subscription/cancel [post]
func ApiCancelSubscription(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CancelSubscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
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
		row, err := svc.RequestCancellation(c.Request.Context(), current.ID)
		if err != nil {
			if errors.Is(err, subsvc.ErrNotActive) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(row))
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, svc *subsvc.Service) {
	r.GET("/entitlement", ApiGetEntitlement(svc))
	r.POST("/cancel", ApiCancelSubscription(svc))
}
