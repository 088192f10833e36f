package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/fatflowers/pointsledger/internal/app/service/payment"
	cfgpkg "github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/logctx"
	"github.com/fatflowers/pointsledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// @Summary      Payment webhook
// @Description  Ingests a payment gateway notification. The body is either a raw event or a signed_payload JWS envelope. Redelivery of an already-applied event id returns OK without mutating anything.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        payload body string true "Gateway event payload"
// @Success      200  {object}  handlers.RespApplyResult
// @Router       /api/v1/payment/webhook [post]
func ApiPaymentWebhook(cfg *cfgpkg.Config, proc *payment.Processor, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "unreadable body"))
			return
		}
		evt, err := payment.ParsePayload(cfg, body)
		if err != nil {
			logctx.FromGin(c, log).Errorw("webhook_payload_rejected", "error", err.Error())
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		logctx.FromGin(c, log).Infow("webhook_received", "event_id", evt.EventID, "type", evt.Type)

		res, err := proc.ApplyEvent(c.Request.Context(), evt)
		if err != nil {
			logctx.FromGin(c, log).Errorw("webhook_handle_error", "event_id", evt.EventID, "error", err.Error())
			if errors.Is(err, payment.ErrInvalidReference) {
				// Rejected, not retryable: answer OK so the gateway stops
				// redelivering; the event log keeps the dead letter.
				c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeBadRequest, res))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		logctx.FromGin(c, log).Infow("webhook_handled", "event_id", evt.EventID, "applied", res.Applied, "reason", res.Reason)
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterPaymentWebhookRoutes(r gin.IRouter, cfg *cfgpkg.Config, proc *payment.Processor, log *zap.SugaredLogger) {
	r.POST("/webhook", ApiPaymentWebhook(cfg, proc, log))
}
