// README: Payment signal handler.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pangea/internal/orchestration"
)

type PaymentHandler struct {
	app *orchestration.Context
	log *slog.Logger
}

func NewPaymentHandler(app *orchestration.Context, log *slog.Logger) *PaymentHandler {
	return &PaymentHandler{app: app, log: log}
}

// Pay handles POST /api/payments. The payment itself is taken elsewhere;
// this records that the caller has paid for their active group.
func (h *PaymentHandler) Pay(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	d, err := h.app.OnPaymentSignal(c.Request.Context(), uid)
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	resp := map[string]any{
		"action":        d.Action,
		"group_id":      d.GroupID,
		"first_payment": d.FirstPayment,
	}
	if !d.FireAt.IsZero() {
		resp["fire_at"] = d.FireAt
	}
	if d.Result != nil {
		if d.Result.Success {
			resp["delivery_id"] = d.Result.DeliveryID
			resp["tracking_url"] = d.Result.TrackingURL
		} else {
			resp["reason"] = d.Result.Reason
		}
	}
	writeJSON(c, http.StatusOK, resp)
}
