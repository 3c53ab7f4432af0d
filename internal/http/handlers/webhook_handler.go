// README: Delivery provider webhook: signature check, parsing and status fan-out.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pangea/internal/modules/dispatch"
	"pangea/internal/modules/group"
	"pangea/internal/orchestration"
)

const SignatureHeader = "X-Uber-Signature"

type WebhookHandler struct {
	app    *orchestration.Context
	secret string
	log    *slog.Logger
}

func NewWebhookHandler(app *orchestration.Context, secret string, log *slog.Logger) *WebhookHandler {
	return &WebhookHandler{app: app, secret: secret, log: log}
}

// Delivery handles POST /webhooks/delivery.
func (h *WebhookHandler) Delivery(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := dispatch.VerifySignature(h.secret, body, c.GetHeader(SignatureHeader)); err != nil {
		writeError(c, http.StatusUnauthorized, err.Error())
		return
	}
	ev, err := dispatch.ParseWebhook(body)
	if err != nil {
		// Unknown event kinds are acknowledged so the provider stops retrying.
		if errors.Is(err, dispatch.ErrUnknownWebhook) {
			h.log.Info("webhook ignored", "error", err)
			c.Status(http.StatusNoContent)
			return
		}
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	switch ev.Kind {
	case dispatch.EventDeliveryStatus:
		_, err := h.app.OnDeliveryStatus(c.Request.Context(), ev.DeliveryID, ev.Status)
		if errors.Is(err, group.ErrNotFound) {
			h.log.Warn("status for unknown delivery", "delivery_id", ev.DeliveryID, "status", ev.Status)
			c.Status(http.StatusNoContent)
			return
		}
		if err != nil {
			writeDomainError(c, h.log, err)
			return
		}
	case dispatch.EventCourierUpdate:
		h.log.Debug("courier update", "delivery_id", ev.DeliveryID, "dropoff_eta", ev.DropoffETA)
	}
	c.Status(http.StatusNoContent)
}
