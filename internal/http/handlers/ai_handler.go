// README: Reasoner usage handler (remaining monthly time-reasoner calls).
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pangea/internal/modules/aiusage"
)

type AIHandler struct {
	usage *aiusage.Service
	log   *slog.Logger
}

func NewAIHandler(usage *aiusage.Service, log *slog.Logger) *AIHandler {
	return &AIHandler{usage: usage, log: log}
}

// Usage handles GET /api/ai/usage.
func (h *AIHandler) Usage(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	if h.usage == nil {
		writeError(c, http.StatusNotFound, "reasoner usage is not metered")
		return
	}
	n, err := h.usage.Remaining(c.Request.Context(), string(uid))
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"remaining": n, "budget": h.usage.Budget()})
}
