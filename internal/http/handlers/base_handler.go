// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pangea/internal/http/middleware"
	"pangea/internal/modules/group"
	"pangea/internal/modules/payment"
	"pangea/internal/modules/trigger"
	"pangea/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps module errors to status codes. Anything unknown is
// logged and hidden behind a 500.
func writeDomainError(c *gin.Context, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, group.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, group.ErrNotFound), errors.Is(err, trigger.ErrNoActiveGroup):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, group.ErrNotMember), errors.Is(err, payment.ErrNotMember):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, group.ErrActiveGroup), errors.Is(err, group.ErrInvalidState),
		errors.Is(err, group.ErrConflict), errors.Is(err, group.ErrGroupFull),
		errors.Is(err, trigger.ErrDispatchInFlight):
		writeError(c, http.StatusConflict, err.Error())
	default:
		log.Error("request failed", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// caller is the authenticated user, or false after a 401 has been written.
func caller(c *gin.Context) (types.ID, bool) {
	uid := middleware.CallerUID(c)
	if uid == "" {
		writeError(c, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return types.ID(uid), true
}
