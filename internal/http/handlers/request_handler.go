// README: Food request, cancellation and order-detail handlers.
package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pangea/internal/http/middleware"
	"pangea/internal/modules/group"
	"pangea/internal/orchestration"
)

type RequestHandler struct {
	app *orchestration.Context
	log *slog.Logger
}

func NewRequestHandler(app *orchestration.Context, log *slog.Logger) *RequestHandler {
	return &RequestHandler{app: app, log: log}
}

type foodRequestReq struct {
	Restaurant string `json:"restaurant"`
	Location   string `json:"location"`
	Time       string `json:"time"`
}

// Create handles POST /api/requests.
func (h *RequestHandler) Create(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	var req foodRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	req.Restaurant = strings.TrimSpace(req.Restaurant)
	req.Location = strings.TrimSpace(req.Location)
	req.Time = strings.TrimSpace(req.Time)
	if req.Restaurant == "" || req.Location == "" || req.Time == "" {
		writeError(c, http.StatusBadRequest, "missing restaurant, location or time")
		return
	}

	out, err := h.app.OnFoodRequest(c.Request.Context(), uid, req.Restaurant, req.Location, req.Time)
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	resp := map[string]any{"outcome": userOutcome(out.Kind)}
	if out.Group != nil {
		resp["group"] = groupJSON(out.Group, nil, uid, false)
	}
	status := http.StatusCreated
	if out.Kind == group.OutcomeWaiting {
		status = http.StatusAccepted
	}
	writeJSON(c, status, resp)
}

// Cancel handles POST /api/cancellations.
func (h *RequestHandler) Cancel(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	res, err := h.app.OnCancel(c.Request.Context(), uid)
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	if res.Withdrawn {
		writeJSON(c, http.StatusOK, map[string]any{"withdrawn": true})
		return
	}
	resp := map[string]any{"withdrawn": false, "cancelled_group_id": res.Group.Cancelled}
	if middleware.CallerRole(c) == "admin" {
		resp["carried"] = res.Group.Carried
		if res.Group.Continuation != nil {
			resp["continuation_group_id"] = *res.Group.Continuation
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

type orderDetailsReq struct {
	Identifier  string `json:"identifier"`
	Description string `json:"description"`
}

// OrderDetails handles POST /api/order-details.
func (h *RequestHandler) OrderDetails(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	var req orderDetailsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		writeError(c, http.StatusBadRequest, "missing identifier")
		return
	}
	g, err := h.app.OnOrderDetails(c.Request.Context(), uid, req.Identifier, strings.TrimSpace(req.Description))
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"group": groupJSON(g, nil, uid, false)})
}

// userOutcome is what a requester is told: every kind of group is a match.
func userOutcome(k group.OutcomeKind) string {
	if k == group.OutcomeWaiting {
		return "waiting"
	}
	return "matched"
}
