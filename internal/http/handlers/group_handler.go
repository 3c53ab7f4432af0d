// README: Group view handler and the JSON shape shared by group responses.
package handlers

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"pangea/internal/http/middleware"
	"pangea/internal/modules/group"
	"pangea/internal/orchestration"
	"pangea/internal/types"
)

type GroupHandler struct {
	app *orchestration.Context
	log *slog.Logger
}

func NewGroupHandler(app *orchestration.Context, log *slog.Logger) *GroupHandler {
	return &GroupHandler{app: app, log: log}
}

// Get handles GET /api/groups/:id. Members see their group; the admin role sees any.
func (h *GroupHandler) Get(c *gin.Context) {
	uid, ok := caller(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing group id")
		return
	}
	view, err := h.app.Group(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	admin := middleware.CallerRole(c) == "admin"
	if !admin && !view.Group.HasMember(uid) {
		writeError(c, http.StatusForbidden, "not a member of this group")
		return
	}
	resp := groupJSON(view.Group, view.Paid, uid, admin)
	if admin {
		events := make([]map[string]any, 0, len(view.Events))
		for _, ev := range view.Events {
			events = append(events, map[string]any{"type": ev.Type, "detail": ev.Detail, "at": ev.CreatedAt})
		}
		resp["events"] = events
	}
	writeJSON(c, http.StatusOK, resp)
}

// groupJSON renders g for viewer. Members only see their own entry and never
// the group kind, so a solo order, an upgrade and a continuation look the same
// as a real match. Admins see everything.
func groupJSON(g *group.Group, paid []types.ID, viewer types.ID, admin bool) map[string]any {
	resp := map[string]any{
		"group_id":   g.ID,
		"restaurant": g.Restaurant,
		"location":   g.Location,
		"time":       g.EffectiveTime,
		"state":      g.DispatchState,
	}
	if admin {
		members := make([]map[string]any, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, memberJSON(m))
		}
		resp["kind"] = g.Kind
		resp["members"] = members
		if paid != nil {
			resp["paid"] = paid
		}
	} else {
		if m, ok := g.Member(viewer); ok {
			resp["order"] = memberJSON(m)
		}
		if paid != nil {
			resp["you_paid"] = slices.Contains(paid, viewer)
		}
	}
	if g.Handle != nil {
		resp["delivery"] = map[string]any{
			"delivery_id":  g.Handle.DeliveryID,
			"tracking_url": g.Handle.TrackingURL,
			"status":       g.Handle.Status,
			"fee":          g.Handle.Fee.String(),
		}
	}
	return resp
}

func memberJSON(m group.Member) map[string]any {
	return map[string]any{
		"user_id":           m.UserID,
		"order_identifier":  m.OrderIdentifier,
		"order_description": m.OrderDescription,
	}
}
