// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"pangea/internal/http/handlers"
	"pangea/internal/http/middleware"
	"pangea/internal/metrics"
	"pangea/internal/orchestration"
)

type RouterDeps struct {
	App *orchestration.Context
	// Auth guards /api; Firebase or trusted-header auth.
	Auth          gin.HandlerFunc
	WebhookSecret string
	Metrics       *metrics.Metrics
	Log           *slog.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	webhooks := handlers.NewWebhookHandler(d.App, d.WebhookSecret, d.Log)
	r.POST("/webhooks/delivery", webhooks.Delivery)

	api := r.Group("/api", d.Auth)

	requests := handlers.NewRequestHandler(d.App, d.Log)
	api.POST("/requests", requests.Create)
	api.POST("/cancellations", requests.Cancel)
	api.POST("/order-details", requests.OrderDetails)

	payments := handlers.NewPaymentHandler(d.App, d.Log)
	api.POST("/payments", payments.Pay)

	groups := handlers.NewGroupHandler(d.App, d.Log)
	api.GET("/groups/:id", groups.Get)

	aiHandler := handlers.NewAIHandler(d.App.Usage, d.Log)
	api.GET("/ai/usage", aiHandler.Usage)

	return r
}

// AuthFor picks the middleware for the configured auth mode.
func AuthFor(app *orchestration.Context) gin.HandlerFunc {
	if app.Config.Auth.Mode == "firebase" && app.Verifier != nil {
		return middleware.Auth(app.Verifier)
	}
	return middleware.HeaderAuth()
}
