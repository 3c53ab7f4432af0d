// README: Entry point; loads config, wires the orchestration context, starts the HTTP server and the task scheduler.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"pangea/internal/config"
	httptransport "pangea/internal/http"
	"pangea/internal/logging"
	"pangea/internal/metrics"
	"pangea/internal/orchestration"
)

func main() {
	log := logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	app, err := orchestration.Build(ctx, cfg, log, m)
	if err != nil {
		log.Error("build", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	gin.SetMode(gin.ReleaseMode)
	router := httptransport.NewRouter(httptransport.RouterDeps{
		App:           app,
		Auth:          httptransport.AuthFor(app),
		WebhookSecret: cfg.Uber.WebhookSecret,
		Metrics:       m,
		Log:           log,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Run(ctx)
	}()

	if err := server.Run(ctx, 15*time.Second); err != nil {
		log.Error("http server", "error", err)
		stop()
	}
	wg.Wait()
	log.Info("shutdown complete")
}
