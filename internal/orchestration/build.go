package orchestration

import (
	"context"
	"fmt"
	"log/slog"

	"pangea/internal/ai"
	"pangea/internal/config"
	"pangea/internal/infra"
	"pangea/internal/maps"
	"pangea/internal/metrics"
	"pangea/internal/modules/aiusage"
	"pangea/internal/modules/dispatch"
	"pangea/internal/modules/group"
	"pangea/internal/modules/payment"
	"pangea/internal/notify"
	"pangea/internal/scheduler"
)

// Build connects every backend cfg asks for and returns a ready Context.
// Optional integrations without credentials fall back to local stand-ins:
// rules-only time matching, the built-in address table, the dry-run
// provider and log notifications.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*Context, error) {
	var (
		comp    Components
		closers []func()
	)
	fail := func(err error) (*Context, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	switch cfg.Store {
	case "memory":
		comp.Groups = group.NewMemoryStore()
		comp.Requests = group.NewMemoryRequestStore()
		comp.Payments = payment.NewMemoryStore()
		comp.Tasks = scheduler.NewMemoryStore()
		comp.Usage = aiusage.NewService(aiusage.NewMemoryStore(), cfg.AI.MonthlyBudget)
		log.Warn("using in-memory stores; state is lost on restart")
	default:
		db, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, db.Close)
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = rdb.Close() })

		comp.Groups = group.NewPGStore(db)
		comp.Requests = group.NewRedisRequestStore(rdb)
		comp.Payments = payment.NewPGStore(db)
		comp.Tasks = scheduler.NewRedisStore(rdb)
		comp.Usage = aiusage.NewService(aiusage.NewPGStore(db), cfg.AI.MonthlyBudget)
	}

	if cfg.AI.GeminiKey != "" {
		reasoner, err := ai.NewGeminiReasoner(ctx, cfg.AI.GeminiKey)
		if err != nil {
			log.Warn("gemini unavailable, time matching uses rules only", "error", err)
		} else {
			comp.Reasoner = reasoner
			closers = append(closers, reasoner.Close)
		}
	}

	var travel dispatch.TravelEstimator
	if cfg.Maps.APIKey != "" {
		places, err := maps.NewPlacesService(cfg.Maps.APIKey)
		if err != nil {
			return fail(fmt.Errorf("maps places: %w", err))
		}
		comp.Resolver = places
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return fail(fmt.Errorf("maps routes: %w", err))
		}
		travel = routes
	}

	if cfg.Uber.ClientID != "" {
		// The token source outlives the startup context.
		uber, err := dispatch.NewUberDirect(context.Background(), cfg.Uber)
		if err != nil {
			return fail(err)
		}
		comp.Provider = uber
	} else {
		log.Warn("no delivery provider credentials, using dry-run dispatch")
		comp.Provider = dispatch.NewDryRunProvider(travel, log)
	}

	if cfg.Firebase.ProjectID != "" {
		fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return fail(err)
		}
		client, err := fb.Messaging(ctx)
		if err != nil {
			return fail(err)
		}
		comp.Notifier = notify.NewFCMNotifier(client, log)
		if cfg.Auth.Mode == "firebase" {
			verifier, err := fb.Verifier(ctx)
			if err != nil {
				return fail(err)
			}
			comp.Verifier = verifier
		}
	} else {
		comp.Notifier = notify.NewLogNotifier(log)
	}
	if cfg.Auth.Mode == "firebase" && comp.Verifier == nil {
		return fail(fmt.Errorf("auth mode firebase requires PANGEA_FIREBASE_PROJECT_ID"))
	}

	oc := New(cfg, comp, log, m)
	for _, fn := range closers {
		oc.OnClose(fn)
	}
	return oc, nil
}
