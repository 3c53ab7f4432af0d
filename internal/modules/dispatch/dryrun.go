package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pangea/internal/types"
)

// TravelEstimator estimates courier travel time; maps.RouteService satisfies it.
type TravelEstimator interface {
	TravelTime(ctx context.Context, origin, destination string) (time.Duration, error)
}

// DryRunProvider accepts every delivery without calling out. It is used when no
// provider credentials are configured. Deliveries are keyed by group so a
// retry returns the same delivery.
type DryRunProvider struct {
	mu         sync.Mutex
	deliveries map[types.ID]*Delivery
	travel     TravelEstimator
	log        *slog.Logger
	now        func() time.Time
}

func NewDryRunProvider(travel TravelEstimator, log *slog.Logger) *DryRunProvider {
	if log == nil {
		log = slog.Default()
	}
	return &DryRunProvider{
		deliveries: make(map[types.ID]*Delivery),
		travel:     travel,
		log:        log,
		now:        time.Now,
	}
}

// Flat fee quoted when there is no provider, in cents.
const dryRunFee = 599

func (p *DryRunProvider) Quote(ctx context.Context, pickup, dropoff Address) (*Quote, error) {
	duration := defaultTravel
	if d, ok := straightLineTravel(pickup, dropoff); ok {
		duration = d
	}
	if p.travel != nil {
		if d, err := p.travel.TravelTime(ctx, pickup.Formatted, dropoff.Formatted); err == nil {
			duration = d
		} else {
			p.log.Debug("travel estimate unavailable", "error", err)
		}
	}
	return &Quote{
		ID:       "dryrun-quote",
		Fee:      types.Money{Amount: dryRunFee, Currency: "USD"},
		Duration: duration,
		Expires:  p.now().Add(15 * time.Minute),
	}, nil
}

func (p *DryRunProvider) CreateDelivery(_ context.Context, req Request, quote *Quote, _, _ Address) (*Delivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.deliveries[req.GroupID]; ok {
		return d, nil
	}
	d := &Delivery{
		ID:          "dryrun-" + string(req.GroupID),
		TrackingURL: "https://example.invalid/track/" + string(req.GroupID),
		Status:      "pending",
		Fee:         quote.Fee,
	}
	p.deliveries[req.GroupID] = d
	p.log.Info("dry-run delivery created", "group_id", req.GroupID, "restaurant", req.Restaurant, "items", len(req.Items))
	return d, nil
}

// Count is the number of distinct deliveries created.
func (p *DryRunProvider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deliveries)
}
