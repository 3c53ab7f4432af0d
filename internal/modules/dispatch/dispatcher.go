// README: Dispatcher wraps the provider call with address resolution, a bounded timeout and result normalization.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pangea/internal/metrics"
)

type Dispatcher struct {
	provider  Provider
	addresses *AddressBook
	timeout   time.Duration
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.Metrics
}

func NewDispatcher(provider Provider, addresses *AddressBook, timeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	if addresses == nil {
		addresses = NewAddressBook(nil)
	}
	return &Dispatcher{
		provider:  provider,
		addresses: addresses,
		timeout:   timeout,
		now:       time.Now,
		log:       log,
		metrics:   m,
	}
}

// Dispatch never returns an error: every failure is a Result with Success=false
// and a Reason. Retrying with the same GroupID never creates a second delivery
// because the group id is the provider idempotency key.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	start := d.now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res := d.dispatch(ctx, req)
	if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Reason = ReasonTimeout
	}
	result := "success"
	if !res.Success {
		result = res.Reason
	}
	d.metrics.Dispatch(result, d.now().Sub(start).Seconds())
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Result {
	if d.provider == nil {
		return Result{Reason: ReasonProvider}
	}
	dropoff, err := d.addresses.Dropoff(ctx, req.Location)
	if err != nil {
		d.log.Warn("dropoff address lookup failed", "group_id", req.GroupID, "location", req.Location, "error", err)
		return Result{Reason: ReasonAddress}
	}
	pickup, err := d.addresses.Restaurant(ctx, req.Restaurant, dropoff)
	if err != nil {
		d.log.Warn("restaurant address lookup failed", "group_id", req.GroupID, "restaurant", req.Restaurant, "error", err)
		return Result{Reason: ReasonAddress}
	}

	quote, err := d.provider.Quote(ctx, pickup, dropoff)
	if err != nil {
		d.log.Warn("delivery quote failed", "group_id", req.GroupID, "error", err)
		return Result{Reason: ReasonQuote}
	}

	del, err := d.provider.CreateDelivery(ctx, req, quote, pickup, dropoff)
	if err != nil {
		d.log.Warn("create delivery failed", "group_id", req.GroupID, "error", err)
		return Result{Reason: ReasonProvider}
	}

	eta := del.DropoffETA
	if eta.IsZero() && quote != nil && quote.Duration > 0 {
		eta = d.now().Add(quote.Duration)
	}
	return Result{
		Success:     true,
		DeliveryID:  del.ID,
		TrackingURL: del.TrackingURL,
		Status:      del.Status,
		Fee:         del.Fee,
		ETA:         eta,
	}
}
