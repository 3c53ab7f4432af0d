// README: Delivery dispatch request/result types and the provider contract.
package dispatch

import (
	"context"
	"errors"
	"time"

	"pangea/internal/types"
)

var (
	ErrNoProvider     = errors.New("no delivery provider configured")
	ErrUnknownAddress = errors.New("address could not be resolved")
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrUnknownWebhook = errors.New("unknown webhook event")
)

// Failure reasons reported in Result.Reason.
const (
	ReasonTimeout  = "timeout"
	ReasonAddress  = "address"
	ReasonQuote    = "quote"
	ReasonProvider = "provider"
)

// Item is one member's order in the pickup manifest.
type Item struct {
	UserID      types.ID
	Identifier  string
	Description string
}

// Request describes one group delivery. GroupID is the idempotency key.
type Request struct {
	GroupID     types.ID
	Restaurant  string
	Location    string
	Items       []Item
	PickupReady time.Time
	// Scheduled is true for a delivery placed ahead of its pickup time.
	Scheduled bool
}

type Result struct {
	Success     bool
	DeliveryID  string
	TrackingURL string
	Status      string
	Fee         types.Money
	ETA         time.Time
	// Reason is set when Success is false.
	Reason string
}

// Quote is the provider's fee and timing estimate for a route.
type Quote struct {
	ID       string
	Fee      types.Money
	Duration time.Duration
	Expires  time.Time
}

// Delivery is what the provider returned after accepting a delivery.
type Delivery struct {
	ID          string
	TrackingURL string
	Status      string
	Fee         types.Money
	DropoffETA  time.Time
}

// Provider is the third-party delivery API.
type Provider interface {
	Quote(ctx context.Context, pickup, dropoff Address) (*Quote, error)
	CreateDelivery(ctx context.Context, req Request, quote *Quote, pickup, dropoff Address) (*Delivery, error)
}
