// README: Uber Direct provider: OAuth client credentials, delivery quote, then delivery creation.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"pangea/internal/config"
	"pangea/internal/types"
)

const uberScope = "eats.deliveries"

// UberDirect implements Provider against the Uber Direct REST API.
type UberDirect struct {
	baseURL    string
	customerID string
	http       *http.Client
}

func NewUberDirect(ctx context.Context, cfg config.UberConfig) (*UberDirect, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.CustomerID == "" {
		return nil, fmt.Errorf("uber direct: client id, secret and customer id are required")
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{uberScope},
	}
	return &UberDirect{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		customerID: cfg.CustomerID,
		http:       cc.Client(ctx),
	}, nil
}

type uberAddress struct {
	StreetAddress []string `json:"street_address"`
	City          string   `json:"city"`
	State         string   `json:"state"`
	ZipCode       string   `json:"zip_code"`
	Country       string   `json:"country"`
}

// encodeAddress renders the JSON-in-a-string address format the API expects.
func encodeAddress(a Address) string {
	country := a.Country
	if country == "" {
		country = "US"
	}
	b, _ := json.Marshal(uberAddress{
		StreetAddress: []string{a.Street},
		City:          a.City,
		State:         a.State,
		ZipCode:       a.Zip,
		Country:       country,
	})
	return string(b)
}

type quoteRequest struct {
	PickupAddress  string `json:"pickup_address"`
	DropoffAddress string `json:"dropoff_address"`
}

type quoteResponse struct {
	ID       string    `json:"id"`
	Fee      int64     `json:"fee"`
	Currency string    `json:"currency_type"`
	Duration int       `json:"duration"`
	Expires  time.Time `json:"expires"`
}

func (u *UberDirect) Quote(ctx context.Context, pickup, dropoff Address) (*Quote, error) {
	var resp quoteResponse
	err := u.post(ctx, "delivery_quotes", "", quoteRequest{
		PickupAddress:  encodeAddress(pickup),
		DropoffAddress: encodeAddress(dropoff),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Quote{
		ID:       resp.ID,
		Fee:      types.Money{Amount: resp.Fee, Currency: strings.ToUpper(resp.Currency)},
		Duration: time.Duration(resp.Duration) * time.Minute,
		Expires:  resp.Expires,
	}, nil
}

type manifestItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Size     string `json:"size"`
}

type deliveryRequest struct {
	QuoteID             string         `json:"quote_id,omitempty"`
	ExternalID          string         `json:"external_id"`
	PickupName          string         `json:"pickup_name"`
	PickupBusinessName  string         `json:"pickup_business_name"`
	PickupAddress       string         `json:"pickup_address"`
	PickupPhoneNumber   string         `json:"pickup_phone_number"`
	PickupNotes         string         `json:"pickup_notes"`
	PickupReadyDt       string         `json:"pickup_ready_dt,omitempty"`
	DropoffName         string         `json:"dropoff_name"`
	DropoffAddress      string         `json:"dropoff_address"`
	DropoffPhoneNumber  string         `json:"dropoff_phone_number"`
	DropoffNotes        string         `json:"dropoff_notes"`
	ManifestItems       []manifestItem `json:"manifest_items"`
	ManifestReference   string         `json:"manifest_reference"`
	ManifestTotalValue  int64          `json:"manifest_total_value"`
	DeliverableAction   string         `json:"deliverable_action"`
	UndeliverableAction string         `json:"undeliverable_action"`
	IdempotencyKey      string         `json:"idempotency_key"`
	RequiresDropoffSig  bool           `json:"requires_dropoff_signature"`
	RequiresID          bool           `json:"requires_id"`
}

type deliveryResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	TrackingURL string    `json:"tracking_url"`
	Fee         int64     `json:"fee"`
	Currency    string    `json:"currency"`
	DropoffETA  time.Time `json:"dropoff_eta"`
}

// Per-item value declared to the provider, in cents.
const manifestItemValue = 1500

func (u *UberDirect) CreateDelivery(ctx context.Context, req Request, quote *Quote, pickup, dropoff Address) (*Delivery, error) {
	body := deliveryRequest{
		ExternalID:          string(req.GroupID),
		PickupName:          req.Restaurant + " Pickup",
		PickupBusinessName:  req.Restaurant,
		PickupAddress:       encodeAddress(pickup),
		PickupPhoneNumber:   "+15555555555",
		PickupNotes:         PickupNotes(req.Items),
		DropoffName:         "Pangea Group Order",
		DropoffAddress:      encodeAddress(dropoff),
		DropoffPhoneNumber:  "+15555555555",
		DropoffNotes:        fmt.Sprintf("Group delivery for %d - meet at main entrance of %s", len(req.Items), req.Location),
		ManifestItems:       manifest(req.Items),
		ManifestReference:   "PANGEA-" + string(req.GroupID),
		ManifestTotalValue:  int64(len(req.Items)) * manifestItemValue,
		DeliverableAction:   "deliverable_action_meet_at_door",
		UndeliverableAction: "return",
		IdempotencyKey:      string(req.GroupID),
	}
	if quote != nil {
		body.QuoteID = quote.ID
	}
	if req.Scheduled && !req.PickupReady.IsZero() {
		body.PickupReadyDt = req.PickupReady.UTC().Format("2006-01-02T15:04:05.000Z")
	}

	var resp deliveryResponse
	if err := u.post(ctx, "deliveries", string(req.GroupID), body, &resp); err != nil {
		return nil, err
	}
	d := &Delivery{
		ID:          resp.ID,
		TrackingURL: resp.TrackingURL,
		Status:      resp.Status,
		Fee:         types.Money{Amount: resp.Fee, Currency: strings.ToUpper(resp.Currency)},
		DropoffETA:  resp.DropoffETA,
	}
	if d.Fee.Amount == 0 && quote != nil {
		d.Fee = quote.Fee
	}
	return d, nil
}

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	Op     string
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("uber %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (u *UberDirect) post(ctx context.Context, op, idempotencyKey string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/customers/%s/%s", u.baseURL, u.customerID, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("uber %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("uber %s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("uber %s: decode: %w", op, err)
	}
	return nil
}

// PickupNotes lists each member's order for the courier.
func PickupNotes(items []Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PANGEA GROUP ORDER - %d people:\n", len(items))
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, itemLabel(it, i))
	}
	fmt.Fprintf(&b, "\nTotal: %d orders to pick up", len(items))
	return b.String()
}

func manifest(items []Item) []manifestItem {
	out := make([]manifestItem, len(items))
	for i, it := range items {
		out[i] = manifestItem{Name: itemLabel(it, i), Quantity: 1, Size: "small"}
	}
	return out
}

func itemLabel(it Item, i int) string {
	var label string
	switch {
	case it.Identifier != "" && isOrderNumber(it.Identifier):
		label = "Order #" + it.Identifier
	case it.Identifier != "":
		label = "Name: " + it.Identifier
	default:
		label = fmt.Sprintf("Student order %d", i+1)
	}
	if it.Description != "" {
		label += " - " + it.Description
	}
	return label
}

func isOrderNumber(s string) bool {
	s = strings.TrimPrefix(s, "#")
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') && r != '-' {
			return false
		}
	}
	return strings.ContainsAny(s, "0123456789")
}
