// README: Provider webhook verification and parsing, plus member-facing status wording.
package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventDeliveryStatus = "delivery.status"
	EventCourierUpdate  = "courier.update"
)

// WebhookEvent is a normalized provider callback.
type WebhookEvent struct {
	Kind       string
	DeliveryID string
	Status     string
	DropoffETA string
}

type webhookPayload struct {
	EventType  string `json:"event_type"`
	Kind       string `json:"kind"`
	DeliveryID string `json:"delivery_id"`
	Status     string `json:"status"`
	DropoffETA string `json:"dropoff_eta"`
	Data       struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		DropoffETA string `json:"dropoff_eta"`
	} `json:"data"`
}

// VerifySignature checks a hex HMAC-SHA256 of payload. An empty secret
// disables verification.
func VerifySignature(secret string, payload []byte, signature string) error {
	if secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(got, expected) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the signature VerifySignature accepts. Used by tests and local tooling.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func ParseWebhook(payload []byte) (WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	ev := WebhookEvent{
		Kind:       p.EventType,
		DeliveryID: p.DeliveryID,
		Status:     p.Status,
		DropoffETA: p.DropoffETA,
	}
	if ev.Kind == "" {
		ev.Kind = strings.TrimPrefix(p.Kind, "event.")
		ev.Kind = strings.Replace(ev.Kind, "delivery_status", EventDeliveryStatus, 1)
		ev.Kind = strings.Replace(ev.Kind, "courier_update", EventCourierUpdate, 1)
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = p.Data.ID
	}
	if ev.Status == "" {
		ev.Status = p.Data.Status
	}
	if ev.DropoffETA == "" {
		ev.DropoffETA = p.Data.DropoffETA
	}
	switch ev.Kind {
	case EventDeliveryStatus:
		if ev.DeliveryID == "" || ev.Status == "" {
			return WebhookEvent{}, fmt.Errorf("%w: status event without delivery id or status", ErrUnknownWebhook)
		}
	case EventCourierUpdate:
		if ev.DeliveryID == "" {
			return WebhookEvent{}, fmt.Errorf("%w: courier event without delivery id", ErrUnknownWebhook)
		}
	default:
		return WebhookEvent{}, fmt.Errorf("%w: %q", ErrUnknownWebhook, ev.Kind)
	}
	return ev, nil
}

// EarlyStatus reports statuses that are noise for a delivery still far in the future.
func EarlyStatus(status string) bool {
	switch status {
	case "pending", "pickup", "pickup_complete":
		return true
	}
	return false
}

// StatusMessage is the member-facing text for a provider status.
func StatusMessage(restaurant, status string) string {
	switch status {
	case "pending":
		return fmt.Sprintf("Your %s order is confirmed and being prepared for pickup!", restaurant)
	case "pickup":
		return fmt.Sprintf("Driver is picking up your %s order now!", restaurant)
	case "pickup_complete":
		return fmt.Sprintf("Your %s order has been picked up and is on the way!", restaurant)
	case "dropoff":
		return fmt.Sprintf("Driver is arriving with your %s order!", restaurant)
	case "delivered":
		return fmt.Sprintf("Your %s order has been delivered! Enjoy your meal!", restaurant)
	case "canceled":
		return fmt.Sprintf("Your %s delivery was canceled. Please contact support.", restaurant)
	case "returned":
		return fmt.Sprintf("Your %s order couldn't be delivered and is being returned.", restaurant)
	default:
		return fmt.Sprintf("Your %s order status: %s", restaurant, status)
	}
}
