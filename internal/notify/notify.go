// README: Member notifications: template keys, rendering, and the FCM / log / recording notifiers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"firebase.google.com/go/v4/messaging"

	"pangea/internal/types"
)

type Key string

const (
	RequestWaiting    Key = "request_waiting"
	Matched           Key = "matched"
	WaitingPartner    Key = "waiting_partner"
	DeliveryScheduled Key = "delivery_scheduled"
	DeliveryTriggered Key = "delivery_triggered"
	DeliveryOnTheWay  Key = "delivery_on_the_way"
	MissedDelivery    Key = "missed_delivery"
	DeliveryStatus    Key = "delivery_status"
)

// Notifier is fire-and-forget: delivery failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, uid types.ID, key Key, data map[string]string)
}

type template struct {
	title string
	body  string
}

var templates = map[Key]template{
	RequestWaiting:    {"Looking for a partner", "We're looking for someone else ordering {restaurant} to {location}. Pay any time and we'll deliver either way."},
	Matched:           {"Group order found", "Great news! Someone else is ordering {restaurant} to {location} around {time}. Pay to lock in your spot."},
	WaitingPartner:    {"Payment received", "Thanks! We're waiting for the rest of your group to pay for {restaurant}."},
	DeliveryScheduled: {"Delivery scheduled", "Your {restaurant} delivery to {location} is scheduled for {time}."},
	DeliveryTriggered: {"Delivery on its way", "Your {restaurant} order is being picked up for {location}. Your share of the delivery fee is {share}. Track it: {tracking_url}"},
	DeliveryOnTheWay:  {"Courier assigned", "A courier is heading to {restaurant}. Track your order: {tracking_url}"},
	MissedDelivery:    {"Delivery left without you", "Your group's {restaurant} delivery left at {time} before your payment came in. Send a new request to order again."},
	DeliveryStatus:    {"Delivery update", "{message}"},
}

var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

// Render fills the template for key. Unknown placeholders render empty.
func Render(key Key, data map[string]string) (string, string) {
	t, ok := templates[key]
	if !ok {
		return "Pangea", string(key)
	}
	fill := func(s string) string {
		return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
			return data[strings.Trim(m, "{}")]
		})
	}
	return fill(t.title), fill(t.body)
}

// FCMNotifier sends to the per-user topic the client app subscribes to.
type FCMNotifier struct {
	client *messaging.Client
	log    *slog.Logger
}

func NewFCMNotifier(client *messaging.Client, log *slog.Logger) *FCMNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &FCMNotifier{client: client, log: log}
}

func (n *FCMNotifier) Notify(ctx context.Context, uid types.ID, key Key, data map[string]string) {
	title, body := Render(key, data)
	payload := make(map[string]string, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["type"] = string(key)
	msg := &messaging.Message{
		Topic:        Topic(uid),
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         payload,
	}
	id, err := n.client.Send(ctx, msg)
	if err != nil {
		n.log.Warn("push notification failed", "user_id", uid, "key", key, "error", err)
		return
	}
	n.log.Debug("push notification sent", "user_id", uid, "key", key, "message_id", id)
}

var topicUnsafe = regexp.MustCompile(`[^a-zA-Z0-9\-_.~%]`)

// Topic is the FCM topic for a user; FCM topics only allow [a-zA-Z0-9-_.~%].
func Topic(uid types.ID) string {
	return "user_" + topicUnsafe.ReplaceAllString(string(uid), "_")
}

// LogNotifier writes notifications to the log; used without Firebase.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, uid types.ID, key Key, data map[string]string) {
	_, body := Render(key, data)
	n.log.Info("notify", "user_id", uid, "key", key, "body", body)
}

// Sent is one recorded notification.
type Sent struct {
	UserID types.ID
	Key    Key
	Data   map[string]string
}

// Recorder keeps notifications in memory for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) Notify(_ context.Context, uid types.ID, key Key, data map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{UserID: uid, Key: key, Data: data})
}

func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Count returns how many times uid received key.
func (r *Recorder) Count(uid types.ID, key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.UserID == uid && s.Key == key {
			n++
		}
	}
	return n
}

// Keys lists what uid received, in order.
func (r *Recorder) Keys(uid types.ID) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Key
	for _, s := range r.sent {
		if s.UserID == uid {
			out = append(out, s.Key)
		}
	}
	return out
}

func (r *Recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, s := range r.sent {
		fmt.Fprintf(&b, "%s:%s ", s.UserID, s.Key)
	}
	return b.String()
}
