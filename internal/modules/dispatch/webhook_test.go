package dispatch

import (
	"errors"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event_type":"delivery.status","delivery_id":"del_1","status":"pickup"}`)
	sig := Sign("s3cret", payload)

	if err := VerifySignature("s3cret", payload, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature("s3cret", payload, "deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if err := VerifySignature("s3cret", payload, "not-hex"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for non-hex, got %v", err)
	}
	if err := VerifySignature("", payload, ""); err != nil {
		t.Fatalf("empty secret should disable verification: %v", err)
	}
}

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    string
		id      string
		status  string
		wantErr bool
	}{
		{name: "status event", raw: `{"event_type":"delivery.status","delivery_id":"del_1","status":"pickup_complete","dropoff_eta":"12:40"}`, kind: EventDeliveryStatus, id: "del_1", status: "pickup_complete"},
		{name: "provider kind form", raw: `{"kind":"event.delivery_status","data":{"id":"del_2","status":"delivered"}}`, kind: EventDeliveryStatus, id: "del_2", status: "delivered"},
		{name: "courier update", raw: `{"event_type":"courier.update","delivery_id":"del_3"}`, kind: EventCourierUpdate, id: "del_3"},
		{name: "unknown kind", raw: `{"event_type":"refund.created","delivery_id":"del_4"}`, wantErr: true},
		{name: "status without id", raw: `{"event_type":"delivery.status","status":"pickup"}`, wantErr: true},
		{name: "not json", raw: `hello`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseWebhook([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Kind != tc.kind || ev.DeliveryID != tc.id || ev.Status != tc.status {
				t.Fatalf("got %+v", ev)
			}
		})
	}
}

func TestStatusMessage(t *testing.T) {
	if got := StatusMessage("Chipotle", "delivered"); got != "Your Chipotle order has been delivered! Enjoy your meal!" {
		t.Fatalf("got %q", got)
	}
	if got := StatusMessage("Chipotle", "weird"); got != "Your Chipotle order status: weird" {
		t.Fatalf("got %q", got)
	}
	if !EarlyStatus("pickup") || EarlyStatus("delivered") {
		t.Fatal("early status classification wrong")
	}
}
