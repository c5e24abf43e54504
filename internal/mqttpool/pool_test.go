package mqttpool

import (
	"context"
	"testing"

	"github.com/songokas/hvents/internal/payload"
)

// These tests exercise the subscription table and delivery routing
// without a live broker: Subscribe/Unsubscribe/deliver only touch the
// network when a client is registered for the pool_id, which none of
// these tests register.

func TestSubscribeAndDeliverRoutesMatchingTopic(t *testing.T) {
	var got []string
	p := New(payload.NewStateMap(), func(name string, pl payload.Payload) {
		got = append(got, name+":"+pl.Data.AsString())
	}, nil)

	if err := p.Subscribe(context.Background(), "", "home/+/temp", "", "temp-changed", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p.deliver(DefaultPoolID, "home/kitchen/temp", []byte("21.5"))

	if len(got) != 1 || got[0] != "temp-changed:21.5" {
		t.Fatalf("got %v", got)
	}
}

func TestDeliverSkipsNonMatchingBody(t *testing.T) {
	var got []string
	p := New(payload.NewStateMap(), func(name string, pl payload.Payload) {
		got = append(got, name)
	}, nil)

	if err := p.Subscribe(context.Background(), "", "alerts/door", "body:open", "door-open", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p.deliver(DefaultPoolID, "alerts/door", []byte("closed"))
	if len(got) != 0 {
		t.Fatalf("expected no delivery for mismatched body, got %v", got)
	}

	p.deliver(DefaultPoolID, "alerts/door", []byte("open"))
	if len(got) != 1 || got[0] != "door-open" {
		t.Fatalf("got %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	var count int
	p := New(payload.NewStateMap(), func(name string, pl payload.Payload) {
		count++
	}, nil)

	if err := p.Subscribe(context.Background(), "", "a/b", "", "ev", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	p.deliver(DefaultPoolID, "a/b", []byte("x"))
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	if err := p.Unsubscribe(context.Background(), "", "a/b", "ev"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	p.deliver(DefaultPoolID, "a/b", []byte("x"))
	if count != 1 {
		t.Fatalf("count = %d after unsubscribe, want still 1", count)
	}
}

func TestPublishWithoutConnectedClientReturnsEffectError(t *testing.T) {
	p := New(payload.NewStateMap(), func(string, payload.Payload) {}, nil)

	err := p.Publish(context.Background(), "missing", "home/light", nil, payload.New(payload.NewStateMap()))
	if err == nil {
		t.Fatal("expected error publishing to an unconnected pool")
	}
}

func TestDeliverRendersPayloadTemplate(t *testing.T) {
	var got payload.Payload
	p := New(payload.NewStateMap(), func(name string, pl payload.Payload) {
		got = pl
	}, nil)

	tmpl := "got: {{data}}"
	if err := p.Subscribe(context.Background(), "", "sensors/temp", "", "temp-changed", &tmpl); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p.deliver(DefaultPoolID, "sensors/temp", []byte("21.5"))

	if got.Data.AsString() != "got: 21.5" {
		t.Fatalf("Data = %q, want %q", got.Data.AsString(), "got: 21.5")
	}
}

func TestMultipleSubscriptionsSameTopicBothFire(t *testing.T) {
	var got []string
	p := New(payload.NewStateMap(), func(name string, pl payload.Payload) {
		got = append(got, name)
	}, nil)

	ctx := context.Background()
	if err := p.Subscribe(ctx, "", "shared/topic", "", "first", nil); err != nil {
		t.Fatalf("Subscribe first: %v", err)
	}
	if err := p.Subscribe(ctx, "", "shared/topic", "", "second", nil); err != nil {
		t.Fatalf("Subscribe second: %v", err)
	}

	p.deliver(DefaultPoolID, "shared/topic", []byte("x"))
	if len(got) != 2 {
		t.Fatalf("got %v, want both subscribers fired", got)
	}
}
