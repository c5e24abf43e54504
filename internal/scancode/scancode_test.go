package scancode

import (
	"testing"

	"github.com/songokas/hvents/internal/payload"
)

func TestOnCodeDeliversMatchingCode(t *testing.T) {
	var got []string
	r := New(payload.NewStateMap(), func(name string, p payload.Payload) {
		got = append(got, name+":"+p.Data.AsString())
	}, nil)

	r.OnCode("keypad", 28, "enter-pressed")
	r.deliver("keypad", 28)

	if len(got) != 1 || got[0] != "enter-pressed:28" {
		t.Fatalf("got %v", got)
	}
}

func TestDeliverIgnoresNonMatchingCode(t *testing.T) {
	var count int
	r := New(payload.NewStateMap(), func(string, payload.Payload) { count++ }, nil)

	r.OnCode("keypad", 28, "enter-pressed")
	r.deliver("keypad", 2)

	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func TestDeliverIgnoresUnknownDevice(t *testing.T) {
	var count int
	r := New(payload.NewStateMap(), func(string, payload.Payload) { count++ }, nil)

	r.OnCode("keypad", 28, "enter-pressed")
	r.deliver("other-device", 28)

	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func TestMultipleFiltersSameCodeBothFire(t *testing.T) {
	var got []string
	r := New(payload.NewStateMap(), func(name string, p payload.Payload) {
		got = append(got, name)
	}, nil)

	r.OnCode("keypad", 28, "first")
	r.OnCode("keypad", 28, "second")
	r.deliver("keypad", 28)

	if len(got) != 2 {
		t.Fatalf("got %v, want 2 deliveries", got)
	}
}
