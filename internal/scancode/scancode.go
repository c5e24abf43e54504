// Package scancode implements the input-device stimulus source
// described in spec.md §4.10. No example in the pack touches input
// devices directly; this is new domain wiring on
// github.com/holoplot/go-evdev, structured the way mqttpool and
// filewatch structure their own source loops: one goroutine per open
// device, a mutex-guarded filter table, and synthesized payloads
// delivered through an EnqueueFunc.
package scancode

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/holoplot/go-evdev"

	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
)

// EnqueueFunc delivers a synthesized (name, payload) onto the
// dispatcher's ready channel.
type EnqueueFunc func(name string, p payload.Payload)

type codeFilter struct {
	code      uint16
	eventName string
}

// Reader manages one or more named input devices and the code filters
// installed against them.
type Reader struct {
	mu      sync.Mutex
	devices map[string]*evdev.InputDevice
	filters map[string][]codeFilter // device name -> filters

	state   *payload.StateMap
	enqueue EnqueueFunc
	logger  *slog.Logger
}

// New creates an empty Reader.
func New(state *payload.StateMap, enqueue EnqueueFunc, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		devices: map[string]*evdev.InputDevice{},
		filters: map[string][]codeFilter{},
		state:   state,
		enqueue: enqueue,
		logger:  logger,
	}
}

// Open opens the device at devicePath under the logical name, per
// config.Root.Devices, and starts its read loop in the background.
func (r *Reader) Open(name, devicePath string) error {
	dev, err := evdev.Open(devicePath)
	if err != nil {
		return herrors.NewSource("scancode.Open", devicePath, err)
	}

	r.mu.Lock()
	r.devices[name] = dev
	r.mu.Unlock()

	go r.loop(name, dev)
	return nil
}

// OnCode installs a filter: when device emits a key-down event for
// code, eventName is enqueued with data set to the code's decimal
// string representation.
func (r *Reader) OnCode(device string, code uint16, eventName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[device] = append(r.filters[device], codeFilter{code: code, eventName: eventName})
}

func (r *Reader) loop(name string, dev *evdev.InputDevice) {
	for {
		ev, err := dev.ReadOne()
		if err != nil {
			// ReadOne returns an error once the device node is closed or
			// unplugged; either way this device's loop is done.
			r.logger.Warn("scancode: read failed, closing device", "device", name, "error", err)
			return
		}

		if ev.Type != evdev.EvKey || ev.Value != 1 {
			continue // only key-down transitions are reportable scancodes
		}
		r.deliver(name, uint16(ev.Code))
	}
}

// deliver enqueues eventName for every filter on device matching code.
// Split out of loop so the matching logic is testable without a real
// input device.
func (r *Reader) deliver(device string, code uint16) {
	r.mu.Lock()
	matches := append([]codeFilter{}, r.filters[device]...)
	r.mu.Unlock()

	for _, f := range matches {
		if f.code != code {
			continue
		}
		pl := payload.New(r.state)
		pl.Data = payload.String(strconv.Itoa(int(f.code)))
		r.enqueue(f.eventName, pl)
	}
}

// Close closes every open device.
func (r *Reader) Close() {
	r.mu.Lock()
	devices := make([]*evdev.InputDevice, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()

	for _, d := range devices {
		_ = d.Close()
	}
}
