// Package timewheel implements the min-heap scheduler for time/repeat/
// period events described in spec.md §4.3. It replaces the teacher's
// per-task time.Timer map (internal/scheduler.Scheduler.timers) with a
// container/heap so identity replacement and "next due" queries stay
// O(log n) regardless of how many pending entries exist (see DESIGN.md,
// REDESIGN note on this component). The Task.NextRun recompute-on-fire
// idiom from the teacher's scheduler is kept for Repeat entries.
package timewheel

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/songokas/hvents/internal/payload"
)

// Entry is one pending time-wheel fire.
type Entry struct {
	FireAt     time.Time
	Identity   string
	Name       string
	Payload    payload.Payload
	RepeatSpec *string
	EventID    *string

	index int // heap bookkeeping, unused by callers
}

// entryHeap implements container/heap.Interface over *Entry, ordered by
// FireAt (earliest first).
type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].FireAt.Before(h[j].FireAt) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// FireFunc delivers a due entry to the dispatcher.
type FireFunc func(name string, p payload.Payload)

// Wheel is the mutex-guarded min-heap plus identity index described in
// spec.md §4.3/§9: all Schedule/Cancel calls are serialized, and the one
// background Run goroutine is the sole reader of the heap's root.
type Wheel struct {
	mu      sync.Mutex
	h       entryHeap
	byIdent map[string]*Entry
	wake    chan struct{}
	logger  *slog.Logger
}

// New creates an empty time wheel.
func New(logger *slog.Logger) *Wheel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wheel{
		byIdent: map[string]*Entry{},
		wake:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// Schedule inserts e, replacing any existing entry sharing e.Identity
// (spec.md §3: "identity for replacement is event_id if present else
// event_name"). Wakes Run if e may now be the earliest pending entry.
func (w *Wheel) Schedule(e Entry) {
	w.mu.Lock()
	if old, ok := w.byIdent[e.Identity]; ok {
		heap.Remove(&w.h, old.index)
	}
	entry := e
	heap.Push(&w.h, &entry)
	w.byIdent[e.Identity] = &entry
	w.mu.Unlock()
	w.signalWake()
}

// Cancel removes the entry with the given identity, if any.
func (w *Wheel) Cancel(identity string) {
	w.mu.Lock()
	if old, ok := w.byIdent[identity]; ok {
		heap.Remove(&w.h, old.index)
		delete(w.byIdent, identity)
	}
	w.mu.Unlock()
	w.signalWake()
}

// Len reports the number of distinct pending identities, the basis for
// testable property 1 in spec.md §8.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byIdent)
}

// Snapshot returns a copy of every pending entry, used by the restore log
// to persist state without holding the wheel's lock during file I/O.
func (w *Wheel) Snapshot() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.h))
	for _, e := range w.h {
		out = append(out, *e)
	}
	return out
}

func (w *Wheel) signalWake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, firing due entries via fire as they
// come due. It blocks on a timer set to the earliest pending FireAt (or
// an idle timer reset far out when the wheel is empty) and on wake,
// signalled by Schedule/Cancel, so a newly inserted nearer-term entry
// preempts the current sleep instead of waiting for it to elapse — the
// "block on earliest or a wakeup signal, never poll" rule of spec.md
// §4.3. Repeat entries reschedule themselves by recomputing their spec
// from the fire instant.
func (w *Wheel) Run(ctx context.Context, loc Location, fire FireFunc) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		delay := w.nextDelay()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			continue
		case <-timer.C:
			w.fireDue(loc, fire)
		}
	}
}

// nextDelay returns how long Run should sleep before the next due check.
func (w *Wheel) nextDelay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.h) == 0 {
		return time.Hour
	}
	d := time.Until(w.h[0].FireAt)
	if d < time.Second {
		if d < 0 {
			return 0
		}
		return d
	}
	return d
}

// fireDue pops and delivers every entry whose FireAt has passed, oldest
// first, then reinserts Repeat entries recomputed from this fire instant.
func (w *Wheel) fireDue(loc Location, fire FireFunc) {
	now := time.Now()
	var due []*Entry
	w.mu.Lock()
	for len(w.h) > 0 && !w.h[0].FireAt.After(now) {
		e := heap.Pop(&w.h).(*Entry)
		delete(w.byIdent, e.Identity)
		due = append(due, e)
	}
	w.mu.Unlock()

	for _, e := range due {
		fire(e.Name, e.Payload)
		if e.RepeatSpec != nil {
			next, _, err := ParseSpec(*e.RepeatSpec, loc, now)
			if err != nil {
				w.logger.Error("repeat: failed to recompute next fire", "name", e.Name, "error", err)
				continue
			}
			w.Schedule(Entry{
				FireAt:     next,
				Identity:   e.Identity,
				Name:       e.Name,
				Payload:    e.Payload,
				RepeatSpec: e.RepeatSpec,
				EventID:    e.EventID,
			})
		}
	}
}
