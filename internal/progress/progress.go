// Package progress fans orchestration progress events out to live
// subscribers. Delivery is best effort: events are never replayed and a
// slow subscriber loses events rather than slowing the publisher.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Event is a single step transition.
type Event struct {
	AlertID         string    `json:"alertId"`
	Step            string    `json:"step"`
	StepName        string    `json:"stepName"`
	Status          string    `json:"status"`
	OverallStatus   string    `json:"overallStatus"`
	ProgressPercent int       `json:"progressPercent"`
	CurrentActivity string    `json:"currentActivity,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Tap receives every published event after subscriber fan-out.
// Implementations must not block.
type Tap interface {
	Forward(ctx context.Context, ev Event)
}

// TapFunc adapts a function to Tap.
type TapFunc func(ctx context.Context, ev Event)

func (f TapFunc) Forward(ctx context.Context, ev Event) { f(ctx, ev) }

// Subscriber is one observer's bounded event queue.
type Subscriber struct {
	ID string

	ch      chan Event
	dropped atomic.Uint64
	joined  bool
	closed  bool
}

// NewSubscriber creates a subscriber with the given queue length.
func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscriber{ID: uuid.NewString(), ch: make(chan Event, buffer)}
}

// Events is closed when the subscriber leaves.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped is the number of events lost to a full queue.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Hub routes events to the subscribers of each alert.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	taps   []Tap
	buffer int

	metrics *Metrics
	logger  log.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBuffer sets the queue length used by Subscribe.
func WithBuffer(n int) Option { return func(h *Hub) { h.buffer = n } }

// WithTap adds a tap.
func WithTap(t Tap) Option { return func(h *Hub) { h.taps = append(h.taps, t) } }

// WithMetrics records hub activity.
func WithMetrics(m *Metrics) Option { return func(h *Hub) { h.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(h *Hub) { h.logger = l } }

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]map[*Subscriber]struct{}),
		buffer: DefaultBuffer,
		logger: log.Nop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Join registers sub for alertID. Joining never fails, including for
// alerts that are unknown or already finished. A subscriber can be joined
// to one alert at a time; a second Join is ignored.
func (h *Hub) Join(alertID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.joined || sub.closed {
		return
	}
	set, ok := h.subs[alertID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[alertID] = set
	}
	set[sub] = struct{}{}
	sub.joined = true
	if h.metrics != nil {
		h.metrics.Subscribers.Inc()
	}
}

// Leave removes sub and closes its queue. Leaving twice is a no-op.
func (h *Hub) Leave(alertID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[alertID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, alertID)
	}
	sub.closed = true
	close(sub.ch)
	if h.metrics != nil {
		h.metrics.Subscribers.Dec()
	}
}

// Subscribe joins a new subscriber and returns it with its leave func.
func (h *Hub) Subscribe(alertID string) (*Subscriber, func()) {
	sub := NewSubscriber(h.buffer)
	h.Join(alertID, sub)
	var once sync.Once
	return sub, func() { once.Do(func() { h.Leave(alertID, sub) }) }
}

// Publish delivers ev to the current subscribers of ev.AlertID without
// blocking, then forwards it to every tap.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.mu.RLock()
	for sub := range h.subs[ev.AlertID] {
		select {
		case sub.ch <- ev:
		default:
			if sub.dropped.Add(1) == 1 {
				h.logger.Warn(ctx, "progress subscriber queue full, dropping events", "alert_id", ev.AlertID, "subscriber", sub.ID)
			}
			if h.metrics != nil {
				h.metrics.Dropped.Inc()
			}
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.Published.Inc()
	}
	for _, t := range h.taps {
		t.Forward(ctx, ev)
	}
}

// Subscribers returns the number of subscribers of alertID.
func (h *Hub) Subscribers(alertID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[alertID])
}
