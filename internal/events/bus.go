// Package events is the in-process EventBus: best-effort fan-out of lifecycle
// notifications to a bounded set of subscribers. Nothing is persisted and no
// pipeline relies on delivery for correctness.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ankittk/sybil/internal/otel"
	"github.com/ankittk/sybil/pkg/models"
)

// Event types.
const (
	SchedulerTick  = "scheduler:tick"
	SchedulerStart = "scheduler:start"
	SchedulerStop  = "scheduler:stop"

	JobCreated   = "job:created"
	JobStarted   = "job:started"
	JobCompleted = "job:completed"
	JobFailed    = "job:failed"

	FleetTick         = "sybil:tick"
	FleetDeployed     = "sybil:deployed"
	FleetReaction     = "sybil:reaction"
	FleetJobCompleted = "sybil:job_completed"
	FleetJobFailed    = "sybil:job_failed"
	FleetHealthCheck  = "sybil:health_check"
)

// ErrTooManySubscribers is returned by Subscribe when the registry is full.
var ErrTooManySubscribers = errors.New("too many event subscribers")

// Emitter is what the pipelines depend on.
type Emitter interface {
	Emit(eventType string, payload map[string]any)
}

// Bus is the EventBus. The zero value is not usable; use New.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	max     int
	buffer  int
	dropped atomic.Int64
	now     func() time.Time
}

// Subscription is a handle returned by Subscribe. Events arrive on C until
// Unsubscribe is called, after which C is closed.
type Subscription struct {
	C    <-chan models.Event
	ch   chan models.Event
	bus  *Bus
	once sync.Once
}

// New returns a bus that allows at most maxSubscribers concurrent subscribers,
// each with a buffer of buffer events. Non-positive values use the defaults.
func New(maxSubscribers, buffer int) *Bus {
	if maxSubscribers <= 0 {
		maxSubscribers = models.DefaultMaxSubscribers
	}
	if buffer <= 0 {
		buffer = models.DefaultEventBuffer
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		max:    maxSubscribers,
		buffer: buffer,
		now:    time.Now,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= b.max {
		return nil, ErrTooManySubscribers
	}
	ch := make(chan models.Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.subs[s] = struct{}{}
	otel.AddSubscriber()
	return s, nil
}

// Unsubscribe detaches the subscription and closes its channel. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
		otel.RemoveSubscriber()
	})
}

// Emit delivers an event to every current subscriber without blocking. A
// subscriber whose buffer is full misses the event.
func (b *Bus) Emit(eventType string, payload map[string]any) {
	ev := models.Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: b.now().UTC().Format(time.RFC3339Nano),
	}
	otel.RecordEvent(context.Background())
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Discard is an Emitter that drops everything; used when no bus is wired.
type Discard struct{}

func (Discard) Emit(string, map[string]any) {}
