// Package eventbus broadcasts domain events to named subscribers. Delivery
// is at-least-once per subscriber in publish order; a slow subscriber drops
// events once its bounded queue fills, and never blocks the publisher.
package eventbus

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"

	"github.com/stablepay/paywatch/core/types"
)

// DefaultQueueSize bounds a subscriber's event queue when no explicit size
// is configured.
const DefaultQueueSize = 1024

// Subscription is one subscriber's feed of the bus.
type Subscription struct {
	name   string
	events chan types.Event
	lagged metrics.Counter
	bus    *Bus

	once sync.Once
}

// Events returns the subscriber's delivery channel. The channel is closed
// when the subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan types.Event {
	return s.events
}

// Name returns the subscriber identity the subscription was created with.
func (s *Subscription) Name() string {
	return s.name
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus is a single-producer-multi-consumer broadcast of domain events.
type Bus struct {
	mu        sync.Mutex
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
	log       log.Logger
}

// New creates a bus whose subscribers each buffer up to queueSize events.
func New(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
		log:       log.New("component", "eventbus"),
	}
}

// Subscribe registers a named subscriber. The name keys the subscriber's
// lag counter, so it should be stable across restarts.
func (b *Bus) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		name:   name,
		events: make(chan types.Event, b.queueSize),
		lagged: metrics.GetOrRegisterCounter("paywatch/bus/"+name+"/lagged", nil),
		bus:    b,
	}
	if b.closed {
		sub.once.Do(func() { close(sub.events) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber without blocking. Events arriving
// at a full queue are dropped and counted against that subscriber. Missing
// id and timestamp fields are filled in here so every delivered event is
// self-describing.
func (b *Bus) Publish(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			sub.lagged.Inc(1)
			b.log.Warn("Dropping event for lagging subscriber", "subscriber", sub.name, "type", ev.Type)
		}
	}
}

// Flush waits until every subscriber queue drains or the deadline passes.
// Used during shutdown so in-flight events reach webhook and API consumers.
func (b *Bus) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if b.drained() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close shuts the bus down and closes every subscriber channel. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.events) })
		delete(b.subs, sub)
	}
}

func (b *Bus) drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if len(sub.events) > 0 {
			return false
		}
	}
	return true
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.once.Do(func() { close(sub.events) })
}
