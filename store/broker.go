package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventType identifies a change notification
type EventType string

const (
	// EventDidSave is sent after a context committed changes
	EventDidSave EventType = "did_save"
	// EventRemoteChange is sent when another process committed to the store
	EventRemoteChange EventType = "remote_change"
)

// Event is a change notification delivered to subscribers
type Event struct {
	Type     EventType `json:"type"`
	Context  string    `json:"context,omitempty"`
	Token    int64     `json:"token"`
	Inserted []string  `json:"inserted,omitempty"`
	Updated  []string  `json:"updated,omitempty"`
	Deleted  []string  `json:"deleted,omitempty"`
	Time     time.Time `json:"time"`
}

// Subscription receives events until it is closed or the broker stops
type Subscription struct {
	ID     string
	Events chan Event

	broker *Broker
}

// Close unsubscribes. Events is closed once the broker processed it.
func (s *Subscription) Close() {
	select {
	case s.broker.unregister <- s:
	case <-s.broker.done:
	}
}

// Broker fans change events out to subscribers. Delivery never blocks the
// sender: events for a subscriber whose buffer is full are dropped.
type Broker struct {
	subscribers map[string]*Subscription
	register    chan *Subscription
	unregister  chan *Subscription
	broadcast   chan Event
	done        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
}

// NewBroker creates a broker and starts its dispatch loop
func NewBroker() *Broker {
	b := &Broker{
		subscribers: make(map[string]*Subscription),
		register:    make(chan *Subscription),
		unregister:  make(chan *Subscription),
		broadcast:   make(chan Event, 100),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	for {
		select {
		case <-b.done:
			b.mu.Lock()
			for _, sub := range b.subscribers {
				close(sub.Events)
			}
			b.subscribers = make(map[string]*Subscription)
			b.mu.Unlock()
			log.Debug().Msg("Event broker stopped")
			return

		case sub := <-b.register:
			b.mu.Lock()
			b.subscribers[sub.ID] = sub
			count := len(b.subscribers)
			b.mu.Unlock()
			log.Trace().Str("subscriber", sub.ID).Int("total_subscribers", count).Msg("Subscriber added")

		case sub := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subscribers[sub.ID]; ok {
				delete(b.subscribers, sub.ID)
				close(sub.Events)
			}
			count := len(b.subscribers)
			b.mu.Unlock()
			log.Trace().Str("subscriber", sub.ID).Int("total_subscribers", count).Msg("Subscriber removed")

		case event := <-b.broadcast:
			b.mu.RLock()
			for _, sub := range b.subscribers {
				select {
				case sub.Events <- event:
				default:
					log.Warn().Str("subscriber", sub.ID).Str("event_type", string(event.Type)).Msg("Subscriber buffer full, dropping event")
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Subscribe registers a new subscriber. Events broadcast after Subscribe
// returns are delivered to it.
func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Events: make(chan Event, 32),
		broker: b,
	}

	select {
	case b.register <- sub:
	case <-b.done:
		close(sub.Events)
	}
	return sub
}

// Broadcast queues an event for all subscribers
func (b *Broker) Broadcast(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case b.broadcast <- event:
	default:
		log.Warn().Str("event_type", string(event.Type)).Msg("Broadcast channel full, dropping event")
	}
}

// Stop shuts the broker down and closes every subscription
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
