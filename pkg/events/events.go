package events

import (
	"sync"
	"time"
)

// EventType classifies an entity change.
type EventType string

const (
	EventClusterCreated  EventType = "cluster.created"
	EventClusterUpdated  EventType = "cluster.updated"
	EventClusterDeleted  EventType = "cluster.deleted"
	EventServiceCreated  EventType = "service.created"
	EventServiceUpdated  EventType = "service.updated"
	EventServiceDeleted  EventType = "service.deleted"
	EventMappingCreated  EventType = "mapping.created"
	EventMappingUpdated  EventType = "mapping.updated"
	EventMappingDeleted  EventType = "mapping.deleted"
	EventProxyRegistered EventType = "proxy.registered"
	EventProxyUpdated    EventType = "proxy.updated"
	EventProxyRevoked    EventType = "proxy.revoked"
	EventCARotated       EventType = "ca.rotated"
	EventCertIssued      EventType = "cert.issued"
	EventCertRevoked     EventType = "cert.revoked"
)

// Event is one entity change. Subscribers treat it as a dirty marker
// for the cluster and reread state from the repository; the event
// itself carries no entity payload.
type Event struct {
	Type      EventType
	ClusterID string
	EntityID  string
	Timestamp time.Time
}

// Subscriber receives events.
type Subscriber chan *Event

// Broker fans entity-change events out to subscribers. Slow
// subscribers lose events rather than block publishers; that is safe
// because consumers reconcile against the repository, not the event
// stream.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for distribution.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
