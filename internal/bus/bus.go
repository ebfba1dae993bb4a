// internal/bus/bus.go
package bus

import (
	"sync"

	"go.uber.org/zap"

	"comsrv/internal/protocol"
)

// Notification is an unsolicited message from an actor, tagged with the
// address it originated from.
type Notification struct {
	Source   string
	Response protocol.Response
}

const subscriberDepth = 256

// Bus fans notifications out to subscribers. Producers never block:
// when a subscriber's buffer is full, its oldest pending notification
// is dropped to make room for the new one.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Notification
	nextID int
	logger *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Notification),
		logger: logger.With(zap.String("component", "bus")),
	}
}

// Subscribe registers a new subscriber and returns its channel together
// with an unsubscribe function. Subscription lifetime matches the RPC
// connection that holds it.
func (b *Bus) Subscribe() (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Notification, subscriberDepth)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
	return ch, cancel
}

// Publish delivers the notification to every subscriber in publish
// order per subscriber.
func (b *Bus) Publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			// Subscriber is behind; drop its oldest notification.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- n:
			default:
			}
			b.logger.Warn("Subscriber overflow, dropped notification",
				zap.String("source", n.Source),
			)
		}
	}
}
