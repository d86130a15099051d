package progress

import (
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

type subscriber struct {
	ownerID string
	ch      chan Message
}

// Broker fans messages out to per-subscriber channels. A subscriber that does not keep up
// loses messages instead of slowing down the upload.
type Broker struct {
	logger log.Logger

	mu      sync.Mutex
	nextID  int
	subs    map[int]*subscriber
	dropped int64
}

// NewBroker ...
func NewBroker(logger log.Logger) *Broker {
	return &Broker{logger: logger, subs: map[int]*subscriber{}}
}

// Subscribe registers a channel receiving the messages of ownerID's uploads, or of every upload
// if ownerID is empty. The returned function unsubscribes and closes the channel.
func (b *Broker) Subscribe(ownerID string, buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ownerID: ownerID, ch: make(chan Message, buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
}

// Publish ...
func (b *Broker) Publish(name Name, e Event) {
	msg := NewMessage(name, e)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.ownerID != "" && sub.ownerID != e.OwnerID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped++
			b.logger.Debugf("Dropping %s message of %s, subscriber is full", msg.Type, e.TrackingID)
		}
	}
}

// Subscribers ...
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the number of messages not delivered to a full subscriber.
func (b *Broker) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
