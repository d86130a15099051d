package progress

import (
	"time"
)

// Publisher delivers events to an external channel. Publish must not block.
type Publisher interface {
	Publish(name Name, e Event)
}

// PublisherFunc ...
type PublisherFunc func(name Name, e Event)

// Publish ...
func (f PublisherFunc) Publish(name Name, e Event) {
	f(name, e)
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish ...
func (NopPublisher) Publish(Name, Event) {}

// MultiPublisher fans events out to several publishers.
type MultiPublisher []Publisher

// Publish ...
func (m MultiPublisher) Publish(name Name, e Event) {
	for _, p := range m {
		p.Publish(name, e)
	}
}

// Emitter computes events and hands them to a Publisher.
type Emitter struct {
	publisher Publisher
	now       func() time.Time
}

// NewEmitterWithClock ...
func NewEmitterWithClock(publisher Publisher, now func() time.Time) *Emitter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Emitter{publisher: publisher, now: now}
}

// Emit computes the event of s, publishes it under name and returns it.
func (e *Emitter) Emit(name Name, s State) Event {
	event := Compute(s, e.now())
	e.publisher.Publish(name, event)
	return event
}
