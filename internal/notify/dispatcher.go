// Package notify carries the process-wide record lifecycle signals an
// embedding context can observe. Events carry only an event-type tag.
package notify

import (
	"context"
	"sync"
	"time"
)

const (
	// EventRecordEdited signals that the editing session received changes.
	EventRecordEdited = "record-edited"
	// EventRecordSubmitted signals that a record left the device.
	EventRecordSubmitted = "record-submitted"
)

// Event is a single lifecycle signal.
type Event struct {
	Type      string
	Timestamp time.Time
}

// Dispatcher fans lifecycle events out to subscribers. Slow subscribers
// drop events rather than block publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener. The subscription ends when the context is
// done or the returned cleanup func is called.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}

	d.mu.Lock()
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber that can keep up.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}

	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}
