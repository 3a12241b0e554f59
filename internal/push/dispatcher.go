package push

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kioskads/internal/model"
)

// Publisher delivers a payload to every current subscriber of a topic.
type Publisher interface {
	Publish(topic string, payload []byte) (int, error)
}

type outbound struct {
	topic string
	event Event
}

// Dispatcher turns registry mutations into push events. Emission is
// asynchronous and at-most-once: when the queue is full the event is dropped
// and kiosks catch up on their next reconciliation.
type Dispatcher struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan outbound
	done   chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts the emission worker. Close stops it.
func NewDispatcher(pub Publisher, logger *slog.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		pub:    pub,
		logger: logger,
		now:    time.Now,
		queue:  make(chan outbound, queueSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// AdCreated announces a new ad on the channel matching its scope.
func (d *Dispatcher) AdCreated(ad model.Descriptor) {
	d.enqueue(outbound{TopicForScope(ad.Scope), Event{Type: EventAdded, Ad: &ad}})
}

// AdDeleted announces a deletion on the channel matching the scope the ad had when deleted.
func (d *Dispatcher) AdDeleted(adID int64, scope model.Scope) {
	d.enqueue(outbound{TopicForScope(scope), Event{Type: EventDeleted, AdID: adID}})
}

// ScopeChanged retracts the ad from its old audience and offers it to the new one.
// A reassignment to the same scope emits nothing.
func (d *Dispatcher) ScopeChanged(ad model.Descriptor, from model.Scope) {
	if from == ad.Scope {
		return
	}
	d.enqueue(
		outbound{TopicForScope(from), Event{Type: EventDeleted, AdID: ad.ID}},
		outbound{TopicForScope(ad.Scope), Event{Type: EventAdded, Ad: &ad}},
	)
}

// Updated asks every kiosk the scope reaches to reconcile.
func (d *Dispatcher) Updated(scope model.Scope) {
	d.enqueue(outbound{TopicForScope(scope), Event{Type: EventUpdated}})
}

// AdminRefresh asks every connected kiosk to reconcile now.
func (d *Dispatcher) AdminRefresh() {
	d.enqueue(outbound{BroadcastTopic, Event{Type: EventAdminRefresh}})
}

// Stats reports how many events were handed to the publisher and how many were dropped.
func (d *Dispatcher) Stats() (published, dropped uint64) {
	return d.published.Load(), d.dropped.Load()
}

// Close drains queued events and stops the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

// enqueue adds items as one unit so a reassignment pair is never split.
func (d *Dispatcher) enqueue(items ...outbound) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.dropped.Add(uint64(len(items)))
		return
	}
	if cap(d.queue)-len(d.queue) < len(items) {
		d.dropped.Add(uint64(len(items)))
		d.logger.Warn("push queue full, dropping events", "type", items[0].event.Type, "topic", items[0].topic)
		return
	}
	ts := d.now().UTC()
	for _, it := range items {
		it.event.Timestamp = ts
		d.queue <- it
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for it := range d.queue {
		payload, err := Encode(it.event)
		if err != nil {
			d.logger.Error("encode push event", "type", it.event.Type, "error", err)
			continue
		}
		n, err := d.pub.Publish(it.topic, payload)
		if err != nil {
			d.logger.Warn("publish push event", "topic", it.topic, "error", err)
			continue
		}
		d.published.Add(1)
		d.logger.Debug("push event published", "type", it.event.Type, "topic", it.topic, "subscribers", n)
	}
}
