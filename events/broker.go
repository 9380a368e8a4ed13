package events

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var eventCounter uint64

func nextID() string {
	n := atomic.AddUint64(&eventCounter, 1)
	return time.Now().Format("20060102150405") + "-" + strconv.FormatUint(n, 10)
}

type subscriber struct {
	ch    chan Event
	topic string
}

// Broker fans published events out to subscribers and keeps a bounded
// per-topic history so a late subscriber can catch up.
type Broker struct {
	store       *Store
	subscribers map[string][]*subscriber
	mu          sync.RWMutex
}

func NewBroker(maxHistoryPerDevice int) *Broker {
	return &Broker{
		store:       NewStore(maxHistoryPerDevice),
		subscribers: make(map[string][]*subscriber),
	}
}

// Subscribe returns a channel of future events on topic, the recorded
// history up to this point, and an unsubscribe function.
func (b *Broker) Subscribe(topic string) (ch <-chan Event, history []Event, unsubscribe func()) {
	sub := &subscriber{ch: make(chan Event, 256), topic: topic}

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	for _, raw := range b.store.History(topic) {
		if ev, ok := raw.(Event); ok {
			history = append(history, ev)
		}
	}

	unsubscribe = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}

	return sub.ch, history, unsubscribe
}

// Publish records and fans out a single event. Missing ID/Time fields
// are filled in.
func (b *Broker) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = nextID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	topic := Topic(ev.DevEUI)
	b.store.Record(topic, ev)

	b.mu.RLock()
	subs := b.subscribers[topic]
	errSubs := b.subscribers[ErrorsTopic]
	b.mu.RUnlock()

	b.deliver(subs, ev)
	if ev.Type == Error {
		b.deliver(errSubs, ev)
	}
}

func (b *Broker) deliver(subs []*subscriber, ev Event) {
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("event subscriber buffer full, dropping event", "component", "events", "topic", sub.topic)
		}
	}
}

func (b *Broker) RemoveDevice(devEUI string) {
	topic := Topic(devEUI)
	b.store.Remove(topic)
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[topic]; ok {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.subscribers, topic)
	}
}
