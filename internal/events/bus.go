package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

type subscriber struct {
	ch    chan Event
	topic string // empty for SubscribeAll
}

func (s subscriber) wants(topic string) bool {
	return s.topic == "" || s.topic == topic
}

// EventBus fans crew events out to buffered subscriber channels. Publishing
// never blocks; a subscriber that falls behind loses events, counted by
// Dropped. A nil *EventBus discards everything.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	dropped atomic.Int64
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel of the events published on topic. A bufSize of
// zero or less selects the default buffer.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(topic, bufSize)
}

// SubscribeAll returns a channel of every published event.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add("", bufSize)
}

func (b *EventBus) add(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{ch: ch, topic: topic})
	return ch
}

// TopicOf returns the topic an event belongs to, the part of its type before
// the first dot.
func TopicOf(e Event) string {
	topic, _, _ := strings.Cut(e.EventType(), ".")
	return topic
}

// Emit publishes e on its own topic.
func (b *EventBus) Emit(e Event) {
	b.Publish(TopicOf(e), e)
}

// Publish delivers event to the subscribers of topic and to every
// SubscribeAll channel.
func (b *EventBus) Publish(topic string, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later calls do nothing.
func (b *EventBus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
