// Package eventbus provides a small in-process pub/sub bus used to fan out
// lifecycle events (config reloads, queue changes, publish outcomes) to
// interested services without coupling them to each other.
package eventbus

import (
	"sync"
	"time"
)

type Topic string

const (
	TopicConfigReloaded Topic = "config.reloaded"
	TopicQueueChanged   Topic = "queue.changed"
	TopicItemPublished  Topic = "item.published"
	TopicItemFailed     Topic = "item.failed"
)

type Event struct {
	Topic Topic
	At    time.Time
	Data  any
}

// Bus is a non-blocking fanout bus. Publish never blocks: a subscriber whose
// buffer is full misses the event. Subscribers that need every event should
// treat a received event as a hint and re-read authoritative state.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]chan Event
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[Topic]map[int]chan Event)}
}

// Subscribe registers a buffered subscription for the given topics and returns
// the receive channel plus an unsubscribe func. Unsubscribe closes the channel.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	for _, t := range topics {
		m, ok := b.subs[t]
		if !ok {
			m = make(map[int]chan Event)
			b.subs[t] = m
		}
		m[id] = ch
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range topics {
				delete(b.subs[t], id)
			}
			if !b.closed {
				close(ch)
			}
		})
	}
	return ch, unsub
}

func (b *Bus) Publish(topic Topic, data any) {
	ev := Event{Topic: topic, At: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[chan Event]struct{})
	for _, m := range b.subs {
		for _, ch := range m {
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			close(ch)
		}
	}
	b.subs = nil
}
