package events

import (
	"sync"
	"time"
)

// Message is an in-process notification about one entity.
type Message struct {
	Type      string
	Topic     string
	Timestamp time.Time
	Data      any
}

// Bus fans messages out to per-topic subscribers. Delivery is best effort:
// a subscriber whose buffer is full misses the message instead of stalling
// the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Bus{
		subscribers: make(map[string][]chan Message),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel of messages for topic and a function that
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[topic] = append(b.subscribers[topic], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[topic]
			for i, sub := range subs {
				if sub == ch {
					b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
		})
	}
}

func (b *Bus) Publish(topic, msgType string, data any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := Message{Type: msgType, Topic: topic, Timestamp: time.Now().UTC(), Data: data}
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
	b.closed = true
}
