// Package watch implements root-key change notification: subscribers
// register interest in a key and receive its new value after each commit
// that changes it.
package watch

import "sync"

// bufferSize is the per-subscriber channel capacity. A slow subscriber that
// falls behind loses intermediate values rather than blocking the writer.
const bufferSize = 8

// Broker fans out root-key changes to subscribers registered for that key.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers interest in key, returning a channel that receives
// the new value (nil for a delete) on every subsequent Publish for that
// key, and a cancel func that unregisters it.
func (b *Broker) Subscribe(key string) (ch <-chan []byte, cancel func()) {
	c := make(chan []byte, bufferSize)

	b.mu.Lock()
	set, ok := b.subs[key]
	if !ok {
		set = make(map[chan []byte]struct{})
		b.subs[key] = set
	}
	set[c] = struct{}{}
	b.mu.Unlock()

	var cancelOnce sync.Once
	cancel = func() {
		cancelOnce.Do(func() {
			b.mu.Lock()
			delete(b.subs[key], c)
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
			b.mu.Unlock()
			close(c)
		})
	}
	return c, cancel
}

// Publish delivers value to every current subscriber of key. A subscriber
// whose buffer is full is skipped rather than blocking the caller, which in
// practice is the writer's own batching cycle.
func (b *Broker) Publish(key string, value []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.subs[key] {
		select {
		case c <- value:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are registered for key, for
// tests and diagnostics.
func (b *Broker) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}
