package cdc

import (
	"sync"

	"github.com/cuemby/dbcore/pkg/metrics"
)

// broker is the dual-channel broadcast primitive shared by Engine's
// per-event and per-batch subscriptions, grounded on
// warren/pkg/events.Broker: a subscriber that falls behind has events
// dropped rather than being allowed to backpressure the publisher.
type broker[T any] struct {
	mu          sync.RWMutex
	subscribers map[chan T]bool
}

func newBroker[T any]() *broker[T] {
	return &broker[T]{subscribers: make(map[chan T]bool)}
}

func (b *broker[T]) subscribe(buffer int) chan T {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(chan T, buffer)
	b.subscribers[sub] = true
	return sub
}

func (b *broker[T]) unsubscribe(sub chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

func (b *broker[T]) broadcast(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- v:
		default:
			metrics.CDCSubscriberDropsTotal.Inc()
		}
	}
}

func (b *broker[T]) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
