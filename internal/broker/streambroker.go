// Package broker hands live diagnosis streams from the goroutine producing
// them to the HTTP handler relaying them as SSE.
package broker

import "sync"

// StreamBroker passes a channel keyed by ID from a producer to the first
// claimant. Later claimants block until the producer releases the stream so
// they can fall back to the persisted case instead of a half-missed stream.
//
// The producer here is the goroutine spawned by the case submission; the
// first claimant is the SSE handler for that submission. A later claimant is
// typically a reconnect after a dropped connection, for which replaying the
// stored case is the right answer.
type StreamBroker[ID comparable, T any] struct {
	mu      sync.Mutex
	live    map[ID]chan T
	waiters map[ID][]chan chan T
}

func NewStreamBroker[ID comparable, T any]() *StreamBroker[ID, T] {
	return &StreamBroker[ID, T]{
		live:    make(map[ID]chan T),
		waiters: make(map[ID][]chan chan T),
	}
}

// Open registers the live stream for id. The producer should keep the
// channel unbuffered so it blocks until a claimant is relaying, and apply a
// timeout if claimants may never arrive.
func (b *StreamBroker[ID, T]) Open(id ID, stream chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live[id] = stream
}

// Claim requests the stream for id. The returned channel yields the live
// stream for the first claimant. For later claimants it stays silent until
// Release, then closes. When nothing is open under id it closes immediately.
func (b *StreamBroker[ID, T]) Claim(id ID) <-chan chan T {
	handoff := make(chan chan T, 1)
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.live[id]
	if !ok {
		close(handoff)
		return handoff
	}
	if _, claimed := b.waiters[id]; !claimed {
		b.waiters[id] = []chan chan T{}
		handoff <- stream
		return handoff
	}
	b.waiters[id] = append(b.waiters[id], handoff)
	return handoff
}

// Release withdraws the stream for id and unblocks every waiting claimant by
// closing their handoff channels.
func (b *StreamBroker[ID, T]) Release(id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.live, id)
	for _, handoff := range b.waiters[id] {
		close(handoff)
	}
	delete(b.waiters, id)
}
