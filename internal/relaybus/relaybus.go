// Package relaybus is the Relay Bus (C4): a per-meet multi-producer,
// multi-consumer broadcast of committed updates with bounded per-subscriber
// buffering. The bounded-channel-plus-non-blocking-send-or-drop pattern is
// grounded directly on the RPC server's SSE subscriber fanout
// (subscribersMu RWMutex + slice of subscribers, select{case ch<-x:
// default:} to never block the producer on a slow consumer). Unlike that
// grounding, spec §4.5 requires an overflowing subscriber to be closed
// outright (not merely have one message dropped) so the connection layer
// can force it to reconcile via Pull.
package relaybus

import (
	"sync"

	"github.com/meetsync/meetd/internal/wire"
)

// DefaultBufferSize is the reference buffer depth from spec §4.4.
const DefaultBufferSize = 64

type subscriber struct {
	id uint64
	ch chan wire.UpdateWithServerSeq
}

// Bus is a single meet's relay channel. The Meet Actor is its sole
// producer.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	nextID      uint64
	bufferSize  int
}

func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers a new subscriber and returns its delivery channel
// plus an unsubscribe function. The channel is closed either by calling
// unsubscribe or, if the subscriber falls behind, by the bus itself on
// overflow — callers must treat channel closure as "go reconcile via
// Pull" in both cases.
func (b *Bus) Subscribe() (<-chan wire.UpdateWithServerSeq, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, ch: make(chan wire.UpdateWithServerSeq, b.bufferSize)}
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	unsubscribe := func() { b.remove(id, true) }
	return sub.ch, unsubscribe
}

// Publish delivers u to every live subscriber without blocking. A
// subscriber whose buffer is full is dropped and its channel closed; the
// connection layer observes the closed channel and must Pull to recover.
func (b *Bus) Publish(u wire.UpdateWithServerSeq) {
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- u:
		default:
			b.remove(sub.id, true)
		}
	}
}

// remove drops a subscriber by id. If closeChan is true (always, in
// practice) its channel is closed so a blocked receiver unblocks with a
// zero value and ok==false. Safe to call twice for the same id (e.g. an
// overflow race with an explicit unsubscribe).
func (b *Bus) remove(id uint64, closeChan bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			if closeChan {
				close(sub.ch)
			}
			return
		}
	}
}

// SubscriberCount reports the number of live subscribers, for metrics and
// tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
