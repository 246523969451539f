package kv

import (
	"sync"

	"github.com/google/uuid"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

const subscriberBuffer = 64

// Subscription is one registered listener. Cancel detaches it and
// closes C.
type Subscription struct {
	ID     uuid.UUID
	C      <-chan Message
	cancel func()
}

func (s *Subscription) Cancel() { s.cancel() }

// PubSub fans messages out to channel subscribers. Delivery is
// best-effort and never blocks the publisher: a subscriber whose buffer
// is full misses the message.
type PubSub struct {
	mu     sync.Mutex
	subs   map[string]map[uuid.UUID]chan Message
	closed bool
}

func NewPubSub() *PubSub {
	return &PubSub{subs: make(map[string]map[uuid.UUID]chan Message)}
}

func (ps *PubSub) Subscribe(channel string) *Subscription {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	id := uuid.New()
	ch := make(chan Message, subscriberBuffer)
	if ps.closed {
		close(ch)
		return &Subscription{ID: id, C: ch, cancel: func() {}}
	}

	if ps.subs[channel] == nil {
		ps.subs[channel] = make(map[uuid.UUID]chan Message)
	}
	ps.subs[channel][id] = ch

	return &Subscription{
		ID: id,
		C:  ch,
		cancel: func() {
			ps.mu.Lock()
			defer ps.mu.Unlock()
			if m, ok := ps.subs[channel]; ok {
				if c, ok := m[id]; ok {
					delete(m, id)
					close(c)
				}
				if len(m) == 0 {
					delete(ps.subs, channel)
				}
			}
		},
	}
}

// Publish delivers to every subscriber of channel and returns how many
// received it.
func (ps *PubSub) Publish(channel string, payload []byte) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return 0
	}
	n := 0
	for _, ch := range ps.subs[channel] {
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
			n++
		default:
			// Slow subscriber: drop rather than block the write path.
		}
	}
	return n
}

func (ps *PubSub) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}
	ps.closed = true
	for _, m := range ps.subs {
		for _, ch := range m {
			close(ch)
		}
	}
	ps.subs = make(map[string]map[uuid.UUID]chan Message)
}
