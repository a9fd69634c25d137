package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
)

type ContentEventType string

const (
	ContentCreated ContentEventType = "content.created"
	ContentUpdated ContentEventType = "content.updated"
)

type ContentEvent struct {
	Type      ContentEventType `json:"type"`
	ContentID string           `json:"contentId"`
	CreatorID string           `json:"creatorId"`
	Platform  domain.Platform  `json:"platform"`
	At        time.Time        `json:"at"`
}

// Publisher is the write side of the content event stream.
type Publisher interface {
	Publish(event ContentEvent)
}

// Broker fans content events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]*Subscription)}
}

// Subscription is an owned handle on the stream. Close unsubscribes and
// closes C; it is safe to call more than once.
type Subscription struct {
	C <-chan ContentEvent

	id     uint64
	ch     chan ContentEvent
	broker *Broker
	once   sync.Once
}

func (b *Broker) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ContentEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: ch, id: b.nextID, ch: ch, broker: b}
	b.subs[sub.id] = sub
	return sub
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		close(s.ch)
		s.broker.mu.Unlock()
	})
}

func (b *Broker) Publish(event ContentEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
