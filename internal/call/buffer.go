package call

import (
	"slices"
	"sync"
	"time"

	"partner_voice/native/internal/domain"
)

// DefaultBufferLimit is the per-conversation queue cap when none is given.
const DefaultBufferLimit = 50

// SignalBuffer holds inbound signals per conversation until a consumer drains
// them, and fans every push out to live subscribers.
type SignalBuffer struct {
	limit int
	now   func() time.Time

	mu     sync.Mutex
	queues map[string][]domain.BufferedSignal
	subs   []bufferSub
	nextID int
}

type bufferSub struct {
	id int
	fn func(domain.BufferedSignal)
}

// NewSignalBuffer creates a buffer capping each conversation queue at limit.
func NewSignalBuffer(limit int) *SignalBuffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &SignalBuffer{
		limit:  limit,
		now:    time.Now,
		queues: make(map[string][]domain.BufferedSignal),
	}
}

// Push queues sig for conversationID, dropping the oldest entry beyond the
// cap, then notifies every subscriber.
func (b *SignalBuffer) Push(conversationID string, sig domain.Signal) {
	entry := domain.BufferedSignal{
		ConversationID: conversationID,
		ReceivedAt:     b.now(),
		Signal:         sig,
	}

	b.mu.Lock()
	q := append(b.queues[conversationID], entry)
	if over := len(q) - b.limit; over > 0 {
		q = append([]domain.BufferedSignal(nil), q[over:]...)
	}
	b.queues[conversationID] = q

	handlers := make([]func(domain.BufferedSignal), 0, len(b.subs))
	for _, sub := range b.subs {
		handlers = append(handlers, sub.fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		notify(fn, entry)
	}
}

// Consume returns every queued signal for conversationID and clears the queue.
func (b *SignalBuffer) Consume(conversationID string) []domain.BufferedSignal {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[conversationID]
	delete(b.queues, conversationID)
	if q == nil {
		return []domain.BufferedSignal{}
	}
	return q
}

// Pending returns the number of queued signals for conversationID.
func (b *SignalBuffer) Pending(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[conversationID])
}

// Subscribe registers fn for every future push. The returned func removes it.
func (b *SignalBuffer) Subscribe(fn func(domain.BufferedSignal)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, bufferSub{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(s bufferSub) bool { return s.id == id })
			b.mu.Unlock()
		})
	}
}

func notify(fn func(domain.BufferedSignal), entry domain.BufferedSignal) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("signal subscriber panic for %s: %v", entry.ConversationID, r)
		}
	}()
	fn(entry)
}
