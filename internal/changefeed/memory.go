package changefeed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/ledger"
)

const subscriberBuffer = 16

type memorySubscription struct {
	broker *MemoryBroker
	email  string
	ch     chan api.ChangeEvent
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan api.ChangeEvent { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() { s.broker.remove(s) })
	return nil
}

// MemoryBroker is an in-process broker for single-instance deployments and tests.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	logger *slog.Logger
	closed bool
}

// NewMemoryBroker builds an in-process broker.
func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{}), logger: logger}
}

// Publish delivers event to every subscriber of its email. A subscriber whose
// buffer is full misses the event; any later event or a reconciliation
// still invalidates its session.
func (b *MemoryBroker) Publish(_ context.Context, event api.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ledger.NormalizeEmail(event.Email)] {
		select {
		case sub.ch <- event:
		default:
			if b.logger != nil {
				b.logger.Warn("changefeed subscriber lagging, event dropped", slog.String("email", event.Email))
			}
		}
	}
	return nil
}

// Subscribe registers interest in email's row.
func (b *MemoryBroker) Subscribe(_ context.Context, email string) (Subscription, error) {
	key := ledger.NormalizeEmail(email)
	sub := &memorySubscription{broker: b, email: key, ch: make(chan api.ChangeEvent, subscriberBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub, nil
	}
	if b.subs[key] == nil {
		b.subs[key] = make(map[*memorySubscription]struct{})
	}
	b.subs[key][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.email]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.email)
	}
	close(sub.ch)
}

// Close terminates every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for email, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, email)
	}
	b.closed = true
	return nil
}
