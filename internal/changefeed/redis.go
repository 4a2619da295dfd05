package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/ledger"
)

const redisChannelPrefix = "identity-changes:v1:"

// RedisBroker relays change events over Redis pub/sub, one channel per email,
// so every API instance sees writes made through any other.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisBroker builds a broker on an existing client. The client is owned by the caller.
func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger, subs: make(map[*redisSubscription]struct{})}
}

func redisChannel(email string) string {
	return redisChannelPrefix + ledger.NormalizeEmail(email)
}

// Publish sends event on the email's channel.
func (b *RedisBroker) Publish(ctx context.Context, event api.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannel(event.Email), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no event
// published after Subscribe returns can be missed.
func (b *RedisBroker) Subscribe(ctx context.Context, email string) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ps := b.client.Subscribe(ctx, redisChannel(email))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe change events: %w", err)
	}

	sub := &redisSubscription{broker: b, ps: ps, ch: make(chan api.ChangeEvent, subscriberBuffer), done: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ps.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	go sub.pump(b.logger)
	return sub, nil
}

// Close ends every open subscription. The Redis client is closed by its owner.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type redisSubscription struct {
	broker *RedisBroker
	ps     *redis.PubSub
	ch     chan api.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan api.ChangeEvent { return s.ch }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSubscription) pump(logger *slog.Logger) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var event api.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				if logger != nil {
					logger.Warn("discarding malformed change event", slog.String("channel", msg.Channel), slog.Any("error", err))
				}
				continue
			}
			select {
			case s.ch <- event:
			case <-s.done:
				return
			}
		}
	}
}
