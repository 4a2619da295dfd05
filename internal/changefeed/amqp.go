package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/ledger"
)

// AMQPBroker relays change events through a direct exchange keyed by email.
// Each subscription owns an exclusive auto-delete queue bound to its email.
type AMQPBroker struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	publish *amqp091.Channel
}

// NewAMQPBroker dials url and declares the exchange.
func NewAMQPBroker(url, exchange string, logger *slog.Logger) (*AMQPBroker, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &AMQPBroker{conn: conn, exchange: exchange, logger: logger, publish: ch}, nil
}

// Publish routes event to the queues bound to its email.
func (b *AMQPBroker) Publish(ctx context.Context, event api.ChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publish == nil {
		return ErrClosed
	}
	err = b.publish.PublishWithContext(ctx, b.exchange, ledger.NormalizeEmail(event.Email), false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe declares a private queue for email and starts consuming it.
func (b *AMQPBroker) Subscribe(ctx context.Context, email string) (Subscription, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, ledger.NormalizeEmail(email), b.exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	sub := &amqpSubscription{ch: ch, out: make(chan api.ChangeEvent, subscriberBuffer), done: make(chan struct{})}
	go sub.pump(deliveries, b.logger)
	return sub, nil
}

// Close closes the publishing channel and the connection. Safe to call twice.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publish != nil {
		b.publish.Close()
		b.publish = nil
	}
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

type amqpSubscription struct {
	ch   *amqp091.Channel
	out  chan api.ChangeEvent
	done chan struct{}
	once sync.Once
}

func (s *amqpSubscription) Events() <-chan api.ChangeEvent { return s.out }

func (s *amqpSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ch.Close()
	})
	return err
}

func (s *amqpSubscription) pump(deliveries <-chan amqp091.Delivery, logger *slog.Logger) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var event api.ChangeEvent
			if err := json.Unmarshal(d.Body, &event); err != nil {
				if logger != nil {
					logger.Warn("discarding malformed change event", slog.Any("error", err))
				}
				continue
			}
			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}
