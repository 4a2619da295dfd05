package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/diegous2023/gestorgastos/internal/changefeed"
	"github.com/diegous2023/gestorgastos/internal/config"
	"github.com/diegous2023/gestorgastos/internal/ledger"
)

// Backends holds the storage and messaging resources selected by config.
// Ledger publishes every committed write on Broker.
type Backends struct {
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Ledger ledger.Ledger
	Broker changefeed.Broker

	closers []func() error
}

// Open connects every backend named in cfg. On failure, whatever was
// already opened is closed.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	if err := b.open(ctx, cfg, logger); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var err error
	if cfg.RedisURL != "" {
		if b.Cache, err = NewRedisClient(ctx, cfg.RedisURL); err != nil {
			return err
		}
		b.closers = append(b.closers, b.Cache.Close)
	}

	var store ledger.Ledger
	switch cfg.LedgerBackend {
	case config.LedgerPostgres:
		if err = ledger.MigratePostgres(cfg.DatabaseURL); err != nil {
			return err
		}
		if b.DB, err = NewPostgresPool(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
		b.closers = append(b.closers, func() error { b.DB.Close(); return nil })
		store = ledger.NewPostgresLedger(b.DB)
	case config.LedgerSQLite:
		sqliteLedger, err := ledger.NewSQLiteLedger(cfg.SQLitePath)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, sqliteLedger.Close)
		store = sqliteLedger
	default:
		store = ledger.NewInMemory()
	}

	switch cfg.FeedBackend {
	case config.FeedRedis:
		if b.Cache == nil {
			return fmt.Errorf("redis change feed requires REDIS_URL")
		}
		b.Broker = changefeed.NewRedisBroker(b.Cache, logger)
	case config.FeedAMQP:
		amqpBroker, err := changefeed.NewAMQPBroker(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return err
		}
		b.Broker = amqpBroker
	default:
		b.Broker = changefeed.NewMemoryBroker(logger)
	}
	b.closers = append(b.closers, b.Broker.Close)

	b.Ledger = changefeed.NewPublishingLedger(store, b.Broker, logger)
	logger.Info("backends ready",
		slog.String("ledger", cfg.LedgerBackend),
		slog.String("changefeed", cfg.FeedBackend),
		slog.Bool("redis", b.Cache != nil),
	)
	return nil
}

// Close releases resources in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
