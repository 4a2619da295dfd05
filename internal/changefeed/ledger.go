package changefeed

import (
	"context"
	"log/slog"

	"github.com/diegous2023/gestorgastos/internal/ledger"
)

// PublishingLedger wraps a Ledger and publishes every committed write,
// tagged with the origin carried by the write's context.
// Publish failures are logged, not returned: the write already happened and
// subscribers that missed it catch up through revision reconciliation.
type PublishingLedger struct {
	ledger.Ledger
	broker Broker
	logger *slog.Logger
}

// NewPublishingLedger decorates l so writes reach broker.
func NewPublishingLedger(l ledger.Ledger, broker Broker, logger *slog.Logger) *PublishingLedger {
	return &PublishingLedger{Ledger: l, broker: broker, logger: logger}
}

func (p *PublishingLedger) Create(ctx context.Context, email, name string) (ledger.Change, error) {
	change, err := p.Ledger.Create(ctx, email, name)
	if err == nil {
		p.publish(ctx, change)
	}
	return change, err
}

func (p *PublishingLedger) Update(ctx context.Context, email string, m ledger.Mutation) (ledger.Change, error) {
	change, err := p.Ledger.Update(ctx, email, m)
	if err == nil {
		p.publish(ctx, change)
	}
	return change, err
}

func (p *PublishingLedger) Delete(ctx context.Context, email string) (ledger.Change, error) {
	change, err := p.Ledger.Delete(ctx, email)
	if err == nil {
		p.publish(ctx, change)
	}
	return change, err
}

func (p *PublishingLedger) publish(ctx context.Context, change ledger.Change) {
	event := EventFromChange(change)
	event.Origin = originFrom(ctx)
	if err := p.broker.Publish(context.WithoutCancel(ctx), event); err != nil && p.logger != nil {
		p.logger.Error("publish ledger change", slog.String("email", event.Email), slog.Any("error", err))
	}
}
