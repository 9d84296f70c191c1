package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

// EventNotifier forwards events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// EventRelay publishes committed events on the signal bus, invalidates the
// cached market view and notifies operators. Every sink is optional and
// every failure is logged and swallowed: events are informational and the
// ledger already holds the authoritative state.
type EventRelay struct {
	bus      domain.SignalBus
	cache    domain.MarketCache
	notifier EventNotifier
	logger   *slog.Logger
}

// NewEventRelay creates an EventRelay. Any of bus, cache and notifier may
// be nil.
func NewEventRelay(bus domain.SignalBus, cache domain.MarketCache, notifier EventNotifier, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		bus:      bus,
		cache:    cache,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_relay")),
	}
}

// PublishEvents relays events in order.
func (r *EventRelay) PublishEvents(ctx context.Context, events []domain.Event) {
	invalidated := make(map[string]bool)
	for _, ev := range events {
		if r.cache != nil && !invalidated[ev.MarketID] {
			invalidated[ev.MarketID] = true
			if err := r.cache.Invalidate(ctx, ev.MarketID); err != nil {
				r.logger.WarnContext(ctx, "cache invalidate failed",
					slog.String("market_id", ev.MarketID),
					slog.String("error", err.Error()),
				)
			}
		}

		if r.bus != nil {
			payload, err := json.Marshal(ev)
			if err == nil {
				err = r.bus.Publish(ctx, ev.Channel(), payload)
			}
			if err != nil {
				r.logger.WarnContext(ctx, "publish event failed",
					slog.String("market_id", ev.MarketID),
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}

		if r.notifier != nil {
			if err := r.notifier.NotifyEvent(ctx, ev); err != nil {
				r.logger.WarnContext(ctx, "notify failed",
					slog.String("market_id", ev.MarketID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
