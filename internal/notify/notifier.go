// Package notify forwards market lifecycle events to operator chat channels.
// Each configured Sender receives every event whose kind passes the filter.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/arxpredict/internal/domain"
)

// Sender delivers one message to a chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are the kinds forwarded when no filter is configured.
var DefaultEvents = []domain.EventKind{
	domain.EventMarketInitialized,
	domain.EventMarketSettled,
	domain.EventMarketFundsClaimed,
	domain.EventComputationAborted,
}

// Notifier formats market events and fans them out to its senders.
type Notifier struct {
	senders []Sender
	events  map[domain.EventKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list selects
// DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool)
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventKind(e)] = true
		}
	}
	if len(allowed) == 0 {
		for _, k := range DefaultEvents {
			allowed[k] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// NotifyEvent sends ev to every sender if its kind is selected.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Enabled() || !n.events[ev.Kind] {
		return nil
	}
	title, message := Format(ev)
	return n.dispatch(ctx, title, message)
}

// Format renders ev as a title and a message body.
func Format(ev domain.Event) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "market: %s", ev.MarketID)
	if ev.Outcome != nil {
		fmt.Fprintf(&b, "\nwinner: %s", ev.Outcome)
	}
	if ev.Probabilities != nil {
		fmt.Fprintf(&b, "\nprobabilities: A=%.4f B=%.4f", ev.Probabilities[0], ev.Probabilities[1])
	}
	if ev.Tally != nil {
		fmt.Fprintf(&b, "\ntally: A=%d B=%d", ev.Tally[0], ev.Tally[1])
	}
	if ev.Amount > 0 {
		fmt.Fprintf(&b, "\namount: %d", ev.Amount)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, "\nstatus: %s", ev.Status)
	}
	return strings.ReplaceAll(string(ev.Kind), "_", " "), b.String()
}

// dispatch sends to every sender. One failing sender does not stop the
// others; failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
