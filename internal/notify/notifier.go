// Package notify forwards confirmed actions to external channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pottsmarket/internal/journal"
)

type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are the actions announced when no filter is configured.
var DefaultEvents = []string{"trade", "resolve", "redeem"}

type Notifier struct {
	senders []Sender
	events  map[string]bool
	log     *slog.Logger
}

func New(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if len(events) == 0 {
		events = DefaultEvents
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{senders: senders, events: allowed, log: logger.With("component", "notifier")}
}

// Notify delivers e to every sender when its action is in the allowed set.
// One failing sender does not stop the others.
func (n *Notifier) Notify(ctx context.Context, e journal.Entry) error {
	if !n.events[e.Action] {
		return nil
	}
	title := fmt.Sprintf("%s %s", strings.ToUpper(e.Action[:1])+e.Action[1:], e.Slug)
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, e.Summary); err != nil {
			n.log.Warn("sender failed", "sender", s.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
