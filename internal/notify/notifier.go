// Package notify delivers position lifecycle alerts to operators. Alerts go
// to every registered sender (Telegram, Discord) and are filtered by event
// name so operators receive only the events they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// maxMessageLen keeps messages under the smallest sender limit (Discord, 2000).
const maxMessageLen = 1900

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to its senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed events; empty allows all
	recent  *gocache.Cache  // suppresses identical alerts inside the window
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Identical (event, title, message) alerts
// repeated within quiet are sent once; zero disables suppression.
func NewNotifier(senders []Sender, events []string, quiet time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	n := &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
	if quiet > 0 {
		n.recent = gocache.New(quiet, 2*quiet)
	}
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends the alert if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.recent != nil {
		key := event + "\x00" + title + "\x00" + message
		if err := n.recent.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
			n.logger.DebugContext(ctx, "duplicate alert suppressed", slog.String("event", event))
			return nil
		}
	}
	return n.dispatch(ctx, title, truncate(message, maxMessageLen))
}

// dispatch delivers to every sender; one failing sender does not stop the
// others.
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

var _ domain.Notifier = (*Notifier)(nil)
