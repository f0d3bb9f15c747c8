// Package mailwatch turns a mailbox into an explicit, restartable stream of
// domain-verification events. The mailbox transport (IMAP or otherwise) is an
// external collaborator behind the Source interface; this package owns only
// the polling cadence, dedup, and proof extraction, and stops cleanly when the
// context is cancelled.
package mailwatch

import (
	"context"
	"log/slog"
	"regexp"
	"time"
)

// Message is one mailbox message as delivered by the Source.
type Message struct {
	UID      string
	From     string
	Subject  string
	Body     string
	Received time.Time
}

// Source fetches messages received since a point in time. Implementations
// wrap the actual mailbox protocol.
type Source interface {
	FetchSince(ctx context.Context, since time.Time) ([]Message, error)
}

// Event is an extracted verification proof ready to hand to the pool's
// member-verification operation.
type Event struct {
	Domain  string
	Proof   string
	Message Message
}

// Verification mails carry a confirmation URL of the form
// https://.../verify?domain=<domain>&proof=<token>.
var proofRe = regexp.MustCompile(`[?&]domain=([A-Za-z0-9.-]+)&proof=([A-Za-z0-9_-]+)`)

// Extract pulls a verification event out of a message body, if present.
func Extract(m Message) (Event, bool) {
	match := proofRe.FindStringSubmatch(m.Body)
	if match == nil {
		return Event{}, false
	}
	return Event{Domain: match[1], Proof: match[2], Message: m}, true
}

// Watcher polls a Source and emits verification events.
type Watcher struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
}

// New creates a watcher polling the source on the given interval.
func New(source Source, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{source: source, interval: interval, logger: logger}
}

// Run starts polling from the given point in time and returns the event
// channel. The channel closes when ctx is cancelled; calling Run again after
// that starts a fresh, independent stream. Messages already seen (by UID) in
// this run are not re-emitted, and the fetch cursor only advances past
// messages that were actually processed.
func (w *Watcher) Run(ctx context.Context, since time.Time) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)

		seen := make(map[string]struct{})
		cursor := since
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		poll := func() {
			msgs, err := w.source.FetchSince(ctx, cursor)
			if err != nil {
				w.logger.Warn("mailwatch: fetch failed", slog.String("error", err.Error()))
				return
			}
			for _, m := range msgs {
				if _, ok := seen[m.UID]; ok {
					continue
				}
				seen[m.UID] = struct{}{}
				if m.Received.After(cursor) {
					cursor = m.Received
				}
				ev, ok := Extract(m)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("mailwatch: stopped")
				return
			case <-ticker.C:
				poll()
			}
		}
	}()
	return out
}
