// Package notify announces finished pull request reviews on chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status values of an Outcome.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Outcome describes a finished review run.
type Outcome struct {
	Repo     string
	PRNumber int
	PRTitle  string
	PRURL    string
	Status   string
	Review   string
	Error    string
	At       time.Time
}

// Notifier sends review notifications.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// MultiNotifier sends notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMultiNotifier creates a MultiNotifier from the given notifiers.
func NewMultiNotifier(logger *slog.Logger, notifiers ...Notifier) *MultiNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiNotifier{notifiers: notifiers, logger: logger}
}

// Notify sends the outcome to every notifier, continuing past failures.
// It returns the joined errors.
func (m *MultiNotifier) Notify(ctx context.Context, o Outcome) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, o); err != nil {
			m.logger.Warn("notifier failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds a Notifier for the configured webhooks. It returns nil when
// none is configured.
func New(slackURL, discordURL string, logger *slog.Logger) Notifier {
	var ns []Notifier
	if slackURL != "" {
		ns = append(ns, NewSlackNotifier(slackURL, logger))
	}
	if discordURL != "" {
		ns = append(ns, NewDiscordNotifier(discordURL))
	}
	switch len(ns) {
	case 0:
		return nil
	case 1:
		return ns[0]
	default:
		return NewMultiNotifier(logger, ns...)
	}
}

// headline is the one-line description shared by every channel.
func headline(o Outcome) string {
	if o.Status == StatusFailed {
		return fmt.Sprintf("Review failed for %s#%d", o.Repo, o.PRNumber)
	}
	return fmt.Sprintf("Review posted on %s#%d", o.Repo, o.PRNumber)
}
