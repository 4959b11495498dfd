// Package notify delivers operator alerts raised by the validator.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Notifier sends an alert about a ledger index.
type Notifier interface {
	Notify(ctx context.Context, index uint64, message string) error
}

// LogNotifier writes alerts to the log at error level.
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, index uint64, message string) error {
	n.log.Errorw("ledger alert", "index", index, "message", message)
	return nil
}

// Multi sends every alert to all of its notifiers. A failing notifier does
// not stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, index uint64, message string) error {
	var errs []error
	for i, n := range m {
		if err := n.Notify(ctx, index, message); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
