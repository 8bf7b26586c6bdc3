package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// KindTransactionAccepted is sent to the payer once funds are earmarked.
	KindTransactionAccepted = "transaction_accepted"
	// KindTransactionSettled is sent to both parties when a transfer completes.
	KindTransactionSettled = "transaction_settled"
	// KindTransactionFailed is sent to the payer when earmarked funds are returned.
	KindTransactionFailed = "transaction_failed"
	// KindIntegrityFault alerts operators that a transaction needs reconciliation.
	KindIntegrityFault = "integrity_fault"
)

// Message describes a notification payload.
type Message struct {
	Kind          string    `json:"kind"`
	Destination   string    `json:"destination"`
	TransactionID int64     `json:"transaction_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Body          string    `json:"body"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"destination", message.Destination,
		"transaction_id", message.TransactionID,
		"amount", message.Amount,
		"body", message.Body,
	)
	return nil
}

// Fanout delivers every message to each notifier in turn and joins their errors.
type Fanout []Notifier

// Send implements Notifier.
func (f Fanout) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
