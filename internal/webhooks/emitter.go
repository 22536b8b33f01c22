package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mobikosh/mobikosh/internal/idgen"
	"github.com/mobikosh/mobikosh/internal/ledger"
	"github.com/mobikosh/mobikosh/internal/money"
)

// Emitter translates transaction status changes into webhook events. It
// plugs into the transaction coordinator as its notifier.
type Emitter struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewEmitter creates an emitter backed by a dispatcher.
func NewEmitter(dispatcher *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{dispatcher: dispatcher, logger: logger}
}

// TransactionUpdated dispatches the event matching the transaction's status.
// Must never block or fail the money path: dispatch errors are logged only.
func (e *Emitter) TransactionUpdated(ctx context.Context, txn *ledger.Transaction) {
	var eventType EventType
	switch txn.Status {
	case ledger.StatusSuccess:
		eventType = EventTransactionSucceeded
	case ledger.StatusFailed:
		eventType = EventTransactionFailed
	case ledger.StatusIndeterminate:
		eventType = EventTransactionPending
	default:
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data: map[string]any{
			"transactionId": txn.ID,
			"externalRef":   txn.ExternalRef,
			"accountId":     txn.AccountID,
			"amount":        money.Format(txn.Amount),
			"category":      string(txn.Category),
			"status":        string(txn.Status),
		},
	}

	if err := e.dispatcher.DispatchToAccount(ctx, txn.AccountID, event); err != nil {
		e.logger.Warn("webhook dispatch failed",
			"txn_id", txn.ID, "event", string(eventType), "error", err)
	}
}
