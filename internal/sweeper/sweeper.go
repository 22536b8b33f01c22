// Package sweeper reconciles transactions whose settlement outcome is unknown.
//
// The sweeper never guesses. It asks the gateway what happened and applies
// confirmed outcomes only; a transaction that stays unknown after MaxSweeps
// attempts is flagged for a human, with the money still reserved.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobikosh/mobikosh/internal/ledger"
	"github.com/mobikosh/mobikosh/internal/metrics"
	"github.com/mobikosh/mobikosh/internal/settlement"
)

const sweepBatchSize = 100

// Resolver applies a gateway outcome to a transaction. Implemented by the
// transaction coordinator so sweeper and coordinator share the same
// per-transaction locks.
type Resolver interface {
	Resolve(ctx context.Context, txnID string, outcome settlement.Outcome) (*ledger.Transaction, error)
}

// Sweeper periodically queries the gateway for unresolved transactions.
type Sweeper struct {
	store    ledger.Store
	gateway  settlement.Client
	resolver Resolver
	logger   *slog.Logger

	interval  time.Duration
	grace     time.Duration // minimum age before a row is swept
	maxSweeps int

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a sweeper. grace keeps the sweeper off rows whose coordinator
// may still be mid-flight; maxSweeps bounds how often a row is retried before
// it goes to manual review.
func New(store ledger.Store, gateway settlement.Client, resolver Resolver, logger *slog.Logger, interval, grace time.Duration, maxSweeps int) *Sweeper {
	return &Sweeper{
		store:     store,
		gateway:   gateway,
		resolver:  resolver,
		logger:    logger,
		interval:  interval,
		grace:     grace,
		maxSweeps: maxSweeps,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. The signal is never lost, even when the
// loop is mid-sweep. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one reconciliation pass. Exported for tests and for an admin
// trigger; the background loop calls it on every tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.grace)
	unresolved, err := s.store.ListUnresolved(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list unresolved transactions", "error", err)
		return
	}

	for _, txn := range unresolved {
		s.sweepOne(ctx, txn)
	}
	s.updateReviewGauge(ctx)
}

func (s *Sweeper) sweepOne(ctx context.Context, txn *ledger.Transaction) {
	count, err := s.store.RecordSweep(ctx, txn.ID)
	if err != nil {
		s.logger.Warn("failed to record sweep attempt", "txn_id", txn.ID, "error", err)
		return
	}

	outcome := s.gateway.QueryStatus(ctx, txn.ExternalRef)
	switch outcome.Class {
	case settlement.ClassSuccess, settlement.ClassFailure:
		resolved, err := s.resolver.Resolve(ctx, txn.ID, outcome)
		if err != nil {
			s.logger.Warn("failed to apply reconciled outcome",
				"txn_id", txn.ID, "outcome", string(outcome.Class), "error", err)
			metrics.SweeperResolutionsTotal.WithLabelValues("error").Inc()
			return
		}
		s.logger.Info("reconciled transaction",
			"txn_id", txn.ID,
			"external_ref", txn.ExternalRef,
			"status", string(resolved.Status),
			"sweeps", count)
		metrics.SweeperResolutionsTotal.WithLabelValues(string(outcome.Class)).Inc()

	case settlement.ClassIndeterminate:
		metrics.SweeperResolutionsTotal.WithLabelValues("unresolved").Inc()
		if count >= s.maxSweeps {
			if err := s.store.MarkNeedsReview(ctx, txn.ID); err != nil {
				s.logger.Warn("failed to flag transaction for review", "txn_id", txn.ID, "error", err)
				return
			}
			s.logger.Error("transaction unresolved after max sweeps, flagged for manual review",
				"txn_id", txn.ID,
				"external_ref", txn.ExternalRef,
				"amount", txn.Amount,
				"sweeps", count,
				"reason", outcome.Reason)
			return
		}
		s.logger.Debug("transaction still unresolved",
			"txn_id", txn.ID, "sweeps", count, "reason", outcome.Reason)
	}
}

func (s *Sweeper) updateReviewGauge(ctx context.Context) {
	flagged, err := s.store.ListNeedsReview(ctx, sweepBatchSize)
	if err != nil {
		return
	}
	metrics.NeedsReviewTransactions.Set(float64(len(flagged)))
}
