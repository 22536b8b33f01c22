package sweeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mobikosh/mobikosh/internal/ledger"
	"github.com/mobikosh/mobikosh/internal/money"
	"github.com/mobikosh/mobikosh/internal/settlement"
	"github.com/mobikosh/mobikosh/internal/txn"
)

const testAccount = "acc_0123456789abcdef01234567"

type stubGateway struct {
	mu           sync.Mutex
	queryOutcome settlement.Outcome
	queryCalls   int
}

func (g *stubGateway) Settle(ctx context.Context, req settlement.Request) settlement.Outcome {
	return settlement.Indeterminate("not used", "")
}

func (g *stubGateway) QueryStatus(ctx context.Context, externalRef string) settlement.Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	return g.queryOutcome
}

func (g *stubGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queryCalls
}

func setup(t *testing.T, queryOutcome settlement.Outcome, maxSweeps int) (*Sweeper, *ledger.MemoryStore, *stubGateway) {
	t.Helper()
	store := ledger.NewMemoryStore()
	gw := &stubGateway{queryOutcome: queryOutcome}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := txn.NewService(store, gw, logger)
	sw := New(store, gw, resolver, logger, time.Minute, 0, maxSweeps)

	if err := store.CreditAccount(context.Background(), testAccount, 1000, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return sw, store, gw
}

// settlingTxn creates a transaction stuck in SETTLING, as left behind by a
// coordinator crash mid-settlement.
func settlingTxn(t *testing.T, store *ledger.MemoryStore, ref string, amount int64) *ledger.Transaction {
	t.Helper()
	ctx := context.Background()
	created, _, err := store.Reserve(ctx, testAccount, money.Paise(amount), ref, ledger.CategoryRecharge)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.MarkSettling(ctx, created.ID); err != nil {
		t.Fatalf("MarkSettling: %v", err)
	}
	return created
}

func TestSweep_AppliesConfirmedSuccess(t *testing.T) {
	sw, store, _ := setup(t, settlement.Success(`{"status":"SUCCESS"}`), 10)
	ctx := context.Background()
	created := settlingTxn(t, store, "SW1", 300)

	sw.Sweep(ctx)

	got, err := store.GetTransaction(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Status != ledger.StatusSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
	acct, _ := store.GetAccount(ctx, testAccount)
	if acct.Balance != 700 {
		t.Errorf("confirmed success keeps the debit, balance %d", acct.Balance)
	}
}

func TestSweep_AppliesConfirmedFailureWithRefund(t *testing.T) {
	sw, store, _ := setup(t, settlement.Failure(`{"status":"FAILURE"}`), 10)
	ctx := context.Background()
	created := settlingTxn(t, store, "SW2", 300)

	sw.Sweep(ctx)

	got, _ := store.GetTransaction(ctx, created.ID)
	if got.Status != ledger.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	acct, _ := store.GetAccount(ctx, testAccount)
	if acct.Balance != 1000 {
		t.Errorf("confirmed failure refunds, balance %d", acct.Balance)
	}
}

func TestSweep_IndeterminateCountsAndEventuallyFlags(t *testing.T) {
	maxSweeps := 3
	sw, store, gw := setup(t, settlement.Indeterminate("gateway still processing", ""), maxSweeps)
	ctx := context.Background()
	created := settlingTxn(t, store, "SW3", 300)

	for i := 0; i < maxSweeps; i++ {
		sw.Sweep(ctx)
	}

	got, _ := store.GetTransaction(ctx, created.ID)
	if !got.NeedsReview {
		t.Error("expected needs-review flag after max sweeps")
	}
	if got.Status.Terminal() {
		t.Errorf("sweeper must never guess a terminal status, got %s", got.Status)
	}
	if got.SweepCount != maxSweeps {
		t.Errorf("expected %d sweeps recorded, got %d", maxSweeps, got.SweepCount)
	}
	acct, _ := store.GetAccount(ctx, testAccount)
	if acct.Balance != 700 {
		t.Errorf("money must stay reserved, balance %d", acct.Balance)
	}

	// Flagged rows are off the sweep path: no further gateway queries.
	before := gw.calls()
	sw.Sweep(ctx)
	if gw.calls() != before {
		t.Errorf("flagged transaction must not be queried again")
	}

	review, err := store.ListNeedsReview(ctx, 10)
	if err != nil {
		t.Fatalf("ListNeedsReview: %v", err)
	}
	if len(review) != 1 || review[0].ID != created.ID {
		t.Errorf("expected flagged transaction in review list")
	}
}

func TestSweep_GraceSkipsFreshRows(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := &stubGateway{queryOutcome: settlement.Success("{}")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := txn.NewService(store, gw, logger)
	sw := New(store, gw, resolver, logger, time.Minute, time.Hour, 10)

	ctx := context.Background()
	if err := store.CreditAccount(ctx, testAccount, 1000, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	settlingTxn(t, store, "SW4", 300)

	sw.Sweep(ctx)
	if gw.calls() != 0 {
		t.Errorf("rows younger than the grace period must not be swept")
	}
}

// busyGateway blocks its first status query until released, holding the sweep
// loop mid-pass.
type busyGateway struct {
	entered chan struct{}
	release chan struct{}
}

func (g *busyGateway) Settle(ctx context.Context, req settlement.Request) settlement.Outcome {
	return settlement.Indeterminate("not used", "")
}

func (g *busyGateway) QueryStatus(ctx context.Context, externalRef string) settlement.Outcome {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return settlement.Indeterminate("still processing", "")
}

func TestSweeper_StopDuringSweepStillStops(t *testing.T) {
	store := ledger.NewMemoryStore()
	gw := &busyGateway{entered: make(chan struct{}, 1), release: make(chan struct{})}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := txn.NewService(store, gw, logger)
	sw := New(store, gw, resolver, logger, 5*time.Millisecond, 0, 10)

	ctx := context.Background()
	if err := store.CreditAccount(ctx, testAccount, 1000, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	settlingTxn(t, store, "SW5", 300)

	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	// Signal stop while the loop is busy inside a sweep, with no run-context
	// cancel to fall back on.
	<-gw.entered
	sw.Stop()
	close(gw.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not honor a stop signalled mid-sweep")
	}
	if sw.Running() {
		t.Error("stopped sweeper still reports running")
	}
}

func TestSweeper_StartStop(t *testing.T) {
	sw, _, _ := setup(t, settlement.Indeterminate("x", ""), 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !sw.Running() {
		select {
		case <-deadline:
			t.Fatal("sweeper never reported running")
		case <-time.After(5 * time.Millisecond):
		}
	}

	sw.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	if sw.Running() {
		t.Error("stopped sweeper still reports running")
	}
}
