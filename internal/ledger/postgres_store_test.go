package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mobikosh/mobikosh/internal/testutil"
)

func pgStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return store, cleanup
}

func TestPostgres_ReserveLifecycle(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreditAccount(ctx, "acc_pg1", 500, "topup_pg1"); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}

	txn, existing, err := store.Reserve(ctx, "acc_pg1", 300, "PGR1", CategoryRecharge)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if existing {
		t.Error("expected fresh reservation")
	}

	acct, err := store.GetAccount(ctx, "acc_pg1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 200 {
		t.Errorf("expected balance 200, got %d", acct.Balance)
	}
	if acct.Version != 2 {
		t.Errorf("expected version bump to 2, got %d", acct.Version)
	}

	if err := store.MarkSettling(ctx, txn.ID); err != nil {
		t.Fatalf("MarkSettling: %v", err)
	}
	if err := store.FinalizeFailure(ctx, txn.ID, `{"status":"FAILURE","message":"operator down"}`); err != nil {
		t.Fatalf("FinalizeFailure: %v", err)
	}

	acct, _ = store.GetAccount(ctx, "acc_pg1")
	if acct.Balance != 500 {
		t.Errorf("expected refund to 500, got %d", acct.Balance)
	}

	got, err := store.GetByReference(ctx, "PGR1")
	if err != nil {
		t.Fatalf("GetByReference: %v", err)
	}
	if got.Status != StatusFailed || got.SettledAt == nil {
		t.Errorf("expected settled failed transaction, got %+v", got)
	}
}

func TestPostgres_DuplicateReference(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreditAccount(ctx, "acc_pg2", 1000, "topup_pg2"); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}

	first, _, err := store.Reserve(ctx, "acc_pg2", 100, "PGR2", CategoryBillPayment)
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	second, existing, err := store.Reserve(ctx, "acc_pg2", 100, "PGR2", CategoryBillPayment)
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if !existing || second.ID != first.ID {
		t.Errorf("expected idempotent duplicate, got existing=%v id=%s", existing, second.ID)
	}

	acct, _ := store.GetAccount(ctx, "acc_pg2")
	if acct.Balance != 900 {
		t.Errorf("expected single debit, balance %d", acct.Balance)
	}
}

func TestPostgres_ConcurrentReserves_NeverOverdraw(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreditAccount(ctx, "acc_pg3", 500, "topup_pg3"); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}

	// 10 concurrent 100-paise reserves against a 500-paise balance:
	// exactly 5 may win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := store.Reserve(ctx, "acc_pg3", 100, pgcRef(i), CategoryRecharge)
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if won != 5 {
		t.Errorf("expected exactly 5 successful reserves, got %d", won)
	}
	acct, _ := store.GetAccount(ctx, "acc_pg3")
	if acct.Balance != 0 {
		t.Errorf("expected balance 0, got %d", acct.Balance)
	}
}

func pgcRef(i int) string {
	return "PGC" + string(rune('A'+i))
}

func TestPostgres_ListUnresolved(t *testing.T) {
	store, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.CreditAccount(ctx, "acc_pg4", 1000, "topup_pg4"); err != nil {
		t.Fatalf("CreditAccount: %v", err)
	}

	txn, _, _ := store.Reserve(ctx, "acc_pg4", 100, "PGR4", CategoryRecharge)
	store.MarkSettling(ctx, txn.ID)

	got, err := store.ListUnresolved(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListUnresolved: %v", err)
	}
	if len(got) != 1 || got[0].ID != txn.ID {
		t.Fatalf("expected the settling transaction, got %d rows", len(got))
	}

	if _, err := store.RecordSweep(ctx, txn.ID); err != nil {
		t.Fatalf("RecordSweep: %v", err)
	}
	if err := store.MarkNeedsReview(ctx, txn.ID); err != nil {
		t.Fatalf("MarkNeedsReview: %v", err)
	}

	got, _ = store.ListUnresolved(ctx, time.Now().Add(time.Second), 10)
	if len(got) != 0 {
		t.Errorf("flagged rows must not appear unresolved, got %d", len(got))
	}
}
