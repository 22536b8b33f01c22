package webhooks

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mobikosh/mobikosh/internal/idgen"
	"github.com/mobikosh/mobikosh/internal/ledger"
)

const testAccount = "acc_0123456789abcdef01234567"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedDelivery struct {
	body      []byte
	signature string
	eventType string
}

func captureServer(t *testing.T, deliveries chan capturedDelivery) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		deliveries <- capturedDelivery{
			body:      body,
			signature: r.Header.Get("X-Mobikosh-Signature"),
			eventType: r.Header.Get("X-Mobikosh-Event"),
		}
	}))
}

func subscribe(t *testing.T, store Store, url string, events ...EventType) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		AccountID: testAccount,
		URL:       url,
		Secret:    "test-secret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func TestDispatch_SendsSignedEvent(t *testing.T) {
	deliveries := make(chan capturedDelivery, 1)
	srv := captureServer(t, deliveries)
	defer srv.Close()

	store := NewMemoryStore()
	subscribe(t, store, srv.URL, EventTransactionSucceeded)
	d := NewDispatcher(store, discardLogger())

	event := &Event{
		ID:        "evt_1",
		Type:      EventTransactionSucceeded,
		Timestamp: time.Now(),
		Data:      map[string]any{"transactionId": "txn_1"},
	}
	if err := d.DispatchToAccount(context.Background(), testAccount, event); err != nil {
		t.Fatalf("DispatchToAccount: %v", err)
	}

	select {
	case got := <-deliveries:
		if got.eventType != string(EventTransactionSucceeded) {
			t.Errorf("wrong event header %q", got.eventType)
		}
		if want := Sign(got.body, "test-secret"); got.signature != want {
			t.Errorf("signature mismatch: got %s want %s", got.signature, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

func TestDispatch_FiltersByEventType(t *testing.T) {
	deliveries := make(chan capturedDelivery, 1)
	srv := captureServer(t, deliveries)
	defer srv.Close()

	store := NewMemoryStore()
	subscribe(t, store, srv.URL, EventTransactionFailed)
	d := NewDispatcher(store, discardLogger())

	event := &Event{ID: "evt_2", Type: EventTransactionSucceeded, Timestamp: time.Now()}
	if err := d.DispatchToAccount(context.Background(), testAccount, event); err != nil {
		t.Fatalf("DispatchToAccount: %v", err)
	}

	select {
	case <-deliveries:
		t.Fatal("unsubscribed event type must not be delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatch_SkipsInactive(t *testing.T) {
	deliveries := make(chan capturedDelivery, 1)
	srv := captureServer(t, deliveries)
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, EventTransactionSucceeded)
	sub.Active = false
	if err := store.Update(context.Background(), sub); err != nil {
		t.Fatalf("Update: %v", err)
	}
	d := NewDispatcher(store, discardLogger())

	event := &Event{ID: "evt_3", Type: EventTransactionSucceeded, Timestamp: time.Now()}
	if err := d.DispatchToAccount(context.Background(), testAccount, event); err != nil {
		t.Fatalf("DispatchToAccount: %v", err)
	}

	select {
	case <-deliveries:
		t.Fatal("inactive subscription must not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatch_DisablesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, EventTransactionSucceeded)
	d := NewDispatcher(store, discardLogger())

	event := &Event{ID: "evt_4", Type: EventTransactionSucceeded, Timestamp: time.Now()}
	ctx := context.Background()
	for i := 0; i < maxConsecutiveFailures; i++ {
		fresh, err := store.Get(ctx, sub.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		d.send(ctx, fresh, event)
	}

	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Active {
		t.Error("subscription must be disabled after repeated failures")
	}
	if got.ConsecutiveFailures != maxConsecutiveFailures {
		t.Errorf("expected %d failures recorded, got %d", maxConsecutiveFailures, got.ConsecutiveFailures)
	}
}

func TestDispatch_ConcurrentFailuresCountEveryAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := subscribe(t, store, srv.URL, EventTransactionSucceeded)
	d := NewDispatcher(store, discardLogger())

	// Every goroutine holds the same stale snapshot; the streak must still
	// reach the threshold because the store owns the increment.
	ctx := context.Background()
	event := &Event{ID: "evt_5", Type: EventTransactionSucceeded, Timestamp: time.Now()}
	var wg sync.WaitGroup
	for i := 0; i < maxConsecutiveFailures; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.send(ctx, sub, event)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConsecutiveFailures != maxConsecutiveFailures {
		t.Errorf("expected %d failures recorded, got %d", maxConsecutiveFailures, got.ConsecutiveFailures)
	}
	if got.Active {
		t.Error("subscription must be disabled once the streak reaches the threshold")
	}

	if _, err := store.RecordDelivery(ctx, sub.ID, true, ""); err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	got, err = store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("success must reset the streak, got %d", got.ConsecutiveFailures)
	}
}

func TestEmitter_MapsStatuses(t *testing.T) {
	deliveries := make(chan capturedDelivery, 3)
	srv := captureServer(t, deliveries)
	defer srv.Close()

	store := NewMemoryStore()
	subscribe(t, store, srv.URL,
		EventTransactionSucceeded, EventTransactionFailed, EventTransactionPending)
	emitter := NewEmitter(NewDispatcher(store, discardLogger()), discardLogger())

	cases := []struct {
		status ledger.Status
		want   EventType
	}{
		{ledger.StatusSuccess, EventTransactionSucceeded},
		{ledger.StatusFailed, EventTransactionFailed},
		{ledger.StatusIndeterminate, EventTransactionPending},
	}
	for _, tc := range cases {
		emitter.TransactionUpdated(context.Background(), &ledger.Transaction{
			ID:          "txn_x",
			AccountID:   testAccount,
			Amount:      100,
			ExternalRef: "E1",
			Category:    ledger.CategoryRecharge,
			Status:      tc.status,
		})
		select {
		case got := <-deliveries:
			if got.eventType != string(tc.want) {
				t.Errorf("status %s: expected %s, got %s", tc.status, tc.want, got.eventType)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("status %s: event never delivered", tc.status)
		}
	}

	// Non-terminal working states emit nothing.
	emitter.TransactionUpdated(context.Background(), &ledger.Transaction{
		ID: "txn_y", AccountID: testAccount, Status: ledger.StatusReserved,
	})
	select {
	case <-deliveries:
		t.Fatal("reserved status must not emit an event")
	case <-time.After(100 * time.Millisecond):
	}
}
