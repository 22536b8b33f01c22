package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mobikosh/mobikosh/internal/idgen"
	"github.com/mobikosh/mobikosh/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex makes every method atomic, mirroring the one-storage-
// transaction-per-transition guarantee of the Postgres store.
type MemoryStore struct {
	accounts map[string]*Account
	txns     map[string]*Transaction
	byRef    map[string]string // externalRef -> transaction ID
	topups   map[string]bool   // topupRef -> already credited
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txns:     make(map[string]*Transaction),
		byRef:    make(map[string]string),
		topups:   make(map[string]bool),
	}
}

func (m *MemoryStore) Reserve(ctx context.Context, accountID string, amount money.Paise, externalRef string, category Category) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	// Idempotent create: an existing reference wins before any money moves.
	if id, ok := m.byRef[externalRef]; ok {
		cp := *m.txns[id]
		return &cp, true, nil
	}

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, false, ErrAccountNotFound
	}
	if acct.Balance < amount {
		return nil, false, ErrInsufficientFunds
	}

	acct.Balance -= amount
	acct.Version++
	acct.UpdatedAt = time.Now()

	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		AccountID:   accountID,
		Amount:      amount,
		ExternalRef: externalRef,
		Category:    category,
		Status:      StatusReserved,
		CreatedAt:   time.Now(),
	}
	m.txns[txn.ID] = txn
	m.byRef[externalRef] = txn.ID

	cp := *txn
	return &cp, false, nil
}

func (m *MemoryStore) MarkSettling(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return ErrTransactionNotFound
	}
	if txn.Status != StatusReserved {
		return ErrInvalidState
	}
	txn.Status = StatusSettling
	return nil
}

func (m *MemoryStore) FinalizeSuccess(ctx context.Context, txnID, rawResponse string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return ErrTransactionNotFound
	}
	if txn.Status != StatusSettling && txn.Status != StatusIndeterminate {
		return ErrInvalidState
	}

	now := time.Now()
	txn.Status = StatusSuccess
	txn.RawResponse = rawResponse
	txn.SettledAt = &now
	return nil
}

func (m *MemoryStore) FinalizeFailure(ctx context.Context, txnID, rawResponse string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return ErrTransactionNotFound
	}
	if txn.Status != StatusSettling && txn.Status != StatusIndeterminate {
		return ErrInvalidState
	}

	acct, ok := m.accounts[txn.AccountID]
	if !ok {
		return ErrAccountNotFound
	}

	// Compensating credit and status change under the same lock.
	acct.Balance += txn.Amount
	acct.Version++
	acct.UpdatedAt = time.Now()

	now := time.Now()
	txn.Status = StatusFailed
	txn.RawResponse = rawResponse
	txn.SettledAt = &now
	return nil
}

func (m *MemoryStore) MarkIndeterminate(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return ErrTransactionNotFound
	}
	if txn.Status != StatusSettling {
		return ErrInvalidState
	}
	txn.Status = StatusIndeterminate
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, txnID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, externalRef string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[externalRef]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txns[id]
	return &cp, nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.AccountID == accountID {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListUnresolved(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.NeedsReview {
			continue
		}
		if (txn.Status == StatusSettling || txn.Status == StatusIndeterminate) && txn.CreatedAt.Before(before) {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) RecordSweep(ctx context.Context, txnID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return 0, ErrTransactionNotFound
	}
	txn.SweepCount++
	return txn.SweepCount, nil
}

func (m *MemoryStore) MarkNeedsReview(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return ErrTransactionNotFound
	}
	txn.NeedsReview = true
	return nil
}

func (m *MemoryStore) ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.NeedsReview && !txn.Status.Terminal() {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) CreditAccount(ctx context.Context, accountID string, amount money.Paise, topupRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	if m.topups[topupRef] {
		return ErrDuplicateTopup
	}

	acct, ok := m.accounts[accountID]
	if !ok {
		acct = &Account{ID: accountID}
		m.accounts[accountID] = acct
	}
	acct.Balance += amount
	acct.Version++
	acct.UpdatedAt = time.Now()

	m.topups[topupRef] = true
	return nil
}
