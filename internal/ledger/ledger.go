// Package ledger is the source of truth for wallet money state.
//
// Flow:
//  1. Coordinator reserves: balance debited + transaction row created atomically
//  2. Transaction marked settling before the gateway call
//  3. Outcome finalized: success keeps the debit, failure credits it back,
//     indeterminate leaves the money reserved until reconciliation
//
// Every state transition happens inside one storage-level transaction under
// row-level exclusive access. Money is never created or destroyed here except
// by CreditAccount (wallet top-up, owned by account management).
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mobikosh/mobikosh/internal/money"
)

var (
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrInvalidState        = errors.New("ledger: invalid transaction state for this transition")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrDuplicateTopup      = errors.New("ledger: top-up already processed")
)

// Status represents transaction state.
type Status string

const (
	StatusReserved      Status = "reserved"      // Funds debited, row created, gateway not yet called
	StatusSettling      Status = "settling"      // Gateway call in flight (or crashed mid-flight)
	StatusSuccess       Status = "success"       // Gateway confirmed; debit stands
	StatusFailed        Status = "failed"        // Gateway rejected; amount credited back
	StatusIndeterminate Status = "indeterminate" // Outcome unknown; money stays reserved until reconciled
)

// Terminal returns true for states that can never change again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Category classifies what the payment is for.
type Category string

const (
	CategoryRecharge         Category = "recharge"
	CategoryBillPayment      Category = "bill_payment"
	CategorySchemeEnrollment Category = "scheme_enrollment"
)

// Account is a wallet balance row. Accounts are created and destroyed by
// account management; the transaction core only debits and credits them.
type Account struct {
	ID        string      `json:"id"`
	Balance   money.Paise `json:"balance"`
	Version   int64       `json:"version"` // bumped on every balance change
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Transaction is an append-only audit record of one payment attempt.
// Rows are never deleted; status transitions are the only mutations.
type Transaction struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"accountId"`
	Amount      money.Paise `json:"amount"`
	ExternalRef string      `json:"externalRef"` // caller-supplied idempotency key, globally unique
	Category    Category    `json:"category"`
	Status      Status      `json:"status"`
	RawResponse string      `json:"rawResponse,omitempty"` // opaque gateway envelope, set at finalize
	SweepCount  int         `json:"sweepCount"`
	NeedsReview bool        `json:"needsReview"`
	CreatedAt   time.Time   `json:"createdAt"`
	SettledAt   *time.Time  `json:"settledAt,omitempty"`
}

// Store persists accounts and transactions.
//
// Implementations must make each method atomic: either every row change in the
// method applies or none does, and concurrent calls against the same rows must
// serialize (row lock or equivalent). State-transition methods return
// ErrInvalidState when the row is not in the expected source state; that guard
// is what keeps a coordinator and the sweeper from double-finalizing.
type Store interface {
	// Reserve atomically debits the account and inserts a RESERVED transaction.
	// If externalRef already maps to a transaction, the existing transaction is
	// returned with existing=true and nothing is debited (idempotent create).
	Reserve(ctx context.Context, accountID string, amount money.Paise, externalRef string, category Category) (txn *Transaction, existing bool, err error)

	// MarkSettling transitions RESERVED -> SETTLING.
	MarkSettling(ctx context.Context, txnID string) error

	// FinalizeSuccess transitions SETTLING|INDETERMINATE -> SUCCESS and stores
	// the gateway response. The balance is untouched (debited at reserve time).
	FinalizeSuccess(ctx context.Context, txnID, rawResponse string) error

	// FinalizeFailure transitions SETTLING|INDETERMINATE -> FAILED and credits
	// the amount back to the account in the same storage transaction.
	FinalizeFailure(ctx context.Context, txnID, rawResponse string) error

	// MarkIndeterminate transitions SETTLING -> INDETERMINATE. No balance change.
	MarkIndeterminate(ctx context.Context, txnID string) error

	GetTransaction(ctx context.Context, txnID string) (*Transaction, error)
	GetByReference(ctx context.Context, externalRef string) (*Transaction, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Transaction, error)

	// ListUnresolved returns SETTLING and INDETERMINATE transactions created
	// before the cutoff, oldest first, excluding rows already flagged for review.
	ListUnresolved(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)

	// RecordSweep increments the sweep counter and returns the new count.
	RecordSweep(ctx context.Context, txnID string) (int, error)

	// MarkNeedsReview flags a transaction for manual operator intervention.
	// The status is left as-is; the sweeper stops touching flagged rows.
	MarkNeedsReview(ctx context.Context, txnID string) error

	// ListNeedsReview returns flagged transactions still awaiting resolution.
	// Rows that reached a terminal status drop out of the list; the flag
	// itself stays for audit.
	ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error)

	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// CreditAccount tops up a wallet, creating the account row if absent.
	// topupRef deduplicates retried top-ups.
	CreditAccount(ctx context.Context, accountID string, amount money.Paise, topupRef string) error
}
