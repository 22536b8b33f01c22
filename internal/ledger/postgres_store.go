package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mobikosh/mobikosh/internal/idgen"
	"github.com/mobikosh/mobikosh/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
//
// Every state transition locks the transaction row with SELECT ... FOR UPDATE
// and commits the row update plus any balance change in one transaction.
// The CHECK constraint on balance >= 0 is the last line of defense against
// overdraft.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. cmd/migrate with goose is the production
// path; this exists so development setups can self-bootstrap.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_accounts (
			id          VARCHAR(32) PRIMARY KEY,
			balance     BIGINT NOT NULL DEFAULT 0,
			version     BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_transactions (
			id            VARCHAR(32) PRIMARY KEY,
			account_id    VARCHAR(32) NOT NULL REFERENCES wallet_accounts(id),
			amount        BIGINT NOT NULL,
			external_ref  VARCHAR(64) NOT NULL UNIQUE,
			category      VARCHAR(24) NOT NULL,
			status        VARCHAR(16) NOT NULL,
			raw_response  TEXT,
			sweep_count   INT NOT NULL DEFAULT 0,
			needs_review  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at    TIMESTAMPTZ,
			CONSTRAINT chk_amount_positive CHECK (amount > 0)
		);

		CREATE TABLE IF NOT EXISTS wallet_topups (
			ref         VARCHAR(64) PRIMARY KEY,
			account_id  VARCHAR(32) NOT NULL,
			amount      BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_txn_account ON wallet_transactions(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_txn_unresolved ON wallet_transactions(status, created_at)
			WHERE status IN ('settling', 'indeterminate');
	`)
	return err
}

func (p *PostgresStore) Reserve(ctx context.Context, accountID string, amount money.Paise, externalRef string, category Category) (*Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	// Default isolation with explicit row locks: FOR UPDATE serializes
	// balance checks without the spurious aborts serializable would add.
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// Fast path: the reference already exists, idempotent resubmission.
	if existing, err := scanTransaction(tx.QueryRowContext(ctx, selectTxnSQL+`WHERE external_ref = $1`, externalRef)); err == nil {
		return existing, true, tx.Commit()
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	// Lock the account row, then check funds against the locked balance.
	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM wallet_accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrAccountNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if balance < int64(amount) {
		return nil, false, ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			balance    = balance - $2,
			version    = version + 1,
			updated_at = NOW()
		WHERE id = $1
	`, accountID, int64(amount))
	if err != nil {
		return nil, false, fmt.Errorf("failed to debit account: %w", err)
	}

	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		AccountID:   accountID,
		Amount:      amount,
		ExternalRef: externalRef,
		Category:    category,
		Status:      StatusReserved,
		CreatedAt:   time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, account_id, amount, external_ref, category, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, txn.ID, txn.AccountID, int64(txn.Amount), txn.ExternalRef, txn.Category, txn.Status, txn.CreatedAt)
	if err != nil {
		// A concurrent submit with the same reference won the insert race.
		// Roll back our debit and hand back the winner's row.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			_ = tx.Rollback()
			winner, gerr := p.GetByReference(ctx, externalRef)
			if gerr != nil {
				return nil, false, gerr
			}
			return winner, true, nil
		}
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return txn, false, nil
}

func (p *PostgresStore) MarkSettling(ctx context.Context, txnID string) error {
	return p.transition(ctx, txnID, []Status{StatusReserved}, StatusSettling, "", false)
}

func (p *PostgresStore) FinalizeSuccess(ctx context.Context, txnID, rawResponse string) error {
	return p.transition(ctx, txnID, []Status{StatusSettling, StatusIndeterminate}, StatusSuccess, rawResponse, false)
}

func (p *PostgresStore) FinalizeFailure(ctx context.Context, txnID, rawResponse string) error {
	return p.transition(ctx, txnID, []Status{StatusSettling, StatusIndeterminate}, StatusFailed, rawResponse, true)
}

func (p *PostgresStore) MarkIndeterminate(ctx context.Context, txnID string) error {
	return p.transition(ctx, txnID, []Status{StatusSettling}, StatusIndeterminate, "", false)
}

// transition performs one guarded status transition. The row is locked first;
// a source-state mismatch is ErrInvalidState (the caller lost the race).
// refund additionally credits the amount back to the account, atomically with
// the status change.
func (p *PostgresStore) transition(ctx context.Context, txnID string, from []Status, to Status, rawResponse string, refund bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current Status
	var accountID string
	var amount int64
	err = tx.QueryRowContext(ctx, `
		SELECT status, account_id, amount FROM wallet_transactions WHERE id = $1 FOR UPDATE
	`, txnID).Scan(&current, &accountID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return err
	}

	allowed := false
	for _, s := range from {
		if current == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidState
	}

	if to.Terminal() {
		_, err = tx.ExecContext(ctx, `
			UPDATE wallet_transactions SET status = $2, raw_response = $3, settled_at = NOW()
			WHERE id = $1
		`, txnID, to, rawResponse)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE wallet_transactions SET status = $2 WHERE id = $1
		`, txnID, to)
	}
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	if refund {
		result, err := tx.ExecContext(ctx, `
			UPDATE wallet_accounts SET
				balance    = balance + $2,
				version    = version + 1,
				updated_at = NOW()
			WHERE id = $1
		`, accountID, amount)
		if err != nil {
			return fmt.Errorf("failed to credit refund: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrAccountNotFound
		}
	}

	return tx.Commit()
}

const selectTxnSQL = `
	SELECT id, account_id, amount, external_ref, category, status,
	       COALESCE(raw_response, ''), sweep_count, needs_review, created_at, settled_at
	FROM wallet_transactions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	txn := &Transaction{}
	var amount int64
	var settledAt sql.NullTime
	err := row.Scan(&txn.ID, &txn.AccountID, &amount, &txn.ExternalRef, &txn.Category,
		&txn.Status, &txn.RawResponse, &txn.SweepCount, &txn.NeedsReview, &txn.CreatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	txn.Amount = money.Paise(amount)
	if settledAt.Valid {
		txn.SettledAt = &settledAt.Time
	}
	return txn, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, txnID string) (*Transaction, error) {
	txn, err := scanTransaction(p.db.QueryRowContext(ctx, selectTxnSQL+`WHERE id = $1`, txnID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (p *PostgresStore) GetByReference(ctx context.Context, externalRef string) (*Transaction, error) {
	txn, err := scanTransaction(p.db.QueryRowContext(ctx, selectTxnSQL+`WHERE external_ref = $1`, externalRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	return p.list(ctx, selectTxnSQL+`WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	return p.list(ctx, selectTxnSQL+`
		WHERE status IN ('settling', 'indeterminate')
		  AND needs_review = FALSE
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, before, limit)
}

func (p *PostgresStore) ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error) {
	return p.list(ctx, selectTxnSQL+`WHERE needs_review = TRUE AND status IN ('settling', 'indeterminate') ORDER BY created_at ASC LIMIT $1`, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func (p *PostgresStore) RecordSweep(ctx context.Context, txnID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		UPDATE wallet_transactions SET sweep_count = sweep_count + 1
		WHERE id = $1
		RETURNING sweep_count
	`, txnID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrTransactionNotFound
	}
	return count, err
}

func (p *PostgresStore) MarkNeedsReview(ctx context.Context, txnID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallet_transactions SET needs_review = TRUE WHERE id = $1
	`, txnID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	acct := &Account{ID: accountID}
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, version, updated_at FROM wallet_accounts WHERE id = $1
	`, accountID).Scan(&balance, &acct.Version, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Balance = money.Paise(balance)
	return acct, nil
}

func (p *PostgresStore) CreditAccount(ctx context.Context, accountID string, amount money.Paise, topupRef string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_topups (ref, account_id, amount) VALUES ($1, $2, $3)
	`, topupRef, accountID, int64(amount))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTopup
		}
		return fmt.Errorf("failed to record top-up: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (id, balance, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			balance    = wallet_accounts.balance + $2,
			version    = wallet_accounts.version + 1,
			updated_at = NOW()
	`, accountID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	return tx.Commit()
}
