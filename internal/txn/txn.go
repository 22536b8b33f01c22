// Package txn coordinates the wallet debit-and-settle lifecycle.
//
// Flow:
//  1. Validate request → reserve funds (atomic debit + RESERVED row)
//  2. Mark SETTLING, then call the gateway exactly once
//  3. Finalize per outcome: success keeps the debit, failure refunds,
//     indeterminate parks the money until the sweeper reconciles
//
// A transaction that reaches SETTLING is never re-settled: recovery goes
// through status queries only.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mobikosh/mobikosh/internal/ledger"
	"github.com/mobikosh/mobikosh/internal/metrics"
	"github.com/mobikosh/mobikosh/internal/money"
	"github.com/mobikosh/mobikosh/internal/settlement"
	"github.com/mobikosh/mobikosh/internal/validation"
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("txn: invalid %s: %s", e.Field, e.Reason)
}

// RechargePayload targets a mobile recharge.
type RechargePayload struct {
	OperatorCode string `json:"operatorCode"`
	Subscriber   string `json:"subscriber"`
}

// BillPayload targets a utility bill payment.
type BillPayload struct {
	BillerCode string `json:"billerCode"`
	ConsumerID string `json:"consumerId"`
}

// SchemePayload targets a savings-scheme enrollment installment.
type SchemePayload struct {
	SchemeCode   string `json:"schemeCode"`
	EnrollmentID string `json:"enrollmentId"`
}

// SubmitRequest is one payment attempt. Exactly one category payload must be
// set, matching Category. Amount is decimal rupees ("149.00").
type SubmitRequest struct {
	AccountID   string          `json:"accountId" binding:"required"`
	Amount      string          `json:"amount" binding:"required"`
	ExternalRef string          `json:"externalRef" binding:"required"`
	Category    ledger.Category `json:"category" binding:"required"`

	Recharge *RechargePayload `json:"recharge,omitempty"`
	Bill     *BillPayload     `json:"bill,omitempty"`
	Scheme   *SchemePayload   `json:"scheme,omitempty"`

	// Optional device geolocation; defaults applied when absent.
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
}

// SubmitResult is the coordinator's answer to one submission.
type SubmitResult struct {
	Transaction *ledger.Transaction
	Duplicate   bool // externalRef replay; Transaction is the original record
}

// Notifier is told about every status change. Implementations must not block.
type Notifier interface {
	TransactionUpdated(ctx context.Context, txn *ledger.Transaction)
}

// Service implements the transaction coordinator.
type Service struct {
	store    ledger.Store
	gateway  settlement.Client
	logger   *slog.Logger
	notifier Notifier

	defaultLat string
	defaultLng string

	locks sync.Map // per-transaction ID locks: coordinator vs sweeper vs admin
}

// NewService creates a transaction coordinator.
func NewService(store ledger.Store, gateway settlement.Client, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		logger:  logger,
	}
}

// WithNotifier adds a status-change notifier (webhook emitter).
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithDefaultGeo sets the geolocation sent when the caller supplies none.
func (s *Service) WithDefaultGeo(lat, lng string) *Service {
	s.defaultLat = lat
	s.defaultLng = lng
	return s
}

// txnLock returns the mutex for a transaction ID.
func (s *Service) txnLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Submit runs one payment attempt end to end.
//
// Replays (same externalRef) return the original record without touching the
// balance or the gateway. The gateway call runs detached from the caller's
// context: once money is reserved, a dropped client connection must not abort
// settlement mid-flight.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	amount, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	txn, existing, err := s.store.Reserve(ctx, req.AccountID, amount, req.ExternalRef, req.Category)
	if err != nil {
		return nil, err
	}
	if existing {
		return &SubmitResult{Transaction: txn, Duplicate: true}, nil
	}
	metrics.TransactionsTotal.WithLabelValues(string(ledger.StatusReserved)).Inc()

	mu := s.txnLock(txn.ID)
	mu.Lock()
	defer mu.Unlock()

	// Detach before any further work: settlement and finalization survive
	// caller disconnects.
	dctx := context.WithoutCancel(ctx)

	if err := s.store.MarkSettling(dctx, txn.ID); err != nil {
		// Funds are reserved but we could not record intent to settle. Do not
		// call the gateway: the sweeper cannot tell a never-sent RESERVED row
		// apart from a sent one, so a call here would be unrecoverable.
		s.logger.Error("CRITICAL: reserved but could not mark settling; funds held, gateway not called",
			"txn_id", txn.ID, "external_ref", txn.ExternalRef, "error", err)
		return nil, fmt.Errorf("txn: mark settling: %w", err)
	}

	outcome := s.gateway.Settle(dctx, s.gatewayRequest(txn, &req))

	final, err := s.resolve(dctx, txn.ID, outcome, "settle")
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Transaction: final}, nil
}

// Resolve applies a gateway outcome to an unresolved transaction. Used by the
// sweeper and by admin resolution; safe against concurrent finalization via
// the per-transaction lock plus the store's state guard.
func (s *Service) Resolve(ctx context.Context, txnID string, outcome settlement.Outcome) (*ledger.Transaction, error) {
	mu := s.txnLock(txnID)
	mu.Lock()
	defer mu.Unlock()
	return s.resolve(ctx, txnID, outcome, "sweep")
}

// resolve persists the outcome. Caller must hold the transaction lock.
func (s *Service) resolve(ctx context.Context, txnID string, outcome settlement.Outcome, phase string) (*ledger.Transaction, error) {
	var err error
	switch outcome.Class {
	case settlement.ClassSuccess:
		err = s.store.FinalizeSuccess(ctx, txnID, outcome.Raw)
	case settlement.ClassFailure:
		err = s.store.FinalizeFailure(ctx, txnID, outcome.Raw)
	case settlement.ClassIndeterminate:
		err = s.store.MarkIndeterminate(ctx, txnID)
		if errors.Is(err, ledger.ErrInvalidState) {
			// Already indeterminate (sweep path). Not a failure.
			err = nil
		}
	default:
		return nil, fmt.Errorf("txn: unknown outcome class %q", outcome.Class)
	}

	if err != nil {
		if errors.Is(err, ledger.ErrInvalidState) {
			// Lost the race to another finalizer. The row is authoritative.
			txn, getErr := s.store.GetTransaction(ctx, txnID)
			if getErr != nil {
				return nil, getErr
			}
			return txn, nil
		}
		// Gateway outcome known but not persisted. The row stays SETTLING or
		// INDETERMINATE and the sweeper will re-derive the outcome by query.
		s.logger.Error("CRITICAL: outcome not persisted, leaving for reconciliation",
			"txn_id", txnID, "phase", phase, "outcome", string(outcome.Class), "error", err)
		return nil, fmt.Errorf("txn: persist outcome: %w", err)
	}

	txn, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(txn.Status)).Inc()
	if s.notifier != nil {
		s.notifier.TransactionUpdated(ctx, txn)
	}
	return txn, nil
}

// gatewayRequest builds the normalized outbound payload.
func (s *Service) gatewayRequest(txn *ledger.Transaction, req *SubmitRequest) settlement.Request {
	out := settlement.Request{
		ExternalRef: txn.ExternalRef,
		Category:    string(txn.Category),
		Amount:      money.Format(txn.Amount),
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	}
	if out.Latitude == "" {
		out.Latitude = s.defaultLat
	}
	if out.Longitude == "" {
		out.Longitude = s.defaultLng
	}
	switch txn.Category {
	case ledger.CategoryRecharge:
		out.OperatorCode = req.Recharge.OperatorCode
		out.TargetID = req.Recharge.Subscriber
	case ledger.CategoryBillPayment:
		out.OperatorCode = req.Bill.BillerCode
		out.TargetID = req.Bill.ConsumerID
	case ledger.CategorySchemeEnrollment:
		out.OperatorCode = req.Scheme.SchemeCode
		out.TargetID = req.Scheme.EnrollmentID
	}
	return out
}

// validate checks the request and returns the parsed amount.
func (s *Service) validate(req *SubmitRequest) (money.Paise, error) {
	if !validation.IsValidAccountID(req.AccountID) {
		return 0, &ValidationError{Field: "accountId", Reason: "must be acc_ + 24 hex chars"}
	}
	if !validation.IsValidExternalRef(req.ExternalRef) {
		return 0, &ValidationError{Field: "externalRef", Reason: "1-64 chars, alphanumeric plus - and _"}
	}
	amount, err := money.Parse(req.Amount)
	if err != nil || amount <= 0 {
		return 0, &ValidationError{Field: "amount", Reason: "must be a positive decimal rupee amount with at most 2 fractional digits"}
	}

	switch req.Category {
	case ledger.CategoryRecharge:
		if req.Bill != nil || req.Scheme != nil {
			return 0, &ValidationError{Field: "category", Reason: "recharge requests take only the recharge payload"}
		}
		if req.Recharge == nil {
			return 0, &ValidationError{Field: "recharge", Reason: "required for category recharge"}
		}
		if !validation.IsValidCode(req.Recharge.OperatorCode) {
			return 0, &ValidationError{Field: "recharge.operatorCode", Reason: "2-16 uppercase alphanumeric chars"}
		}
		if !validation.IsValidSubscriber(req.Recharge.Subscriber) {
			return 0, &ValidationError{Field: "recharge.subscriber", Reason: "must be a 10-digit mobile number"}
		}
	case ledger.CategoryBillPayment:
		if req.Recharge != nil || req.Scheme != nil {
			return 0, &ValidationError{Field: "category", Reason: "bill_payment requests take only the bill payload"}
		}
		if req.Bill == nil {
			return 0, &ValidationError{Field: "bill", Reason: "required for category bill_payment"}
		}
		if !validation.IsValidCode(req.Bill.BillerCode) {
			return 0, &ValidationError{Field: "bill.billerCode", Reason: "2-16 uppercase alphanumeric chars"}
		}
		if !validation.IsValidExternalRef(req.Bill.ConsumerID) {
			return 0, &ValidationError{Field: "bill.consumerId", Reason: "1-64 chars, alphanumeric plus - and _"}
		}
	case ledger.CategorySchemeEnrollment:
		if req.Recharge != nil || req.Bill != nil {
			return 0, &ValidationError{Field: "category", Reason: "scheme_enrollment requests take only the scheme payload"}
		}
		if req.Scheme == nil {
			return 0, &ValidationError{Field: "scheme", Reason: "required for category scheme_enrollment"}
		}
		if !validation.IsValidCode(req.Scheme.SchemeCode) {
			return 0, &ValidationError{Field: "scheme.schemeCode", Reason: "2-16 uppercase alphanumeric chars"}
		}
		if !validation.IsValidExternalRef(req.Scheme.EnrollmentID) {
			return 0, &ValidationError{Field: "scheme.enrollmentId", Reason: "1-64 chars, alphanumeric plus - and _"}
		}
	default:
		return 0, &ValidationError{Field: "category", Reason: "must be recharge, bill_payment, or scheme_enrollment"}
	}
	return amount, nil
}

// GetByReference returns the transaction for an external reference.
func (s *Service) GetByReference(ctx context.Context, externalRef string) (*ledger.Transaction, error) {
	return s.store.GetByReference(ctx, externalRef)
}

// History returns recent transactions for an account, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]*ledger.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// Balance returns the current wallet balance.
func (s *Service) Balance(ctx context.Context, accountID string) (*ledger.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}
