package txn

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mobikosh/mobikosh/internal/ledger"
	"github.com/mobikosh/mobikosh/internal/money"
	"github.com/mobikosh/mobikosh/internal/settlement"
	"github.com/mobikosh/mobikosh/internal/validation"
)

// Handler provides HTTP endpoints for the transaction lifecycle.
type Handler struct {
	service *Service
	store   ledger.Store
}

// NewHandler creates a transaction handler.
func NewHandler(service *Service, store ledger.Store) *Handler {
	return &Handler{service: service, store: store}
}

// RegisterRoutes sets up the public transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Submit)
	r.GET("/transactions/:ref", h.GetTransaction)
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up the operator-only routes. The caller wraps the
// group in admin auth middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/review", h.ListNeedsReview)
	// Param is :txnId, not :id, so the account-ID param check on the v1
	// group does not reject transaction IDs.
	r.POST("/transactions/:txnId/resolve", h.ResolveTransaction)
	r.POST("/accounts/:id/credit", h.CreditAccount)
}

// Submit handles POST /v1/transactions
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		var verr *ValidationError
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.As(err, &verr):
			status = http.StatusBadRequest
			code = "validation_error"
		case errors.Is(err, ledger.ErrInsufficientFunds):
			status = http.StatusPaymentRequired
			code = "insufficient_funds"
		case errors.Is(err, ledger.ErrAccountNotFound):
			status = http.StatusNotFound
			code = "account_not_found"
		case errors.Is(err, ledger.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ledger.ErrInvalidState):
			// Lost the reserve-to-settling transition to a concurrent writer.
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		// Replay of an already-known reference returns the original record.
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"transaction": result.Transaction,
		"duplicate":   result.Duplicate,
	})
}

// GetTransaction handles GET /v1/transactions/:ref. The path value is either
// the transaction ID issued at submit or the caller's external reference.
func (h *Handler) GetTransaction(c *gin.Context) {
	ref := c.Param("ref")

	var txn *ledger.Transaction
	var err error
	switch {
	case validation.IsValidTransactionID(ref):
		txn, err = h.store.GetTransaction(c.Request.Context(), ref)
	case validation.IsValidExternalRef(ref):
		txn, err = h.service.GetByReference(c.Request.Context(), ref)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_reference",
			"message": "lookup key must be a transaction id or a 1-64 char reference",
		})
		return
	}
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// GetBalance handles GET /v1/accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	acct, err := h.service.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": acct.ID,
		"balance":   acct.Balance,
		"display":   money.Format(acct.Balance),
		"version":   acct.Version,
		"updatedAt": acct.UpdatedAt,
	})
}

// ListTransactions handles GET /v1/accounts/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, err := h.service.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// ListNeedsReview handles GET /v1/admin/review
func (h *Handler) ListNeedsReview(c *gin.Context) {
	txns, err := h.store.ListNeedsReview(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// ResolveRequest is the admin verdict for a stuck transaction, taken from the
// operator portal after checking with the settlement network out of band.
type ResolveRequest struct {
	Verdict string `json:"verdict" binding:"required"` // "success" or "failure"
	Note    string `json:"note"`
}

// ResolveTransaction handles POST /v1/admin/transactions/:txnId/resolve
func (h *Handler) ResolveTransaction(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "verdict is required (success or failure)",
		})
		return
	}

	id := c.Param("txnId")
	current, err := h.store.GetTransaction(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if current.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Transaction already finalized as " + string(current.Status),
		})
		return
	}

	raw, _ := json.Marshal(gin.H{"resolvedBy": "operator", "verdict": req.Verdict, "note": req.Note})
	var outcome settlement.Outcome
	switch req.Verdict {
	case "success":
		outcome = settlement.Success(string(raw))
	case "failure":
		outcome = settlement.Failure(string(raw))
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_verdict",
			"message": "verdict must be success or failure",
		})
		return
	}

	txn, err := h.service.Resolve(c.Request.Context(), id, outcome)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// CreditRequest tops up a wallet from the account-management side.
type CreditRequest struct {
	Amount   string `json:"amount" binding:"required"` // decimal rupees
	TopupRef string `json:"topupRef" binding:"required"`
}

// CreditAccount handles POST /v1/admin/accounts/:id/credit
func (h *Handler) CreditAccount(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and topupRef are required",
		})
		return
	}
	if !validation.IsValidExternalRef(req.TopupRef) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_reference",
			"message": "topupRef must be 1-64 chars, alphanumeric plus - and _",
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive decimal rupee value",
		})
		return
	}

	id := c.Param("id")
	if err := h.store.CreditAccount(c.Request.Context(), id, amount, req.TopupRef); err != nil {
		if errors.Is(err, ledger.ErrDuplicateTopup) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_topup",
				"message": "This top-up reference was already processed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	acct, err := h.store.GetAccount(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accountId": acct.ID,
		"balance":   acct.Balance,
		"display":   money.Format(acct.Balance),
	})
}
