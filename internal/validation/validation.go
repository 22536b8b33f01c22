// Package validation provides input validation helpers for the mobikosh API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxRefLength is the maximum length for caller-supplied references
const MaxRefLength = 64

var (
	// accountIDRegex validates wallet account IDs ("acc_" + 24 hex chars)
	accountIDRegex = regexp.MustCompile(`^acc_[a-f0-9]{24}$`)
	// txnIDRegex validates transaction IDs ("txn_" + 24 hex chars)
	txnIDRegex = regexp.MustCompile(`^txn_[a-f0-9]{24}$`)
	// externalRefRegex validates caller idempotency keys
	externalRefRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// subscriberRegex validates 10-digit mobile subscriber numbers
	subscriberRegex = regexp.MustCompile(`^[6-9][0-9]{9}$`)
	// codeRegex validates operator/biller/scheme codes assigned by the network
	codeRegex = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAccountID checks if a string is a well-formed account ID.
func IsValidAccountID(id string) bool {
	return accountIDRegex.MatchString(id)
}

// IsValidTransactionID checks if a string is a well-formed transaction ID.
func IsValidTransactionID(id string) bool {
	return txnIDRegex.MatchString(id)
}

// IsValidExternalRef checks a caller-supplied idempotency reference.
func IsValidExternalRef(ref string) bool {
	return externalRefRegex.MatchString(ref)
}

// IsValidSubscriber checks a 10-digit Indian mobile subscriber number.
func IsValidSubscriber(number string) bool {
	return subscriberRegex.MatchString(number)
}

// IsValidCode checks an operator/biller/scheme code.
func IsValidCode(code string) bool {
	return codeRegex.MatchString(code)
}

// SanitizeString trims whitespace, limits length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// AccountParamMiddleware validates the :id URL parameter on account routes.
// Apply to route groups that include account :id params to reject malformed
// IDs early.
func AccountParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidAccountID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "account id must be acc_ + 24 hex chars",
			})
			return
		}
		c.Next()
	}
}
