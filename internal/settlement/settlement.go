// Package settlement abstracts the external payment-settlement network.
//
// The gateway executes the actual recharge/bill payment. Its answers are
// trichotomous: confirmed success, confirmed failure, or indeterminate.
// Anything the client cannot positively classify (timeout, connection loss,
// malformed body, unknown status flag) is indeterminate. Treating ambiguity
// as failure would refund money for payments that may have gone through
// downstream; treating it as success would settle payments that never happened.
package settlement

import "context"

// Class is the three-way outcome classification.
type Class string

const (
	ClassSuccess       Class = "success"
	ClassFailure       Class = "failure"
	ClassIndeterminate Class = "indeterminate"
)

// Outcome is the result of one gateway interaction.
type Outcome struct {
	Class  Class
	Raw    string // opaque response envelope, stored verbatim for audit
	Reason string // set for indeterminate outcomes (timeout, malformed response, ...)
}

// Success builds a confirmed-success outcome.
func Success(raw string) Outcome { return Outcome{Class: ClassSuccess, Raw: raw} }

// Failure builds a confirmed-failure outcome.
func Failure(raw string) Outcome { return Outcome{Class: ClassFailure, Raw: raw} }

// Indeterminate builds an unknown outcome with the reason it is unknown.
func Indeterminate(reason string, raw string) Outcome {
	return Outcome{Class: ClassIndeterminate, Raw: raw, Reason: reason}
}

// Request is the normalized payload sent to the gateway. All fields are
// strings per the gateway wire contract; amount conversion from paise happens
// at this boundary and nowhere else.
type Request struct {
	ExternalRef  string `json:"clientRef"`
	Category     string `json:"category"`
	Amount       string `json:"amount"` // decimal rupees, e.g. "149.00"
	TargetID     string `json:"targetId"`
	OperatorCode string `json:"operatorCode"`
	Latitude     string `json:"latitude"`
	Longitude    string `json:"longitude"`
}

// Client talks to the settlement network.
//
// Settle performs exactly one outbound call per invocation. It is never
// retried automatically: settlement calls are not guaranteed idempotent on
// the remote side, so retry policy belongs to reconciliation, which only
// queries. Both methods report transport problems inside the Outcome rather
// than as an error; there is no fourth result.
type Client interface {
	Settle(ctx context.Context, req Request) Outcome
	QueryStatus(ctx context.Context, externalRef string) Outcome
}
