// Package txerr defines the typed failure kinds produced at the ledger adapter boundary.
// Callers branch on Kind, never on message text.
package txerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a transaction lifecycle failure.
type Kind int

const (
	Unknown Kind = iota
	AllEndpointsDown
	NetworkFailure
	Timeout
	AccountNotFound
	SimulationError
	UserDeclined
	SignerUnavailable
	SubmissionRejected
	ConfirmationTimeout
	AuthorizationFailure
	InvalidRequest
	TransactionFailed
	Canceled
)

var kindNames = map[Kind]string{
	Unknown:              "unknown",
	AllEndpointsDown:     "all_endpoints_down",
	NetworkFailure:       "network_failure",
	Timeout:              "timeout",
	AccountNotFound:      "account_not_found",
	SimulationError:      "simulation_error",
	UserDeclined:         "user_declined",
	SignerUnavailable:    "signer_unavailable",
	SubmissionRejected:   "submission_rejected",
	ConfirmationTimeout:  "confirmation_timeout",
	AuthorizationFailure: "authorization_failure",
	InvalidRequest:       "invalid_request",
	TransactionFailed:    "transaction_failed",
	Canceled:             "canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[Unknown]
}

// Retryable reports whether a later attempt of the same call may succeed.
// SignerUnavailable is excluded: only the mint pipeline retries it.
func (k Kind) Retryable() bool {
	switch k {
	case AllEndpointsDown, NetworkFailure, Timeout, ConfirmationTimeout:
		return true
	}
	return false
}

// Terminal reports whether the failure ends the operation for the direct caller.
func (k Kind) Terminal() bool {
	return k != ConfirmationTimeout
}

// FallsThrough reports whether a failed mint tier hands over to the next tier.
func FallsThrough(k Kind) bool {
	return k == AuthorizationFailure || k == SignerUnavailable
}

// Error is a classified ledger failure.
type Error struct {
	Kind   Kind
	Reason Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// WithReason attaches a contract-level reason to the error.
func (e *Error) WithReason(r Reason) *Error {
	e.Reason = r
	return e
}

// KindOf returns the kind of err. Context expiry is reported as Timeout and
// cancellation as Canceled.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	return Unknown
}

// ReasonOf returns the contract-level reason attached to err, if any.
func ReasonOf(err error) Reason {
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailOf returns the ledger detail of err, such as a transaction result code.
func DetailOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Detail
	}
	return ""
}

// ParseKind is the inverse of Kind.String. Unrecognized names are Unknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return Unknown
}
