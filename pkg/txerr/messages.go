package txerr

import "errors"

var reasonMessages = map[Reason]string{
	ReasonInsufficientBalance: "insufficient balance",
	ReasonNotWhitelisted:      "recipient not authorized: address is not whitelisted for this asset",
	ReasonKYCRequired:         "KYC verification required",
	ReasonComplianceExpired:   "compliance verification has expired",
	ReasonComplianceMissing:   "compliance data not found for address",
	ReasonContractPaused:      "contract is currently paused",
	ReasonAlreadyInitialized:  "contract already initialized",
	ReasonNotAuthorized:       "not authorized to perform this operation",
}

var kindMessages = map[Kind]string{
	Unknown:              "unexpected error",
	AllEndpointsDown:     "ledger network unavailable, try again later",
	NetworkFailure:       "ledger network request failed, try again later",
	Timeout:              "ledger network request timed out",
	AccountNotFound:      "account not found: fund or initialize the account first",
	SimulationError:      "transaction would fail",
	UserDeclined:         "cancelled by user",
	SignerUnavailable:    "signer unavailable",
	SubmissionRejected:   "transaction rejected by the network",
	ConfirmationTimeout:  "transaction submitted but confirmation taking longer than expected",
	AuthorizationFailure: "not authorized to perform this operation",
	InvalidRequest:       "invalid request",
	TransactionFailed:    "transaction failed on ledger",
	Canceled:             "request cancelled before completion",
}

// UserMessage renders err as a human-readable message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if r := ReasonOf(err); r != "" {
		if msg, ok := reasonMessages[r]; ok {
			return msg
		}
	}

	kind := KindOf(err)
	msg := kindMessages[kind]
	if kind == Unknown {
		return msg
	}

	// detail carries the ledger reason for these kinds
	switch kind {
	case SimulationError, SubmissionRejected, InvalidRequest:
		var te *Error
		if errors.As(err, &te) && te.Detail != "" {
			return msg + ": " + te.Detail
		}
	}
	return msg
}
