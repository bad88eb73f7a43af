package txerr

import (
	"regexp"
	"strings"
)

// Reason names a contract-level precondition that rejected a call.
type Reason string

const (
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonNotWhitelisted      Reason = "not_whitelisted"
	ReasonKYCRequired         Reason = "kyc_required"
	ReasonComplianceExpired   Reason = "compliance_expired"
	ReasonComplianceMissing   Reason = "compliance_missing"
	ReasonContractPaused      Reason = "contract_paused"
	ReasonAlreadyInitialized  Reason = "already_initialized"
	ReasonNotAuthorized       Reason = "not_authorized"
)

// contractPanics maps the messages the token contract panics with to reasons.
// Longer messages come first so that "Insufficient balance to burn" wins over its prefix.
var contractPanics = []struct {
	message string
	reason  Reason
}{
	{"Insufficient balance to burn", ReasonInsufficientBalance},
	{"Insufficient balance", ReasonInsufficientBalance},
	{"insufficient_balance", ReasonInsufficientBalance},
	{"Address not whitelisted", ReasonNotWhitelisted},
	{"not_whitelisted", ReasonNotWhitelisted},
	{"KYC verification required", ReasonKYCRequired},
	{"Compliance verification expired", ReasonComplianceExpired},
	{"compliance_expired", ReasonComplianceExpired},
	{"Compliance data not found", ReasonComplianceMissing},
	{"Contract is paused", ReasonContractPaused},
	{"contract_paused", ReasonContractPaused},
	{"Contract already initialized", ReasonAlreadyInitialized},
}

// HostErrorType is the category of a ledger host error, e.g. Error(Auth, InvalidAction).
type HostErrorType string

const (
	HostErrorAuth     HostErrorType = "Auth"
	HostErrorContract HostErrorType = "Contract"
	HostErrorWasmVM   HostErrorType = "WasmVm"
	HostErrorContext  HostErrorType = "Context"
	HostErrorStorage  HostErrorType = "Storage"
	HostErrorObject   HostErrorType = "Object"
	HostErrorCrypto   HostErrorType = "Crypto"
	HostErrorEvents   HostErrorType = "Events"
	HostErrorBudget   HostErrorType = "Budget"
	HostErrorValue    HostErrorType = "Value"
)

// hostErrorKinds is the complete classification of host error types.
var hostErrorKinds = map[HostErrorType]Kind{
	HostErrorAuth:     AuthorizationFailure,
	HostErrorContract: SimulationError,
	HostErrorWasmVM:   SimulationError,
	HostErrorContext:  SimulationError,
	HostErrorStorage:  SimulationError,
	HostErrorObject:   SimulationError,
	HostErrorCrypto:   SimulationError,
	HostErrorEvents:   SimulationError,
	HostErrorBudget:   SimulationError,
	HostErrorValue:    SimulationError,
}

// authResultCodes are the transaction result codes that mean the signature set
// does not carry the authority the call needs.
var authResultCodes = map[string]bool{
	"txBAD_AUTH":       true,
	"txBAD_AUTH_EXTRA": true,
}

var hostErrorPattern = regexp.MustCompile(`Error\((\w+),\s*#?\w+\)`)

// ParseHostErrorType extracts the host error category from a simulation error.
func ParseHostErrorType(raw string) (HostErrorType, bool) {
	m := hostErrorPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	t := HostErrorType(m[1])
	if _, ok := hostErrorKinds[t]; !ok {
		return "", false
	}
	return t, true
}

// ContractReason looks up the contract panic carried by a simulation error.
func ContractReason(raw string) Reason {
	for _, p := range contractPanics {
		if strings.Contains(raw, p.message) {
			return p.reason
		}
	}
	return ""
}

// ClassifySimulation turns a raw simulation error into a classified error.
// Unrecognized host errors are business-rule failures: they never trigger fallthrough.
func ClassifySimulation(raw string) *Error {
	kind := SimulationError
	if t, ok := ParseHostErrorType(raw); ok {
		kind = hostErrorKinds[t]
	}
	e := &Error{Kind: kind, Detail: raw, Reason: ContractReason(raw)}
	if kind == AuthorizationFailure && e.Reason == "" {
		e.Reason = ReasonNotAuthorized
	}
	return e
}

// ClassifyResultCode turns a rejected submission's result code into a classified error.
func ClassifyResultCode(code string) *Error {
	if authResultCodes[code] {
		return &Error{Kind: AuthorizationFailure, Detail: code, Reason: ReasonNotAuthorized}
	}
	return &Error{Kind: SubmissionRejected, Detail: code}
}
