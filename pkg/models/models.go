package models

import (
	"time"
)

// OperationKind identifies the logical contract operation requested by a caller
type OperationKind string

const (
	KindTransfer         OperationKind = "transfer"
	KindMint             OperationKind = "mint"
	KindBurn             OperationKind = "burn"
	KindWhitelistAdd     OperationKind = "whitelist_add"
	KindWhitelistRemove  OperationKind = "whitelist_remove"
	KindComplianceUpdate OperationKind = "compliance_update"
)

// OperationStatus is the lifecycle state of an operation
type OperationStatus string

const (
	StatusCreated      OperationStatus = "created"
	StatusSubmitted    OperationStatus = "submitted"
	StatusPending      OperationStatus = "pending"
	StatusSucceeded    OperationStatus = "succeeded"
	StatusFailed       OperationStatus = "failed"
	StatusQueued       OperationStatus = "queued"
	StatusDeadLettered OperationStatus = "dead_lettered"
)

// AllStatuses lists every status, in lifecycle order
var AllStatuses = []OperationStatus{
	StatusCreated,
	StatusSubmitted,
	StatusPending,
	StatusSucceeded,
	StatusFailed,
	StatusQueued,
	StatusDeadLettered,
}

// InFlight reports whether a submission may currently be travelling to the ledger
func (s OperationStatus) InFlight() bool {
	return s == StatusSubmitted || s == StatusPending
}

// Immutable reports whether the status is final
func (s OperationStatus) Immutable() bool {
	return s == StatusSucceeded || s == StatusDeadLettered
}

// ComplianceData is the compliance record attached to an address by the contract
type ComplianceData struct {
	KYCVerified        bool   `json:"kyc_verified"`
	AccreditedInvestor bool   `json:"accredited_investor"`
	Jurisdiction       string `json:"jurisdiction"`
	ComplianceExpiry   uint64 `json:"compliance_expiry"`
}

// Payload holds the kind-specific arguments of an operation
type Payload struct {
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	Address    string          `json:"address,omitempty"`
	Amount     string          `json:"amount,omitempty"`
	Compliance *ComplianceData `json:"compliance,omitempty"`
	Source     string          `json:"source,omitempty"`
}

// Target returns the address the operation acts upon
func (p Payload) Target() string {
	switch {
	case p.To != "":
		return p.To
	case p.Address != "":
		return p.Address
	default:
		return p.From
	}
}

// OperationResult is the outcome recorded on an operation
type OperationResult struct {
	TransactionID  string `json:"transaction_id,omitempty"`
	LedgerSequence uint32 `json:"ledger_sequence,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
}

// Operation is a unit of work submitted by a caller
type Operation struct {
	ID            string          `json:"id"`
	Kind          OperationKind   `json:"kind"`
	Payload       Payload         `json:"payload"`
	Status        OperationStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
	Result        OperationResult `json:"result"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int64           `json:"-"`
}

// Clone returns a copy that shares no mutable state with op
func (op *Operation) Clone() *Operation {
	c := *op
	if op.Payload.Compliance != nil {
		cd := *op.Payload.Compliance
		c.Payload.Compliance = &cd
	}
	return &c
}

// RpcEndpointState is the health view of one ledger RPC endpoint
type RpcEndpointState struct {
	URL               string    `json:"url"`
	LastHealthCheckAt time.Time `json:"last_health_check_at"`
	Healthy           bool      `json:"healthy"`
	LatestLedger      uint32    `json:"latest_ledger,omitempty"`
}
