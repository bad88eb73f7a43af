package models

// ArgType is the ledger value type of a contract argument
type ArgType string

const (
	ArgAddress ArgType = "address"
	ArgI128    ArgType = "i128"
	ArgU64     ArgType = "u64"
	ArgBool    ArgType = "bool"
	ArgString  ArgType = "string"
	ArgMap     ArgType = "map"
)

// Arg is a typed contract invocation argument
type Arg struct {
	Type  ArgType     `json:"type"`
	Value interface{} `json:"value"`
}

// TransactionRequest describes one contract invocation. It is never mutated after simulation.
type TransactionRequest struct {
	ContractID     string
	FunctionName   string
	Args           []Arg
	SignerAddress  string
	FeeHint        uint32
	TimeoutSeconds uint32
}

// ConfirmationStatus is the ledger status observed for a submitted transaction
type ConfirmationStatus string

const (
	ConfirmationSuccess ConfirmationStatus = "SUCCESS"
	ConfirmationFailed  ConfirmationStatus = "FAILED"
	ConfirmationPending ConfirmationStatus = "PENDING"
)

// ConfirmationResult is produced per poll cycle
type ConfirmationResult struct {
	Status           ConfirmationStatus `json:"status"`
	TransactionID    string             `json:"transaction_id"`
	LedgerSequence   uint32             `json:"ledger,omitempty"`
	CreatedAt        string             `json:"created_at,omitempty"`
	ApplicationOrder int                `json:"application_order,omitempty"`
	ErrorDetail      string             `json:"error_detail,omitempty"`
}
