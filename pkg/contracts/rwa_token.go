// Package contracts is the binding for the RWA token contract: its function names,
// argument encoding and view return decoding.
package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// Contract functions
const (
	FnMintSimple          = "mint_simple"
	FnTransfer            = "transfer"
	FnBurn                = "burn"
	FnAddToWhitelist      = "add_to_whitelist"
	FnRemoveFromWhitelist = "remove_from_whitelist"
	FnAddCompliance       = "add_compliance"

	FnBalance        = "balance"
	FnIsWhitelisted  = "is_whitelisted"
	FnGetCompliance  = "get_compliance"
	FnIsPaused       = "is_paused"
	FnGetAdmin       = "get_admin"
	FnGetTotalSupply = "get_total_supply"
)

// maxI128 is 2^127 - 1
var maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))

// Address encodes an account address argument
func Address(addr string) models.Arg {
	return models.Arg{Type: models.ArgAddress, Value: common.HexToAddress(addr).Hex()}
}

// I128 encodes a signed 128-bit integer argument as a decimal string
func I128(v *big.Int) models.Arg {
	return models.Arg{Type: models.ArgI128, Value: v.String()}
}

// U64 encodes an unsigned 64-bit integer argument as a decimal string
func U64(v uint64) models.Arg {
	return models.Arg{Type: models.ArgU64, Value: strconv.FormatUint(v, 10)}
}

// Compliance encodes a compliance record argument
func Compliance(data models.ComplianceData) models.Arg {
	return models.Arg{Type: models.ArgMap, Value: map[string]interface{}{
		"kyc_verified":        data.KYCVerified,
		"accredited_investor": data.AccreditedInvestor,
		"jurisdiction":        data.Jurisdiction,
		"compliance_expiry":   strconv.FormatUint(data.ComplianceExpiry, 10),
	}}
}

// ValidateAddress rejects strings that are not account addresses
func ValidateAddress(field, addr string) error {
	if !common.IsHexAddress(addr) {
		return txerr.New(txerr.InvalidRequest, "invalid %s address: %q", field, addr)
	}
	return nil
}

// ParseAmount parses a positive i128 decimal amount
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, txerr.New(txerr.InvalidRequest, "invalid amount: %q", s)
	}
	if v.Sign() <= 0 {
		return nil, txerr.New(txerr.InvalidRequest, "amount must be positive, got %s", s)
	}
	if v.Cmp(maxI128) > 0 {
		return nil, txerr.New(txerr.InvalidRequest, "amount %s exceeds i128 range", s)
	}
	return v, nil
}

// RWAToken builds invocations of one deployed token contract
type RWAToken struct {
	ContractID string
}

// NewRWAToken creates a binding to the contract at contractID
func NewRWAToken(contractID string) (*RWAToken, error) {
	if !common.IsHexAddress(contractID) {
		return nil, fmt.Errorf("invalid contract id: %s", contractID)
	}
	return &RWAToken{ContractID: common.HexToAddress(contractID).Hex()}, nil
}

func (t *RWAToken) request(signer, fn string, args ...models.Arg) models.TransactionRequest {
	return models.TransactionRequest{
		ContractID:    t.ContractID,
		FunctionName:  fn,
		Args:          args,
		SignerAddress: signer,
	}
}

// MintSimple mints amount to the recipient; signed by the admin
func (t *RWAToken) MintSimple(admin, to string, amount *big.Int) models.TransactionRequest {
	return t.request(admin, FnMintSimple, Address(to), I128(amount))
}

// Transfer moves amount between holders; signed by the sender
func (t *RWAToken) Transfer(from, to string, amount *big.Int) models.TransactionRequest {
	return t.request(from, FnTransfer, Address(from), Address(to), I128(amount))
}

// Burn destroys amount held by from; signed by the admin
func (t *RWAToken) Burn(admin, from string, amount *big.Int) models.TransactionRequest {
	return t.request(admin, FnBurn, Address(from), I128(amount))
}

// AddToWhitelist allows address to receive transfers; signed by the admin
func (t *RWAToken) AddToWhitelist(admin, address string) models.TransactionRequest {
	return t.request(admin, FnAddToWhitelist, Address(address))
}

// RemoveFromWhitelist revokes a whitelist entry; signed by the admin
func (t *RWAToken) RemoveFromWhitelist(admin, address string) models.TransactionRequest {
	return t.request(admin, FnRemoveFromWhitelist, Address(address))
}

// AddCompliance stores the compliance record of address; signed by the admin
func (t *RWAToken) AddCompliance(admin, address string, data models.ComplianceData) models.TransactionRequest {
	return t.request(admin, FnAddCompliance, Address(address), Compliance(data))
}

// View builds a read-only invocation simulated from source
func (t *RWAToken) View(source, fn string, args ...models.Arg) models.TransactionRequest {
	return t.request(source, fn, args...)
}

// DecodeI128 decodes an i128 return value
func DecodeI128(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode i128: %v", err)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid i128 value: %q", s)
	}
	return v, nil
}

// DecodeBool decodes a bool return value
func DecodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("failed to decode bool: %v", err)
	}
	return b, nil
}

// DecodeAddress decodes an address return value
func DecodeAddress(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("failed to decode address: %v", err)
	}
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid address value: %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// DecodeCompliance decodes an optional compliance record; nil means none is stored
func DecodeCompliance(raw json.RawMessage) (*models.ComplianceData, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var wire struct {
		KYCVerified        bool   `json:"kyc_verified"`
		AccreditedInvestor bool   `json:"accredited_investor"`
		Jurisdiction       string `json:"jurisdiction"`
		ComplianceExpiry   string `json:"compliance_expiry"`
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode compliance data: %v", err)
	}
	expiry, err := strconv.ParseUint(wire.ComplianceExpiry, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid compliance expiry: %q", wire.ComplianceExpiry)
	}
	return &models.ComplianceData{
		KYCVerified:        wire.KYCVerified,
		AccreditedInvestor: wire.AccreditedInvestor,
		Jurisdiction:       wire.Jurisdiction,
		ComplianceExpiry:   expiry,
	}, nil
}
