// Package envelope encodes contract invocations as ledger transaction envelopes.
//
// An envelope travels as base64 of a JSON document. Its transaction id is the
// keccak256 hash of the network passphrase followed by the canonical body, which
// is the document without its signatures. Signatures are secp256k1 over the id.
package envelope

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
)

// Operation is the single contract invocation carried by an envelope
type Operation struct {
	Contract string       `json:"contract"`
	Function string       `json:"function"`
	Args     []models.Arg `json:"args"`
}

// Resources is the footprint returned by simulation, required for submission
type Resources struct {
	TransactionData string `json:"transactionData"`
	MinResourceFee  int64  `json:"minResourceFee"`
}

// Signature is one signer's approval of the transaction id
type Signature struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// Envelope is a ledger transaction
type Envelope struct {
	Network    string      `json:"network"`
	Source     string      `json:"source"`
	Sequence   int64       `json:"sequence"`
	Fee        uint32      `json:"fee"`
	ValidUntil int64       `json:"validUntil"`
	Operation  Operation   `json:"operation"`
	Resources  *Resources  `json:"resources,omitempty"`
	Signatures []Signature `json:"signatures,omitempty"`
}

// Hash returns the transaction hash, which does not change when signatures are added
func (e *Envelope) Hash() (common.Hash, error) {
	body := *e
	body.Signatures = nil
	raw, err := json.Marshal(&body)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to marshal envelope body: %v", err)
	}
	return crypto.Keccak256Hash([]byte(e.Network), raw), nil
}

// TxID returns the transaction id as 64 lowercase hex characters
func (e *Envelope) TxID() (string, error) {
	h, err := e.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// Encode serializes the envelope for transport
func (e *Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a serialized envelope
func Decode(s string) (*Envelope, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid envelope encoding: %v", err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("invalid envelope document: %v", err)
	}
	if e.Network == "" || e.Source == "" || e.Operation.Function == "" {
		return nil, fmt.Errorf("envelope is missing network, source or operation")
	}
	return &e, nil
}

// Sign appends the signature of key over the transaction hash
func (e *Envelope) Sign(key *ecdsa.PrivateKey) error {
	h, err := e.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(h.Bytes(), key)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %v", err)
	}
	e.Signatures = append(e.Signatures, Signature{
		Signer:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Signature: hexutil.Encode(sig),
	})
	return nil
}

// Signers recovers the address behind every signature. A signature that does not
// recover to its claimed signer is an error.
func (e *Envelope) Signers() ([]common.Address, error) {
	h, err := e.Hash()
	if err != nil {
		return nil, err
	}
	signers := make([]common.Address, 0, len(e.Signatures))
	for _, s := range e.Signatures {
		sig, err := hexutil.Decode(s.Signature)
		if err != nil {
			return nil, fmt.Errorf("invalid signature encoding for %s: %v", s.Signer, err)
		}
		pub, err := crypto.SigToPub(h.Bytes(), sig)
		if err != nil {
			return nil, fmt.Errorf("failed to recover signer %s: %v", s.Signer, err)
		}
		addr := crypto.PubkeyToAddress(*pub)
		if !strings.EqualFold(addr.Hex(), s.Signer) {
			return nil, fmt.Errorf("signature recovers to %s, not %s", addr.Hex(), s.Signer)
		}
		signers = append(signers, addr)
	}
	return signers, nil
}

// SignedBy reports whether address holds a valid signature on the envelope
func (e *Envelope) SignedBy(address string) bool {
	signers, err := e.Signers()
	if err != nil {
		return false
	}
	for _, s := range signers {
		if strings.EqualFold(s.Hex(), address) {
			return true
		}
	}
	return false
}
