// Package chainclient exposes the ledger RPC methods as typed calls and classifies
// every failure they produce.
package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/speedrun-hq/rwa-runner/pkg/gateway"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// Submission statuses returned by sendTransaction
const (
	SendPending       = "PENDING"
	SendDuplicate     = "DUPLICATE"
	SendTryAgainLater = "TRY_AGAIN_LATER"
	SendError         = "ERROR"
)

// Transaction statuses returned by getTransaction
const (
	TxSuccess  = "SUCCESS"
	TxFailed   = "FAILED"
	TxNotFound = "NOT_FOUND"
)

// Health is the getHealth response
type Health struct {
	Status       string `json:"status"`
	LatestLedger uint32 `json:"latestLedger"`
}

// Account is the getAccount response
type Account struct {
	ID       string `json:"id"`
	Sequence int64  `json:"sequence,string"`
}

// SimulationReturn is the value returned by a simulated invocation
type SimulationReturn struct {
	Retval json.RawMessage `json:"retval"`
}

// SimulationResult is the simulateTransaction response
type SimulationResult struct {
	LatestLedger    uint32             `json:"latestLedger"`
	MinResourceFee  int64              `json:"minResourceFee,string"`
	TransactionData string             `json:"transactionData"`
	Results         []SimulationReturn `json:"results"`
	Error           string             `json:"error,omitempty"`
}

// SendResult is the sendTransaction response
type SendResult struct {
	Status       string `json:"status"`
	Hash         string `json:"hash"`
	ErrorResult  string `json:"errorResult,omitempty"`
	LatestLedger uint32 `json:"latestLedger"`
}

// TransactionStatus is the getTransaction response
type TransactionStatus struct {
	Status           string `json:"status"`
	LatestLedger     uint32 `json:"latestLedger"`
	Ledger           uint32 `json:"ledger"`
	CreatedAt        string `json:"createdAt"`
	ApplicationOrder int    `json:"applicationOrder"`
	ResultXdr        string `json:"resultXdr,omitempty"`
}

// Confirmation converts the status into the result recorded on an operation
func (s *TransactionStatus) Confirmation(hash string) models.ConfirmationResult {
	res := models.ConfirmationResult{
		TransactionID:    hash,
		LedgerSequence:   s.Ledger,
		CreatedAt:        s.CreatedAt,
		ApplicationOrder: s.ApplicationOrder,
	}
	switch s.Status {
	case TxSuccess:
		res.Status = models.ConfirmationSuccess
	case TxFailed:
		res.Status = models.ConfirmationFailed
		res.ErrorDetail = s.ResultXdr
	default:
		res.Status = models.ConfirmationPending
	}
	return res
}

type addressParams struct {
	Address string `json:"address"`
}

type transactionParams struct {
	Transaction string `json:"transaction"`
}

type hashParams struct {
	Hash string `json:"hash"`
}

// Client performs typed ledger calls through the gateway
type Client struct {
	gateway *gateway.Gateway
	logger  logger.Logger
}

// New creates a new client
func New(g *gateway.Gateway, log logger.Logger) *Client {
	return &Client{gateway: g, logger: log}
}

// Gateway returns the gateway the client routes through
func (c *Client) Gateway() *gateway.Gateway {
	return c.gateway
}

// GetHealth queries the health of the current endpoint
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.gateway.Call(ctx, &h, "getHealth"); err != nil {
		return nil, classifyRPC(err, txerr.NetworkFailure)
	}
	return &h, nil
}

// GetAccount returns the ledger account of address. An account that does not exist
// yields AccountNotFound.
func (c *Client) GetAccount(ctx context.Context, address string) (*Account, error) {
	var raw json.RawMessage
	if err := c.gateway.Call(ctx, &raw, "getAccount", addressParams{Address: address}); err != nil {
		return nil, classifyRPC(err, txerr.InvalidRequest)
	}
	if isNull(raw) {
		return nil, txerr.New(txerr.AccountNotFound, "%s", address)
	}

	var acct Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, txerr.Wrap(txerr.NetworkFailure, err, "malformed getAccount response")
	}
	return &acct, nil
}

// Simulate executes the envelope against current ledger state without committing it.
// A simulation error is returned classified as either AuthorizationFailure or SimulationError.
func (c *Client) Simulate(ctx context.Context, tx string) (*SimulationResult, error) {
	var res SimulationResult
	if err := c.gateway.Call(ctx, &res, "simulateTransaction", transactionParams{Transaction: tx}); err != nil {
		return nil, classifyRPC(err, txerr.InvalidRequest)
	}
	if res.Error != "" {
		classified := txerr.ClassifySimulation(res.Error)
		c.logger.DebugWithComponent(logger.Gateway, "Simulation rejected (%s): %s", classified.Kind, res.Error)
		return &res, classified
	}
	return &res, nil
}

// SendTransaction submits a signed envelope. PENDING and DUPLICATE both mean the
// ledger holds the transaction; a resubmission after failover is answered DUPLICATE.
func (c *Client) SendTransaction(ctx context.Context, tx string) (*SendResult, error) {
	var res SendResult
	if err := c.gateway.Call(ctx, &res, "sendTransaction", transactionParams{Transaction: tx}); err != nil {
		return nil, classifyRPC(err, txerr.SubmissionRejected)
	}

	switch res.Status {
	case SendPending, SendDuplicate:
		return &res, nil
	case SendTryAgainLater:
		return &res, txerr.New(txerr.NetworkFailure, "ledger asked to try again later")
	case SendError:
		return &res, txerr.ClassifyResultCode(res.ErrorResult)
	default:
		return &res, txerr.New(txerr.SubmissionRejected, "unexpected submission status %q", res.Status)
	}
}

// GetTransaction returns the ledger status of a transaction
func (c *Client) GetTransaction(ctx context.Context, hash string) (*TransactionStatus, error) {
	var res TransactionStatus
	if err := c.gateway.Call(ctx, &res, "getTransaction", hashParams{Hash: hash}); err != nil {
		return nil, classifyRPC(err, txerr.InvalidRequest)
	}
	return &res, nil
}

// classifyRPC classifies an error returned by the gateway. Transport failures are
// already classified; a JSON-RPC error object means the endpoint refused the request.
func classifyRPC(err error, refusal txerr.Kind) error {
	var te *txerr.Error
	if errors.As(err, &te) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return txerr.Wrap(refusal, err, fmt.Sprintf("rpc error %d", rpcErr.ErrorCode()))
	}
	switch kind := txerr.KindOf(err); kind {
	case txerr.Timeout, txerr.Canceled:
		return txerr.Wrap(kind, err, "")
	}
	return txerr.Wrap(txerr.NetworkFailure, err, "")
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
