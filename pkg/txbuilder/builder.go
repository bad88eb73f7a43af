// Package txbuilder turns contract invocation requests into unsigned envelopes and
// simulates them against current ledger state.
package txbuilder

import (
	"context"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/envelope"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// Builder creates unsigned envelopes
type Builder struct {
	client         *chainclient.Client
	passphrase     string
	baseFee        uint32
	timeoutSeconds uint32
	sequences      *SequenceManager
	now            func() time.Time
}

// NewBuilder creates a builder for the network identified by passphrase
func NewBuilder(client *chainclient.Client, passphrase string, baseFee, timeoutSeconds uint32) *Builder {
	return &Builder{
		client:         client,
		passphrase:     passphrase,
		baseFee:        baseFee,
		timeoutSeconds: timeoutSeconds,
		sequences:      NewSequenceManager(time.Duration(timeoutSeconds) * time.Second),
		now:            time.Now,
	}
}

// Passphrase returns the network passphrase envelopes are built for
func (b *Builder) Passphrase() string {
	return b.passphrase
}

// Acquire leases the sequence of the signer account until the returned lease is released
func (b *Builder) Acquire(address string) *Lease {
	return b.sequences.Acquire(address)
}

// Build fetches the signer account and creates the envelope for req. A nil lease
// builds from the ledger sequence alone, which is enough for simulation-only calls.
func (b *Builder) Build(ctx context.Context, req models.TransactionRequest, lease *Lease) (*envelope.Envelope, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	acct, err := b.client.GetAccount(ctx, req.SignerAddress)
	if err != nil {
		return nil, err
	}

	seq := acct.Sequence + 1
	if lease != nil {
		seq = lease.Next(acct.Sequence)
	}

	fee := b.baseFee
	if req.FeeHint > fee {
		fee = req.FeeHint
	}
	timeout := b.timeoutSeconds
	if req.TimeoutSeconds > 0 {
		timeout = req.TimeoutSeconds
	}

	return &envelope.Envelope{
		Network:    b.passphrase,
		Source:     req.SignerAddress,
		Sequence:   seq,
		Fee:        fee,
		ValidUntil: b.now().Add(time.Duration(timeout) * time.Second).Unix(),
		Operation: envelope.Operation{
			Contract: req.ContractID,
			Function: req.FunctionName,
			Args:     req.Args,
		},
	}, nil
}

func validateRequest(req models.TransactionRequest) error {
	if req.FunctionName == "" {
		return txerr.New(txerr.InvalidRequest, "function name is required")
	}
	if err := contracts.ValidateAddress("contract", req.ContractID); err != nil {
		return err
	}
	return contracts.ValidateAddress("signer", req.SignerAddress)
}
