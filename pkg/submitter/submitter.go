// Package submitter sends signed envelopes to the ledger and polls for their outcome.
package submitter

import (
	"context"
	"errors"

	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/envelope"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// Submitter sends signed envelopes through the gateway
type Submitter struct {
	client *chainclient.Client
	logger logger.Logger
}

// New creates a new submitter
func New(client *chainclient.Client, log logger.Logger) *Submitter {
	return &Submitter{client: client, logger: log}
}

// Submit sends signed and returns the transaction id. An explicit rejection is
// terminal and carries the ledger result code. When the send fails in transit
// the id is returned together with the error: the ledger may have received it.
func (s *Submitter) Submit(ctx context.Context, signed string) (string, error) {
	env, err := envelope.Decode(signed)
	if err != nil {
		return "", txerr.Wrap(txerr.InvalidRequest, err, "")
	}
	txID, err := env.TxID()
	if err != nil {
		return "", err
	}

	res, err := s.client.SendTransaction(ctx, signed)
	if err != nil {
		if res == nil && Unresolved(err) {
			s.logger.ErrorWithComponent(logger.Engine, "Submission of %s lost in transit: %v", txID, err)
			return txID, err
		}
		s.logger.ErrorWithComponent(logger.Engine, "Submission of %s failed: %v", txID, err)
		return "", err
	}
	if res.Status == chainclient.SendDuplicate {
		s.logger.InfoWithComponent(logger.Engine, "Transaction %s was already submitted", txID)
	}
	if res.Hash != "" && res.Hash != txID {
		s.logger.ErrorWithComponent(logger.Engine, "Ledger reported hash %s for transaction %s", res.Hash, txID)
	}
	return txID, nil
}

// Unresolved reports whether a send failed after it may have left the process,
// so that the ledger may or may not hold the transaction
func Unresolved(err error) bool {
	switch txerr.KindOf(err) {
	case txerr.NetworkFailure, txerr.Timeout, txerr.Canceled:
		return true
	case txerr.AllEndpointsDown:
		// wraps the transport failure of the last endpoint tried
		var te *txerr.Error
		return errors.As(err, &te) && te.Err != nil
	}
	return false
}
