package submitter

import (
	"context"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/metrics"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// DefaultMaxAttempts bounds a confirmation wait at roughly 90 seconds
const DefaultMaxAttempts = 60

// Schedule returns the delay before the given zero-based poll attempt
type Schedule func(attempt int) time.Duration

// DefaultSchedule polls every 0.5s for 10 attempts, every 1s for the next 10,
// then every 2s
func DefaultSchedule(attempt int) time.Duration {
	switch {
	case attempt < 10:
		return 500 * time.Millisecond
	case attempt < 20:
		return time.Second
	default:
		return 2 * time.Second
	}
}

// Poller resolves submitted transactions to a final ledger status
type Poller struct {
	client      *chainclient.Client
	maxAttempts int
	schedule    Schedule
	logger      logger.Logger
}

// NewPoller creates a poller; zero or negative maxAttempts uses the default
func NewPoller(client *chainclient.Client, maxAttempts int, schedule Schedule, log logger.Logger) *Poller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if schedule == nil {
		schedule = DefaultSchedule
	}
	return &Poller{client: client, maxAttempts: maxAttempts, schedule: schedule, logger: log}
}

// AwaitConfirmation polls until the transaction succeeds or fails. A failure is
// reported as soon as it is seen. When the budget runs out the result is Pending
// with a ConfirmationTimeout error: the transaction may still land.
func (p *Poller) AwaitConfirmation(ctx context.Context, txID string) (models.ConfirmationResult, error) {
	pending := models.ConfirmationResult{Status: models.ConfirmationPending, TransactionID: txID}

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		timer := time.NewTimer(p.schedule(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return pending, txerr.Wrap(txerr.ConfirmationTimeout, ctx.Err(), txID)
		case <-timer.C:
		}

		result, err := p.CheckOnce(ctx, txID)
		if err != nil {
			// the transaction is already submitted; a lost status query is not a failure
			p.logger.DebugWithComponent(logger.Engine, "Status query %d for %s failed: %v", attempt+1, txID, err)
			continue
		}

		switch result.Status {
		case models.ConfirmationSuccess:
			metrics.ConfirmationPolls.Observe(float64(attempt + 1))
			return result, nil
		case models.ConfirmationFailed:
			metrics.ConfirmationPolls.Observe(float64(attempt + 1))
			failure := txerr.New(txerr.TransactionFailed, "%s", result.ErrorDetail)
			failure.Reason = txerr.ContractReason(result.ErrorDetail)
			return result, failure
		}
	}

	p.logger.NoticeWithComponent(logger.Engine, "Transaction %s not confirmed after %d polls", txID, p.maxAttempts)
	metrics.ConfirmationPolls.Observe(float64(p.maxAttempts))
	return pending, txerr.New(txerr.ConfirmationTimeout, "%s not confirmed after %d polls", txID, p.maxAttempts)
}

// CheckOnce queries the transaction status a single time
func (p *Poller) CheckOnce(ctx context.Context, txID string) (models.ConfirmationResult, error) {
	status, err := p.client.GetTransaction(ctx, txID)
	if err != nil {
		return models.ConfirmationResult{Status: models.ConfirmationPending, TransactionID: txID}, err
	}
	return status.Confirmation(txID), nil
}
