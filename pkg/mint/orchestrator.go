// Package mint delivers token mints through an ordered chain of signing tiers:
// the server credential, the recipient's session, and finally the retry queue.
package mint

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/engine"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/metrics"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/registry"
	"github.com/speedrun-hq/rwa-runner/pkg/signer"
	"github.com/speedrun-hq/rwa-runner/pkg/submitter"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// Messages returned to callers
const (
	MessageMinted     = "Tokens minted successfully"
	MessageAlready    = "Tokens already minted"
	MessageInProgress = "Minting operation in progress"
	MessageQueued     = "Minting request queued: delivery is delayed, not failed"
	MessageDead       = "Minting request exhausted its retries and needs operator attention"
)

// Tier identifies a stage of the mint pipeline
type Tier int

const (
	TierNone Tier = iota
	TierServer
	TierSession
	TierQueue
)

func (t Tier) String() string {
	switch t {
	case TierServer:
		return "server"
	case TierSession:
		return "session"
	case TierQueue:
		return "queue"
	}
	return "none"
}

// Request is a mint of Amount tokens to To. Source names the account whose session
// may sign at the session tier; it defaults to the recipient.
type Request struct {
	ID     string
	To     string
	Amount string
	Source string
}

// Result is the disposition of a mint request
type Result struct {
	Success       bool                   `json:"success"`
	Queued        bool                   `json:"queued,omitempty"`
	Pending       bool                   `json:"pending,omitempty"`
	Replayed      bool                   `json:"-"`
	Tier          Tier                   `json:"-"`
	OperationID   string                 `json:"operationId"`
	TransactionID string                 `json:"transactionHash,omitempty"`
	Status        models.OperationStatus `json:"status"`
	Attempts      int                    `json:"attempts"`
	Message       string                 `json:"message"`
}

type tier struct {
	id      Tier
	prepare func(op *models.Operation) (models.TransactionRequest, signer.Signer, error)
}

// Orchestrator runs the mint tiers
type Orchestrator struct {
	engine *engine.Engine
	logger logger.Logger
}

// NewOrchestrator creates an orchestrator over e
func NewOrchestrator(e *engine.Engine, log logger.Logger) *Orchestrator {
	return &Orchestrator{engine: e, logger: log}
}

// Mint delivers the request through the server tier, then the session tier,
// then the retry queue. Only authorization-class failures move to the next tier;
// an unreachable ledger goes straight to the queue, and any other failure aborts.
func (o *Orchestrator) Mint(ctx context.Context, req Request) (*Result, error) {
	if err := contracts.ValidateAddress("destination", req.To); err != nil {
		return nil, err
	}
	amt, err := contracts.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.Source != "" {
		if err := contracts.ValidateAddress("source", req.Source); err != nil {
			return nil, err
		}
	}

	payload := models.Payload{To: req.To, Amount: amt.String(), Source: req.Source}
	op, decision, err := o.engine.Open(ctx, req.ID, models.KindMint, payload)
	if err != nil {
		return nil, err
	}
	if !decision.MaySubmit() {
		return replayed(op, decision), nil
	}

	o.logger.InfoWithComponent(logger.Mint, "Mint %s: %s tokens to %s", op.ID, payload.Amount, payload.To)
	res, op, err := o.runTiers(ctx, op)
	if err == nil || res != nil {
		return res, nil
	}

	if !queueable(err) {
		o.logger.ErrorWithComponent(logger.Mint, "Mint %s aborted: %v", op.ID, err)
		return &Result{
			OperationID:   op.ID,
			TransactionID: op.Result.TransactionID,
			Status:        op.Status,
			Attempts:      op.Attempts,
			Message:       txerr.UserMessage(err),
		}, err
	}
	return o.enqueue(ctx, op, err)
}

// Retry runs the server and session tiers again for a queued operation. The
// queue tier is never re-entered.
func (o *Orchestrator) Retry(ctx context.Context, queued *models.Operation) (*Result, error) {
	op, decision, err := o.engine.Open(ctx, queued.ID, queued.Kind, queued.Payload)
	if err != nil {
		return nil, err
	}
	if !decision.MaySubmit() {
		return replayed(op, decision), nil
	}

	o.logger.InfoWithComponent(logger.Mint, "Retrying mint %s (attempts so far: %d)", op.ID, op.Attempts)
	res, _, err := o.runTiers(ctx, op)
	if err != nil && res == nil {
		return nil, err
	}
	return res, nil
}

// runTiers attempts each signing tier in order. A nil Result with an error means
// no tier delivered and the caller decides what to do with the last failure.
func (o *Orchestrator) runTiers(ctx context.Context, op *models.Operation) (*Result, *models.Operation, error) {
	amt, err := contracts.ParseAmount(op.Payload.Amount)
	if err != nil {
		return nil, op, err
	}

	var lastErr error
	for _, t := range o.tiers(amt) {
		req, s, err := t.prepare(op)
		if err != nil {
			metrics.MintTierOutcomes.WithLabelValues(t.id.String(), txerr.KindOf(err).String()).Inc()
			o.logger.InfoWithComponent(logger.Mint, "Mint %s: %s tier unavailable: %v", op.ID, t.id, err)
			lastErr = err
			if txerr.FallsThrough(txerr.KindOf(err)) {
				continue
			}
			return nil, op, err
		}

		updated, err := o.engine.Attempt(ctx, op, req, s)
		if updated != nil {
			op = updated
		}
		switch {
		case err == nil:
			metrics.MintTierOutcomes.WithLabelValues(t.id.String(), "success").Inc()
			o.logger.InfoWithComponent(logger.Mint, "Mint %s delivered by %s tier: %s", op.ID, t.id, op.Result.TransactionID)
			return &Result{
				Success:       true,
				Tier:          t.id,
				OperationID:   op.ID,
				TransactionID: op.Result.TransactionID,
				Status:        op.Status,
				Attempts:      op.Attempts,
				Message:       MessageMinted,
			}, op, nil

		case errors.Is(err, registry.ErrInFlight):
			return replayed(op, registry.DecisionInFlight), op, nil
		case errors.Is(err, registry.ErrImmutable):
			d := registry.DecisionDone
			if op.Status == models.StatusDeadLettered {
				d = registry.DecisionDeadLettered
			}
			return replayed(op, d), op, nil

		case txerr.Is(err, txerr.ConfirmationTimeout):
			metrics.MintTierOutcomes.WithLabelValues(t.id.String(), "pending").Inc()
			return &Result{
				Success:       true,
				Pending:       true,
				Tier:          t.id,
				OperationID:   op.ID,
				TransactionID: op.Result.TransactionID,
				Status:        op.Status,
				Attempts:      op.Attempts,
				Message:       txerr.UserMessage(err),
			}, op, nil

		case op.Status == models.StatusPending && submitter.Unresolved(err):
			// the submission was lost in transit and awaits reconciliation
			metrics.MintTierOutcomes.WithLabelValues(t.id.String(), "pending").Inc()
			o.logger.NoticeWithComponent(logger.Mint, "Mint %s submitted by %s tier as %s, outcome unknown: %v", op.ID, t.id, op.Result.TransactionID, err)
			return &Result{
				Success:       true,
				Pending:       true,
				Tier:          t.id,
				OperationID:   op.ID,
				TransactionID: op.Result.TransactionID,
				Status:        op.Status,
				Attempts:      op.Attempts,
				Message:       MessageInProgress,
			}, op, nil
		}

		kind := txerr.KindOf(err)
		metrics.MintTierOutcomes.WithLabelValues(t.id.String(), kind.String()).Inc()
		lastErr = err
		if !txerr.FallsThrough(kind) {
			return nil, op, err
		}
		o.logger.InfoWithComponent(logger.Mint, "Mint %s: %s tier not authorized, falling through: %v", op.ID, t.id, err)
	}
	if lastErr == nil {
		lastErr = txerr.New(txerr.AuthorizationFailure, "no signing tier available")
	}
	return nil, op, lastErr
}

func (o *Orchestrator) tiers(amount *big.Int) []tier {
	return []tier{
		{
			id: TierServer,
			prepare: func(op *models.Operation) (models.TransactionRequest, signer.Signer, error) {
				s, admin, err := o.engine.Admin()
				if err != nil {
					return models.TransactionRequest{}, nil, err
				}
				return o.engine.Token().MintSimple(admin, op.Payload.To, amount), s, nil
			},
		},
		{
			id: TierSession,
			prepare: func(op *models.Operation) (models.TransactionRequest, signer.Signer, error) {
				source := op.Payload.Source
				if source == "" {
					source = op.Payload.To
				}
				s, err := o.engine.Sessions().SessionFor(source)
				if err != nil {
					return models.TransactionRequest{}, nil, err
				}
				return o.engine.Token().MintSimple(source, op.Payload.To, amount), s, nil
			},
		},
	}
}

// enqueue hands the operation to the retry queue. Queueing is not an attempt.
func (o *Orchestrator) enqueue(ctx context.Context, op *models.Operation, cause error) (*Result, error) {
	var result models.OperationResult
	if cause != nil {
		result.Error = txerr.UserMessage(cause)
		result.ErrorKind = txerr.KindOf(cause).String()
	}
	queued, err := o.engine.Registry().MarkQueued(context.WithoutCancel(ctx), op.ID, result)
	if err != nil {
		if errors.Is(err, registry.ErrInFlight) && queued != nil {
			return replayed(queued, registry.DecisionInFlight), nil
		}
		return nil, fmt.Errorf("failed to queue mint %s: %w", op.ID, err)
	}
	metrics.MintTierOutcomes.WithLabelValues(TierQueue.String(), "queued").Inc()
	o.logger.NoticeWithComponent(logger.Mint, "Mint %s queued for background delivery: %v", op.ID, cause)
	return &Result{
		Success:     true,
		Queued:      true,
		Tier:        TierQueue,
		OperationID: queued.ID,
		Status:      queued.Status,
		Attempts:    queued.Attempts,
		Message:     MessageQueued,
	}, nil
}

// Enqueue registers a mint directly in the retry queue without attempting it
func (o *Orchestrator) Enqueue(ctx context.Context, req Request) (*Result, error) {
	if err := contracts.ValidateAddress("address", req.To); err != nil {
		return nil, err
	}
	amt, err := contracts.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	payload := models.Payload{To: req.To, Amount: amt.String(), Source: req.Source}
	op, decision, err := o.engine.Open(ctx, req.ID, models.KindMint, payload)
	if err != nil {
		return nil, err
	}
	if !decision.MaySubmit() || op.Status == models.StatusQueued {
		return replayed(op, decision), nil
	}
	return o.enqueue(ctx, op, nil)
}

// queueable reports whether a failure can be fixed by a later attempt
func queueable(err error) bool {
	kind := txerr.KindOf(err)
	if txerr.FallsThrough(kind) {
		return true
	}
	switch kind {
	case txerr.AllEndpointsDown, txerr.NetworkFailure, txerr.Timeout:
		return true
	}
	return false
}

func replayed(op *models.Operation, decision registry.Decision) *Result {
	res := &Result{
		Success:       true,
		Replayed:      true,
		OperationID:   op.ID,
		TransactionID: op.Result.TransactionID,
		Status:        op.Status,
		Attempts:      op.Attempts,
	}
	switch {
	case decision == registry.DecisionDone:
		res.Message = MessageAlready
	case decision == registry.DecisionDeadLettered:
		res.Success = false
		res.Message = MessageDead
	case op.Status == models.StatusQueued:
		res.Queued = true
		res.Message = MessageQueued
	default:
		res.Message = MessageInProgress
	}
	return res
}
