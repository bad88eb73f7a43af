// Package engine runs the transaction lifecycle of token operations: build,
// simulate, sign, submit and confirm, recording every step in the registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/contracts"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/metrics"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/registry"
	"github.com/speedrun-hq/rwa-runner/pkg/signer"
	"github.com/speedrun-hq/rwa-runner/pkg/submitter"
	"github.com/speedrun-hq/rwa-runner/pkg/txbuilder"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
)

// Components are the collaborators of an Engine
type Components struct {
	Builder   *txbuilder.Builder
	Simulator *txbuilder.Simulator
	Submitter *submitter.Submitter
	Poller    *submitter.Poller
	Registry  *registry.Registry
	Token     *contracts.RWAToken
	// Admin is the server-held credential; nil disables admin operations
	Admin *signer.KeySigner
	// Sessions resolves user session signers; nil means none
	Sessions signer.SessionDirectory
	// ViewSource is the account read-only calls are simulated from; defaults to the admin
	ViewSource string
	// TxTimeout is how long a submitted envelope stays valid
	TxTimeout time.Duration
}

// Engine executes operations
type Engine struct {
	builder    *txbuilder.Builder
	simulator  *txbuilder.Simulator
	submitter  *submitter.Submitter
	poller     *submitter.Poller
	registry   *registry.Registry
	token      *contracts.RWAToken
	admin      *signer.KeySigner
	sessions   signer.SessionDirectory
	viewSource string
	txTimeout  time.Duration
	logger     logger.Logger
	now        func() time.Time
}

// Outcome is the registry state of an operation after a request, together with
// the admission decision that produced it
type Outcome struct {
	Operation *models.Operation
	Decision  registry.Decision
}

// Replayed reports whether the request was answered from the registry without a submission
func (o *Outcome) Replayed() bool {
	return !o.Decision.MaySubmit()
}

// New creates an engine
func New(c Components, log logger.Logger) *Engine {
	sessions := c.Sessions
	if sessions == nil {
		sessions = signer.NoSessions{}
	}
	viewSource := c.ViewSource
	if viewSource == "" && c.Admin != nil {
		viewSource = c.Admin.Address()
	}
	txTimeout := c.TxTimeout
	if txTimeout <= 0 {
		txTimeout = 5 * time.Minute
	}
	return &Engine{
		builder:    c.Builder,
		simulator:  c.Simulator,
		submitter:  c.Submitter,
		poller:     c.Poller,
		registry:   c.Registry,
		token:      c.Token,
		admin:      c.Admin,
		sessions:   sessions,
		viewSource: viewSource,
		txTimeout:  txTimeout,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Token returns the contract binding
func (e *Engine) Token() *contracts.RWAToken {
	return e.token
}

// Registry returns the operation registry
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Sessions returns the session signer directory
func (e *Engine) Sessions() signer.SessionDirectory {
	return e.sessions
}

// Admin returns the server credential. Without one the error is an
// AuthorizationFailure raised without any network call.
func (e *Engine) Admin() (signer.Signer, string, error) {
	if e.admin == nil {
		return nil, "", txerr.New(txerr.AuthorizationFailure, "no server credential configured")
	}
	return e.admin, e.admin.Address(), nil
}

// AdminAddress returns the configured admin account, if any
func (e *Engine) AdminAddress() string {
	if e.admin == nil {
		return ""
	}
	return e.admin.Address()
}

// Open registers the operation and decides whether it may be attempted now
func (e *Engine) Open(ctx context.Context, id string, kind models.OperationKind, payload models.Payload) (*models.Operation, registry.Decision, error) {
	if id == "" {
		id = registry.NewOperationID(kind, payload, e.now())
	}
	op, decision, err := e.registry.GetOrCreate(ctx, id, kind, payload)
	if err != nil {
		return nil, decision, err
	}
	op, decision, err = e.admit(ctx, op, decision)
	if err != nil {
		return op, decision, err
	}
	if !decision.MaySubmit() {
		metrics.DuplicateRequests.WithLabelValues(decision.String()).Inc()
		e.logger.InfoWithComponent(logger.Engine, "Operation %s answered from registry: %s (%s)", op.ID, decision, op.Status)
	}
	return op, decision, nil
}

// admit resolves a stale in-flight operation against the ledger before a new
// attempt is allowed
func (e *Engine) admit(ctx context.Context, op *models.Operation, decision registry.Decision) (*models.Operation, registry.Decision, error) {
	if decision != registry.DecisionRetry || !e.registry.Stale(op) {
		return op, decision, nil
	}

	if txID := op.Result.TransactionID; txID != "" {
		conf, err := e.poller.CheckOnce(ctx, txID)
		if err != nil {
			e.logger.ErrorWithComponent(logger.Engine, "Failed to reconcile %s (tx %s): %v", op.ID, txID, err)
			return op, registry.DecisionInFlight, nil
		}
		switch conf.Status {
		case models.ConfirmationSuccess:
			updated, err := e.registry.MarkTerminal(ctx, op.ID, models.StatusSucceeded, models.OperationResult{
				TransactionID:  txID,
				LedgerSequence: conf.LedgerSequence,
			})
			if err != nil {
				return op, registry.DecisionInFlight, err
			}
			e.logger.InfoWithComponent(logger.Engine, "Operation %s reconciled as succeeded in ledger %d", op.ID, conf.LedgerSequence)
			metrics.Operations.WithLabelValues(string(op.Kind), string(models.StatusSucceeded)).Inc()
			return updated, registry.DecisionDone, nil
		case models.ConfirmationFailed:
			failure := txerr.New(txerr.TransactionFailed, "%s", conf.ErrorDetail)
			failure.Reason = txerr.ContractReason(conf.ErrorDetail)
			updated, err := e.registry.MarkTerminal(ctx, op.ID, models.StatusFailed, failureResult(failure, txID))
			if err != nil {
				return op, registry.DecisionInFlight, err
			}
			e.logger.InfoWithComponent(logger.Engine, "Operation %s reconciled as failed, allowing a new attempt", op.ID)
			return updated, registry.DecisionRetry, nil
		}
	}

	// unknown to the ledger: the envelope can no longer land once its validity has passed
	if e.now().Sub(op.LastAttemptAt) > e.txTimeout {
		return op, registry.DecisionRetry, nil
	}
	return op, registry.DecisionInFlight, nil
}

// Attempt runs one submission of op: req is built, simulated, signed by s,
// submitted and awaited. Failures before the envelope reaches the ledger leave
// the attempt count unchanged. A ConfirmationTimeout, or a submission lost in
// transit, leaves op Pending with its transaction id for later reconciliation.
func (e *Engine) Attempt(ctx context.Context, op *models.Operation, req models.TransactionRequest, s signer.Signer) (*models.Operation, error) {
	start := time.Now()
	bg := context.WithoutCancel(ctx)

	lease := e.builder.Acquire(req.SignerAddress)
	released := false
	release := func() {
		if !released {
			lease.Release()
			released = true
		}
	}
	defer release()

	env, err := e.builder.Build(ctx, req, lease)
	if err != nil {
		return e.fail(bg, op, 0, err, "")
	}
	outcome, err := e.simulator.Simulate(ctx, env)
	if err != nil {
		return e.fail(bg, op, 0, err, "")
	}
	unsigned, err := outcome.Envelope.Encode()
	if err != nil {
		return e.fail(bg, op, 0, err, "")
	}
	signed, err := s.Sign(ctx, unsigned, signer.Options{
		NetworkPassphrase: e.builder.Passphrase(),
		SignerAddress:     req.SignerAddress,
	})
	if err != nil {
		return e.fail(bg, op, 0, err, "")
	}

	claimed, err := e.registry.MarkSubmitted(bg, op.ID)
	if err != nil {
		if claimed == nil {
			claimed = op
		}
		return claimed, err
	}
	op = claimed
	attempt := op.Attempts

	txID, err := e.submitter.Submit(ctx, signed)
	if err != nil {
		if txID != "" {
			// the ledger may hold the envelope
			lease.Accepted(env.Sequence)
			return e.unresolved(bg, op, txID, err)
		}
		if txerr.DetailOf(err) == "txBAD_SEQ" {
			lease.Reset()
		}
		return e.fail(bg, op, attempt, err, "")
	}
	lease.Accepted(env.Sequence)
	release()

	if updated, err := e.registry.AttachTransaction(bg, op.ID, txID); err == nil {
		op = updated
	} else {
		e.logger.ErrorWithComponent(logger.Engine, "Failed to record transaction %s of %s: %v", txID, op.ID, err)
	}
	e.logger.InfoWithComponent(logger.Engine, "Operation %s submitted as %s (attempt %d)", op.ID, txID, attempt)

	conf, err := e.poller.AwaitConfirmation(ctx, txID)
	metrics.OperationDuration.WithLabelValues(string(op.Kind)).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		updated, merr := e.registry.MarkTerminal(bg, op.ID, models.StatusSucceeded, models.OperationResult{
			TransactionID:  txID,
			LedgerSequence: conf.LedgerSequence,
		})
		if merr != nil {
			e.logger.ErrorWithComponent(logger.Engine, "Failed to record success of %s: %v", op.ID, merr)
			return op, nil
		}
		metrics.Operations.WithLabelValues(string(op.Kind), string(models.StatusSucceeded)).Inc()
		e.logger.InfoWithComponent(logger.Engine, "Operation %s succeeded in ledger %d", op.ID, conf.LedgerSequence)
		return updated, nil

	case txerr.Is(err, txerr.ConfirmationTimeout):
		updated, merr := e.registry.MarkPending(bg, op.ID, models.OperationResult{TransactionID: txID})
		if merr != nil {
			e.logger.ErrorWithComponent(logger.Engine, "Failed to record pending %s: %v", op.ID, merr)
			return op, err
		}
		metrics.Operations.WithLabelValues(string(op.Kind), string(models.StatusPending)).Inc()
		return updated, err
	}
	return e.fail(bg, op, attempt, err, txID)
}

// unresolved records a submission whose delivery is unknown. The operation
// stays Pending under txID so that only the ledger's answer for that id can
// release it for another attempt.
func (e *Engine) unresolved(ctx context.Context, op *models.Operation, txID string, err error) (*models.Operation, error) {
	e.logger.NoticeWithComponent(logger.Engine, "Submission of %s as %s is unresolved: %v", op.ID, txID, err)
	result := failureResult(err, txID)
	updated, merr := e.registry.MarkPending(ctx, op.ID, result)
	if merr != nil {
		e.logger.ErrorWithComponent(logger.Engine, "Failed to record pending %s: %v", op.ID, merr)
		return op, err
	}
	metrics.Operations.WithLabelValues(string(op.Kind), string(models.StatusPending)).Inc()
	return updated, err
}

// fail records err on op as a failed attempt. attempt is the caller's claim
// from MarkSubmitted, or zero when it failed before claiming. When another
// caller holds the submission the returned error wraps registry.ErrInFlight.
func (e *Engine) fail(ctx context.Context, op *models.Operation, attempt int, err error, txID string) (*models.Operation, error) {
	kind := txerr.KindOf(err)
	metrics.OperationErrors.WithLabelValues(string(op.Kind), kind.String()).Inc()
	e.logger.ErrorWithComponent(logger.Engine, "Operation %s (%s) failed: %v", op.ID, op.Kind, err)

	updated, merr := e.registry.MarkFailed(ctx, op.ID, attempt, failureResult(err, txID))
	switch {
	case merr == nil:
		metrics.Operations.WithLabelValues(string(op.Kind), string(models.StatusFailed)).Inc()
		return updated, err
	case errors.Is(merr, registry.ErrInFlight) && updated != nil:
		e.logger.InfoWithComponent(logger.Engine, "Operation %s is held by another submission, failure not recorded", op.ID)
		return updated, fmt.Errorf("%w: %w", registry.ErrInFlight, err)
	case !errors.Is(merr, registry.ErrImmutable):
		e.logger.ErrorWithComponent(logger.Engine, "Failed to record failure of %s: %v", op.ID, merr)
	}
	return op, err
}

func failureResult(err error, txID string) models.OperationResult {
	return models.OperationResult{
		TransactionID: txID,
		Error:         txerr.UserMessage(err),
		ErrorKind:     txerr.KindOf(err).String(),
	}
}

// run opens the operation and, when allowed, attempts it with the request and
// signer returned by prepare
func (e *Engine) run(ctx context.Context, id string, kind models.OperationKind, payload models.Payload,
	prepare func() (models.TransactionRequest, signer.Signer, error)) (*Outcome, error) {
	op, decision, err := e.Open(ctx, id, kind, payload)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Operation: op, Decision: decision}
	if !decision.MaySubmit() {
		return out, nil
	}

	req, s, err := prepare()
	if err != nil {
		out.Operation, err = e.fail(ctx, op, 0, err, "")
	} else {
		out.Operation, err = e.Attempt(ctx, op, req, s)
	}
	if errors.Is(err, registry.ErrInFlight) {
		// a concurrent duplicate claimed the submission first
		out.Decision = registry.DecisionInFlight
		return out, nil
	}
	if errors.Is(err, registry.ErrImmutable) {
		out.Decision = registry.DecisionDone
		if out.Operation.Status == models.StatusDeadLettered {
			out.Decision = registry.DecisionDeadLettered
		}
		return out, nil
	}
	return out, err
}
