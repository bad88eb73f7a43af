// Package registry is the idempotency gate for operations: it tracks every
// operation by id and guarantees at most one in-flight submission per id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/speedrun-hq/rwa-runner/pkg/events"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
)

const (
	// DefaultInFlightWindow is how long a Submitted or Pending operation blocks new attempts
	DefaultInFlightWindow = 3 * time.Minute

	maxCASRetries = 8
)

// operationNamespace scopes derived operation ids
var operationNamespace = uuid.MustParse("6f1c2a9e-58b3-4c1e-9d3a-2b7f4e0c8a51")

// NewOperationID derives a deterministic id from the operation's identifying fields
func NewOperationID(kind models.OperationKind, payload models.Payload, at time.Time) string {
	name := strings.Join([]string{
		string(kind),
		strings.ToLower(payload.Target()),
		payload.Amount,
		fmt.Sprint(at.UTC().UnixMilli()),
	}, "|")
	return uuid.NewSHA1(operationNamespace, []byte(name)).String()
}

// Decision is what GetOrCreate allows the caller to do
type Decision int

const (
	// DecisionNew means the operation was just created
	DecisionNew Decision = iota
	// DecisionRetry means an existing operation may be attempted again
	DecisionRetry
	// DecisionInFlight means a submission is already travelling; the caller must not submit
	DecisionInFlight
	// DecisionDone means the operation already succeeded
	DecisionDone
	// DecisionDeadLettered means the operation exhausted its attempts
	DecisionDeadLettered
)

func (d Decision) String() string {
	switch d {
	case DecisionNew:
		return "new"
	case DecisionRetry:
		return "retry"
	case DecisionInFlight:
		return "in_flight"
	case DecisionDone:
		return "done"
	case DecisionDeadLettered:
		return "dead_lettered"
	}
	return "unknown"
}

// MaySubmit reports whether the caller may start an attempt
func (d Decision) MaySubmit() bool {
	return d == DecisionNew || d == DecisionRetry
}

// Registry tracks operations on top of a Store
type Registry struct {
	store          Store
	publisher      events.Publisher
	inFlightWindow time.Duration
	logger         logger.Logger
	now            func() time.Time
}

// New creates a registry. A nil publisher drops transitions.
func New(store Store, publisher events.Publisher, inFlightWindow time.Duration, log logger.Logger) *Registry {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if inFlightWindow <= 0 {
		inFlightWindow = DefaultInFlightWindow
	}
	return &Registry{
		store:          store,
		publisher:      publisher,
		inFlightWindow: inFlightWindow,
		logger:         log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// InFlightWindow returns the configured window
func (r *Registry) InFlightWindow() time.Duration {
	return r.inFlightWindow
}

// inFlight reports whether op blocks a new attempt right now
func (r *Registry) inFlight(op *models.Operation) bool {
	return op.Status.InFlight() && r.now().Sub(op.LastAttemptAt) < r.inFlightWindow
}

// Stale reports whether op is Submitted or Pending but older than the in-flight window
func (r *Registry) Stale(op *models.Operation) bool {
	return op.Status.InFlight() && !r.inFlight(op)
}

// GetOrCreate returns the operation with id, creating it with payload when it does not exist,
// and decides whether the caller may submit it
func (r *Registry) GetOrCreate(ctx context.Context, id string, kind models.OperationKind, payload models.Payload) (*models.Operation, Decision, error) {
	if id == "" {
		return nil, DecisionNew, errors.New("operation id is required")
	}

	for i := 0; i < maxCASRetries; i++ {
		op, err := r.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			now := r.now()
			op = &models.Operation{
				ID:        id,
				Kind:      kind,
				Payload:   payload,
				Status:    models.StatusCreated,
				CreatedAt: now,
				UpdatedAt: now,
			}
			err = r.store.Insert(ctx, op)
			if errors.Is(err, ErrExists) {
				// lost the race to a concurrent create
				continue
			}
			if err != nil {
				return nil, DecisionNew, err
			}
			r.publish(ctx, "", op)
			return op, DecisionNew, nil
		}
		if err != nil {
			return nil, DecisionNew, err
		}
		return op, r.decide(op), nil
	}
	return nil, DecisionNew, ErrConflict
}

func (r *Registry) decide(op *models.Operation) Decision {
	switch {
	case op.Status == models.StatusSucceeded:
		return DecisionDone
	case op.Status == models.StatusDeadLettered:
		return DecisionDeadLettered
	case r.inFlight(op):
		return DecisionInFlight
	}
	return DecisionRetry
}

// Get returns the operation with id
func (r *Registry) Get(ctx context.Context, id string) (*models.Operation, error) {
	return r.store.Get(ctx, id)
}

// List returns operations in the given statuses, or all of them
func (r *Registry) List(ctx context.Context, statuses ...models.OperationStatus) ([]*models.Operation, error) {
	return r.store.List(ctx, statuses...)
}

// Stats counts operations by status
func (r *Registry) Stats(ctx context.Context) (map[models.OperationStatus]int, error) {
	ops, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[models.OperationStatus]int, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		stats[st] = 0
	}
	for _, op := range ops {
		stats[op.Status]++
	}
	return stats, nil
}

// MarkSubmitted claims the operation for one submission attempt. Exactly one of
// several concurrent callers succeeds; the others get ErrInFlight.
func (r *Registry) MarkSubmitted(ctx context.Context, id string) (*models.Operation, error) {
	return r.update(ctx, id, func(op *models.Operation) error {
		if op.Status.Immutable() {
			return ErrImmutable
		}
		if r.inFlight(op) {
			return ErrInFlight
		}
		op.Status = models.StatusSubmitted
		op.Attempts++
		op.LastAttemptAt = r.now()
		op.Result = models.OperationResult{}
		return nil
	})
}

// AttachTransaction records the transaction id of the current submission
func (r *Registry) AttachTransaction(ctx context.Context, id, txID string) (*models.Operation, error) {
	return r.update(ctx, id, func(op *models.Operation) error {
		if op.Status.Immutable() {
			return ErrImmutable
		}
		op.Result.TransactionID = txID
		return nil
	})
}

// MarkPending records that the submission was accepted but not yet confirmed
func (r *Registry) MarkPending(ctx context.Context, id string, result models.OperationResult) (*models.Operation, error) {
	return r.update(ctx, id, func(op *models.Operation) error {
		if op.Status.Immutable() {
			return ErrImmutable
		}
		op.Status = models.StatusPending
		op.Result = mergeResult(op.Result, result)
		return nil
	})
}

// MarkTerminal records the final outcome of an operation. Succeeded and
// DeadLettered freeze the operation. Only Succeeded may close a submission
// that is still in flight; the other outcomes get ErrInFlight.
func (r *Registry) MarkTerminal(ctx context.Context, id string, status models.OperationStatus, result models.OperationResult) (*models.Operation, error) {
	switch status {
	case models.StatusSucceeded, models.StatusFailed, models.StatusDeadLettered:
	default:
		return nil, fmt.Errorf("status %s is not terminal", status)
	}
	return r.update(ctx, id, func(op *models.Operation) error {
		if op.Status.Immutable() {
			return ErrImmutable
		}
		if status != models.StatusSucceeded && r.inFlight(op) {
			return ErrInFlight
		}
		op.Status = status
		op.Result = mergeResult(op.Result, result)
		return nil
	})
}

// MarkFailed records a failed attempt. attempt is the number returned by
// MarkSubmitted for the caller's claim, or zero when the caller failed before
// claiming. A failure never overwrites a submission claimed by someone else:
// an unclaimed failure on an in-flight operation, or a claim that has since
// been superseded, gets ErrInFlight.
func (r *Registry) MarkFailed(ctx context.Context, id string, attempt int, result models.OperationResult) (*models.Operation, error) {
	return r.update(ctx, id, func(op *models.Operation) error {
		if op.Status.Immutable() {
			return ErrImmutable
		}
		if attempt == 0 && r.inFlight(op) {
			return ErrInFlight
		}
		if attempt > 0 && op.Attempts != attempt {
			return ErrInFlight
		}
		op.Status = models.StatusFailed
		op.Result = mergeResult(op.Result, result)
		return nil
	})
}

// MarkQueued hands the operation to the retry queue. Queueing is not an attempt.
func (r *Registry) MarkQueued(ctx context.Context, id string, result models.OperationResult) (*models.Operation, error) {
	return r.update(ctx, id, func(op *models.Operation) error {
		if op.Status.Immutable() {
			return ErrImmutable
		}
		if r.inFlight(op) {
			return ErrInFlight
		}
		op.Status = models.StatusQueued
		op.Result = mergeResult(op.Result, result)
		return nil
	})
}

// RecordAttempt counts an attempt that failed before anything reached the ledger
func (r *Registry) RecordAttempt(ctx context.Context, id string, result models.OperationResult) (*models.Operation, error) {
	return r.update(ctx, id, func(op *models.Operation) error {
		if op.Status.Immutable() {
			return ErrImmutable
		}
		if r.inFlight(op) {
			return ErrInFlight
		}
		op.Status = models.StatusFailed
		op.Attempts++
		op.LastAttemptAt = r.now()
		op.Result = mergeResult(op.Result, result)
		return nil
	})
}

// update applies mutate with compare-and-set, re-reading the operation on conflict
func (r *Registry) update(ctx context.Context, id string, mutate func(op *models.Operation) error) (*models.Operation, error) {
	for i := 0; i < maxCASRetries; i++ {
		op, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		from := op.Status
		if err := mutate(op); err != nil {
			return op, err
		}
		op.UpdatedAt = r.now()

		err = r.store.Update(ctx, op)
		if errors.Is(err, ErrConflict) {
			r.logger.Debug("Concurrent update of operation %s, retrying", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		r.publish(ctx, from, op)
		return op, nil
	}
	return nil, ErrConflict
}

func (r *Registry) publish(ctx context.Context, from models.OperationStatus, op *models.Operation) {
	if from == op.Status {
		return
	}
	err := r.publisher.Publish(ctx, events.Transition{
		OperationID:   op.ID,
		Kind:          string(op.Kind),
		From:          string(from),
		To:            string(op.Status),
		Attempts:      op.Attempts,
		TransactionID: op.Result.TransactionID,
		Error:         op.Result.Error,
		At:            op.UpdatedAt,
	})
	if err != nil {
		r.logger.Error("Failed to publish transition of %s: %v", op.ID, err)
	}
}

// mergeResult keeps the known transaction id when the update does not carry one
func mergeResult(current, update models.OperationResult) models.OperationResult {
	if update.TransactionID == "" {
		update.TransactionID = current.TransactionID
	}
	if update.LedgerSequence == 0 {
		update.LedgerSequence = current.LedgerSequence
	}
	return update
}
