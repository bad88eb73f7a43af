// Package retryqueue resubmits queued mints in the background until they land
// or exhaust their attempts.
package retryqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/speedrun-hq/rwa-runner/pkg/config"
	"github.com/speedrun-hq/rwa-runner/pkg/logger"
	"github.com/speedrun-hq/rwa-runner/pkg/metrics"
	"github.com/speedrun-hq/rwa-runner/pkg/mint"
	"github.com/speedrun-hq/rwa-runner/pkg/models"
	"github.com/speedrun-hq/rwa-runner/pkg/registry"
	"github.com/speedrun-hq/rwa-runner/pkg/txerr"
	"golang.org/x/sync/errgroup"
)

// Dispatcher runs the signing tiers for a queued mint without re-entering the queue
type Dispatcher interface {
	Retry(ctx context.Context, op *models.Operation) (*mint.Result, error)
}

// Reconciler resolves a stale in-flight operation against the ledger
type Reconciler interface {
	Open(ctx context.Context, id string, kind models.OperationKind, payload models.Payload) (*models.Operation, registry.Decision, error)
}

// Summary describes one scan of the registry
type Summary struct {
	Eligible     int
	Succeeded    int
	Failed       int
	DeadLettered int
	Reconciled   int
}

// Worker periodically rescans the registry and resubmits eligible mints
type Worker struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	reconciler Reconciler
	cfg        config.QueueConfig
	logger     logger.Logger
	now        func() time.Time

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
	scanMu   sync.Mutex
}

// New creates a worker. A zero concurrency processes entries one at a time.
func New(reg *registry.Registry, d Dispatcher, r Reconciler, cfg config.QueueConfig, log logger.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Worker{
		registry:   reg,
		dispatcher: d,
		reconciler: r,
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
	}
}

// Start begins scanning on every interval tick
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	w.stopChan = make(chan struct{})
	w.doneChan = make(chan struct{})
	w.running = true

	w.logger.InfoWithComponent(logger.Queue, "Starting retry queue worker (interval %v, max attempts %d, cooldown %v)",
		w.cfg.Interval, w.cfg.MaxAttempts, w.cfg.Cooldown)
	go w.run(ctx, w.stopChan, w.doneChan)
}

// Stop halts the worker and waits for the scan in progress to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopChan)
	done := w.doneChan
	w.stopChan = nil
	w.running = false
	w.mu.Unlock()

	<-done
	w.logger.InfoWithComponent(logger.Queue, "Retry queue worker stopped")
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Worker) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.ScanOnce(ctx); err != nil {
				w.logger.ErrorWithComponent(logger.Queue, "Retry queue scan failed: %v", err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ScanOnce reconciles stale in-flight mints, dead-letters exhausted entries and
// resubmits the eligible ones with bounded concurrency
func (w *Worker) ScanOnce(ctx context.Context) (Summary, error) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	var summary Summary
	due, err := w.reconcile(ctx, &summary)
	if err != nil {
		return summary, err
	}

	entries, err := w.registry.List(ctx, models.StatusQueued, models.StatusFailed)
	if err != nil {
		return summary, err
	}
	now := w.now()
	for _, op := range entries {
		if op.Kind != models.KindMint || !retryable(op) {
			continue
		}
		if op.Attempts >= w.cfg.MaxAttempts {
			if w.deadLetter(ctx, op) {
				summary.DeadLettered++
			}
			continue
		}
		if !op.LastAttemptAt.IsZero() && now.Sub(op.LastAttemptAt) <= w.cfg.Cooldown {
			continue
		}
		due = append(due, op)
	}

	summary.Eligible = len(due)
	metrics.RetryQueueSize.Set(float64(len(due)))
	if len(due) == 0 {
		return summary, nil
	}
	w.logger.InfoWithComponent(logger.Queue, "Retry queue scan: %d entries due", len(due))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, op := range due {
		g.Go(func() error {
			outcome := w.dispatch(gctx, op)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSucceeded:
				summary.Succeeded++
			case outcomeDeadLettered:
				summary.Failed++
				summary.DeadLettered++
			case outcomeFailed:
				summary.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	w.logger.InfoWithComponent(logger.Queue, "Retry queue scan done: %d succeeded, %d failed, %d dead-lettered",
		summary.Succeeded, summary.Failed, summary.DeadLettered)
	return summary, nil
}

// reconcile resolves mints stuck in flight past the in-flight window and returns
// those the ledger never saw, which are due for another attempt
func (w *Worker) reconcile(ctx context.Context, summary *Summary) ([]*models.Operation, error) {
	inFlight, err := w.registry.List(ctx, models.StatusSubmitted, models.StatusPending)
	if err != nil {
		return nil, err
	}

	var due []*models.Operation
	for _, op := range inFlight {
		if op.Kind != models.KindMint || !w.registry.Stale(op) {
			continue
		}
		resolved, decision, err := w.reconciler.Open(ctx, op.ID, op.Kind, op.Payload)
		if err != nil {
			w.logger.ErrorWithComponent(logger.Queue, "Failed to reconcile %s: %v", op.ID, err)
			continue
		}
		if resolved.Status != op.Status {
			summary.Reconciled++
			w.logger.InfoWithComponent(logger.Queue, "Reconciled %s: %s -> %s", op.ID, op.Status, resolved.Status)
		}
		if decision != registry.DecisionRetry || resolved.Status.Immutable() {
			continue
		}
		if resolved.Attempts >= w.cfg.MaxAttempts {
			if w.deadLetter(ctx, resolved) {
				summary.DeadLettered++
			}
			continue
		}
		due = append(due, resolved)
	}
	return due, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeDeadLettered
)

// dispatch resubmits op once. An attempt that never reached the ledger is still
// counted so that every entry converges on success or the dead-letter state.
func (w *Worker) dispatch(ctx context.Context, op *models.Operation) outcome {
	res, err := w.dispatcher.Retry(ctx, op)
	if err == nil {
		if res.Replayed {
			metrics.RetriesExecuted.WithLabelValues("skipped").Inc()
			return outcomeSkipped
		}
		if res.Pending {
			metrics.RetriesExecuted.WithLabelValues("pending").Inc()
			w.logger.NoticeWithComponent(logger.Queue, "Queued mint %s submitted as %s, awaiting confirmation", op.ID, res.TransactionID)
			return outcomeSkipped
		}
		metrics.RetriesExecuted.WithLabelValues("success").Inc()
		w.logger.NoticeWithComponent(logger.Queue, "Queued mint %s delivered (attempt %d): %s", op.ID, res.Attempts, res.TransactionID)
		return outcomeSucceeded
	}

	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		// interrupted by shutdown: hand the entry back to the queue uncounted
		if _, qerr := w.registry.MarkQueued(bg, op.ID, op.Result); qerr != nil && !errors.Is(qerr, registry.ErrInFlight) {
			w.logger.ErrorWithComponent(logger.Queue, "Failed to requeue %s: %v", op.ID, qerr)
		}
		metrics.RetriesExecuted.WithLabelValues("skipped").Inc()
		return outcomeSkipped
	}

	metrics.RetriesExecuted.WithLabelValues("failure").Inc()
	w.logger.ErrorWithComponent(logger.Queue, "Retry of %s failed: %v", op.ID, err)

	current, gerr := w.registry.Get(bg, op.ID)
	if gerr != nil {
		w.logger.ErrorWithComponent(logger.Queue, "Failed to reload %s: %v", op.ID, gerr)
		return outcomeFailed
	}
	if current.Attempts == op.Attempts {
		current, gerr = w.registry.RecordAttempt(bg, op.ID, models.OperationResult{
			Error:     txerr.UserMessage(err),
			ErrorKind: txerr.KindOf(err).String(),
		})
		if gerr != nil {
			if !errors.Is(gerr, registry.ErrInFlight) && !errors.Is(gerr, registry.ErrImmutable) {
				w.logger.ErrorWithComponent(logger.Queue, "Failed to count attempt of %s: %v", op.ID, gerr)
			}
			return outcomeFailed
		}
	}

	if current.Attempts >= w.cfg.MaxAttempts && w.deadLetter(bg, current) {
		return outcomeDeadLettered
	}
	return outcomeFailed
}

// deadLetter moves op to the terminal dead-letter state
func (w *Worker) deadLetter(ctx context.Context, op *models.Operation) bool {
	_, err := w.registry.MarkTerminal(ctx, op.ID, models.StatusDeadLettered, op.Result)
	if err != nil {
		if !errors.Is(err, registry.ErrImmutable) {
			w.logger.ErrorWithComponent(logger.Queue, "Failed to dead-letter %s: %v", op.ID, err)
		}
		return false
	}
	metrics.DeadLettered.Inc()
	metrics.Operations.WithLabelValues(string(op.Kind), string(models.StatusDeadLettered)).Inc()
	w.logger.NoticeWithComponent(logger.Queue, "Mint %s dead-lettered after %d attempts: %s", op.ID, op.Attempts, op.Result.Error)
	return true
}

// retryable reports whether a later attempt may succeed. Business-rule failures are final.
func retryable(op *models.Operation) bool {
	if op.Status == models.StatusQueued {
		return true
	}
	kind := txerr.ParseKind(op.Result.ErrorKind)
	return kind == txerr.Unknown || kind.Retryable() || txerr.FallsThrough(kind)
}
