package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openledgerhq/ledgersync/internal/models"
	"github.com/openledgerhq/ledgersync/internal/provider"
)

const (
	// runAttempts is the retry budget for one dispatched run; retries re-run
	// the whole state machine, whose steps are all idempotent.
	runAttempts = 3

	// runTimeout bounds one dispatched run including retries.
	runTimeout = 15 * time.Minute
)

// StepRunner wraps each named sub-step of a run. Implementations add
// logging, timing, or memoization around the closure; the orchestrator only
// depends on errors being returned unchanged.
type StepRunner interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Dispatcher hands a sync request to the background runtime and returns a
// run id the caller can track. Dispatching with the same idempotency key
// while a run is still in flight returns the existing run instead of
// starting another.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request, idempotencyKey string) (string, error)
}

// logStep is the default StepRunner: logs step boundaries with timing.
type logStep struct {
	runID string
}

func (s logStep) Run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	if err != nil {
		log.Printf("run %s step %s failed after %s: %v", s.runID, name, time.Since(start).Round(time.Millisecond), err)
		return err
	}
	log.Printf("run %s step %s done in %s", s.runID, name, time.Since(start).Round(time.Millisecond))
	return nil
}

// Runtime executes dispatched sync runs in-process, one goroutine per run,
// with a fixed retry budget and overall timeout. Run state is recorded in
// sync_runs for auditing.
type Runtime struct {
	orchestrator *Orchestrator
	store        Store

	mu       sync.Mutex
	inFlight map[string]string

	wg sync.WaitGroup
}

func NewRuntime(orchestrator *Orchestrator, store Store) *Runtime {
	return &Runtime{
		orchestrator: orchestrator,
		store:        store,
		inFlight:     make(map[string]string),
	}
}

// Dispatch records a queued sync run and starts it in the background.
func (r *Runtime) Dispatch(ctx context.Context, req Request, idempotencyKey string) (string, error) {
	r.mu.Lock()
	if idempotencyKey != "" {
		if runID, ok := r.inFlight[idempotencyKey]; ok {
			r.mu.Unlock()
			return runID, nil
		}
	}
	runID := uuid.NewString()
	if idempotencyKey != "" {
		r.inFlight[idempotencyKey] = runID
	}
	r.mu.Unlock()

	run := &models.SyncRun{
		ID:                runID,
		BusinessProfileID: req.BusinessProfileID,
		UserID:            req.UserID,
		Provider:          req.Provider,
		Status:            models.SyncRunQueued,
	}
	if err := r.store.CreateSyncRun(ctx, run); err != nil {
		r.release(idempotencyKey)
		return "", err
	}

	r.wg.Add(1)
	go r.execute(runID, req, idempotencyKey)
	return runID, nil
}

// Wait blocks until all in-flight runs have finished. Used on shutdown.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

func (r *Runtime) release(idempotencyKey string) {
	if idempotencyKey == "" {
		return
	}
	r.mu.Lock()
	delete(r.inFlight, idempotencyKey)
	r.mu.Unlock()
}

func (r *Runtime) execute(runID string, req Request, idempotencyKey string) {
	defer r.wg.Done()
	defer r.release(idempotencyKey)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	r.updateRun(ctx, runID, models.SyncRunRunning, nil)

	var outcome *Outcome
	var err error
	for attempt := 1; attempt <= runAttempts; attempt++ {
		outcome, err = r.orchestrator.Run(ctx, logStep{runID: runID}, req)
		if err == nil {
			break
		}
		log.Printf("run %s attempt %d/%d failed: %v", runID, attempt, runAttempts, err)
		if attempt == runAttempts {
			break
		}
		select {
		case <-time.After(retryDelay(err, attempt)):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = runAttempts
		}
	}

	switch {
	case err != nil:
		msg := err.Error()
		r.updateRun(context.Background(), runID, models.SyncRunFailed, &msg)
	case outcome.Outcome == OutcomeFailed:
		reason := outcome.Reason
		r.updateRun(context.Background(), runID, models.SyncRunFailed, &reason)
	default:
		r.updateRun(context.Background(), runID, models.SyncRunOK, nil)
		log.Printf("run %s finished: %s", runID, outcome.Outcome)
	}
}

func (r *Runtime) updateRun(ctx context.Context, runID, status string, errText *string) {
	if err := r.store.UpdateSyncRun(ctx, runID, status, errText); err != nil {
		log.Printf("run %s: failed to record status %s: %v", runID, status, err)
	}
}

// retryDelay honors a provider's Retry-After hint on rate limiting, with a
// linear backoff otherwise.
func retryDelay(err error, attempt int) time.Duration {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return time.Duration(attempt) * 5 * time.Second
}
