// Package worker drives the claim -> dispatch -> finalize loop and the pool
// lifecycle around it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/dispatch"
	taskdomain "dispatchd/internal/domain/task"
	"dispatchd/internal/logging"
	"dispatchd/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// idleDelay is how long a worker sleeps after finding the queue empty.
const idleDelay = 300 * time.Millisecond

// Worker runs an unbounded claim/dispatch/finalize loop until cancelled.
type Worker struct {
	id         int
	store      taskdomain.Store
	dispatcher dispatch.Dispatcher
	logger     logging.Logger
	idleDelay  time.Duration
}

// NewWorker creates a worker bound to the shared store and dispatcher.
func NewWorker(id int, store taskdomain.Store, dispatcher dispatch.Dispatcher, logger logging.Logger) *Worker {
	return &Worker{
		id:         id,
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger),
		idleDelay:  idleDelay,
	}
}

// Run loops until ctx is cancelled and then returns ctx.Err(). Per-task
// errors are contained: one failing task never stops the worker, and
// transient store errors only skip the iteration.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker %d started", w.id)
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker %d stopping", w.id)
			return err
		}

		claimed, err := w.store.ClaimOnePending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("worker %d claim failed: %v", w.id, err)
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if claimed == nil {
			metrics.EmptyPolls.Inc()
			if !w.sleep(ctx) {
				w.logger.Info("worker %d stopping", w.id)
				return ctx.Err()
			}
			continue
		}

		metrics.TasksClaimed.Inc()
		if err := w.process(ctx, claimed); err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-task; the row stays in processing for the
				// reaper (or an operator) to recover.
				return ctx.Err()
			}
			w.logger.Error("worker %d task %s: %v", w.id, claimed.TaskID, err)
		}
	}
}

// process dispatches one claimed task and finalizes its outcome.
func (w *Worker) process(ctx context.Context, claimed *taskdomain.Task) error {
	started := time.Now()
	result, err := w.dispatcher.Dispatch(ctx, claimed)
	metrics.DispatchDuration.WithLabelValues(string(claimed.Service)).Observe(time.Since(started).Seconds())

	if err == nil {
		return w.finalize(ctx, claimed, taskdomain.StatusSuccess, result)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return w.finalize(ctx, claimed, taskdomain.StatusFailed, failurePayload(err))
}

func (w *Worker) finalize(ctx context.Context, claimed *taskdomain.Task, status taskdomain.Status, result json.RawMessage) error {
	if err := w.store.Finalize(ctx, claimed.ID, status, result); err != nil {
		return fmt.Errorf("finalize %s as %s: %w", claimed.TaskID, status, err)
	}
	metrics.TasksFinalized.WithLabelValues(string(status)).Inc()
	w.logger.Debug("worker %d finalized task %s as %s", w.id, claimed.TaskID, status)
	return nil
}

// failurePayload converts a dispatch error into the recorded failure detail.
// Non-2xx bodies are preserved verbatim when they parse as JSON; everything
// else becomes {"detail": message}.
func failurePayload(err error) json.RawMessage {
	var statusErr *dispatch.StatusError
	if errors.As(err, &statusErr) && json.Valid(statusErr.Body) && len(statusErr.Body) > 0 {
		return json.RawMessage(statusErr.Body)
	}
	detail, marshalErr := json.Marshal(map[string]string{"detail": err.Error()})
	if marshalErr != nil {
		return json.RawMessage(`{"detail":"dispatch failed"}`)
	}
	return detail
}

// sleep waits for the idle delay, returning false when ctx is cancelled.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.idleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Pool supervises a fixed set of workers and the optional stale-task reaper.
type Pool struct {
	store      taskdomain.Store
	dispatcher dispatch.Dispatcher
	logger     logging.Logger
	count      int

	// Reaper knobs; a zero interval disables the reaper entirely, which
	// matches the default contract (a crashed claim stays in processing).
	reaperInterval time.Duration
	reaperAfter    time.Duration
}

// NewPool creates a supervisor for count workers.
func NewPool(count int, store taskdomain.Store, dispatcher dispatch.Dispatcher, logger logging.Logger) *Pool {
	if count <= 0 {
		count = 5
	}
	return &Pool{
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger),
		count:      count,
	}
}

// EnableReaper turns on periodic requeueing of processing tasks older than
// the given threshold. Enabling it yields at-least-once delivery.
func (p *Pool) EnableReaper(interval, after time.Duration) {
	p.reaperInterval = interval
	p.reaperAfter = after
}

// Run starts every worker and blocks until ctx is cancelled and all workers
// have drained. The context cancellation itself is not reported as an error.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < p.count; i++ {
		w := NewWorker(i, p.store, p.dispatcher, p.logger)
		group.Go(func() error {
			return w.Run(groupCtx)
		})
	}

	if p.reaperInterval > 0 {
		group.Go(func() error {
			return p.runReaper(groupCtx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pool) runReaper(ctx context.Context) error {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()

	p.logger.Info("reaper enabled: requeueing processing tasks older than %s every %s", p.reaperAfter, p.reaperInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-p.reaperAfter)
			n, err := p.store.RequeueStale(ctx, cutoff)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Error("reaper sweep failed: %v", err)
				continue
			}
			if n > 0 {
				metrics.StaleRequeued.Add(float64(n))
			}
		}
	}
}
