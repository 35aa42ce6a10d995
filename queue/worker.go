package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/stratum/telemetry"
)

type (
	// Handler processes one task. A nil return completes the task; an error
	// sends it through the retry/dead-letter path. The context carries the
	// type's processing timeout.
	Handler func(ctx context.Context, task *Task) error

	// Worker runs a pool of goroutines draining one queue type.
	Worker struct {
		mgr          *Manager
		taskType     string
		handler      Handler
		concurrency  int
		pollInterval time.Duration
		logger       telemetry.Logger
		metrics      telemetry.Metrics
	}

	// WorkerOption configures optional worker settings.
	WorkerOption func(*Worker)
)

// WithConcurrency sets the number of concurrent handler goroutines.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

// WithPollInterval sets the idle polling interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l telemetry.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithWorkerMetrics sets the worker metrics sink.
func WithWorkerMetrics(m telemetry.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker constructs a worker pool for the queue type.
func NewWorker(mgr *Manager, taskType string, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		mgr:          mgr,
		taskType:     taskType,
		handler:      handler,
		concurrency:  4,
		pollInterval: time.Second,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the queue until the context is cancelled, then waits for
// in-flight handlers to finish.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		task, err := w.mgr.Dequeue(ctx, w.taskType)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error(ctx, "dequeue failed", "type", w.taskType, "error", err)
			task = nil
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}
		w.process(ctx, task)
	}
}

// process runs the handler under the type's processing timeout. Cancellation
// of the worker context counts as a failure so the task is retried elsewhere.
func (w *Worker) process(ctx context.Context, task *Task) {
	cfg := w.mgr.config(w.taskType)
	hctx, cancel := context.WithTimeout(ctx, cfg.ProcessingTimeout)
	defer cancel()

	start := time.Now()
	err := w.safeHandle(hctx, task)
	w.metrics.RecordTimer("queue_task_duration", time.Since(start), "type", w.taskType)

	// Transitions must land even when the worker context was cancelled;
	// otherwise a shutdown strands tasks until the reaper finds them.
	tctx := context.WithoutCancel(ctx)
	if err != nil {
		status, ferr := w.mgr.Fail(tctx, w.taskType, task.ID, err)
		if ferr != nil {
			// A reaper beat this worker to the transition; its outcome
			// stands.
			var se *StateError
			if errors.As(ferr, &se) {
				w.logger.Info(ctx, "task no longer held, dropping failure report",
					"type", w.taskType, "id", task.ID)
				return
			}
			w.logger.Error(ctx, "fail transition failed",
				"type", w.taskType, "id", task.ID, "error", ferr)
			return
		}
		w.logger.Info(ctx, "task failed",
			"type", w.taskType, "id", task.ID, "attempt", task.Attempts,
			"next", string(status), "error", err)
		return
	}
	if err := w.mgr.Complete(tctx, w.taskType, task.ID); err != nil {
		w.logger.Error(ctx, "complete transition failed",
			"type", w.taskType, "id", task.ID, "error", err)
	}
}

// safeHandle converts a handler panic into a task failure instead of taking
// down the worker pool.
func (w *Worker) safeHandle(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, task)
}
