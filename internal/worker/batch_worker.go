// Package worker runs the background loops of the service: batch runs fed
// from the queue, and the periodic timeout sweep and status poll.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/video-batcher/internal/logging"
	"github.com/video-batcher/internal/models"
)

// BatchSource yields queued batch IDs
type BatchSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (string, bool, error)
}

// BatchRunner runs one batch to the end of its pending jobs
type BatchRunner interface {
	RunBatch(ctx context.Context, batchID string) (*models.BatchRunResult, error)
	FailBatch(ctx context.Context, batchID string, cause error) error
}

// BatchWorker pulls batches off the queue and runs them one at a time per slot
type BatchWorker struct {
	source         BatchSource
	runner         BatchRunner
	concurrency    int
	dequeueTimeout time.Duration
	errorBackoff   time.Duration

	mu          sync.RWMutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	batchesRun  int
	lastBatchID string
	lastRunAt   time.Time
}

// BatchWorkerConfig holds configuration for a batch worker
type BatchWorkerConfig struct {
	Source         BatchSource
	Runner         BatchRunner
	Concurrency    int
	DequeueTimeout time.Duration
	ErrorBackoff   time.Duration
}

// BatchWorkerStatus is a snapshot of the worker for health reporting
type BatchWorkerStatus struct {
	Running     bool      `json:"running"`
	BatchesRun  int       `json:"batchesRun"`
	LastBatchID string    `json:"lastBatchId,omitempty"`
	LastRunAt   time.Time `json:"lastRunAt,omitempty"`
}

// NewBatchWorker creates a new batch worker
func NewBatchWorker(cfg *BatchWorkerConfig) (*BatchWorker, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("batch source cannot be nil")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("batch runner cannot be nil")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	// BRPOP timeouts are whole seconds
	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout < time.Second {
		dequeueTimeout = 5 * time.Second
	}
	backoff := cfg.ErrorBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	return &BatchWorker{
		source:         cfg.Source,
		runner:         cfg.Runner,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
		errorBackoff:   backoff,
	}, nil
}

// Start launches the dequeue loops
func (w *BatchWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("batch worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithField("concurrency", w.concurrency).Info("Starting batch worker")

	var wg sync.WaitGroup
	for slot := 0; slot < w.concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(slot)
	}
	go func() {
		wg.Wait()
		close(w.doneCh)
	}()
	return nil
}

// Stop signals the loops and waits for in-flight batches to return
func (w *BatchWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("batch worker is not running")
	}
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	select {
	case <-doneCh:
		logging.FromContext(ctx).Info("Batch worker stopped gracefully")
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// GetStatus returns the current worker status
func (w *BatchWorker) GetStatus() *BatchWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return &BatchWorkerStatus{
		Running:     w.running,
		BatchesRun:  w.batchesRun,
		LastBatchID: w.lastBatchID,
		LastRunAt:   w.lastRunAt,
	}
}

func (w *BatchWorker) loop(ctx context.Context, slot int) {
	logger := logging.FromContext(ctx).WithField("slot", slot)

	// runs stop when the worker stops, not only when ctx ends
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		batchID, ok, err := w.source.Dequeue(runCtx, w.dequeueTimeout)
		if err != nil {
			if runCtx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("Failed to dequeue batch")
			select {
			case <-runCtx.Done():
				return
			case <-time.After(w.errorBackoff):
			}
			continue
		}
		if !ok {
			continue
		}

		w.RunOne(logging.WithLogger(runCtx, logger), batchID)
	}
}

// RunOne runs a single batch and records the outcome. A run cut short by
// shutdown is marked failed by the runner and can be resumed.
func (w *BatchWorker) RunOne(ctx context.Context, batchID string) {
	logger := logging.FromContext(ctx).WithField("batchId", batchID)
	start := time.Now()

	result, err := w.runner.RunBatch(ctx, batchID)
	switch {
	case err == nil:
		logger.WithFields(map[string]interface{}{
			"started":  result.Started,
			"failed":   result.Failed,
			"status":   result.Status,
			"duration": time.Since(start).String(),
		}).Info("Batch run complete")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Batch run interrupted")
	default:
		if ferr := w.runner.FailBatch(context.WithoutCancel(ctx), batchID, err); ferr != nil {
			logger.WithError(ferr).Error("Failed to mark batch failed")
		}
	}

	w.mu.Lock()
	w.batchesRun++
	w.lastBatchID = batchID
	w.lastRunAt = time.Now()
	w.mu.Unlock()
}
