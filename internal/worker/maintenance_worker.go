package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/video-batcher/internal/logging"
)

// Sweeper fails phases stuck waiting on the provider
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Poller applies provider status for tasks without a callback
type Poller interface {
	Poll(ctx context.Context) (int, error)
}

// MaintenanceWorker runs the timeout sweep and, when configured, the status poll on a ticker
type MaintenanceWorker struct {
	sweeper  Sweeper
	poller   Poller
	interval time.Duration

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastTick time.Time
	swept    int
	polled   int
}

// NewMaintenanceWorker creates a maintenance worker. poller may be nil.
func NewMaintenanceWorker(sweeper Sweeper, poller Poller, interval time.Duration) (*MaintenanceWorker, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper cannot be nil")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &MaintenanceWorker{sweeper: sweeper, poller: poller, interval: interval}, nil
}

// Start begins the ticker loop
func (w *MaintenanceWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("maintenance worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithField("interval", w.interval.String()).Info("Starting maintenance worker")
	go w.tickLoop(ctx)
	return nil
}

// Stop gracefully stops the worker
func (w *MaintenanceWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("maintenance worker is not running")
	}
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *MaintenanceWorker) tickLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one sweep and one poll. Errors are logged and the next tick tries again.
func (w *MaintenanceWorker) Tick(ctx context.Context) {
	logger := logging.FromContext(ctx)

	swept, err := w.sweeper.Sweep(ctx)
	if err != nil {
		logger.WithError(err).Warn("Timeout sweep failed")
	} else if swept > 0 {
		logger.WithField("phases", swept).Info("Timed out phases failed")
	}

	polled := 0
	if w.poller != nil {
		polled, err = w.poller.Poll(ctx)
		if err != nil {
			logger.WithError(err).Warn("Status poll failed")
		} else if polled > 0 {
			logger.WithField("tasks", polled).Info("Polled tasks applied")
		}
	}

	w.mu.Lock()
	w.lastTick = time.Now()
	w.swept += swept
	w.polled += polled
	w.mu.Unlock()
}

// Totals returns the phases swept and tasks applied since start
func (w *MaintenanceWorker) Totals() (swept, polled int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.swept, w.polled
}
