package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultCheckpointInterval is how often models are saved in the background.
const DefaultCheckpointInterval = 5 * time.Minute

// CheckpointTimer periodically saves the analyzer's models.
type CheckpointTimer struct {
	analyzer *Analyzer
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewCheckpointTimer creates a checkpoint worker. A non-positive interval
// uses DefaultCheckpointInterval.
func NewCheckpointTimer(a *Analyzer, interval time.Duration, logger *slog.Logger) *CheckpointTimer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &CheckpointTimer{
		analyzer: a,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is active.
func (t *CheckpointTimer) Running() bool {
	return t.running.Load()
}

// Start saves models every interval until ctx is done or Stop is called.
func (t *CheckpointTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeCheckpoint(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *CheckpointTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *CheckpointTimer) safeCheckpoint(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in checkpoint worker", "panic", fmt.Sprint(r))
		}
	}()
	if err := t.analyzer.SaveModels(ctx); err != nil {
		t.logger.Error("checkpoint failed", "error", err)
	}
}
