package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const decayBatchSize = 500

// DecayTimer periodically relaxes the scores of quiet actors.
type DecayTimer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewDecayTimer creates a decay timer that runs every interval.
func NewDecayTimer(engine *Engine, interval time.Duration, logger *slog.Logger) *DecayTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DecayTimer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *DecayTimer) Running() bool {
	return t.running.Load()
}

// Start begins the decay loop. Call in a goroutine.
func (t *DecayTimer) Start(ctx context.Context) {
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
			t.safeDecay(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *DecayTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *DecayTimer) safeDecay(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in decay timer", "panic", fmt.Sprint(r))
		}
	}()
	t.decay(ctx)
}

func (t *DecayTimer) decay(ctx context.Context) {
	moved, err := t.engine.DecayAll(ctx, decayBatchSize)
	if err != nil {
		t.logger.Warn("failed to list decay candidates", "error", err)
		return
	}
	if moved > 0 {
		t.logger.Info("decayed actor scores", "actors", moved)
	}
}
