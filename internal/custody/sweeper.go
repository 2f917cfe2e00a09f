package custody

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fieldguard/internal/metrics"
)

const (
	sweepBatchSize   = 500
	sweepConcurrency = 8
	// Every reconcileEvery runs the sweeper reads the store even when the
	// index answered, picking up deadlines the index lost.
	reconcileEvery = 10
)

// Sweeper periodically flags payments whose deposit deadline passed.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	runs     atomic.Uint64
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(tracker *Tracker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweeper loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in deadline sweeper", "panic", fmt.Sprint(r))
		}
	}()
	flagged, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("deadline sweep failed", "error", err)
		return
	}
	if flagged > 0 {
		s.logger.Info("flagged late deposits", "count", flagged)
	}
}

// Sweep flags every due payment once and returns how many it flagged.
// Running it again over the same deadlines flags nothing.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.dueIDs(ctx)
	if err != nil {
		return 0, err
	}

	var flagged atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			ok, err := s.tracker.FlagLate(gctx, id)
			if err != nil {
				// One bad record must not stall the rest of the batch.
				s.logger.Warn("failed to flag late payment", "paymentId", id, "error", err)
				return nil
			}
			if ok {
				flagged.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(flagged.Load()), err
	}
	return int(flagged.Load()), nil
}

func (s *Sweeper) dueIDs(ctx context.Context) ([]string, error) {
	now := s.tracker.now()
	run := s.runs.Add(1)

	if idx := s.tracker.index; idx != nil && run%reconcileEvery != 0 {
		ids, err := idx.Due(ctx, now, sweepBatchSize)
		if err == nil {
			metrics.SweeperRunsTotal.WithLabelValues("index").Inc()
			return ids, nil
		}
		s.logger.Warn("deadline index unavailable, reading store", "error", err)
	}

	due, err := s.tracker.store.ListDue(ctx, now, sweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due payments: %w", err)
	}
	metrics.SweeperRunsTotal.WithLabelValues("store").Inc()
	ids := make([]string, len(due))
	for i, p := range due {
		ids[i] = p.ID
	}
	return ids, nil
}
