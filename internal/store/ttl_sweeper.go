package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// TTLSweeper periodically removes snapshots older than the retention period.
type TTLSweeper struct {
	store      Store
	interval   time.Duration
	retention  time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	stopOnce   sync.Once
	stopCh     chan struct{}
	expiredCtr func(n int) // Metrics counter incrementer
}

// NewTTLSweeper creates a new TTL sweeper.
func NewTTLSweeper(store Store, interval, retention time.Duration) *TTLSweeper {
	return &TTLSweeper{
		store:     store,
		interval:  interval,
		retention: retention,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		stopCh:    make(chan struct{}),
	}
}

// SetClock replaces the wall clock.
func (s *TTLSweeper) SetClock(c clock.Clock) {
	s.clock = c
}

// SetLogger sets the sweeper logger.
func (s *TTLSweeper) SetLogger(l *zap.Logger) {
	s.logger = l.Named("sweeper")
}

// SetExpiredCounter sets the callback for expired snapshot counting.
func (s *TTLSweeper) SetExpiredCounter(f func(n int)) {
	s.expiredCtr = f
}

// Start starts the background sweeper.
func (s *TTLSweeper) Start(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the background sweeper.
func (s *TTLSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// sweep performs one sweep iteration.
func (s *TTLSweeper) sweep(ctx context.Context) {
	now := s.clock.Now()
	removed, err := s.store.DeleteSnapshotsBefore(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Error("failed to remove expired snapshots", zap.Error(err))
		return
	}
	if removed > 0 {
		if s.expiredCtr != nil {
			s.expiredCtr(removed)
		}
		s.logger.Debug("removed expired snapshots", zap.Int("count", removed))
	}

	if err := s.store.SetLastSweepTime(ctx, now); err != nil {
		s.logger.Error("failed to set last sweep time", zap.Error(err))
	}
}

// GetLastSweepTime returns the last time the sweeper ran.
func (s *TTLSweeper) GetLastSweepTime(ctx context.Context) (time.Time, error) {
	return s.store.GetLastSweepTime(ctx)
}
