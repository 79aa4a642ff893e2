package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/natemellendorf/wt-tracker/internal/metrics"
	"github.com/natemellendorf/wt-tracker/internal/model"
)

// StatsSource reports the tracker's current swarms.
type StatsSource interface {
	Stats(ctx context.Context) (*model.Stats, error)
}

// Recorder periodically stores an aggregate snapshot of the tracker.
type Recorder struct {
	store       Store
	source      StatsSource
	connections func() int
	interval    time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// NewRecorder creates a recorder. connections may be nil.
func NewRecorder(store Store, source StatsSource, connections func() int, interval time.Duration) *Recorder {
	return &Recorder{
		store:       store,
		source:      source,
		connections: connections,
		interval:    interval,
		clock:       clock.New(),
		logger:      zap.NewNop(),
		stopCh:      make(chan struct{}),
	}
}

// SetClock replaces the wall clock.
func (r *Recorder) SetClock(c clock.Clock) {
	r.clock = c
}

// SetLogger sets the recorder logger.
func (r *Recorder) SetLogger(l *zap.Logger) {
	r.logger = l.Named("recorder")
}

// Start records a snapshot every interval until ctx is done or Stop is
// called.
func (r *Recorder) Start(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Record(ctx); err != nil {
				r.logger.Warn("failed to record snapshot", zap.Error(err))
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the recorder.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Record stores one snapshot now.
func (r *Recorder) Record(ctx context.Context) error {
	stats, err := r.source.Stats(ctx)
	if err != nil {
		return err
	}

	snap := model.Snapshot{
		At:       r.clock.Now().UTC(),
		Torrents: stats.TorrentsCount(),
		Peers:    stats.PeersCount(),
	}
	if r.connections != nil {
		snap.Connections = r.connections()
	}

	if err := r.store.PutSnapshot(ctx, snap); err != nil {
		metrics.IncrementStoreErrors()
		return err
	}
	metrics.IncrementSnapshots()
	return nil
}
