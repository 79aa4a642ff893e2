package tracker

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/natemellendorf/wt-tracker/internal/model"
)

// Serial owns an Engine for an unsharded deployment. Every call into the
// engine, including the periodic reaper, runs under one lock.
type Serial struct {
	mu     sync.Mutex
	engine *Engine
	clock  clock.Clock
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSerial wraps engine. The engine must not be used directly afterwards.
func NewSerial(engine *Engine) *Serial {
	return &Serial{
		engine: engine,
		clock:  engine.clock,
		logger: engine.logger,
		stopCh: make(chan struct{}),
	}
}

// ProcessMessage forwards msg to the engine.
func (s *Serial) ProcessMessage(msg model.Message, conn Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.ProcessMessage(msg, conn)
}

// Disconnect removes every peer owned by conn.
func (s *Serial) Disconnect(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.Disconnect(conn)
}

// Stats returns a snapshot of the engine's swarms.
func (s *Serial) Stats(ctx context.Context) (*model.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Stats(), nil
}

// Scrape reports scrape entries for hashes, or every swarm when all is set.
func (s *Serial) Scrape(ctx context.Context, hashes []string, all bool) (map[string]model.ScrapeFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.ScrapeFiles(hashes, all), nil
}

// Reap runs one reaper sweep.
func (s *Serial) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Reap()
}

// Start runs the idle reaper every announce interval until ctx is done or
// Stop is called.
func (s *Serial) Start(ctx context.Context) {
	ticker := s.clock.Ticker(s.engine.settings.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Reap(); n > 0 {
				s.logger.Debug("reaper: removed idle peers", zap.Int("count", n))
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the reaper loop.
func (s *Serial) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
