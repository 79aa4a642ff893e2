package shard

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/natemellendorf/wt-tracker/internal/model"
	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

type eventKind int

const (
	evMessage eventKind = iota
	evClose
	evStats
	evScrape
)

// event is a message posted to a worker's inbox.
type event struct {
	kind eventKind
	ch   *channel
	msg  model.Message

	// request correlation for evStats and evScrape
	id     string
	hashes []string
	all    bool
}

// reply answers an evStats or evScrape event.
type reply struct {
	id    string
	shard int
	stats *model.Stats
	files map[string]model.ScrapeFile
}

// worker owns one Engine and is the only goroutine that touches it.
type worker struct {
	index  int
	router *Router
	engine *tracker.Engine
	inbox  chan event
	clock  clock.Clock
	logger *zap.Logger
}

func newWorker(r *Router, index int, cfg Config) *worker {
	w := &worker{
		index:  index,
		router: r,
		inbox:  make(chan event, cfg.InboxSize),
		clock:  cfg.Clock,
		logger: cfg.Logger.Named("shard").With(zap.Int("shard", index)),
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	w.engine = tracker.New(cfg.Settings, w.send,
		tracker.WithClock(cfg.Clock),
		tracker.WithRand(rand.New(rand.NewSource(seed+int64(index)))),
		tracker.WithLogger(w.logger.Named("engine")),
	)
	w.engine.SetPeerRemovedHook(w.peerRemoved)
	return w
}

func (w *worker) send(msg model.Message, conn tracker.Connection) {
	w.router.send(msg, conn.(*channel).conn)
}

// peerRemoved closes a channel once its last peer is gone, unless the
// channel is already being torn down.
func (w *worker) peerRemoved(peerID string, conn tracker.Connection) {
	ch := conn.(*channel)
	if ch.retired || ch.Len() > 0 {
		return
	}
	ch.retired = true
	w.logger.Debug("channel closed by shard", zap.String("peer_id", peerID))
	w.router.channelClosed(ch, nil)
}

// post queues ev. It reports false when the router has stopped.
func (w *worker) post(ev event) bool {
	select {
	case <-w.router.stopCh:
		return false
	default:
	}
	select {
	case w.inbox <- ev:
		return true
	case <-w.router.stopCh:
		return false
	}
}

func (w *worker) run(ctx context.Context) error {
	ticker := w.clock.Ticker(w.engine.Settings().AnnounceInterval)
	defer ticker.Stop()

	w.logger.Debug("worker started")
	for {
		select {
		case ev := <-w.inbox:
			w.handle(ev)
		case <-ticker.C:
			if n := w.engine.Reap(); n > 0 {
				w.logger.Debug("reaper: removed idle peers", zap.Int("count", n))
			}
		case <-w.router.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *worker) handle(ev event) {
	switch ev.kind {
	case evMessage:
		ch := ev.ch
		if ch.retired {
			w.logger.Debug("message on closed channel dropped", zap.String("peer_id", ch.peerID))
			return
		}
		if err := w.engine.ProcessMessage(ev.msg, ch); err != nil {
			w.logger.Debug("protocol error", zap.String("peer_id", ch.peerID), zap.Error(err))
			ch.retired = true
			w.engine.Disconnect(ch)
			w.router.channelClosed(ch, err)
		}

	case evClose:
		if ev.ch.retired {
			return
		}
		ev.ch.retired = true
		w.engine.Disconnect(ev.ch)

	case evStats:
		w.router.deliver(reply{id: ev.id, shard: w.index, stats: w.engine.Stats()})

	case evScrape:
		w.router.deliver(reply{id: ev.id, shard: w.index, files: w.engine.ScrapeFiles(ev.hashes, ev.all)})
	}
}
