package shard

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/natemellendorf/wt-tracker/internal/metrics"
	"github.com/natemellendorf/wt-tracker/internal/model"
	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

// ErrStopped is returned once the router has been stopped.
var ErrStopped = xerrors.New("shard: router stopped")

// SendFunc delivers a message to a connection. It must not block.
type SendFunc func(msg model.Message, conn Connection)

// ProtocolErrorFunc is called when a shard rejects a message. The transport
// is expected to close conn.
type ProtocolErrorFunc func(conn Connection, err error)

// Config configures a Router.
type Config struct {
	// Shards is the number of engines. Values below 1 mean 1.
	Shards   int
	Settings tracker.Settings
	Clock    clock.Clock
	Logger   *zap.Logger
	// Seed seeds the per-shard offer selection. Zero uses the current time.
	Seed int64
	// InboxSize is the per-shard queue length.
	InboxSize int
}

func (c *Config) setDefaults() {
	if c.Shards < 1 {
		c.Shards = 1
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
}

// Router partitions swarms across independent engines by info hash. Each
// engine runs on its own worker goroutine; the router talks to workers only
// through their inboxes.
type Router struct {
	workers []*worker
	send    SendFunc
	logger  *zap.Logger

	onProtocolError ProtocolErrorFunc

	mu      sync.Mutex
	pending map[string]chan reply
	replies chan reply

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a router that answers through send. Start must be called
// before messages are processed.
func New(cfg Config, send SendFunc) *Router {
	cfg.setDefaults()
	r := &Router{
		send:    send,
		logger:  cfg.Logger.Named("router"),
		pending: make(map[string]chan reply),
		replies: make(chan reply, cfg.Shards),
		stopCh:  make(chan struct{}),
	}
	r.workers = make([]*worker, cfg.Shards)
	for i := range r.workers {
		r.workers[i] = newWorker(r, i, cfg)
	}
	return r
}

// SetProtocolErrorHandler installs the callback for protocol errors raised
// inside a shard.
func (r *Router) SetProtocolErrorHandler(f ProtocolErrorFunc) {
	r.onProtocolError = f
}

// ShardCount returns the number of shards.
func (r *Router) ShardCount() int { return len(r.workers) }

// Start runs the shard workers until ctx is done or Stop is called.
func (r *Router) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		w := w
		g.Go(func() error { return w.run(gctx) })
	}
	g.Go(func() error { return r.dispatch(gctx) })

	r.logger.Info("router started", zap.Int("shards", len(r.workers)))
	err := g.Wait()
	r.logger.Info("router stopped")
	return err
}

// Stop stops the workers. Pending and later calls fail with ErrStopped.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// ProcessMessage routes msg from conn to the shard owning its info hash.
// Malformed routing fields are rejected synchronously; errors found by the
// shard are reported through the protocol error handler.
func (r *Router) ProcessMessage(msg model.Message, conn Connection) error {
	switch msg.Action() {
	case model.ActionScrape:
		metrics.IncrementScrapes()
		hashes, all := model.ScrapeHashes(msg)
		go r.answerScrape(hashes, all, conn)
		return nil
	case model.ActionAnnounce:
	default:
		return tracker.ErrUnknownAction
	}

	infoHash, ok := msg.String(model.FieldInfoHash)
	if !ok || !routable(infoHash) {
		return tracker.ErrInvalidInfoHash
	}
	peerID, ok := msg.String(model.FieldPeerID)
	if !ok || peerID == "" {
		return tracker.ErrInvalidPeerID
	}

	w := r.workers[Index(infoHash, len(r.workers))]
	if detached(msg) && !conn.endpoints().has(peerID) {
		// No peer will be attached, so no channel is kept for it.
		ch := &channel{peerID: peerID, conn: conn, worker: w}
		if !w.post(event{kind: evMessage, ch: ch, msg: msg}) {
			return ErrStopped
		}
		return nil
	}

	ch, stale := conn.endpoints().bind(peerID, conn, w)
	if !w.post(event{kind: evMessage, ch: ch, msg: msg}) {
		return ErrStopped
	}
	if stale != nil {
		metrics.IncrementMigrations()
		r.logger.Debug("peer migrated",
			zap.String("peer_id", peerID),
			zap.Int("from", stale.worker.index),
			zap.Int("to", w.index))
		r.closeChannel(stale)
	}
	return nil
}

// detached reports whether msg is a stop or an answer. Neither adds a peer
// to the sending connection.
func detached(msg model.Message) bool {
	if !msg.Has(model.FieldEvent) {
		return msg.Has(model.FieldAnswer)
	}
	ev, _ := msg.String(model.FieldEvent)
	return ev == model.EventStopped
}

// Disconnect closes every channel of conn. Shards remove the peers behind
// them.
func (r *Router) Disconnect(conn Connection) {
	for _, ch := range conn.endpoints().drain() {
		r.closeChannel(ch)
	}
}

// Stats collects swarm stats from every shard.
func (r *Router) Stats(ctx context.Context) (*model.Stats, error) {
	replies, err := r.gather(ctx, r.workers, func(_ *worker, id string) event {
		return event{kind: evStats, id: id}
	})
	if err != nil {
		return nil, err
	}
	stats := &model.Stats{}
	for _, rep := range replies {
		stats.Merge(rep.stats)
	}
	stats.Sort()
	return stats, nil
}

// Scrape reports scrape entries for hashes, or every swarm when all is set.
// Only the shards owning the requested hashes are queried.
func (r *Router) Scrape(ctx context.Context, hashes []string, all bool) (map[string]model.ScrapeFile, error) {
	files := make(map[string]model.ScrapeFile)
	if all {
		replies, err := r.gather(ctx, r.workers, func(_ *worker, id string) event {
			return event{kind: evScrape, id: id, all: true}
		})
		if err != nil {
			return nil, err
		}
		for _, rep := range replies {
			for h, f := range rep.files {
				files[h] = f
			}
		}
		return files, nil
	}

	byShard := make(map[*worker][]string)
	for _, h := range hashes {
		w := r.workers[Index(h, len(r.workers))]
		byShard[w] = append(byShard[w], h)
	}
	if len(byShard) == 0 {
		return files, nil
	}

	targets := make([]*worker, 0, len(byShard))
	for w := range byShard {
		targets = append(targets, w)
	}
	replies, err := r.gather(ctx, targets, func(w *worker, id string) event {
		return event{kind: evScrape, id: id, hashes: byShard[w]}
	})
	if err != nil {
		return nil, err
	}
	for _, rep := range replies {
		for h, f := range rep.files {
			files[h] = f
		}
	}
	return files, nil
}

func (r *Router) answerScrape(hashes []string, all bool, conn Connection) {
	files, err := r.Scrape(context.Background(), hashes, all)
	if err != nil {
		r.logger.Debug("scrape failed", zap.Error(err))
		return
	}
	r.send(model.NewScrapeReply(files), conn)
}

// closeChannel closes ch from the router side and asks its shard to remove
// the peer behind it.
func (r *Router) closeChannel(ch *channel) {
	if !ch.closed.CompareAndSwap(false, true) {
		return
	}
	ch.conn.endpoints().detach(ch)
	ch.worker.post(event{kind: evClose, ch: ch})
}

// channelClosed is called by a worker that closed ch on its side.
func (r *Router) channelClosed(ch *channel, err error) {
	if ch.closed.CompareAndSwap(false, true) {
		ch.conn.endpoints().detach(ch)
	}
	if err != nil && r.onProtocolError != nil {
		r.onProtocolError(ch.conn, err)
	}
}

// gather posts one request per worker and waits for all replies, correlated
// by a request id.
func (r *Router) gather(ctx context.Context, workers []*worker, req func(w *worker, id string) event) ([]reply, error) {
	id := uuid.NewString()
	ch := make(chan reply, len(workers))

	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	for _, w := range workers {
		if !w.post(req(w, id)) {
			return nil, ErrStopped
		}
	}

	out := make([]reply, 0, len(workers))
	for len(out) < len(workers) {
		select {
		case rep := <-ch:
			out = append(out, rep)
		case <-ctx.Done():
			return nil, xerrors.Errorf("shard: gather %s: %w", id, ctx.Err())
		case <-r.stopCh:
			return nil, ErrStopped
		}
	}
	return out, nil
}

// deliver hands a worker reply to the dispatcher.
func (r *Router) deliver(rep reply) {
	select {
	case r.replies <- rep:
	case <-r.stopCh:
	}
}

// dispatch routes replies to the request waiting for them. Replies to
// requests that gave up are dropped.
func (r *Router) dispatch(ctx context.Context) error {
	for {
		select {
		case rep := <-r.replies:
			r.mu.Lock()
			ch, ok := r.pending[rep.id]
			r.mu.Unlock()
			if ok {
				ch <- rep
			}
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
