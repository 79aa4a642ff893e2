package tracker

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/natemellendorf/wt-tracker/internal/metrics"
	"github.com/natemellendorf/wt-tracker/internal/model"
)

// Settings tune the protocol engine.
type Settings struct {
	// MaxOffers caps the offers relayed for a single announce.
	MaxOffers int
	// AnnounceInterval is advertised to clients; peers idle for twice as
	// long are reaped.
	AnnounceInterval time.Duration
}

// DefaultSettings returns the stock tracker settings.
func DefaultSettings() Settings {
	return Settings{
		MaxOffers:        20,
		AnnounceInterval: 20 * time.Second,
	}
}

// SendFunc delivers a message to a connection. It must not block.
type SendFunc func(msg model.Message, conn Connection)

// PeerRemovedFunc is called after a peer has been removed from the engine.
type PeerRemovedFunc func(peerID string, conn Connection)

// Engine is the announce/scrape protocol engine.
//
// An Engine is not safe for concurrent use: exactly one goroutine may call
// into it, either directly or through Serial or a shard worker.
type Engine struct {
	settings Settings
	send     SendFunc
	clock    clock.Clock
	rand     *rand.Rand
	logger   *zap.Logger

	registry      *Registry
	peers         map[string]*Peer
	onPeerRemoved PeerRemovedFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for liveness timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRand sets the source used to pick offer recipients.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rand = r }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine that answers through send.
func New(settings Settings, send SendFunc, opts ...Option) *Engine {
	e := &Engine{
		settings: settings,
		send:     send,
		clock:    clock.New(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   zap.NewNop(),
		registry: NewRegistry(),
		peers:    make(map[string]*Peer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPeerRemovedHook installs a callback run after every peer removal.
func (e *Engine) SetPeerRemovedHook(f PeerRemovedFunc) {
	e.onPeerRemoved = f
}

// Settings returns the engine settings.
func (e *Engine) Settings() Settings { return e.settings }

// Swarm looks up a swarm by info hash.
func (e *Engine) Swarm(infoHash string) (*Swarm, bool) {
	return e.registry.Swarm(infoHash)
}

// SwarmCount returns the number of live swarms.
func (e *Engine) SwarmCount() int { return e.registry.Len() }

// PeerCount returns the number of live peers.
func (e *Engine) PeerCount() int { return len(e.peers) }

// Peer looks up a live peer by id.
func (e *Engine) Peer(peerID string) (*Peer, bool) {
	p, ok := e.peers[peerID]
	return p, ok
}

// Stats returns per-swarm member and completion counts.
func (e *Engine) Stats() *model.Stats {
	stats := &model.Stats{Swarms: make([]model.SwarmStats, 0, e.registry.Len())}
	e.registry.Each(func(s *Swarm) {
		stats.Swarms = append(stats.Swarms, model.SwarmStats{
			InfoHash:  s.InfoHash,
			Peers:     s.PeerCount(),
			Completed: s.CompletedCount(),
		})
	})
	return stats
}

// ProcessMessage handles one inbound message from conn.
// Only *ProtocolError values are returned; state is left untouched when a
// message is rejected.
func (e *Engine) ProcessMessage(msg model.Message, conn Connection) error {
	switch msg.Action() {
	case model.ActionAnnounce:
		if !msg.Has(model.FieldEvent) {
			if msg.Has(model.FieldAnswer) {
				return e.processAnswer(msg)
			}
			return e.processAnnounce(msg, conn, false)
		}
		event, _ := msg.String(model.FieldEvent)
		switch event {
		case model.EventStarted:
			return e.processAnnounce(msg, conn, false)
		case model.EventStopped:
			e.processStop(msg)
			return nil
		case model.EventCompleted:
			return e.processAnnounce(msg, conn, true)
		default:
			return ErrUnknownEvent
		}
	case model.ActionScrape:
		e.processScrape(msg, conn)
		return nil
	default:
		return ErrUnknownAction
	}
}

// Disconnect removes every peer owned by conn.
func (e *Engine) Disconnect(conn Connection) {
	set := conn.peerSet()
	for _, p := range set.peers {
		e.logger.Debug("disconnect peer", zap.String("peer_id", p.ID), zap.String("info_hash", p.infoHash))
		e.removePeer(p)
	}
}

// Reap removes peers that have not announced for twice the announce
// interval and returns how many were removed.
func (e *Engine) Reap() int {
	now := e.clock.Now()
	ttl := 2 * e.settings.AnnounceInterval
	removed := 0
	for _, p := range e.peers {
		if now.Sub(p.lastAccessed) > ttl {
			e.logger.Debug("remove by timeout", zap.String("peer_id", p.ID), zap.String("info_hash", p.infoHash))
			e.removePeer(p)
			removed++
		}
	}
	if removed > 0 {
		metrics.AddPeersReaped(removed)
	}
	return removed
}

func (e *Engine) processAnnounce(msg model.Message, conn Connection, completed bool) error {
	infoHash, ok := msg.String(model.FieldInfoHash)
	if !ok {
		return ErrInvalidInfoHash
	}
	peerID, ok := msg.String(model.FieldPeerID)
	if !ok || peerID == "" {
		return ErrInvalidPeerID
	}
	offers, err := e.planOffers(msg, e.membersAfterAnnounce(infoHash, peerID))
	if err != nil {
		return err
	}
	if left, ok := msg.Number(model.FieldLeft); ok && left == 0 {
		completed = true
	}

	metrics.IncrementAnnounces()

	set := conn.peerSet()
	now := e.clock.Now()

	var swarm *Swarm
	peer := set.get(peerID)
	switch {
	case peer == nil:
		if existing, ok := e.peers[peerID]; ok {
			e.logger.Debug("peer superseded by new connection",
				zap.String("peer_id", peerID),
				zap.String("from_swarm", existing.infoHash),
				zap.String("to_swarm", infoHash))
			e.removePeer(existing)
		}

		swarm = e.getOrCreateSwarm(infoHash)
		peer = &Peer{ID: peerID, conn: conn, lastAccessed: now}
		e.registry.AddPeer(swarm, peer, completed)
		set.put(peer)
		e.peers[peerID] = peer
		metrics.PeersCurrent.Inc()

	case peer.infoHash != infoHash:
		peer.lastAccessed = now
		e.logger.Debug("move peer",
			zap.String("peer_id", peerID),
			zap.String("from_swarm", peer.infoHash),
			zap.String("to_swarm", infoHash))
		e.leaveSwarm(peer)
		swarm = e.getOrCreateSwarm(infoHash)
		e.registry.AddPeer(swarm, peer, completed)

	default:
		peer.lastAccessed = now
		swarm = e.mustSwarm(peer.infoHash)
		if completed {
			e.registry.MarkCompleted(swarm, peer)
		}
	}

	complete := swarm.CompletedCount()
	e.send(model.NewAnnounceReply(
		int(e.settings.AnnounceInterval/time.Second),
		infoHash,
		complete,
		swarm.PeerCount()-complete,
	), conn)

	if len(offers) > 0 {
		e.sendOffers(swarm, peer, offers)
	}
	return nil
}

// membersAfterAnnounce returns the size infoHash's swarm will have once
// peerID has announced into it.
func (e *Engine) membersAfterAnnounce(infoHash, peerID string) int {
	n := 0
	if s, ok := e.registry.Swarm(infoHash); ok {
		n = s.PeerCount()
	}
	if p, ok := e.peers[peerID]; !ok || p.infoHash != infoHash {
		n++
	}
	return n
}

func (e *Engine) processAnswer(msg model.Message) error {
	toPeerID, ok := msg.String(model.FieldToPeerID)
	if !ok {
		return ErrInvalidTargetPeerID
	}
	toPeer, ok := e.peers[toPeerID]
	if !ok {
		return ErrTargetPeerNotPresent
	}

	fwd := msg.Clone()
	delete(fwd, model.FieldToPeerID)
	e.send(fwd, toPeer.conn)
	metrics.IncrementAnswersRelayed()

	if e.logger.Core().Enabled(zap.DebugLevel) {
		from, _ := msg.String(model.FieldPeerID)
		e.logger.Debug("answer relayed", zap.String("from", from), zap.String("to", toPeerID))
	}
	return nil
}

func (e *Engine) processStop(msg model.Message) {
	peerID, _ := msg.String(model.FieldPeerID)
	peer, ok := e.peers[peerID]
	if !ok {
		return
	}
	e.logger.Debug("stop peer", zap.String("peer_id", peer.ID), zap.String("info_hash", peer.infoHash))
	e.removePeer(peer)
}

func (e *Engine) processScrape(msg model.Message, conn Connection) {
	metrics.IncrementScrapes()
	hashes, all := model.ScrapeHashes(msg)
	e.send(model.NewScrapeReply(e.ScrapeFiles(hashes, all)), conn)
}

// ScrapeFiles reports scrape entries for hashes, or for every swarm when all
// is set. Unknown hashes report zeros.
func (e *Engine) ScrapeFiles(hashes []string, all bool) map[string]model.ScrapeFile {
	files := make(map[string]model.ScrapeFile)
	if all {
		e.registry.Each(func(s *Swarm) {
			files[s.InfoHash] = model.NewScrapeFile(s.PeerCount(), s.CompletedCount())
		})
		return files
	}
	for _, h := range hashes {
		if s, ok := e.registry.Swarm(h); ok {
			files[h] = model.NewScrapeFile(s.PeerCount(), s.CompletedCount())
		} else {
			files[h] = model.ScrapeFile{}
		}
	}
	return files
}

func (e *Engine) getOrCreateSwarm(infoHash string) *Swarm {
	s, created := e.registry.GetOrCreateSwarm(infoHash)
	if created {
		e.logger.Debug("swarm created", zap.String("info_hash", infoHash))
		metrics.SwarmsCurrent.Inc()
	}
	return s
}

func (e *Engine) mustSwarm(infoHash string) *Swarm {
	s, ok := e.registry.Swarm(infoHash)
	if !ok {
		panic("tracker: live peer refers to missing swarm " + infoHash)
	}
	return s
}

func (e *Engine) leaveSwarm(p *Peer) {
	if e.registry.RemovePeer(e.mustSwarm(p.infoHash), p) {
		e.logger.Debug("swarm removed (empty)", zap.String("info_hash", p.infoHash))
		metrics.SwarmsCurrent.Dec()
	}
}

func (e *Engine) removePeer(p *Peer) {
	e.leaveSwarm(p)
	delete(e.peers, p.ID)
	p.conn.peerSet().remove(p)
	metrics.PeersCurrent.Dec()

	if e.onPeerRemoved != nil {
		e.onPeerRemoved(p.ID, p.conn)
	}
}
