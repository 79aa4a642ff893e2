package shard

import (
	"sync"
	"sync/atomic"

	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

// Connection is the router's view of a transport connection.
// Implementations embed Endpoints, which is the only way to satisfy it.
type Connection interface {
	endpoints() *Endpoints
}

// Endpoints holds the virtual channels opened for one connection, keyed by
// peer id. It is safe for concurrent use: the transport goroutine opens
// channels while shard workers close them.
type Endpoints struct {
	mu       sync.Mutex
	channels map[string]*channel
}

func (e *Endpoints) endpoints() *Endpoints { return e }

// Len returns the number of open channels.
func (e *Endpoints) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}

// PeerIDs returns the peer ids with an open channel.
func (e *Endpoints) PeerIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	return ids
}

// has reports whether peerID has an open channel.
func (e *Endpoints) has(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.channels[peerID]
	return ch != nil && !ch.closed.Load()
}

// bind returns the channel for peerID that lives on w, opening a new one
// when there is none, it is closed or it lives on another shard. The
// replaced channel, if still open, is returned as stale.
func (e *Endpoints) bind(peerID string, conn Connection, w *worker) (ch, stale *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.channels[peerID]
	if old != nil && !old.closed.Load() && old.worker == w {
		return old, nil
	}

	ch = &channel{peerID: peerID, conn: conn, worker: w}
	if e.channels == nil {
		e.channels = make(map[string]*channel)
	}
	e.channels[peerID] = ch
	if old != nil && !old.closed.Load() {
		stale = old
	}
	return ch, stale
}

// detach forgets ch unless its peer id has already been rebound.
func (e *Endpoints) detach(ch *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channels[ch.peerID] == ch {
		delete(e.channels, ch.peerID)
	}
}

// drain removes and returns every channel.
func (e *Endpoints) drain() []*channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*channel, 0, len(e.channels))
	for _, ch := range e.channels {
		out = append(out, ch)
	}
	e.channels = nil
	return out
}

// channel is the virtual link between one (connection, peer id) pair and the
// shard that owns the peer. On the shard side it is the engine's connection.
type channel struct {
	// PeerSet and retired are owned by the worker goroutine.
	tracker.PeerSet
	retired bool

	peerID string
	conn   Connection
	worker *worker

	// closed is set once by whichever side closes the channel first.
	closed atomic.Bool
}
