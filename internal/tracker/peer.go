package tracker

import (
	"sort"
	"time"
)

// Connection is the engine's view of a transport connection.
// Implementations embed PeerSet, which is the only way to satisfy it.
type Connection interface {
	peerSet() *PeerSet
}

// PeerSet holds the peers owned by one connection, keyed by peer id.
// A connection may host several peer identities at once. It is only touched
// by the execution context that owns the engine.
type PeerSet struct {
	peers map[string]*Peer
}

func (s *PeerSet) peerSet() *PeerSet { return s }

func (s *PeerSet) get(peerID string) *Peer {
	return s.peers[peerID]
}

func (s *PeerSet) put(p *Peer) {
	if s.peers == nil {
		s.peers = make(map[string]*Peer)
	}
	s.peers[p.ID] = p
}

func (s *PeerSet) remove(p *Peer) {
	if s.peers[p.ID] == p {
		delete(s.peers, p.ID)
	}
}

// Len returns the number of peers associated with the connection.
func (s *PeerSet) Len() int {
	return len(s.peers)
}

// PeerIDs returns the associated peer ids in sorted order.
func (s *PeerSet) PeerIDs() []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Peer is the tracker-side state of one remote participant.
type Peer struct {
	ID string

	conn         Connection
	lastAccessed time.Time

	// infoHash is the handle of the owning swarm in the registry.
	infoHash string
	// index is the peer's position in the owning swarm's member list.
	index int
}

// Conn returns the connection that owns the peer.
func (p *Peer) Conn() Connection { return p.conn }

// InfoHash returns the info hash of the swarm the peer belongs to.
func (p *Peer) InfoHash() string { return p.infoHash }

// LastAccessed returns the time of the peer's last announce.
func (p *Peer) LastAccessed() time.Time { return p.lastAccessed }
