package tracker

import (
	"fmt"
)

// Swarm is the set of peers sharing one info hash.
// The swarm owns its member list; peers refer back to it by info hash only.
type Swarm struct {
	InfoHash string

	members   []*Peer
	completed map[string]struct{}
}

// PeerCount returns the number of members.
func (s *Swarm) PeerCount() int { return len(s.members) }

// CompletedCount returns the number of members that finished downloading.
func (s *Swarm) CompletedCount() int { return len(s.completed) }

// IsCompleted reports whether peerID is marked completed in the swarm.
func (s *Swarm) IsCompleted(peerID string) bool {
	_, ok := s.completed[peerID]
	return ok
}

// Members returns the member list. Its order is arbitrary and changes on
// every removal; callers must not retain or modify it.
func (s *Swarm) Members() []*Peer { return s.members }

// Registry maps info hashes to swarms.
// A swarm with no members is never left in the table.
type Registry struct {
	swarms map[string]*Swarm
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{swarms: make(map[string]*Swarm)}
}

// Swarm looks up a swarm by info hash.
func (r *Registry) Swarm(infoHash string) (*Swarm, bool) {
	s, ok := r.swarms[infoHash]
	return s, ok
}

// Len returns the number of swarms.
func (r *Registry) Len() int { return len(r.swarms) }

// Each calls fn for every swarm in unspecified order.
func (r *Registry) Each(fn func(*Swarm)) {
	for _, s := range r.swarms {
		fn(s)
	}
}

// GetOrCreateSwarm returns the swarm for infoHash, creating it if needed.
// The returned swarm must receive a member before control leaves the caller.
func (r *Registry) GetOrCreateSwarm(infoHash string) (s *Swarm, created bool) {
	if s, ok := r.swarms[infoHash]; ok {
		return s, false
	}
	s = &Swarm{InfoHash: infoHash}
	r.swarms[infoHash] = s
	return s, true
}

// AddPeer appends p to the swarm and records its completion.
func (r *Registry) AddPeer(s *Swarm, p *Peer, completed bool) {
	p.infoHash = s.InfoHash
	p.index = len(s.members)
	s.members = append(s.members, p)
	if completed {
		r.MarkCompleted(s, p)
	}
}

// MarkCompleted marks p as completed. There is no way back short of leaving.
func (r *Registry) MarkCompleted(s *Swarm, p *Peer) {
	if s.completed == nil {
		s.completed = make(map[string]struct{})
	}
	s.completed[p.ID] = struct{}{}
}

// RemovePeer removes p in constant time by moving the last member into its
// slot. It deletes the swarm when the last member leaves and reports whether
// that happened.
func (r *Registry) RemovePeer(s *Swarm, p *Peer) (deleted bool) {
	if p.index < 0 || p.index >= len(s.members) || s.members[p.index] != p {
		panic(fmt.Sprintf("tracker: peer %q is not a member of swarm %q", p.ID, s.InfoHash))
	}

	delete(s.completed, p.ID)

	last := len(s.members) - 1
	if p.index != last {
		moved := s.members[last]
		s.members[p.index] = moved
		moved.index = p.index
	}
	s.members[last] = nil
	s.members = s.members[:last]
	p.index = -1

	if len(s.members) == 0 {
		delete(r.swarms, s.InfoHash)
		return true
	}
	return false
}
