package model

import (
	"sort"
	"time"
)

// ScrapeFile is the per-swarm entry of a scrape response.
// Downloaded mirrors Complete; no separate download counter is kept.
type ScrapeFile struct {
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
	Downloaded int `json:"downloaded"`
}

// NewScrapeFile builds a scrape entry from member and completed counts.
func NewScrapeFile(peers, completed int) ScrapeFile {
	return ScrapeFile{
		Complete:   completed,
		Incomplete: peers - completed,
		Downloaded: completed,
	}
}

// SwarmStats summarizes one swarm.
type SwarmStats struct {
	InfoHash  string `json:"info_hash"`
	Peers     int    `json:"peers"`
	Completed int    `json:"completed"`
}

// Stats is an aggregate view over one or more engines.
type Stats struct {
	Swarms []SwarmStats `json:"swarms"`
}

// Merge appends the swarms of other.
func (s *Stats) Merge(other *Stats) {
	if other == nil {
		return
	}
	s.Swarms = append(s.Swarms, other.Swarms...)
}

// TorrentsCount returns the number of swarms.
func (s *Stats) TorrentsCount() int {
	return len(s.Swarms)
}

// PeersCount returns the number of peers across all swarms.
func (s *Stats) PeersCount() int {
	n := 0
	for _, sw := range s.Swarms {
		n += sw.Peers
	}
	return n
}

// Sort orders swarms by info hash.
func (s *Stats) Sort() {
	sort.Slice(s.Swarms, func(i, j int) bool {
		return s.Swarms[i].InfoHash < s.Swarms[j].InfoHash
	})
}

// Snapshot is one point of the aggregate stats history.
type Snapshot struct {
	At          time.Time `json:"at"`
	Torrents    int       `json:"torrents"`
	Peers       int       `json:"peers"`
	Connections int       `json:"connections"`
}
