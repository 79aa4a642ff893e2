// Package tracker implements the WebRTC signaling tracker core: the swarm and
// peer registry, the announce/scrape protocol engine and the offer fan-out.
//
// Peers announce an info hash and are grouped into swarms. Offers carried by
// an announce are relayed to other members of the swarm, and answers are
// relayed back to the offering peer by id, so browsers can open direct
// WebRTC links to each other.
//
// The Engine is single-threaded by contract. Callers either wrap it in a
// Serial, which serializes access with a lock, or hand it to a shard worker
// that owns it on a single goroutine (see package shard). Replies go out
// through the SendFunc given to New and must never block.
//
// Two error classes exist. *ProtocolError values come back from
// ProcessMessage for malformed input and justify closing the connection.
// Internal inconsistencies panic and are not recovered anywhere in the core.
package tracker
