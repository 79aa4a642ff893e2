// Package shard spreads the tracker across several engines, each owned by
// its own worker goroutine.
//
// A swarm lives on the shard selected by Index from its info hash. For every
// (connection, peer id) pair the Router keeps a virtual channel to the shard
// owning the peer; messages travel down the channel and replies come back
// through the router's SendFunc. When a peer announces an info hash owned by
// another shard, a new channel is opened there and the old one is closed,
// which removes the peer from the old shard. Between those two steps the
// peer may briefly be visible on both shards.
//
// Channels close at most once, from either side. A shard closes a channel
// when its peer is gone (stop, idle timeout, superseded by another
// connection) or when the peer sent an invalid message; the router closes
// channels on migration and disconnect.
package shard
