package shard

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natemellendorf/wt-tracker/internal/model"
	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

// Hashes owned by the first three shards of a four-shard router.
const (
	hash0 = "aaaa"
	hash1 = "aaab"
	hash2 = "aaac"
)

type testConn struct {
	Endpoints
	name string
}

type delivery struct {
	msg  model.Message
	conn *testConn
}

type recorder struct {
	mu   sync.Mutex
	sent []delivery
}

func (r *recorder) send(msg model.Message, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, delivery{msg: msg, conn: conn.(*testConn)})
}

func (r *recorder) to(conn *testConn) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, d := range r.sent {
		if d.conn == conn {
			out = append(out, d.msg)
		}
	}
	return out
}

// waitFor waits until conn received a message matching match.
func (r *recorder) waitFor(t *testing.T, conn *testConn, match func(model.Message) bool) model.Message {
	t.Helper()
	var found model.Message
	require.Eventually(t, func() bool {
		for _, m := range r.to(conn) {
			if match(m) {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func newTestRouter(t *testing.T, shards int) (*Router, *recorder, *clock.Mock) {
	t.Helper()
	rec := &recorder{}
	mock := clock.NewMock()
	r := New(Config{
		Shards:   shards,
		Settings: tracker.DefaultSettings(),
		Clock:    mock,
		Seed:     1,
	}, rec.send)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		r.Stop()
		cancel()
		<-done
	})
	return r, rec, mock
}

func announce(infoHash, peerID string) model.Message {
	return model.Message{
		model.FieldAction:   model.ActionAnnounce,
		model.FieldInfoHash: infoHash,
		model.FieldPeerID:   peerID,
	}
}

func isAnnounceReply(infoHash string) func(model.Message) bool {
	return func(m model.Message) bool {
		return m.Has(model.FieldInterval) && m[model.FieldInfoHash] == infoHash
	}
}

// stats doubles as a barrier: every event posted before it has been handled
// once it returns.
func stats(t *testing.T, r *Router) *model.Stats {
	t.Helper()
	s, err := r.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func TestRouterRejectsUnroutableMessages(t *testing.T) {
	r := New(Config{Shards: 2}, func(model.Message, Connection) {})
	conn := &testConn{}

	tests := []struct {
		name string
		msg  model.Message
		want error
	}{
		{"unknown action", model.Message{model.FieldAction: "ping"}, tracker.ErrUnknownAction},
		{"missing info_hash", model.Message{model.FieldAction: model.ActionAnnounce, model.FieldPeerID: "a"}, tracker.ErrInvalidInfoHash},
		{"numeric info_hash", model.Message{model.FieldAction: model.ActionAnnounce, model.FieldInfoHash: 1234.0, model.FieldPeerID: "a"}, tracker.ErrInvalidInfoHash},
		{"short info_hash", announce("abc", "a"), tracker.ErrInvalidInfoHash},
		{"empty peer_id", announce(hash0, ""), tracker.ErrInvalidPeerID},
		{"missing peer_id", model.Message{model.FieldAction: model.ActionAnnounce, model.FieldInfoHash: hash0}, tracker.ErrInvalidPeerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ProcessMessage(tt.msg, conn)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, tracker.IsProtocolError(err))
			assert.Zero(t, conn.Len())
		})
	}
}

func TestRouterAggregatesStatsAcrossShards(t *testing.T) {
	r, rec, _ := newTestRouter(t, 4)
	connA := &testConn{name: "A"}
	connB := &testConn{name: "B"}

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), connA))
	require.NoError(t, r.ProcessMessage(announce(hash1, "b"), connB))
	require.NoError(t, r.ProcessMessage(model.Message{
		model.FieldAction:   model.ActionAnnounce,
		model.FieldEvent:    model.EventCompleted,
		model.FieldInfoHash: hash1,
		model.FieldPeerID:   "c",
	}, connB))

	reply := rec.waitFor(t, connB, func(m model.Message) bool {
		return isAnnounceReply(hash1)(m) && m[model.FieldComplete] == 1
	})
	assert.Equal(t, 1, reply[model.FieldIncomplete])

	s := stats(t, r)
	assert.Equal(t, []model.SwarmStats{
		{InfoHash: hash0, Peers: 1, Completed: 0},
		{InfoHash: hash1, Peers: 2, Completed: 1},
	}, s.Swarms)
	assert.Equal(t, 2, s.TorrentsCount())
	assert.Equal(t, 3, s.PeersCount())
	assert.Equal(t, 2, connB.Len(), "one channel per peer id")
}

func TestRouterMigratesPeerBetweenShards(t *testing.T) {
	r, rec, _ := newTestRouter(t, 4)
	conn := &testConn{}

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), conn))
	rec.waitFor(t, conn, isAnnounceReply(hash0))
	first := conn.channels["a"]
	require.NotNil(t, first)

	require.NoError(t, r.ProcessMessage(announce(hash2, "a"), conn))
	rec.waitFor(t, conn, isAnnounceReply(hash2))

	s := stats(t, r)
	assert.Equal(t, []model.SwarmStats{{InfoHash: hash2, Peers: 1}}, s.Swarms,
		"old shard dropped the peer and its empty swarm")

	require.Equal(t, 1, conn.Len())
	second := conn.channels["a"]
	assert.NotSame(t, first, second)
	assert.True(t, first.closed.Load())
	assert.Equal(t, Index(hash2, 4), second.worker.index)
}

func TestRouterSameShardReusesChannel(t *testing.T) {
	r, _, _ := newTestRouter(t, 4)
	conn := &testConn{}

	require.Equal(t, Index(hash0, 4), Index("aaae", 4))

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), conn))
	stats(t, r)
	first := conn.channels["a"]

	require.NoError(t, r.ProcessMessage(announce("aaae", "a"), conn))
	s := stats(t, r)

	assert.Same(t, first, conn.channels["a"])
	assert.Equal(t, []model.SwarmStats{{InfoHash: "aaae", Peers: 1}}, s.Swarms)
}

func TestRouterDisconnectRemovesPeers(t *testing.T) {
	r, _, _ := newTestRouter(t, 4)
	conn := &testConn{}
	other := &testConn{}

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), conn))
	require.NoError(t, r.ProcessMessage(announce(hash1, "b"), conn))
	require.NoError(t, r.ProcessMessage(announce(hash1, "c"), other))
	require.Equal(t, 3, stats(t, r).PeersCount())

	r.Disconnect(conn)
	r.Disconnect(conn)

	s := stats(t, r)
	assert.Equal(t, []model.SwarmStats{{InfoHash: hash1, Peers: 1}}, s.Swarms)
	assert.Zero(t, conn.Len())
	assert.Equal(t, 1, other.Len())
}

func TestRouterStopClosesChannel(t *testing.T) {
	r, _, _ := newTestRouter(t, 2)
	conn := &testConn{}

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), conn))
	stop := announce(hash0, "a")
	stop[model.FieldEvent] = model.EventStopped
	require.NoError(t, r.ProcessMessage(stop, conn))

	assert.Zero(t, stats(t, r).PeersCount())
	assert.Zero(t, conn.Len(), "shard closed the channel of the stopped peer")

	// The peer can come back on a fresh channel.
	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), conn))
	assert.Equal(t, 1, stats(t, r).PeersCount())
	assert.Equal(t, 1, conn.Len())
}

func TestRouterStopsAndAnswersOpenNoChannel(t *testing.T) {
	r, rec, _ := newTestRouter(t, 2)
	owner := &testConn{name: "owner"}
	other := &testConn{name: "other"}

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), owner))
	stats(t, r)

	for i := 0; i < 50; i++ {
		stop := announce(hash0, fmt.Sprintf("ghost-%d", i))
		stop[model.FieldEvent] = model.EventStopped
		require.NoError(t, r.ProcessMessage(stop, other))
	}

	answer := announce(hash0, "never-announced")
	answer[model.FieldToPeerID] = "a"
	answer[model.FieldAnswer] = map[string]interface{}{"type": "answer", model.FieldSDP: "sdp"}
	require.NoError(t, r.ProcessMessage(answer, other))
	rec.waitFor(t, owner, func(m model.Message) bool { return m.Has(model.FieldAnswer) })

	assert.Equal(t, 1, stats(t, r).PeersCount())
	assert.Zero(t, other.Len(), "stops and answers keep no channel")

	// A stop from a connection that does not own the peer still removes it.
	stop := announce(hash0, "a")
	stop[model.FieldEvent] = model.EventStopped
	require.NoError(t, r.ProcessMessage(stop, other))
	assert.Zero(t, stats(t, r).PeersCount())
	assert.Zero(t, other.Len())
	assert.Zero(t, owner.Len(), "owner's channel closed with its last peer")
}

func TestRouterSupersededPeerClosesOldChannel(t *testing.T) {
	r, _, _ := newTestRouter(t, 2)
	oldConn := &testConn{}
	newConn := &testConn{}

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), oldConn))
	stats(t, r)
	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), newConn))

	assert.Equal(t, 1, stats(t, r).PeersCount())
	assert.Zero(t, oldConn.Len())
	assert.Equal(t, 1, newConn.Len())

	// Closing the old connection must not touch the rebound peer.
	r.Disconnect(oldConn)
	assert.Equal(t, 1, stats(t, r).PeersCount())
}

func TestRouterRelaysOffersAndAnswers(t *testing.T) {
	r, rec, _ := newTestRouter(t, 4)
	connA := &testConn{name: "A"}
	connB := &testConn{name: "B"}

	require.NoError(t, r.ProcessMessage(announce(hash1, "a"), connA))
	stats(t, r)

	msg := announce(hash1, "b")
	msg[model.FieldNumWant] = 5.0
	msg[model.FieldOffers] = []interface{}{
		map[string]interface{}{
			model.FieldOfferID: "o1",
			model.FieldOffer:   map[string]interface{}{"type": "offer", model.FieldSDP: "sdp-b"},
		},
	}
	require.NoError(t, r.ProcessMessage(msg, connB))

	offer := rec.waitFor(t, connA, func(m model.Message) bool { return m.Has(model.FieldOffer) })
	assert.Equal(t, "b", offer[model.FieldPeerID])
	assert.Equal(t, "o1", offer[model.FieldOfferID])

	answer := announce(hash1, "a")
	answer[model.FieldToPeerID] = "b"
	answer[model.FieldOfferID] = "o1"
	answer[model.FieldAnswer] = map[string]interface{}{"type": "answer", model.FieldSDP: "sdp-a"}
	require.NoError(t, r.ProcessMessage(answer, connA))

	got := rec.waitFor(t, connB, func(m model.Message) bool { return m.Has(model.FieldAnswer) })
	assert.Equal(t, "a", got[model.FieldPeerID])
	assert.NotContains(t, got, model.FieldToPeerID)
}

func TestRouterReportsShardProtocolErrors(t *testing.T) {
	r, _, _ := newTestRouter(t, 2)
	conn := &testConn{}

	type report struct {
		conn Connection
		err  error
	}
	reports := make(chan report, 1)
	r.SetProtocolErrorHandler(func(c Connection, err error) {
		reports <- report{c, err}
	})

	require.NoError(t, r.ProcessMessage(announce(hash0, "b"), &testConn{}))
	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), conn))
	bad := announce(hash0, "a")
	bad[model.FieldOffers] = "not a list"
	require.NoError(t, r.ProcessMessage(bad, conn), "shard errors are asynchronous")

	select {
	case rep := <-reports:
		assert.Same(t, conn, rep.conn)
		assert.ErrorIs(t, rep.err, tracker.ErrOffersNotArray)
	case <-time.After(2 * time.Second):
		t.Fatal("protocol error not reported")
	}

	assert.Equal(t, 1, stats(t, r).PeersCount(), "offending channel's peers are removed")
	assert.Zero(t, conn.Len())
}

func TestRouterScrape(t *testing.T) {
	r, rec, _ := newTestRouter(t, 4)
	conn := &testConn{}

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), conn))
	require.NoError(t, r.ProcessMessage(announce(hash1, "b"), conn))
	left := announce(hash1, "c")
	left[model.FieldLeft] = 0.0
	require.NoError(t, r.ProcessMessage(left, conn))
	stats(t, r)

	files, err := r.Scrape(context.Background(), []string{hash1, hash2, "zz"}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.ScrapeFile{
		hash1: {Complete: 1, Incomplete: 1, Downloaded: 1},
		hash2: {},
		"zz":  {},
	}, files)

	files, err = r.Scrape(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = r.Scrape(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Empty(t, files)

	scraper := &testConn{}
	require.NoError(t, r.ProcessMessage(model.Message{
		model.FieldAction:   model.ActionScrape,
		model.FieldInfoHash: []interface{}{hash0, 7.0},
	}, scraper))
	reply := rec.waitFor(t, scraper, func(m model.Message) bool { return m.Action() == model.ActionScrape })
	assert.Equal(t, map[string]model.ScrapeFile{
		hash0: {Incomplete: 1},
	}, reply[model.FieldFiles])
	assert.Zero(t, scraper.Len(), "scrape opens no channel")
}

func TestRouterReapsIdlePeers(t *testing.T) {
	r, _, mock := newTestRouter(t, 2)
	conn := &testConn{}

	require.NoError(t, r.ProcessMessage(announce(hash0, "a"), conn))
	require.NoError(t, r.ProcessMessage(announce(hash1, "b"), conn))
	require.Equal(t, 2, stats(t, r).PeersCount())

	interval := tracker.DefaultSettings().AnnounceInterval
	require.Eventually(t, func() bool {
		mock.Add(interval)
		s, err := r.Stats(context.Background())
		return err == nil && s.PeersCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, conn.Len(), "reaped peers' channels are closed")
}

func TestRouterStopped(t *testing.T) {
	r, _, _ := newTestRouter(t, 2)
	r.Stop()

	err := r.ProcessMessage(announce(hash0, "a"), &testConn{})
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, tracker.IsProtocolError(err))

	_, err = r.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRouterStatsHonorsContext(t *testing.T) {
	r := New(Config{Shards: 2}, func(model.Message, Connection) {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Workers are not running, so no reply ever arrives.
	_, err := r.Stats(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
