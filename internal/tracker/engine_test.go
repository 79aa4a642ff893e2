package tracker

import (
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natemellendorf/wt-tracker/internal/model"
)

type testConn struct {
	PeerSet
	name string
}

type sent struct {
	msg  model.Message
	conn *testConn
}

type recorder struct {
	sent []sent
}

func (r *recorder) send(msg model.Message, conn Connection) {
	r.sent = append(r.sent, sent{msg: msg, conn: conn.(*testConn)})
}

func (r *recorder) last(t *testing.T) sent {
	t.Helper()
	require.NotEmpty(t, r.sent)
	return r.sent[len(r.sent)-1]
}

func (r *recorder) to(conn *testConn) []model.Message {
	var out []model.Message
	for _, s := range r.sent {
		if s.conn == conn {
			out = append(out, s.msg)
		}
	}
	return out
}

func (r *recorder) reset() { r.sent = nil }

func newTestEngine(t *testing.T, settings Settings) (*Engine, *recorder, *clock.Mock) {
	t.Helper()
	rec := &recorder{}
	mock := clock.NewMock()
	e := New(settings, rec.send, WithClock(mock), WithRand(rand.New(rand.NewSource(1))))
	return e, rec, mock
}

func announce(infoHash, peerID string) model.Message {
	return model.Message{
		model.FieldAction:   model.ActionAnnounce,
		model.FieldInfoHash: infoHash,
		model.FieldPeerID:   peerID,
	}
}

func withField(m model.Message, key string, v interface{}) model.Message {
	m[key] = v
	return m
}

func counts(t *testing.T, msg model.Message) (complete, incomplete int) {
	t.Helper()
	require.Equal(t, model.ActionAnnounce, msg.Action())
	complete, ok := msg[model.FieldComplete].(int)
	require.True(t, ok)
	incomplete, ok = msg[model.FieldIncomplete].(int)
	require.True(t, ok)
	return complete, incomplete
}

func TestAnnounceEndToEnd(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultSettings())
	connA := &testConn{name: "A"}
	connB := &testConn{name: "B"}

	require.NoError(t, e.ProcessMessage(announce("h1", "a"), connA))
	reply := rec.last(t)
	assert.Same(t, connA, reply.conn)
	assert.Equal(t, 20, reply.msg[model.FieldInterval])
	assert.Equal(t, "h1", reply.msg[model.FieldInfoHash])
	c, i := counts(t, reply.msg)
	assert.Equal(t, 0, c)
	assert.Equal(t, 1, i)

	require.NoError(t, e.ProcessMessage(withField(announce("h1", "b"), model.FieldEvent, model.EventCompleted), connB))
	c, i = counts(t, rec.last(t).msg)
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, i)

	require.NoError(t, e.ProcessMessage(announce("h1", "a"), connA))
	c, i = counts(t, rec.last(t).msg)
	assert.Equal(t, 1, c)
	assert.Equal(t, 1, i)
}

func TestAnnounceIdempotent(t *testing.T) {
	e, _, mock := newTestEngine(t, DefaultSettings())
	conn := &testConn{}

	require.NoError(t, e.ProcessMessage(withField(announce("h1", "a"), model.FieldEvent, model.EventStarted), conn))
	first, _ := e.Peer("a")
	firstSeen := first.LastAccessed()

	mock.Add(5 * time.Second)
	require.NoError(t, e.ProcessMessage(announce("h1", "a"), conn))

	s, ok := e.Swarm("h1")
	require.True(t, ok)
	assert.Equal(t, 1, s.PeerCount())
	assert.Equal(t, 1, e.PeerCount())
	assert.Equal(t, 1, conn.Len())

	p, _ := e.Peer("a")
	assert.Same(t, first, p)
	assert.True(t, p.LastAccessed().After(firstSeen), "re-announce must refresh liveness")
}

func TestAnnounceMovesPeerBetweenSwarms(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultSettings())
	conn := &testConn{}
	other := &testConn{}

	require.NoError(t, e.ProcessMessage(announce("h1", "a"), conn))
	require.NoError(t, e.ProcessMessage(announce("h2", "b"), other))
	require.NoError(t, e.ProcessMessage(withField(announce("h2", "a"), model.FieldLeft, 0), conn))

	_, ok := e.Swarm("h1")
	assert.False(t, ok, "empty swarm must be deleted on move")

	s, ok := e.Swarm("h2")
	require.True(t, ok)
	assert.Equal(t, 2, s.PeerCount())
	assert.True(t, s.IsCompleted("a"), "completion applies to the new swarm")

	p, _ := e.Peer("a")
	assert.Equal(t, "h2", p.InfoHash())
}

func TestAnnounceMoveKeepsOldSwarmWithOthers(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultSettings())
	conn := &testConn{}

	require.NoError(t, e.ProcessMessage(withField(announce("h1", "a"), model.FieldLeft, 0), conn))
	require.NoError(t, e.ProcessMessage(announce("h1", "b"), &testConn{}))
	require.NoError(t, e.ProcessMessage(announce("h2", "a"), conn))

	old, ok := e.Swarm("h1")
	require.True(t, ok)
	assert.Equal(t, 1, old.PeerCount())
	assert.False(t, old.IsCompleted("a"), "old swarm must not retain the peer")
	assert.Zero(t, old.CompletedCount())
}

func TestCompletionIsSticky(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultSettings())
	conn := &testConn{}

	require.NoError(t, e.ProcessMessage(withField(announce("h1", "a"), model.FieldEvent, model.EventCompleted), conn))
	require.NoError(t, e.ProcessMessage(withField(announce("h1", "a"), model.FieldLeft, 100), conn))
	require.NoError(t, e.ProcessMessage(withField(announce("h1", "a"), model.FieldEvent, model.EventStarted), conn))

	c, i := counts(t, rec.last(t).msg)
	assert.Equal(t, 1, c)
	assert.Equal(t, 0, i)
}

func TestLeftZeroMarksCompleted(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultSettings())
	require.NoError(t, e.ProcessMessage(withField(announce("h1", "a"), model.FieldLeft, float64(0)), &testConn{}))

	s, _ := e.Swarm("h1")
	assert.True(t, s.IsCompleted("a"))
}

func TestAnnounceSupersedesOtherConnection(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultSettings())
	oldConn := &testConn{name: "old"}
	newConn := &testConn{name: "new"}

	var removed []string
	e.SetPeerRemovedHook(func(peerID string, conn Connection) {
		removed = append(removed, peerID+"@"+conn.(*testConn).name)
	})

	require.NoError(t, e.ProcessMessage(announce("h1", "a"), oldConn))
	require.NoError(t, e.ProcessMessage(announce("h2", "a"), newConn))

	assert.Zero(t, oldConn.Len())
	assert.Equal(t, 1, newConn.Len())
	assert.Equal(t, []string{"a@old"}, removed)

	_, ok := e.Swarm("h1")
	assert.False(t, ok)
	p, _ := e.Peer("a")
	assert.Same(t, newConn, p.Conn())
}

func TestStop(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultSettings())
	conn := &testConn{}

	require.NoError(t, e.ProcessMessage(announce("h1", "a"), conn))
	rec.reset()

	stop := withField(announce("h1", "a"), model.FieldEvent, model.EventStopped)
	require.NoError(t, e.ProcessMessage(stop, conn))

	assert.Empty(t, rec.sent, "stop has no response")
	assert.Zero(t, e.PeerCount())
	assert.Zero(t, e.SwarmCount())
	assert.Zero(t, conn.Len())

	// A second stop is a silent no-op.
	require.NoError(t, e.ProcessMessage(stop, conn))
}

func TestAnswerRelay(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultSettings())
	connA := &testConn{name: "A"}
	connB := &testConn{name: "B"}

	require.NoError(t, e.ProcessMessage(announce("h1", "a"), connA))
	require.NoError(t, e.ProcessMessage(announce("h1", "b"), connB))
	rec.reset()

	answer := model.Message{
		model.FieldAction:   model.ActionAnnounce,
		model.FieldInfoHash: "h1",
		model.FieldPeerID:   "b",
		model.FieldToPeerID: "a",
		model.FieldOfferID:  "o1",
		model.FieldAnswer:   map[string]interface{}{"type": "answer", "sdp": "v=0"},
	}
	require.NoError(t, e.ProcessMessage(answer, connB))

	require.Len(t, rec.sent, 1)
	got := rec.sent[0]
	assert.Same(t, connA, got.conn)
	assert.False(t, got.msg.Has(model.FieldToPeerID))
	assert.Equal(t, "b", got.msg[model.FieldPeerID])
	assert.Equal(t, "o1", got.msg[model.FieldOfferID])
	assert.True(t, answer.Has(model.FieldToPeerID), "inbound message must not be mutated")
}

func TestAnswerToMissingPeer(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultSettings())
	answer := model.Message{
		model.FieldAction:   model.ActionAnnounce,
		model.FieldPeerID:   "b",
		model.FieldToPeerID: "nobody",
		model.FieldAnswer:   map[string]interface{}{},
	}

	err := e.ProcessMessage(answer, &testConn{})
	assert.ErrorIs(t, err, ErrTargetPeerNotPresent)
	assert.True(t, IsProtocolError(err))
}

func TestScrape(t *testing.T) {
	e, rec, _ := newTestEngine(t, DefaultSettings())
	conn := &testConn{}

	require.NoError(t, e.ProcessMessage(withField(announce("h1", "a"), model.FieldLeft, 0), &testConn{}))
	require.NoError(t, e.ProcessMessage(announce("h1", "b"), &testConn{}))
	require.NoError(t, e.ProcessMessage(announce("h2", "c"), &testConn{}))

	tests := []struct {
		name     string
		infoHash interface{}
		want     map[string]model.ScrapeFile
	}{
		{
			name: "all",
			want: map[string]model.ScrapeFile{
				"h1": {Complete: 1, Incomplete: 1, Downloaded: 1},
				"h2": {Incomplete: 1},
			},
		},
		{
			name:     "single",
			infoHash: "h1",
			want:     map[string]model.ScrapeFile{"h1": {Complete: 1, Incomplete: 1, Downloaded: 1}},
		},
		{
			name:     "unknown",
			infoHash: "nope",
			want:     map[string]model.ScrapeFile{"nope": {}},
		},
		{
			name:     "array with malformed entries",
			infoHash: []interface{}{"h2", 7, "nope"},
			want: map[string]model.ScrapeFile{
				"h2":   {Incomplete: 1},
				"nope": {},
			},
		},
		{
			name:     "malformed",
			infoHash: 42.0,
			want:     map[string]model.ScrapeFile{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec.reset()
			msg := model.Message{model.FieldAction: model.ActionScrape}
			if tt.infoHash != nil {
				msg[model.FieldInfoHash] = tt.infoHash
			}
			require.NoError(t, e.ProcessMessage(msg, conn))

			reply := rec.last(t)
			assert.Same(t, conn, reply.conn)
			assert.Equal(t, model.ActionScrape, reply.msg.Action())
			assert.Equal(t, tt.want, reply.msg[model.FieldFiles])
		})
	}
}

func TestProtocolErrorsLeaveStateUntouched(t *testing.T) {
	withOffers := func(offers interface{}) model.Message {
		m := withField(announce("h1", "a"), model.FieldOffers, offers)
		m[model.FieldNumWant] = 5
		return m
	}

	tests := []struct {
		name string
		// seed peers already in h1 on other connections
		seed int
		msg  model.Message
		err  error
	}{
		{"unknown action", 0, model.Message{model.FieldAction: "ping"}, ErrUnknownAction},
		{"missing action", 0, model.Message{}, ErrUnknownAction},
		{"unknown event", 0, withField(announce("h1", "a"), model.FieldEvent, "paused"), ErrUnknownEvent},
		{"null event", 0, withField(announce("h1", "a"), model.FieldEvent, nil), ErrUnknownEvent},
		{"missing info_hash", 0, model.Message{model.FieldAction: model.ActionAnnounce, model.FieldPeerID: "a"}, ErrInvalidInfoHash},
		{"numeric info_hash", 0, withField(announce("", "a"), model.FieldInfoHash, 5.0), ErrInvalidInfoHash},
		{"empty peer_id", 0, announce("h1", ""), ErrInvalidPeerID},
		{"offers not array", 1, withField(announce("h1", "a"), model.FieldOffers, "x"), ErrOffersNotArray},
		{"offer item not object", 1, withOffers([]interface{}{"x"}), ErrInvalidOfferItem},
		{
			"offer payload not object",
			2,
			withOffers([]interface{}{map[string]interface{}{"offer_id": "1", "offer": "sdp"}}),
			ErrInvalidOfferField,
		},
		{"answer without target", 0, withField(announce("h1", "a"), model.FieldAnswer, map[string]interface{}{}), ErrInvalidTargetPeerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec, _ := newTestEngine(t, DefaultSettings())
			seedSwarm(t, e, "h1", tt.seed)
			rec.reset()
			conn := &testConn{}

			err := e.ProcessMessage(tt.msg, conn)
			require.ErrorIs(t, err, tt.err)
			assert.True(t, IsProtocolError(err))
			assert.Equal(t, tt.seed, e.PeerCount())
			assert.Equal(t, min(tt.seed, 1), e.SwarmCount())
			assert.Zero(t, conn.Len())
			assert.Empty(t, rec.sent)
		})
	}
}

func TestDisconnectRemovesEveryPeerOfConnection(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultSettings())
	multi := &testConn{}
	other := &testConn{}

	require.NoError(t, e.ProcessMessage(announce("h1", "a"), multi))
	require.NoError(t, e.ProcessMessage(announce("h2", "b"), multi))
	require.NoError(t, e.ProcessMessage(announce("h1", "c"), other))
	assert.Equal(t, []string{"a", "b"}, multi.PeerIDs())

	e.Disconnect(multi)

	assert.Zero(t, multi.Len())
	assert.Equal(t, 1, e.PeerCount())
	_, ok := e.Swarm("h2")
	assert.False(t, ok)
	s, ok := e.Swarm("h1")
	require.True(t, ok)
	assert.Equal(t, 1, s.PeerCount())
}

func TestReapRemovesIdlePeers(t *testing.T) {
	e, _, mock := newTestEngine(t, DefaultSettings())
	idle := &testConn{}
	active := &testConn{}

	var removed []string
	e.SetPeerRemovedHook(func(peerID string, _ Connection) { removed = append(removed, peerID) })

	require.NoError(t, e.ProcessMessage(announce("h1", "idle"), idle))
	require.NoError(t, e.ProcessMessage(announce("h2", "active"), active))

	mock.Add(30 * time.Second)
	require.NoError(t, e.ProcessMessage(announce("h2", "active"), active))
	assert.Zero(t, e.Reap(), "nobody is past twice the interval yet")

	mock.Add(11 * time.Second)
	assert.Equal(t, 1, e.Reap())

	assert.Equal(t, []string{"idle"}, removed)
	_, ok := e.Swarm("h1")
	assert.False(t, ok, "reaping the last member deletes the swarm")
	assert.Zero(t, idle.Len())
	assert.Equal(t, 1, e.PeerCount())
}

func TestStats(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultSettings())
	require.NoError(t, e.ProcessMessage(withField(announce("h1", "a"), model.FieldLeft, 0), &testConn{}))
	require.NoError(t, e.ProcessMessage(announce("h1", "b"), &testConn{}))
	require.NoError(t, e.ProcessMessage(announce("h2", "c"), &testConn{}))

	stats := e.Stats()
	stats.Sort()
	assert.Equal(t, []model.SwarmStats{
		{InfoHash: "h1", Peers: 2, Completed: 1},
		{InfoHash: "h2", Peers: 1},
	}, stats.Swarms)
}
