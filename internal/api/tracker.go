package api

import (
	"context"

	"github.com/natemellendorf/wt-tracker/internal/metrics"
	"github.com/natemellendorf/wt-tracker/internal/model"
	"github.com/natemellendorf/wt-tracker/internal/shard"
	"github.com/natemellendorf/wt-tracker/internal/tracker"
)

// Tracker is what the transport needs from the tracker core, whether it
// runs as a single engine or sharded.
type Tracker interface {
	ProcessMessage(msg model.Message, client *Client) error
	Disconnect(client *Client)
	Stats(ctx context.Context) (*model.Stats, error)
}

// EngineSend is the tracker.SendFunc delivering to a *Client.
func EngineSend(msg model.Message, conn tracker.Connection) {
	conn.(*Client).SendMessage(msg)
}

// RouterSend is the shard.SendFunc delivering to a *Client.
func RouterSend(msg model.Message, conn shard.Connection) {
	conn.(*Client).SendMessage(msg)
}

// CloseOnProtocolError is the shard.ProtocolErrorFunc that closes the
// offending client.
func CloseOnProtocolError(conn shard.Connection, err error) {
	metrics.IncrementProtocolErrors()
	conn.(*Client).Close()
}

type serialTracker struct {
	serial *tracker.Serial
}

// NewSerialTracker adapts a single engine.
func NewSerialTracker(s *tracker.Serial) Tracker {
	return serialTracker{serial: s}
}

func (t serialTracker) ProcessMessage(msg model.Message, client *Client) error {
	return t.serial.ProcessMessage(msg, client)
}

func (t serialTracker) Disconnect(client *Client) {
	t.serial.Disconnect(client)
}

func (t serialTracker) Stats(ctx context.Context) (*model.Stats, error) {
	return t.serial.Stats(ctx)
}

type shardedTracker struct {
	router *shard.Router
}

// NewShardedTracker adapts a shard router. Protocol errors found inside a
// shard close the client.
func NewShardedTracker(r *shard.Router) Tracker {
	r.SetProtocolErrorHandler(CloseOnProtocolError)
	return shardedTracker{router: r}
}

func (t shardedTracker) ProcessMessage(msg model.Message, client *Client) error {
	return t.router.ProcessMessage(msg, client)
}

func (t shardedTracker) Disconnect(client *Client) {
	t.router.Disconnect(client)
}

func (t shardedTracker) Stats(ctx context.Context) (*model.Stats, error) {
	return t.router.Stats(ctx)
}
