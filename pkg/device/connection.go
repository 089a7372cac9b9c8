package device

import (
	"context"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/handshake"
	"github.com/goadb/adb-engine/pkg/mux"
	"github.com/goadb/adb-engine/pkg/transport"
	"github.com/goadb/adb-engine/pkg/util"
	"github.com/goadb/adb-engine/pkg/wire"
)

type Config struct {
	Handshake handshake.Config
	// Backlog > 0 accepts streams opened by the device, see Connection.Accept.
	Backlog int
}

func DefaultConfig() Config {
	return Config{
		Handshake: handshake.DefaultConfig(),
	}
}

// Connection is one authenticated session with a device: a transport, the
// negotiated parameters and the stream multiplexer running on top.
type Connection struct {
	ID string

	transport transport.Transport
	result    *handshake.Result
	mux       *mux.Mux
}

// Connect runs the handshake on t and starts multiplexing. t is closed if
// the handshake fails.
func Connect(ctx context.Context, t transport.Transport, cfg Config) (*Connection, error) {
	w := wire.NewWire(t)
	result, err := handshake.Run(ctx, w, cfg.Handshake)
	if err != nil {
		t.Close()
		return nil, err
	}

	c := &Connection{
		ID:        util.UUID(),
		transport: t,
		result:    result,
		mux: mux.New(w, mux.Config{
			Name:       t.Address(),
			MaxPayload: result.MaxPayload,
			Backlog:    cfg.Backlog,
		}),
	}
	logrus.Infof("Connected to %v device %v (%v), protocol 0x%08x, max payload %v",
		t.Kind(), t.Address(), result.Banner.Model, result.Version, units.BytesSize(float64(result.MaxPayload)))
	return c, nil
}

func (c *Connection) Open(ctx context.Context, destination string) (*mux.Stream, error) {
	return c.mux.Open(ctx, destination)
}

// Accept returns the next stream the device opened towards the host.
func (c *Connection) Accept(ctx context.Context) (*mux.Stream, error) {
	return c.mux.Accept(ctx)
}

func (c *Connection) Close() error {
	return c.mux.Close()
}

// Done is closed once the connection is dead.
func (c *Connection) Done() <-chan struct{} {
	return c.mux.Done()
}

func (c *Connection) Err() error {
	return c.mux.Err()
}

func (c *Connection) Banner() handshake.Banner {
	return c.result.Banner
}

func (c *Connection) Version() uint32 {
	return c.result.Version
}

func (c *Connection) MaxPayload() uint32 {
	return c.result.MaxPayload
}

func (c *Connection) Transport() transport.Transport {
	return c.transport
}

func (c *Connection) NumStreams() int {
	return c.mux.NumStreams()
}
